package zones

import (
	"context"
	"sync"
	"time"

	"dronedispatch/internal/geo"
	"dronedispatch/models"
)

// Repository is the persistence surface the store needs. The bbox query is a
// pre-filter on stored bounding columns; exact polygon intersection happens here.
type Repository interface {
	ListInBBox(ctx context.Context, bbox geo.BBox) ([]*models.Zone, error)
	Create(ctx context.Context, z *models.Zone) (*models.Zone, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// Store answers zone queries for the optimizer and dispatch pipeline.
// Reads dominate; mutations fire registered invalidation hooks so dependent
// caches (the route cache) drop stale results.
type Store struct {
	repo Repository

	mu    sync.Mutex
	hooks []func()
}

// NewStore creates a Store over the given repository.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// OnMutate registers a hook invoked after any zone mutation.
func (s *Store) OnMutate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Store) fireMutation() {
	s.mu.Lock()
	hooks := make([]func(), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// ActiveZonesInBBox returns stored + static zones effective at now whose
// geometry intersects the bbox.
func (s *Store) ActiveZonesInBBox(ctx context.Context, bbox geo.BBox, now time.Time) ([]*models.Zone, error) {
	var out []*models.Zone
	if s.repo != nil {
		stored, err := s.repo.ListInBBox(ctx, bbox)
		if err != nil {
			return nil, err
		}
		for _, z := range stored {
			if !z.EffectiveAt(now) {
				continue
			}
			if bbox.Overlaps(geo.PolygonBBox(Ring(z))) {
				out = append(out, z)
			}
		}
	}
	out = append(out, StaticZonesInBBox(bbox)...)
	return out, nil
}

// PointIntersectsNoFly reports whether the point lies inside any zone effective
// at now. If altitudeM is non-nil the zone's altitude band must also contain it.
func (s *Store) PointIntersectsNoFly(ctx context.Context, lat, lng float64, altitudeM *float64, now time.Time) (bool, error) {
	bbox := geo.BBoxAround(lat, lng, lat, lng, 0.1)
	zones, err := s.ActiveZonesInBBox(ctx, bbox, now)
	if err != nil {
		return false, err
	}
	for _, z := range zones {
		if altitudeM != nil && !z.AltitudeBandContains(*altitudeM) {
			continue
		}
		if geo.PointInPolygon(lat, lng, Ring(z)) {
			return true, nil
		}
	}
	return false, nil
}

// CreateZone persists a new zone and invalidates dependent caches.
func (s *Store) CreateZone(ctx context.Context, z *models.Zone) (*models.Zone, error) {
	created, err := s.repo.Create(ctx, z)
	if err != nil {
		return nil, err
	}
	s.fireMutation()
	return created, nil
}

// SetZoneActive toggles a stored zone and invalidates dependent caches.
func (s *Store) SetZoneActive(ctx context.Context, id int64, active bool) error {
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		return err
	}
	s.fireMutation()
	return nil
}
