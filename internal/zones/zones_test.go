package zones

import (
	"context"
	"testing"
	"time"

	"dronedispatch/internal/geo"
	"dronedispatch/models"
)

type fakeRepo struct {
	zones []*models.Zone
}

func (f *fakeRepo) ListInBBox(ctx context.Context, bbox geo.BBox) ([]*models.Zone, error) {
	return f.zones, nil
}

func (f *fakeRepo) Create(ctx context.Context, z *models.Zone) (*models.Zone, error) {
	f.zones = append(f.zones, z)
	return z, nil
}

func (f *fakeRepo) SetActive(ctx context.Context, id int64, active bool) error {
	for _, z := range f.zones {
		if z.ID == id {
			z.IsActive = active
		}
	}
	return nil
}

func TestStaticZones_GeometryClosedRing(t *testing.T) {
	zs := StaticZones()
	if len(zs) != 3 {
		t.Fatalf("static catalog has %d zones, want 3", len(zs))
	}
	for _, z := range zs {
		ring := z.Polygon
		if len(ring) != 65 {
			t.Errorf("%s: ring has %d vertices, want 65 (64 + closing)", z.Name, len(ring))
		}
		if ring[0] != ring[len(ring)-1] {
			t.Errorf("%s: ring not closed", z.Name)
		}
	}
}

func TestStaticZones_AirportContainsCenter(t *testing.T) {
	zs := StaticZones()
	airport := zs[0]
	if !geo.PointInPolygon(12.9716, 77.5946, Ring(airport)) {
		t.Fatalf("airport zone should contain its center")
	}
	// A point 3km away is outside the 1.5km circle.
	lat, lng := geo.DestinationPoint(12.9716, 77.5946, 0, 3000)
	if geo.PointInPolygon(lat, lng, Ring(airport)) {
		t.Fatalf("point 3km north should be outside 1.5km zone")
	}
}

func TestStaticZonesInBBox_Filters(t *testing.T) {
	// A bbox tight around the airport excludes the sensitive facility at 13.01.
	bbox := geo.BBoxAround(12.9716, 77.5946, 12.9716, 77.5946, 2.0)
	got := StaticZonesInBBox(bbox)
	for _, z := range got {
		if z.Name == "Red Zone - Sensitive Facility" {
			t.Fatalf("facility zone should be outside airport bbox")
		}
	}
	if len(got) == 0 {
		t.Fatalf("airport zone should intersect its own bbox")
	}
}

func TestStore_PointIntersectsNoFly(t *testing.T) {
	s := NewStore(&fakeRepo{})
	ctx := context.Background()
	now := time.Now()

	hit, err := s.PointIntersectsNoFly(ctx, 12.9716, 77.5946, nil, now)
	if err != nil {
		t.Fatalf("intersect: %v", err)
	}
	if !hit {
		t.Fatalf("airport center should intersect no-fly")
	}

	// Above the airport band (1200m) the point is clear.
	alt := 1500.0
	hit, err = s.PointIntersectsNoFly(ctx, 12.9716, 77.5946, &alt, now)
	if err != nil {
		t.Fatalf("intersect: %v", err)
	}
	if hit {
		t.Fatalf("point above altitude band should not intersect")
	}
}

func TestStore_TemporalValidity(t *testing.T) {
	now := time.Now()
	past := now.Add(-2 * time.Hour)
	repo := &fakeRepo{}
	until := now.Add(-time.Hour)
	repo.zones = append(repo.zones, &models.Zone{
		ID:         1,
		Name:       "Expired TFR",
		Type:       models.ZoneTypeTemporary,
		Severity:   models.SeverityRed,
		Polygon:    CircleToPolygon(12.95, 77.55, 1000, 16),
		IsActive:   true,
		ValidFrom:  &past,
		ValidUntil: &until,
	})
	s := NewStore(repo)

	hit, err := s.PointIntersectsNoFly(context.Background(), 12.95, 77.55, nil, now)
	if err != nil {
		t.Fatalf("intersect: %v", err)
	}
	if hit {
		t.Fatalf("expired zone should not be effective")
	}
}

func TestStore_MutationFiresHooks(t *testing.T) {
	s := NewStore(&fakeRepo{})
	fired := 0
	s.OnMutate(func() { fired++ })

	_, err := s.CreateZone(context.Background(), &models.Zone{
		Name:     "New TFR",
		Severity: models.SeverityRed,
		Polygon:  CircleToPolygon(12.9, 77.5, 500, 16),
		IsActive: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if fired != 1 {
		t.Fatalf("mutation hook fired %d times, want 1", fired)
	}
}
