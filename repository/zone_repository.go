package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"dronedispatch/internal/geo"
	"dronedispatch/models"
)

// ZoneRepository stores zone polygons as JSON alongside their bounding-box
// columns, which serve as the spatial pre-filter; exact polygon intersection
// happens in the zones package.
type ZoneRepository struct {
	db *sql.DB
}

func NewZoneRepository(db *sql.DB) *ZoneRepository {
	return &ZoneRepository{db: db}
}

// Create inserts a zone and computes its bounding columns from the polygon.
func (r *ZoneRepository) Create(ctx context.Context, z *models.Zone) (*models.Zone, error) {
	if z == nil {
		return nil, errors.New("zone is nil")
	}
	if len(z.Polygon) < 3 {
		return nil, errors.New("zone polygon needs at least 3 vertices")
	}
	boundary, err := json.Marshal(z.Polygon)
	if err != nil {
		return nil, err
	}
	bbox := geo.PolygonBBox(ringOf(z))

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `INSERT INTO zones
(name, zone_type, severity, boundary, min_lat, min_lng, max_lat, max_lng,
 altitude_min_m, altitude_max_m, valid_from, valid_until, is_active, reason)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		z.Name, string(z.Type), string(z.Severity), string(boundary),
		bbox.MinLat, bbox.MinLng, bbox.MaxLat, bbox.MaxLng,
		z.AltitudeMin, z.AltitudeMax, z.ValidFrom, z.ValidUntil, z.IsActive, z.Reason)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	z.ID = id
	return z, nil
}

// ListInBBox returns active zones whose bounding box overlaps the query box.
func (r *ZoneRepository) ListInBBox(ctx context.Context, bbox geo.BBox) ([]*models.Zone, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, zone_type, severity, boundary,
altitude_min_m, altitude_max_m, valid_from, valid_until, is_active, reason
FROM zones
WHERE is_active = 1 AND min_lat <= ? AND max_lat >= ? AND min_lng <= ? AND max_lng >= ?`,
		bbox.MaxLat, bbox.MinLat, bbox.MaxLng, bbox.MinLng)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Zone
	for rows.Next() {
		z, err := scanZoneRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetByID fetches a zone by ID, active or not.
func (r *ZoneRepository) GetByID(ctx context.Context, id int64) (*models.Zone, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, zone_type, severity, boundary,
altitude_min_m, altitude_max_m, valid_from, valid_until, is_active, reason
FROM zones WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanZoneRow(rows)
}

// SetActive toggles a zone.
func (r *ZoneRepository) SetActive(ctx context.Context, id int64, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE zones SET is_active = ? WHERE id = ?`, active, id)
	return err
}

func scanZoneRow(rows *sql.Rows) (*models.Zone, error) {
	var z models.Zone
	var zoneType, severity, boundary string
	var altMax sql.NullFloat64
	var validFrom, validUntil sql.NullTime
	if err := rows.Scan(&z.ID, &z.Name, &zoneType, &severity, &boundary,
		&z.AltitudeMin, &altMax, &validFrom, &validUntil, &z.IsActive, &z.Reason); err != nil {
		return nil, err
	}
	z.Type = models.ZoneType(zoneType)
	z.Severity = models.ZoneSeverity(severity)
	if err := json.Unmarshal([]byte(boundary), &z.Polygon); err != nil {
		return nil, err
	}
	if altMax.Valid {
		v := altMax.Float64
		z.AltitudeMax = &v
	}
	if validFrom.Valid {
		v := validFrom.Time
		z.ValidFrom = &v
	}
	if validUntil.Valid {
		v := validUntil.Time
		z.ValidUntil = &v
	}
	return &z, nil
}

func ringOf(z *models.Zone) []geo.Point {
	ring := make([]geo.Point, len(z.Polygon))
	for i, p := range z.Polygon {
		ring[i] = geo.Point{Lat: p.Lat, Lng: p.Lng}
	}
	return ring
}
