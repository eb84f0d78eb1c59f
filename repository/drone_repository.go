package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dronedispatch/models"
)

type DroneRepository struct {
	db *sql.DB
}

func NewDroneRepository(db *sql.DB) *DroneRepository {
	return &DroneRepository{db: db}
}

const droneColumns = `id, serial_number, model, max_payload_kg, max_speed_kmh, max_altitude_m,
max_range_km, battery_capacity_mah, status, battery_level, current_lat, current_lng,
current_altitude_m, last_heartbeat, is_active, created_at`

// Create inserts a new drone. Status defaults to 'idle' if empty.
func (r *DroneRepository) Create(ctx context.Context, d *models.Drone) (*models.Drone, error) {
	if d == nil {
		return nil, errors.New("drone is nil")
	}
	if d.Status == "" {
		d.Status = models.DroneStatusIdle
	}
	if d.BatteryLevel == 0 {
		d.BatteryLevel = 100
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO drones
(serial_number, model, max_payload_kg, max_speed_kmh, max_altitude_m, max_range_km,
 battery_capacity_mah, status, battery_level, current_lat, current_lng, current_altitude_m, is_active)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.SerialNumber, d.Model, d.MaxPayloadKg, d.MaxSpeedKmh, d.MaxAltitudeM, d.MaxRangeKm,
		d.BatteryCapMAh, string(d.Status), d.BatteryLevel, d.CurrentLat, d.CurrentLng,
		d.CurrentAltM, d.IsActive)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *DroneRepository) GetByID(ctx context.Context, id int64) (*models.Drone, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	row := r.db.QueryRowContext(ctx, `SELECT `+droneColumns+` FROM drones WHERE id = ?`, id)
	return scanDrone(row)
}

func (r *DroneRepository) GetBySerial(ctx context.Context, serial string) (*models.Drone, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	row := r.db.QueryRowContext(ctx, `SELECT `+droneColumns+` FROM drones WHERE serial_number = ?`, serial)
	return scanDrone(row)
}

// UpdateStatus updates the status of a drone.
func (r *DroneRepository) UpdateStatus(ctx context.Context, id int64, status models.DroneStatus) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE drones SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// UpdateTelemetryState writes the mutable state fields a telemetry ingest
// touches. Position pointers may be nil, in which case the stored position is
// left untouched while battery/altitude/heartbeat still update.
func (r *DroneRepository) UpdateTelemetryState(ctx context.Context, id int64, lat, lng *float64, altitudeM float64, battery int, status models.DroneStatus, heartbeat time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if lat != nil && lng != nil {
		_, err := r.db.ExecContext(ctx, `UPDATE drones SET current_lat = ?, current_lng = ?,
current_altitude_m = ?, battery_level = ?, status = ?, last_heartbeat = ? WHERE id = ?`,
			*lat, *lng, altitudeM, battery, string(status), heartbeat, id)
		return err
	}
	_, err := r.db.ExecContext(ctx, `UPDATE drones SET current_altitude_m = ?, battery_level = ?,
status = ?, last_heartbeat = ? WHERE id = ?`,
		altitudeM, battery, string(status), heartbeat, id)
	return err
}

// UpdateBattery sets the battery level, clamped to [0,100] by the caller.
func (r *DroneRepository) UpdateBattery(ctx context.Context, id int64, level int) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE drones SET battery_level = ? WHERE id = ?`, level, id)
	return err
}

func (r *DroneRepository) List(ctx context.Context, limit, offset int) ([]models.Drone, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+droneColumns+` FROM drones ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Drone
	for rows.Next() {
		d, err := scanDroneRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDrone(row *sql.Row) (*models.Drone, error) {
	d, err := scanDroneFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func scanDroneRow(rows *sql.Rows) (*models.Drone, error) {
	return scanDroneFrom(rows)
}

func scanDroneFrom(s rowScanner) (*models.Drone, error) {
	var d models.Drone
	var status string
	var lat, lng sql.NullFloat64
	var heartbeat sql.NullTime
	err := s.Scan(&d.ID, &d.SerialNumber, &d.Model, &d.MaxPayloadKg, &d.MaxSpeedKmh,
		&d.MaxAltitudeM, &d.MaxRangeKm, &d.BatteryCapMAh, &status, &d.BatteryLevel,
		&lat, &lng, &d.CurrentAltM, &heartbeat, &d.IsActive, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = models.DroneStatus(status)
	if lat.Valid {
		v := lat.Float64
		d.CurrentLat = &v
	}
	if lng.Valid {
		v := lng.Float64
		d.CurrentLng = &v
	}
	if heartbeat.Valid {
		v := heartbeat.Time
		d.LastHeartbeat = &v
	}
	return &d, nil
}
