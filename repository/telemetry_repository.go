package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dronedispatch/models"
)

// TelemetryRepository owns the append-only telemetry time-series and the
// 1:1 drone status stream upserted on every ingest.
type TelemetryRepository struct {
	db *sql.DB
}

func NewTelemetryRepository(db *sql.DB) *TelemetryRepository {
	return &TelemetryRepository{db: db}
}

// Insert appends one telemetry row.
func (r *TelemetryRepository) Insert(ctx context.Context, t *models.TelemetryData) (*models.TelemetryData, error) {
	if t == nil {
		return nil, errors.New("telemetry is nil")
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO telemetry_data
(drone_id, lat, lng, altitude_m, heading_deg, speed_kmh, battery_level, battery_voltage,
 temperature_c, wind_speed_kmh, wind_direction_deg, is_in_flight, gps_signal_strength, timestamp)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.DroneID, t.Lat, t.Lng, t.AltitudeM, t.HeadingDeg, t.SpeedKmh, t.BatteryLevel,
		t.BatteryVoltage, t.TemperatureC, t.WindSpeedKmh, t.WindDirectionDeg,
		t.IsInFlight, t.GPSSignalStrength, ts)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	t.ID = id
	t.Timestamp = ts
	return t, nil
}

// LatestForDrone returns the drone's most recent telemetry row, or nil.
func (r *TelemetryRepository) LatestForDrone(ctx context.Context, droneID int64) (*models.TelemetryData, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	row := r.db.QueryRowContext(ctx, `SELECT id, drone_id, lat, lng, altitude_m, heading_deg,
speed_kmh, battery_level, battery_voltage, temperature_c, wind_speed_kmh, wind_direction_deg,
is_in_flight, gps_signal_strength, timestamp
FROM telemetry_data WHERE drone_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, droneID)
	t, err := scanTelemetry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// ListForDrone returns rows for a drone within [from, to], oldest first.
func (r *TelemetryRepository) ListForDrone(ctx context.Context, droneID int64, from, to time.Time, limit int) ([]models.TelemetryData, error) {
	if limit <= 0 {
		limit = 1000
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT id, drone_id, lat, lng, altitude_m, heading_deg,
speed_kmh, battery_level, battery_voltage, temperature_c, wind_speed_kmh, wind_direction_deg,
is_in_flight, gps_signal_strength, timestamp
FROM telemetry_data WHERE drone_id = ? AND timestamp >= ? AND timestamp <= ?
ORDER BY timestamp, id LIMIT ?`, droneID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TelemetryData
	for rows.Next() {
		t, err := scanTelemetry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertStatusStream refreshes the drone's heartbeat row.
func (r *TelemetryRepository) UpsertStatusStream(ctx context.Context, s *models.DroneStatusStream) error {
	if s == nil {
		return errors.New("status stream is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `INSERT INTO drone_status_stream
(drone_id, is_online, last_heartbeat, connection_quality, current_mission_id)
VALUES (?,?,?,?,?)
ON CONFLICT(drone_id) DO UPDATE SET
 is_online = excluded.is_online,
 last_heartbeat = excluded.last_heartbeat,
 connection_quality = excluded.connection_quality,
 current_mission_id = excluded.current_mission_id`,
		s.DroneID, s.IsOnline, s.LastHeartbeat, s.ConnectionQuality, s.CurrentMissionID)
	return err
}

// GetStatusStream fetches the drone's heartbeat row, or nil.
func (r *TelemetryRepository) GetStatusStream(ctx context.Context, droneID int64) (*models.DroneStatusStream, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var s models.DroneStatusStream
	var mission sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT id, drone_id, is_online, last_heartbeat,
connection_quality, current_mission_id FROM drone_status_stream WHERE drone_id = ?`, droneID).
		Scan(&s.ID, &s.DroneID, &s.IsOnline, &s.LastHeartbeat, &s.ConnectionQuality, &mission)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if mission.Valid {
		v := mission.Int64
		s.CurrentMissionID = &v
	}
	return &s, nil
}

func scanTelemetry(s rowScanner) (*models.TelemetryData, error) {
	var t models.TelemetryData
	var lat, lng, voltage, temp, wind, windDir sql.NullFloat64
	var gps sql.NullInt64
	err := s.Scan(&t.ID, &t.DroneID, &lat, &lng, &t.AltitudeM, &t.HeadingDeg,
		&t.SpeedKmh, &t.BatteryLevel, &voltage, &temp, &wind, &windDir,
		&t.IsInFlight, &gps, &t.Timestamp)
	if err != nil {
		return nil, err
	}
	if lat.Valid {
		v := lat.Float64
		t.Lat = &v
	}
	if lng.Valid {
		v := lng.Float64
		t.Lng = &v
	}
	if voltage.Valid {
		v := voltage.Float64
		t.BatteryVoltage = &v
	}
	if temp.Valid {
		v := temp.Float64
		t.TemperatureC = &v
	}
	if wind.Valid {
		v := wind.Float64
		t.WindSpeedKmh = &v
	}
	if windDir.Valid {
		v := windDir.Float64
		t.WindDirectionDeg = &v
	}
	if gps.Valid {
		v := int(gps.Int64)
		t.GPSSignalStrength = &v
	}
	return &t, nil
}
