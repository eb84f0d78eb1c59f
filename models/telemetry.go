package models

import "time"

// TelemetryData is an append-only time-series row keyed by (drone, timestamp).
type TelemetryData struct {
	ID                  int64     `db:"id" json:"id"`
	DroneID              int64     `db:"drone_id" json:"drone_id"`
	Lat                  *float64  `db:"lat" json:"lat,omitempty"`
	Lng                  *float64  `db:"lng" json:"lng,omitempty"`
	AltitudeM            float64   `db:"altitude_m" json:"altitude_m"`
	HeadingDeg           float64   `db:"heading_deg" json:"heading_deg"`
	SpeedKmh             float64   `db:"speed_kmh" json:"speed_kmh"`
	BatteryLevel         int       `db:"battery_level" json:"battery_level"`
	BatteryVoltage       *float64  `db:"battery_voltage" json:"battery_voltage,omitempty"`
	TemperatureC         *float64  `db:"temperature_c" json:"temperature_c,omitempty"`
	WindSpeedKmh         *float64  `db:"wind_speed_kmh" json:"wind_speed_kmh,omitempty"`
	WindDirectionDeg     *float64  `db:"wind_direction_deg" json:"wind_direction_deg,omitempty"`
	IsInFlight           bool      `db:"is_in_flight" json:"is_in_flight"`
	GPSSignalStrength    *int      `db:"gps_signal_strength" json:"gps_signal_strength,omitempty"`
	Timestamp            time.Time `db:"timestamp" json:"timestamp"`
}

// DroneStatusStream is 1:1 with a Drone; updated on every telemetry ingest.
type DroneStatusStream struct {
	ID                int64     `db:"id" json:"id"`
	DroneID           int64     `db:"drone_id" json:"drone_id"`
	IsOnline          bool      `db:"is_online" json:"is_online"`
	LastHeartbeat     time.Time `db:"last_heartbeat" json:"last_heartbeat"`
	ConnectionQuality int       `db:"connection_quality" json:"connection_quality"`
	CurrentMissionID  *int64    `db:"current_mission_id" json:"current_mission_id,omitempty"`
}
