package models

import "time"

// DroneStatus represents the operational status of a drone.
type DroneStatus string

const (
	DroneStatusIdle        DroneStatus = "idle"
	DroneStatusCharging    DroneStatus = "charging"
	DroneStatusAssigned    DroneStatus = "assigned"
	DroneStatusDelivering  DroneStatus = "delivering"
	DroneStatusReturning   DroneStatus = "returning"
	DroneStatusMaintenance DroneStatus = "maintenance"
	DroneStatusOffline     DroneStatus = "offline"
	DroneStatusInFlight    DroneStatus = "in_flight"
)

// Drone represents a delivery drone and its live mutable state.
// Invariant: BatteryLevel is always within [0,100].
// Invariant: a drone with Status == DroneStatusDelivering has a non-null current position.
type Drone struct {
	ID             int64       `db:"id" json:"id"`
	SerialNumber   string      `db:"serial_number" json:"serial_number"`
	Model          string      `db:"model" json:"model"`
	MaxPayloadKg   float64     `db:"max_payload_kg" json:"max_payload_kg"`
	MaxSpeedKmh    float64     `db:"max_speed_kmh" json:"max_speed_kmh"`
	MaxAltitudeM   float64     `db:"max_altitude_m" json:"max_altitude_m"`
	MaxRangeKm     float64     `db:"max_range_km" json:"max_range_km"`
	BatteryCapMAh  int         `db:"battery_capacity_mah" json:"battery_capacity_mah"`
	Status         DroneStatus `db:"status" json:"status"`
	BatteryLevel   int         `db:"battery_level" json:"battery_level"`
	CurrentLat     *float64    `db:"current_lat" json:"current_lat,omitempty"`
	CurrentLng     *float64    `db:"current_lng" json:"current_lng,omitempty"`
	CurrentAltM    float64     `db:"current_altitude_m" json:"current_altitude_m"`
	LastHeartbeat  *time.Time  `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	IsActive       bool        `db:"is_active" json:"is_active"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}

// HasPosition reports whether the drone has a known current position.
func (d *Drone) HasPosition() bool {
	return d.CurrentLat != nil && d.CurrentLng != nil
}
