package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"dronedispatch/internal/errs"
	"dronedispatch/internal/queue"
	"dronedispatch/models"
	"dronedispatch/repository"
)

// TaskProcessTelemetry is the queue task type for asynchronous ingest.
const TaskProcessTelemetry = "telemetry.process"

// Payload is one sensor report from a drone. Either DroneID or Serial
// identifies the sender. Lat/Lng may be nil when the GPS fix is lost; the
// heartbeat still updates.
type Payload struct {
	DroneID           int64    `json:"drone,omitempty"`
	Serial            string   `json:"serial,omitempty"`
	Lat               *float64 `json:"latitude"`
	Lng               *float64 `json:"longitude"`
	AltitudeM         float64  `json:"altitude"`
	SpeedKmh          float64  `json:"speed"`
	HeadingDeg        float64  `json:"heading"`
	BatteryLevel      int      `json:"battery_level"`
	BatteryVoltage    *float64 `json:"battery_voltage,omitempty"`
	TemperatureC      *float64 `json:"temperature,omitempty"`
	WindSpeedKmh      *float64 `json:"wind_speed,omitempty"`
	WindDirectionDeg  *float64 `json:"wind_direction,omitempty"`
	IsInFlight        bool     `json:"is_in_flight"`
	GPSSignalStrength *int     `json:"gps_signal_strength,omitempty"`
	ConnectionQuality int      `json:"connection_quality,omitempty"`
	MissionID         *int64   `json:"mission_id,omitempty"`
}

// Hook observes each persisted telemetry row. The dispatch pipeline uses it to
// refine in_transit orders to delivering near the destination.
type Hook interface {
	HandleTelemetry(ctx context.Context, drone *models.Drone, t *models.TelemetryData)
}

// Ingestor persists telemetry and fans it out.
type Ingestor struct {
	drones    repository.DroneRepositoryI
	telemetry repository.TelemetryRepositoryI
	hub       *Hub
	queue     *queue.Queue // nil processes inline
	hook      Hook

	mu    sync.Mutex
	locks map[int64]*sync.Mutex // per-drone write serialization
}

// NewIngestor wires an Ingestor. q may be nil to force inline processing; hook
// may be nil.
func NewIngestor(drones repository.DroneRepositoryI, telemetry repository.TelemetryRepositoryI, hub *Hub, q *queue.Queue, hook Hook) *Ingestor {
	ing := &Ingestor{
		drones:    drones,
		telemetry: telemetry,
		hub:       hub,
		queue:     q,
		hook:      hook,
		locks:     make(map[int64]*sync.Mutex),
	}
	if q != nil {
		q.Register(TaskProcessTelemetry, func(ctx context.Context, args json.RawMessage) error {
			var p Payload
			if err := json.Unmarshal(args, &p); err != nil {
				return err
			}
			return ing.Process(ctx, p)
		})
	}
	return ing
}

// Ingest is the non-blocking entry point: enqueue when the queue is available,
// process inline otherwise.
func (ing *Ingestor) Ingest(ctx context.Context, p Payload) error {
	if ing.queue != nil {
		if err := ing.queue.Enqueue(ctx, TaskProcessTelemetry, p, 0); err == nil {
			return nil
		}
		// Broker unavailable; fall through to inline processing.
	}
	return ing.Process(ctx, p)
}

// Process resolves the drone, appends the telemetry row, updates drone state
// and the status stream, and broadcasts. Writes for one drone are serialized
// so its stream keeps monotone timestamps.
func (ing *Ingestor) Process(ctx context.Context, p Payload) error {
	drone, err := ing.resolveDrone(ctx, p)
	if err != nil {
		return err
	}

	lock := ing.droneLock(drone.ID)
	lock.Lock()

	now := time.Now().UTC()
	battery := clampBattery(p.BatteryLevel)
	row := &models.TelemetryData{
		DroneID:           drone.ID,
		Lat:               p.Lat,
		Lng:               p.Lng,
		AltitudeM:         p.AltitudeM,
		HeadingDeg:        p.HeadingDeg,
		SpeedKmh:          p.SpeedKmh,
		BatteryLevel:      battery,
		BatteryVoltage:    p.BatteryVoltage,
		TemperatureC:      p.TemperatureC,
		WindSpeedKmh:      p.WindSpeedKmh,
		WindDirectionDeg:  p.WindDirectionDeg,
		IsInFlight:        p.IsInFlight,
		GPSSignalStrength: p.GPSSignalStrength,
		Timestamp:         now,
	}
	row, err = ing.telemetry.Insert(ctx, row)
	if err != nil {
		lock.Unlock()
		return errs.Transient("insert telemetry", err)
	}

	status := drone.Status
	if p.IsInFlight {
		status = models.DroneStatusInFlight
	}
	if err := ing.drones.UpdateTelemetryState(ctx, drone.ID, p.Lat, p.Lng, p.AltitudeM, battery, status, now); err != nil {
		lock.Unlock()
		return errs.Transient("update drone state", err)
	}

	quality := p.ConnectionQuality
	if quality <= 0 {
		quality = 100
	}
	if err := ing.telemetry.UpsertStatusStream(ctx, &models.DroneStatusStream{
		DroneID:           drone.ID,
		IsOnline:          true,
		LastHeartbeat:     now,
		ConnectionQuality: quality,
		CurrentMissionID:  p.MissionID,
	}); err != nil {
		lock.Unlock()
		return errs.Transient("upsert status stream", err)
	}
	lock.Unlock()

	drone.Status = status
	drone.BatteryLevel = battery
	if p.Lat != nil && p.Lng != nil {
		drone.CurrentLat = p.Lat
		drone.CurrentLng = p.Lng
	}
	drone.CurrentAltM = p.AltitudeM

	ing.broadcast(drone, row)

	if ing.hook != nil {
		ing.hook.HandleTelemetry(ctx, drone, row)
	}
	return nil
}

func (ing *Ingestor) resolveDrone(ctx context.Context, p Payload) (*models.Drone, error) {
	if p.DroneID > 0 {
		d, err := ing.drones.GetByID(ctx, p.DroneID)
		if err != nil {
			return nil, errs.Transient("get drone", err)
		}
		if d != nil {
			return d, nil
		}
	}
	if p.Serial != "" {
		d, err := ing.drones.GetBySerial(ctx, p.Serial)
		if err != nil {
			return nil, errs.Transient("get drone by serial", err)
		}
		if d != nil {
			return d, nil
		}
	}
	if p.DroneID > 0 {
		return nil, errs.NotFound("drone", p.DroneID)
	}
	return nil, errs.NotFound("drone", p.Serial)
}

func (ing *Ingestor) droneLock(id int64) *sync.Mutex {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	lock, ok := ing.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		ing.locks[id] = lock
	}
	return lock
}

// broadcast publishes the summary to drone_updates and the full reading to the
// drone's own group.
func (ing *Ingestor) broadcast(drone *models.Drone, t *models.TelemetryData) {
	if ing.hub == nil {
		return
	}
	summary := map[string]any{
		"drone_id":      drone.ID,
		"serial_number": drone.SerialNumber,
		"position": map[string]any{
			"latitude":  t.Lat,
			"longitude": t.Lng,
			"altitude":  t.AltitudeM,
		},
		"battery_level": t.BatteryLevel,
		"speed":         t.SpeedKmh,
		"heading":       t.HeadingDeg,
		"timestamp":     t.Timestamp.Format(time.RFC3339Nano),
	}
	ing.hub.Broadcast(GroupDroneUpdates, Message{Type: "drone_update", Data: summary})

	full := map[string]any{
		"drone_id":  drone.ID,
		"telemetry": t,
		"timestamp": t.Timestamp.Format(time.RFC3339Nano),
	}
	ing.hub.Broadcast(DroneGroup(drone.ID), Message{Type: "telemetry", Data: full})
}

func clampBattery(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
