package telemetry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"dronedispatch/internal/testutil"
	"dronedispatch/models"
	"dronedispatch/repository"
)

func seedDrone(t *testing.T, drones *repository.DroneRepository) *models.Drone {
	t.Helper()
	d, err := drones.Create(context.Background(), &models.Drone{
		SerialNumber: "SN-42", Model: "MK-4", MaxSpeedKmh: 60,
		BatteryLevel: 100, IsActive: true,
	})
	if err != nil {
		t.Fatalf("create drone: %v", err)
	}
	return d
}

func recvMessage(t *testing.T, sub *Subscription, timeout time.Duration) Message {
	t.Helper()
	select {
	case payload := <-sub.C:
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		return msg
	case <-time.After(timeout):
		t.Fatalf("no message within %v", timeout)
		return Message{}
	}
}

func TestHub_BroadcastToGroupMembers(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("drone_7")
	b := hub.Subscribe("drone_7")
	c := hub.Subscribe("drone_8")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	hub.Broadcast("drone_7", Message{Type: "telemetry", Data: map[string]int{"n": 1}})

	for _, sub := range []*Subscription{a, b} {
		msg := recvMessage(t, sub, time.Second)
		if msg.Type != "telemetry" {
			t.Fatalf("message type = %s, want telemetry", msg.Type)
		}
	}
	select {
	case <-c.C:
		t.Fatalf("subscriber of another group received the message")
	default:
	}
}

func TestHub_PerSubscriberOrdering(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("drone_7")
	b := hub.Subscribe("drone_7")
	defer a.Close()
	defer b.Close()

	for i := 1; i <= 10; i++ {
		hub.Broadcast("drone_7", Message{Type: "telemetry", Data: map[string]int{"seq": i}})
	}

	for _, sub := range []*Subscription{a, b} {
		for want := 1; want <= 10; want++ {
			msg := recvMessage(t, sub, time.Second)
			data := msg.Data.(map[string]any)
			if int(data["seq"].(float64)) != want {
				t.Fatalf("out-of-order delivery: got seq %v, want %d", data["seq"], want)
			}
		}
	}
}

func TestHub_DropsOnBackpressureWithoutBlocking(t *testing.T) {
	hub := NewHub()
	slow := hub.Subscribe("drone_7")
	defer slow.Close()

	// Overflow the buffer; Broadcast must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			hub.Broadcast("drone_7", Message{Type: "telemetry", Data: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked on a slow subscriber")
	}
	if got := len(slow.C); got != subscriberBuffer {
		t.Fatalf("buffered = %d, want exactly the buffer size %d", got, subscriberBuffer)
	}
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("drone_7")
	defer sub.Close()

	sub.Leave("drone_7")
	hub.Broadcast("drone_7", Message{Type: "telemetry", Data: 1})
	select {
	case <-sub.C:
		t.Fatalf("unsubscribed client received a message")
	default:
	}
	if hub.GroupSize("drone_7") != 0 {
		t.Fatalf("group should be empty after leave")
	}
}

type recordingHook struct {
	calls int
	last  *models.TelemetryData
}

func (h *recordingHook) HandleTelemetry(ctx context.Context, drone *models.Drone, t *models.TelemetryData) {
	h.calls++
	h.last = t
}

func TestIngest_PersistsAndBroadcasts(t *testing.T) {
	d := testutil.OpenInMemoryDB(t, "ingest_flow")
	drones := repository.NewDroneRepository(d)
	telemetryRepo := repository.NewTelemetryRepository(d)
	hub := NewHub()
	hook := &recordingHook{}
	ing := NewIngestor(drones, telemetryRepo, hub, nil, hook)

	drone := seedDrone(t, drones)
	summary := hub.Subscribe(GroupDroneUpdates)
	full := hub.Subscribe(DroneGroup(drone.ID))
	defer summary.Close()
	defer full.Close()

	lat, lng := 12.98, 77.60
	err := ing.Ingest(context.Background(), Payload{
		DroneID: drone.ID, Lat: &lat, Lng: &lng,
		AltitudeM: 120, SpeedKmh: 45, HeadingDeg: 90,
		BatteryLevel: 87, IsInFlight: true,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Telemetry row persisted.
	row, err := telemetryRepo.LatestForDrone(context.Background(), drone.ID)
	if err != nil || row == nil {
		t.Fatalf("telemetry row missing: %v", err)
	}
	if row.BatteryLevel != 87 || row.AltitudeM != 120 {
		t.Fatalf("telemetry row mismatch: %+v", row)
	}

	// Drone state updated.
	got, _ := drones.GetByID(context.Background(), drone.ID)
	if !got.HasPosition() || *got.CurrentLat != lat {
		t.Fatalf("drone position not updated: %+v", got)
	}
	if got.Status != models.DroneStatusInFlight || got.LastHeartbeat == nil {
		t.Fatalf("drone state not updated: %+v", got)
	}

	// Status stream upserted.
	stream, _ := telemetryRepo.GetStatusStream(context.Background(), drone.ID)
	if stream == nil || !stream.IsOnline {
		t.Fatalf("status stream not upserted: %+v", stream)
	}

	// Both groups received their message within the latency budget.
	if msg := recvMessage(t, summary, time.Second); msg.Type != "drone_update" {
		t.Fatalf("summary type = %s, want drone_update", msg.Type)
	}
	if msg := recvMessage(t, full, time.Second); msg.Type != "telemetry" {
		t.Fatalf("full type = %s, want telemetry", msg.Type)
	}

	if hook.calls != 1 {
		t.Fatalf("hook calls = %d, want 1", hook.calls)
	}
}

func TestIngest_TwoSubscribersSamePayloadNoReorder(t *testing.T) {
	d := testutil.OpenInMemoryDB(t, "ingest_fanout")
	drones := repository.NewDroneRepository(d)
	telemetryRepo := repository.NewTelemetryRepository(d)
	hub := NewHub()
	ing := NewIngestor(drones, telemetryRepo, hub, nil, nil)

	drone := seedDrone(t, drones)
	a := hub.Subscribe(DroneGroup(drone.ID))
	b := hub.Subscribe(DroneGroup(drone.ID))
	defer a.Close()
	defer b.Close()

	lat, lng := 12.98, 77.60
	for i := 1; i <= 2; i++ {
		if err := ing.Ingest(context.Background(), Payload{
			DroneID: drone.ID, Lat: &lat, Lng: &lng,
			AltitudeM: float64(100 + i), BatteryLevel: 90, IsInFlight: true,
		}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	for _, sub := range []*Subscription{a, b} {
		first := recvMessage(t, sub, time.Second)
		second := recvMessage(t, sub, time.Second)
		alt1 := first.Data.(map[string]any)["telemetry"].(map[string]any)["altitude_m"].(float64)
		alt2 := second.Data.(map[string]any)["telemetry"].(map[string]any)["altitude_m"].(float64)
		if alt1 != 101 || alt2 != 102 {
			t.Fatalf("payloads reordered: got %v then %v", alt1, alt2)
		}
	}
}

func TestIngest_NullPositionKeepsHeartbeat(t *testing.T) {
	d := testutil.OpenInMemoryDB(t, "ingest_null_pos")
	drones := repository.NewDroneRepository(d)
	telemetryRepo := repository.NewTelemetryRepository(d)
	ing := NewIngestor(drones, telemetryRepo, NewHub(), nil, nil)

	drone := seedDrone(t, drones)

	// Establish a known position first.
	lat, lng := 12.98, 77.60
	if err := ing.Ingest(context.Background(), Payload{
		DroneID: drone.ID, Lat: &lat, Lng: &lng, BatteryLevel: 90, IsInFlight: true,
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	before, _ := drones.GetByID(context.Background(), drone.ID)

	// GPS dropout: no position, heartbeat still advances.
	time.Sleep(10 * time.Millisecond)
	if err := ing.Ingest(context.Background(), Payload{
		DroneID: drone.ID, BatteryLevel: 88, IsInFlight: true,
	}); err != nil {
		t.Fatalf("ingest without position: %v", err)
	}
	after, _ := drones.GetByID(context.Background(), drone.ID)

	if *after.CurrentLat != *before.CurrentLat || *after.CurrentLng != *before.CurrentLng {
		t.Fatalf("position must not change on a null fix")
	}
	if !after.LastHeartbeat.After(*before.LastHeartbeat) {
		t.Fatalf("heartbeat must still advance on a null fix")
	}
	if after.BatteryLevel != 88 {
		t.Fatalf("battery should update, got %d", after.BatteryLevel)
	}
}

func TestIngest_UnknownDroneNotFound(t *testing.T) {
	d := testutil.OpenInMemoryDB(t, "ingest_unknown")
	ing := NewIngestor(repository.NewDroneRepository(d), repository.NewTelemetryRepository(d), NewHub(), nil, nil)

	err := ing.Ingest(context.Background(), Payload{DroneID: 999, BatteryLevel: 50})
	if err == nil {
		t.Fatalf("expected not_found for unknown drone")
	}
}

func TestIngest_ResolvesBySerial(t *testing.T) {
	d := testutil.OpenInMemoryDB(t, "ingest_serial")
	drones := repository.NewDroneRepository(d)
	telemetryRepo := repository.NewTelemetryRepository(d)
	ing := NewIngestor(drones, telemetryRepo, NewHub(), nil, nil)

	drone := seedDrone(t, drones)
	if err := ing.Ingest(context.Background(), Payload{
		Serial: drone.SerialNumber, BatteryLevel: 75, IsInFlight: false,
	}); err != nil {
		t.Fatalf("ingest by serial: %v", err)
	}
	row, _ := telemetryRepo.LatestForDrone(context.Background(), drone.ID)
	if row == nil || row.BatteryLevel != 75 {
		t.Fatalf("telemetry by serial not recorded: %+v", row)
	}
}

func TestIngest_ClampsBattery(t *testing.T) {
	d := testutil.OpenInMemoryDB(t, "ingest_clamp")
	drones := repository.NewDroneRepository(d)
	ing := NewIngestor(drones, repository.NewTelemetryRepository(d), NewHub(), nil, nil)

	drone := seedDrone(t, drones)
	if err := ing.Ingest(context.Background(), Payload{DroneID: drone.ID, BatteryLevel: 150, IsInFlight: true}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got, _ := drones.GetByID(context.Background(), drone.ID)
	if got.BatteryLevel != 100 {
		t.Fatalf("battery = %d, want clamped to 100", got.BatteryLevel)
	}
}
