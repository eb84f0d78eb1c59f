package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"dronedispatch/internal/config"
	"dronedispatch/internal/errs"
	"dronedispatch/internal/eta"
	"dronedispatch/internal/notify"
	"dronedispatch/internal/optimizer"
	"dronedispatch/internal/queue"
	"dronedispatch/internal/telemetry"
	"dronedispatch/internal/testutil"
	"dronedispatch/internal/zones"
	"dronedispatch/models"
	"dronedispatch/repository"
)

// Coordinates away from the static zone catalog so routing tests stay clear.
const (
	pickupLat   = 12.9000
	pickupLng   = 77.5000
	deliveryLat = 12.9200
	deliveryLng = 77.5200
)

type fixture struct {
	users    *repository.UserRepository
	drones   *repository.DroneRepository
	packages *repository.PackageRepository
	orders   *repository.OrderRepository
	routes   *repository.RouteRepository
	hub      *telemetry.Hub
	pipeline *Pipeline
}

func newFixture(t *testing.T, name string, q *queue.Queue) *fixture {
	t.Helper()
	d := testutil.OpenInMemoryDB(t, name)
	f := &fixture{
		users:    repository.NewUserRepository(d),
		drones:   repository.NewDroneRepository(d),
		packages: repository.NewPackageRepository(d),
		orders:   repository.NewOrderRepository(d),
		routes:   repository.NewRouteRepository(d),
		hub:      telemetry.NewHub(),
	}
	zoneStore := zones.NewStore(repository.NewZoneRepository(d))
	opt := optimizer.New(config.OptimizerConfig{
		GridResolution: 0.001, AltitudeStepM: 20, MinAltitudeM: 50, MaxAltitudeM: 400,
		MinTerrainClearance: 30, SafetyBufferM: 100, SearchIterationCap: 10000, CacheTTLSeconds: 3600,
	}, zoneStore)
	zoneStore.OnMutate(opt.ClearCache)

	notifier := notify.New(repository.NewNotificationRepository(d), f.hub, q)
	f.pipeline = New(Deps{
		Orders:    f.orders,
		Drones:    f.drones,
		Packages:  f.packages,
		Routes:    f.routes,
		Users:     f.users,
		Notifier:  notifier,
		Optimizer: opt,
		Predictor: eta.New(config.ETAConfig{}),
		Queue:     q,
		Hub:       f.hub,
	})
	return f
}

func (f *fixture) seedOrder(t *testing.T) (*models.DeliveryOrder, *models.Drone) {
	t.Helper()
	ctx := context.Background()
	u, err := f.users.Create(ctx, "alice", "alice@example.com", models.RoleCustomer)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	pkg, err := f.packages.Create(ctx, &models.Package{Name: "box", WeightKg: 2})
	if err != nil {
		t.Fatalf("create package: %v", err)
	}
	order, err := f.orders.Create(ctx, &models.DeliveryOrder{
		CustomerID:  u.ID,
		PackageID:   pkg.ID,
		PickupLat:   pickupLat,
		PickupLng:   pickupLng,
		DeliveryLat: deliveryLat,
		DeliveryLng: deliveryLng,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	drone, err := f.drones.Create(ctx, &models.Drone{
		SerialNumber: "SN-1", Model: "MK-4", MaxPayloadKg: 5, MaxSpeedKmh: 60,
		MaxAltitudeM: 400, MaxRangeKm: 20, BatteryCapMAh: 10000, BatteryLevel: 100, IsActive: true,
	})
	if err != nil {
		t.Fatalf("create drone: %v", err)
	}
	return order, drone
}

func TestAssignDrone_FullFlow(t *testing.T) {
	f := newFixture(t, "assign_flow", nil)
	order, drone := f.seedOrder(t)
	ctx := context.Background()

	if err := f.pipeline.AssignDrone(ctx, order.ID, drone.ID, nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	got, _ := f.orders.GetByID(ctx, order.ID)
	if got.Status != models.OrderStatusInTransit {
		t.Fatalf("order status = %s, want in_transit", got.Status)
	}
	if got.DroneID == nil || *got.DroneID != drone.ID {
		t.Fatalf("drone not recorded on order")
	}
	if got.AssignedAt == nil || got.PickedUpAt == nil {
		t.Fatalf("assignment timestamps missing")
	}
	if got.EstimatedETA == nil || got.TotalCost == nil {
		t.Fatalf("optimization outputs missing: %+v", got)
	}
	// cost = 50 + distance * max(2, 0.5) * 10 with distance ~3.1km
	if *got.TotalCost < 80 || *got.TotalCost > 130 {
		t.Fatalf("total cost = %v, outside plausible band", *got.TotalCost)
	}

	gotDrone, _ := f.drones.GetByID(ctx, drone.ID)
	if gotDrone.Status != models.DroneStatusDelivering {
		t.Fatalf("drone status = %s, want delivering", gotDrone.Status)
	}

	route, err := f.routes.GetByOrderID(ctx, order.ID)
	if err != nil || route == nil {
		t.Fatalf("route missing: %v", err)
	}
	if route.TotalDistanceKm <= 0 {
		t.Fatalf("route distance must be positive")
	}
	wps, _ := f.routes.WaypointsForRoute(ctx, route.ID)
	if len(wps) < 2 || wps[0].Action != models.ActionStart || wps[len(wps)-1].Action != models.ActionEnd {
		t.Fatalf("waypoints malformed: %+v", wps)
	}

	hist, _ := f.orders.HistoryForOrder(ctx, order.ID)
	if len(hist) != 1 || hist[0].Status != models.OrderStatusInTransit {
		t.Fatalf("history = %+v, want exactly one in_transit row", hist)
	}
}

func TestAssignDrone_Idempotent(t *testing.T) {
	f := newFixture(t, "assign_idem", nil)
	order, drone := f.seedOrder(t)
	ctx := context.Background()

	if err := f.pipeline.AssignDrone(ctx, order.ID, drone.ID, nil); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if err := f.pipeline.AssignDrone(ctx, order.ID, drone.ID, nil); err != nil {
		t.Fatalf("second assign should be a no-op: %v", err)
	}

	hist, _ := f.orders.HistoryForOrder(ctx, order.ID)
	if len(hist) != 1 {
		t.Fatalf("history rows = %d, want exactly 1", len(hist))
	}
}

func TestAssignDrone_RefusesSecondDrone(t *testing.T) {
	f := newFixture(t, "assign_second", nil)
	order, drone := f.seedOrder(t)
	ctx := context.Background()

	other, err := f.drones.Create(ctx, &models.Drone{
		SerialNumber: "SN-2", MaxSpeedKmh: 60, BatteryLevel: 100, IsActive: true,
	})
	if err != nil {
		t.Fatalf("create drone: %v", err)
	}

	if err := f.pipeline.AssignDrone(ctx, order.ID, drone.ID, nil); err != nil {
		t.Fatalf("assign: %v", err)
	}
	err = f.pipeline.AssignDrone(ctx, order.ID, other.ID, nil)
	var conflict *errs.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("reassignment error = %v, want ConflictError", err)
	}
}

func TestAssignDrone_ValidatesDrone(t *testing.T) {
	f := newFixture(t, "assign_validate", nil)
	order, drone := f.seedOrder(t)
	ctx := context.Background()

	if err := f.drones.UpdateBattery(ctx, drone.ID, 10); err != nil {
		t.Fatalf("set battery: %v", err)
	}
	err := f.pipeline.AssignDrone(ctx, order.ID, drone.ID, nil)
	var validation *errs.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("low battery error = %v, want ValidationError", err)
	}

	if err := f.drones.UpdateBattery(ctx, drone.ID, 100); err != nil {
		t.Fatalf("reset battery: %v", err)
	}
	if err := f.drones.UpdateStatus(ctx, drone.ID, models.DroneStatusCharging); err != nil {
		t.Fatalf("set status: %v", err)
	}
	err = f.pipeline.AssignDrone(ctx, order.ID, drone.ID, nil)
	var conflict *errs.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("busy drone error = %v, want ConflictError", err)
	}
}

func TestUpdateStatus_GuardsIllegalTransition(t *testing.T) {
	f := newFixture(t, "status_guard", nil)
	order, _ := f.seedOrder(t)
	ctx := context.Background()

	err := f.pipeline.UpdateStatus(ctx, order.ID, models.OrderStatusDelivered, nil, "")
	var conflict *errs.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("pending->delivered error = %v, want ConflictError", err)
	}

	// No history row written, no timestamps mutated.
	hist, _ := f.orders.HistoryForOrder(ctx, order.ID)
	if len(hist) != 0 {
		t.Fatalf("history rows = %d, want 0 after refused transition", len(hist))
	}
	got, _ := f.orders.GetByID(ctx, order.ID)
	if got.Status != models.OrderStatusPending || got.DeliveredAt != nil {
		t.Fatalf("order mutated by refused transition: %+v", got)
	}
}

func TestUpdateStatus_DeliveredSetsTimestamps(t *testing.T) {
	f := newFixture(t, "status_delivered", nil)
	order, drone := f.seedOrder(t)
	ctx := context.Background()

	if err := f.pipeline.AssignDrone(ctx, order.ID, drone.ID, nil); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := f.pipeline.UpdateStatus(ctx, order.ID, models.OrderStatusDelivering, nil, "near destination"); err != nil {
		t.Fatalf("delivering: %v", err)
	}
	if err := f.pipeline.UpdateStatus(ctx, order.ID, models.OrderStatusDelivered, nil, "dropped"); err != nil {
		t.Fatalf("delivered: %v", err)
	}

	got, _ := f.orders.GetByID(ctx, order.ID)
	if got.DeliveredAt == nil || got.DroneID == nil {
		t.Fatalf("delivered invariants violated: %+v", got)
	}
	route, _ := f.routes.GetByOrderID(ctx, order.ID)
	if route == nil || route.TotalDistanceKm <= 0 {
		t.Fatalf("delivered order must carry a route with positive distance")
	}
	hist, _ := f.orders.HistoryForOrder(ctx, order.ID)
	if len(hist) != 3 {
		t.Fatalf("history rows = %d, want 3 (in_transit, delivering, delivered)", len(hist))
	}
}

func TestHandleTelemetry_RefinesToDelivering(t *testing.T) {
	f := newFixture(t, "telemetry_refine", nil)
	order, drone := f.seedOrder(t)
	ctx := context.Background()

	if err := f.pipeline.AssignDrone(ctx, order.ID, drone.ID, nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Far from the destination: no refinement.
	farLat, farLng := pickupLat, pickupLng
	f.pipeline.HandleTelemetry(ctx, drone, &models.TelemetryData{DroneID: drone.ID, Lat: &farLat, Lng: &farLng})
	got, _ := f.orders.GetByID(ctx, order.ID)
	if got.Status != models.OrderStatusInTransit {
		t.Fatalf("order refined too early: %s", got.Status)
	}

	// Within the delivery radius: in_transit refines to delivering.
	nearLat, nearLng := deliveryLat, deliveryLng
	f.pipeline.HandleTelemetry(ctx, drone, &models.TelemetryData{DroneID: drone.ID, Lat: &nearLat, Lng: &nearLng})
	got, _ = f.orders.GetByID(ctx, order.ID)
	if got.Status != models.OrderStatusDelivering {
		t.Fatalf("order status = %s, want delivering", got.Status)
	}
}

func TestMarkDroneBroken_FailsActiveOrder(t *testing.T) {
	f := newFixture(t, "drone_broken", nil)
	order, drone := f.seedOrder(t)
	ctx := context.Background()

	if err := f.pipeline.AssignDrone(ctx, order.ID, drone.ID, nil); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := f.pipeline.MarkDroneBroken(ctx, drone.ID, "rotor failure"); err != nil {
		t.Fatalf("mark broken: %v", err)
	}

	got, _ := f.orders.GetByID(ctx, order.ID)
	if got.Status != models.OrderStatusFailed {
		t.Fatalf("order status = %s, want failed", got.Status)
	}
	gotDrone, _ := f.drones.GetByID(ctx, drone.ID)
	if gotDrone.Status != models.DroneStatusMaintenance {
		t.Fatalf("drone status = %s, want maintenance", gotDrone.Status)
	}
	hist, _ := f.orders.HistoryForOrder(ctx, order.ID)
	last := hist[len(hist)-1]
	if last.Status != models.OrderStatusFailed || last.Notes == "" {
		t.Fatalf("failure history row missing detail: %+v", last)
	}
}

// flakyOrders fails UpdateAssignment a fixed number of times, simulating a DB
// outage that recovers.
type flakyOrders struct {
	repository.OrderRepositoryI
	failures atomic.Int64
	budget   int64
}

func (f *flakyOrders) UpdateAssignment(ctx context.Context, id, droneID int64, status models.OrderStatus, assignedAt, pickedUpAt time.Time) error {
	if f.failures.Add(1) <= f.budget {
		return errors.New("database is locked")
	}
	return f.OrderRepositoryI.UpdateAssignment(ctx, id, droneID, status, assignedAt, pickedUpAt)
}

func TestAssignDrone_RetriesThroughQueueThenSucceeds(t *testing.T) {
	q, err := queue.New(queue.Options{RetryCount: 3, RetryDelay: 10 * time.Millisecond, Concurrency: 2})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	f := newFixture(t, "assign_retry", q)
	// Swap in a flaky order repo over the same DB.
	flaky := &flakyOrders{OrderRepositoryI: f.orders, budget: 3}
	f.pipeline.orders = flaky
	q.SetErrorSink(f.pipeline.ErrorSink())

	order, drone := f.seedOrder(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	if err := f.pipeline.EnqueueAssignDrone(context.Background(), order.ID, drone.ID, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.orders.GetByID(context.Background(), order.ID)
		if got != nil && got.Status == models.OrderStatusInTransit {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, _ := f.orders.GetByID(context.Background(), order.ID)
	if got.Status != models.OrderStatusInTransit {
		t.Fatalf("order status = %s after retries, want in_transit", got.Status)
	}
	// Fails 3 times, succeeds on the 4th attempt.
	if n := flaky.failures.Load(); n != 4 {
		t.Fatalf("UpdateAssignment calls = %d, want 4", n)
	}

	// The optimize follow-up runs through the queue as well.
	deadline = time.Now().Add(5 * time.Second)
	var route *models.Route
	for time.Now().Before(deadline) {
		route, _ = f.routes.GetByOrderID(context.Background(), order.ID)
		if route != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if route == nil {
		t.Fatalf("route never materialized after retried assignment")
	}

	hist, _ := f.orders.HistoryForOrder(context.Background(), order.ID)
	inTransit := 0
	for _, h := range hist {
		if h.Status == models.OrderStatusInTransit {
			inTransit++
		}
	}
	if inTransit != 1 {
		t.Fatalf("in_transit history rows = %d, want exactly 1", inTransit)
	}
}

func TestErrorSink_FailsOrderAfterExhaustedRetries(t *testing.T) {
	q, err := queue.New(queue.Options{RetryCount: 2, RetryDelay: 5 * time.Millisecond, Concurrency: 2})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	f := newFixture(t, "error_sink", q)
	flaky := &flakyOrders{OrderRepositoryI: f.orders, budget: 1 << 30} // never recovers
	f.pipeline.orders = flaky
	q.SetErrorSink(f.pipeline.ErrorSink())

	order, drone := f.seedOrder(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	if err := f.pipeline.EnqueueAssignDrone(context.Background(), order.ID, drone.ID, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.orders.GetByID(context.Background(), order.ID)
		if got != nil && got.Status == models.OrderStatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, _ := f.orders.GetByID(context.Background(), order.ID)
	if got.Status != models.OrderStatusFailed {
		t.Fatalf("order status = %s, want failed after exhausted retries", got.Status)
	}
	hist, _ := f.orders.HistoryForOrder(context.Background(), order.ID)
	if len(hist) != 1 || hist[0].Status != models.OrderStatusFailed {
		t.Fatalf("history = %+v, want one failed row with the error message", hist)
	}
	if hist[0].Notes == "" {
		t.Fatalf("failure history row should carry the error message")
	}
}

func TestCancel_ReleasesDrone(t *testing.T) {
	f := newFixture(t, "cancel", nil)
	order, drone := f.seedOrder(t)
	ctx := context.Background()

	if err := f.pipeline.AssignDrone(ctx, order.ID, drone.ID, nil); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := f.pipeline.Cancel(ctx, order.ID, nil, "customer request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, _ := f.orders.GetByID(ctx, order.ID)
	if got.Status != models.OrderStatusCancelled {
		t.Fatalf("order status = %s, want cancelled", got.Status)
	}
	gotDrone, _ := f.drones.GetByID(ctx, drone.ID)
	if gotDrone.Status != models.DroneStatusIdle {
		t.Fatalf("drone status = %s, want idle after cancel", gotDrone.Status)
	}
	// Terminal orders accept no further transitions.
	err := f.pipeline.UpdateStatus(ctx, order.ID, models.OrderStatusDelivered, nil, "")
	var conflict *errs.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("transition from cancelled = %v, want ConflictError", err)
	}
}
