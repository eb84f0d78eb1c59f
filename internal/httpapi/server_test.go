package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dronedispatch/internal/config"
	"dronedispatch/internal/dispatch"
	"dronedispatch/internal/eta"
	"dronedispatch/internal/notify"
	"dronedispatch/internal/optimizer"
	"dronedispatch/internal/telemetry"
	"dronedispatch/internal/testutil"
	"dronedispatch/internal/zones"
	"dronedispatch/models"
	"dronedispatch/repository"
)

const testSecret = "test-secret"

type testEnv struct {
	server *httptest.Server
	users  *repository.UserRepository
	drones *repository.DroneRepository
	orders *repository.OrderRepository
	routes *repository.RouteRepository
}

func newTestEnv(t *testing.T, name string) *testEnv {
	t.Helper()
	d := testutil.OpenInMemoryDB(t, name)

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = testSecret
	cfg.Optimizer = config.OptimizerConfig{
		GridResolution: 0.001, AltitudeStepM: 20, MinAltitudeM: 50, MaxAltitudeM: 400,
		MinTerrainClearance: 30, SafetyBufferM: 100, SearchIterationCap: 10000, CacheTTLSeconds: 3600,
	}

	users := repository.NewUserRepository(d)
	drones := repository.NewDroneRepository(d)
	packages := repository.NewPackageRepository(d)
	orders := repository.NewOrderRepository(d)
	routes := repository.NewRouteRepository(d)
	telemetryRepo := repository.NewTelemetryRepository(d)
	notifications := repository.NewNotificationRepository(d)

	zoneStore := zones.NewStore(repository.NewZoneRepository(d))
	opt := optimizer.New(cfg.Optimizer, zoneStore)
	hub := telemetry.NewHub()
	notifier := notify.New(notifications, hub, nil)
	pipeline := dispatch.New(dispatch.Deps{
		Orders: orders, Drones: drones, Packages: packages, Routes: routes, Users: users,
		Notifier: notifier, Optimizer: opt, Predictor: eta.New(config.ETAConfig{}), Hub: hub,
	})
	ingestor := telemetry.NewIngestor(drones, telemetryRepo, hub, nil, pipeline)

	api := New(Deps{
		Config: cfg, Users: users, Orders: orders, Packages: packages, Routes: routes,
		Pipeline: pipeline, Ingestor: ingestor, Hub: hub,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, users: users, drones: drones, orders: orders, routes: routes}
}

func (e *testEnv) login(t *testing.T, username string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username})
	resp, err := http.Post(e.server.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var out struct {
		Access string `json:"access"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return out.Access
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPI_OrderLifecycle(t *testing.T) {
	e := newTestEnv(t, "api_lifecycle")

	if _, err := e.users.Create(context.Background(), "alice", "alice@example.com", models.RoleCustomer); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	if _, err := e.users.Create(context.Background(), "root", "root@example.com", models.RoleAdmin); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	drone, err := e.drones.Create(context.Background(), &models.Drone{
		SerialNumber: "SN-1", MaxSpeedKmh: 60, BatteryLevel: 100, IsActive: true,
	})
	if err != nil {
		t.Fatalf("seed drone: %v", err)
	}

	customerTok := e.login(t, "alice")
	adminTok := e.login(t, "root")

	// Create an order.
	resp := e.do(t, "POST", "/api/deliveries/orders", customerTok, map[string]any{
		"pickup_lat": 12.90, "pickup_lng": 77.50,
		"delivery_lat": 12.92, "delivery_lng": 77.52,
		"package": map[string]any{"name": "box", "package_type": "standard", "weight_kg": 2.0},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create order status = %d", resp.StatusCode)
	}
	var order models.DeliveryOrder
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		t.Fatalf("decode order: %v", err)
	}

	// Customers may not assign drones.
	resp = e.do(t, "POST", fmt.Sprintf("/api/deliveries/orders/%d/assign_drone", order.ID), customerTok,
		map[string]any{"drone_id": drone.ID})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("customer assign status = %d, want 403", resp.StatusCode)
	}

	// Staff assignment is accepted and runs the pipeline.
	resp = e.do(t, "POST", fmt.Sprintf("/api/deliveries/orders/%d/assign_drone", order.ID), adminTok,
		map[string]any{"drone_id": drone.ID})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("assign status = %d, want 202", resp.StatusCode)
	}

	got, _ := e.orders.GetByID(context.Background(), order.ID)
	if got.Status != models.OrderStatusInTransit {
		t.Fatalf("order status = %s after assignment", got.Status)
	}

	// Route is queryable with waypoints and a GeoJSON path.
	route, _ := e.routes.GetByOrderID(context.Background(), order.ID)
	if route == nil {
		t.Fatalf("route not created")
	}
	resp = e.do(t, "GET", fmt.Sprintf("/api/routes/routes/%d", route.ID), customerTok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get route status = %d", resp.StatusCode)
	}
	var routeOut struct {
		Waypoints []models.Waypoint `json:"waypoints"`
		Path      struct {
			Type        string       `json:"type"`
			Coordinates [][3]float64 `json:"coordinates"`
		} `json:"path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&routeOut); err != nil {
		t.Fatalf("decode route: %v", err)
	}
	if routeOut.Path.Type != "LineString" || len(routeOut.Path.Coordinates) != len(routeOut.Waypoints) {
		t.Fatalf("path mismatch: %+v", routeOut.Path)
	}

	// Illegal transition maps to 409.
	resp = e.do(t, "POST", fmt.Sprintf("/api/deliveries/orders/%d/update_status", order.ID), adminTok,
		map[string]any{"status": "pending"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("illegal transition status = %d, want 409", resp.StatusCode)
	}
}

func TestAPI_LoginRejectsUnknownUser(t *testing.T) {
	e := newTestEnv(t, "api_login")
	body, _ := json.Marshal(map[string]string{"username": "ghost"})
	resp, err := http.Post(e.server.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("login status = %d, want 401", resp.StatusCode)
	}
}

func TestAPI_TelemetryAcceptedAndProcessed(t *testing.T) {
	e := newTestEnv(t, "api_telemetry")
	drone, err := e.drones.Create(context.Background(), &models.Drone{
		SerialNumber: "SN-T", MaxSpeedKmh: 60, BatteryLevel: 100, IsActive: true,
	})
	if err != nil {
		t.Fatalf("seed drone: %v", err)
	}

	resp := e.do(t, "POST", "/api/telemetry/data", "", map[string]any{
		"drone": drone.ID, "latitude": 12.98, "longitude": 77.60,
		"altitude": 120.0, "speed": 40.0, "heading": 90.0,
		"battery_level": 85, "is_in_flight": true,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("telemetry status = %d, want 202", resp.StatusCode)
	}

	// Processing happens off the request path; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := e.drones.GetByID(context.Background(), drone.ID)
		if got != nil && got.HasPosition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("telemetry never applied to the drone row")
}

func TestAPI_UnauthorizedWithoutToken(t *testing.T) {
	e := newTestEnv(t, "api_unauth")
	resp := e.do(t, "POST", "/api/deliveries/orders", "", map[string]any{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}
