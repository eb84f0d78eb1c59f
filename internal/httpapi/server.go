// Package httpapi is the thin HTTP adapter over the dispatch core: JSON
// endpoints for auth, orders, telemetry ingest and routes, plus the WebSocket
// tracking endpoint and the Prometheus metrics handler. All business rules
// live in the core packages; handlers only decode, authenticate, delegate and
// encode.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dronedispatch/internal/auth"
	"dronedispatch/internal/config"
	"dronedispatch/internal/dispatch"
	"dronedispatch/internal/errs"
	"dronedispatch/internal/telemetry"
	"dronedispatch/models"
	"dronedispatch/repository"
)

// Server holds the adapter's collaborators.
type Server struct {
	cfg      *config.Config
	users    *repository.UserRepository
	orders   *repository.OrderRepository
	packages *repository.PackageRepository
	routes   *repository.RouteRepository
	pipeline *dispatch.Pipeline
	ingestor *telemetry.Ingestor
	hub      *telemetry.Hub
}

// Deps collects the adapter dependencies.
type Deps struct {
	Config   *config.Config
	Users    *repository.UserRepository
	Orders   *repository.OrderRepository
	Packages *repository.PackageRepository
	Routes   *repository.RouteRepository
	Pipeline *dispatch.Pipeline
	Ingestor *telemetry.Ingestor
	Hub      *telemetry.Hub
}

// New builds the adapter.
func New(d Deps) *Server {
	return &Server{
		cfg:      d.Config,
		users:    d.Users,
		orders:   d.Orders,
		packages: d.Packages,
		routes:   d.Routes,
		pipeline: d.Pipeline,
		ingestor: d.Ingestor,
		hub:      d.Hub,
	}
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/deliveries/orders", s.withAuth(s.handleCreateOrder))
	mux.HandleFunc("POST /api/deliveries/orders/{id}/assign_drone", s.withAuth(s.handleAssignDrone))
	mux.HandleFunc("POST /api/deliveries/orders/{id}/update_status", s.withAuth(s.handleUpdateStatus))
	mux.HandleFunc("POST /api/telemetry/data", s.handleTelemetry)
	mux.HandleFunc("GET /api/routes/routes/{id}", s.withAuth(s.handleGetRoute))
	mux.Handle("/ws/tracking/", &telemetry.WSHandler{Hub: s.hub, Secret: s.cfg.Auth.JWTSecret, Users: s.users})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// withAuth parses the bearer token and stashes the principal in the context.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.ParseBearer(r.Header.Get("Authorization"), s.cfg.Auth.JWTSecret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

type loginRequest struct {
	Username string `json:"username"`
}

type loginResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// handleLogin exchanges a known username for a JWT pair. Password validation
// belongs to the identity provider in front of this core; the adapter only
// asserts the account exists and mints tokens carrying its role.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}
	user, err := s.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	access, err := s.signToken(user, time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sign token")
		return
	}
	refresh, err := s.signToken(user, 7*24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sign token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Access: access, Refresh: refresh})
}

func (s *Server) signToken(u *models.User, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"name": u.Username,
		"role": string(u.Role),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Auth.JWTSecret))
}

type createOrderRequest struct {
	PickupLat   float64 `json:"pickup_lat"`
	PickupLng   float64 `json:"pickup_lng"`
	DeliveryLat float64 `json:"delivery_lat"`
	DeliveryLng float64 `json:"delivery_lng"`
	Priority    int     `json:"priority"`
	Notes       string  `json:"notes"`
	Package     struct {
		Name     string  `json:"name"`
		Type     string  `json:"package_type"`
		WeightKg float64 `json:"weight_kg"`
	} `json:"package"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	user, err := s.users.GetByUsername(r.Context(), p.Name)
	if err != nil || user == nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Package.WeightKg <= 0 {
		writeError(w, http.StatusBadRequest, "package weight must be positive")
		return
	}
	pkg, err := s.packages.Create(r.Context(), &models.Package{
		Name:     req.Package.Name,
		Type:     models.PackageType(req.Package.Type),
		WeightKg: req.Package.WeightKg,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create package")
		return
	}
	order, err := s.orders.Create(r.Context(), &models.DeliveryOrder{
		CustomerID:  user.ID,
		PackageID:   pkg.ID,
		PickupLat:   req.PickupLat,
		PickupLng:   req.PickupLng,
		DeliveryLat: req.DeliveryLat,
		DeliveryLng: req.DeliveryLng,
		Priority:    req.Priority,
		Notes:       req.Notes,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create order")
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleAssignDrone(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.RequireStaff(r.Context()); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	orderID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	var req struct {
		DroneID int64 `json:"drone_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DroneID == 0 {
		writeError(w, http.StatusBadRequest, "drone_id required")
		return
	}
	if err := s.pipeline.EnqueueAssignDrone(r.Context(), orderID, req.DroneID, nil); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	user, err := s.users.GetByUsername(r.Context(), p.Name)
	if err != nil || user == nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	orderID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	var req struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "status required")
		return
	}
	actor := user.ID
	if err := s.pipeline.UpdateStatus(r.Context(), orderID, models.OrderStatus(strings.ToLower(req.Status)), &actor, req.Notes); err != nil {
		writeCoreError(w, err)
		return
	}
	order, err := s.orders.GetByID(r.Context(), orderID)
	if err != nil || order == nil {
		writeError(w, http.StatusInternalServerError, "reload order")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var payload telemetry.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	// Ingest is non-blocking when the queue is up; don't hold the caller
	// beyond the enqueue either way.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	go func() {
		defer cancel()
		if err := s.ingestor.Ingest(ctx, payload); err != nil {
			log.Printf("httpapi: telemetry ingest: %v", err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

type routeResponse struct {
	*models.Route
	Waypoints []models.Waypoint `json:"waypoints"`
	Path      any               `json:"path"`
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	routeID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid route id")
		return
	}
	route, err := s.routes.GetByID(r.Context(), routeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load route")
		return
	}
	if route == nil {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	waypoints, err := s.routes.WaypointsForRoute(r.Context(), route.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load waypoints")
		return
	}
	path, err := models.RoutePathGeoJSON(waypoints)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode path")
		return
	}
	writeJSON(w, http.StatusOK, routeResponse{Route: route, Waypoints: waypoints, Path: path})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeCoreError maps the core error taxonomy onto HTTP statuses.
func writeCoreError(w http.ResponseWriter, err error) {
	var validation *errs.ValidationError
	var notFound *errs.NotFoundError
	var conflict *errs.ConflictError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
