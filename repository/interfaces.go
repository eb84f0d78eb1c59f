package repository

import (
	"context"
	"time"

	"dronedispatch/internal/geo"
	"dronedispatch/models"
)

// UserRepositoryI defines operations on User entities.
type UserRepositoryI interface {
	Create(ctx context.Context, username, email string, role models.Role) (*models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	ListByRoles(ctx context.Context, roles ...models.Role) ([]models.User, error)
	List(ctx context.Context, limit, offset int) ([]models.User, error)
	UpdateRole(ctx context.Context, id int64, role models.Role) error
}

// DroneRepositoryI defines operations on Drone entities.
type DroneRepositoryI interface {
	Create(ctx context.Context, d *models.Drone) (*models.Drone, error)
	GetByID(ctx context.Context, id int64) (*models.Drone, error)
	GetBySerial(ctx context.Context, serial string) (*models.Drone, error)
	UpdateStatus(ctx context.Context, id int64, status models.DroneStatus) error
	UpdateTelemetryState(ctx context.Context, id int64, lat, lng *float64, altitudeM float64, battery int, status models.DroneStatus, heartbeat time.Time) error
	List(ctx context.Context, limit, offset int) ([]models.Drone, error)
}

// OrderRepositoryI defines operations on DeliveryOrder entities and their history.
type OrderRepositoryI interface {
	Create(ctx context.Context, o *models.DeliveryOrder) (*models.DeliveryOrder, error)
	GetByID(ctx context.Context, id int64) (*models.DeliveryOrder, error)
	UpdateAssignment(ctx context.Context, id, droneID int64, status models.OrderStatus, assignedAt, pickedUpAt time.Time) error
	UpdateStatus(ctx context.Context, id int64, status models.OrderStatus) error
	SetDelivered(ctx context.Context, id int64, at time.Time, actualMinutes float64) error
	SetEstimates(ctx context.Context, id int64, eta time.Time, durationMinutes int, totalCost float64) error
	FindActiveByDrone(ctx context.Context, droneID int64) (*models.DeliveryOrder, error)
	AppendHistory(ctx context.Context, h *models.OrderStatusHistory) error
	HistoryForOrder(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error)
}

// RouteRepositoryI defines operations on Route entities and their waypoints.
type RouteRepositoryI interface {
	Replace(ctx context.Context, route *models.Route, waypoints []models.Waypoint) (*models.Route, error)
	GetByOrderID(ctx context.Context, orderID int64) (*models.Route, error)
	WaypointsForRoute(ctx context.Context, routeID int64) ([]models.Waypoint, error)
}

// ZoneRepositoryI defines operations on Zone entities.
type ZoneRepositoryI interface {
	Create(ctx context.Context, z *models.Zone) (*models.Zone, error)
	ListInBBox(ctx context.Context, bbox geo.BBox) ([]*models.Zone, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// TelemetryRepositoryI defines operations on telemetry rows and the status stream.
type TelemetryRepositoryI interface {
	Insert(ctx context.Context, t *models.TelemetryData) (*models.TelemetryData, error)
	LatestForDrone(ctx context.Context, droneID int64) (*models.TelemetryData, error)
	UpsertStatusStream(ctx context.Context, s *models.DroneStatusStream) error
}

// NotificationRepositoryI defines operations on Notification entities.
type NotificationRepositoryI interface {
	Create(ctx context.Context, n *models.Notification) (*models.Notification, error)
	ListForUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, id int64) error
}
