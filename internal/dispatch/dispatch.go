// Package dispatch orchestrates the delivery pipeline: assign a drone,
// optimize the route, predict the ETA, notify observers, and track the order
// through its state machine. Transitions are serialized per order and every
// transition writes exactly one history row before the lock is released.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dronedispatch/internal/errs"
	"dronedispatch/internal/eta"
	"dronedispatch/internal/notify"
	"dronedispatch/internal/optimizer"
	"dronedispatch/internal/queue"
	"dronedispatch/internal/telemetry"
	"dronedispatch/models"
	"dronedispatch/repository"
)

// Queue task types owned by the pipeline.
const (
	TaskAssignDrone   = "dispatch.assign_drone"
	TaskOptimizeRoute = "dispatch.optimize_route"
)

// lockTimeout bounds per-order lock acquisition; a timeout surfaces as a
// retriable error so the queue re-runs the step.
const lockTimeout = 5 * time.Second

// deliveryRadiusKm is how close telemetry must place the drone to the delivery
// point before in_transit refines to delivering.
const deliveryRadiusKm = 1.0

// minAssignBattery is the battery floor for accepting an assignment.
const minAssignBattery = 20

// allowedTransitions is the order state DAG. delivering refines in_transit, so
// a drop straight from in_transit is also legal when no near-destination
// telemetry arrived first.
var allowedTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending:    {models.OrderStatusAssigned, models.OrderStatusInTransit, models.OrderStatusCancelled, models.OrderStatusFailed},
	models.OrderStatusAssigned:   {models.OrderStatusInTransit, models.OrderStatusCancelled, models.OrderStatusFailed},
	models.OrderStatusInTransit:  {models.OrderStatusDelivering, models.OrderStatusDelivered, models.OrderStatusCancelled, models.OrderStatusFailed},
	models.OrderStatusDelivering: {models.OrderStatusDelivered, models.OrderStatusCancelled, models.OrderStatusFailed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Pipeline wires the dispatch flow over the repositories and AI components.
type Pipeline struct {
	orders    repository.OrderRepositoryI
	drones    repository.DroneRepositoryI
	packages  *repository.PackageRepository
	routes    repository.RouteRepositoryI
	users     repository.UserRepositoryI
	notifier  *notify.Service
	optimizer *optimizer.Optimizer
	predictor *eta.Predictor
	queue     *queue.Queue // nil runs follow-up steps inline
	hub       *telemetry.Hub

	locks *orderLocks
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Orders    repository.OrderRepositoryI
	Drones    repository.DroneRepositoryI
	Packages  *repository.PackageRepository
	Routes    repository.RouteRepositoryI
	Users     repository.UserRepositoryI
	Notifier  *notify.Service
	Optimizer *optimizer.Optimizer
	Predictor *eta.Predictor
	Queue     *queue.Queue
	Hub       *telemetry.Hub
}

// New creates the pipeline and registers its queue handlers.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		orders:    d.Orders,
		drones:    d.Drones,
		packages:  d.Packages,
		routes:    d.Routes,
		users:     d.Users,
		notifier:  d.Notifier,
		optimizer: d.Optimizer,
		predictor: d.Predictor,
		queue:     d.Queue,
		hub:       d.Hub,
		locks:     newOrderLocks(),
	}
	if d.Queue != nil {
		p.registerHandlers(d.Queue)
	}
	return p
}

// UpdateStatus validates and applies one transition, setting timestamp fields
// per target state and appending exactly one history row. actor is nil for
// system-initiated transitions.
func (p *Pipeline) UpdateStatus(ctx context.Context, orderID int64, newStatus models.OrderStatus, actor *int64, notes string) error {
	unlock, err := p.locks.acquire(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()
	return p.transitionLocked(ctx, orderID, newStatus, actor, notes)
}

// transitionLocked performs the transition with the order lock already held.
func (p *Pipeline) transitionLocked(ctx context.Context, orderID int64, newStatus models.OrderStatus, actor *int64, notes string) error {
	order, err := p.orders.GetByID(ctx, orderID)
	if err != nil {
		return errs.Transient("load order", err)
	}
	if order == nil {
		return errs.NotFound("order", orderID)
	}
	if !CanTransition(order.Status, newStatus) {
		return errs.Conflict(fmt.Sprintf("order %d cannot transition %s -> %s", orderID, order.Status, newStatus))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	switch newStatus {
	case models.OrderStatusAssigned:
		if order.DroneID == nil {
			return errs.Validation("drone_id", "order has no drone to mark assigned")
		}
		if err := p.orders.UpdateAssignment(ctx, orderID, *order.DroneID, newStatus, now, now); err != nil {
			return errs.Transient("update order", err)
		}
	case models.OrderStatusDelivered:
		actualMinutes := 0.0
		if order.PickedUpAt != nil {
			actualMinutes = now.Sub(*order.PickedUpAt).Minutes()
		}
		if err := p.orders.SetDelivered(ctx, orderID, now, actualMinutes); err != nil {
			return errs.Transient("update order", err)
		}
		p.recordDelivered(ctx, order, actualMinutes)
	default:
		if err := p.orders.UpdateStatus(ctx, orderID, newStatus); err != nil {
			return errs.Transient("update order", err)
		}
	}

	if err := p.orders.AppendHistory(ctx, &models.OrderStatusHistory{
		OrderID:   orderID,
		Status:    newStatus,
		ChangedBy: actor,
		Notes:     notes,
	}); err != nil {
		return errs.Transient("append history", err)
	}

	p.broadcastDeliveryUpdate(order.CustomerID, orderID, newStatus)
	return nil
}

// recordDelivered feeds the completed delivery back into the ETA predictor and
// releases the drone.
func (p *Pipeline) recordDelivered(ctx context.Context, order *models.DeliveryOrder, actualMinutes float64) {
	if order.DroneID != nil {
		// The order transition already committed; the drone row is advisory.
		_ = p.drones.UpdateStatus(ctx, *order.DroneID, models.DroneStatusReturning)
	}
	if p.predictor == nil || actualMinutes <= 0 {
		return
	}
	features := eta.Features{
		DistanceKm:       orderDistanceKm(order),
		AltitudeAvgM:     100,
		DroneMaxSpeedKmh: 60,
		TimeOfDay:        -1,
		DayOfWeek:        -1,
	}
	predicted := 0.0
	if order.EstimatedDurationMinutes != nil {
		predicted = float64(*order.EstimatedDurationMinutes)
	}
	p.predictor.RecordDelivery(eta.HistoricalDelivery{
		Features:              features,
		ActualDurationMinutes: actualMinutes,
		Success:               true,
	}, predicted)
}

// Cancel moves any non-terminal order to cancelled and frees its drone.
func (p *Pipeline) Cancel(ctx context.Context, orderID int64, actor *int64, reason string) error {
	if err := p.UpdateStatus(ctx, orderID, models.OrderStatusCancelled, actor, reason); err != nil {
		return err
	}
	order, err := p.orders.GetByID(ctx, orderID)
	if err != nil || order == nil {
		return nil
	}
	if order.DroneID != nil {
		_ = p.drones.UpdateStatus(ctx, *order.DroneID, models.DroneStatusIdle)
	}
	p.notifier.Notify(ctx, order.CustomerID, models.EventOrderCancelled,
		"Delivery Cancelled", reason, &orderID, "delivery_order")
	return nil
}

// Fail moves any non-terminal order to failed, records the error in its
// history, and notifies the customer. Used by the queue error sink.
func (p *Pipeline) Fail(ctx context.Context, orderID int64, cause error) error {
	msg := "delivery failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := p.UpdateStatus(ctx, orderID, models.OrderStatusFailed, nil, msg); err != nil {
		var conflict *errs.ConflictError
		if errors.As(err, &conflict) {
			return nil // already terminal
		}
		return err
	}
	order, err := p.orders.GetByID(ctx, orderID)
	if err != nil || order == nil {
		return nil
	}
	if order.DroneID != nil {
		// Send the drone home unless a breakdown already moved it to
		// maintenance or offline.
		if d, derr := p.drones.GetByID(ctx, *order.DroneID); derr == nil && d != nil && d.Status == models.DroneStatusDelivering {
			_ = p.drones.UpdateStatus(ctx, *order.DroneID, models.DroneStatusReturning)
		}
	}
	p.notifier.Notify(ctx, order.CustomerID, models.EventOrderFailed,
		"Delivery Failed", msg, &orderID, "delivery_order")
	return nil
}

// ErrorSink adapts Fail into the queue's error sink: any pipeline task that
// exhausts its retries pushes its order to failed.
func (p *Pipeline) ErrorSink() queue.ErrorSink {
	return func(task queue.Task, err error) {
		var args struct {
			OrderID int64 `json:"order_id"`
		}
		if uerr := unmarshalArgs(task.Args, &args); uerr != nil || args.OrderID == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = p.Fail(ctx, args.OrderID, err)
	}
}

func (p *Pipeline) broadcastDeliveryUpdate(customerID, orderID int64, status models.OrderStatus) {
	if p.hub == nil {
		return
	}
	p.hub.Broadcast(telemetry.UserGroup(customerID), telemetry.Message{
		Type: "delivery_update",
		Data: map[string]any{"order_id": orderID, "status": status},
	})
}
