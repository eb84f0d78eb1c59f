package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"dronedispatch/internal/errs"
	"dronedispatch/internal/eta"
	"dronedispatch/internal/geo"
	"dronedispatch/internal/optimizer"
	"dronedispatch/internal/queue"
	"dronedispatch/models"
)

// assignArgs / optimizeArgs are the queue payloads for the pipeline tasks.
type assignArgs struct {
	OrderID int64  `json:"order_id"`
	DroneID int64  `json:"drone_id"`
	Actor   *int64 `json:"actor,omitempty"`
}

type optimizeArgs struct {
	OrderID int64 `json:"order_id"`
}

func (p *Pipeline) registerHandlers(q *queue.Queue) {
	q.Register(TaskAssignDrone, func(ctx context.Context, args json.RawMessage) error {
		var a assignArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return err
		}
		return p.AssignDrone(ctx, a.OrderID, a.DroneID, a.Actor)
	})
	q.Register(TaskOptimizeRoute, func(ctx context.Context, args json.RawMessage) error {
		var a optimizeArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return err
		}
		return p.OptimizeRouteAndPredictETA(ctx, a.OrderID)
	})
}

// EnqueueAssignDrone schedules the assignment step; the REST adapter's 202 path.
func (p *Pipeline) EnqueueAssignDrone(ctx context.Context, orderID, droneID int64, actor *int64) error {
	if p.queue == nil {
		return p.AssignDrone(ctx, orderID, droneID, actor)
	}
	return p.queue.Enqueue(ctx, TaskAssignDrone, assignArgs{OrderID: orderID, DroneID: droneID, Actor: actor}, 0)
}

// AssignDrone validates and applies a drone assignment, then triggers route
// optimization. Idempotent on (order, drone): re-running an assignment that
// already happened is a no-op; reassigning to a different drone is refused
// unless the order is still pending.
func (p *Pipeline) AssignDrone(ctx context.Context, orderID, droneID int64, actor *int64) error {
	unlock, err := p.locks.acquire(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	order, err := p.orders.GetByID(ctx, orderID)
	if err != nil {
		return errs.Transient("load order", err)
	}
	if order == nil {
		return errs.NotFound("order", orderID)
	}

	if order.DroneID != nil && *order.DroneID == droneID && order.Status != models.OrderStatusPending {
		return nil // already assigned to this drone
	}
	if order.DroneID != nil && *order.DroneID != droneID && order.Status != models.OrderStatusPending {
		return errs.Conflict(fmt.Sprintf("order %d already assigned to drone %d", orderID, *order.DroneID))
	}
	if !CanTransition(order.Status, models.OrderStatusInTransit) {
		return errs.Conflict(fmt.Sprintf("order %d in status %s cannot be assigned", orderID, order.Status))
	}

	drone, err := p.drones.GetByID(ctx, droneID)
	if err != nil {
		return errs.Transient("load drone", err)
	}
	if drone == nil {
		return errs.NotFound("drone", droneID)
	}
	if !drone.IsActive {
		return errs.Validation("drone", "drone is not active")
	}
	if drone.Status != models.DroneStatusIdle {
		return errs.Conflict(fmt.Sprintf("drone %d is %s, not idle", droneID, drone.Status))
	}
	if drone.BatteryLevel < minAssignBattery {
		return errs.Validation("drone", fmt.Sprintf("battery %d%% below %d%% minimum", drone.BatteryLevel, minAssignBattery))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := p.orders.UpdateAssignment(ctx, orderID, droneID, models.OrderStatusInTransit, now, now); err != nil {
		return errs.Transient("update order", err)
	}
	if err := p.drones.UpdateStatus(ctx, droneID, models.DroneStatusDelivering); err != nil {
		return errs.Transient("update drone", err)
	}
	if err := p.orders.AppendHistory(ctx, &models.OrderStatusHistory{
		OrderID:   orderID,
		Status:    models.OrderStatusInTransit,
		ChangedBy: actor,
		Notes:     fmt.Sprintf("Drone %s dispatched", drone.SerialNumber),
	}); err != nil {
		return errs.Transient("append history", err)
	}

	if p.queue != nil {
		if err := p.queue.Enqueue(ctx, TaskOptimizeRoute, optimizeArgs{OrderID: orderID}, 0); err != nil {
			log.Printf("dispatch: enqueue optimize for order %d: %v", orderID, err)
		}
	}

	p.notifier.Notify(ctx, order.CustomerID, models.EventDeliveryAssigned,
		"Drone Dispatched",
		fmt.Sprintf("Drone %s is en route with your delivery.", drone.SerialNumber),
		&orderID, "delivery_order")
	p.broadcastDeliveryUpdate(order.CustomerID, orderID, models.OrderStatusInTransit)

	if p.queue == nil {
		// No broker configured; run the follow-up step synchronously.
		return p.OptimizeRouteAndPredictETA(ctx, orderID)
	}
	return nil
}

// OptimizeRouteAndPredictETA plans the route, predicts the ETA, replaces the
// stored route atomically, prices the order, and notifies the customer plus
// all staff. The optimizer and predictor each have an outer recovery layer on
// top of their internal fallbacks, so this step only fails on infrastructure
// errors.
func (p *Pipeline) OptimizeRouteAndPredictETA(ctx context.Context, orderID int64) error {
	order, err := p.orders.GetByID(ctx, orderID)
	if err != nil {
		return errs.Transient("load order", err)
	}
	if order == nil {
		return errs.NotFound("order", orderID)
	}
	if order.DroneID == nil {
		return errs.Validation("order", "order has no assigned drone")
	}
	drone, err := p.drones.GetByID(ctx, *order.DroneID)
	if err != nil {
		return errs.Transient("load drone", err)
	}
	if drone == nil {
		return errs.NotFound("drone", *order.DroneID)
	}
	pkg, err := p.packages.GetByID(ctx, order.PackageID)
	if err != nil {
		return errs.Transient("load package", err)
	}
	if pkg == nil {
		return errs.NotFound("package", order.PackageID)
	}

	altitude := drone.CurrentAltM
	if altitude <= 0 {
		altitude = 100
	}

	result, err := p.optimizer.Optimize(ctx, optimizer.Request{
		StartLat: order.PickupLat, StartLng: order.PickupLng,
		EndLat: order.DeliveryLat, EndLng: order.DeliveryLng,
		AltitudeM:        altitude,
		AvoidNoFly:       true,
		AvoidWeather:     true,
		DroneMaxSpeedKmh: drone.MaxSpeedKmh,
		Method:           models.MethodAStar,
		Priority:         optimizer.PriorityBalanced,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Outer recovery: a two-point direct route with a rough
		// degrees-to-km distance, distinct from the A*-internal fallback.
		log.Printf("dispatch: optimizer failed for order %d, synthesizing direct route: %v", orderID, err)
		result = directFallbackResult(order, altitude)
	}

	distanceKm := result.Metrics.TotalDistanceKm
	var etaMinutes float64
	var etaTime time.Time
	var confidence float64
	pred := p.predictor.Predict(eta.Features{
		DistanceKm:        distanceKm,
		AltitudeAvgM:      altitude,
		AltitudeVariance:  float64(result.Metrics.AltitudeChanges),
		RouteComplexity:   result.Metrics.ComplexityScore,
		WindSpeedKmh:      10.0,
		VisibilityKm:      10.0,
		AirPressureHpa:    1013.0,
		PayloadWeightKg:   pkg.WeightKg,
		BatteryStart:      drone.BatteryLevel,
		AirTrafficDensity: 0.3,
		DroneMaxSpeedKmh:  drone.MaxSpeedKmh,
		TimeOfDay:         -1,
		DayOfWeek:         -1,
	})
	if pred.ETAMinutes > 0 && !math.IsNaN(pred.ETAMinutes) && !math.IsInf(pred.ETAMinutes, 0) {
		etaMinutes = pred.ETAMinutes
		etaTime = pred.ETATime
		confidence = pred.Confidence
	} else {
		// Outer recovery mirror for the predictor.
		baseSpeed := math.Max(drone.MaxSpeedKmh*0.75, 10.0)
		etaMinutes = distanceKm / baseSpeed * 60 * 1.2
		etaTime = time.Now().UTC().Add(time.Duration(etaMinutes * float64(time.Minute)))
		confidence = 50.0
	}

	waypoints := make([]models.Waypoint, len(result.Waypoints))
	for i, wp := range result.Waypoints {
		waypoints[i] = models.Waypoint{
			Lat:       wp.Lat,
			Lng:       wp.Lng,
			AltitudeM: wp.AltitudeM,
			Action:    wp.Action,
		}
		if wp.WindFactor != 0 && wp.WindFactor != 1.0 {
			v := wp.WindFactor
			waypoints[i].WindFactor = &v
		}
	}

	if _, err := p.routes.Replace(ctx, &models.Route{
		OrderID:              orderID,
		TotalDistanceKm:      distanceKm,
		EstimatedDurationMin: int(math.Round(etaMinutes)),
		EstimatedETA:         etaTime,
		ConfidenceScore:      confidence,
		Method:               result.Metrics.OptimizationMethod,
		AvoidsNoFly:          true,
		AvoidsWeather:        true,
	}, waypoints); err != nil {
		return errs.Transient("replace route", err)
	}

	// Base fee plus a distance-by-weight variable fee (min billable 0.5kg).
	totalCost := math.Round((50.0+distanceKm*math.Max(pkg.WeightKg, 0.5)*10.0)*100) / 100
	if err := p.orders.SetEstimates(ctx, orderID, etaTime, int(math.Round(etaMinutes)), totalCost); err != nil {
		return errs.Transient("update order estimates", err)
	}

	p.notifier.Notify(ctx, order.CustomerID, models.EventRouteOptimized,
		"Route Optimized",
		fmt.Sprintf("Your delivery route has been optimized. Estimated arrival: %s", etaTime.Format("2006-01-02 15:04")),
		&orderID, "delivery_order")

	staff, err := p.users.ListByRoles(ctx, models.RoleAdmin, models.RoleManager)
	if err != nil {
		log.Printf("dispatch: list staff for order %d: %v", orderID, err)
	}
	for _, u := range staff {
		p.notifier.Notify(ctx, u.ID, models.EventRouteOptimizedAdmin,
			"Route Optimized",
			fmt.Sprintf("Order %d is en route. ETA %s.", orderID, etaTime.Format("2006-01-02 15:04")),
			&orderID, "delivery_order")
	}

	p.broadcastDeliveryUpdate(order.CustomerID, orderID, order.Status)
	return nil
}

// directFallbackResult synthesizes a two-point route when the optimizer call
// itself fails outright.
func directFallbackResult(order *models.DeliveryOrder, altitude float64) optimizer.Result {
	distance := geo.HaversineKm(order.PickupLat, order.PickupLng, order.DeliveryLat, order.DeliveryLng)
	return optimizer.Result{
		Waypoints: []optimizer.Waypoint{
			{Lat: order.PickupLat, Lng: order.PickupLng, AltitudeM: altitude, Action: models.ActionStart, WindFactor: 1.0},
			{Lat: order.DeliveryLat, Lng: order.DeliveryLng, AltitudeM: altitude, Action: models.ActionEnd, SegmentDistanceKm: distance, WindFactor: 1.0},
		},
		Metrics: optimizer.Metrics{
			TotalDistanceKm:    distance,
			DirectDistanceKm:   distance,
			WaypointCount:      2,
			OptimizationMethod: models.MethodDirectFallback,
		},
	}
}

func orderDistanceKm(order *models.DeliveryOrder) float64 {
	return geo.HaversineKm(order.PickupLat, order.PickupLng, order.DeliveryLat, order.DeliveryLng)
}

func unmarshalArgs(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}
