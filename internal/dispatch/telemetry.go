package dispatch

import (
	"context"
	"fmt"
	"log"

	"dronedispatch/internal/geo"
	"dronedispatch/models"
)

// HandleTelemetry implements telemetry.Hook: once an in_transit order's drone
// reports a position within the delivery radius of the destination, the order
// refines to delivering. The transition fires on telemetry only, never on a
// guess inside the optimizer or predictor.
func (p *Pipeline) HandleTelemetry(ctx context.Context, drone *models.Drone, t *models.TelemetryData) {
	if t.Lat == nil || t.Lng == nil {
		return
	}
	order, err := p.orders.FindActiveByDrone(ctx, drone.ID)
	if err != nil {
		log.Printf("dispatch: find order for drone %d: %v", drone.ID, err)
		return
	}
	if order == nil || order.Status != models.OrderStatusInTransit {
		return
	}
	if !geo.IsWithinKm(*t.Lat, *t.Lng, order.DeliveryLat, order.DeliveryLng, deliveryRadiusKm) {
		return
	}
	if err := p.UpdateStatus(ctx, order.ID, models.OrderStatusDelivering, nil,
		fmt.Sprintf("Drone %s within %.1f km of destination", drone.SerialNumber, deliveryRadiusKm)); err != nil {
		log.Printf("dispatch: refine order %d to delivering: %v", order.ID, err)
	}
}

// MarkDroneBroken handles a mid-flight failure: the drone goes to maintenance
// and its active order fails with a descriptive history row.
func (p *Pipeline) MarkDroneBroken(ctx context.Context, droneID int64, reason string) error {
	drone, err := p.drones.GetByID(ctx, droneID)
	if err != nil {
		return err
	}
	if drone == nil {
		return fmt.Errorf("drone %d not found", droneID)
	}
	if err := p.drones.UpdateStatus(ctx, droneID, models.DroneStatusMaintenance); err != nil {
		return err
	}
	order, err := p.orders.FindActiveByDrone(ctx, droneID)
	if err != nil || order == nil {
		return err
	}
	return p.Fail(ctx, order.ID, fmt.Errorf("drone %s broke down: %s", drone.SerialNumber, reason))
}
