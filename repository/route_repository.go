package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dronedispatch/models"
)

// RouteRepository persists routes and their waypoints. A route is the owned
// side of its 1:1 with an order: replacing a route deletes its waypoints first,
// inside one transaction, so partially-visible waypoint sets cannot occur.
type RouteRepository struct {
	db *sql.DB
}

func NewRouteRepository(db *sql.DB) *RouteRepository {
	return &RouteRepository{db: db}
}

// Replace upserts the order's route and swaps its waypoints atomically.
// Waypoint sequences are assigned 1..n in slice order.
func (r *RouteRepository) Replace(ctx context.Context, route *models.Route, waypoints []models.Waypoint) (*models.Route, error) {
	if route == nil {
		return nil, errors.New("route is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var routeID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM routes WHERE order_id = ?`, route.OrderID).Scan(&routeID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, ierr := tx.ExecContext(ctx, `INSERT INTO routes
(order_id, total_distance_km, estimated_duration_minutes, estimated_eta, confidence_score,
 optimization_method, avoids_no_fly_zones, avoids_weather_hazards)
VALUES (?,?,?,?,?,?,?,?)`,
			route.OrderID, route.TotalDistanceKm, route.EstimatedDurationMin, route.EstimatedETA,
			route.ConfidenceScore, string(route.Method), route.AvoidsNoFly, route.AvoidsWeather)
		if ierr != nil {
			return nil, ierr
		}
		routeID, ierr = res.LastInsertId()
		if ierr != nil {
			return nil, ierr
		}
	case err != nil:
		return nil, err
	default:
		if _, uerr := tx.ExecContext(ctx, `UPDATE routes
SET total_distance_km = ?, estimated_duration_minutes = ?, estimated_eta = ?, confidence_score = ?,
    optimization_method = ?, avoids_no_fly_zones = ?, avoids_weather_hazards = ?
WHERE id = ?`,
			route.TotalDistanceKm, route.EstimatedDurationMin, route.EstimatedETA,
			route.ConfidenceScore, string(route.Method), route.AvoidsNoFly, route.AvoidsWeather,
			routeID); uerr != nil {
			return nil, uerr
		}
		if _, derr := tx.ExecContext(ctx, `DELETE FROM waypoints WHERE route_id = ?`, routeID); derr != nil {
			return nil, derr
		}
	}

	for i := range waypoints {
		wp := &waypoints[i]
		wp.RouteID = routeID
		wp.Sequence = i + 1
		if _, werr := tx.ExecContext(ctx, `INSERT INTO waypoints
(route_id, sequence, lat, lng, altitude_m, action, estimated_arrival, wind_factor)
VALUES (?,?,?,?,?,?,?,?)`,
			wp.RouteID, wp.Sequence, wp.Lat, wp.Lng, wp.AltitudeM, string(wp.Action),
			wp.EstimatedArrival, wp.WindFactor); werr != nil {
			return nil, werr
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	route.ID = routeID
	return route, nil
}

// GetByOrderID fetches the order's route without waypoints.
func (r *RouteRepository) GetByOrderID(ctx context.Context, orderID int64) (*models.Route, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	row := r.db.QueryRowContext(ctx, `SELECT id, order_id, total_distance_km, estimated_duration_minutes,
estimated_eta, confidence_score, optimization_method, avoids_no_fly_zones, avoids_weather_hazards, created_at
FROM routes WHERE order_id = ?`, orderID)
	return scanRoute(row)
}

// GetByID fetches a route by its own ID.
func (r *RouteRepository) GetByID(ctx context.Context, id int64) (*models.Route, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	row := r.db.QueryRowContext(ctx, `SELECT id, order_id, total_distance_km, estimated_duration_minutes,
estimated_eta, confidence_score, optimization_method, avoids_no_fly_zones, avoids_weather_hazards, created_at
FROM routes WHERE id = ?`, id)
	return scanRoute(row)
}

// WaypointsForRoute returns the route's waypoints ordered by sequence.
func (r *RouteRepository) WaypointsForRoute(ctx context.Context, routeID int64) ([]models.Waypoint, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT id, route_id, sequence, lat, lng, altitude_m, action,
estimated_arrival, wind_factor FROM waypoints WHERE route_id = ? ORDER BY sequence`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Waypoint
	for rows.Next() {
		var wp models.Waypoint
		var action string
		var arrival sql.NullTime
		var wind sql.NullFloat64
		if err := rows.Scan(&wp.ID, &wp.RouteID, &wp.Sequence, &wp.Lat, &wp.Lng,
			&wp.AltitudeM, &action, &arrival, &wind); err != nil {
			return nil, err
		}
		wp.Action = models.WaypointAction(action)
		if arrival.Valid {
			v := arrival.Time
			wp.EstimatedArrival = &v
		}
		if wind.Valid {
			v := wind.Float64
			wp.WindFactor = &v
		}
		out = append(out, wp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteByOrderID removes the order's route; waypoints cascade.
func (r *RouteRepository) DeleteByOrderID(ctx context.Context, orderID int64) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `DELETE FROM routes WHERE order_id = ?`, orderID)
	return err
}

func scanRoute(row *sql.Row) (*models.Route, error) {
	var rt models.Route
	var method string
	err := row.Scan(&rt.ID, &rt.OrderID, &rt.TotalDistanceKm, &rt.EstimatedDurationMin,
		&rt.EstimatedETA, &rt.ConfidenceScore, &method, &rt.AvoidsNoFly, &rt.AvoidsWeather, &rt.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rt.Method = models.OptimizationMethod(method)
	return &rt, nil
}
