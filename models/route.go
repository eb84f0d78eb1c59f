package models

import (
	"time"

	"dronedispatch/internal/geo"
)

// OptimizationMethod identifies how a Route's path was produced.
type OptimizationMethod string

const (
	MethodAStar          OptimizationMethod = "astar"
	MethodDijkstra       OptimizationMethod = "dijkstra"
	MethodDirect         OptimizationMethod = "direct"
	MethodDirectFallback OptimizationMethod = "direct_fallback"
)

// WaypointAction records why a waypoint exists in the path.
type WaypointAction string

const (
	ActionStart    WaypointAction = "start"
	ActionNavigate WaypointAction = "navigate"
	ActionAscend   WaypointAction = "ascend"
	ActionDescend  WaypointAction = "descend"
	ActionHover    WaypointAction = "hover"
	ActionAvoid    WaypointAction = "avoid"
	ActionEnd      WaypointAction = "end"
)

// Route is 1:1 with a DeliveryOrder. Replacing a Route deletes its Waypoints first;
// the Route is the owned side of the relationship (it carries the order id, not vice versa).
type Route struct {
	ID                  int64              `db:"id" json:"id"`
	OrderID              int64              `db:"order_id" json:"order_id"`
	TotalDistanceKm      float64            `db:"total_distance_km" json:"total_distance_km"`
	EstimatedDurationMin int                `db:"estimated_duration_minutes" json:"estimated_duration_minutes"`
	EstimatedETA         time.Time          `db:"estimated_eta" json:"estimated_eta"`
	ConfidenceScore      float64            `db:"confidence_score" json:"confidence_score"`
	Method               OptimizationMethod `db:"optimization_method" json:"optimization_method"`
	AvoidsNoFly          bool               `db:"avoids_no_fly_zones" json:"avoids_no_fly_zones"`
	AvoidsWeather        bool               `db:"avoids_weather_hazards" json:"avoids_weather_hazards"`
	CreatedAt            time.Time          `db:"created_at" json:"created_at"`
}

// Waypoint is a child row of a Route. Sequence is unique per route, 1-indexed, gap-free.
type Waypoint struct {
	ID               int64          `db:"id" json:"id"`
	RouteID          int64          `db:"route_id" json:"route_id"`
	Sequence         int            `db:"sequence" json:"sequence"`
	Lat              float64        `db:"lat" json:"lat"`
	Lng              float64        `db:"lng" json:"lng"`
	AltitudeM        float64        `db:"altitude_m" json:"altitude_m"`
	Action           WaypointAction `db:"action" json:"action"`
	EstimatedArrival *time.Time     `db:"estimated_arrival" json:"estimated_arrival,omitempty"`
	WindFactor       *float64       `db:"wind_factor" json:"wind_factor,omitempty"`
}

// RoutePathGeoJSON encodes a route's waypoints as a GeoJSON LineString of
// (lng,lat,alt) coordinates, lossless to 6 decimal places.
func RoutePathGeoJSON(waypoints []Waypoint) (*geo.LineStringGeoJSON, error) {
	lats := make([]float64, len(waypoints))
	lngs := make([]float64, len(waypoints))
	alts := make([]float64, len(waypoints))
	for i, wp := range waypoints {
		lats[i] = wp.Lat
		lngs[i] = wp.Lng
		alts[i] = wp.AltitudeM
	}
	return geo.EncodeLineString(lats, lngs, alts)
}
