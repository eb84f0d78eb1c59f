// Package zones indexes the active no-fly and advisory polygons the route
// optimizer must avoid. It combines a repository-backed catalog of managed
// zones with a built-in static catalog of circular zones.
package zones

import (
	"sync"

	"dronedispatch/internal/geo"
	"dronedispatch/models"
)

const circleVertices = 64

// StaticZone is a compile-time circular zone definition.
type StaticZone struct {
	Name        string
	Severity    models.ZoneSeverity
	CenterLat   float64
	CenterLng   float64
	RadiusM     float64
	AltitudeMin float64
	AltitudeMax float64
	Reason      string
}

// staticCatalog is the built-in zone list, carried over from the operational
// catalog. Radii in meters, altitude bands in meters AGL.
var staticCatalog = []StaticZone{
	{
		Name:        "Red Zone - Airport",
		Severity:    models.SeverityRed,
		CenterLat:   12.9716,
		CenterLng:   77.5946,
		RadiusM:     1500,
		AltitudeMin: 0,
		AltitudeMax: 1200,
		Reason:      "Airport critical airspace",
	},
	{
		Name:        "Yellow Zone - Hospital Corridor",
		Severity:    models.SeverityYellow,
		CenterLat:   12.985,
		CenterLng:   77.61,
		RadiusM:     800,
		AltitudeMin: 0,
		AltitudeMax: 400,
		Reason:      "Hospital helipad corridor",
	},
	{
		Name:        "Red Zone - Sensitive Facility",
		Severity:    models.SeverityRed,
		CenterLat:   13.01,
		CenterLng:   77.58,
		RadiusM:     1000,
		AltitudeMin: 0,
		AltitudeMax: 800,
		Reason:      "Government / sensitive facility",
	},
}

var (
	staticOnce  sync.Once
	staticZones []*models.Zone
)

// CircleToPolygon approximates a geodesic circle as a ring of vertices using
// forward-azimuth offsets on a sphere of radius geo.EarthRadiusM.
func CircleToPolygon(lat, lng, radiusM float64, numPoints int) []models.LatLng {
	ring := make([]models.LatLng, 0, numPoints+1)
	for i := 0; i < numPoints; i++ {
		bearing := 360.0 * float64(i) / float64(numPoints)
		pLat, pLng := geo.DestinationPoint(lat, lng, bearing, radiusM)
		ring = append(ring, models.LatLng{Lat: pLat, Lng: pLng})
	}
	// Close ring
	ring = append(ring, ring[0])
	return ring
}

// StaticZones returns the built-in catalog with geometry materialized. The
// result is computed once per process and must not be mutated by callers.
func StaticZones() []*models.Zone {
	staticOnce.Do(func() {
		staticZones = make([]*models.Zone, 0, len(staticCatalog))
		for i, sz := range staticCatalog {
			altMax := sz.AltitudeMax
			zoneType := models.ZoneTypeOperational
			if sz.Severity == models.SeverityRed {
				zoneType = models.ZoneTypeAirport
			}
			staticZones = append(staticZones, &models.Zone{
				ID:          int64(-(i + 1)), // negative ids keep static zones distinct from stored ones
				Name:        sz.Name,
				Type:        zoneType,
				Severity:    sz.Severity,
				Polygon:     CircleToPolygon(sz.CenterLat, sz.CenterLng, sz.RadiusM, circleVertices),
				AltitudeMin: sz.AltitudeMin,
				AltitudeMax: &altMax,
				IsActive:    true,
				Reason:      sz.Reason,
			})
		}
	})
	return staticZones
}

// StaticZonesInBBox returns the static zones whose geometry intersects the bbox.
func StaticZonesInBBox(bbox geo.BBox) []*models.Zone {
	var out []*models.Zone
	for _, z := range StaticZones() {
		if bbox.Overlaps(geo.PolygonBBox(Ring(z))) {
			out = append(out, z)
		}
	}
	return out
}

// Ring converts a zone's polygon to geo points.
func Ring(z *models.Zone) []geo.Point {
	ring := make([]geo.Point, len(z.Polygon))
	for i, p := range z.Polygon {
		ring[i] = geo.Point{Lat: p.Lat, Lng: p.Lng}
	}
	return ring
}
