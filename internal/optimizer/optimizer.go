// Package optimizer plans flyable 3D routes between WGS84 points, avoiding
// polygonal no-fly zones with an A* grid search and falling back to direct
// routing with detour waypoints when the search is exhausted.
package optimizer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"dronedispatch/internal/config"
	"dronedispatch/internal/geo"
	"dronedispatch/models"
)

// Priority selects how edge costs weigh altitude changes.
type Priority string

const (
	PrioritySpeed    Priority = "speed"
	PriorityEnergy   Priority = "energy"
	PrioritySafety   Priority = "safety"
	PriorityBalanced Priority = "balanced"
)

// Waypoint is one node of the planned path.
type Waypoint struct {
	Lat               float64
	Lng               float64
	AltitudeM         float64
	Action            models.WaypointAction
	Reason            string
	SegmentDistanceKm float64 // distance from the previous waypoint
	WindFactor        float64 // 1.0 when no weather data was applied
}

// Metrics is the route analysis returned with every optimization.
type Metrics struct {
	TotalDistanceKm          float64
	DirectDistanceKm         float64
	DetourPercent            float64
	EstimatedDurationMinutes float64
	WaypointCount            int
	AltitudeChanges          int
	NoFlyZonesAvoided        int
	WeatherHazardsAvoided    int
	TerrainClearanceMinM     float64
	AvgSegmentLengthKm       float64
	ComplexityScore          float64
	OptimizationMethod       models.OptimizationMethod
	ComputationTimeMs        float64
}

// Weather carries the wind data used for per-segment adjustment.
type Weather struct {
	WindSpeedKmh     float64
	WindDirectionDeg float64
}

// Request describes one route query.
type Request struct {
	StartLat, StartLng float64
	EndLat, EndLng     float64
	AltitudeM          float64
	MaxAltitudeM       *float64 // overrides the configured ceiling when set
	AvoidNoFly         bool
	AvoidWeather       bool
	DroneMaxSpeedKmh   float64
	Method             models.OptimizationMethod
	Weather            *Weather
	Priority           Priority
}

// Result is the optimized route: ordered waypoints plus analysis.
type Result struct {
	Waypoints []Waypoint
	Metrics   Metrics
}

// ZoneSource supplies the obstacle polygons for a search area.
type ZoneSource interface {
	ActiveZonesInBBox(ctx context.Context, bbox geo.BBox, now time.Time) ([]*models.Zone, error)
}

// TerrainProvider answers ground-elevation queries for terrain following.
// Lookups are bounded by the caller's context; failures fall back to defaults.
type TerrainProvider interface {
	ElevationM(ctx context.Context, lat, lng float64) (float64, error)
}

// FlatTerrain is the default provider: ground at sea level everywhere, which
// makes terrain following a documented no-op rather than a silent skip.
type FlatTerrain struct{}

func (FlatTerrain) ElevationM(ctx context.Context, lat, lng float64) (float64, error) {
	return 0, nil
}

// obstacle is a buffered zone prepared for point rejection during search.
type obstacle struct {
	name     string
	severity models.ZoneSeverity
	ring     []geo.Point // buffered by the safety margin
	altMin   float64
	altMax   *float64
}

func (o *obstacle) containsAltitude(alt float64) bool {
	if alt < o.altMin {
		return false
	}
	if o.altMax != nil && alt > *o.altMax {
		return false
	}
	return true
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

// Optimizer is safe for concurrent use. The route cache is read-mostly and
// guarded by a readers-writer lock; zone mutations must call ClearCache.
type Optimizer struct {
	cfg     config.OptimizerConfig
	zones   ZoneSource
	terrain TerrainProvider
	inst    *Instruments

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// Option customizes an Optimizer.
type Option func(*Optimizer)

// WithTerrain sets the terrain provider.
func WithTerrain(tp TerrainProvider) Option {
	return func(o *Optimizer) { o.terrain = tp }
}

// WithInstruments sets the prometheus instrumentation.
func WithInstruments(inst *Instruments) Option {
	return func(o *Optimizer) { o.inst = inst }
}

// New creates an Optimizer over the given zone source.
func New(cfg config.OptimizerConfig, zones ZoneSource, opts ...Option) *Optimizer {
	o := &Optimizer{
		cfg:     cfg,
		zones:   zones,
		terrain: FlatTerrain{},
		cache:   make(map[string]cacheEntry),
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Optimize plans a route for the request. The search is CPU-bound; run it on a
// worker goroutine. ctx cancels the search (checked every 1000 expansions).
func (o *Optimizer) Optimize(ctx context.Context, req Request) (Result, error) {
	started := time.Now()

	if req.Priority == "" {
		req.Priority = PriorityBalanced
	}
	if req.Method == "" {
		req.Method = models.MethodAStar
	}
	if req.DroneMaxSpeedKmh <= 0 {
		req.DroneMaxSpeedKmh = 60.0
	}

	key := o.cacheKey(req)
	if cached, ok := o.fromCache(key); ok {
		o.inst.cacheHit()
		return cached, nil
	}
	o.inst.cacheMiss()

	req.AltitudeM = o.clampAltitude(req.AltitudeM, req.MaxAltitudeM)

	directKm := geo.HaversineKm(req.StartLat, req.StartLng, req.EndLat, req.EndLng)

	obstacles, err := o.loadObstacles(ctx, req)
	if err != nil {
		return Result{}, err
	}

	var wps []Waypoint
	method := req.Method
	switch req.Method {
	case models.MethodDirect:
		wps = o.directRoute(req)
	case models.MethodAStar, models.MethodDijkstra:
		wps, method = o.searchRoute(ctx, req, obstacles)
	default:
		wps, method = o.searchRoute(ctx, req, obstacles)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Post-processing: smooth, then terrain-follow, then weather-adjust.
	wps = smooth(wps)
	wps = o.applyTerrainFollowing(ctx, wps)
	if req.AvoidWeather && req.Weather != nil {
		applyWeather(wps, *req.Weather)
	}

	metrics := computeMetrics(wps, directKm, method, req.DroneMaxSpeedKmh, started)
	result := Result{Waypoints: wps, Metrics: metrics}

	o.toCache(key, result)
	o.inst.observeSearch(method, metrics.ComputationTimeMs)
	return result, nil
}

// ClearCache drops all cached routes. Wire this to zone mutation events.
func (o *Optimizer) ClearCache() {
	o.mu.Lock()
	o.cache = make(map[string]cacheEntry)
	o.mu.Unlock()
}

func (o *Optimizer) cacheKey(req Request) string {
	raw := fmt.Sprintf("%.6f_%.6f_%.6f_%.6f_%v_%s_%t_%t",
		req.StartLat, req.StartLng, req.EndLat, req.EndLng,
		req.AltitudeM, req.Method, req.AvoidNoFly, req.AvoidWeather)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (o *Optimizer) fromCache(key string) (Result, bool) {
	o.mu.RLock()
	entry, ok := o.cache[key]
	o.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return Result{}, false
	}
	return entry.result, true
}

func (o *Optimizer) toCache(key string, r Result) {
	ttl := time.Duration(o.cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		return
	}
	o.mu.Lock()
	o.cache[key] = cacheEntry{result: r, expires: time.Now().Add(ttl)}
	o.mu.Unlock()
}

func (o *Optimizer) clampAltitude(alt float64, maxOverride *float64) float64 {
	maxAlt := o.cfg.MaxAltitudeM
	if maxOverride != nil && *maxOverride < maxAlt {
		maxAlt = *maxOverride
	}
	if alt < o.cfg.MinAltitudeM {
		log.Printf("optimizer: altitude %.0fm below minimum, clamped to %.0fm", alt, o.cfg.MinAltitudeM)
		return o.cfg.MinAltitudeM
	}
	if alt > maxAlt {
		log.Printf("optimizer: altitude %.0fm above maximum, clamped to %.0fm", alt, maxAlt)
		return maxAlt
	}
	return alt
}

func (o *Optimizer) loadObstacles(ctx context.Context, req Request) ([]obstacle, error) {
	if !req.AvoidNoFly || o.zones == nil {
		return nil, nil
	}
	bbox := geo.BBoxAround(req.StartLat, req.StartLng, req.EndLat, req.EndLng, 5.0)
	zs, err := o.zones.ActiveZonesInBBox(ctx, bbox, time.Now())
	if err != nil {
		return nil, err
	}
	obstacles := make([]obstacle, 0, len(zs))
	for _, z := range zs {
		ring := make([]geo.Point, len(z.Polygon))
		for i, p := range z.Polygon {
			ring[i] = geo.Point{Lat: p.Lat, Lng: p.Lng}
		}
		obstacles = append(obstacles, obstacle{
			name:     z.Name,
			severity: z.Severity,
			ring:     geo.BufferPolygon(ring, o.cfg.SafetyBufferM),
			altMin:   z.AltitudeMin,
			altMax:   z.AltitudeMax,
		})
	}
	return obstacles, nil
}

func (o *Optimizer) directRoute(req Request) []Waypoint {
	wps := []Waypoint{
		{Lat: req.StartLat, Lng: req.StartLng, AltitudeM: req.AltitudeM, Action: models.ActionStart, Reason: "departure_point", WindFactor: 1.0},
		{Lat: req.EndLat, Lng: req.EndLng, AltitudeM: req.AltitudeM, Action: models.ActionEnd, Reason: "destination", WindFactor: 1.0},
	}
	wps[1].SegmentDistanceKm = geo.HaversineKm(req.StartLat, req.StartLng, req.EndLat, req.EndLng)
	return wps
}

// fallbackRoute produces a best-effort direct route with one avoid waypoint per
// obstacle the straight segment intersects, offset ~1km perpendicular away from
// the obstacle centroid. Callers must treat it as not guaranteed obstacle-free.
func (o *Optimizer) fallbackRoute(req Request, obstacles []obstacle) []Waypoint {
	start := geo.Point{Lat: req.StartLat, Lng: req.StartLng}
	end := geo.Point{Lat: req.EndLat, Lng: req.EndLng}
	wps := []Waypoint{
		{Lat: start.Lat, Lng: start.Lng, AltitudeM: req.AltitudeM, Action: models.ActionStart, Reason: "departure_point", WindFactor: 1.0},
	}
	midLat := (start.Lat + end.Lat) / 2
	midLng := (start.Lng + end.Lng) / 2
	const offsetDeg = 0.01 // ~1km
	// Unit normal to the direct segment, in degree space.
	normLat, normLng := 1.0, 0.0
	if segLen := math.Hypot(end.Lat-start.Lat, end.Lng-start.Lng); segLen > 0 {
		normLat, normLng = -(end.Lng-start.Lng)/segLen, (end.Lat-start.Lat)/segLen
	}

	for i := range obstacles {
		ob := &obstacles[i]
		if !ob.containsAltitude(req.AltitudeM) {
			continue
		}
		if !geo.SegmentIntersectsPolygon(start, end, ob.ring) {
			continue
		}
		cLat, cLng := geo.Centroid(ob.ring)
		// Push the detour along the segment normal, to the side of the
		// midpoint away from the centroid.
		side := sign((midLat-cLat)*normLat + (midLng-cLng)*normLng)
		avoidLat := midLat + side*normLat*offsetDeg
		avoidLng := midLng + side*normLng*offsetDeg
		// Yellow zones are avoided like no-fly but tagged advisory so callers
		// (and the no_fly_zones_avoided metric) can tell them apart.
		kind := "no_fly"
		if ob.severity == models.SeverityYellow {
			kind = "advisory"
		}
		wps = append(wps, Waypoint{
			Lat: avoidLat, Lng: avoidLng, AltitudeM: req.AltitudeM,
			Action:     models.ActionAvoid,
			Reason:     "avoiding_" + kind + "_" + ob.name,
			WindFactor: 1.0,
		})
	}

	wps = append(wps, Waypoint{Lat: end.Lat, Lng: end.Lng, AltitudeM: req.AltitudeM, Action: models.ActionEnd, Reason: "destination", WindFactor: 1.0})
	fillSegmentDistances(wps)
	return wps
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// smooth keeps only endpoints and waypoints that carry a meaningful action;
// intermediate grid nodes have action navigate and drop out.
func smooth(wps []Waypoint) []Waypoint {
	if len(wps) <= 2 {
		fillSegmentDistances(wps)
		return wps
	}
	out := []Waypoint{wps[0]}
	for _, wp := range wps[1 : len(wps)-1] {
		switch wp.Action {
		case models.ActionAvoid, models.ActionAscend, models.ActionDescend, models.ActionHover:
			out = append(out, wp)
		}
	}
	out = append(out, wps[len(wps)-1])
	fillSegmentDistances(out)
	return out
}

func fillSegmentDistances(wps []Waypoint) {
	for i := range wps {
		if i == 0 {
			wps[i].SegmentDistanceKm = 0
			continue
		}
		prev := wps[i-1]
		wps[i].SegmentDistanceKm = geo.Distance3DKm(prev.Lat, prev.Lng, prev.AltitudeM, wps[i].Lat, wps[i].Lng, wps[i].AltitudeM)
	}
}

func (o *Optimizer) applyTerrainFollowing(ctx context.Context, wps []Waypoint) []Waypoint {
	for i := range wps {
		lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		ground, err := o.terrain.ElevationM(lookupCtx, wps[i].Lat, wps[i].Lng)
		cancel()
		if err != nil {
			ground = 0 // provider unavailable, assume sea level
		}
		minSafe := ground + o.cfg.MinTerrainClearance
		if wps[i].AltitudeM < minSafe {
			wps[i].AltitudeM = minSafe
			if wps[i].Reason != "" {
				wps[i].Reason += "_terrain_adjusted"
			} else {
				wps[i].Reason = "terrain_adjusted"
			}
		}
	}
	fillSegmentDistances(wps)
	return wps
}

// applyWeather sets a wind factor on each segment's destination waypoint:
// headwind approaches 0.7, tailwind 1.3.
func applyWeather(wps []Waypoint, w Weather) {
	for i := 1; i < len(wps); i++ {
		prev := wps[i-1]
		bearing := geo.BearingDeg(prev.Lat, prev.Lng, wps[i].Lat, wps[i].Lng)
		angleDiff := math.Abs(math.Mod(w.WindDirectionDeg-bearing+180, 360) - 180)
		factor := 1.0 + math.Cos(angleDiff*math.Pi/180)*w.WindSpeedKmh/100.0
		wps[i].WindFactor = math.Max(0.7, math.Min(1.3, factor))
	}
	if len(wps) > 0 && wps[0].WindFactor == 0 {
		wps[0].WindFactor = 1.0
	}
}

func computeMetrics(wps []Waypoint, directKm float64, method models.OptimizationMethod, droneSpeed float64, started time.Time) Metrics {
	var total float64
	altChanges := 0
	noFly := 0
	weather := 0
	minClearance := math.Inf(1)
	for _, wp := range wps {
		total += wp.SegmentDistanceKm
		if wp.Action == models.ActionAscend || wp.Action == models.ActionDescend {
			altChanges++
		}
		if strings.Contains(wp.Reason, "no_fly") {
			noFly++
		}
		if strings.Contains(wp.Reason, "weather") {
			weather++
		}
		if wp.AltitudeM < minClearance {
			minClearance = wp.AltitudeM
		}
	}
	if len(wps) == 0 {
		minClearance = 0
	}

	detour := 0.0
	if directKm > 0 {
		detour = (total - directKm) / directKm * 100
	}
	avgSpeed := droneSpeed * 0.8
	duration := 0.0
	if avgSpeed > 0 {
		duration = total / avgSpeed * 60
	}
	segments := len(wps) - 1
	if segments < 1 {
		segments = 1
	}
	complexity := math.Min(1.0,
		float64(len(wps))/20.0*0.4+
			float64(altChanges)/5.0*0.3+
			detour/50.0*0.3)
	if complexity < 0 {
		complexity = 0
	}

	return Metrics{
		TotalDistanceKm:          round3(total),
		DirectDistanceKm:         round3(directKm),
		DetourPercent:            round2(detour),
		EstimatedDurationMinutes: round2(duration),
		WaypointCount:            len(wps),
		AltitudeChanges:          altChanges,
		NoFlyZonesAvoided:        noFly,
		WeatherHazardsAvoided:    weather,
		TerrainClearanceMinM:     minClearance,
		AvgSegmentLengthKm:       round3(total / float64(segments)),
		ComplexityScore:          round3(complexity),
		OptimizationMethod:       method,
		ComputationTimeMs:        float64(time.Since(started).Microseconds()) / 1000.0,
	}
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
