// Package eta predicts delivery durations. A trained regressor serves
// predictions when enough successful deliveries have been recorded; a
// rule-based estimate is always available as the fallback. Both are blended
// with the mean of prior similar routes.
package eta

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"dronedispatch/internal/config"
)

// ModelKind identifies which path produced a prediction.
type ModelKind string

const (
	ModelML        ModelKind = "ml"
	ModelRuleBased ModelKind = "rule_based"
)

// Features is the full input vector for one prediction.
type Features struct {
	DistanceKm        float64
	AltitudeAvgM      float64
	AltitudeVariance  float64
	RouteComplexity   float64 // 0-1
	TemperatureC      float64
	WindSpeedKmh      float64
	WindDirectionDeg  float64
	Precipitation     float64 // 0-1
	VisibilityKm      float64
	AirPressureHpa    float64
	PayloadWeightKg   float64
	BatteryStart      int
	DroneAgeDays      int
	TimeOfDay         int // 0-23; -1 derives from StartTime
	DayOfWeek         int // 0-6; -1 derives from StartTime
	AirTrafficDensity float64 // 0-1
	DroneMaxSpeedKmh  float64
	StartTime         time.Time
}

// Prediction is the structured result.
type Prediction struct {
	ETAMinutes        float64
	ETATime           time.Time
	Confidence        float64 // 0-100
	UncertaintyLow    float64 // p10 minutes
	UncertaintyHigh   float64 // p90 minutes
	BaseSpeedKmh      float64
	EffectiveSpeedKmh float64

	PayloadImpact        float64
	AltitudeImpact       float64
	BatteryImpact        float64
	WeatherImpact        float64
	TrafficImpact        float64
	HistoricalAdjustment float64

	ModelUsed          ModelKind
	SimilarRoutesCount int
	FeatureImportance  map[string]float64
}

// HistoricalDelivery is one completed delivery used for training and blending.
type HistoricalDelivery struct {
	Features              Features
	ActualDurationMinutes float64
	Success               bool
	RecordedAt            time.Time
}

// Predictor is safe for concurrent use.
type Predictor struct {
	cfg config.ETAConfig

	mu          sync.Mutex
	forest      *forest
	history     []HistoricalDelivery
	routeCache  map[string][]float64 // route hash -> observed durations
	errors      []float64            // recent prediction error percents, capped
	newSamples  int                  // samples since last retrain
	lastRetrain time.Time
}

// New creates a Predictor. ML mode stays unavailable until enough successful
// deliveries have been recorded and Train succeeds.
func New(cfg config.ETAConfig) *Predictor {
	if cfg.MinTrainingSamples <= 0 {
		cfg.MinTrainingSamples = 50
	}
	if cfg.RetrainSampleCount <= 0 {
		cfg.RetrainSampleCount = 100
	}
	if cfg.RetrainIntervalDays <= 0 {
		cfg.RetrainIntervalDays = 7
	}
	return &Predictor{
		cfg:        cfg,
		routeCache: make(map[string][]float64),
	}
}

// Predict produces an ETA for the given features.
func (p *Predictor) Predict(f Features) Prediction {
	if f.StartTime.IsZero() {
		f.StartTime = time.Now()
	}
	if f.TimeOfDay < 0 {
		f.TimeOfDay = f.StartTime.Hour()
	}
	if f.DayOfWeek < 0 {
		f.DayOfWeek = int(f.StartTime.Weekday())
	}
	if f.DroneMaxSpeedKmh <= 0 {
		f.DroneMaxSpeedKmh = 60.0
	}

	p.mu.Lock()
	trained := p.forest
	p.mu.Unlock()

	var pred Prediction
	if trained != nil {
		pred = p.predictML(trained, f)
	} else {
		pred = predictRuleBased(f)
	}

	pred = p.applyHistoricalAdjustment(pred, f)
	return pred
}

func (p *Predictor) predictML(fr *forest, f Features) Prediction {
	vec := featureVector(f)
	mean, p10, p90 := fr.predict(vec)
	if mean <= 0 {
		// Degenerate model output; the rule-based path is always sane.
		return predictRuleBased(f)
	}

	baseSpeed := f.DroneMaxSpeedKmh * 0.8
	effective := f.DistanceKm / mean * 60

	uncertaintyPct := (p90 - p10) / mean * 100
	confidence := 65.0
	switch {
	case uncertaintyPct < 10:
		confidence = 95.0
	case uncertaintyPct < 20:
		confidence = 85.0
	case uncertaintyPct < 30:
		confidence = 75.0
	}

	return Prediction{
		ETAMinutes:        round2(mean),
		ETATime:           f.StartTime.Add(time.Duration(mean * float64(time.Minute))),
		Confidence:        confidence,
		UncertaintyLow:    round2(p10),
		UncertaintyHigh:   round2(p90),
		BaseSpeedKmh:      round2(baseSpeed),
		EffectiveSpeedKmh: round2(effective),
		PayloadImpact:     round2(f.PayloadWeightKg / 10.0 * 10),
		AltitudeImpact:    round2(f.AltitudeAvgM / 1000.0 * 5),
		BatteryImpact:     round2(math.Max(0, float64(50-f.BatteryStart)/50*10)),
		WeatherImpact:     round2(f.WindSpeedKmh/50.0*15 + f.Precipitation*20),
		TrafficImpact:     round2(f.AirTrafficDensity * 10),
		ModelUsed:         ModelML,
		SimilarRoutesCount: 0,
		FeatureImportance: fr.importance(),
	}
}

// predictRuleBased is the always-available fallback. Constants follow the
// operational penalty model; the 1.2 multiplier is a 20% safety buffer.
func predictRuleBased(f Features) Prediction {
	baseSpeed := f.DroneMaxSpeedKmh * 0.8

	payloadPenalty := math.Max(0.7, 1.0-math.Min(0.3, f.PayloadWeightKg/10.0*0.1))
	altitudePenalty := math.Max(0.8, 1.0-math.Min(0.2, f.AltitudeAvgM/1000.0*0.05))
	batteryPenalty := 1.0
	if f.BatteryStart <= 50 {
		batteryPenalty = math.Max(0.7, float64(f.BatteryStart)/50.0)
	}
	windPenalty := 1.0 - math.Min(0.25, f.WindSpeedKmh/50.0*0.15)
	precipPenalty := 1.0 - math.Min(0.30, f.Precipitation*0.2)
	trafficPenalty := 1.0 - math.Min(0.15, f.AirTrafficDensity*0.1)

	effective := baseSpeed * payloadPenalty * altitudePenalty * batteryPenalty *
		windPenalty * precipPenalty * trafficPenalty

	etaMinutes := f.DistanceKm / effective * 60 * 1.2

	return Prediction{
		ETAMinutes:        round2(etaMinutes),
		ETATime:           f.StartTime.Add(time.Duration(etaMinutes * float64(time.Minute))),
		Confidence:        75.0,
		UncertaintyLow:    round2(etaMinutes * 0.85),
		UncertaintyHigh:   round2(etaMinutes * 1.25),
		BaseSpeedKmh:      round2(baseSpeed),
		EffectiveSpeedKmh: round2(effective),
		PayloadImpact:     round2((1 - payloadPenalty) * 100),
		AltitudeImpact:    round2((1 - altitudePenalty) * 100),
		BatteryImpact:     round2((1 - batteryPenalty) * 100),
		WeatherImpact:     round2((1-windPenalty)*100 + (1-precipPenalty)*100),
		TrafficImpact:     round2((1 - trafficPenalty) * 100),
		ModelUsed:         ModelRuleBased,
	}
}

// routeHash buckets similar routes together: distance to 0.1km, altitude to 1m,
// wind normalized by 50 to two decimals.
func routeHash(distanceKm, altitudeAvg, windSpeedKmh float64) string {
	return fmt.Sprintf("%.1f_%.0f_%.2f", distanceKm, altitudeAvg, windSpeedKmh/50.0)
}

func (p *Predictor) applyHistoricalAdjustment(pred Prediction, f Features) Prediction {
	key := routeHash(f.DistanceKm, f.AltitudeAvgM, f.WindSpeedKmh)

	p.mu.Lock()
	durations := p.routeCache[key]
	p.mu.Unlock()

	if len(durations) < 3 {
		return pred
	}

	var sum float64
	for _, d := range durations {
		sum += d
	}
	historicalMean := sum / float64(len(durations))

	w := math.Min(0.3, float64(len(durations))/20.0)
	adjusted := pred.ETAMinutes*(1-w) + historicalMean*w
	adjustment := adjusted - pred.ETAMinutes

	pred.ETATime = pred.ETATime.Add(time.Duration(adjustment * float64(time.Minute)))
	pred.ETAMinutes = round2(adjusted)
	pred.HistoricalAdjustment = round2(adjustment)
	pred.SimilarRoutesCount = len(durations)

	if pred.ETAMinutes > 0 && math.Abs(adjustment)/pred.ETAMinutes < 0.1 {
		pred.Confidence = math.Min(98.0, pred.Confidence+10.0)
	}
	return pred
}

// RecordDelivery adds a completed delivery for blending and training, records
// the prediction error, and retrains when enough fresh data has accumulated.
func (p *Predictor) RecordDelivery(d HistoricalDelivery, predictedMinutes float64) {
	if d.RecordedAt.IsZero() {
		d.RecordedAt = time.Now()
	}

	p.mu.Lock()
	p.history = append(p.history, d)
	p.newSamples++

	key := routeHash(d.Features.DistanceKm, d.Features.AltitudeAvgM, d.Features.WindSpeedKmh)
	p.routeCache[key] = append(p.routeCache[key], d.ActualDurationMinutes)

	if d.ActualDurationMinutes > 0 && predictedMinutes > 0 {
		errPct := math.Abs(d.ActualDurationMinutes-predictedMinutes) / d.ActualDurationMinutes * 100
		p.errors = append(p.errors, errPct)
		if len(p.errors) > 1000 {
			p.errors = p.errors[len(p.errors)-1000:]
		}
	}

	shouldRetrain := p.newSamples >= p.cfg.RetrainSampleCount &&
		(p.lastRetrain.IsZero() || time.Since(p.lastRetrain) >= time.Duration(p.cfg.RetrainIntervalDays)*24*time.Hour)
	p.mu.Unlock()

	if shouldRetrain {
		if err := p.Train(); err != nil {
			log.Printf("eta: auto-retrain skipped: %v", err)
		}
	}
}

// Train fits the regressor on recorded successful deliveries. It fails without
// side effects when fewer than MinTrainingSamples are available.
func (p *Predictor) Train() error {
	p.mu.Lock()
	var X [][]float64
	var y []float64
	for _, d := range p.history {
		if !d.Success {
			continue
		}
		X = append(X, featureVector(d.Features))
		y = append(y, d.ActualDurationMinutes)
	}
	minSamples := p.cfg.MinTrainingSamples
	p.mu.Unlock()

	if len(X) < minSamples {
		return fmt.Errorf("insufficient training data: %d successful deliveries, need %d", len(X), minSamples)
	}

	fr := trainForest(X, y)

	p.mu.Lock()
	p.forest = fr
	p.lastRetrain = time.Now()
	p.newSamples = 0
	p.mu.Unlock()

	log.Printf("eta: model trained on %d samples", len(X))
	return nil
}

// Stats summarizes predictor state for diagnostics.
type Stats struct {
	IsTrained           bool
	HistoricalCount     int
	UniqueRoutes        int
	AvgErrorPercent     float64
	MedianErrorPercent  float64
	RecentPredictions   int
	LastRetrain         time.Time
}

// Stats returns a snapshot of predictor performance.
func (p *Predictor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		IsTrained:         p.forest != nil,
		HistoricalCount:   len(p.history),
		UniqueRoutes:      len(p.routeCache),
		RecentPredictions: len(p.errors),
		LastRetrain:       p.lastRetrain,
	}
	if len(p.errors) > 0 {
		var sum float64
		sorted := make([]float64, len(p.errors))
		copy(sorted, p.errors)
		sort.Float64s(sorted)
		for _, e := range p.errors {
			sum += e
		}
		s.AvgErrorPercent = round2(sum / float64(len(p.errors)))
		s.MedianErrorPercent = round2(sorted[len(sorted)/2])
	}
	return s
}

var featureNames = []string{
	"distance_km", "altitude_avg", "altitude_variance", "route_complexity",
	"temperature_c", "wind_speed_kmh", "wind_direction_deg", "precipitation",
	"visibility_km", "air_pressure_hpa", "payload_weight_kg", "battery_start",
	"drone_age_days", "time_of_day", "day_of_week", "air_traffic_density",
}

func featureVector(f Features) []float64 {
	return []float64{
		f.DistanceKm, f.AltitudeAvgM, f.AltitudeVariance, f.RouteComplexity,
		f.TemperatureC, f.WindSpeedKmh, f.WindDirectionDeg, f.Precipitation,
		f.VisibilityKm, f.AirPressureHpa, f.PayloadWeightKg, float64(f.BatteryStart),
		float64(f.DroneAgeDays), float64(f.TimeOfDay), float64(f.DayOfWeek), f.AirTrafficDensity,
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
