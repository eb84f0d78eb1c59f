package eta

import (
	"math"
	"testing"
	"time"

	"dronedispatch/internal/config"
)

func testFeatures() Features {
	return Features{
		DistanceKm:        5,
		AltitudeAvgM:      100,
		PayloadWeightKg:   3,
		BatteryStart:      80,
		WindSpeedKmh:      10,
		Precipitation:     0,
		AirTrafficDensity: 0.3,
		DroneMaxSpeedKmh:  60,
		VisibilityKm:      10,
		AirPressureHpa:    1013,
		TimeOfDay:         -1,
		DayOfWeek:         -1,
		StartTime:         time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestPredict_RuleBasedScenario(t *testing.T) {
	p := New(config.ETAConfig{})
	pred := p.Predict(testFeatures())

	if pred.ModelUsed != ModelRuleBased {
		t.Fatalf("model = %s, want rule_based", pred.ModelUsed)
	}
	if pred.Confidence != 75 {
		t.Fatalf("confidence = %v, want 75", pred.Confidence)
	}
	if pred.ETAMinutes < 7.0 || pred.ETAMinutes > 9.5 {
		t.Fatalf("eta = %v minutes, want within [7.0, 9.5]", pred.ETAMinutes)
	}
	if pred.UncertaintyLow >= pred.ETAMinutes || pred.UncertaintyHigh <= pred.ETAMinutes {
		t.Fatalf("uncertainty range (%v, %v) should bracket eta %v",
			pred.UncertaintyLow, pred.UncertaintyHigh, pred.ETAMinutes)
	}
	wantETA := pred.ETATime.Sub(testFeatures().StartTime).Minutes()
	if math.Abs(wantETA-pred.ETAMinutes) > 0.51 {
		t.Fatalf("eta datetime offset %v minutes disagrees with eta %v", wantETA, pred.ETAMinutes)
	}
}

func TestPredict_BatteryPenaltyBelowThreshold(t *testing.T) {
	p := New(config.ETAConfig{})
	f := testFeatures()
	healthy := p.Predict(f)
	f.BatteryStart = 30
	weak := p.Predict(f)
	if weak.ETAMinutes <= healthy.ETAMinutes {
		t.Fatalf("low battery eta %v should exceed healthy eta %v", weak.ETAMinutes, healthy.ETAMinutes)
	}
}

func TestHistoricalBlend(t *testing.T) {
	p := New(config.ETAConfig{})
	f := testFeatures()
	base := p.Predict(f)

	// Three deliveries on the same route bucket, consistently slower.
	for i := 0; i < 3; i++ {
		p.RecordDelivery(HistoricalDelivery{
			Features:              f,
			ActualDurationMinutes: base.ETAMinutes + 4,
			Success:               true,
		}, base.ETAMinutes)
	}

	blended := p.Predict(f)
	if blended.SimilarRoutesCount != 3 {
		t.Fatalf("similar routes = %d, want 3", blended.SimilarRoutesCount)
	}
	if blended.ETAMinutes <= base.ETAMinutes {
		t.Fatalf("blended eta %v should move toward slower historical mean (base %v)",
			blended.ETAMinutes, base.ETAMinutes)
	}
	// w = min(0.3, 3/20) = 0.15, so the shift is 0.15 * 4 = 0.6 minutes.
	if math.Abs(blended.HistoricalAdjustment-0.6) > 0.05 {
		t.Fatalf("adjustment = %v, want ~0.6", blended.HistoricalAdjustment)
	}
}

func TestHistoricalBlend_ConfidenceBoost(t *testing.T) {
	p := New(config.ETAConfig{})
	f := testFeatures()
	base := p.Predict(f)

	// Historical data that agrees closely with the prediction.
	for i := 0; i < 5; i++ {
		p.RecordDelivery(HistoricalDelivery{
			Features:              f,
			ActualDurationMinutes: base.ETAMinutes + 0.1,
			Success:               true,
		}, base.ETAMinutes)
	}

	blended := p.Predict(f)
	if blended.Confidence != 85 {
		t.Fatalf("confidence = %v, want 85 (75 + 10 boost)", blended.Confidence)
	}
}

func TestTrain_RequiresMinimumSamples(t *testing.T) {
	p := New(config.ETAConfig{MinTrainingSamples: 50})
	f := testFeatures()
	for i := 0; i < 10; i++ {
		p.RecordDelivery(HistoricalDelivery{Features: f, ActualDurationMinutes: 8, Success: true}, 8)
	}
	if err := p.Train(); err == nil {
		t.Fatalf("expected training failure with 10 samples")
	}
	if p.Stats().IsTrained {
		t.Fatalf("predictor should remain untrained")
	}
}

func TestTrain_EnablesMLMode(t *testing.T) {
	p := New(config.ETAConfig{MinTrainingSamples: 50})
	for i := 0; i < 60; i++ {
		f := testFeatures()
		f.DistanceKm = 1 + float64(i%10)
		f.WindSpeedKmh = float64(i % 30)
		// Duration roughly proportional to distance, with some spread.
		p.RecordDelivery(HistoricalDelivery{
			Features:              f,
			ActualDurationMinutes: f.DistanceKm*1.6 + float64(i%5),
			Success:               true,
		}, f.DistanceKm*1.6)
	}
	if err := p.Train(); err != nil {
		t.Fatalf("train: %v", err)
	}
	if !p.Stats().IsTrained {
		t.Fatalf("predictor should report trained")
	}

	f := testFeatures()
	f.DistanceKm = 200 // outside any historical bucket so no blend applies
	pred := p.Predict(f)
	if pred.ModelUsed != ModelML {
		t.Fatalf("model = %s, want ml after training", pred.ModelUsed)
	}
	if pred.ETAMinutes <= 0 {
		t.Fatalf("ml eta should be positive, got %v", pred.ETAMinutes)
	}
	if pred.UncertaintyLow > pred.UncertaintyHigh {
		t.Fatalf("uncertainty range inverted: (%v, %v)", pred.UncertaintyLow, pred.UncertaintyHigh)
	}
}

func TestTrain_IgnoresFailedDeliveries(t *testing.T) {
	p := New(config.ETAConfig{MinTrainingSamples: 50})
	f := testFeatures()
	for i := 0; i < 60; i++ {
		p.RecordDelivery(HistoricalDelivery{Features: f, ActualDurationMinutes: 8, Success: false}, 8)
	}
	if err := p.Train(); err == nil {
		t.Fatalf("failed deliveries must not count toward the training minimum")
	}
}

func TestRecordDelivery_ErrorCapAndStats(t *testing.T) {
	p := New(config.ETAConfig{RetrainSampleCount: 1 << 30}) // never auto-retrain here
	f := testFeatures()
	for i := 0; i < 1100; i++ {
		p.RecordDelivery(HistoricalDelivery{Features: f, ActualDurationMinutes: 10, Success: true}, 9)
	}
	s := p.Stats()
	if s.RecentPredictions != 1000 {
		t.Fatalf("error window = %d, want capped at 1000", s.RecentPredictions)
	}
	if s.AvgErrorPercent != 10 {
		t.Fatalf("avg error = %v%%, want 10", s.AvgErrorPercent)
	}
	if s.HistoricalCount != 1100 {
		t.Fatalf("historical count = %d, want 1100", s.HistoricalCount)
	}
}
