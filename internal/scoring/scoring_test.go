package scoring

import (
	"errors"
	"math"
	"testing"

	"github.com/opensource-finance/fraudops/internal/domain"
)

var exampleCalibration = Calibration{A: 10, B: -5.225, Version: "platt-test"}

func equalWeights() map[string]float64 {
	return map[string]float64{"xgb": 1, "nn": 1, "rules": 1}
}

func TestAggregate(t *testing.T) {
	t.Run("EqualWeightsScenario", func(t *testing.T) {
		components := map[string]float64{"xgb": 0.72, "nn": 0.69, "rules": 0.70}

		bundle, err := Aggregate("evt-a", components, equalWeights(), nil, exampleCalibration, nil, 5)
		if err != nil {
			t.Fatalf("Aggregate failed: %v", err)
		}

		if math.Abs(bundle.Ensemble-0.70333) > 0.001 {
			t.Errorf("expected ensemble ~0.704, got %.5f", bundle.Ensemble)
		}
		if math.Abs(bundle.Calibrated-0.86) > 0.005 {
			t.Errorf("expected calibrated ~0.86, got %.5f", bundle.Calibrated)
		}
		if bundle.ModelVersion != "platt-test" {
			t.Errorf("expected model version platt-test, got %s", bundle.ModelVersion)
		}
	})

	t.Run("RenormalizesOverPresentComponents", func(t *testing.T) {
		weights := map[string]float64{"xgb": 0.5, "nn": 0.3, "rules": 0.2}
		components := map[string]float64{"xgb": 0.8, "rules": 0.4}

		bundle, err := Aggregate("evt-b", components, weights, nil, exampleCalibration, nil, 5)
		if err != nil {
			t.Fatalf("Aggregate failed: %v", err)
		}

		want := (0.5*0.8 + 0.2*0.4) / 0.7
		if math.Abs(bundle.Ensemble-want) > 1e-9 {
			t.Errorf("expected ensemble %.6f, got %.6f", want, bundle.Ensemble)
		}
		if math.Abs(bundle.Weights["xgb"]+bundle.Weights["rules"]-1) > 1e-9 {
			t.Errorf("effective weights should sum to 1, got %v", bundle.Weights)
		}
	})

	t.Run("OutOfRangeScore", func(t *testing.T) {
		for _, bad := range []float64{-0.01, 1.01, math.NaN()} {
			_, err := Aggregate("evt", map[string]float64{"xgb": bad}, nil, nil, exampleCalibration, nil, 5)
			if !errors.Is(err, domain.ErrInvalidScore) {
				t.Errorf("score %v: expected ErrInvalidScore, got %v", bad, err)
			}
		}
	})

	t.Run("MissingRequiredComponent", func(t *testing.T) {
		_, err := Aggregate("evt", map[string]float64{"nn": 0.4}, nil, []string{"xgb"}, exampleCalibration, nil, 5)
		if !errors.Is(err, domain.ErrInvalidScore) {
			t.Errorf("expected ErrInvalidScore, got %v", err)
		}
	})

	t.Run("UnknownComponent", func(t *testing.T) {
		weights := map[string]float64{"xgb": 0.5, "nn": 0.3, "rules": 0.2}
		components := map[string]float64{"xgb": 0.95, "nn": 0.95, "rules": 0.95}
		if _, err := Aggregate("evt", components, weights, nil, exampleCalibration, nil, 5); err != nil {
			t.Fatalf("Aggregate failed: %v", err)
		}

		components["shadow"] = 0
		_, err := Aggregate("evt", components, weights, nil, exampleCalibration, nil, 5)
		if !errors.Is(err, domain.ErrInvalidScore) {
			t.Errorf("expected ErrInvalidScore for an unweighted component, got %v", err)
		}
	})

	t.Run("EmptyComponents", func(t *testing.T) {
		_, err := Aggregate("evt", nil, nil, nil, exampleCalibration, nil, 5)
		if !errors.Is(err, domain.ErrInvalidScore) {
			t.Errorf("expected ErrInvalidScore, got %v", err)
		}
	})

	t.Run("CalibrationMonotonic", func(t *testing.T) {
		prev := -1.0
		for i := 0; i <= 100; i++ {
			x := float64(i) / 100
			bundle, err := Aggregate("evt", map[string]float64{"xgb": x}, equalWeights(), nil, exampleCalibration, nil, 5)
			if err != nil {
				t.Fatalf("Aggregate(%v) failed: %v", x, err)
			}
			if bundle.Calibrated < prev {
				t.Fatalf("calibrated decreased at ensemble %.2f: %.6f < %.6f", x, bundle.Calibrated, prev)
			}
			prev = bundle.Calibrated
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		components := map[string]float64{"xgb": 0.31, "nn": 0.47, "rules": 0.12}
		first, _ := Aggregate("evt", components, equalWeights(), nil, exampleCalibration, nil, 5)
		for i := 0; i < 20; i++ {
			again, _ := Aggregate("evt", components, equalWeights(), nil, exampleCalibration, nil, 5)
			if again.Ensemble != first.Ensemble || again.Calibrated != first.Calibrated {
				t.Fatal("aggregation is not deterministic")
			}
		}
	})
}

func TestExplain(t *testing.T) {
	t.Run("RankedByMagnitudeThenName", func(t *testing.T) {
		got := Explain(map[string]float64{
			"ip_risk":      0.35,
			"amount":       -0.35,
			"velocity_1h":  0.10,
			"geo":          0.50,
			"merchant_low": 0.01,
		}, 3)

		want := []string{"geo", "amount", "ip_risk"}
		if len(got) != len(want) {
			t.Fatalf("expected %d entries, got %d", len(want), len(got))
		}
		for i, name := range want {
			if got[i].Feature != name {
				t.Errorf("position %d: expected %s, got %s", i, name, got[i].Feature)
			}
		}
	})

	t.Run("ComponentFallback", func(t *testing.T) {
		bundle, err := Aggregate("evt", map[string]float64{"xgb": 0.9, "nn": 0.1}, equalWeights(), nil, exampleCalibration, nil, 5)
		if err != nil {
			t.Fatalf("Aggregate failed: %v", err)
		}
		if len(bundle.Explanation) != 2 || bundle.Explanation[0].Feature != "xgb" {
			t.Errorf("expected xgb to lead the explanation, got %+v", bundle.Explanation)
		}
	})
}

func TestNewAggregator(t *testing.T) {
	t.Run("RejectsNonPositiveSlope", func(t *testing.T) {
		cfg := domain.DefaultConfig().Scoring
		cfg.CalibrationA = 0
		if _, err := NewAggregator(cfg); err == nil {
			t.Error("expected error for zero slope")
		}
	})

	t.Run("UsesConfiguredWeights", func(t *testing.T) {
		agg, err := NewAggregator(domain.DefaultConfig().Scoring)
		if err != nil {
			t.Fatalf("NewAggregator failed: %v", err)
		}
		bundle, err := agg.Aggregate(Input{
			EventID:    "evt",
			Components: map[string]float64{"xgb": 0.72, "nn": 0.69, "rules": 0.70},
		})
		if err != nil {
			t.Fatalf("Aggregate failed: %v", err)
		}
		want := 0.5*0.72 + 0.3*0.69 + 0.2*0.70
		if math.Abs(bundle.Ensemble-want) > 1e-9 {
			t.Errorf("expected ensemble %.5f, got %.5f", want, bundle.Ensemble)
		}

		_, err = agg.Aggregate(Input{
			EventID:    "evt",
			Components: map[string]float64{"xgb": 0.95, "nn": 0.95, "rules": 0.95, "shadow": 0},
		})
		if !errors.Is(err, domain.ErrInvalidScore) {
			t.Errorf("expected ErrInvalidScore, got %v", err)
		}
	})
}
