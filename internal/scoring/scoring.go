// Package scoring combines component model scores into a calibrated risk.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/fraudops/internal/domain"
)

// Calibration is a versioned Platt mapping p = 1 / (1 + exp(-(A*x + B))).
// A must be positive so the mapping is monotonic non-decreasing.
type Calibration struct {
	A       float64 `json:"a"`
	B       float64 `json:"b"`
	Version string  `json:"version"`
}

// Apply maps an ensemble score to a calibrated probability.
func (c Calibration) Apply(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-(c.A*x + c.B)))
}

// Validate checks the mapping is usable.
func (c Calibration) Validate() error {
	if !(c.A > 0) || math.IsInf(c.A, 0) {
		return fmt.Errorf("%w: calibration slope must be positive", domain.ErrInvalidInput)
	}
	if math.IsNaN(c.B) || math.IsInf(c.B, 0) {
		return fmt.Errorf("%w: calibration intercept must be finite", domain.ErrInvalidInput)
	}
	return nil
}

// Aggregator applies ensemble weights and the active calibration.
// It holds no mutable state and is safe for concurrent use.
type Aggregator struct {
	weights     map[string]float64
	required    []string
	calibration Calibration
	topK        int
}

// NewAggregator creates an aggregator from scoring configuration.
func NewAggregator(cfg domain.ScoringConfig) (*Aggregator, error) {
	cal := Calibration{A: cfg.CalibrationA, B: cfg.CalibrationB, Version: cfg.ModelVersion}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	for name, w := range cfg.Weights {
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("%w: weight for %s must not be negative", domain.ErrInvalidInput, name)
		}
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	weights := make(map[string]float64, len(cfg.Weights))
	for k, v := range cfg.Weights {
		weights[k] = v
	}
	return &Aggregator{
		weights:     weights,
		required:    append([]string(nil), cfg.RequiredComponents...),
		calibration: cal,
		topK:        topK,
	}, nil
}

// Calibration returns the active calibration mapping.
func (a *Aggregator) Calibration() Calibration {
	return a.calibration
}

// Weights returns a copy of the configured ensemble weights.
func (a *Aggregator) Weights() map[string]float64 {
	out := make(map[string]float64, len(a.weights))
	for k, v := range a.weights {
		out[k] = v
	}
	return out
}

// Input is one aggregation request.
type Input struct {
	EventID    string
	Components map[string]float64
	// Attributions are per-feature contributions reported by the component
	// models. When empty the explanation ranks component contributions.
	Attributions map[string]float64
}

// Aggregate produces the ScoreBundle for one event.
// The weights are always the configured ones.
func (a *Aggregator) Aggregate(in Input) (*domain.ScoreBundle, error) {
	return Aggregate(in.EventID, in.Components, a.weights, a.required, a.calibration, in.Attributions, a.topK)
}

// Aggregate is the pure aggregation function.
// Weights are renormalized over the components that are present. A component
// without a weight is rejected with ErrInvalidScore.
func Aggregate(eventID string, components, weights map[string]float64, required []string, cal Calibration, attributions map[string]float64, topK int) (*domain.ScoreBundle, error) {
	if len(components) == 0 {
		return nil, fmt.Errorf("%w: no component scores", domain.ErrInvalidScore)
	}
	for _, name := range required {
		if _, ok := components[name]; !ok {
			return nil, fmt.Errorf("%w: required component %s missing", domain.ErrInvalidScore, name)
		}
	}

	names := make([]string, 0, len(components))
	for name, s := range components {
		if math.IsNaN(s) || s < 0 || s > 1 {
			return nil, fmt.Errorf("%w: component %s = %v outside [0,1]", domain.ErrInvalidScore, name, s)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	effective := make(map[string]float64, len(names))
	var total float64
	for _, name := range names {
		w, ok := weights[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown component %s", domain.ErrInvalidScore, name)
		}
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("%w: weight for %s must not be negative", domain.ErrInvalidScore, name)
		}
		effective[name] = w
		total += w
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: component weights sum to zero", domain.ErrInvalidScore)
	}

	var ensemble float64
	componentContrib := make(map[string]float64, len(names))
	for _, name := range names {
		effective[name] /= total
		c := effective[name] * components[name]
		componentContrib[name] = c
		ensemble += c
	}
	// guard accumulated rounding
	ensemble = math.Min(1, math.Max(0, ensemble))

	source := attributions
	if len(source) == 0 {
		source = componentContrib
	}

	scores := make(map[string]float64, len(components))
	for k, v := range components {
		scores[k] = v
	}

	return &domain.ScoreBundle{
		EventID:      eventID,
		Components:   scores,
		Weights:      effective,
		Ensemble:     ensemble,
		Calibrated:   cal.Apply(ensemble),
		Explanation:  Explain(source, topK),
		ModelVersion: cal.Version,
	}, nil
}

// Explain ranks contributions by descending magnitude, ties by name.
func Explain(contributions map[string]float64, topK int) []domain.Contribution {
	out := make([]domain.Contribution, 0, len(contributions))
	for name, c := range contributions {
		out = append(out, domain.Contribution{Feature: name, Contribution: c})
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].Contribution), math.Abs(out[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return out[i].Feature < out[j].Feature
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}
