package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// FeatureVector is the scored view of a single transaction or claim event.
// It is built once by the feature pipeline and never mutated afterwards.
type FeatureVector struct {
	EventID   string          `json:"event_id"`
	EntityID  string          `json:"entity_id"`
	Timestamp time.Time       `json:"timestamp"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
	Channel   string          `json:"channel"`

	// Event counts for the entity over trailing windows
	Velocity1h  int `json:"velocity_1h"`
	Velocity24h int `json:"velocity_24h"`
	Velocity7d  int `json:"velocity_7d"`

	IPRisk            float64 `json:"ip_risk"`
	GeoDistanceKm     float64 `json:"geo_distance_km"`
	MerchantRisk      float64 `json:"merchant_risk"`
	AgeDays           int     `json:"age_days"`
	DeviceFingerprint string  `json:"device_fingerprint,omitempty"`
	IPAddress         string  `json:"ip_address,omitempty"`
	FeaturesVersion   string  `json:"features_version"`

	// Extensions carries forward-compatible metadata that has no typed field yet.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Feature names exposed to rules, drift tracking and explanations.
const (
	FeatureAmount        = "amount"
	FeatureVelocity1h    = "velocity_1h"
	FeatureVelocity24h   = "velocity_24h"
	FeatureVelocity7d    = "velocity_7d"
	FeatureIPRisk        = "ip_risk"
	FeatureGeoDistanceKm = "geo_distance_km"
	FeatureMerchantRisk  = "merchant_risk"
	FeatureAgeDays       = "age_days"
)

// Validate checks the field ranges of the vector.
func (f *FeatureVector) Validate() error {
	if f.EventID == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidInput)
	}
	if f.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", ErrInvalidInput)
	}
	if f.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}
	if f.Velocity1h < 0 || f.Velocity24h < 0 || f.Velocity7d < 0 {
		return fmt.Errorf("%w: velocity counts must not be negative", ErrInvalidInput)
	}
	if !inUnit(f.IPRisk) {
		return fmt.Errorf("%w: ip_risk must be in [0,1]", ErrInvalidInput)
	}
	if !inUnit(f.MerchantRisk) {
		return fmt.Errorf("%w: merchant_risk must be in [0,1]", ErrInvalidInput)
	}
	if f.GeoDistanceKm < 0 || math.IsNaN(f.GeoDistanceKm) {
		return fmt.Errorf("%w: geo_distance_km must not be negative", ErrInvalidInput)
	}
	if f.AgeDays < 0 {
		return fmt.Errorf("%w: age_days must not be negative", ErrInvalidInput)
	}
	return nil
}

// Numeric returns the numeric features keyed by feature name.
func (f *FeatureVector) Numeric() map[string]float64 {
	return map[string]float64{
		FeatureAmount:        f.Amount.InexactFloat64(),
		FeatureVelocity1h:    float64(f.Velocity1h),
		FeatureVelocity24h:   float64(f.Velocity24h),
		FeatureVelocity7d:    float64(f.Velocity7d),
		FeatureIPRisk:        f.IPRisk,
		FeatureGeoDistanceKm: f.GeoDistanceKm,
		FeatureMerchantRisk:  f.MerchantRisk,
		FeatureAgeDays:       float64(f.AgeDays),
	}
}

// Stale reports whether the event is older than tolerance at now.
// A zero tolerance disables the check.
func (f *FeatureVector) Stale(now time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 || f.Timestamp.IsZero() {
		return false
	}
	return now.Sub(f.Timestamp) > tolerance
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}

// Contribution is one entry of a score explanation.
type Contribution struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
}

// ScoreBundle is the output of score aggregation for one event.
type ScoreBundle struct {
	EventID      string             `json:"event_id"`
	Components   map[string]float64 `json:"components"`
	Weights      map[string]float64 `json:"weights"`
	Ensemble     float64            `json:"ensemble"`
	Calibrated   float64            `json:"calibrated"`
	Explanation  []Contribution     `json:"explanation"`
	ModelVersion string             `json:"model_version"`
}

// Variance returns the population variance of the component scores.
func (b *ScoreBundle) Variance() float64 {
	if len(b.Components) == 0 {
		return 0
	}
	var sum float64
	for _, s := range b.Components {
		sum += s
	}
	mean := sum / float64(len(b.Components))
	var sq float64
	for _, s := range b.Components {
		sq += (s - mean) * (s - mean)
	}
	return sq / float64(len(b.Components))
}
