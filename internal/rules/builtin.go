package rules

import "github.com/opensource-finance/fraudops/internal/domain"

// BuiltinRules returns the default feature rules for the rules component.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:         "large-amount",
			Name:       "Large amount",
			Expression: "amount >= 2000.0",
			Feature:    domain.FeatureAmount,
			Weight:     0.2,
			Enabled:    true,
		},
		{
			ID:         "burst-velocity",
			Name:       "Hourly velocity burst",
			Expression: "velocity_1h >= 8",
			Feature:    domain.FeatureVelocity1h,
			Weight:     0.35,
			Enabled:    true,
		},
		{
			ID:         "risky-ip",
			Name:       "High risk IP",
			Expression: "ip_risk >= 0.8",
			Feature:    domain.FeatureIPRisk,
			Weight:     0.35,
			Enabled:    true,
		},
		{
			ID:         "geo-jump",
			Name:       "Distant location",
			Expression: "geo_distance_km > 1000.0",
			Feature:    domain.FeatureGeoDistanceKm,
			Weight:     0.2,
			Enabled:    true,
		},
		{
			ID:         "risky-merchant",
			Name:       "High risk merchant",
			Expression: "merchant_risk > 0.7",
			Feature:    domain.FeatureMerchantRisk,
			Weight:     0.2,
			Enabled:    true,
		},
	}
}

// BuiltinSignalRules returns the default signal derivations.
// Velocity is abnormal above 3x the hourly or 2x the daily baseline;
// an entity without history is treated as normal.
func BuiltinSignalRules() []domain.SignalRule {
	return []domain.SignalRule{
		{
			Signal:     domain.SignalWatchlistHit,
			Expression: "watchlisted",
		},
		{
			Signal:     domain.SignalConflictingSignals,
			Expression: "conflict_threshold > 0.0 && score_variance >= conflict_threshold",
		},
		{
			Signal: domain.SignalVelocityNormal,
			Expression: "(baseline_1h == 0.0 || double(velocity_1h) <= 3.0 * baseline_1h) && " +
				"(baseline_24h == 0.0 || double(velocity_24h) <= 2.0 * baseline_24h)",
		},
		{
			Signal:     domain.SignalGraphAnomaly,
			Expression: "device_accounts > 5",
		},
	}
}
