package rules

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/shopspring/decimal"
)

func testVector() *domain.FeatureVector {
	return &domain.FeatureVector{
		EventID:       "evt-1",
		EntityID:      "acct-1",
		Amount:        decimal.NewFromInt(150),
		Currency:      "USD",
		Channel:       "card",
		Velocity1h:    1,
		Velocity24h:   4,
		IPRisk:        0.1,
		GeoDistanceKm: 12,
		MerchantRisk:  0.2,
		AgeDays:       400,
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "test-rule-001",
		Name:       "Test Rule",
		Expression: "amount > 100.0",
		Feature:    domain.FeatureAmount,
		Weight:     1.0,
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	tests := []struct {
		name string
		rule *domain.RuleConfig
	}{
		{"BadSyntax", &domain.RuleConfig{ID: "r", Feature: "amount", Expression: "this is not valid CEL !!!"}},
		{"StringResult", &domain.RuleConfig{ID: "r", Feature: "amount", Expression: "currency"}},
		{"UnknownVariable", &domain.RuleConfig{ID: "r", Feature: "amount", Expression: "payee_id == entity_id"}},
		{"NoFeature", &domain.RuleConfig{ID: "r", Expression: "amount > 1.0"}},
		{"NoID", &domain.RuleConfig{Feature: "amount", Expression: "amount > 1.0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.ValidateRule(tt.rule); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if engine.RulesCount() != 0 {
		t.Error("validation must not load rules")
	}
}

func TestEvaluateRules(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{
		ID:         "amount-check",
		Expression: "amount > 1000.0 ? 1.0 : 0.0",
		Feature:    domain.FeatureAmount,
		Weight:     0.5,
		Enabled:    true,
	})
	engine.LoadRule(&domain.RuleConfig{
		ID:         "card-channel",
		Expression: "channel == 'card'",
		Feature:    "channel",
		Weight:     0.1,
		Enabled:    true,
	})

	ctx := context.Background()
	fv := testVector()

	results, err := engine.EvaluateAll(ctx, fv)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// Ordered by ID
	if results[0].RuleID != "amount-check" || results[1].RuleID != "card-channel" {
		t.Errorf("unexpected order: %s, %s", results[0].RuleID, results[1].RuleID)
	}
	if results[0].Fired || results[0].Score != 0 {
		t.Errorf("amount rule should not fire for 150: %+v", results[0])
	}
	if !results[1].Fired || results[1].Score != 0.1 {
		t.Errorf("channel rule should fire with 0.1: %+v", results[1])
	}

	fv.Amount = decimal.NewFromInt(5000)
	results, _ = engine.EvaluateAll(ctx, fv)
	if results[0].Score != 0.5 {
		t.Errorf("expected weighted score 0.5, got %.2f", results[0].Score)
	}
}

func TestScore(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()
	if err := engine.LoadRules(BuiltinRules()); err != nil {
		t.Fatalf("failed to load builtin rules: %v", err)
	}

	ctx := context.Background()

	t.Run("QuietEvent", func(t *testing.T) {
		score, attributions, err := engine.Score(ctx, testVector())
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if score != 0 || len(attributions) != 0 {
			t.Errorf("expected zero score, got %.2f %v", score, attributions)
		}
	})

	t.Run("RiskyEvent", func(t *testing.T) {
		fv := testVector()
		fv.IPRisk = 0.9
		fv.GeoDistanceKm = 4000
		score, attributions, err := engine.Score(ctx, fv)
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if math.Abs(score-0.55) > 1e-9 {
			t.Errorf("expected 0.55, got %v", score)
		}
		if len(attributions) != 2 || attributions[0].Feature != domain.FeatureGeoDistanceKm {
			t.Errorf("unexpected attributions %v", attributions)
		}
	})

	t.Run("CappedAtOne", func(t *testing.T) {
		fv := testVector()
		fv.Amount = decimal.NewFromInt(9000)
		fv.Velocity1h = 20
		fv.IPRisk = 0.95
		fv.GeoDistanceKm = 5000
		fv.MerchantRisk = 0.9
		score, _, _ := engine.Score(ctx, fv)
		if score != 1 {
			t.Errorf("expected score capped at 1, got %v", score)
		}
	})

	t.Run("NilVector", func(t *testing.T) {
		if _, _, err := engine.Score(ctx, nil); err == nil {
			t.Error("expected error for nil vector")
		}
	})
}

func TestExtensions(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	err := engine.LoadRule(&domain.RuleConfig{
		ID:         "new-device",
		Expression: "'new_device' in ext && ext['new_device'] == true",
		Feature:    "new_device",
		Weight:     0.3,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	fv := testVector()
	fv.Extensions = map[string]any{"new_device": true}
	score, _, err := engine.Score(context.Background(), fv)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score != 0.3 {
		t.Errorf("expected 0.3, got %v", score)
	}
}

func TestParallelExecution(t *testing.T) {
	engine, _ := NewEngine(3)
	defer engine.Close()

	for i := 0; i < 10; i++ {
		engine.LoadRule(&domain.RuleConfig{
			ID:         fmt.Sprintf("rule-%d", i),
			Expression: "amount > 0.0",
			Feature:    domain.FeatureAmount,
			Weight:     1.0,
			Enabled:    true,
		})
	}

	results, err := engine.EvaluateAll(context.Background(), testVector())
	if err != nil {
		t.Fatalf("parallel evaluation failed: %v", err)
	}
	if len(results) != 10 {
		t.Errorf("expected 10 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Score != 1.0 {
			t.Errorf("rule %d: expected score 1.0, got %.2f", i, r.Score)
		}
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRules(BuiltinRules())
	if engine.RulesCount() != len(BuiltinRules()) {
		t.Fatalf("expected %d rules, got %d", len(BuiltinRules()), engine.RulesCount())
	}

	disabled := &domain.RuleConfig{ID: "off", Feature: "amount", Expression: "true", Enabled: false}
	only := &domain.RuleConfig{ID: "only", Feature: "amount", Expression: "true", Enabled: true}
	if err := engine.ReloadRules([]*domain.RuleConfig{disabled, only}); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	loaded := engine.GetLoadedRules()
	if len(loaded) != 1 || loaded[0].ID != "only" {
		t.Errorf("unexpected loaded rules %v", loaded)
	}

	bad := &domain.RuleConfig{ID: "bad", Feature: "amount", Expression: "amount +", Enabled: true}
	if err := engine.ReloadRules([]*domain.RuleConfig{bad}); err == nil {
		t.Error("expected reload error")
	}
	if engine.RulesCount() != 1 {
		t.Error("failed reload must keep the previous rules")
	}
}
