// Package rules provides the CEL-Go based rule evaluation engine.
//
// Feature rules score a FeatureVector and together form the "rules"
// component of the ensemble. Signal rules turn the signal context of an
// event into the boolean signals that policies match on.
package rules

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/fraudops/internal/domain"
)

// ComponentName is the ensemble component produced by the engine.
const ComponentName = "rules"

// Engine is the CEL-based feature rule engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable(domain.FeatureVelocity1h, cel.IntType),
		cel.Variable(domain.FeatureVelocity24h, cel.IntType),
		cel.Variable(domain.FeatureVelocity7d, cel.IntType),
		cel.Variable(domain.FeatureIPRisk, cel.DoubleType),
		cel.Variable(domain.FeatureGeoDistanceKm, cel.DoubleType),
		cel.Variable(domain.FeatureMerchantRisk, cel.DoubleType),
		cel.Variable(domain.FeatureAgeDays, cel.IntType),
		cel.Variable("ext", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// activation builds the CEL variables for a feature vector.
func activation(fv *domain.FeatureVector) map[string]any {
	ext := fv.Extensions
	if ext == nil {
		ext = map[string]any{}
	}
	return map[string]any{
		"amount":                    fv.Amount.InexactFloat64(),
		"currency":                  fv.Currency,
		"channel":                   fv.Channel,
		domain.FeatureVelocity1h:    int64(fv.Velocity1h),
		domain.FeatureVelocity24h:   int64(fv.Velocity24h),
		domain.FeatureVelocity7d:    int64(fv.Velocity7d),
		domain.FeatureIPRisk:        fv.IPRisk,
		domain.FeatureGeoDistanceKm: fv.GeoDistanceKm,
		domain.FeatureMerchantRisk:  fv.MerchantRisk,
		domain.FeatureAgeDays:       int64(fv.AgeDays),
		"ext":                       ext,
	}
}

// EvaluateAll evaluates all loaded rules in parallel.
// Results are ordered by rule ID.
func (e *Engine) EvaluateAll(ctx context.Context, fv *domain.FeatureVector) ([]domain.RuleResult, error) {
	if fv == nil {
		return nil, fmt.Errorf("%w: feature vector is required", domain.ErrInvalidInput)
	}

	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })

	vars := activation(fv)

	results := make([]domain.RuleResult, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = evaluateRule(r, vars)
		}(i, rule)
	}

	wg.Wait()

	return results, ctx.Err()
}

// Score evaluates the rules and folds them into the rules component:
// the weighted sum of rule outputs capped at 1, with per-feature attributions.
func (e *Engine) Score(ctx context.Context, fv *domain.FeatureVector) (float64, []domain.Contribution, error) {
	results, err := e.EvaluateAll(ctx, fv)
	if err != nil {
		return 0, nil, err
	}

	var total float64
	byFeature := make(map[string]float64)
	for _, r := range results {
		if !r.Fired {
			continue
		}
		total += r.Score
		byFeature[r.Feature] += r.Score
	}

	attributions := make([]domain.Contribution, 0, len(byFeature))
	for f, c := range byFeature {
		attributions = append(attributions, domain.Contribution{Feature: f, Contribution: c})
	}
	sort.Slice(attributions, func(i, j int) bool { return attributions[i].Feature < attributions[j].Feature })

	return math.Max(0, math.Min(1, total)), attributions, nil
}

// evaluateRule evaluates a single rule and returns the result.
func evaluateRule(rule *CompiledRule, vars map[string]any) domain.RuleResult {
	start := time.Now()

	result := domain.RuleResult{
		RuleID:  rule.Config.ID,
		Feature: rule.Config.Feature,
	}

	out, _, err := rule.Program.Eval(vars)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	weight := rule.Config.Weight
	if weight == 0 {
		weight = 1
	}
	raw := toScore(out)
	result.Score = raw * weight
	result.Fired = raw != 0
	result.ProcessMs = time.Since(start).Milliseconds()

	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		if math.IsNaN(float64(v)) {
			return 0
		}
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules atomically replaces the loaded rules.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// GetLoadedRules returns the currently loaded rule configurations, ordered by ID.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}
	if cfg.Feature == "" {
		return nil, fmt.Errorf("%w: rule %s has no attributed feature", domain.ErrInvalidInput, cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
