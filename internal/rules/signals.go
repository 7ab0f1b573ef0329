package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/fraudops/internal/domain"
)

// SignalContext is the input of signal rules for one event.
type SignalContext struct {
	ScoreVariance     float64
	ConflictThreshold float64
	Ensemble          float64
	Calibrated        float64
	Velocity1h        int
	Velocity24h       int
	Baseline1h        float64
	Baseline24h       float64
	Watchlisted       bool
	DeviceAccounts    int64
}

func (c SignalContext) vars() map[string]any {
	return map[string]any{
		"score_variance":     c.ScoreVariance,
		"conflict_threshold": c.ConflictThreshold,
		"ensemble":           c.Ensemble,
		"calibrated":         c.Calibrated,
		"velocity_1h":        int64(c.Velocity1h),
		"velocity_24h":       int64(c.Velocity24h),
		"baseline_1h":        c.Baseline1h,
		"baseline_24h":       c.Baseline24h,
		"watchlisted":        c.Watchlisted,
		"device_accounts":    c.DeviceAccounts,
	}
}

// SignalEngine derives policy signals with CEL.
type SignalEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
	rules    map[string]domain.SignalRule
}

// NewSignalEngine compiles the given signal rules.
func NewSignalEngine(rules []domain.SignalRule) (*SignalEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("score_variance", cel.DoubleType),
		cel.Variable("conflict_threshold", cel.DoubleType),
		cel.Variable("ensemble", cel.DoubleType),
		cel.Variable("calibrated", cel.DoubleType),
		cel.Variable("velocity_1h", cel.IntType),
		cel.Variable("velocity_24h", cel.IntType),
		cel.Variable("baseline_1h", cel.DoubleType),
		cel.Variable("baseline_24h", cel.DoubleType),
		cel.Variable("watchlisted", cel.BoolType),
		cel.Variable("device_accounts", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &SignalEngine{env: env}
	if err := e.Reload(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload replaces the signal rules. Every rule must name a known signal
// and return bool.
func (e *SignalEngine) Reload(rules []domain.SignalRule) error {
	programs := make(map[string]cel.Program, len(rules))
	byName := make(map[string]domain.SignalRule, len(rules))

	for _, r := range rules {
		if !domain.KnownSignals[r.Signal] {
			return fmt.Errorf("%w: unknown signal %q", domain.ErrInvalidInput, r.Signal)
		}
		if domain.EscalationSignals[r.Signal] {
			return fmt.Errorf("%w: signal %q is set by operators, not rules", domain.ErrInvalidInput, r.Signal)
		}
		ast, issues := e.env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("failed to compile signal %s: %w", r.Signal, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return fmt.Errorf("signal %s: expression must return bool, got %s", r.Signal, ast.OutputType())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return fmt.Errorf("failed to create program for signal %s: %w", r.Signal, err)
		}
		programs[r.Signal] = prg
		byName[r.Signal] = r
	}

	e.mu.Lock()
	e.programs = programs
	e.rules = byName
	e.mu.Unlock()
	return nil
}

// Derive evaluates every signal rule. A rule that fails to evaluate
// yields false for its signal and is reported in the returned error map.
func (e *SignalEngine) Derive(c SignalContext) (domain.SignalSet, map[string]error) {
	e.mu.RLock()
	programs := e.programs
	e.mu.RUnlock()

	vars := c.vars()
	out := make(domain.SignalSet, len(programs))
	var errs map[string]error

	for name, prg := range programs {
		val, _, err := prg.Eval(vars)
		if err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[name] = err
			out[name] = false
			continue
		}
		b, ok := val.(types.Bool)
		out[name] = ok && bool(b)
	}
	return out, errs
}

// Rules returns the loaded signal rules ordered by signal name.
func (e *SignalEngine) Rules() []domain.SignalRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.SignalRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signal < out[j].Signal })
	return out
}
