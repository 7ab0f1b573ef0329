// Package policy evaluates versioned decision policies.
package policy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/fraudops/internal/domain"
)

// Evaluate selects the action for a calibrated score under a policy.
// Groups are tried in fixed order and the first matching condition set
// wins. When nothing matches the result is ErrPolicyGap.
func Evaluate(calibrated float64, signals domain.SignalSet, p *domain.PolicyVersion) (*domain.Decision, error) {
	if p == nil {
		return nil, domain.ErrNoActivePolicy
	}
	if math.IsNaN(calibrated) || calibrated < 0 || calibrated > 1 {
		return nil, fmt.Errorf("%w: calibrated score %v outside [0,1]", domain.ErrInvalidScore, calibrated)
	}

	for _, group := range p.Groups() {
		for _, cond := range group.Conditions {
			if !cond.Matches(calibrated, signals) {
				continue
			}
			reasons := make([]string, len(cond.Reasons))
			copy(reasons, cond.Reasons)
			return &domain.Decision{
				Risk:          calibrated,
				Action:        group.Kind.Action(),
				Reasons:       reasons,
				PolicyVersion: p.Version,
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: policy %s, calibrated %.4f", domain.ErrPolicyGap, p.Version, calibrated)
}

// Validate rejects policies that cannot be published.
func Validate(p *domain.PolicyVersion) error {
	if p == nil {
		return fmt.Errorf("%w: policy is required", domain.ErrInvalidInput)
	}
	if p.Version == "" {
		return fmt.Errorf("%w: policy version is required", domain.ErrInvalidInput)
	}

	total := 0
	for _, group := range p.Groups() {
		for i, cond := range group.Conditions {
			total++
			where := fmt.Sprintf("%s[%d]", group.Kind, i)

			if len(cond.Reasons) == 0 {
				return fmt.Errorf("%w: %s has no reason codes", domain.ErrInvalidInput, where)
			}
			for _, r := range cond.Reasons {
				if r == "" {
					return fmt.Errorf("%w: %s has an empty reason code", domain.ErrInvalidInput, where)
				}
			}
			if cond.Score == nil && len(cond.Signals) == 0 {
				return fmt.Errorf("%w: %s has no conditions", domain.ErrInvalidInput, where)
			}
			if err := validateRange(cond.Score); err != nil {
				return fmt.Errorf("%w: %s: %v", domain.ErrInvalidInput, where, err)
			}
			for name := range cond.Signals {
				if !domain.KnownSignals[name] {
					return fmt.Errorf("%w: %s references unknown signal %q", domain.ErrInvalidInput, where, name)
				}
			}
			if group.Kind == domain.GroupEscalate && !hasEscalationSignal(cond) {
				return fmt.Errorf("%w: %s must require an escalation signal", domain.ErrInvalidInput, where)
			}
		}
	}
	if total == 0 {
		return fmt.Errorf("%w: policy %s has no condition sets", domain.ErrInvalidInput, p.Version)
	}
	return nil
}

func validateRange(r *domain.ScoreRange) error {
	if r == nil {
		return nil
	}
	if r.Min == nil && r.Max == nil {
		return fmt.Errorf("score range has no bounds")
	}
	if r.Min != nil && (math.IsNaN(*r.Min) || *r.Min < 0 || *r.Min > 1) {
		return fmt.Errorf("score lower bound %v outside [0,1]", *r.Min)
	}
	if r.Max != nil && (math.IsNaN(*r.Max) || *r.Max < 0 || *r.Max > 1) {
		return fmt.Errorf("score upper bound %v outside [0,1]", *r.Max)
	}
	if r.Min != nil && r.Max != nil && *r.Min >= *r.Max {
		return fmt.Errorf("score range [%v,%v) is empty", *r.Min, *r.Max)
	}
	return nil
}

func hasEscalationSignal(c domain.ConditionSet) bool {
	for name, want := range c.Signals {
		if want && domain.EscalationSignals[name] {
			return true
		}
	}
	return false
}

// Gaps samples the score axis under every signal combination the policy
// references and returns the scores that would fall through. It is used
// to warn operators at publish time; evaluation still reports ErrPolicyGap.
func Gaps(p *domain.PolicyVersion, step float64) []float64 {
	if step <= 0 {
		step = 0.01
	}
	names := referencedSignals(p)
	var gaps []float64
	seen := make(map[float64]bool)
	combos := 1 << len(names)
	for mask := 0; mask < combos; mask++ {
		signals := make(domain.SignalSet, len(names))
		for i, name := range names {
			signals[name] = mask&(1<<i) != 0
		}
		for x := 0.0; x <= 1.0+1e-9; x += step {
			v := math.Min(x, 1)
			if _, err := Evaluate(v, signals, p); err != nil && !seen[v] {
				seen[v] = true
				gaps = append(gaps, v)
			}
		}
	}
	return gaps
}

func referencedSignals(p *domain.PolicyVersion) []string {
	set := make(map[string]bool)
	var names []string
	for _, g := range p.Groups() {
		for _, c := range g.Conditions {
			for name := range c.Signals {
				if !set[name] {
					set[name] = true
					names = append(names, name)
				}
			}
		}
	}
	sort.Strings(names)
	return names
}

// Stamp fills in the lifecycle timestamps of a newly published policy.
func Stamp(p *domain.PolicyVersion, now time.Time) {
	p.CreatedAt = now
	if p.EffectiveAt.IsZero() {
		p.EffectiveAt = now
	}
	p.Active = false
	p.SupersededAt = nil
}
