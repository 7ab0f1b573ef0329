package domain

import "time"

// GroupKind identifies a rule group. The set is closed.
type GroupKind string

const (
	GroupBlock    GroupKind = "block"
	GroupEscalate GroupKind = "escalate"
	GroupHold     GroupKind = "hold"
	GroupAllow    GroupKind = "allow"
)

// Action returns the decision action of the group.
func (k GroupKind) Action() Action {
	switch k {
	case GroupBlock:
		return ActionBlock
	case GroupEscalate:
		return ActionEscalate
	case GroupHold:
		return ActionHold
	default:
		return ActionAllow
	}
}

// ScoreRange bounds the calibrated score. Min is inclusive, Max exclusive.
// A nil bound is open.
type ScoreRange struct {
	Min *float64 `json:"gte,omitempty" yaml:"gte,omitempty"`
	Max *float64 `json:"lt,omitempty" yaml:"lt,omitempty"`
}

// Contains reports whether v falls inside the range.
func (r ScoreRange) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v >= *r.Max {
		return false
	}
	return true
}

// ConditionSet is a conjunction of sub-conditions with its reason codes.
type ConditionSet struct {
	Score   *ScoreRange     `json:"score,omitempty" yaml:"score,omitempty"`
	Signals map[string]bool `json:"signals,omitempty" yaml:"signals,omitempty"`
	Reasons []string        `json:"reasons" yaml:"reasons"`
}

// Matches reports whether every sub-condition holds.
func (c ConditionSet) Matches(calibrated float64, signals SignalSet) bool {
	if c.Score != nil && !c.Score.Contains(calibrated) {
		return false
	}
	for name, want := range c.Signals {
		if signals.Get(name) != want {
			return false
		}
	}
	return true
}

// RuleGroup is one ordered group of condition sets.
type RuleGroup struct {
	Kind       GroupKind
	Conditions []ConditionSet
}

// PolicyVersion is an immutable, versioned decision policy.
type PolicyVersion struct {
	Version      string         `json:"version" yaml:"version"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	EffectiveAt  time.Time      `json:"effective_at" yaml:"effective_at"`
	Block        []ConditionSet `json:"block" yaml:"block"`
	Escalate     []ConditionSet `json:"escalate,omitempty" yaml:"escalate,omitempty"`
	Hold         []ConditionSet `json:"hold" yaml:"hold"`
	Allow        []ConditionSet `json:"allow" yaml:"allow"`
	Active       bool           `json:"active" yaml:"-"`
	CreatedAt    time.Time      `json:"created_at" yaml:"-"`
	SupersededAt *time.Time     `json:"superseded_at,omitempty" yaml:"-"`
}

// Groups returns the rule groups in evaluation order.
// Block wins over everything; an explicit escalation outranks score-based hold/allow.
func (p *PolicyVersion) Groups() []RuleGroup {
	return []RuleGroup{
		{Kind: GroupBlock, Conditions: p.Block},
		{Kind: GroupEscalate, Conditions: p.Escalate},
		{Kind: GroupHold, Conditions: p.Hold},
		{Kind: GroupAllow, Conditions: p.Allow},
	}
}

// Bound returns a pointer to v for building ScoreRange literals.
func Bound(v float64) *float64 {
	return &v
}

// DefaultPolicy returns the built-in policy used when no version is stored.
func DefaultPolicy() *PolicyVersion {
	return &PolicyVersion{
		Version:     "v1.0",
		Description: "built-in default policy",
		Block: []ConditionSet{
			{Score: &ScoreRange{Min: Bound(0.90)}, Reasons: []string{"high_risk_score"}},
			{Score: &ScoreRange{Min: Bound(0.80)}, Signals: map[string]bool{SignalWatchlistHit: true}, Reasons: []string{"high_risk_score", "watchlist_match"}},
		},
		Escalate: []ConditionSet{
			{Signals: map[string]bool{SignalSupervisorEscalate: true}, Reasons: []string{"supervisor_escalation"}},
		},
		Hold: []ConditionSet{
			{Score: &ScoreRange{Min: Bound(0.70), Max: Bound(0.90)}, Reasons: []string{"medium_risk"}},
			{Signals: map[string]bool{SignalConflictingSignals: true}, Reasons: []string{"conflicting_signals"}},
		},
		Allow: []ConditionSet{
			{Score: &ScoreRange{Max: Bound(0.70)}, Reasons: []string{"low_risk"}},
			{Signals: map[string]bool{SignalVelocityNormal: true}, Reasons: []string{"normal_velocity"}},
		},
	}
}
