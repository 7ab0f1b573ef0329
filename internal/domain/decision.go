package domain

import "time"

// Action is the outcome chosen by the policy evaluator.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionHold     Action = "hold"
	ActionBlock    Action = "block"
	ActionEscalate Action = "escalate"
)

// RequiresCase reports whether the action opens an investigation case.
func (a Action) RequiresCase() bool {
	return a == ActionHold || a == ActionBlock || a == ActionEscalate
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionHold, ActionBlock, ActionEscalate:
		return true
	}
	return false
}

// Decision is the policy outcome for one event.
// This is also the payload published on TopicDecisions.
type Decision struct {
	EventID        string    `json:"event_id"`
	EntityID       string    `json:"entity_id"`
	Risk           float64   `json:"risk"`
	Action         Action    `json:"action"`
	Reasons        []string  `json:"reasons"`
	PolicyVersion  string    `json:"policy"`
	CaseID         string    `json:"case_id,omitempty"`
	DecisionTimeMs int64     `json:"decision_time_ms"`
	ModelVersion   string    `json:"model_version,omitempty"`
	DecidedAt      time.Time `json:"decided_at"`
}

// Signal names understood by policies.
const (
	SignalWatchlistHit       = "watchlist_hit"
	SignalConflictingSignals = "conflicting_signals"
	SignalVelocityNormal     = "velocity_normal"
	SignalGraphAnomaly       = "graph_anomaly"
	SignalSupervisorEscalate = "supervisor_escalate"
)

// KnownSignals is the closed set of signals a policy may reference.
var KnownSignals = map[string]bool{
	SignalWatchlistHit:       true,
	SignalConflictingSignals: true,
	SignalVelocityNormal:     true,
	SignalGraphAnomaly:       true,
	SignalSupervisorEscalate: true,
}

// EscalationSignals may appear in escalate condition sets.
var EscalationSignals = map[string]bool{
	SignalSupervisorEscalate: true,
}

// SignalSet holds the boolean context signals for one event.
// Absent signals read as false.
type SignalSet map[string]bool

// Get returns the signal value, false when absent.
func (s SignalSet) Get(name string) bool {
	return s[name]
}

// Clone returns a copy of the set.
func (s SignalSet) Clone() SignalSet {
	out := make(SignalSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
