package domain

// RuleConfig defines a feature rule feeding the "rules" component score.
type RuleConfig struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`

	// CEL expression returning bool, int or double
	Expression string `json:"expression" yaml:"expression"`

	// Feature the rule's score is attributed to in explanations
	Feature string `json:"feature" yaml:"feature"`

	// Multiplier applied to the expression result
	Weight float64 `json:"weight" yaml:"weight"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// SignalRule derives one boolean policy signal from the signal context.
type SignalRule struct {
	Signal     string `json:"signal" yaml:"signal"`
	Expression string `json:"expression" yaml:"expression"`
}

// RuleResult is the output of a rule evaluation.
type RuleResult struct {
	RuleID    string  `json:"rule_id"`
	Feature   string  `json:"feature"`
	Score     float64 `json:"score"`
	Fired     bool    `json:"fired"`
	Error     string  `json:"error,omitempty"`
	ProcessMs int64   `json:"process_ms"`
}
