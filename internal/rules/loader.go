package rules

import (
	"fmt"
	"os"

	"github.com/opensource-finance/fraudops/internal/domain"
	"gopkg.in/yaml.v3"
)

// File is the on-disk rule set.
type File struct {
	Rules   []*domain.RuleConfig `yaml:"rules"`
	Signals []domain.SignalRule  `yaml:"signals"`
}

// LoadFile reads a YAML rule set. Sections left empty fall back to the builtins.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rule set.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: rules file: %v", domain.ErrInvalidInput, err)
	}
	if len(f.Rules) == 0 {
		f.Rules = BuiltinRules()
	}
	if len(f.Signals) == 0 {
		f.Signals = BuiltinSignalRules()
	}
	return &f, nil
}
