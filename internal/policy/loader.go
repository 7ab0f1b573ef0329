package policy

import (
	"bytes"
	"fmt"
	"os"

	"github.com/opensource-finance/fraudops/internal/domain"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a policy version from YAML and validates it.
func LoadFile(path string) (*domain.PolicyVersion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML policy and validates it.
func Parse(data []byte) (*domain.PolicyVersion, error) {
	var p domain.PolicyVersion
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: policy yaml: %v", domain.ErrInvalidInput, err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
