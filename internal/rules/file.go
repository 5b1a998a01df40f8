package rules

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/secmon/internal/security"
)

// ruleFile is the on-disk format for operator-defined threshold rules.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name        string `yaml:"name"`
	Trigger     string `yaml:"trigger"`
	Threshold   int    `yaml:"threshold"`
	Window      string `yaml:"window"`
	Severity    string `yaml:"severity"`
	Action      string `yaml:"action"`
	Description string `yaml:"description"`
}

// LoadFile reads threshold rules from a YAML file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes threshold rules from YAML.
func Parse(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	out := make([]Rule, 0, len(f.Rules))
	for i, s := range f.Rules {
		r, err := s.build()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s ruleSpec) build() (Rule, error) {
	if s.Name == "" {
		return Rule{}, fmt.Errorf("name is required")
	}
	trigger := security.EventType(s.Trigger)
	if !trigger.Known() {
		return Rule{}, fmt.Errorf("%s: unknown trigger %q", s.Name, s.Trigger)
	}
	if s.Threshold < 1 {
		return Rule{}, fmt.Errorf("%s: threshold must be at least 1", s.Name)
	}
	window, err := time.ParseDuration(s.Window)
	if err != nil || window <= 0 {
		return Rule{}, fmt.Errorf("%s: invalid window %q", s.Name, s.Window)
	}
	severity, err := security.ParseSeverity(s.Severity)
	if err != nil {
		return Rule{}, fmt.Errorf("%s: %w", s.Name, err)
	}
	action := Action(s.Action)
	if !action.Valid() {
		return Rule{}, fmt.Errorf("%s: invalid action %q", s.Name, s.Action)
	}

	r := ThresholdRule(s.Name, trigger, s.Threshold, window, severity, action, s.Description)
	return r, r.validate()
}
