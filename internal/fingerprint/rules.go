package fingerprint

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Action says how a flag takes part in the fingerprint
type Action string

const (
	ActionHash         Action = "hash"
	ActionHashSorted   Action = "hash_sorted"
	ActionIgnore       Action = "ignore"
	ActionNotCacheable Action = "not_cacheable"
)

// ValueForm says where a flag's argument lives
type ValueForm string

const (
	ValueNone             ValueForm = "none"
	ValueSeparate         ValueForm = "separate"
	ValueJoined           ValueForm = "joined"
	ValueEquals           ValueForm = "equals"
	ValueSeparateOrJoined ValueForm = "separate_or_joined"
	ValueSeparateOrEquals ValueForm = "separate_or_equals"
)

// Rule classifies one flag
type Rule struct {
	Flag   string    `yaml:"flag"`
	Prefix string    `yaml:"prefix"`
	Value  ValueForm `yaml:"value"`
	Action Action    `yaml:"action"`
	Role   string    `yaml:"role"`
	Reason string    `yaml:"reason"`
}

// FamilyRules is the classification table for one compiler family
type FamilyRules struct {
	// Unknown is the action for flags no rule matches (hash or not_cacheable)
	Unknown Action `yaml:"unknown"`

	// Env lists output-affecting environment variables; a trailing * matches a prefix
	Env []string `yaml:"env"`

	Rules []Rule `yaml:"rules"`
}

// Rules holds the classification tables of every family
type Rules struct {
	CC   FamilyRules `yaml:"cc"`
	Rust FamilyRules `yaml:"rust"`
}

// DefaultRules returns the built-in classification table
func DefaultRules() (*Rules, error) {
	return ParseRules(defaultRules)
}

// LoadRules reads a classification table from path.
// Families missing from the file keep their built-in tables.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	rules, err := DefaultRules()
	if err != nil {
		return nil, err
	}

	var override Rules
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	if len(override.CC.Rules) > 0 {
		rules.CC = override.CC
	}

	if len(override.Rust.Rules) > 0 {
		rules.Rust = override.Rust
	}

	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}

	return rules, nil
}

// ParseRules parses a YAML classification table
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	if err := rules.Validate(); err != nil {
		return nil, err
	}

	return &rules, nil
}

// Validate checks every rule is well formed
func (r *Rules) Validate() error {
	for name, fam := range map[string]*FamilyRules{"cc": &r.CC, "rust": &r.Rust} {
		if fam.Unknown == "" {
			fam.Unknown = ActionNotCacheable
		}

		switch fam.Unknown {
		case ActionHash, ActionNotCacheable:
		default:
			return fmt.Errorf("%s: unknown must be hash or not_cacheable, got %q", name, fam.Unknown)
		}

		for i := range fam.Rules {
			rule := &fam.Rules[i]

			if (rule.Flag == "") == (rule.Prefix == "") {
				return fmt.Errorf("%s rule %d: exactly one of flag or prefix is required", name, i)
			}

			if rule.Prefix != "" {
				rule.Value = ValueNone
			} else if rule.Value == "" {
				rule.Value = ValueNone
			}

			switch rule.Value {
			case ValueNone, ValueSeparate, ValueJoined, ValueEquals, ValueSeparateOrJoined, ValueSeparateOrEquals:
			default:
				return fmt.Errorf("%s rule %d (%s): unknown value form %q", name, i, rule.name(), rule.Value)
			}

			switch rule.Action {
			case ActionHash, ActionHashSorted, ActionIgnore:
			case ActionNotCacheable:
				if rule.Reason == "" {
					rule.Reason = "unsupported flag " + rule.name()
				}
			default:
				return fmt.Errorf("%s rule %d (%s): unknown action %q", name, i, rule.name(), rule.Action)
			}
		}
	}

	return nil
}

func (r Rule) name() string {
	if r.Flag != "" {
		return r.Flag
	}

	return r.Prefix + "*"
}

// envMatcher returns a predicate for the family's output-affecting variables
func (f *FamilyRules) envMatcher() func(string) bool {
	return func(key string) bool {
		for _, pattern := range f.Env {
			if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
				if strings.HasPrefix(key, prefix) {
					return true
				}
			} else if key == pattern {
				return true
			}
		}
		return false
	}
}
