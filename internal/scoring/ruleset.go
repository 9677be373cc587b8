package scoring

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Flag names of the default ruleset
const (
	FlagShortStayHighCost = "short_stay_high_cost"
	FlagSeverityMismatch  = "severity_mismatch"
	FlagHighCostFullPaid  = "high_cost_full_paid"
	FlagDuplicatePattern  = "duplicate_pattern"
)

// DefaultRulesetVersion identifies the built-in ruleset
const DefaultRulesetVersion = "RULESET_v1"

// FlagRule is one named boolean condition with its risk weight
type FlagRule struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description" json:"description"`
	Expression  string  `yaml:"expression" json:"expression"`
	Weight      float64 `yaml:"weight" json:"weight"`
}

// Ruleset is an ordered list of flag rules. Flags are reported in this order.
type Ruleset struct {
	Version string     `yaml:"version" json:"version"`
	Flags   []FlagRule `yaml:"flags" json:"flags"`
}

// DefaultRuleset returns the built-in flags under the given version label
func DefaultRuleset(version string) Ruleset {
	if version == "" {
		version = DefaultRulesetVersion
	}
	return Ruleset{
		Version: version,
		Flags: []FlagRule{
			{
				Name:        FlagShortStayHighCost,
				Description: "LOS of at most 1 day while the claimed amount exceeds the peer group P90",
				Expression:  `has_peer_p90 && has_amount_claimed && los <= 1.0 && amount_claimed > peer_p90`,
				Weight:      0.8,
			},
			{
				Name:        FlagSeverityMismatch,
				Description: "Severity recorded as mild but the cost exceeds the peer group P90",
				Expression:  `has_peer_p90 && has_amount_claimed && severity_group == "ringan" && amount_claimed > peer_p90`,
				Weight:      0.7,
			},
			{
				Name:        FlagHighCostFullPaid,
				Description: "High cost paid almost in full (ratio of at least 95%) with a z-score above 2",
				Expression:  `bpjs_payment_ratio >= 0.95 && cost_zscore > 2.0`,
				Weight:      0.5,
			},
			{
				Name:        FlagDuplicatePattern,
				Description: "Another claim with an identical diagnosis or procedure for the same patient within 3 days",
				Expression:  `duplicate_pattern`,
				Weight:      0.6,
			},
		},
	}
}

// LoadRuleset reads a ruleset file in YAML
func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ruleset: %w", err)
	}

	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse ruleset: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks that flag names are unique and weights lie in [0,1]
func (rs Ruleset) Validate() error {
	if rs.Version == "" {
		return errors.New("ruleset version is required")
	}

	seen := make(map[string]bool, len(rs.Flags))
	for _, f := range rs.Flags {
		if f.Name == "" {
			return errors.New("ruleset flag name is required")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate ruleset flag %s", f.Name)
		}
		seen[f.Name] = true

		if f.Weight < 0 || f.Weight > 1 {
			return fmt.Errorf("weight of flag %s must be between 0 and 1", f.Name)
		}
	}
	return nil
}
