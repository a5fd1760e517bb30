// Package reference holds the built-in antigen catalogue, the antigen pair table and the
// canonical default rule set.
package reference

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/abid-rules-server/internal/domain"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Catalogue is the parsed reference data. Callers must treat it as read-only.
type Catalogue struct {
	Antigens     []domain.Antigen
	DefaultOrder []string
	Pairs        domain.AntigenPairs
	Rules        []domain.AntibodyRule
}

type catalogueFile struct {
	Antigens []struct {
		Name   string `yaml:"name"`
		System string `yaml:"system"`
	} `yaml:"antigens"`
	DefaultOrder []string            `yaml:"default_order"`
	Pairs        map[string][]string `yaml:"antigen_pairs"`
	Rules        []struct {
		TargetAntigen string         `yaml:"target_antigen"`
		RuleType      string         `yaml:"rule_type"`
		RuleData      map[string]any `yaml:"rule_data"`
		Description   string         `yaml:"description"`
	} `yaml:"rules"`
}

// Default parses the embedded reference data.
func Default() (*Catalogue, error) {
	return Parse(defaultsYAML)
}

// Parse decodes reference data in the embedded YAML layout. Every rule is validated.
func Parse(data []byte) (*Catalogue, error) {
	var f catalogueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse reference data: %w", err)
	}

	c := &Catalogue{
		DefaultOrder: f.DefaultOrder,
		Pairs:        domain.AntigenPairs(f.Pairs),
	}
	seen := make(map[string]bool, len(f.Antigens))
	for _, a := range f.Antigens {
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate antigen %q in reference data", a.Name)
		}
		seen[a.Name] = true
		c.Antigens = append(c.Antigens, domain.Antigen{Name: a.Name, System: a.System})
	}

	for i, r := range f.Rules {
		raw, err := json.Marshal(r.RuleData)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.TargetAntigen, err)
		}
		payload, err := domain.DecodeRuleData(domain.RuleType(r.RuleType), raw)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.TargetAntigen, err)
		}
		rule := domain.AntibodyRule{
			TargetAntigen: r.TargetAntigen,
			Data:          payload,
			Description:   r.Description,
			Enabled:       true,
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.TargetAntigen, err)
		}
		c.Rules = append(c.Rules, rule)
	}
	return c, nil
}

// System returns the blood group system of a built-in antigen.
func (c *Catalogue) System(antigen string) (string, bool) {
	for _, a := range c.Antigens {
		if a.Name == antigen {
			return a.System, true
		}
	}
	return "", false
}

// PairsFor returns the pair table restricted to the given antigens. Entries whose key is not
// known are dropped and partner lists are filtered to known antigens.
func (c *Catalogue) PairsFor(known []string) domain.AntigenPairs {
	out := make(domain.AntigenPairs)
	for antigen, partners := range c.Pairs {
		if !slices.Contains(known, antigen) {
			continue
		}
		kept := []string{}
		for _, p := range partners {
			if slices.Contains(known, p) {
				kept = append(kept, p)
			}
		}
		out[antigen] = kept
	}
	return out
}

// CloneRules returns a copy of the default rules safe for the caller to modify.
func (c *Catalogue) CloneRules() []domain.AntibodyRule {
	return slices.Clone(c.Rules)
}
