package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// RuleType is the stored kind of an antibody rule.
type RuleType string

const (
	RuleSingle       RuleType = "single"
	RuleHomo         RuleType = "homo"
	RuleHetero       RuleType = "hetero"
	RuleABSpecific   RuleType = "abspecific"
	RuleLowFrequency RuleType = "lowf"
	RuleComposite    RuleType = "composite"
)

// DefaultHeteroRequiredCount applies when a stored hetero rule omits required_count.
const DefaultHeteroRequiredCount = 3

// RuleTypes lists every supported rule type.
var RuleTypes = []RuleType{RuleSingle, RuleHomo, RuleHetero, RuleABSpecific, RuleLowFrequency, RuleComposite}

// IsValid reports whether the rule type is supported.
func (t RuleType) IsValid() bool {
	return slices.Contains(RuleTypes, t)
}

func (t RuleType) String() string {
	return string(t)
}

// ExclusionKind names the pattern that ruled an antigen out. It is what ruled_out_details report.
type ExclusionKind string

const (
	ExcludedSingle       ExclusionKind = "single"
	ExcludedHomozygous   ExclusionKind = "homozygous"
	ExcludedHeterozygous ExclusionKind = "heterozygous"
	ExcludedABSpecific   ExclusionKind = "abspecific"
	ExcludedComposite    ExclusionKind = "composite"
	ExcludedLowFrequency ExclusionKind = "lowf"
)

// Precedence orders exclusion kinds when several fire for the same antigen.
// Lower values win.
func (k ExclusionKind) Precedence() int {
	switch k {
	case ExcludedSingle:
		return 0
	case ExcludedHomozygous:
		return 1
	case ExcludedHeterozygous:
		return 2
	case ExcludedABSpecific:
		return 3
	case ExcludedComposite:
		return 4
	case ExcludedLowFrequency:
		return 5
	default:
		return 99
	}
}

// ExclusionKinds lists the kinds in precedence order.
var ExclusionKinds = []ExclusionKind{
	ExcludedSingle, ExcludedHomozygous, ExcludedHeterozygous,
	ExcludedABSpecific, ExcludedComposite, ExcludedLowFrequency,
}

// RuleData is the type-specific payload of an antibody rule. The set of implementations is closed;
// evaluators switch on the concrete type.
type RuleData interface {
	Type() RuleType
	Validate(target string) error
	isRuleData()
}

// SingleRule rules out the target on one antigen-positive cell the patient did not react with.
type SingleRule struct {
	Antigens []string `json:"antigens"`
}

// HomoRule rules out an antigen using cells homozygous for it: antigen A present and its
// antithetical partner B absent.
type HomoRule struct {
	AntigenPairs  [][2]string `json:"antigen_pairs"`
	RequiredCount int         `json:"required_count,omitempty"`
}

// HeteroRule rules out antigen A only after RequiredCount heterozygous (A+ B+) non-reactive cells.
type HeteroRule struct {
	AntigenA      string `json:"antigen_a"`
	AntigenB      string `json:"antigen_b"`
	RequiredCount int    `json:"required_count"`
}

// ABSpecificRule applies only while Antibody is suspected: the target is ruled out after
// RequiredCount non-reactive cells expressing both Antigen1 and Antigen2. The target itself
// need not be one of the pair.
type ABSpecificRule struct {
	Antibody      string `json:"antibody"`
	Antigen1      string `json:"antigen1"`
	Antigen2      string `json:"antigen2"`
	RequiredCount int    `json:"required_count"`
}

// LowFrequencyRule marks a low-prevalence antigen. Until a cell expressing it has been
// tested the antigen is not carried as still to rule out.
type LowFrequencyRule struct {
	Antigens []string `json:"antigens"`
}

// AntigenCondition is a required cell typing for a composite rule.
type AntigenCondition struct {
	Antigen  string   `json:"antigen"`
	Reaction Reaction `json:"reaction"`
}

// CompositeRule rules out the target after RequiredCount non-reactive cells whose profile
// satisfies every condition and every dependency.
type CompositeRule struct {
	Conditions    []AntigenCondition `json:"conditions"`
	Dependencies  []AntigenCondition `json:"dependencies,omitempty"`
	RequiredCount int                `json:"required_count"`
}

// UnknownRule keeps a rule whose type this build does not understand. It never validates
// and evaluators skip it.
type UnknownRule struct {
	Kind RuleType
	Raw  json.RawMessage
}

func (SingleRule) Type() RuleType       { return RuleSingle }
func (HomoRule) Type() RuleType         { return RuleHomo }
func (HeteroRule) Type() RuleType       { return RuleHetero }
func (ABSpecificRule) Type() RuleType   { return RuleABSpecific }
func (LowFrequencyRule) Type() RuleType { return RuleLowFrequency }
func (CompositeRule) Type() RuleType    { return RuleComposite }
func (u UnknownRule) Type() RuleType    { return u.Kind }

func (SingleRule) isRuleData()       {}
func (HomoRule) isRuleData()         {}
func (HeteroRule) isRuleData()       {}
func (ABSpecificRule) isRuleData()   {}
func (LowFrequencyRule) isRuleData() {}
func (CompositeRule) isRuleData()    {}
func (UnknownRule) isRuleData()      {}

// MarshalJSON writes the raw payload back unchanged.
func (u UnknownRule) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("{}"), nil
	}
	return u.Raw, nil
}

// Validate checks the antigen list and that it names the target.
func (r SingleRule) Validate(target string) error {
	return validateAntigenList("rule_data.antigens", r.Antigens, target)
}

// Validate checks the antigen list and that it names the target.
func (r LowFrequencyRule) Validate(target string) error {
	return validateAntigenList("rule_data.antigens", r.Antigens, target)
}

// Validate requires at least one complete pair led by the target.
func (r HomoRule) Validate(target string) error {
	if len(r.AntigenPairs) == 0 {
		return NewValidationError("rule_data.antigen_pairs", "at least one antigen pair is required", r.AntigenPairs)
	}
	leads := false
	for i, p := range r.AntigenPairs {
		field := fmt.Sprintf("rule_data.antigen_pairs[%d]", i)
		if strings.TrimSpace(p[0]) == "" || strings.TrimSpace(p[1]) == "" {
			return NewValidationError(field, "pair must name two antigens", p)
		}
		if p[0] == p[1] {
			return NewValidationError(field, "pair must name two different antigens", p)
		}
		if p[0] == target {
			leads = true
		}
	}
	if !leads {
		return NewValidationError("rule_data.antigen_pairs", "no pair starts with the target antigen", target)
	}
	if r.RequiredCount < 0 {
		return NewValidationError("rule_data.required_count", "must not be negative", r.RequiredCount)
	}
	return nil
}

// Validate requires both antigens, the target as antigen_a and a positive count.
func (r HeteroRule) Validate(target string) error {
	if strings.TrimSpace(r.AntigenA) == "" {
		return NewValidationError("rule_data.antigen_a", "is required", r.AntigenA)
	}
	if strings.TrimSpace(r.AntigenB) == "" {
		return NewValidationError("rule_data.antigen_b", "is required", r.AntigenB)
	}
	if r.AntigenA == r.AntigenB {
		return NewValidationError("rule_data.antigen_b", "must differ from antigen_a", r.AntigenB)
	}
	if r.AntigenA != target {
		return NewValidationError("rule_data.antigen_a", "must equal the target antigen", r.AntigenA)
	}
	if r.RequiredCount < 1 {
		return NewValidationError("rule_data.required_count", "must be at least 1", r.RequiredCount)
	}
	return nil
}

// Validate requires the antibody, both antigens and a positive count.
func (r ABSpecificRule) Validate(target string) error {
	fields := []struct{ name, value string }{
		{"rule_data.antibody", r.Antibody},
		{"rule_data.antigen1", r.Antigen1},
		{"rule_data.antigen2", r.Antigen2},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return NewValidationError(f.name, "is required", f.value)
		}
	}
	if r.RequiredCount < 1 {
		return NewValidationError("rule_data.required_count", "must be at least 1", r.RequiredCount)
	}
	return nil
}

// Validate requires well-formed conditions, one of which types the target positive.
func (r CompositeRule) Validate(target string) error {
	if len(r.Conditions) == 0 {
		return NewValidationError("rule_data.conditions", "at least one condition is required", r.Conditions)
	}
	check := func(field string, conds []AntigenCondition) error {
		for i, c := range conds {
			f := fmt.Sprintf("%s[%d]", field, i)
			if strings.TrimSpace(c.Antigen) == "" {
				return NewValidationError(f+".antigen", "is required", c.Antigen)
			}
			if !c.Reaction.IsValid() {
				return NewValidationError(f+".reaction", "must be \"+\" or \"0\"", c.Reaction)
			}
		}
		return nil
	}
	if err := check("rule_data.conditions", r.Conditions); err != nil {
		return err
	}
	if err := check("rule_data.dependencies", r.Dependencies); err != nil {
		return err
	}
	if !slices.Contains(r.Conditions, AntigenCondition{Antigen: target, Reaction: Positive}) {
		return NewValidationError("rule_data.conditions", "must require the target antigen to be positive", target)
	}
	if r.RequiredCount < 1 {
		return NewValidationError("rule_data.required_count", "must be at least 1", r.RequiredCount)
	}
	return nil
}

// Validate always fails.
func (u UnknownRule) Validate(string) error {
	return NewValidationError("rule_type", "unsupported rule type", string(u.Kind))
}

func validateAntigenList(field string, antigens []string, target string) error {
	if len(antigens) == 0 {
		return NewValidationError(field, "at least one antigen is required", antigens)
	}
	for i, a := range antigens {
		if strings.TrimSpace(a) == "" {
			return NewValidationError(fmt.Sprintf("%s[%d]", field, i), "antigen name is empty", a)
		}
	}
	if !slices.Contains(antigens, target) {
		return NewValidationError(field, "must include the target antigen", target)
	}
	return nil
}

// DecodeRuleData decodes a stored payload for the given rule type. Unknown types decode into
// UnknownRule so that a stray row never breaks listing or evaluation.
func DecodeRuleData(kind RuleType, raw []byte) (RuleData, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}
	var (
		data RuleData
		err  error
	)
	switch kind {
	case RuleSingle:
		var r SingleRule
		err = json.Unmarshal(raw, &r)
		data = r
	case RuleHomo:
		var r HomoRule
		err = json.Unmarshal(raw, &r)
		data = r
	case RuleHetero:
		r := HeteroRule{RequiredCount: DefaultHeteroRequiredCount}
		err = json.Unmarshal(raw, &r)
		data = r
	case RuleABSpecific:
		var r ABSpecificRule
		err = json.Unmarshal(raw, &r)
		data = r
	case RuleLowFrequency:
		var r LowFrequencyRule
		err = json.Unmarshal(raw, &r)
		data = r
	case RuleComposite:
		var r CompositeRule
		err = json.Unmarshal(raw, &r)
		data = r
	default:
		return UnknownRule{Kind: kind, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: rule_data for %s: %v", ErrValidationFailed, kind, err)
	}
	return data, nil
}

// AntibodyRule is a stored exclusion rule for one target antigen.
type AntibodyRule struct {
	ID            int64     `json:"id"`
	TargetAntigen string    `json:"target_antigen"`
	Data          RuleData  `json:"-"`
	Description   string    `json:"description"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Type returns the rule type carried by the payload.
func (r *AntibodyRule) Type() RuleType {
	if r.Data == nil {
		return ""
	}
	return r.Data.Type()
}

// Validate checks the target antigen and the payload.
func (r *AntibodyRule) Validate() error {
	if strings.TrimSpace(r.TargetAntigen) == "" {
		return NewValidationError("target_antigen", "is required", r.TargetAntigen)
	}
	if r.Data == nil {
		return NewValidationError("rule_data", "is required", nil)
	}
	if !r.Data.Type().IsValid() {
		return NewValidationError("rule_type", "unsupported rule type", string(r.Data.Type()))
	}
	return r.Data.Validate(r.TargetAntigen)
}

type antibodyRuleJSON struct {
	ID            int64           `json:"id"`
	TargetAntigen string          `json:"target_antigen"`
	RuleType      RuleType        `json:"rule_type"`
	RuleData      json.RawMessage `json:"rule_data"`
	Description   string          `json:"description"`
	Enabled       bool            `json:"enabled"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MarshalJSON writes the rule in its stored wire shape.
func (r AntibodyRule) MarshalJSON() ([]byte, error) {
	raw := json.RawMessage("{}")
	if r.Data != nil {
		b, err := json.Marshal(r.Data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(antibodyRuleJSON{
		ID:            r.ID,
		TargetAntigen: r.TargetAntigen,
		RuleType:      r.Type(),
		RuleData:      raw,
		Description:   r.Description,
		Enabled:       r.Enabled,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	})
}

// UnmarshalJSON reads the stored wire shape, dispatching the payload on rule_type.
func (r *AntibodyRule) UnmarshalJSON(b []byte) error {
	var w antibodyRuleJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	data, err := DecodeRuleData(w.RuleType, w.RuleData)
	if err != nil {
		return err
	}
	*r = AntibodyRule{
		ID:            w.ID,
		TargetAntigen: w.TargetAntigen,
		Data:          data,
		Description:   w.Description,
		Enabled:       w.Enabled,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
	return nil
}

// LegacyAntigenRule is the older rule shape with generic conditions and dependencies.
type LegacyAntigenRule struct {
	TargetAntigen string             `json:"target_antigen"`
	RuleType      string             `json:"rule_type"`
	Conditions    []AntigenCondition `json:"rule_conditions"`
	RequiredCount int                `json:"required_count"`
	Dependencies  []AntigenCondition `json:"dependencies,omitempty"`
	Description   string             `json:"description"`
}

// ToAntibodyRule converts the legacy shape into an enabled antibody rule.
//
// homozygous becomes a homo rule over target+/partner0, heterozygous a hetero rule over
// target+/partner+, and composite keeps its conditions verbatim. The partner antigen is the
// first condition naming an antigen other than the target.
func (l LegacyAntigenRule) ToAntibodyRule() (*AntibodyRule, error) {
	target := strings.TrimSpace(l.TargetAntigen)
	if target == "" {
		return nil, NewValidationError("target_antigen", "is required", l.TargetAntigen)
	}
	partner := ""
	for _, c := range l.Conditions {
		if c.Antigen != target {
			partner = c.Antigen
			break
		}
	}

	var data RuleData
	switch strings.ToLower(l.RuleType) {
	case "homozygous":
		if partner == "" {
			return nil, NewValidationError("rule_conditions", "homozygous rule needs a partner antigen", l.Conditions)
		}
		data = HomoRule{AntigenPairs: [][2]string{{target, partner}}, RequiredCount: l.RequiredCount}
	case "heterozygous":
		if partner == "" {
			return nil, NewValidationError("rule_conditions", "heterozygous rule needs a partner antigen", l.Conditions)
		}
		data = HeteroRule{AntigenA: target, AntigenB: partner, RequiredCount: l.RequiredCount}
	case "composite":
		data = CompositeRule{Conditions: l.Conditions, Dependencies: l.Dependencies, RequiredCount: l.RequiredCount}
	default:
		return nil, NewValidationError("rule_type", "must be homozygous, heterozygous or composite", l.RuleType)
	}

	rule := &AntibodyRule{TargetAntigen: target, Data: data, Description: l.Description, Enabled: true}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}
