package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReaction(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Reaction
		wantErr bool
	}{
		{"Positive", "+", Positive, false},
		{"Negative", "0", Negative, false},
		{"Trimmed", " + ", Positive, false},
		{"Weak positive rejected", "w+", "", true},
		{"Letter O rejected", "O", "", true},
		{"Empty rejected", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReaction(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidReactionValue))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCellRange(t *testing.T) {
	r := CellRange{Start: 1, End: 11}
	assert.Equal(t, 11, r.Span())
	assert.True(t, r.Contains(1))
	assert.True(t, r.Contains(11))
	assert.False(t, r.Contains(0))
	assert.False(t, r.Contains(12))
}

func TestCellExpression(t *testing.T) {
	c := Cell{CellNumber: 1, Reactions: map[string]Reaction{"K": Positive, "k": Negative}}
	assert.True(t, c.Expresses("K"))
	assert.False(t, c.Lacks("K"))
	assert.True(t, c.Lacks("k"))
	// untyped antigens are neither expressed nor lacking
	assert.False(t, c.Expresses("Kpa"))
	assert.False(t, c.Lacks("Kpa"))
}

func TestNormalizeSessionID(t *testing.T) {
	assert.Equal(t, DefaultSessionID, NormalizeSessionID(""))
	assert.Equal(t, DefaultSessionID, NormalizeSessionID("   "))
	assert.Equal(t, "bench-2", NormalizeSessionID(" bench-2 "))
}

func TestAntibodyRuleJSON(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantType RuleType
		check    func(t *testing.T, data RuleData)
	}{
		{
			name:     "single",
			payload:  `{"target_antigen":"D","rule_type":"single","rule_data":{"antigens":["D"]},"enabled":true}`,
			wantType: RuleSingle,
			check: func(t *testing.T, data RuleData) {
				assert.Equal(t, SingleRule{Antigens: []string{"D"}}, data)
			},
		},
		{
			name:     "homo",
			payload:  `{"target_antigen":"c","rule_type":"homo","rule_data":{"antigen_pairs":[["c","C"],["E","e"]]},"enabled":true}`,
			wantType: RuleHomo,
			check: func(t *testing.T, data RuleData) {
				assert.Equal(t, HomoRule{AntigenPairs: [][2]string{{"c", "C"}, {"E", "e"}}}, data)
			},
		},
		{
			name:     "hetero without count takes default",
			payload:  `{"target_antigen":"K","rule_type":"hetero","rule_data":{"antigen_a":"K","antigen_b":"k"},"enabled":true}`,
			wantType: RuleHetero,
			check: func(t *testing.T, data RuleData) {
				assert.Equal(t, HeteroRule{AntigenA: "K", AntigenB: "k", RequiredCount: 3}, data)
			},
		},
		{
			name:     "abspecific",
			payload:  `{"target_antigen":"C","rule_type":"abspecific","rule_data":{"antibody":"D","antigen1":"C","antigen2":"c","required_count":3},"enabled":true}`,
			wantType: RuleABSpecific,
			check: func(t *testing.T, data RuleData) {
				assert.Equal(t, ABSpecificRule{Antibody: "D", Antigen1: "C", Antigen2: "c", RequiredCount: 3}, data)
			},
		},
		{
			name:     "unknown type is preserved",
			payload:  `{"target_antigen":"K","rule_type":"mystery","rule_data":{"x":1},"enabled":true}`,
			wantType: RuleType("mystery"),
			check: func(t *testing.T, data RuleData) {
				u, ok := data.(UnknownRule)
				require.True(t, ok)
				assert.JSONEq(t, `{"x":1}`, string(u.Raw))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rule AntibodyRule
			require.NoError(t, json.Unmarshal([]byte(tt.payload), &rule))
			assert.Equal(t, tt.wantType, rule.Type())
			tt.check(t, rule.Data)

			out, err := json.Marshal(rule)
			require.NoError(t, err)
			var wire map[string]any
			require.NoError(t, json.Unmarshal(out, &wire))
			assert.Equal(t, string(tt.wantType), wire["rule_type"])
			assert.Contains(t, wire, "rule_data")
		})
	}
}

func TestAntibodyRuleValidate(t *testing.T) {
	tests := []struct {
		name      string
		rule      AntibodyRule
		wantField string
	}{
		{
			name: "valid single",
			rule: AntibodyRule{TargetAntigen: "D", Data: SingleRule{Antigens: []string{"D"}}},
		},
		{
			name:      "missing target",
			rule:      AntibodyRule{Data: SingleRule{Antigens: []string{"D"}}},
			wantField: "target_antigen",
		},
		{
			name:      "single without target in list",
			rule:      AntibodyRule{TargetAntigen: "D", Data: SingleRule{Antigens: []string{"C"}}},
			wantField: "rule_data.antigens",
		},
		{
			name:      "homo with no pairs",
			rule:      AntibodyRule{TargetAntigen: "c", Data: HomoRule{}},
			wantField: "rule_data.antigen_pairs",
		},
		{
			name:      "homo with half a pair",
			rule:      AntibodyRule{TargetAntigen: "c", Data: HomoRule{AntigenPairs: [][2]string{{"c", ""}}}},
			wantField: "rule_data.antigen_pairs[0]",
		},
		{
			name:      "hetero with one antigen",
			rule:      AntibodyRule{TargetAntigen: "K", Data: HeteroRule{AntigenA: "K", RequiredCount: 3}},
			wantField: "rule_data.antigen_b",
		},
		{
			name:      "hetero without count",
			rule:      AntibodyRule{TargetAntigen: "K", Data: HeteroRule{AntigenA: "K", AntigenB: "k"}},
			wantField: "rule_data.required_count",
		},
		{
			name:      "abspecific missing antibody",
			rule:      AntibodyRule{TargetAntigen: "C", Data: ABSpecificRule{Antigen1: "C", Antigen2: "c", RequiredCount: 3}},
			wantField: "rule_data.antibody",
		},
		{
			name:      "abspecific missing count",
			rule:      AntibodyRule{TargetAntigen: "C", Data: ABSpecificRule{Antibody: "D", Antigen1: "C", Antigen2: "c"}},
			wantField: "rule_data.required_count",
		},
		{
			name: "abspecific target outside the pair",
			rule: AntibodyRule{TargetAntigen: "E", Data: ABSpecificRule{Antibody: "D", Antigen1: "C", Antigen2: "c", RequiredCount: 1}},
		},
		{
			name:      "composite with bad reaction",
			rule:      AntibodyRule{TargetAntigen: "Fya", Data: CompositeRule{Conditions: []AntigenCondition{{Antigen: "Fya", Reaction: "w"}}, RequiredCount: 1}},
			wantField: "rule_data.conditions[0].reaction",
		},
		{
			name:      "unknown type",
			rule:      AntibodyRule{TargetAntigen: "K", Data: UnknownRule{Kind: "mystery"}},
			wantField: "rule_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidationFailed)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestLegacyAntigenRuleConversion(t *testing.T) {
	t.Run("homozygous", func(t *testing.T) {
		legacy := LegacyAntigenRule{
			TargetAntigen: "Fya",
			RuleType:      "homozygous",
			Conditions:    []AntigenCondition{{Antigen: "Fya", Reaction: Positive}, {Antigen: "Fyb", Reaction: Negative}},
			RequiredCount: 1,
		}
		rule, err := legacy.ToAntibodyRule()
		require.NoError(t, err)
		assert.Equal(t, HomoRule{AntigenPairs: [][2]string{{"Fya", "Fyb"}}, RequiredCount: 1}, rule.Data)
		assert.True(t, rule.Enabled)
	})

	t.Run("heterozygous", func(t *testing.T) {
		legacy := LegacyAntigenRule{
			TargetAntigen: "Jka",
			RuleType:      "heterozygous",
			Conditions:    []AntigenCondition{{Antigen: "Jka", Reaction: Positive}, {Antigen: "Jkb", Reaction: Positive}},
			RequiredCount: 3,
		}
		rule, err := legacy.ToAntibodyRule()
		require.NoError(t, err)
		assert.Equal(t, HeteroRule{AntigenA: "Jka", AntigenB: "Jkb", RequiredCount: 3}, rule.Data)
	})

	t.Run("composite keeps conditions", func(t *testing.T) {
		legacy := LegacyAntigenRule{
			TargetAntigen: "S",
			RuleType:      "composite",
			Conditions:    []AntigenCondition{{Antigen: "S", Reaction: Positive}, {Antigen: "s", Reaction: Negative}},
			Dependencies:  []AntigenCondition{{Antigen: "M", Reaction: Negative}},
			RequiredCount: 2,
		}
		rule, err := legacy.ToAntibodyRule()
		require.NoError(t, err)
		composite, ok := rule.Data.(CompositeRule)
		require.True(t, ok)
		assert.Len(t, composite.Conditions, 2)
		assert.Len(t, composite.Dependencies, 1)
	})

	t.Run("unknown legacy type", func(t *testing.T) {
		_, err := LegacyAntigenRule{TargetAntigen: "K", RuleType: "dosage"}.ToAntibodyRule()
		assert.ErrorIs(t, err, ErrValidationFailed)
	})
}
