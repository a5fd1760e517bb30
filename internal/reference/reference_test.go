package reference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abid-rules-server/internal/domain"
)

func TestDefaultCatalogue(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Len(t, c.Antigens, 29)
	system, ok := c.System("Fya")
	assert.True(t, ok)
	assert.Equal(t, "Duffy", system)

	assert.Equal(t, []string{"C", "c", "E", "e"}, c.Pairs["D"])
	assert.Equal(t, []string{"M", "S", "s"}, c.Pairs["N"])

	counts := map[domain.RuleType]int{}
	for _, r := range c.Rules {
		counts[r.Type()]++
		assert.True(t, r.Enabled)
	}
	assert.Equal(t, 4, counts[domain.RuleABSpecific])
	assert.Equal(t, 8, counts[domain.RuleSingle])
	assert.Equal(t, 6, counts[domain.RuleLowFrequency])
	assert.Equal(t, 15, counts[domain.RuleHomo])
	assert.Equal(t, 1, counts[domain.RuleHetero])
}

func TestDefaultHomoRulesShareThePairList(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	for _, r := range c.Rules {
		homo, ok := r.Data.(domain.HomoRule)
		if !ok {
			continue
		}
		assert.Len(t, homo.AntigenPairs, 17, "target %s", r.TargetAntigen)
		assert.Contains(t, homo.AntigenPairs, [2]string{"Kpb", "Kpa"})
	}
}

func TestPairsFor(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	pairs := c.PairsFor([]string{"D", "C", "K"})
	assert.Equal(t, domain.AntigenPairs{
		"D": {"C"},
		"C": {"D"},
		"K": {},
	}, pairs)
}

func TestParseRejectsInvalidRules(t *testing.T) {
	_, err := Parse([]byte(`
antigens: [{name: K, system: Kell}]
rules:
  - target_antigen: K
    rule_type: hetero
    rule_data: {antigen_a: K}
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}
