package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/memstore"
	"github.com/abid-rules-server/internal/reference"
)

type recordingPublisher struct {
	mu      sync.Mutex
	results []*domain.ABIDResult
}

func (p *recordingPublisher) Publish(result *domain.ABIDResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)
}

func (p *recordingPublisher) last() *domain.ABIDResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return nil
	}
	return p.results[len(p.results)-1]
}

type fixture struct {
	rules     *memstore.RuleStore
	reactions *memstore.ReactionStore
	antigrams *memstore.AntigramStore
	antigens  *memstore.AntigenStore
	publisher *recordingPublisher

	ruleSvc     *RuleService
	antigenSvc  *AntigenService
	antigramSvc *AntigramService
	reactionSvc *ReactionService
	abidSvc     *ABIDService
	finder      *CellFinder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	catalogue, err := reference.Default()
	require.NoError(t, err)

	f := &fixture{
		rules:     memstore.NewRuleStore(),
		reactions: memstore.NewReactionStore(),
		antigrams: memstore.NewAntigramStore(),
		antigens:  memstore.NewAntigenStore(catalogue.Antigens...),
		publisher: &recordingPublisher{},
	}
	lookup := NewAntigenLookup(AntigenLookupConfig{}, f.antigens, nil, logger)
	f.ruleSvc = NewRuleService(f.rules, catalogue, logger)
	f.antigenSvc = NewAntigenService(f.antigens, f.rules, catalogue, lookup, logger)
	f.antigramSvc = NewAntigramService(f.antigrams, logger)
	f.abidSvc = NewABIDService(f.rules, f.reactions, f.antigrams, lookup, logger)
	f.reactionSvc = NewReactionService(f.reactions, f.antigrams, f.abidSvc, f.publisher, logger)
	f.finder = NewCellFinder(f.antigrams)
	return f
}

// seedPanel stores a three-cell K/k/Fya panel and returns the antigram.
func (f *fixture) seedPanel(t *testing.T, lot string) *domain.Antigram {
	t.Helper()
	ctx := context.Background()

	tpl := &domain.AntigramTemplate{Name: "Panel " + lot, AntigenOrder: []string{"K", "k", "Fya"}, CellCount: 3}
	require.NoError(t, f.antigramSvc.CreateTemplate(ctx, tpl))

	a := &domain.Antigram{
		TemplateID: tpl.ID,
		LotNumber:  lot,
		Cells: []domain.Cell{
			profile(1, "K", "+", "k", "0", "Fya", "+"),
			profile(2, "K", "+", "k", "+", "Fya", "0"),
			profile(3, "K", "0", "k", "+", "Fya", "+"),
		},
	}
	warnings, err := f.antigramSvc.CreateAntigram(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	return a
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestRuleService_CreateRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		def     RuleDefinition
		wantErr bool
	}{
		{
			name: "valid hetero defaults enabled",
			def: RuleDefinition{
				TargetAntigen: "K",
				RuleType:      domain.RuleHetero,
				RuleData:      rawJSON(t, map[string]any{"antigen_a": "K", "antigen_b": "k", "required_count": 2}),
			},
		},
		{
			name: "unknown rule type",
			def: RuleDefinition{
				TargetAntigen: "K",
				RuleType:      "mystery",
				RuleData:      rawJSON(t, map[string]any{}),
			},
			wantErr: true,
		},
		{
			name: "hetero with antigen_a not the target",
			def: RuleDefinition{
				TargetAntigen: "K",
				RuleType:      domain.RuleHetero,
				RuleData:      rawJSON(t, map[string]any{"antigen_a": "k", "antigen_b": "K"}),
			},
			wantErr: true,
		},
		{
			name: "missing payload",
			def: RuleDefinition{
				TargetAntigen: "K",
				RuleType:      domain.RuleSingle,
			},
			wantErr: true,
		},
		{
			name: "abspecific without required count",
			def: RuleDefinition{
				TargetAntigen: "D",
				RuleType:      domain.RuleABSpecific,
				RuleData:      rawJSON(t, map[string]any{"antibody": "D", "antigen1": "D", "antigen2": "C"}),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := f.ruleSvc.CreateRule(ctx, tt.def)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrValidationFailed))
				return
			}
			require.NoError(t, err)
			assert.NotZero(t, r.ID)
			assert.True(t, r.Enabled)
		})
	}
}

func TestRuleService_UpdateRuleIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.ruleSvc.CreateRule(ctx, RuleDefinition{
		TargetAntigen: "K",
		RuleType:      domain.RuleSingle,
		RuleData:      rawJSON(t, map[string]any{"antigens": []string{"K"}}),
		Description:   "original",
	})
	require.NoError(t, err)

	disabled := false
	updated, err := f.ruleSvc.UpdateRule(ctx, created.ID, RuleUpdate{Enabled: &disabled})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "original", updated.Description)
	assert.Equal(t, domain.SingleRule{Antigens: []string{"K"}}, updated.Data)

	hetero := domain.RuleHetero
	_, err = f.ruleSvc.UpdateRule(ctx, created.ID, RuleUpdate{RuleType: &hetero})
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))

	updated, err = f.ruleSvc.UpdateRule(ctx, created.ID, RuleUpdate{
		RuleType: &hetero,
		RuleData: rawJSON(t, map[string]any{"antigen_a": "K", "antigen_b": "k"}),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.HeteroRule{AntigenA: "K", AntigenB: "k", RequiredCount: domain.DefaultHeteroRequiredCount}, updated.Data)

	other := "Fya"
	_, err = f.ruleSvc.UpdateRule(ctx, created.ID, RuleUpdate{TargetAntigen: &other})
	assert.True(t, errors.Is(err, domain.ErrValidationFailed), "target change must re-validate the payload")

	_, err = f.ruleSvc.UpdateRule(ctx, 999, RuleUpdate{})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestRuleService_InitializeDefaultsReplacesRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ruleSvc.CreateRule(ctx, RuleDefinition{
		TargetAntigen: "Xga",
		RuleType:      domain.RuleSingle,
		RuleData:      rawJSON(t, map[string]any{"antigens": []string{"Xga"}}),
		Description:   "custom",
	})
	require.NoError(t, err)

	n, err := f.ruleSvc.InitializeDefaults(ctx)
	require.NoError(t, err)

	rules, err := f.ruleSvc.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, n)
	for _, r := range rules {
		assert.True(t, r.Enabled)
		assert.NotEqual(t, "custom", r.Description)
	}

	valid, err := f.ruleSvc.ValidAntigens(ctx)
	require.NoError(t, err)
	assert.Equal(t, "D", valid[0])
	assert.Contains(t, valid, "K")
}

func TestRuleService_ImportLegacyRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.ruleSvc.ImportLegacyRule(ctx, domain.LegacyAntigenRule{
		TargetAntigen: "Jka",
		RuleType:      "homozygous",
		Conditions:    []domain.AntigenCondition{{Antigen: "Jka", Reaction: domain.Positive}, {Antigen: "Jkb", Reaction: domain.Negative}},
		RequiredCount: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RuleHomo, r.Type())

	_, err = f.ruleSvc.ImportLegacyRule(ctx, domain.LegacyAntigenRule{TargetAntigen: "Jka", RuleType: "sideways"})
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))
}

func TestReactionService_RecordAndEvaluate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedPanel(t, "LOT-1")

	_, err := f.ruleSvc.CreateRule(ctx, RuleDefinition{
		TargetAntigen: "K",
		RuleType:      domain.RuleSingle,
		RuleData:      rawJSON(t, map[string]any{"antigens": []string{"K"}}),
	})
	require.NoError(t, err)

	pr, err := f.reactionSvc.RecordReaction(ctx, "", a.ID, 1, " 0 ")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultSessionID, pr.SessionID)
	assert.Equal(t, "LOT-1", pr.LotNumber)

	pushed := f.publisher.last()
	require.NotNil(t, pushed)
	assert.Equal(t, []string{"K"}, pushed.RuledOut)
	assert.Equal(t, "Kell", pushed.AntigenSystems["K"])

	result, err := f.abidSvc.Evaluate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, pushed, result)

	_, err = f.reactionSvc.RecordReaction(ctx, "", a.ID, 1, "w+")
	assert.True(t, errors.Is(err, domain.ErrInvalidReactionValue))

	_, err = f.reactionSvc.RecordReaction(ctx, "", a.ID, 9, "+")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = f.reactionSvc.RecordReaction(ctx, "", 999, 1, "+")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestReactionService_SessionsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedPanel(t, "LOT-1")

	s1 := f.reactionSvc.NewSession()
	s2 := f.reactionSvc.NewSession()
	require.NotEqual(t, s1, s2)

	_, err := f.reactionSvc.RecordReaction(ctx, s1, a.ID, 1, "+")
	require.NoError(t, err)

	r1, err := f.abidSvc.Evaluate(ctx, s1)
	require.NoError(t, err)
	r2, err := f.abidSvc.Evaluate(ctx, s2)
	require.NoError(t, err)

	assert.NotEmpty(t, r1.StillToRuleOut)
	assert.Empty(t, r2.StillToRuleOut)
	assert.Empty(t, r2.RuledOut)
}

func TestReactionService_RecordBatchIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedPanel(t, "LOT-1")

	_, err := f.reactionSvc.RecordBatch(ctx, "s", a.ID, []CellReaction{
		{CellNumber: 1, Reaction: "+"},
		{CellNumber: 2, Reaction: "maybe"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidReactionValue))

	listed, err := f.reactionSvc.ListReactions(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, listed)

	batch, err := f.reactionSvc.RecordBatch(ctx, "s", a.ID, []CellReaction{
		{CellNumber: 1, Reaction: "+"},
		{CellNumber: 2, Reaction: "0"},
	})
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	listed, err = f.reactionSvc.ListReactions(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, listed, 2)
	assert.Equal(t, "LOT-1", listed[0].LotNumber)
}

func TestReactionService_DeleteAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedPanel(t, "LOT-1")

	_, err := f.ruleSvc.CreateRule(ctx, RuleDefinition{
		TargetAntigen: "K",
		RuleType:      domain.RuleSingle,
		RuleData:      rawJSON(t, map[string]any{"antigens": []string{"K"}}),
	})
	require.NoError(t, err)

	_, err = f.reactionSvc.RecordReaction(ctx, "s", a.ID, 1, "0")
	require.NoError(t, err)
	_, err = f.reactionSvc.RecordReaction(ctx, "s", a.ID, 3, "+")
	require.NoError(t, err)

	before, err := f.abidSvc.Evaluate(ctx, "s")
	require.NoError(t, err)
	assert.Contains(t, before.RuledOut, "K")

	// removing the only excluding cell puts K back in play
	require.NoError(t, f.reactionSvc.DeleteReaction(ctx, "s", a.ID, 1))
	after, err := f.abidSvc.Evaluate(ctx, "s")
	require.NoError(t, err)
	assert.NotContains(t, after.RuledOut, "K")
	assert.Equal(t, "still_to_rule_out", after.Classification("K"))

	assert.True(t, errors.Is(f.reactionSvc.DeleteReaction(ctx, "s", a.ID, 1), domain.ErrNotFound))

	n, err := f.reactionSvc.ClearAll(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cleared := f.publisher.last()
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.RuledOut)
	assert.Empty(t, cleared.StillToRuleOut)
	assert.Empty(t, cleared.Matches)
}

func TestABIDService_SkipsDeletedAntigrams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedPanel(t, "LOT-1")

	_, err := f.reactionSvc.RecordReaction(ctx, "s", a.ID, 1, "+")
	require.NoError(t, err)
	require.NoError(t, f.antigramSvc.DeleteAntigram(ctx, a.ID))

	result, err := f.abidSvc.Evaluate(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, result.StillToRuleOut)
}

func TestAntigenService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.antigenSvc.CreateAntigen(ctx, domain.Antigen{Name: "K", System: "Kell"})
	assert.True(t, errors.Is(err, domain.ErrConflict))

	_, err = f.antigenSvc.CreateAntigen(ctx, domain.Antigen{Name: " "})
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))

	_, err = f.ruleSvc.InitializeDefaults(ctx)
	require.NoError(t, err)

	removed, err := f.antigenSvc.DeleteAntigen(ctx, "K")
	require.NoError(t, err)
	assert.Positive(t, removed)

	rules, err := f.ruleSvc.ListRules(ctx)
	require.NoError(t, err)
	for _, r := range rules {
		assert.NotEqual(t, "K", r.TargetAntigen)
	}

	pairs, err := f.antigenSvc.Pairs(ctx)
	require.NoError(t, err)
	_, hasK := pairs["K"]
	assert.False(t, hasK)
	assert.NotContains(t, pairs["k"], "K")

	n, err := f.antigenSvc.InitializeAntigens(ctx)
	require.NoError(t, err)
	list, err := f.antigenSvc.ListAntigens(ctx)
	require.NoError(t, err)
	assert.Len(t, list, n)

	order := f.antigenSvc.DefaultOrder()
	assert.Equal(t, "D", order[0])
}

func TestAntigramService_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tpl  domain.AntigramTemplate
	}{
		{"missing name", domain.AntigramTemplate{AntigenOrder: []string{"D"}, CellCount: 1}},
		{"empty order", domain.AntigramTemplate{Name: "x", CellCount: 1}},
		{"duplicate antigen", domain.AntigramTemplate{Name: "x", AntigenOrder: []string{"D", "D"}, CellCount: 1}},
		{"zero cells", domain.AntigramTemplate{Name: "x", AntigenOrder: []string{"D"}}},
		{"range starting at zero", domain.AntigramTemplate{Name: "x", AntigenOrder: []string{"D"}, CellCount: 2, CellRange: &domain.CellRange{Start: 0, End: 1}}},
		{"range span mismatch", domain.AntigramTemplate{Name: "x", AntigenOrder: []string{"D"}, CellCount: 3, CellRange: &domain.CellRange{Start: 1, End: 11}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := tt.tpl
			err := f.antigramSvc.CreateTemplate(ctx, &tpl)
			assert.True(t, errors.Is(err, domain.ErrValidationFailed))
		})
	}

	tpl := &domain.AntigramTemplate{Name: "Screen", AntigenOrder: []string{"D", "K"}, CellCount: 2, CellRange: &domain.CellRange{Start: 11, End: 12}}
	require.NoError(t, f.antigramSvc.CreateTemplate(ctx, tpl))
	dup := &domain.AntigramTemplate{Name: "Screen", AntigenOrder: []string{"D"}, CellCount: 1}
	assert.True(t, errors.Is(f.antigramSvc.CreateTemplate(ctx, dup), domain.ErrConflict))

	outside := &domain.Antigram{TemplateID: tpl.ID, LotNumber: "S1", Cells: []domain.Cell{profile(1, "D", "+", "K", "0")}}
	_, err := f.antigramSvc.CreateAntigram(ctx, outside)
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))

	loose := &domain.AntigramTemplate{Name: "Loose", AntigenOrder: []string{"D"}, CellCount: 1}
	require.NoError(t, f.antigramSvc.CreateTemplate(ctx, loose))
	zeroCell := &domain.Antigram{TemplateID: loose.ID, LotNumber: "Z1", Cells: []domain.Cell{profile(0, "D", "+")}}
	_, err = f.antigramSvc.CreateAntigram(ctx, zeroCell)
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))

	incomplete := &domain.Antigram{TemplateID: tpl.ID, LotNumber: "S1", Cells: []domain.Cell{profile(11, "D", "+")}}
	_, err = f.antigramSvc.CreateAntigram(ctx, incomplete)
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))

	badReaction := &domain.Antigram{TemplateID: tpl.ID, LotNumber: "S1", Cells: []domain.Cell{profile(11, "D", "+", "K", "w")}}
	_, err = f.antigramSvc.CreateAntigram(ctx, badReaction)
	assert.True(t, errors.Is(err, domain.ErrInvalidReactionValue))

	badDate := &domain.Antigram{TemplateID: tpl.ID, LotNumber: "S1", ExpirationDate: "12/31/2026", Cells: []domain.Cell{profile(11, "D", "+", "K", "0")}}
	_, err = f.antigramSvc.CreateAntigram(ctx, badDate)
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))

	missingTemplate := &domain.Antigram{TemplateID: 99, LotNumber: "S1", Cells: []domain.Cell{profile(11, "D", "+", "K", "0")}}
	_, err = f.antigramSvc.CreateAntigram(ctx, missingTemplate)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	good := &domain.Antigram{TemplateID: tpl.ID, LotNumber: "S1", ExpirationDate: "2026-12-31", Cells: []domain.Cell{profile(11, "D", "+", "K", "0"), profile(12, "D", "0", "K", "+")}}
	warnings, err := f.antigramSvc.CreateAntigram(ctx, good)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"D", "K"}, good.AntigenOrder)
	assert.Equal(t, "Screen", good.TemplateName)

	again := &domain.Antigram{TemplateID: tpl.ID, LotNumber: "S1", Cells: []domain.Cell{profile(11, "D", "+", "K", "0")}}
	warnings, err = f.antigramSvc.CreateAntigram(ctx, again)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "S1")

	found, err := f.antigramSvc.ListAntigrams(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestCellFinder_Find(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedPanel(t, "LOT-1")

	matches, err := f.finder.Find(ctx, map[string]domain.Reaction{"K": domain.Positive, "k": domain.Negative})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, a.ID, matches[0].AntigramID)
	assert.Equal(t, 1, matches[0].CellNumber)
	assert.Equal(t, "LOT-1", matches[0].LotNumber)

	none, err := f.finder.Find(ctx, map[string]domain.Reaction{"Jka": domain.Positive})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.finder.Find(ctx, nil)
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))

	_, err = f.finder.Find(ctx, map[string]domain.Reaction{"K": "?"})
	assert.True(t, errors.Is(err, domain.ErrInvalidReactionValue))
}

func TestDeletingRulesNeverRulesOutMore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedPanel(t, "LOT-1")

	_, err := f.ruleSvc.InitializeDefaults(ctx)
	require.NoError(t, err)
	_, err = f.reactionSvc.RecordBatch(ctx, "s", a.ID, []CellReaction{
		{CellNumber: 1, Reaction: "0"},
		{CellNumber: 2, Reaction: "0"},
		{CellNumber: 3, Reaction: "+"},
	})
	require.NoError(t, err)

	before, err := f.abidSvc.Evaluate(ctx, "s")
	require.NoError(t, err)

	rules, err := f.ruleSvc.ListRules(ctx)
	require.NoError(t, err)
	for _, r := range rules {
		require.NoError(t, f.ruleSvc.DeleteRule(ctx, r.ID))

		after, err := f.abidSvc.Evaluate(ctx, "s")
		require.NoError(t, err)
		for _, antigen := range after.RuledOut {
			assert.Contains(t, before.RuledOut, antigen)
		}
		before = after
	}
	assert.Empty(t, before.RuledOut)
}
