package service

import (
	"cmp"
	"math"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/domain"
)

// Panel is the evaluation input for one session: the antigrams that carry recorded
// reactions and the reactions themselves.
type Panel struct {
	Antigrams []domain.Antigram
	Reactions []domain.PatientReaction
}

// ABIDEngine classifies panel antigens as ruled out, matching or still to rule out.
// It holds no evaluation state; Evaluate is safe for concurrent use.
type ABIDEngine struct {
	logger *logrus.Logger
}

// NewABIDEngine creates a new ABID engine
func NewABIDEngine(logger *logrus.Logger) *ABIDEngine {
	return &ABIDEngine{logger: logger}
}

// testedCell is a reagent cell with a recorded patient reaction.
type testedCell struct {
	antigramID int64
	lotNumber  string
	cell       domain.Cell
	patient    domain.Reaction
}

func (tc testedCell) detail(kind domain.ExclusionKind) domain.RuledOutDetail {
	return domain.RuledOutDetail{
		AntigramID: tc.antigramID,
		LotNumber:  tc.lotNumber,
		CellNumber: tc.cell.CellNumber,
		RuleType:   kind,
	}
}

// evaluation carries the per-call working set.
type evaluation struct {
	tested     []testedCell
	universe   []string
	inUniverse map[string]bool
	suspected  map[string]bool
	exclusions map[string]map[domain.ExclusionKind][]domain.RuledOutDetail
}

// Evaluate runs every enabled rule against the panel. Rules that cannot be evaluated are
// logged and skipped; evaluation itself never fails.
func (e *ABIDEngine) Evaluate(sessionID string, panel Panel, rules []domain.AntibodyRule) *domain.ABIDResult {
	result := domain.NewABIDResult(sessionID)

	ev := e.prepare(panel)
	if len(ev.tested) == 0 {
		return result
	}

	ordered := slices.Clone(rules)
	slices.SortStableFunc(ordered, func(a, b domain.AntibodyRule) int { return cmp.Compare(a.ID, b.ID) })

	applied := 0
	for i := range ordered {
		rule := &ordered[i]
		if !rule.Enabled || !ev.inUniverse[rule.TargetAntigen] {
			continue
		}
		if e.apply(ev, rule) {
			applied++
		}
	}

	e.classify(ev, result)

	e.logger.WithFields(logrus.Fields{
		"session_id":        sessionID,
		"tested_cells":      len(ev.tested),
		"panel_antigens":    len(ev.universe),
		"rules_considered":  len(ordered),
		"rules_fired":       applied,
		"ruled_out":         len(result.RuledOut),
		"matches":           len(result.Matches),
		"still_to_rule_out": len(result.StillToRuleOut),
	}).Debug("Completed ABID evaluation")

	return result
}

// prepare resolves reactions against antigram profiles and derives the antigen universe
// and the suspected antibody set.
func (e *ABIDEngine) prepare(panel Panel) *evaluation {
	ev := &evaluation{
		inUniverse: make(map[string]bool),
		suspected:  make(map[string]bool),
		exclusions: make(map[string]map[domain.ExclusionKind][]domain.RuledOutDetail),
	}

	antigrams := make(map[int64]*domain.Antigram, len(panel.Antigrams))
	for i := range panel.Antigrams {
		antigrams[panel.Antigrams[i].ID] = &panel.Antigrams[i]
	}

	reactions := slices.Clone(panel.Reactions)
	slices.SortFunc(reactions, func(a, b domain.PatientReaction) int {
		return cmp.Or(cmp.Compare(a.AntigramID, b.AntigramID), cmp.Compare(a.CellNumber, b.CellNumber))
	})

	var testedAntigrams []int64
	for _, r := range reactions {
		ag, ok := antigrams[r.AntigramID]
		if !ok {
			e.logger.WithField("antigram_id", r.AntigramID).Warn("Reaction references unknown antigram, skipping")
			continue
		}
		cell, ok := ag.Cell(r.CellNumber)
		if !ok {
			e.logger.WithFields(logrus.Fields{
				"antigram_id": r.AntigramID,
				"cell_number": r.CellNumber,
			}).Warn("Reaction references unknown cell, skipping")
			continue
		}
		if !r.Reaction.IsValid() {
			continue
		}
		if n := len(ev.tested); n == 0 || ev.tested[n-1].antigramID != ag.ID || ev.tested[n-1].cell.CellNumber != cell.CellNumber {
			ev.tested = append(ev.tested, testedCell{antigramID: ag.ID, lotNumber: ag.LotNumber, cell: cell, patient: r.Reaction})
		} else {
			ev.tested[n-1].patient = r.Reaction
		}
		if len(testedAntigrams) == 0 || testedAntigrams[len(testedAntigrams)-1] != ag.ID {
			testedAntigrams = append(testedAntigrams, ag.ID)
		}
	}

	for _, id := range testedAntigrams {
		for _, antigen := range antigrams[id].AntigenOrder {
			if !ev.inUniverse[antigen] {
				ev.inUniverse[antigen] = true
				ev.universe = append(ev.universe, antigen)
			}
		}
	}

	for _, tc := range ev.tested {
		if tc.patient != domain.Positive {
			continue
		}
		for antigen, rxn := range tc.cell.Reactions {
			if rxn == domain.Positive {
				ev.suspected[antigen] = true
			}
		}
	}
	return ev
}

// apply evaluates one rule and records its exclusion when it fires.
func (e *ABIDEngine) apply(ev *evaluation, rule *domain.AntibodyRule) bool {
	target := rule.TargetAntigen
	switch data := rule.Data.(type) {
	case domain.SingleRule:
		if !slices.Contains(data.Antigens, target) {
			return false
		}
		cells := ev.nonReactive(func(c domain.Cell) bool { return c.Expresses(target) })
		return ev.exclude(target, domain.ExcludedSingle, cells, 1)

	case domain.HomoRule:
		var cells []testedCell
		for _, pair := range data.AntigenPairs {
			if pair[0] != target {
				continue
			}
			partner := pair[1]
			cells = append(cells, ev.nonReactive(func(c domain.Cell) bool {
				return c.Expresses(target) && c.Lacks(partner)
			})...)
		}
		return ev.exclude(target, domain.ExcludedHomozygous, cells, max(data.RequiredCount, 1))

	case domain.HeteroRule:
		if data.AntigenA != target {
			e.logger.WithFields(logrus.Fields{
				"rule_id":   rule.ID,
				"target":    target,
				"antigen_a": data.AntigenA,
			}).Warn("Hetero rule does not lead with its target antigen, skipping")
			return false
		}
		need := data.RequiredCount
		if need < 1 {
			need = domain.DefaultHeteroRequiredCount
		}
		cells := ev.nonReactive(func(c domain.Cell) bool {
			return c.Expresses(data.AntigenA) && c.Expresses(data.AntigenB)
		})
		return ev.exclude(target, domain.ExcludedHeterozygous, cells, need)

	case domain.ABSpecificRule:
		if !ev.suspected[data.Antibody] {
			return false
		}
		cells := ev.nonReactive(func(c domain.Cell) bool {
			return c.Expresses(data.Antigen1) && c.Expresses(data.Antigen2)
		})
		return ev.exclude(target, domain.ExcludedABSpecific, cells, max(data.RequiredCount, 1))

	case domain.CompositeRule:
		cells := ev.nonReactive(func(c domain.Cell) bool {
			return c.Expresses(target) && satisfies(c, data.Conditions) && satisfies(c, data.Dependencies)
		})
		return ev.exclude(target, domain.ExcludedComposite, cells, max(data.RequiredCount, 1))

	case domain.LowFrequencyRule:
		if !slices.Contains(data.Antigens, target) {
			return false
		}
		for _, tc := range ev.tested {
			if tc.cell.Expresses(target) {
				return false
			}
		}
		ev.addExclusion(target, domain.ExcludedLowFrequency, []domain.RuledOutDetail{{RuleType: domain.ExcludedLowFrequency}})
		return true

	default:
		e.logger.WithFields(logrus.Fields{
			"rule_id":   rule.ID,
			"rule_type": rule.Type(),
			"target":    target,
		}).Warn("Unknown rule type, skipping")
		return false
	}
}

func satisfies(c domain.Cell, conds []domain.AntigenCondition) bool {
	for _, cond := range conds {
		if c.Reactions[cond.Antigen] != cond.Reaction {
			return false
		}
	}
	return true
}

// nonReactive returns the tested cells matching the profile predicate that the patient did not react with.
func (ev *evaluation) nonReactive(match func(domain.Cell) bool) []testedCell {
	var out []testedCell
	for _, tc := range ev.tested {
		if tc.patient == domain.Negative && match(tc.cell) {
			out = append(out, tc)
		}
	}
	return out
}

// exclude records an exclusion when at least need distinct cells support it.
func (ev *evaluation) exclude(target string, kind domain.ExclusionKind, cells []testedCell, need int) bool {
	details := make([]domain.RuledOutDetail, 0, len(cells))
	for _, tc := range cells {
		details = append(details, tc.detail(kind))
	}
	details = dedupeDetails(details)
	if len(details) < need {
		return false
	}
	ev.addExclusion(target, kind, details)
	return true
}

func (ev *evaluation) addExclusion(target string, kind domain.ExclusionKind, details []domain.RuledOutDetail) {
	byKind, ok := ev.exclusions[target]
	if !ok {
		byKind = make(map[domain.ExclusionKind][]domain.RuledOutDetail)
		ev.exclusions[target] = byKind
	}
	byKind[kind] = dedupeDetails(append(byKind[kind], details...))
}

// classify fills the result buckets in panel column order.
func (e *ABIDEngine) classify(ev *evaluation, result *domain.ABIDResult) {
	for _, antigen := range ev.universe {
		if ev.suspected[antigen] {
			result.SuspectedAntibodies = append(result.SuspectedAntibodies, antigen)
		}

		progress, positives, allReactive := summarize(ev.tested, antigen)
		result.Progress[antigen] = progress

		if byKind, ok := ev.exclusions[antigen]; ok {
			kind := winningKind(byKind)
			result.RuledOut = append(result.RuledOut, antigen)
			result.RuledOutDetails[antigen] = byKind[kind]
			result.RuledOutByRule[kind] = append(result.RuledOutByRule[kind], antigen)
			continue
		}
		if positives > 0 && allReactive {
			result.Matches = append(result.Matches, antigen)
			continue
		}
		result.StillToRuleOut = append(result.StillToRuleOut, antigen)
	}
}

func winningKind(byKind map[domain.ExclusionKind][]domain.RuledOutDetail) domain.ExclusionKind {
	for _, kind := range domain.ExclusionKinds {
		if _, ok := byKind[kind]; ok {
			return kind
		}
	}
	return ""
}

// summarize returns per-antigen progress, the number of antigen-positive tested cells and
// whether every one of them reacted.
func summarize(tested []testedCell, antigen string) (domain.AntigenProgress, int, bool) {
	var p domain.AntigenProgress
	positives := 0
	allReactive := true
	for _, tc := range tested {
		typing, ok := tc.cell.Reactions[antigen]
		if !ok {
			continue
		}
		p.TotalCells++
		switch {
		case typing == domain.Positive && tc.patient == domain.Positive:
			p.PositiveMatches++
			positives++
		case typing == domain.Negative && tc.patient == domain.Negative:
			p.NegativeMatches++
		default:
			p.Mismatches++
		}
		if typing == domain.Positive && tc.patient != domain.Positive {
			positives++
			allReactive = false
		}
	}
	if p.TotalCells > 0 {
		pct := float64(p.PositiveMatches+p.NegativeMatches) / float64(p.TotalCells) * 100
		p.MatchPercentage = math.Round(pct*10) / 10
	}
	return p, positives, allReactive
}

func dedupeDetails(details []domain.RuledOutDetail) []domain.RuledOutDetail {
	slices.SortFunc(details, func(a, b domain.RuledOutDetail) int {
		return cmp.Or(
			cmp.Compare(a.LotNumber, b.LotNumber),
			cmp.Compare(a.CellNumber, b.CellNumber),
			cmp.Compare(a.AntigramID, b.AntigramID),
		)
	})
	return slices.CompactFunc(details, func(a, b domain.RuledOutDetail) bool {
		return a.AntigramID == b.AntigramID && a.CellNumber == b.CellNumber && a.RuleType == b.RuleType
	})
}
