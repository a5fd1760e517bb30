package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/domain"
)

// ABIDService evaluates a session against a consistent snapshot of the stores
type ABIDService struct {
	rules     domain.RuleStore
	reactions domain.ReactionStore
	antigrams domain.AntigramStore
	engine    *ABIDEngine
	lookup    *AntigenLookup
	logger    *logrus.Logger
}

// NewABIDService creates a new evaluation service. lookup may be nil, in which case
// results carry no antigen systems.
func NewABIDService(rules domain.RuleStore, reactions domain.ReactionStore, antigrams domain.AntigramStore, lookup *AntigenLookup, logger *logrus.Logger) *ABIDService {
	return &ABIDService{
		rules:     rules,
		reactions: reactions,
		antigrams: antigrams,
		engine:    NewABIDEngine(logger),
		lookup:    lookup,
		logger:    logger,
	}
}

// LookupStats reports antigen lookup cache behaviour; ok is false when no lookup is attached.
func (s *ABIDService) LookupStats() (stats LookupStats, ok bool) {
	if s.lookup == nil {
		return LookupStats{}, false
	}
	return s.lookup.Stats(), true
}

// Evaluate classifies the panel antigens for a session. Only storage failures are returned;
// unusable rules and reactions against deleted antigrams are skipped.
func (s *ABIDService) Evaluate(ctx context.Context, sessionID string) (*domain.ABIDResult, error) {
	sessionID = domain.NormalizeSessionID(sessionID)

	panel, err := s.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rules, err := s.rules.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	result := s.engine.Evaluate(sessionID, panel, rules)

	if s.lookup != nil {
		antigens := slices.Concat(result.RuledOut, result.Matches, result.StillToRuleOut)
		if systems := s.lookup.Systems(ctx, antigens); len(systems) > 0 {
			result.AntigenSystems = systems
		}
	}
	return result, nil
}

// snapshot lists the session's reactions once and loads each referenced antigram once.
func (s *ABIDService) snapshot(ctx context.Context, sessionID string) (Panel, error) {
	reactions, err := s.reactions.List(ctx, sessionID)
	if err != nil {
		return Panel{}, fmt.Errorf("failed to load reactions: %w", err)
	}

	panel := Panel{Reactions: reactions}
	loaded := make(map[int64]bool)
	for _, r := range reactions {
		if loaded[r.AntigramID] {
			continue
		}
		loaded[r.AntigramID] = true

		a, err := s.antigrams.GetAntigram(ctx, r.AntigramID)
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.WithFields(logrus.Fields{
				"session_id":  sessionID,
				"antigram_id": r.AntigramID,
			}).Warn("Skipping reactions against a missing antigram")
			continue
		}
		if err != nil {
			return Panel{}, fmt.Errorf("failed to load antigram %d: %w", r.AntigramID, err)
		}
		panel.Antigrams = append(panel.Antigrams, *a)
	}
	return panel, nil
}
