package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/reference"
)

// AntigenService manages the antigen catalogue and its reference tables
type AntigenService struct {
	store     domain.AntigenStore
	rules     domain.RuleStore
	catalogue *reference.Catalogue
	lookup    *AntigenLookup
	logger    *logrus.Logger
}

// NewAntigenService creates a new antigen service. lookup may be nil.
func NewAntigenService(store domain.AntigenStore, rules domain.RuleStore, catalogue *reference.Catalogue, lookup *AntigenLookup, logger *logrus.Logger) *AntigenService {
	return &AntigenService{
		store:     store,
		rules:     rules,
		catalogue: catalogue,
		lookup:    lookup,
		logger:    logger,
	}
}

// ListAntigens returns the catalogue
func (s *AntigenService) ListAntigens(ctx context.Context) ([]domain.Antigen, error) {
	return s.store.List(ctx)
}

// CreateAntigen adds an antigen to the catalogue
func (s *AntigenService) CreateAntigen(ctx context.Context, antigen domain.Antigen) (*domain.Antigen, error) {
	antigen.Name = strings.TrimSpace(antigen.Name)
	antigen.System = strings.TrimSpace(antigen.System)
	if antigen.Name == "" {
		return nil, domain.NewValidationError("name", "is required", antigen.Name)
	}
	if antigen.System == "" {
		return nil, domain.NewValidationError("system", "is required", antigen.System)
	}
	if err := s.store.Create(ctx, &antigen); err != nil {
		return nil, err
	}
	s.invalidate(ctx, antigen.Name)
	return &antigen, nil
}

// DeleteAntigen removes an antigen and every rule targeting it
func (s *AntigenService) DeleteAntigen(ctx context.Context, name string) (int64, error) {
	if err := s.store.Delete(ctx, name); err != nil {
		return 0, err
	}
	s.invalidate(ctx, name)

	removed, err := s.rules.DeleteByTarget(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rules for antigen %s: %w", name, err)
	}
	s.logger.WithFields(logrus.Fields{
		"antigen":       name,
		"rules_deleted": removed,
	}).Info("Deleted antigen")
	return removed, nil
}

// InitializeAntigens replaces the catalogue with the built-in antigens
func (s *AntigenService) InitializeAntigens(ctx context.Context) (int, error) {
	antigens := slices.Clone(s.catalogue.Antigens)
	if err := s.store.ReplaceAll(ctx, antigens); err != nil {
		return 0, fmt.Errorf("failed to initialize antigens: %w", err)
	}
	s.invalidate(ctx)
	return len(antigens), nil
}

// Pairs returns the antithetical pair table restricted to antigens in the catalogue
func (s *AntigenService) Pairs(ctx context.Context) (domain.AntigenPairs, error) {
	antigens, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list antigens: %w", err)
	}
	known := make([]string, len(antigens))
	for i, a := range antigens {
		known[i] = a.Name
	}
	return s.catalogue.PairsFor(known), nil
}

// DefaultOrder returns the default panel column order
func (s *AntigenService) DefaultOrder() []string {
	return slices.Clone(s.catalogue.DefaultOrder)
}

func (s *AntigenService) invalidate(ctx context.Context, antigens ...string) {
	if s.lookup != nil {
		s.lookup.Invalidate(ctx, antigens...)
	}
}

// orderAntigens returns the set in the given order, with antigens missing from it
// appended alphabetically.
func orderAntigens(set map[string]bool, order []string) []string {
	out := make([]string, 0, len(set))
	for _, a := range order {
		if set[a] {
			out = append(out, a)
		}
	}
	var rest []string
	for a := range set {
		if !slices.Contains(order, a) {
			rest = append(rest, a)
		}
	}
	slices.Sort(rest)
	return append(out, rest...)
}
