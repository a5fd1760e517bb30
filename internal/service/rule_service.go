package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/reference"
)

// RuleDefinition is the client-supplied shape of a new rule
type RuleDefinition struct {
	TargetAntigen string          `json:"target_antigen"`
	RuleType      domain.RuleType `json:"rule_type"`
	RuleData      json.RawMessage `json:"rule_data"`
	Description   string          `json:"description"`
	Enabled       *bool           `json:"enabled,omitempty"`
}

// RuleUpdate carries a partial update; nil fields are left unchanged
type RuleUpdate struct {
	TargetAntigen *string          `json:"target_antigen,omitempty"`
	RuleType      *domain.RuleType `json:"rule_type,omitempty"`
	RuleData      json.RawMessage  `json:"rule_data,omitempty"`
	Description   *string          `json:"description,omitempty"`
	Enabled       *bool            `json:"enabled,omitempty"`
}

// RuleService manages the antibody rule set
type RuleService struct {
	store     domain.RuleStore
	catalogue *reference.Catalogue
	logger    *logrus.Logger
}

// NewRuleService creates a new rule service
func NewRuleService(store domain.RuleStore, catalogue *reference.Catalogue, logger *logrus.Logger) *RuleService {
	return &RuleService{store: store, catalogue: catalogue, logger: logger}
}

// ListRules returns every stored rule
func (s *RuleService) ListRules(ctx context.Context) ([]domain.AntibodyRule, error) {
	rules, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// GetRule returns a rule by id
func (s *RuleService) GetRule(ctx context.Context, id int64) (*domain.AntibodyRule, error) {
	return s.store.Get(ctx, id)
}

// CreateRule validates and stores a new rule. Rules are enabled unless the definition says otherwise.
func (s *RuleService) CreateRule(ctx context.Context, def RuleDefinition) (*domain.AntibodyRule, error) {
	if !def.RuleType.IsValid() {
		return nil, domain.NewValidationError("rule_type", "unsupported rule type", string(def.RuleType))
	}
	if len(def.RuleData) == 0 {
		return nil, domain.NewValidationError("rule_data", "is required", nil)
	}
	data, err := domain.DecodeRuleData(def.RuleType, def.RuleData)
	if err != nil {
		return nil, err
	}

	rule := &domain.AntibodyRule{
		TargetAntigen: strings.TrimSpace(def.TargetAntigen),
		Data:          data,
		Description:   def.Description,
		Enabled:       def.Enabled == nil || *def.Enabled,
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"rule_id":   rule.ID,
		"target":    rule.TargetAntigen,
		"rule_type": rule.Type(),
	}).Info("Created antibody rule")
	return rule, nil
}

// UpdateRule applies a partial update and re-validates the rule as a whole
func (s *RuleService) UpdateRule(ctx context.Context, id int64, update RuleUpdate) (*domain.AntibodyRule, error) {
	rule, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.TargetAntigen != nil {
		rule.TargetAntigen = strings.TrimSpace(*update.TargetAntigen)
	}
	if update.Description != nil {
		rule.Description = *update.Description
	}
	if update.Enabled != nil {
		rule.Enabled = *update.Enabled
	}

	kind := rule.Type()
	if update.RuleType != nil {
		if !update.RuleType.IsValid() {
			return nil, domain.NewValidationError("rule_type", "unsupported rule type", string(*update.RuleType))
		}
		if *update.RuleType != kind && len(update.RuleData) == 0 {
			return nil, domain.NewValidationError("rule_data", "is required when rule_type changes", nil)
		}
		kind = *update.RuleType
	}
	if len(update.RuleData) > 0 {
		data, err := domain.DecodeRuleData(kind, update.RuleData)
		if err != nil {
			return nil, err
		}
		rule.Data = data
	}

	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to update rule %d: %w", id, err)
	}
	return rule, nil
}

// DeleteRule removes a rule
func (s *RuleService) DeleteRule(ctx context.Context, id int64) error {
	return s.store.Delete(ctx, id)
}

// DeleteAllRules removes every rule and reports how many were deleted
func (s *RuleService) DeleteAllRules(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rules: %w", err)
	}
	s.logger.WithField("deleted", n).Warn("Deleted all antibody rules")
	return n, nil
}

// InitializeDefaults replaces the rule set with the built-in defaults
func (s *RuleService) InitializeDefaults(ctx context.Context) (int, error) {
	rules := s.catalogue.CloneRules()
	if err := s.store.ReplaceAll(ctx, rules); err != nil {
		return 0, fmt.Errorf("failed to initialize default rules: %w", err)
	}
	s.logger.WithField("rules", len(rules)).Info("Initialized default antibody rules")
	return len(rules), nil
}

// ImportLegacyRule converts a rule in the older condition-list shape and stores it
func (s *RuleService) ImportLegacyRule(ctx context.Context, legacy domain.LegacyAntigenRule) (*domain.AntibodyRule, error) {
	rule, err := legacy.ToAntibodyRule()
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to import rule: %w", err)
	}
	return rule, nil
}

// ValidAntigens returns the antigens targeted by at least one enabled rule, in the default
// panel order followed by any others alphabetically
func (s *RuleService) ValidAntigens(ctx context.Context) ([]string, error) {
	rules, err := s.store.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	targets := make(map[string]bool, len(rules))
	for _, r := range rules {
		targets[r.TargetAntigen] = true
	}
	return orderAntigens(targets, s.catalogue.DefaultOrder), nil
}
