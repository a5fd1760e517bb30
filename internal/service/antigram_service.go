package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/domain"
)

// AntigramService validates and stores templates and antigrams
type AntigramService struct {
	store  domain.AntigramStore
	logger *logrus.Logger
}

// NewAntigramService creates a new antigram service
func NewAntigramService(store domain.AntigramStore, logger *logrus.Logger) *AntigramService {
	return &AntigramService{store: store, logger: logger}
}

// ListTemplates returns every template
func (s *AntigramService) ListTemplates(ctx context.Context) ([]domain.AntigramTemplate, error) {
	return s.store.ListTemplates(ctx)
}

// GetTemplate returns a template by id
func (s *AntigramService) GetTemplate(ctx context.Context, id int64) (*domain.AntigramTemplate, error) {
	return s.store.GetTemplate(ctx, id)
}

// CreateTemplate validates and stores a template
func (s *AntigramService) CreateTemplate(ctx context.Context, t *domain.AntigramTemplate) error {
	if err := validateTemplate(t); err != nil {
		return err
	}
	return s.store.CreateTemplate(ctx, t)
}

// UpdateTemplate validates and replaces a template
func (s *AntigramService) UpdateTemplate(ctx context.Context, t *domain.AntigramTemplate) error {
	if err := validateTemplate(t); err != nil {
		return err
	}
	return s.store.UpdateTemplate(ctx, t)
}

// DeleteTemplate removes a template
func (s *AntigramService) DeleteTemplate(ctx context.Context, id int64) error {
	return s.store.DeleteTemplate(ctx, id)
}

func validateTemplate(t *domain.AntigramTemplate) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return domain.NewValidationError("name", "is required", t.Name)
	}
	if err := validateAntigenOrder(t.AntigenOrder); err != nil {
		return err
	}
	if t.CellCount <= 0 {
		return domain.NewValidationError("cell_count", "must be positive", t.CellCount)
	}
	if r := t.CellRange; r != nil {
		if r.Start < 1 || r.End < r.Start {
			return domain.NewValidationError("cell_range", "start must be at least 1 and not after end", *r)
		}
		if r.Span() != t.CellCount {
			return domain.NewValidationError("cell_range", fmt.Sprintf("spans %d cells but cell_count is %d", r.Span(), t.CellCount), *r)
		}
	}
	return nil
}

func validateAntigenOrder(order []string) error {
	if len(order) == 0 {
		return domain.NewValidationError("antigen_order", "must not be empty", order)
	}
	seen := make(map[string]bool, len(order))
	for _, a := range order {
		if strings.TrimSpace(a) == "" {
			return domain.NewValidationError("antigen_order", "contains an empty antigen", order)
		}
		if seen[a] {
			return domain.NewValidationError("antigen_order", "duplicate antigen "+a, order)
		}
		seen[a] = true
	}
	return nil
}

// ListAntigrams returns every antigram, optionally filtered by a case-insensitive lot substring
func (s *AntigramService) ListAntigrams(ctx context.Context, search string) ([]domain.Antigram, error) {
	all, err := s.store.ListAntigrams(ctx)
	if err != nil {
		return nil, err
	}
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return all, nil
	}
	out := []domain.Antigram{}
	for _, a := range all {
		if strings.Contains(strings.ToLower(a.LotNumber), search) {
			out = append(out, a)
		}
	}
	return out, nil
}

// GetAntigram returns an antigram by id
func (s *AntigramService) GetAntigram(ctx context.Context, id int64) (*domain.Antigram, error) {
	return s.store.GetAntigram(ctx, id)
}

// CreateAntigram validates an antigram against its template and stores it. A lot number that is
// already in use is reported as a warning.
func (s *AntigramService) CreateAntigram(ctx context.Context, a *domain.Antigram) ([]string, error) {
	tpl, err := s.prepareAntigram(ctx, a)
	if err != nil {
		return nil, err
	}
	warnings, err := s.lotWarnings(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateAntigram(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create antigram: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"antigram_id": a.ID,
		"lot_number":  a.LotNumber,
		"template":    tpl.Name,
		"cells":       len(a.Cells),
	}).Info("Created antigram")
	return warnings, nil
}

// UpdateAntigram validates and replaces an antigram
func (s *AntigramService) UpdateAntigram(ctx context.Context, a *domain.Antigram) ([]string, error) {
	existing, err := s.store.GetAntigram(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if a.TemplateID == 0 {
		a.TemplateID = existing.TemplateID
	}
	if _, err := s.prepareAntigram(ctx, a); err != nil {
		return nil, err
	}
	warnings, err := s.lotWarnings(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateAntigram(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to update antigram %d: %w", a.ID, err)
	}
	return warnings, nil
}

// DeleteAntigram removes an antigram
func (s *AntigramService) DeleteAntigram(ctx context.Context, id int64) error {
	return s.store.DeleteAntigram(ctx, id)
}

// DeleteAllAntigrams removes every antigram
func (s *AntigramService) DeleteAllAntigrams(ctx context.Context) (int64, error) {
	return s.store.DeleteAllAntigrams(ctx)
}

// prepareAntigram fills template-derived fields and validates the cells.
func (s *AntigramService) prepareAntigram(ctx context.Context, a *domain.Antigram) (*domain.AntigramTemplate, error) {
	a.LotNumber = strings.TrimSpace(a.LotNumber)
	if a.LotNumber == "" {
		return nil, domain.NewValidationError("lot_number", "is required", a.LotNumber)
	}
	if a.ExpirationDate != "" {
		if _, err := time.Parse(time.DateOnly, a.ExpirationDate); err != nil {
			return nil, domain.NewValidationError("expiration_date", "must be YYYY-MM-DD", a.ExpirationDate)
		}
	}

	tpl, err := s.store.GetTemplate(ctx, a.TemplateID)
	if err != nil {
		return nil, err
	}
	a.TemplateName = tpl.Name
	if len(a.AntigenOrder) == 0 {
		a.AntigenOrder = append([]string(nil), tpl.AntigenOrder...)
	}
	if err := validateAntigenOrder(a.AntigenOrder); err != nil {
		return nil, err
	}
	if err := validateCells(a, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

func validateCells(a *domain.Antigram, tpl *domain.AntigramTemplate) error {
	if len(a.Cells) == 0 {
		return domain.NewValidationError("cells", "at least one cell is required", nil)
	}
	seen := make(map[int]bool, len(a.Cells))
	for _, c := range a.Cells {
		if c.CellNumber < 1 {
			return domain.NewValidationError("cells", "cell numbers start at 1", c.CellNumber)
		}
		if seen[c.CellNumber] {
			return domain.NewValidationError("cells", fmt.Sprintf("duplicate cell %d", c.CellNumber), c.CellNumber)
		}
		seen[c.CellNumber] = true
		if tpl.CellRange != nil && !tpl.CellRange.Contains(c.CellNumber) {
			return domain.NewValidationError("cells", fmt.Sprintf("cell %d is outside the template range %d-%d", c.CellNumber, tpl.CellRange.Start, tpl.CellRange.End), c.CellNumber)
		}
		for _, antigen := range a.AntigenOrder {
			r, ok := c.Reactions[antigen]
			if !ok {
				return domain.NewValidationError("cells", fmt.Sprintf("cell %d has no reaction for %s", c.CellNumber, antigen), c.CellNumber)
			}
			if !r.IsValid() {
				return fmt.Errorf("cell %d antigen %s: %w: %q", c.CellNumber, antigen, domain.ErrInvalidReactionValue, r)
			}
		}
	}
	if len(a.Cells) > tpl.CellCount {
		return domain.NewValidationError("cells", fmt.Sprintf("template allows %d cells", tpl.CellCount), len(a.Cells))
	}
	return nil
}

func (s *AntigramService) lotWarnings(ctx context.Context, a *domain.Antigram) ([]string, error) {
	same, err := s.store.FindByLot(ctx, a.LotNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to check lot number: %w", err)
	}
	warnings := []string{}
	for _, other := range same {
		if other.ID != a.ID {
			warnings = append(warnings, fmt.Sprintf("lot number %s is already used by antigram %d", a.LotNumber, other.ID))
		}
	}
	return warnings, nil
}
