package service

import (
	"context"
	"fmt"
	"maps"

	"github.com/abid-rules-server/internal/domain"
)

// CellFinder searches every antigram for reagent cells with a given antigen pattern
type CellFinder struct {
	antigrams domain.AntigramStore
}

// NewCellFinder creates a new cell finder
func NewCellFinder(antigrams domain.AntigramStore) *CellFinder {
	return &CellFinder{antigrams: antigrams}
}

// Find returns the cells whose profile matches every antigen in the pattern. Antigrams that
// do not type for one of the pattern antigens are skipped.
func (f *CellFinder) Find(ctx context.Context, pattern map[string]domain.Reaction) ([]domain.CellMatch, error) {
	if len(pattern) == 0 {
		return nil, domain.NewValidationError("pattern", "at least one antigen is required", nil)
	}
	for antigen, r := range pattern {
		if !r.IsValid() {
			return nil, fmt.Errorf("antigen %s: %w: %q", antigen, domain.ErrInvalidReactionValue, r)
		}
	}

	antigrams, err := f.antigrams.ListAntigrams(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list antigrams: %w", err)
	}

	matches := []domain.CellMatch{}
	for _, a := range antigrams {
		if !typesAll(a.AntigenOrder, pattern) {
			continue
		}
		for _, c := range a.Cells {
			if !matchesPattern(c, pattern) {
				continue
			}
			matches = append(matches, domain.CellMatch{
				AntigramID:   a.ID,
				LotNumber:    a.LotNumber,
				TemplateName: a.TemplateName,
				CellNumber:   c.CellNumber,
				Reactions:    maps.Clone(c.Reactions),
			})
		}
	}
	return matches, nil
}

func typesAll(order []string, pattern map[string]domain.Reaction) bool {
	columns := make(map[string]bool, len(order))
	for _, a := range order {
		columns[a] = true
	}
	for antigen := range pattern {
		if !columns[antigen] {
			return false
		}
	}
	return true
}

func matchesPattern(c domain.Cell, pattern map[string]domain.Reaction) bool {
	for antigen, want := range pattern {
		if c.Reactions[antigen] != want {
			return false
		}
	}
	return true
}
