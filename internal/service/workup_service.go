package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/archive"
	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/events"
)

// WorkupRequest is the technologist's conclusion for the current session
type WorkupRequest struct {
	SpecimenRef          string   `json:"specimen_ref"`
	IdentifiedAntibodies []string `json:"identified_antibodies"`
	Notes                string   `json:"notes"`
	PerformedBy          string   `json:"performed_by"`
}

// WorkupService snapshots evaluations into the archive
type WorkupService struct {
	abid      *ABIDService
	store     archive.Store
	publisher events.Publisher
	logger    *logrus.Logger
}

// NewWorkupService creates a new workup service. publisher may be nil.
func NewWorkupService(abid *ABIDService, store archive.Store, publisher events.Publisher, logger *logrus.Logger) *WorkupService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &WorkupService{abid: abid, store: store, publisher: publisher, logger: logger}
}

// SaveWorkup evaluates the session and archives the result with the identified antibodies.
// It also returns the identified antibodies whose antigen the current evaluation rules out.
func (s *WorkupService) SaveWorkup(ctx context.Context, sessionID string, req WorkupRequest) (*domain.Workup, []string, error) {
	identified, err := normalizeAntibodies(req.IdentifiedAntibodies)
	if err != nil {
		return nil, nil, err
	}

	result, err := s.abid.Evaluate(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	w := &domain.Workup{
		SessionID:            result.SessionID,
		SpecimenRef:          strings.TrimSpace(req.SpecimenRef),
		IdentifiedAntibodies: identified,
		Notes:                req.Notes,
		PerformedBy:          req.PerformedBy,
		Result:               result,
	}
	if err := s.store.Save(ctx, w); err != nil {
		return nil, nil, fmt.Errorf("failed to archive workup: %w", err)
	}

	var conflicts []string
	for _, antibody := range identified {
		if result.Classification(strings.TrimPrefix(antibody, "anti-")) == "ruled_out" {
			conflicts = append(conflicts, antibody)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"workup_id":  w.ID,
		"session_id": w.SessionID,
		"identified": identified,
		"conflicts":  conflicts,
	}).Info("Workup archived")

	s.publish(ctx, events.WorkupSaved, w)
	return w, conflicts, nil
}

// GetWorkup returns an archived workup
func (s *WorkupService) GetWorkup(ctx context.Context, id string) (*domain.Workup, error) {
	return s.store.Get(ctx, id)
}

// ListWorkups returns one page of workups, newest first, together with the total count
func (s *WorkupService) ListWorkups(ctx context.Context, limit, offset int) ([]*domain.Workup, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	list, err := s.store.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// DeleteWorkup removes an archived workup
func (s *WorkupService) DeleteWorkup(ctx context.Context, id string) error {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, events.WorkupDeleted, w)
	return nil
}

// ExportWorkups writes the whole archive as JSON
func (s *WorkupService) ExportWorkups(ctx context.Context, w io.Writer) error {
	return s.store.ExportJSON(ctx, w)
}

// Archive exposes the underlying store for bulk operations
func (s *WorkupService) Archive() archive.Store {
	return s.store
}

func (s *WorkupService) publish(ctx context.Context, eventType string, w *domain.Workup) {
	if err := s.publisher.Publish(ctx, events.NewWorkupEvent(eventType, w)); err != nil {
		s.logger.WithError(err).WithField("workup_id", w.ID).Warn("Workup event not delivered")
	}
}

func normalizeAntibodies(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			return nil, domain.NewValidationError("identified_antibodies", "must not contain empty entries", in)
		}
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out, nil
}
