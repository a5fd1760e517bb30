package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/domain"
)

// CellReaction is one entry of a batch recording
type CellReaction struct {
	CellNumber int    `json:"cell_number"`
	Reaction   string `json:"patient_reaction"`
}

// ReactionService records patient reactions and pushes a fresh evaluation after every change
type ReactionService struct {
	reactions domain.ReactionStore
	antigrams domain.AntigramStore
	abid      *ABIDService
	publisher domain.ResultPublisher
	logger    *logrus.Logger
}

// NewReactionService creates a new reaction service. publisher may be nil.
func NewReactionService(reactions domain.ReactionStore, antigrams domain.AntigramStore, abid *ABIDService, publisher domain.ResultPublisher, logger *logrus.Logger) *ReactionService {
	return &ReactionService{
		reactions: reactions,
		antigrams: antigrams,
		abid:      abid,
		publisher: publisher,
		logger:    logger,
	}
}

// NewSession returns a fresh session identifier
func (s *ReactionService) NewSession() string {
	return uuid.NewString()
}

// RecordReaction stores the patient's reaction against one cell, replacing any earlier one
func (s *ReactionService) RecordReaction(ctx context.Context, sessionID string, antigramID int64, cellNumber int, raw string) (*domain.PatientReaction, error) {
	sessionID = domain.NormalizeSessionID(sessionID)

	reaction, err := domain.ParseReaction(raw)
	if err != nil {
		return nil, err
	}
	antigram, err := s.antigrams.GetAntigram(ctx, antigramID)
	if err != nil {
		return nil, err
	}
	if _, ok := antigram.Cell(cellNumber); !ok {
		return nil, fmt.Errorf("cell %d in antigram %d: %w", cellNumber, antigramID, domain.ErrNotFound)
	}

	pr := &domain.PatientReaction{
		SessionID:  sessionID,
		AntigramID: antigramID,
		LotNumber:  antigram.LotNumber,
		CellNumber: cellNumber,
		Reaction:   reaction,
	}
	if err := s.reactions.Upsert(ctx, pr); err != nil {
		return nil, fmt.Errorf("failed to record reaction: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"antigram_id": antigramID,
		"cell_number": cellNumber,
		"reaction":    reaction,
	}).Debug("Recorded patient reaction")

	s.notify(ctx, sessionID)
	return pr, nil
}

// RecordBatch validates every entry before storing any of them
func (s *ReactionService) RecordBatch(ctx context.Context, sessionID string, antigramID int64, entries []CellReaction) ([]domain.PatientReaction, error) {
	sessionID = domain.NormalizeSessionID(sessionID)

	if len(entries) == 0 {
		return nil, domain.NewValidationError("reactions", "at least one reaction is required", nil)
	}
	antigram, err := s.antigrams.GetAntigram(ctx, antigramID)
	if err != nil {
		return nil, err
	}

	batch := make([]domain.PatientReaction, 0, len(entries))
	for _, e := range entries {
		reaction, err := domain.ParseReaction(e.Reaction)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", e.CellNumber, err)
		}
		if _, ok := antigram.Cell(e.CellNumber); !ok {
			return nil, fmt.Errorf("cell %d in antigram %d: %w", e.CellNumber, antigramID, domain.ErrNotFound)
		}
		batch = append(batch, domain.PatientReaction{
			SessionID:  sessionID,
			AntigramID: antigramID,
			LotNumber:  antigram.LotNumber,
			CellNumber: e.CellNumber,
			Reaction:   reaction,
		})
	}

	if err := s.reactions.UpsertBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to record reactions: %w", err)
	}
	s.notify(ctx, sessionID)
	return batch, nil
}

// DeleteReaction removes the reaction recorded against one cell
func (s *ReactionService) DeleteReaction(ctx context.Context, sessionID string, antigramID int64, cellNumber int) error {
	sessionID = domain.NormalizeSessionID(sessionID)
	if err := s.reactions.Delete(ctx, sessionID, antigramID, cellNumber); err != nil {
		return err
	}
	s.notify(ctx, sessionID)
	return nil
}

// ListReactions returns the session's reactions with current lot numbers
func (s *ReactionService) ListReactions(ctx context.Context, sessionID string) ([]domain.PatientReaction, error) {
	sessionID = domain.NormalizeSessionID(sessionID)
	reactions, err := s.reactions.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reactions: %w", err)
	}

	lots := make(map[int64]string)
	for i := range reactions {
		id := reactions[i].AntigramID
		lot, ok := lots[id]
		if !ok {
			if a, err := s.antigrams.GetAntigram(ctx, id); err == nil {
				lot = a.LotNumber
			}
			lots[id] = lot
		}
		if lot != "" {
			reactions[i].LotNumber = lot
		}
	}
	return reactions, nil
}

// ClearAll removes every reaction in the session, starting a new search
func (s *ReactionService) ClearAll(ctx context.Context, sessionID string) (int64, error) {
	sessionID = domain.NormalizeSessionID(sessionID)
	n, err := s.reactions.Clear(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear reactions: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"cleared":    n,
	}).Info("Cleared patient reactions")
	s.notify(ctx, sessionID)
	return n, nil
}

// notify pushes a fresh evaluation to the publisher. Failures are logged only; the
// mutation itself already succeeded.
func (s *ReactionService) notify(ctx context.Context, sessionID string) {
	if s.publisher == nil || s.abid == nil {
		return
	}
	result, err := s.abid.Evaluate(ctx, sessionID)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Warn("Failed to evaluate after reaction change")
		return
	}
	s.publisher.Publish(result)
}
