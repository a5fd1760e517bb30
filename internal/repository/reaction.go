package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/database"
	"github.com/abid-rules-server/internal/domain"
)

const upsertReaction = `
	INSERT INTO patient_reactions (session_id, antigram_id, lot_number, cell_number, reaction, updated_at)
	VALUES ($1, $2, $3, $4, $5, NOW())
	ON CONFLICT (session_id, antigram_id, cell_number)
	DO UPDATE SET reaction = EXCLUDED.reaction, lot_number = EXCLUDED.lot_number, updated_at = NOW()
	RETURNING updated_at`

// ReactionRepository handles patient reaction persistence
type ReactionRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewReactionRepository creates a new reaction repository
func NewReactionRepository(db *pgxpool.Pool, logger *logrus.Logger) *ReactionRepository {
	return &ReactionRepository{
		db:  db,
		log: logger,
	}
}

// Upsert records or replaces the reaction for a cell
func (r *ReactionRepository) Upsert(ctx context.Context, reaction *domain.PatientReaction) error {
	err := r.db.QueryRow(ctx, upsertReaction,
		reaction.SessionID,
		reaction.AntigramID,
		reaction.LotNumber,
		reaction.CellNumber,
		string(reaction.Reaction),
	).Scan(&reaction.UpdatedAt)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"session_id":  reaction.SessionID,
			"antigram_id": reaction.AntigramID,
			"cell_number": reaction.CellNumber,
			"error":       err,
		}).Error("Failed to upsert patient reaction")
		return fmt.Errorf("upserting patient reaction: %w", err)
	}
	return nil
}

// UpsertBatch records several reactions in one transaction
func (r *ReactionRepository) UpsertBatch(ctx context.Context, reactions []domain.PatientReaction) error {
	return database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range reactions {
			batch.Queue(upsertReaction, p.SessionID, p.AntigramID, p.LotNumber, p.CellNumber, string(p.Reaction))
		}
		results := tx.SendBatch(ctx, batch)
		for i := range reactions {
			if err := results.QueryRow().Scan(&reactions[i].UpdatedAt); err != nil {
				_ = results.Close()
				return fmt.Errorf("upserting patient reaction for cell %d: %w", reactions[i].CellNumber, err)
			}
		}
		return results.Close()
	})
}

// Delete removes one reaction
func (r *ReactionRepository) Delete(ctx context.Context, sessionID string, antigramID int64, cellNumber int) error {
	result, err := r.db.Exec(ctx,
		`DELETE FROM patient_reactions WHERE session_id = $1 AND antigram_id = $2 AND cell_number = $3`,
		sessionID, antigramID, cellNumber,
	)
	if err != nil {
		return fmt.Errorf("deleting patient reaction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("reaction for antigram %d cell %d: %w", antigramID, cellNumber, domain.ErrNotFound)
	}
	return nil
}

// List returns the session's reactions ordered by antigram and cell
func (r *ReactionRepository) List(ctx context.Context, sessionID string) ([]domain.PatientReaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT session_id, antigram_id, lot_number, cell_number, reaction, updated_at
		FROM patient_reactions
		WHERE session_id = $1
		ORDER BY antigram_id, cell_number`, sessionID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err,
		}).Error("Failed to list patient reactions")
		return nil, fmt.Errorf("listing patient reactions: %w", err)
	}
	defer rows.Close()

	out := []domain.PatientReaction{}
	for rows.Next() {
		var (
			p        domain.PatientReaction
			reaction string
		)
		if err := rows.Scan(&p.SessionID, &p.AntigramID, &p.LotNumber, &p.CellNumber, &reaction, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning patient reaction row: %w", err)
		}
		p.Reaction = domain.Reaction(reaction)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating patient reaction rows: %w", err)
	}
	return out, nil
}

// Clear drops every reaction in the session
func (r *ReactionRepository) Clear(ctx context.Context, sessionID string) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM patient_reactions WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clearing patient reactions: %w", err)
	}
	return result.RowsAffected(), nil
}
