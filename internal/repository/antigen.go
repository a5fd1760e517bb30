package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/database"
	"github.com/abid-rules-server/internal/domain"
)

// AntigenRepository handles antigen catalogue persistence
type AntigenRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewAntigenRepository creates a new antigen repository
func NewAntigenRepository(db *pgxpool.Pool, logger *logrus.Logger) *AntigenRepository {
	return &AntigenRepository{
		db:  db,
		log: logger,
	}
}

// List returns antigens ordered by system then name
func (r *AntigenRepository) List(ctx context.Context) ([]domain.Antigen, error) {
	rows, err := r.db.Query(ctx, `SELECT name, system FROM antigens ORDER BY system, name`)
	if err != nil {
		return nil, fmt.Errorf("listing antigens: %w", err)
	}
	defer rows.Close()

	out := []domain.Antigen{}
	for rows.Next() {
		var a domain.Antigen
		if err := rows.Scan(&a.Name, &a.System); err != nil {
			return nil, fmt.Errorf("scanning antigen row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get retrieves an antigen by name
func (r *AntigenRepository) Get(ctx context.Context, name string) (*domain.Antigen, error) {
	var a domain.Antigen
	err := r.db.QueryRow(ctx, `SELECT name, system FROM antigens WHERE name = $1`, name).Scan(&a.Name, &a.System)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("antigen %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting antigen: %w", err)
	}
	return &a, nil
}

// Create inserts an antigen; names are unique
func (r *AntigenRepository) Create(ctx context.Context, antigen *domain.Antigen) error {
	_, err := r.db.Exec(ctx, `INSERT INTO antigens (name, system) VALUES ($1, $2)`, antigen.Name, antigen.System)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("antigen %s: %w", antigen.Name, domain.ErrConflict)
		}
		return fmt.Errorf("creating antigen: %w", err)
	}
	return nil
}

// Delete removes an antigen
func (r *AntigenRepository) Delete(ctx context.Context, name string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM antigens WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("deleting antigen: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("antigen %s: %w", name, domain.ErrNotFound)
	}
	return nil
}

// ReplaceAll swaps the catalogue in one transaction
func (r *AntigenRepository) ReplaceAll(ctx context.Context, antigens []domain.Antigen) error {
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM antigens`); err != nil {
			return fmt.Errorf("clearing antigens: %w", err)
		}
		rows := make([][]any, len(antigens))
		for i, a := range antigens {
			rows[i] = []any{a.Name, a.System}
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"antigens"}, []string{"name", "system"}, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copying antigens: %w", err)
		}
		return nil
	})
	if err != nil {
		r.log.WithError(err).Error("Failed to replace antigens")
		return err
	}
	return nil
}
