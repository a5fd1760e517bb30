package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"

	"github.com/abid-rules-server/internal/domain"
)

// PostgresStore implements Store on PostgreSQL. The workups table is created by migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL opens a PostgreSQL archive from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

const pgSelect = `
	SELECT id, session_id, specimen_ref, identified_antibodies,
		notes, performed_by, result, created_at, updated_at
	FROM workups`

// Save inserts or replaces a workup.
func (s *PostgresStore) Save(ctx context.Context, workup *domain.Workup) error {
	if err := prepare(workup); err != nil {
		return err
	}
	antibodies, result, err := encodeWorkup(workup)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := workup.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO workups (
			id, session_id, specimen_ref, identified_antibodies,
			notes, performed_by, result, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			specimen_ref = EXCLUDED.specimen_ref,
			identified_antibodies = EXCLUDED.identified_antibodies,
			notes = EXCLUDED.notes,
			performed_by = EXCLUDED.performed_by,
			result = EXCLUDED.result,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`

	err = s.db.QueryRowContext(ctx, query,
		workup.ID,
		workup.SessionID,
		workup.SpecimenRef,
		string(antibodies),
		workup.Notes,
		workup.PerformedBy,
		string(result),
		createdAt,
		now,
	).Scan(&workup.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save workup: %w", err)
	}

	workup.UpdatedAt = now
	return nil
}

// Get retrieves a workup by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Workup, error) {
	w, err := scanWorkup(s.db.QueryRowContext(ctx, pgSelect+" WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workup %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workup: %w", err)
	}
	return w, nil
}

// List returns workups newest first.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*domain.Workup, error) {
	rows, err := s.db.QueryContext(ctx, pgSelect+" ORDER BY created_at DESC, id LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list workups: %w", err)
	}
	defer rows.Close()

	result := []*domain.Workup{}
	for rows.Next() {
		w, err := scanWorkup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// Count returns the number of archived workups.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workups").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count workups: %w", err)
	}
	return count, nil
}

// Delete removes a workup.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workups WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete workup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workup %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ExportJSON writes every workup to writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return exportJSON(ctx, s, writer)
}

// ImportJSON loads workups, skipping ids already present.
func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importJSON(ctx, s, reader)
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
