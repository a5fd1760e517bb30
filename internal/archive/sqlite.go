package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/abid-rules-server/internal/domain"
)

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens the archive file, creating it and its schema when missing.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workups (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		specimen_ref TEXT NOT NULL DEFAULT '',
		identified_antibodies TEXT NOT NULL DEFAULT '[]',
		notes TEXT NOT NULL DEFAULT '',
		performed_by TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_workups_session ON workups(session_id);
	CREATE INDEX IF NOT EXISTS idx_workups_created_at ON workups(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

const sqliteSelect = `
	SELECT id, session_id, specimen_ref, identified_antibodies,
		notes, performed_by, result, created_at, updated_at
	FROM workups`

// Save stores or replaces a workup.
func (s *SQLiteStore) Save(ctx context.Context, workup *domain.Workup) error {
	if err := prepare(workup); err != nil {
		return err
	}
	antibodies, result, err := encodeWorkup(workup)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	var createdAt time.Time
	err = s.db.QueryRowContext(ctx, "SELECT created_at FROM workups WHERE id = ?", workup.ID).Scan(&createdAt)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE workups SET
				session_id = ?,
				specimen_ref = ?,
				identified_antibodies = ?,
				notes = ?,
				performed_by = ?,
				result = ?,
				updated_at = ?
			WHERE id = ?
		`,
			workup.SessionID,
			workup.SpecimenRef,
			string(antibodies),
			workup.Notes,
			workup.PerformedBy,
			string(result),
			now,
			workup.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update: %w", err)
		}
		workup.CreatedAt = createdAt
		workup.UpdatedAt = now
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	if workup.CreatedAt.IsZero() {
		workup.CreatedAt = now
	}
	workup.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workups (
			id, session_id, specimen_ref, identified_antibodies,
			notes, performed_by, result, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		workup.ID,
		workup.SessionID,
		workup.SpecimenRef,
		string(antibodies),
		workup.Notes,
		workup.PerformedBy,
		string(result),
		workup.CreatedAt,
		workup.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}
	return nil
}

// Get retrieves a workup by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Workup, error) {
	w, err := scanWorkup(s.db.QueryRowContext(ctx, sqliteSelect+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workup %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return w, nil
}

// List returns workups newest first.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*domain.Workup, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelect+" ORDER BY created_at DESC, id LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
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
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workups").Scan(&count)
	return count, err
}

// Delete removes a workup.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workups WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workup %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ExportJSON writes every workup to writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return exportJSON(ctx, s, writer)
}

// ImportJSON loads workups, skipping ids already present.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importJSON(ctx, s, reader)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
