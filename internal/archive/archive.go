// Package archive stores completed antibody workups: the evaluation snapshot together with
// the antibodies the technologist identified from it.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/abid-rules-server/internal/domain"
)

// Store defines the workup archive operations.
type Store interface {
	// Save inserts a workup, or replaces the one with the same id. An empty id is assigned.
	Save(ctx context.Context, workup *domain.Workup) error

	// Get returns a workup by id, wrapping domain.ErrNotFound when absent.
	Get(ctx context.Context, id string) (*domain.Workup, error)

	// List returns workups newest first.
	List(ctx context.Context, limit, offset int) ([]*domain.Workup, error)

	Count(ctx context.Context) (int64, error)

	// Delete removes a workup, wrapping domain.ErrNotFound when absent.
	Delete(ctx context.Context, id string) error

	// ExportJSON writes every workup to writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON loads workups from reader, skipping ids that already exist.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	Close() error
}

// Export is the JSON export format.
type Export struct {
	Version    string           `json:"version"`
	ExportedAt time.Time        `json:"exported_at"`
	Count      int              `json:"count"`
	Workups    []*domain.Workup `json:"workups"`
}

const (
	exportVersion  = "1.0"
	maxExportLimit = 1000000
)

// DriverSQLite and DriverPostgres select the archive backend.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open creates the configured archive. databaseURL is only used by the postgres driver.
func Open(config domain.ArchiveConfig, databaseURL string) (Store, error) {
	switch config.Driver {
	case "", DriverSQLite:
		path := config.SQLitePath
		if path == "" {
			path = "data/workups.db"
		}
		return NewSQLiteStore(path)
	case DriverPostgres:
		return NewPostgresStoreFromURL(databaseURL)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", config.Driver)
	}
}

// prepare assigns an id and validates the workup before it is written.
func prepare(w *domain.Workup) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.SessionID == "" {
		return domain.NewValidationError("session_id", "is required", w.SessionID)
	}
	if w.Result == nil {
		return domain.NewValidationError("result", "is required", nil)
	}
	if w.IdentifiedAntibodies == nil {
		w.IdentifiedAntibodies = []string{}
	}
	return nil
}

func encodeWorkup(w *domain.Workup) (antibodies, result []byte, err error) {
	antibodies, err = json.Marshal(w.IdentifiedAntibodies)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode identified antibodies: %w", err)
	}
	result, err = json.Marshal(w.Result)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return antibodies, result, nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkup(s scanner) (*domain.Workup, error) {
	w := &domain.Workup{}
	var antibodies, result []byte

	err := s.Scan(
		&w.ID, &w.SessionID, &w.SpecimenRef, &antibodies,
		&w.Notes, &w.PerformedBy, &result, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(antibodies, &w.IdentifiedAntibodies); err != nil {
		return nil, fmt.Errorf("failed to decode identified antibodies: %w", err)
	}
	if err := json.Unmarshal(result, &w.Result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return w, nil
}

func exportJSON(ctx context.Context, store Store, writer io.Writer) error {
	all, err := store.List(ctx, maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list workups: %w", err)
	}

	export := &Export{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Count:      len(all),
		Workups:    all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func importJSON(ctx context.Context, store Store, reader io.Reader) (imported int, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for _, w := range export.Workups {
		if w.ID != "" {
			_, err := store.Get(ctx, w.ID)
			if err == nil {
				skipped++
				continue
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
			}
		}
		if err := store.Save(ctx, w); err != nil {
			return imported, skipped, fmt.Errorf("failed to save: %w", err)
		}
		imported++
	}
	return imported, skipped, nil
}
