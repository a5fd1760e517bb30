package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/domain"
)

// AntigramRepository handles template and antigram persistence. Antigen orders and cell
// profiles are stored as JSONB.
type AntigramRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewAntigramRepository creates a new antigram repository
func NewAntigramRepository(db *pgxpool.Pool, logger *logrus.Logger) *AntigramRepository {
	return &AntigramRepository{
		db:  db,
		log: logger,
	}
}

const templateColumns = `id, name, antigen_order, cell_count, cell_range_start, cell_range_end, created_at, updated_at`

func scanTemplate(row pgx.Row) (*domain.AntigramTemplate, error) {
	var (
		t          domain.AntigramTemplate
		order      []byte
		start, end *int
	)
	if err := row.Scan(&t.ID, &t.Name, &order, &t.CellCount, &start, &end, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(order, &t.AntigenOrder); err != nil {
		return nil, fmt.Errorf("decoding antigen_order: %w", err)
	}
	if start != nil && end != nil {
		t.CellRange = &domain.CellRange{Start: *start, End: *end}
	}
	return &t, nil
}

func rangeBounds(r *domain.CellRange) (start, end *int) {
	if r == nil {
		return nil, nil
	}
	s, e := r.Start, r.End
	return &s, &e
}

// CreateTemplate inserts a template; names are unique
func (r *AntigramRepository) CreateTemplate(ctx context.Context, t *domain.AntigramTemplate) error {
	order, err := json.Marshal(t.AntigenOrder)
	if err != nil {
		return fmt.Errorf("encoding antigen_order: %w", err)
	}
	start, end := rangeBounds(t.CellRange)

	err = r.db.QueryRow(ctx, `
		INSERT INTO antigram_templates (name, antigen_order, cell_count, cell_range_start, cell_range_end)
		VALUES ($1, $2::jsonb, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		t.Name, string(order), t.CellCount, start, end,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("template %q: %w", t.Name, domain.ErrConflict)
		}
		r.log.WithFields(logrus.Fields{
			"template": t.Name,
			"error":    err,
		}).Error("Failed to create antigram template")
		return fmt.Errorf("creating antigram template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by id
func (r *AntigramRepository) GetTemplate(ctx context.Context, id int64) (*domain.AntigramTemplate, error) {
	t, err := scanTemplate(r.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM antigram_templates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("template %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting antigram template: %w", err)
	}
	return t, nil
}

// ListTemplates returns templates ordered by id
func (r *AntigramRepository) ListTemplates(ctx context.Context) ([]domain.AntigramTemplate, error) {
	rows, err := r.db.Query(ctx, `SELECT `+templateColumns+` FROM antigram_templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing antigram templates: %w", err)
	}
	defer rows.Close()

	out := []domain.AntigramTemplate{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning antigram template row: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTemplate replaces a template
func (r *AntigramRepository) UpdateTemplate(ctx context.Context, t *domain.AntigramTemplate) error {
	order, err := json.Marshal(t.AntigenOrder)
	if err != nil {
		return fmt.Errorf("encoding antigen_order: %w", err)
	}
	start, end := rangeBounds(t.CellRange)

	err = r.db.QueryRow(ctx, `
		UPDATE antigram_templates
		SET name = $2, antigen_order = $3::jsonb, cell_count = $4, cell_range_start = $5,
			cell_range_end = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		t.ID, t.Name, string(order), t.CellCount, start, end,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("template %d: %w", t.ID, domain.ErrNotFound)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("template %q: %w", t.Name, domain.ErrConflict)
		}
		return fmt.Errorf("updating antigram template: %w", err)
	}
	return nil
}

// DeleteTemplate removes a template
func (r *AntigramRepository) DeleteTemplate(ctx context.Context, id int64) error {
	result, err := r.db.Exec(ctx, `DELETE FROM antigram_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting antigram template: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("template %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

const antigramColumns = `id, template_id, template_name, lot_number, expiration_date, antigen_order, cells, created_at, updated_at`

func scanAntigram(row pgx.Row) (*domain.Antigram, error) {
	var (
		a            domain.Antigram
		order, cells []byte
	)
	err := row.Scan(&a.ID, &a.TemplateID, &a.TemplateName, &a.LotNumber, &a.ExpirationDate, &order, &cells, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(order, &a.AntigenOrder); err != nil {
		return nil, fmt.Errorf("decoding antigen_order: %w", err)
	}
	if err := json.Unmarshal(cells, &a.Cells); err != nil {
		return nil, fmt.Errorf("decoding cells: %w", err)
	}
	return &a, nil
}

func encodeAntigram(a *domain.Antigram) (order, cells string, err error) {
	o, err := json.Marshal(a.AntigenOrder)
	if err != nil {
		return "", "", fmt.Errorf("encoding antigen_order: %w", err)
	}
	c, err := json.Marshal(a.Cells)
	if err != nil {
		return "", "", fmt.Errorf("encoding cells: %w", err)
	}
	return string(o), string(c), nil
}

// CreateAntigram inserts an antigram
func (r *AntigramRepository) CreateAntigram(ctx context.Context, a *domain.Antigram) error {
	order, cells, err := encodeAntigram(a)
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO antigrams (template_id, template_name, lot_number, expiration_date, antigen_order, cells)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb)
		RETURNING id, created_at, updated_at`,
		a.TemplateID, a.TemplateName, a.LotNumber, a.ExpirationDate, order, cells,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"lot_number": a.LotNumber,
			"error":      err,
		}).Error("Failed to create antigram")
		return fmt.Errorf("creating antigram: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"antigram_id": a.ID,
		"lot_number":  a.LotNumber,
	}).Info("Antigram created successfully")
	return nil
}

// GetAntigram retrieves an antigram by id
func (r *AntigramRepository) GetAntigram(ctx context.Context, id int64) (*domain.Antigram, error) {
	a, err := scanAntigram(r.db.QueryRow(ctx, `SELECT `+antigramColumns+` FROM antigrams WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("antigram %d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting antigram: %w", err)
	}
	return a, nil
}

func (r *AntigramRepository) queryAntigrams(ctx context.Context, query string, args ...any) ([]domain.Antigram, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing antigrams: %w", err)
	}
	defer rows.Close()

	out := []domain.Antigram{}
	for rows.Next() {
		a, err := scanAntigram(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning antigram row: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListAntigrams returns antigrams ordered by id
func (r *AntigramRepository) ListAntigrams(ctx context.Context) ([]domain.Antigram, error) {
	return r.queryAntigrams(ctx, `SELECT `+antigramColumns+` FROM antigrams ORDER BY id`)
}

// FindByLot returns antigrams sharing a lot number
func (r *AntigramRepository) FindByLot(ctx context.Context, lotNumber string) ([]domain.Antigram, error) {
	return r.queryAntigrams(ctx, `SELECT `+antigramColumns+` FROM antigrams WHERE lot_number = $1 ORDER BY id`, lotNumber)
}

// UpdateAntigram replaces an antigram
func (r *AntigramRepository) UpdateAntigram(ctx context.Context, a *domain.Antigram) error {
	order, cells, err := encodeAntigram(a)
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx, `
		UPDATE antigrams
		SET template_id = $2, template_name = $3, lot_number = $4, expiration_date = $5,
			antigen_order = $6::jsonb, cells = $7::jsonb, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		a.ID, a.TemplateID, a.TemplateName, a.LotNumber, a.ExpirationDate, order, cells,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("antigram %d: %w", a.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("updating antigram: %w", err)
	}
	return nil
}

// DeleteAntigram removes an antigram; its patient reactions cascade
func (r *AntigramRepository) DeleteAntigram(ctx context.Context, id int64) error {
	result, err := r.db.Exec(ctx, `DELETE FROM antigrams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting antigram: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("antigram %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteAllAntigrams removes every antigram
func (r *AntigramRepository) DeleteAllAntigrams(ctx context.Context) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM antigrams`)
	if err != nil {
		return 0, fmt.Errorf("deleting antigrams: %w", err)
	}
	r.log.WithField("deleted", result.RowsAffected()).Warn("Deleted all antigrams")
	return result.RowsAffected(), nil
}
