// Package repository implements the domain stores on PostgreSQL through pgx.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/database"
	"github.com/abid-rules-server/internal/domain"
)

const ruleColumns = `id, target_antigen, rule_type, rule_data, description, enabled, created_at, updated_at`

// RuleRepository handles antibody rule persistence
type RuleRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *pgxpool.Pool, logger *logrus.Logger) *RuleRepository {
	return &RuleRepository{
		db:  db,
		log: logger,
	}
}

func scanRule(row pgx.Row) (*domain.AntibodyRule, error) {
	var (
		rule     domain.AntibodyRule
		ruleType string
		raw      []byte
	)
	err := row.Scan(
		&rule.ID,
		&rule.TargetAntigen,
		&ruleType,
		&raw,
		&rule.Description,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	data, err := domain.DecodeRuleData(domain.RuleType(ruleType), raw)
	if err != nil {
		// A corrupt payload keeps its row visible; the engine skips unknown rules.
		data = domain.UnknownRule{Kind: domain.RuleType(ruleType), Raw: raw}
	}
	rule.Data = data
	return &rule, nil
}

func encodeRuleData(rule *domain.AntibodyRule) (string, error) {
	if rule.Data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(rule.Data)
	if err != nil {
		return "", fmt.Errorf("encoding rule_data: %w", err)
	}
	return string(b), nil
}

func (r *RuleRepository) list(ctx context.Context, query string) ([]domain.AntibodyRule, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.log.WithError(err).Error("Failed to list antibody rules")
		return nil, fmt.Errorf("listing antibody rules: %w", err)
	}
	defer rows.Close()

	rules := []domain.AntibodyRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning antibody rule row: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating antibody rule rows: %w", err)
	}
	return rules, nil
}

// List returns all rules ordered by id
func (r *RuleRepository) List(ctx context.Context) ([]domain.AntibodyRule, error) {
	return r.list(ctx, `SELECT `+ruleColumns+` FROM antibody_rules ORDER BY id`)
}

// ListEnabled returns enabled rules ordered by id
func (r *RuleRepository) ListEnabled(ctx context.Context) ([]domain.AntibodyRule, error) {
	return r.list(ctx, `SELECT `+ruleColumns+` FROM antibody_rules WHERE enabled ORDER BY id`)
}

// Get retrieves a rule by id
func (r *RuleRepository) Get(ctx context.Context, id int64) (*domain.AntibodyRule, error) {
	rule, err := scanRule(r.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM antibody_rules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("antibody rule %d: %w", id, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"rule_id": id,
			"error":   err,
		}).Error("Failed to get antibody rule")
		return nil, fmt.Errorf("getting antibody rule: %w", err)
	}
	return rule, nil
}

const insertRule = `
	INSERT INTO antibody_rules (target_antigen, rule_type, rule_data, description, enabled)
	VALUES ($1, $2, $3::jsonb, $4, $5)
	RETURNING id, created_at, updated_at`

// Create inserts a rule and fills its id and timestamps
func (r *RuleRepository) Create(ctx context.Context, rule *domain.AntibodyRule) error {
	data, err := encodeRuleData(rule)
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx, insertRule,
		rule.TargetAntigen,
		string(rule.Type()),
		data,
		rule.Description,
		rule.Enabled,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"target": rule.TargetAntigen,
			"error":  err,
		}).Error("Failed to create antibody rule")
		return fmt.Errorf("creating antibody rule: %w", err)
	}
	return nil
}

// Update replaces an existing rule
func (r *RuleRepository) Update(ctx context.Context, rule *domain.AntibodyRule) error {
	data, err := encodeRuleData(rule)
	if err != nil {
		return err
	}
	query := `
		UPDATE antibody_rules
		SET target_antigen = $2, rule_type = $3, rule_data = $4::jsonb, description = $5,
			enabled = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.TargetAntigen,
		string(rule.Type()),
		data,
		rule.Description,
		rule.Enabled,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("antibody rule %d: %w", rule.ID, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"rule_id": rule.ID,
			"error":   err,
		}).Error("Failed to update antibody rule")
		return fmt.Errorf("updating antibody rule: %w", err)
	}
	return nil
}

// Delete removes a rule
func (r *RuleRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.Exec(ctx, `DELETE FROM antibody_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting antibody rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("antibody rule %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteAll removes every rule
func (r *RuleRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM antibody_rules`)
	if err != nil {
		return 0, fmt.Errorf("deleting antibody rules: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteByTarget removes the rules targeting an antigen
func (r *RuleRepository) DeleteByTarget(ctx context.Context, antigen string) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM antibody_rules WHERE target_antigen = $1`, antigen)
	if err != nil {
		return 0, fmt.Errorf("deleting antibody rules for %s: %w", antigen, err)
	}
	return result.RowsAffected(), nil
}

// ReplaceAll swaps the rule set in one transaction
func (r *RuleRepository) ReplaceAll(ctx context.Context, rules []domain.AntibodyRule) error {
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM antibody_rules`); err != nil {
			return fmt.Errorf("clearing antibody rules: %w", err)
		}
		batch := &pgx.Batch{}
		for i := range rules {
			data, err := encodeRuleData(&rules[i])
			if err != nil {
				return err
			}
			batch.Queue(insertRule,
				rules[i].TargetAntigen,
				string(rules[i].Type()),
				data,
				rules[i].Description,
				rules[i].Enabled,
			)
		}
		results := tx.SendBatch(ctx, batch)
		for i := range rules {
			if err := results.QueryRow().Scan(&rules[i].ID, &rules[i].CreatedAt, &rules[i].UpdatedAt); err != nil {
				_ = results.Close()
				return fmt.Errorf("inserting antibody rule %d: %w", i, err)
			}
		}
		return results.Close()
	})
	if err != nil {
		r.log.WithError(err).Error("Failed to replace antibody rules")
		return err
	}

	r.log.WithField("rules", len(rules)).Info("Antibody rules replaced")
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint failure
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
