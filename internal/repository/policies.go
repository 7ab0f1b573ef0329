package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/fraudops/internal/domain"
)

// policyDefinition is the stored body of a policy version.
type policyDefinition struct {
	Block    []domain.ConditionSet `json:"block"`
	Escalate []domain.ConditionSet `json:"escalate,omitempty"`
	Hold     []domain.ConditionSet `json:"hold"`
	Allow    []domain.ConditionSet `json:"allow"`
}

const policyColumns = `version, description, effective_at, definition, is_active, created_at, superseded_at`

// SavePolicy publishes a new immutable version. Versions are never overwritten.
func (r *SQLRepository) SavePolicy(ctx context.Context, p *domain.PolicyVersion, seal domain.Sealer) error {
	def, err := json.Marshal(policyDefinition{Block: p.Block, Escalate: p.Escalate, Hold: p.Hold, Allow: p.Allow})
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}

	query := `
		INSERT INTO policy_versions (version, description, effective_at, definition, is_active, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`

	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.rebind(query),
			p.Version, p.Description, p.EffectiveAt, string(def), p.CreatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: policy version %s already published", domain.ErrInvalidInput, p.Version)
		}
		if err != nil {
			return classify(err)
		}
		_, err = r.appendAuditTx(ctx, tx, seal)
		return err
	})
}

// ActivatePolicy makes version the single active policy and supersedes the previous one.
// Re-activating a superseded version clears its superseded_at.
func (r *SQLRepository) ActivatePolicy(ctx context.Context, version string, at time.Time, seal domain.Sealer) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM policy_versions WHERE version = ?`), version).Scan(&exists)
		if err != nil {
			return classify(err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: policy %s", domain.ErrNotFound, version)
		}

		supersede := `
			UPDATE policy_versions
			SET is_active = 0, superseded_at = ?
			WHERE is_active = 1 AND version <> ?
		`
		if _, err := tx.ExecContext(ctx, r.rebind(supersede), at, version); err != nil {
			return classify(err)
		}

		activate := `UPDATE policy_versions SET is_active = 1, superseded_at = NULL WHERE version = ?`
		if _, err := tx.ExecContext(ctx, r.rebind(activate), version); err != nil {
			return classify(err)
		}

		_, err = r.appendAuditTx(ctx, tx, seal)
		return err
	})
}

// GetPolicy retrieves a published version.
func (r *SQLRepository) GetPolicy(ctx context.Context, version string) (*domain.PolicyVersion, error) {
	query := `SELECT ` + policyColumns + ` FROM policy_versions WHERE version = ?`
	return scanPolicy(r.db.QueryRowContext(ctx, r.rebind(query), version))
}

// GetActivePolicy retrieves the active version.
func (r *SQLRepository) GetActivePolicy(ctx context.Context) (*domain.PolicyVersion, error) {
	query := `SELECT ` + policyColumns + ` FROM policy_versions WHERE is_active = 1`
	p, err := scanPolicy(r.db.QueryRowContext(ctx, query))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNoActivePolicy
	}
	return p, err
}

// ListPolicies returns every published version, newest first.
func (r *SQLRepository) ListPolicies(ctx context.Context) ([]*domain.PolicyVersion, error) {
	query := `SELECT ` + policyColumns + ` FROM policy_versions ORDER BY created_at DESC, version`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var policies []*domain.PolicyVersion
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, classify(rows.Err())
}

func scanPolicy(row rowScanner) (*domain.PolicyVersion, error) {
	var p domain.PolicyVersion
	var description sql.NullString
	var def string
	var active int
	var superseded sql.NullTime

	err := row.Scan(&p.Version, &description, &p.EffectiveAt, &def, &active, &p.CreatedAt, &superseded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}

	var body policyDefinition
	if err := json.Unmarshal([]byte(def), &body); err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", p.Version, err)
	}
	p.Description = description.String
	p.Block, p.Escalate, p.Hold, p.Allow = body.Block, body.Escalate, body.Hold, body.Allow
	p.Active = active == 1
	if superseded.Valid {
		t := superseded.Time.UTC()
		p.SupersededAt = &t
	}
	p.EffectiveAt = p.EffectiveAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
