package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/fraudops/internal/domain"
)

// SaveDecision stores the decision for an event together with its audit record.
// Decisions are written once; a second write for the same event is ErrDuplicateDecision.
func (r *SQLRepository) SaveDecision(ctx context.Context, d *domain.Decision, seal domain.Sealer) error {
	return r.SaveDecisionWithCase(ctx, d, seal, nil, nil)
}

// SaveDecisionWithCase stores a decision and, when c is non-nil, the case it
// opens. The case row, the decision row and both audit records commit in one
// transaction, so a failed decision never leaves a case behind.
func (r *SQLRepository) SaveDecisionWithCase(ctx context.Context, d *domain.Decision, seal domain.Sealer, c *domain.Case, caseSeal domain.Sealer) error {
	reasons, _ := json.Marshal(d.Reasons)

	query := `
		INSERT INTO decisions (
			event_id, entity_id, risk, action, reasons, policy_version,
			case_id, decision_time_ms, model_version, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var caseID *string
	if d.CaseID != "" {
		caseID = &d.CaseID
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if c != nil {
			if err := r.insertCaseTx(ctx, tx, c, caseSeal); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, r.rebind(query),
			d.EventID, d.EntityID, d.Risk, string(d.Action), string(reasons), d.PolicyVersion,
			nullString(caseID), d.DecisionTimeMs, d.ModelVersion, d.DecidedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateDecision, d.EventID)
		}
		if err != nil {
			return classify(err)
		}
		_, err = r.appendAuditTx(ctx, tx, seal)
		return err
	})
}

// GetDecision retrieves the decision recorded for an event.
func (r *SQLRepository) GetDecision(ctx context.Context, eventID string) (*domain.Decision, error) {
	query := `
		SELECT event_id, entity_id, risk, action, reasons, policy_version,
			case_id, decision_time_ms, model_version, decided_at
		FROM decisions
		WHERE event_id = ?
	`

	var d domain.Decision
	var action, reasons string
	var caseID, model sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), eventID).Scan(
		&d.EventID, &d.EntityID, &d.Risk, &action, &reasons, &d.PolicyVersion,
		&caseID, &d.DecisionTimeMs, &model, &d.DecidedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}

	d.Action = domain.Action(action)
	d.CaseID = caseID.String
	d.ModelVersion = model.String
	d.DecidedAt = d.DecidedAt.UTC()
	if err := json.Unmarshal([]byte(reasons), &d.Reasons); err != nil {
		return nil, fmt.Errorf("failed to parse decision reasons for %s: %w", d.EventID, err)
	}
	return &d, nil
}
