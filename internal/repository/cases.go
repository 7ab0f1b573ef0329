package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/fraudops/internal/domain"
)

const caseColumns = `id, event_id, entity_id, status, priority, assignee, risk, action,
	reasons, policy_version, sla_deadline, created_at, updated_at`

// InsertCase stores a new case and its creation audit record atomically.
// A second case for the same event_id fails with ErrDuplicateCase.
func (r *SQLRepository) InsertCase(ctx context.Context, c *domain.Case, seal domain.Sealer) error {
	if c.ID == "" || c.EventID == "" {
		return fmt.Errorf("%w: case id and event id are required", domain.ErrInvalidInput)
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.insertCaseTx(ctx, tx, c, seal)
	})
}

func (r *SQLRepository) insertCaseTx(ctx context.Context, tx *sql.Tx, c *domain.Case, seal domain.Sealer) error {
	reasons, _ := json.Marshal(c.Reasons)

	query := `
		INSERT INTO cases (` + caseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := tx.ExecContext(ctx, r.rebind(query),
		c.ID, c.EventID, c.EntityID, string(c.Status), string(c.Priority),
		nullString(c.Assignee), c.Risk, string(c.Action),
		string(reasons), c.Policy, c.SLADeadline, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: event %s", domain.ErrDuplicateCase, c.EventID)
	}
	if err != nil {
		return classify(err)
	}
	_, err = r.appendAuditTx(ctx, tx, seal)
	return err
}

// GetCase retrieves a case with its notes and actions.
func (r *SQLRepository) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE id = ?`

	c, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), caseID))
	if err != nil {
		return nil, err
	}

	if c.Notes, err = r.ListNotes(ctx, c.ID); err != nil {
		return nil, err
	}
	if c.Actions, err = r.ListCaseActions(ctx, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCaseByEvent retrieves the case opened for an event.
func (r *SQLRepository) GetCaseByEvent(ctx context.Context, eventID string) (*domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE event_id = ?`
	return scanCase(r.db.QueryRowContext(ctx, r.rebind(query), eventID))
}

// ListCases returns one page of cases, newest first, and the total match count.
func (r *SQLRepository) ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, int, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.Assignee != "" {
		where = append(where, "assignee = ?")
		args = append(args, filter.Assignee)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM cases` + clause
	if err := r.db.QueryRowContext(ctx, r.rebind(countQuery), args...).Scan(&total); err != nil {
		return nil, 0, classify(err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + caseColumns + ` FROM cases` + clause + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), append(args, limit, offset)...)
	if err != nil {
		return nil, 0, classify(err)
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		cases = append(cases, c)
	}

	return cases, total, classify(rows.Err())
}

// UpdateCase persists status, assignee and updated_at with one audit record.
// A non-nil step is stored in the same transaction as the case's action log entry.
func (r *SQLRepository) UpdateCase(ctx context.Context, c *domain.Case, step *domain.CaseAction, seal domain.Sealer) error {
	query := `
		UPDATE cases
		SET status = ?, assignee = ?, updated_at = ?
		WHERE id = ?
	`

	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, r.rebind(query),
			string(c.Status), nullString(c.Assignee), c.UpdatedAt, c.ID,
		)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		if step != nil {
			if err := r.insertCaseAction(ctx, tx, step); err != nil {
				return err
			}
		}
		_, err = r.appendAuditTx(ctx, tx, seal)
		return err
	})
}

// AppendNote appends a note and bumps the case updated_at.
func (r *SQLRepository) AppendNote(ctx context.Context, n *domain.Note, updatedAt time.Time, seal domain.Sealer) error {
	query := `
		INSERT INTO case_notes (id, case_id, author, content, is_internal, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.touchCase(ctx, tx, n.CaseID, updatedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.rebind(query),
			n.ID, n.CaseID, n.Author, n.Content, boolToInt(n.IsInternal), n.CreatedAt,
		); err != nil {
			return classify(err)
		}
		_, err := r.appendAuditTx(ctx, tx, seal)
		return err
	})
}

// AppendCaseAction appends an investigation action and bumps updated_at.
func (r *SQLRepository) AppendCaseAction(ctx context.Context, a *domain.CaseAction, updatedAt time.Time, seal domain.Sealer) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.touchCase(ctx, tx, a.CaseID, updatedAt); err != nil {
			return err
		}
		if err := r.insertCaseAction(ctx, tx, a); err != nil {
			return err
		}
		_, err := r.appendAuditTx(ctx, tx, seal)
		return err
	})
}

func (r *SQLRepository) insertCaseAction(ctx context.Context, tx *sql.Tx, a *domain.CaseAction) error {
	query := `
		INSERT INTO case_actions (id, case_id, type, description, performed_by, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, r.rebind(query),
		a.ID, a.CaseID, a.Type, a.Description, a.PerformedBy, nullString(optional(a.Outcome)), a.CreatedAt,
	)
	return classify(err)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *SQLRepository) touchCase(ctx context.Context, tx *sql.Tx, caseID string, updatedAt time.Time) error {
	res, err := tx.ExecContext(ctx, r.rebind(`UPDATE cases SET updated_at = ? WHERE id = ?`), updatedAt, caseID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListNotes returns the notes of a case in creation order.
func (r *SQLRepository) ListNotes(ctx context.Context, caseID string) ([]domain.Note, error) {
	query := `
		SELECT id, case_id, author, content, is_internal, created_at
		FROM case_notes
		WHERE case_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		var n domain.Note
		var internal int
		if err := rows.Scan(&n.ID, &n.CaseID, &n.Author, &n.Content, &internal, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.IsInternal = internal == 1
		notes = append(notes, n)
	}
	return notes, classify(rows.Err())
}

// ListCaseActions returns the actions of a case in creation order.
func (r *SQLRepository) ListCaseActions(ctx context.Context, caseID string) ([]domain.CaseAction, error) {
	query := `
		SELECT id, case_id, type, description, performed_by, outcome, created_at
		FROM case_actions
		WHERE case_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var actions []domain.CaseAction
	for rows.Next() {
		var a domain.CaseAction
		var outcome sql.NullString
		if err := rows.Scan(&a.ID, &a.CaseID, &a.Type, &a.Description, &a.PerformedBy, &outcome, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Outcome = outcome.String
		actions = append(actions, a)
	}
	return actions, classify(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*domain.Case, error) {
	var c domain.Case
	var status, priority, action, reasons string
	var assignee sql.NullString

	err := row.Scan(
		&c.ID, &c.EventID, &c.EntityID, &status, &priority, &assignee, &c.Risk, &action,
		&reasons, &c.Policy, &c.SLADeadline, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}

	c.Status = domain.CaseStatus(status)
	c.Priority = domain.Priority(priority)
	c.Action = domain.Action(action)
	if assignee.Valid {
		a := assignee.String
		c.Assignee = &a
	}
	if err := json.Unmarshal([]byte(reasons), &c.Reasons); err != nil {
		return nil, fmt.Errorf("failed to parse case reasons for %s: %w", c.ID, err)
	}
	c.SLADeadline = c.SLADeadline.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
