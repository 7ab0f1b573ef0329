package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/fraudops/internal/domain"
)

const auditColumns = `seq, subject_type, subject_key, action, actor, before_state, after_state,
	ts, payload_hash, prev_hash, hash, evidence_ref`

// scanBatch bounds the rows held in memory while walking the chain.
const scanBatch = 500

// AppendAudit appends one record to the chain in its own transaction.
func (r *SQLRepository) AppendAudit(ctx context.Context, seal domain.Sealer) (*domain.AuditRecord, error) {
	var rec *domain.AuditRecord
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = r.appendAuditTx(ctx, tx, seal)
		return err
	})
	return rec, err
}

// appendAuditTx chains a record onto the current head inside tx.
// A concurrent writer that extended the same head first makes the
// insert fail on prev_hash uniqueness, reported as ErrChainConflict.
func (r *SQLRepository) appendAuditTx(ctx context.Context, tx *sql.Tx, seal domain.Sealer) (*domain.AuditRecord, error) {
	if seal == nil {
		return nil, nil
	}

	var seq int64
	prev := domain.GenesisHash
	err := tx.QueryRowContext(ctx, `SELECT seq, hash FROM audit_records ORDER BY seq DESC LIMIT 1`).Scan(&seq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, classify(err)
	}

	rec := seal(prev, seq+1)

	query := `
		INSERT INTO audit_records (` + auditColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, r.rebind(query),
		rec.Sequence, rec.SubjectType, rec.SubjectKey, rec.Action, rec.Actor,
		rec.Before, rec.After, rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.PayloadHash, rec.PrevHash, rec.Hash, rec.EvidenceRef,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: head %s", domain.ErrChainConflict, prev)
	}
	if err != nil {
		return nil, classify(err)
	}
	return rec, nil
}

// AuditHead returns the newest record, or nil for an empty chain.
func (r *SQLRepository) AuditHead(ctx context.Context) (*domain.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records ORDER BY seq DESC LIMIT 1`
	rec, err := scanAudit(r.db.QueryRowContext(ctx, query))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// ListAudit returns all records for a subject in chain order.
func (r *SQLRepository) ListAudit(ctx context.Context, subjectKey string) ([]*domain.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE subject_key = ? ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), subjectKey)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var records []*domain.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, classify(rows.Err())
}

// ScanAudit calls fn for every record in chain order. Rows are read in
// batches and released before fn runs, so fn may query the repository.
func (r *SQLRepository) ScanAudit(ctx context.Context, fn func(*domain.AuditRecord) error) error {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE seq > ? ORDER BY seq LIMIT ?`

	var after int64
	for {
		batch, err := r.auditBatch(ctx, query, after)
		if err != nil {
			return err
		}
		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return err
			}
			after = rec.Sequence
		}
		if len(batch) < scanBatch {
			return nil
		}
	}
}

func (r *SQLRepository) auditBatch(ctx context.Context, query string, after int64) ([]*domain.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), after, scanBatch)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	batch := make([]*domain.AuditRecord, 0, scanBatch)
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, rec)
	}
	return batch, classify(rows.Err())
}

func scanAudit(row rowScanner) (*domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var before, after, evidence sql.NullString
	var ts string

	err := row.Scan(
		&rec.Sequence, &rec.SubjectType, &rec.SubjectKey, &rec.Action, &rec.Actor,
		&before, &after, &ts, &rec.PayloadHash, &rec.PrevHash, &rec.Hash, &evidence,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}

	rec.Before = before.String
	rec.After = after.String
	rec.EvidenceRef = evidence.String
	if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return nil, fmt.Errorf("failed to parse audit timestamp at seq %d: %w", rec.Sequence, err)
	}
	return &rec, nil
}

// PutEvidence stores content-addressed bytes. Storing the same ref twice is a no-op.
func (r *SQLRepository) PutEvidence(ctx context.Context, ref string, data []byte) error {
	query := `
		INSERT INTO evidence (ref, data, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(ref) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), ref, string(data), time.Now().UTC())
	return classify(err)
}

// GetEvidence retrieves the bytes stored under ref.
func (r *SQLRepository) GetEvidence(ctx context.Context, ref string) ([]byte, error) {
	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT data FROM evidence WHERE ref = ?`), ref).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return []byte(data), nil
}
