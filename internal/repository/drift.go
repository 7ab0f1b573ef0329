package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/fraudops/internal/domain"
)

// SaveDriftSample persists one PSI computation.
func (r *SQLRepository) SaveDriftSample(ctx context.Context, s *domain.DriftSample) error {
	edges, _ := json.Marshal(s.Edges)
	ref, _ := json.Marshal(s.ReferenceCounts)
	cur, _ := json.Marshal(s.CurrentCounts)

	query := `
		INSERT INTO drift_samples (
			id, feature, edges, reference_hist, current_hist, psi, drift_level,
			reference_start, reference_end, current_start, current_end, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		s.ID, s.Feature, string(edges), string(ref), string(cur), s.PSI, s.DriftLevel,
		s.ReferenceStart, s.ReferenceEnd, s.CurrentStart, s.CurrentEnd, s.ComputedAt,
	)
	return classify(err)
}

// ListDriftSamples returns the newest samples, optionally for a single feature.
func (r *SQLRepository) ListDriftSamples(ctx context.Context, feature string, limit int) ([]*domain.DriftSample, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, feature, edges, reference_hist, current_hist, psi, drift_level,
			reference_start, reference_end, current_start, current_end, computed_at
		FROM drift_samples
	`
	var args []any
	if feature != "" {
		query += ` WHERE feature = ?`
		args = append(args, feature)
	}
	query += ` ORDER BY computed_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var samples []*domain.DriftSample
	for rows.Next() {
		var s domain.DriftSample
		var edges, ref, cur string
		var refStart, refEnd, curStart, curEnd sql.NullTime

		if err := rows.Scan(
			&s.ID, &s.Feature, &edges, &ref, &cur, &s.PSI, &s.DriftLevel,
			&refStart, &refEnd, &curStart, &curEnd, &s.ComputedAt,
		); err != nil {
			return nil, classify(err)
		}

		if err := json.Unmarshal([]byte(edges), &s.Edges); err != nil {
			return nil, fmt.Errorf("failed to parse drift edges for %s: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(ref), &s.ReferenceCounts); err != nil {
			return nil, fmt.Errorf("failed to parse reference histogram for %s: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(cur), &s.CurrentCounts); err != nil {
			return nil, fmt.Errorf("failed to parse current histogram for %s: %w", s.ID, err)
		}
		s.ReferenceStart = refStart.Time.UTC()
		s.ReferenceEnd = refEnd.Time.UTC()
		s.CurrentStart = curStart.Time.UTC()
		s.CurrentEnd = curEnd.Time.UTC()
		s.ComputedAt = s.ComputedAt.UTC()
		samples = append(samples, &s)
	}
	return samples, classify(rows.Err())
}
