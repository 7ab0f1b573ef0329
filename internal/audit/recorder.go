// Package audit maintains the append-only, hash-chained audit log.
//
// Every record stores the hash of its predecessor, so editing or removing
// any record breaks the chain from that point on. Payloads are kept as
// content-addressed evidence and referenced by their sha256 address.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/fraudops/internal/domain"
)

// Entry describes an audit record before it is chained.
type Entry struct {
	SubjectType string
	SubjectKey  string
	Action      string
	Actor       string
	Before      string
	After       string
	Payload     any
}

// Recorder seals entries into the chain held by the repository.
type Recorder struct {
	repo domain.Repository
	mu   sync.Mutex
	now  func() time.Time
}

// NewRecorder creates a recorder over repo.
func NewRecorder(repo domain.Repository) *Recorder {
	return &Recorder{repo: repo, now: time.Now}
}

// Prepare stores the entry's evidence and returns the sealer that chains it.
// The sealer is handed to the repository write that carries the mutation.
func (r *Recorder) Prepare(ctx context.Context, e Entry) (domain.Sealer, error) {
	if e.SubjectKey == "" || e.Action == "" {
		return nil, fmt.Errorf("%w: audit subject and action are required", domain.ErrInvalidInput)
	}
	if e.Actor == "" {
		e.Actor = "system"
	}

	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit payload: %w", err)
	}
	ref := Address(data)
	if err := r.repo.PutEvidence(ctx, ref, data); err != nil {
		return nil, fmt.Errorf("failed to store evidence: %w", err)
	}

	ts := r.now().UTC()
	return func(prev string, seq int64) *domain.AuditRecord {
		rec := &domain.AuditRecord{
			Sequence:    seq,
			SubjectType: e.SubjectType,
			SubjectKey:  e.SubjectKey,
			Action:      e.Action,
			Actor:       e.Actor,
			Before:      e.Before,
			After:       e.After,
			Timestamp:   ts,
			PayloadHash: ref,
			PrevHash:    prev,
			EvidenceRef: ref,
		}
		rec.Hash = HashRecord(rec)
		return rec
	}, nil
}

// Commit runs fn while holding the chain writer lock. Every repository
// write that appends to the chain goes through Commit so in-process
// writers never race for the same head.
func (r *Recorder) Commit(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

// Record appends a standalone entry to the chain.
func (r *Recorder) Record(ctx context.Context, e Entry) (*domain.AuditRecord, error) {
	seal, err := r.Prepare(ctx, e)
	if err != nil {
		return nil, err
	}
	var rec *domain.AuditRecord
	err = r.Commit(func() error {
		var err error
		rec, err = r.repo.AppendAudit(ctx, seal)
		return err
	})
	return rec, err
}

// History returns the records for an event or case in chain order.
func (r *Recorder) History(ctx context.Context, subjectKey string) ([]*domain.AuditRecord, error) {
	return r.repo.ListAudit(ctx, subjectKey)
}

// Evidence returns the payload stored at ref after checking its address.
func (r *Recorder) Evidence(ctx context.Context, ref string) ([]byte, error) {
	data, err := r.repo.GetEvidence(ctx, ref)
	if err != nil {
		return nil, err
	}
	if Address(data) != ref {
		return nil, fmt.Errorf("evidence %s does not match its address", ref)
	}
	return data, nil
}

// Verify walks the whole chain and reports the first broken link.
func (r *Recorder) Verify(ctx context.Context) (*domain.ChainVerification, error) {
	start := time.Now()
	result := &domain.ChainVerification{Valid: true, HeadHash: domain.GenesisHash}

	prev := domain.GenesisHash
	var seq int64
	err := r.repo.ScanAudit(ctx, func(rec *domain.AuditRecord) error {
		seq++
		result.Records++
		if reason := checkLink(rec, prev, seq); reason != "" {
			result.Valid = false
			result.BrokenAt = rec.Sequence
			result.Reason = reason
			return errStopScan
		}
		if rec.EvidenceRef != "" {
			data, err := r.repo.GetEvidence(ctx, rec.EvidenceRef)
			if err != nil || Address(data) != rec.PayloadHash {
				result.Valid = false
				result.BrokenAt = rec.Sequence
				result.Reason = "evidence missing or altered"
				return errStopScan
			}
		}
		prev = rec.Hash
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	if result.Valid {
		result.HeadHash = prev
	}
	result.CheckedAtMs = time.Since(start).Milliseconds()
	return result, nil
}

var errStopScan = errors.New("stop scan")

func checkLink(rec *domain.AuditRecord, prev string, seq int64) string {
	if rec.Sequence != seq {
		return fmt.Sprintf("sequence gap: expected %d, got %d", seq, rec.Sequence)
	}
	if rec.PrevHash != prev {
		return "prev_hash mismatch"
	}
	if HashRecord(rec) != rec.Hash {
		return "hash mismatch"
	}
	return ""
}

// hashedFields is the canonical form covered by a record hash.
type hashedFields struct {
	Seq         int64  `json:"seq"`
	SubjectType string `json:"subject_type"`
	SubjectKey  string `json:"subject_key"`
	Action      string `json:"action"`
	Actor       string `json:"actor"`
	Before      string `json:"before"`
	After       string `json:"after"`
	TS          string `json:"ts"`
	PayloadHash string `json:"payload_hash"`
	PrevHash    string `json:"prev_hash"`
	EvidenceRef string `json:"evidence_ref"`
}

// HashRecord computes the chain hash of rec, ignoring rec.Hash.
func HashRecord(rec *domain.AuditRecord) string {
	data, _ := json.Marshal(hashedFields{
		Seq:         rec.Sequence,
		SubjectType: rec.SubjectType,
		SubjectKey:  rec.SubjectKey,
		Action:      rec.Action,
		Actor:       rec.Actor,
		Before:      rec.Before,
		After:       rec.After,
		TS:          rec.Timestamp.UTC().Format(time.RFC3339Nano),
		PayloadHash: rec.PayloadHash,
		PrevHash:    rec.PrevHash,
		EvidenceRef: rec.EvidenceRef,
	})
	return Address(data)
}

// Address returns the content address of data.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
