package domain

import "time"

// GenesisHash is the prev_hash of the first record in the chain.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// AuditRecord is one link of the append-only, hash-chained audit log.
type AuditRecord struct {
	Sequence    int64     `json:"seq"`
	SubjectKey  string    `json:"subject_key"`
	SubjectType string    `json:"subject_type"`
	Action      string    `json:"action"`
	Actor       string    `json:"actor"`
	Before      string    `json:"before,omitempty"`
	After       string    `json:"after,omitempty"`
	Timestamp   time.Time `json:"ts"`
	PayloadHash string    `json:"payload_hash"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
}

// Audit subject types.
const (
	SubjectEvent  = "event"
	SubjectCase   = "case"
	SubjectPolicy = "policy"
)

// Audit actions.
const (
	AuditDecision     = "decision.made"
	AuditCaseCreated  = "case.created"
	AuditCaseAssigned = "case.assigned"
	AuditCaseNote     = "case.note_added"
	AuditCaseAction   = "case.action_added"
	AuditCaseStatus   = "case.status_changed"
	AuditPolicyPub    = "policy.published"
	AuditPolicyActive = "policy.activated"
)

// ChainVerification is the result of walking the audit chain.
type ChainVerification struct {
	Valid       bool   `json:"valid"`
	Records     int    `json:"records"`
	BrokenAt    int64  `json:"broken_at,omitempty"`
	Reason      string `json:"reason,omitempty"`
	HeadHash    string `json:"head_hash"`
	CheckedAtMs int64  `json:"checked_at_ms"`
}

// DriftSample is a persisted PSI computation for one feature.
type DriftSample struct {
	ID              string    `json:"id"`
	Feature         string    `json:"feature"`
	Edges           []float64 `json:"edges"`
	ReferenceCounts []int     `json:"reference_histogram"`
	CurrentCounts   []int     `json:"current_histogram"`
	PSI             float64   `json:"psi"`
	DriftLevel      string    `json:"drift_level"`
	ReferenceStart  time.Time `json:"reference_start"`
	ReferenceEnd    time.Time `json:"reference_end"`
	CurrentStart    time.Time `json:"current_start"`
	CurrentEnd      time.Time `json:"current_end"`
	ComputedAt      time.Time `json:"computed_at"`
}
