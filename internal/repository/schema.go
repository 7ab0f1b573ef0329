package repository

// Schema definitions for the FraudOps database.
// Compatible with both SQLite and PostgreSQL.

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL UNIQUE,
    entity_id TEXT NOT NULL,
    status TEXT NOT NULL,
    priority TEXT NOT NULL,
    assignee TEXT,
    risk DOUBLE PRECISION NOT NULL,
    action TEXT NOT NULL,
    reasons TEXT NOT NULL,
    policy_version TEXT NOT NULL,
    sla_deadline TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
CREATE INDEX IF NOT EXISTS idx_cases_assignee ON cases(assignee);
CREATE INDEX IF NOT EXISTS idx_cases_priority ON cases(priority);
CREATE INDEX IF NOT EXISTS idx_cases_created ON cases(created_at);
`

const schemaCaseNotes = `
CREATE TABLE IF NOT EXISTS case_notes (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL REFERENCES cases(id),
    author TEXT NOT NULL,
    content TEXT NOT NULL,
    is_internal INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_case_notes_case ON case_notes(case_id, created_at);
`

const schemaCaseActions = `
CREATE TABLE IF NOT EXISTS case_actions (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL REFERENCES cases(id),
    type TEXT NOT NULL,
    description TEXT NOT NULL,
    performed_by TEXT NOT NULL,
    outcome TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_case_actions_case ON case_actions(case_id, created_at);
`

// schemaAudit defines the hash-chained audit log.
// prev_hash is unique so two writers can never extend the same head.
const schemaAudit = `
CREATE TABLE IF NOT EXISTS audit_records (
    seq BIGINT PRIMARY KEY,
    subject_type TEXT NOT NULL,
    subject_key TEXT NOT NULL,
    action TEXT NOT NULL,
    actor TEXT NOT NULL,
    before_state TEXT,
    after_state TEXT,
    ts TEXT NOT NULL,
    payload_hash TEXT NOT NULL,
    prev_hash TEXT NOT NULL UNIQUE,
    hash TEXT NOT NULL UNIQUE,
    evidence_ref TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_records(subject_key, seq);
`

const schemaEvidence = `
CREATE TABLE IF NOT EXISTS evidence (
    ref TEXT PRIMARY KEY,
    data TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// schemaPolicies keeps one row per published version.
// The partial unique index allows a single active row.
const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policy_versions (
    version TEXT PRIMARY KEY,
    description TEXT,
    effective_at TIMESTAMP NOT NULL,
    definition TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    superseded_at TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_policy_single_active ON policy_versions(is_active) WHERE is_active = 1;
`

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    event_id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    risk DOUBLE PRECISION NOT NULL,
    action TEXT NOT NULL,
    reasons TEXT NOT NULL,
    policy_version TEXT NOT NULL,
    case_id TEXT,
    decision_time_ms BIGINT NOT NULL,
    model_version TEXT,
    decided_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_action ON decisions(action);
CREATE INDEX IF NOT EXISTS idx_decisions_decided ON decisions(decided_at);
`

const schemaDriftSamples = `
CREATE TABLE IF NOT EXISTS drift_samples (
    id TEXT PRIMARY KEY,
    feature TEXT NOT NULL,
    edges TEXT NOT NULL,
    reference_hist TEXT NOT NULL,
    current_hist TEXT NOT NULL,
    psi DOUBLE PRECISION NOT NULL,
    drift_level TEXT NOT NULL,
    reference_start TIMESTAMP,
    reference_end TIMESTAMP,
    current_start TIMESTAMP,
    current_end TIMESTAMP,
    computed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drift_feature ON drift_samples(feature, computed_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCases,
		schemaCaseNotes,
		schemaCaseActions,
		schemaAudit,
		schemaEvidence,
		schemaPolicies,
		schemaDecisions,
		schemaDriftSamples,
	}
}
