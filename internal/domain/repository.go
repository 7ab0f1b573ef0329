// Package domain defines the core interfaces and types for FraudOps.
package domain

import (
	"context"
	"time"
)

// Sealer turns a pending audit entry into a chained record once the
// writing transaction knows the current chain head.
type Sealer func(prevHash string, seq int64) *AuditRecord

// Repository defines the interface for data persistence.
// Every case mutation takes a Sealer so the mutation and its audit
// record commit in the same transaction.
type Repository interface {
	// Case operations
	InsertCase(ctx context.Context, c *Case, seal Sealer) error
	GetCase(ctx context.Context, caseID string) (*Case, error)
	GetCaseByEvent(ctx context.Context, eventID string) (*Case, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]*Case, int, error)
	UpdateCase(ctx context.Context, c *Case, step *CaseAction, seal Sealer) error
	AppendNote(ctx context.Context, n *Note, updatedAt time.Time, seal Sealer) error
	AppendCaseAction(ctx context.Context, a *CaseAction, updatedAt time.Time, seal Sealer) error
	ListNotes(ctx context.Context, caseID string) ([]Note, error)
	ListCaseActions(ctx context.Context, caseID string) ([]CaseAction, error)

	// Audit chain
	AppendAudit(ctx context.Context, seal Sealer) (*AuditRecord, error)
	AuditHead(ctx context.Context) (*AuditRecord, error)
	ListAudit(ctx context.Context, subjectKey string) ([]*AuditRecord, error)
	ScanAudit(ctx context.Context, fn func(*AuditRecord) error) error

	// Content-addressed evidence
	PutEvidence(ctx context.Context, ref string, data []byte) error
	GetEvidence(ctx context.Context, ref string) ([]byte, error)

	// Policy versions
	SavePolicy(ctx context.Context, p *PolicyVersion, seal Sealer) error
	ActivatePolicy(ctx context.Context, version string, at time.Time, seal Sealer) error
	GetPolicy(ctx context.Context, version string) (*PolicyVersion, error)
	GetActivePolicy(ctx context.Context) (*PolicyVersion, error)
	ListPolicies(ctx context.Context) ([]*PolicyVersion, error)

	// Decisions
	SaveDecision(ctx context.Context, d *Decision, seal Sealer) error
	SaveDecisionWithCase(ctx context.Context, d *Decision, seal Sealer, c *Case, caseSeal Sealer) error
	GetDecision(ctx context.Context, eventID string) (*Decision, error)

	// Drift history
	SaveDriftSample(ctx context.Context, s *DriftSample) error
	ListDriftSamples(ctx context.Context, feature string, limit int) ([]*DriftSample, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
