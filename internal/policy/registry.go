package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/fraudops/internal/audit"
	"github.com/opensource-finance/fraudops/internal/domain"
)

// Registry publishes, activates and serves policy versions.
// The active version is cached in memory and refreshed from storage.
type Registry struct {
	repo     domain.Repository
	recorder *audit.Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	active *domain.PolicyVersion
}

// NewRegistry creates a registry over repo.
func NewRegistry(repo domain.Repository, recorder *audit.Recorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:     repo,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Seed makes sure a policy is active. When storage has none, the policy
// from seedFile (or the built-in default) is published and activated.
func (r *Registry) Seed(ctx context.Context, seedFile string) error {
	if err := r.Refresh(ctx); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNoActivePolicy) {
		return err
	}

	p := domain.DefaultPolicy()
	if seedFile != "" {
		loaded, err := LoadFile(seedFile)
		if err != nil {
			return err
		}
		p = loaded
	}

	if _, err := r.repo.GetPolicy(ctx, p.Version); errors.Is(err, domain.ErrNotFound) {
		if _, _, err := r.Publish(ctx, p, "system"); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	_, err := r.Activate(ctx, p.Version, "system")
	if err == nil {
		r.logger.Info("seeded decision policy", "version", p.Version)
	}
	return err
}

// Refresh reloads the active version from storage.
func (r *Registry) Refresh(ctx context.Context) error {
	p, err := r.repo.GetActivePolicy(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.active = p
	r.mu.Unlock()
	return nil
}

// Watch refreshes the active version every interval until ctx is done,
// so activations made by other replicas are picked up.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("policy refresh failed", "error", err)
			}
		}
	}
}

// Active returns the cached active version.
func (r *Registry) Active() (*domain.PolicyVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return nil, domain.ErrNoActivePolicy
	}
	return r.active, nil
}

// Evaluate applies the active policy.
func (r *Registry) Evaluate(calibrated float64, signals domain.SignalSet) (*domain.Decision, error) {
	p, err := r.Active()
	if err != nil {
		return nil, err
	}
	return Evaluate(calibrated, signals, p)
}

// Publish validates and stores a new immutable version. It returns the
// score points the policy leaves uncovered, which callers surface as a warning.
func (r *Registry) Publish(ctx context.Context, p *domain.PolicyVersion, actor string) (*domain.PolicyVersion, []float64, error) {
	if err := Validate(p); err != nil {
		return nil, nil, err
	}
	Stamp(p, r.now().UTC())

	seal, err := r.recorder.Prepare(ctx, audit.Entry{
		SubjectType: domain.SubjectPolicy,
		SubjectKey:  "policy:" + p.Version,
		Action:      domain.AuditPolicyPub,
		Actor:       actor,
		After:       p.Version,
		Payload:     p,
	})
	if err != nil {
		return nil, nil, err
	}

	err = r.recorder.Commit(func() error {
		return r.repo.SavePolicy(ctx, p, seal)
	})
	if err != nil {
		return nil, nil, err
	}

	gaps := Gaps(p, 0.01)
	if len(gaps) > 0 {
		r.logger.Warn("published policy has uncovered scores",
			"version", p.Version,
			"gaps", len(gaps),
		)
	}
	return p, gaps, nil
}

// Activate makes version the active policy. A version cannot be activated
// before its effective time. Activating a superseded version is a rollback:
// it becomes active again and the version it replaces is superseded.
func (r *Registry) Activate(ctx context.Context, version string, actor string) (*domain.PolicyVersion, error) {
	target, err := r.repo.GetPolicy(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("failed to activate policy %s: %w", version, err)
	}
	now := r.now().UTC()
	if now.Before(target.EffectiveAt) {
		return nil, fmt.Errorf("%w: policy %s is not effective until %s",
			domain.ErrInvalidInput, version, target.EffectiveAt.Format(time.RFC3339))
	}

	before := ""
	if cur, err := r.Active(); err == nil {
		before = cur.Version
	}

	seal, err := r.recorder.Prepare(ctx, audit.Entry{
		SubjectType: domain.SubjectPolicy,
		SubjectKey:  "policy:" + version,
		Action:      domain.AuditPolicyActive,
		Actor:       actor,
		Before:      before,
		After:       version,
		Payload:     map[string]string{"version": version, "previous": before},
	})
	if err != nil {
		return nil, err
	}

	err = r.recorder.Commit(func() error {
		return r.repo.ActivatePolicy(ctx, version, now, seal)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to activate policy %s: %w", version, err)
	}

	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	r.logger.Info("activated decision policy", "version", version, "previous", before, "actor", actor)
	return r.Active()
}

// Get returns a published version.
func (r *Registry) Get(ctx context.Context, version string) (*domain.PolicyVersion, error) {
	return r.repo.GetPolicy(ctx, version)
}

// List returns every published version, newest first.
func (r *Registry) List(ctx context.Context) ([]*domain.PolicyVersion, error) {
	return r.repo.ListPolicies(ctx)
}
