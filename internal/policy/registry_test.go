package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/fraudops/internal/audit"
	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/opensource-finance/fraudops/internal/repository"
)

func newTestRegistry(t *testing.T) (*Registry, *audit.Recorder) {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "policy.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	rec := audit.NewRecorder(repo)
	return NewRegistry(repo, rec, nil), rec
}

func TestRegistrySeed(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t)

	if _, err := reg.Active(); !errors.Is(err, domain.ErrNoActivePolicy) {
		t.Fatalf("Expected ErrNoActivePolicy before seeding, got %v", err)
	}

	if err := reg.Seed(ctx, ""); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	active, err := reg.Active()
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active.Version != "v1.0" || !active.Active {
		t.Errorf("Expected active v1.0, got %s (active=%v)", active.Version, active.Active)
	}

	// seeding again keeps the existing policy and writes no audit
	if err := reg.Seed(ctx, ""); err != nil {
		t.Fatalf("Second seed failed: %v", err)
	}
	history, err := rec.History(ctx, "policy:v1.0")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected publish and activate records, got %d", len(history))
	}
	if history[0].Action != domain.AuditPolicyPub || history[1].Action != domain.AuditPolicyActive {
		t.Errorf("Unexpected audit actions: %s, %s", history[0].Action, history[1].Action)
	}
}

func TestRegistrySeedFromFile(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	yaml := `
version: v2.0
description: strict
block:
  - score: {gte: 0.6}
    reasons: [strict_block]
allow:
  - score: {lt: 0.6}
    reasons: [low_risk]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	if err := reg.Seed(ctx, path); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	d, err := reg.Evaluate(0.65, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Action != domain.ActionBlock || d.PolicyVersion != "v2.0" {
		t.Errorf("Expected block under v2.0, got %s under %s", d.Action, d.PolicyVersion)
	}
}

func TestRegistryPublishAndActivate(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t)

	if err := reg.Seed(ctx, ""); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	next := domain.DefaultPolicy()
	next.Version = "v1.1"
	next.Block[0].Score = &domain.ScoreRange{Min: domain.Bound(0.85)}
	next.Hold[0].Score = &domain.ScoreRange{Min: domain.Bound(0.70), Max: domain.Bound(0.85)}

	t.Run("Publish", func(t *testing.T) {
		p, gaps, err := reg.Publish(ctx, next, "analyst-1")
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if len(gaps) != 0 {
			t.Errorf("Expected no gaps, got %v", gaps)
		}
		if p.CreatedAt.IsZero() {
			t.Error("Published policy must be stamped")
		}

		// published is not active
		active, _ := reg.Active()
		if active.Version != "v1.0" {
			t.Errorf("Expected v1.0 still active, got %s", active.Version)
		}
	})

	t.Run("DuplicateVersionRejected", func(t *testing.T) {
		if _, _, err := reg.Publish(ctx, next, "analyst-1"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("InvalidRejected", func(t *testing.T) {
		bad := &domain.PolicyVersion{Version: "bad"}
		if _, _, err := reg.Publish(ctx, bad, "analyst-1"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("Activate", func(t *testing.T) {
		p, err := reg.Activate(ctx, "v1.1", "supervisor-1")
		if err != nil {
			t.Fatalf("Activate failed: %v", err)
		}
		if p.Version != "v1.1" {
			t.Errorf("Expected v1.1 active, got %s", p.Version)
		}

		d, err := reg.Evaluate(0.87, nil)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if d.Action != domain.ActionBlock || d.PolicyVersion != "v1.1" {
			t.Errorf("Expected block under v1.1, got %s under %s", d.Action, d.PolicyVersion)
		}

		old, err := reg.Get(ctx, "v1.0")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if old.Active || old.SupersededAt == nil {
			t.Error("Expected v1.0 superseded")
		}

		history, err := rec.History(ctx, "policy:v1.1")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		last := history[len(history)-1]
		if last.Before != "v1.0" || last.After != "v1.1" || last.Actor != "supervisor-1" {
			t.Errorf("Unexpected activation audit: %+v", last)
		}
	})

	t.Run("ActivateUnknown", func(t *testing.T) {
		if _, err := reg.Activate(ctx, "v9", "x"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		list, err := reg.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(list) != 2 {
			t.Errorf("Expected 2 versions, got %d", len(list))
		}
	})

	t.Run("ChainIntact", func(t *testing.T) {
		v, err := rec.Verify(ctx)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if !v.Valid || v.Records != 4 {
			t.Errorf("Expected 4 valid records, got %+v", v)
		}
	})
}

func TestRegistryActivationRules(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	if err := reg.Seed(ctx, ""); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	next := domain.DefaultPolicy()
	next.Version = "v1.1"
	if _, _, err := reg.Publish(ctx, next, "analyst-1"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	t.Run("NotYetEffective", func(t *testing.T) {
		future := domain.DefaultPolicy()
		future.Version = "v2.0"
		future.EffectiveAt = now.Add(24 * time.Hour)
		if _, _, err := reg.Publish(ctx, future, "analyst-1"); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		if _, err := reg.Activate(ctx, "v2.0", "supervisor-1"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput, got %v", err)
		}
		if active, _ := reg.Active(); active.Version != "v1.0" {
			t.Errorf("Expected v1.0 still active, got %s", active.Version)
		}

		now = now.Add(25 * time.Hour)
		if _, err := reg.Activate(ctx, "v2.0", "supervisor-1"); err != nil {
			t.Errorf("Activate after effective time failed: %v", err)
		}
	})

	t.Run("Rollback", func(t *testing.T) {
		if _, err := reg.Activate(ctx, "v1.1", "supervisor-1"); err != nil {
			t.Fatalf("Activate failed: %v", err)
		}
		p, err := reg.Activate(ctx, "v1.0", "supervisor-1")
		if err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}
		if p.Version != "v1.0" || !p.Active || p.SupersededAt != nil {
			t.Errorf("Expected v1.0 active again, got %+v", p)
		}

		replaced, err := reg.Get(ctx, "v1.1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if replaced.Active || replaced.SupersededAt == nil {
			t.Error("Expected v1.1 superseded by the rollback")
		}
	})
}

func TestParse(t *testing.T) {
	t.Run("ShippedPolicy", func(t *testing.T) {
		p, err := LoadFile(filepath.Join("..", "..", "configs", "policy.v1.yaml"))
		if err != nil {
			t.Fatalf("LoadFile failed: %v", err)
		}
		if len(Gaps(p, 0.01)) != 0 {
			t.Error("Shipped policy leaves gaps")
		}
		d, err := Evaluate(0.86, nil, p)
		if err != nil || d.Action != domain.ActionHold {
			t.Errorf("Expected hold, got %v (%v)", d, err)
		}
	})

	t.Run("UnknownField", func(t *testing.T) {
		_, err := Parse([]byte("version: v\nblok: []\n"))
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("InvalidPolicy", func(t *testing.T) {
		_, err := Parse([]byte("version: v\nallow:\n  - reasons: [x]\n"))
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput, got %v", err)
		}
	})
}
