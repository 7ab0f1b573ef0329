package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/fraudops/internal/audit"
	"github.com/opensource-finance/fraudops/internal/bus"
	"github.com/opensource-finance/fraudops/internal/cache"
	"github.com/opensource-finance/fraudops/internal/cases"
	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/opensource-finance/fraudops/internal/monitor"
	"github.com/opensource-finance/fraudops/internal/policy"
	"github.com/opensource-finance/fraudops/internal/repository"
	"github.com/opensource-finance/fraudops/internal/rules"
	"github.com/opensource-finance/fraudops/internal/scoring"
	"github.com/opensource-finance/fraudops/internal/signals"
	"github.com/opensource-finance/fraudops/internal/velocity"
	"github.com/shopspring/decimal"
)

type fixture struct {
	decider  *Decider
	repo     domain.Repository
	cache    *cache.LRUCache
	bus      *bus.ChannelBus
	recorder *audit.Recorder
	monitor  *monitor.Monitor
	cases    *cases.Manager
}

type option func(*setup)

type setup struct {
	cfg  *domain.Config
	wrap func(domain.Repository) domain.Repository
}

// withEqualWeights weights every component the same.
func withEqualWeights(s *setup) {
	s.cfg.Scoring.Weights = map[string]float64{"xgb": 1, "nn": 1, "rules": 1}
}

// withDeciderRepo wraps the repository seen by the decider only.
func withDeciderRepo(wrap func(domain.Repository) domain.Repository) option {
	return func(s *setup) { s.wrap = wrap }
}

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	ctx := context.Background()
	s := &setup{cfg: domain.DefaultConfig()}
	for _, opt := range opts {
		opt(s)
	}
	cfg := s.cfg

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "pipeline.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	c := cache.NewLRUCache(1000)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() {
		b.Close()
		c.Close()
		repo.Close()
	})

	agg, err := scoring.NewAggregator(cfg.Scoring)
	if err != nil {
		t.Fatalf("Failed to create aggregator: %v", err)
	}
	engine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("Failed to create rule engine: %v", err)
	}
	if err := engine.LoadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("Failed to load rules: %v", err)
	}
	signalEngine, err := rules.NewSignalEngine(rules.BuiltinSignalRules())
	if err != nil {
		t.Fatalf("Failed to create signal engine: %v", err)
	}

	rec := audit.NewRecorder(repo)
	reg := policy.NewRegistry(repo, rec, nil)
	if err := reg.Seed(ctx, ""); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	mon := monitor.New(cfg.Monitor, repo, nil)

	mgr := cases.NewManager(repo, rec, c, cfg.Cases, cfg.Retry, nil)

	var deciderRepo domain.Repository = repo
	if s.wrap != nil {
		deciderRepo = s.wrap(repo)
	}

	d, err := New(Deps{
		Aggregator: agg,
		Rules:      engine,
		Signals:    signals.NewDeriver(c, velocity.NewService(c), signalEngine, cfg.Scoring.ConflictVariance, nil),
		Policies:   reg,
		Cases:      mgr,
		Recorder:   rec,
		Repo:       deciderRepo,
		Cache:      c,
		Bus:        b,
		Monitor:    mon,
	}, cfg.Policy, cfg.Retry)
	if err != nil {
		t.Fatalf("Failed to create decider: %v", err)
	}
	return &fixture{decider: d, repo: repo, cache: c, bus: b, recorder: rec, monitor: mon, cases: mgr}
}

func TestDecideScenarios(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withEqualWeights)

	published := make(chan *domain.Decision, 10)
	_, err := f.bus.Subscribe(ctx, domain.TopicDecisions, func(ctx context.Context, msg *domain.Message) error {
		var d domain.Decision
		if err := json.Unmarshal(msg.Payload, &d); err != nil {
			return err
		}
		published <- &d
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	t.Run("MediumRiskHold", func(t *testing.T) {
		d, err := f.decider.Decide(ctx, &Request{
			EventID:    "evt-a",
			EntityID:   "cust-a",
			Components: map[string]float64{"xgb": 0.72, "nn": 0.69, "rules": 0.70},
		})
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if d.Action != domain.ActionHold || len(d.Reasons) != 1 || d.Reasons[0] != "medium_risk" {
			t.Errorf("Expected hold [medium_risk], got %s %v", d.Action, d.Reasons)
		}
		if d.Risk < 0.855 || d.Risk > 0.865 {
			t.Errorf("Expected risk ~0.86, got %.4f", d.Risk)
		}
		if d.CaseID == "" {
			t.Fatal("Expected a case for hold")
		}
		c, err := f.repo.GetCase(ctx, d.CaseID)
		if err != nil {
			t.Fatalf("GetCase failed: %v", err)
		}
		if c.Priority != domain.PriorityHigh {
			t.Errorf("Expected high priority, got %s", c.Priority)
		}

		select {
		case got := <-published:
			if got.EventID != "evt-a" || got.CaseID != d.CaseID || got.PolicyVersion != "v1.0" {
				t.Errorf("Unexpected published decision %+v", got)
			}
		case <-time.After(2 * time.Second):
			t.Error("Decision was not published")
		}
	})

	t.Run("WatchlistBlock", func(t *testing.T) {
		if _, err := f.cache.AddToSet(ctx, domain.WatchlistEntities, "cust-b", 0); err != nil {
			t.Fatalf("AddToSet failed: %v", err)
		}
		d, err := f.decider.Decide(ctx, &Request{
			EventID:    "evt-b",
			Components: map[string]float64{"xgb": 0.95, "nn": 0.9, "rules": 0.9},
			Features:   &domain.FeatureVector{EntityID: "cust-b", Amount: decimal.NewFromInt(50)},
		})
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if d.Action != domain.ActionBlock {
			t.Errorf("Expected block, got %s", d.Action)
		}
		if d.EntityID != "cust-b" {
			t.Errorf("Expected entity from features, got %q", d.EntityID)
		}
		c, _ := f.repo.GetCase(ctx, d.CaseID)
		if c == nil || c.Priority != domain.PriorityCritical {
			t.Errorf("Expected critical case, got %+v", c)
		}
	})

	t.Run("LowRiskAllow", func(t *testing.T) {
		d, err := f.decider.Decide(ctx, &Request{
			EventID:    "evt-c",
			EntityID:   "cust-c",
			Components: map[string]float64{"xgb": 0.1, "nn": 0.1},
			Features:   &domain.FeatureVector{Velocity1h: 1, Velocity24h: 3},
		})
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if d.Action != domain.ActionAllow {
			t.Errorf("Expected allow, got %s", d.Action)
		}
		if d.CaseID != "" {
			t.Errorf("Expected no case, got %s", d.CaseID)
		}
		if _, err := f.repo.GetCaseByEvent(ctx, "evt-c"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected no stored case, got %v", err)
		}
	})

	t.Run("SupervisorEscalation", func(t *testing.T) {
		d, err := f.decider.Decide(ctx, &Request{
			EventID:    "evt-e",
			EntityID:   "cust-e",
			Components: map[string]float64{"xgb": 0.2},
			Signals:    map[string]bool{domain.SignalSupervisorEscalate: true},
		})
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if d.Action != domain.ActionEscalate || d.CaseID == "" {
			t.Errorf("Expected escalate with case, got %s case=%q", d.Action, d.CaseID)
		}
	})

	t.Run("MonitorFed", func(t *testing.T) {
		s := f.monitor.Snapshot()
		if s.Samples != 4 {
			t.Errorf("Expected 4 monitored samples, got %d", s.Samples)
		}
		if s.Decisions[domain.ActionHold] != 1 || s.Decisions[domain.ActionAllow] != 1 {
			t.Errorf("Unexpected decision counts %v", s.Decisions)
		}
	})

	t.Run("AuditChainIntact", func(t *testing.T) {
		history, err := f.recorder.History(ctx, "evt-a")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(history) != 1 || history[0].Action != domain.AuditDecision || history[0].After != "hold" {
			t.Fatalf("Expected one decision record, got %+v", history)
		}
		data, err := f.recorder.Evidence(ctx, history[0].EvidenceRef)
		if err != nil {
			t.Fatalf("Evidence failed: %v", err)
		}
		var ev evidence
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Evidence is not JSON: %v", err)
		}
		if ev.Bundle == nil || len(ev.Bundle.Components) != 3 {
			t.Errorf("Expected the score bundle in evidence, got %+v", ev.Bundle)
		}

		v, err := f.recorder.Verify(ctx)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if !v.Valid {
			t.Errorf("Chain broken: %+v", v)
		}
	})
}

func TestDecideIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := func() *Request {
		return &Request{
			EventID:    "evt-dup",
			EntityID:   "cust-1",
			Components: map[string]float64{"xgb": 0.95},
		}
	}

	var wg sync.WaitGroup
	results := make([]*domain.Decision, 10)
	errs := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.decider.Decide(ctx, req())
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("Decide %d failed: %v", i, errs[i])
		}
		if results[i].CaseID != results[0].CaseID || results[i].Action != results[0].Action {
			t.Errorf("Decide %d differs: %+v vs %+v", i, results[i], results[0])
		}
	}

	again, err := f.decider.Decide(ctx, req())
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if again.CaseID != results[0].CaseID {
		t.Errorf("Replay returned a different case")
	}

	history, _ := f.recorder.History(ctx, "evt-dup")
	if len(history) != 1 {
		t.Errorf("Expected one decision record, got %d", len(history))
	}
	_, total, _ := f.repo.ListCases(ctx, domain.CaseFilter{})
	if total != 1 {
		t.Errorf("Expected one case, got %d", total)
	}
}

func TestDecideErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("MissingEvent", func(t *testing.T) {
		if _, err := f.decider.Decide(ctx, &Request{}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("InvalidScore", func(t *testing.T) {
		_, err := f.decider.Decide(ctx, &Request{EventID: "bad", EntityID: "x", Components: map[string]float64{"xgb": 1.5}})
		if !errors.Is(err, domain.ErrInvalidScore) {
			t.Errorf("Expected ErrInvalidScore, got %v", err)
		}
		if _, err := f.repo.GetDecision(ctx, "bad"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected nothing stored, got %v", err)
		}
	})

	t.Run("MissingRequiredComponent", func(t *testing.T) {
		_, err := f.decider.Decide(ctx, &Request{EventID: "noxgb", EntityID: "x", Components: map[string]float64{"nn": 0.5}})
		if !errors.Is(err, domain.ErrInvalidScore) {
			t.Errorf("Expected ErrInvalidScore, got %v", err)
		}
	})

	t.Run("Stale", func(t *testing.T) {
		_, err := f.decider.Decide(ctx, &Request{
			EventID:    "old",
			EntityID:   "x",
			Components: map[string]float64{"xgb": 0.5},
			Timestamp:  time.Now().Add(-48 * time.Hour),
		})
		if !errors.Is(err, domain.ErrStaleInput) {
			t.Errorf("Expected ErrStaleInput, got %v", err)
		}
	})

	t.Run("InvalidFeatures", func(t *testing.T) {
		_, err := f.decider.Decide(ctx, &Request{
			EventID:    "neg",
			EntityID:   "x",
			Components: map[string]float64{"xgb": 0.5},
			Features:   &domain.FeatureVector{IPRisk: 2},
		})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("CancelledBeforeSideEffects", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := f.decider.Decide(cctx, &Request{EventID: "cancel", EntityID: "x", Components: map[string]float64{"xgb": 0.95}})
		if err == nil {
			t.Fatal("Expected an error for a cancelled request")
		}
		if _, err := f.repo.GetCaseByEvent(ctx, "cancel"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Expected no case, got %v", err)
		}
	})
}

// brokenChain makes the decision's audit record collide with the first
// record of the chain while failing is set, so the write transaction
// fails after the case row is already inserted.
type brokenChain struct {
	domain.Repository
	failing atomic.Bool
}

func (b *brokenChain) SaveDecisionWithCase(ctx context.Context, d *domain.Decision, seal domain.Sealer, c *domain.Case, caseSeal domain.Sealer) error {
	if b.failing.Load() {
		inner := seal
		seal = func(prev string, seq int64) *domain.AuditRecord {
			rec := inner(prev, seq)
			rec.Sequence = 1
			return rec
		}
	}
	return b.Repository.SaveDecisionWithCase(ctx, d, seal, c, caseSeal)
}

func TestDecideLeavesNoCaseOnFailure(t *testing.T) {
	ctx := context.Background()
	broken := &brokenChain{}
	broken.failing.Store(true)
	f := newFixture(t, withDeciderRepo(func(r domain.Repository) domain.Repository {
		broken.Repository = r
		return broken
	}))

	req := func() *Request {
		return &Request{
			EventID:    "evt-orphan",
			EntityID:   "cust-o",
			Components: map[string]float64{"xgb": 0.72, "nn": 0.69, "rules": 0.70},
		}
	}

	if _, err := f.decider.Decide(ctx, req()); err == nil {
		t.Fatal("Expected the decision write to fail")
	}
	if _, err := f.repo.GetCaseByEvent(ctx, "evt-orphan"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected no case after a failed decision, got %v", err)
	}
	if _, err := f.repo.GetDecision(ctx, "evt-orphan"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected no decision, got %v", err)
	}
	if _, total, _ := f.repo.ListCases(ctx, domain.CaseFilter{}); total != 0 {
		t.Errorf("Expected no cases, got %d", total)
	}
	if v, err := f.recorder.Verify(ctx); err != nil || !v.Valid {
		t.Errorf("Chain should stay valid, got %+v %v", v, err)
	}

	broken.failing.Store(false)
	d, err := f.decider.Decide(ctx, req())
	if err != nil {
		t.Fatalf("Decide failed after recovery: %v", err)
	}
	if d.Action != domain.ActionHold || d.CaseID == "" {
		t.Fatalf("Expected hold with a case, got %+v", d)
	}
	c, err := f.repo.GetCaseByEvent(ctx, "evt-orphan")
	if err != nil || c.ID != d.CaseID {
		t.Errorf("Expected the decision's case to be stored, got %+v %v", c, err)
	}
	history, _ := f.recorder.History(ctx, d.CaseID)
	if len(history) != 1 || history[0].Action != domain.AuditCaseCreated {
		t.Errorf("Expected one case creation record, got %+v", history)
	}
}

func TestDecideLinksExistingCase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	opened, err := f.cases.CreateCase(ctx, &domain.Decision{
		EventID:       "evt-manual",
		EntityID:      "cust-m",
		Risk:          0.75,
		Action:        domain.ActionHold,
		Reasons:       []string{"analyst_referral"},
		PolicyVersion: "v1.0",
	})
	if err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	d, err := f.decider.Decide(ctx, &Request{
		EventID:    "evt-manual",
		EntityID:   "cust-m",
		Components: map[string]float64{"xgb": 0.95},
	})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if d.CaseID != opened.ID {
		t.Errorf("Expected decision to link case %s, got %q", opened.ID, d.CaseID)
	}
	if _, total, _ := f.repo.ListCases(ctx, domain.CaseFilter{}); total != 1 {
		t.Errorf("Expected one case, got %d", total)
	}
}

func TestScoreUsesRulesAndParkedFeatures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	fv := &domain.FeatureVector{
		EventID:   "evt-f",
		EntityID:  "cust-f",
		Amount:    decimal.NewFromInt(5000),
		IPRisk:    0.9,
		Timestamp: time.Now(),
	}
	if err := f.cache.SetFeatures(ctx, fv, time.Minute); err != nil {
		t.Fatalf("SetFeatures failed: %v", err)
	}

	req := &Request{EventID: "evt-f", Components: map[string]float64{"xgb": 0.5}}
	d, err := f.decider.Decide(ctx, req)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if d.EntityID != "cust-f" {
		t.Errorf("Expected entity from parked features, got %q", d.EntityID)
	}

	bundle, err := f.decider.Score(ctx, &Request{EventID: "evt-f", Components: map[string]float64{"xgb": 0.5}, Features: fv})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	// large-amount 0.2 + risky-ip 0.35
	if got := bundle.Components[rules.ComponentName]; got < 0.549 || got > 0.551 {
		t.Errorf("Expected rules component 0.55, got %v", got)
	}
	if len(bundle.Explanation) == 0 || bundle.Explanation[0].Feature != domain.FeatureIPRisk {
		t.Errorf("Expected ip_risk to lead the explanation, got %+v", bundle.Explanation)
	}
}
