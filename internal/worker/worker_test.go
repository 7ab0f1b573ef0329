package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/fraudops/internal/bus"
	"github.com/opensource-finance/fraudops/internal/cache"
	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/opensource-finance/fraudops/internal/pipeline"
	"github.com/shopspring/decimal"
)

type fakeDecider struct {
	mu       sync.Mutex
	requests []*pipeline.Request
	err      error
}

func (f *fakeDecider) Decide(ctx context.Context, req *pipeline.Request) (*domain.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Decision{EventID: req.EventID, EntityID: req.EntityID, Action: domain.ActionAllow}, nil
}

func (f *fakeDecider) seen() []*pipeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*pipeline.Request(nil), f.requests...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorker(t *testing.T) {
	ctx := context.Background()

	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()
	lru := cache.NewLRUCache(100)
	defer lru.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, lru, &fakeDecider{}, nil)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if n := w.GetStats().SubscriptionCount; n != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", n)
		}
	})

	t.Run("SkipFeatures", func(t *testing.T) {
		w := NewWorker(eventBus, lru, &fakeDecider{}, nil)
		if err := w.Start(Config{SkipFeatures: true}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicScores {
			t.Errorf("expected only %s, got %v", domain.TopicScores, stats.Topics)
		}
	})

	t.Run("ParksFeatures", func(t *testing.T) {
		w := NewWorker(eventBus, lru, &fakeDecider{}, nil)
		if err := w.Start(Config{FeatureTTL: time.Minute}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		fv := domain.FeatureVector{
			EventID:    "evt-parked",
			EntityID:   "cust-1",
			Amount:     decimal.RequireFromString("125.50"),
			Velocity1h: 2,
			Timestamp:  time.Now().UTC(),
		}
		payload, _ := json.Marshal(fv)
		if err := eventBus.Publish(ctx, domain.TopicFeatures, fv.EventID, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		waitFor(t, func() bool { return w.GetStats().FeaturesParked == 1 })

		got, err := lru.GetFeatures(ctx, "evt-parked")
		if err != nil || got == nil {
			t.Fatalf("expected parked features, got %v, %v", got, err)
		}
		if got.EntityID != "cust-1" || !got.Amount.Equal(fv.Amount) {
			t.Errorf("unexpected parked features %+v", got)
		}
	})

	t.Run("RejectsInvalidFeatures", func(t *testing.T) {
		w := NewWorker(eventBus, lru, &fakeDecider{}, nil)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload, _ := json.Marshal(domain.FeatureVector{EventID: "evt-bad", EntityID: "cust-1", IPRisk: 3})
		eventBus.Publish(ctx, domain.TopicFeatures, "evt-bad", payload)
		eventBus.Publish(ctx, domain.TopicFeatures, "garbage", []byte("{not json"))

		waitFor(t, func() bool { return w.GetStats().Failures == 2 })

		if fv, _ := lru.GetFeatures(ctx, "evt-bad"); fv != nil {
			t.Error("invalid features must not be parked")
		}
	})

	t.Run("DecidesScores", func(t *testing.T) {
		decider := &fakeDecider{}
		w := NewWorker(eventBus, lru, decider, nil)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		ts := time.Now().UTC().Truncate(time.Second)
		payload, _ := json.Marshal(domain.ScoreMessage{
			EventID:    "evt-scored",
			EntityID:   "cust-2",
			Components: map[string]float64{"xgb": 0.72, "nn": 0.69},
			Signals:    map[string]bool{domain.SignalSupervisorEscalate: true},
			Timestamp:  ts,
		})
		if err := eventBus.Publish(ctx, domain.TopicScores, "evt-scored", payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		waitFor(t, func() bool { return w.GetStats().Decisions == 1 })

		reqs := decider.seen()
		if len(reqs) != 1 {
			t.Fatalf("expected 1 request, got %d", len(reqs))
		}
		req := reqs[0]
		if req.EventID != "evt-scored" || req.EntityID != "cust-2" {
			t.Errorf("unexpected request identity %+v", req)
		}
		if req.Components["xgb"] != 0.72 || !req.Signals[domain.SignalSupervisorEscalate] {
			t.Errorf("scores or signals not forwarded: %+v", req)
		}
		if !req.Timestamp.Equal(ts) {
			t.Errorf("expected timestamp %v, got %v", ts, req.Timestamp)
		}
	})

	t.Run("EventIDFromKey", func(t *testing.T) {
		decider := &fakeDecider{}
		w := NewWorker(eventBus, lru, decider, nil)
		if err := w.Start(Config{SkipFeatures: true}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload, _ := json.Marshal(domain.ScoreMessage{Components: map[string]float64{"xgb": 0.1}})
		eventBus.Publish(ctx, domain.TopicScores, "evt-keyed", payload)

		waitFor(t, func() bool { return len(decider.seen()) == 1 })
		if got := decider.seen()[0].EventID; got != "evt-keyed" {
			t.Errorf("expected event id from message key, got %q", got)
		}
	})

	t.Run("DecisionFailure", func(t *testing.T) {
		decider := &fakeDecider{err: errors.New("boom")}
		w := NewWorker(eventBus, lru, decider, nil)
		if err := w.Start(Config{SkipFeatures: true}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload, _ := json.Marshal(domain.ScoreMessage{EventID: "evt-fail", Components: map[string]float64{"xgb": 0.5}})
		eventBus.Publish(ctx, domain.TopicScores, "evt-fail", payload)

		waitFor(t, func() bool { return w.GetStats().Failures == 1 })
		if n := w.GetStats().Decisions; n != 0 {
			t.Errorf("expected no decisions, got %d", n)
		}
	})
}
