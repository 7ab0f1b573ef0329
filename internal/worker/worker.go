// Package worker consumes the feature and score streams from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/opensource-finance/fraudops/internal/pipeline"
)

// DefaultFeatureTTL is how long a streamed feature vector waits for its scores.
const DefaultFeatureTTL = time.Hour

// Decider is the part of the pipeline the worker drives.
type Decider interface {
	Decide(ctx context.Context, req *pipeline.Request) (*domain.Decision, error)
}

// Worker parks feature vectors in the cache and decides scored events.
type Worker struct {
	bus     domain.EventBus
	cache   domain.Cache
	decider Decider
	logger  *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	features  atomic.Int64
	decisions atomic.Int64
	failures  atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// FeatureTTL bounds how long parked features are kept. Zero uses DefaultFeatureTTL.
	FeatureTTL time.Duration

	// SkipFeatures disables the features.online.v1 subscription.
	SkipFeatures bool
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, cache domain.Cache, decider Decider, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		cache:   cache,
		decider: decider,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the score topic and, unless disabled, the feature topic.
func (w *Worker) Start(cfg Config) error {
	ttl := cfg.FeatureTTL
	if ttl <= 0 {
		ttl = DefaultFeatureTTL
	}

	if !cfg.SkipFeatures && w.cache != nil {
		if err := w.subscribe(domain.TopicFeatures, func(ctx context.Context, msg *domain.Message) error {
			return w.handleFeatures(ctx, msg, ttl)
		}); err != nil {
			return err
		}
	}
	if err := w.subscribe(domain.TopicScores, w.handleScores); err != nil {
		w.Stop()
		return err
	}

	w.logger.Info("worker started", "topics", w.GetStats().Topics)
	return nil
}

func (w *Worker) subscribe(topic string, handler domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, topic, handler)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	return nil
}

// handleFeatures parks a feature vector until its scores arrive.
func (w *Worker) handleFeatures(ctx context.Context, msg *domain.Message, ttl time.Duration) error {
	var fv domain.FeatureVector
	if err := json.Unmarshal(msg.Payload, &fv); err != nil {
		w.failures.Add(1)
		w.logger.Error("failed to parse feature vector", "message_id", msg.ID, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := fv.Validate(); err != nil {
		w.failures.Add(1)
		w.logger.Warn("rejected feature vector", "event_id", fv.EventID, "error", err)
		return err
	}
	if err := w.cache.SetFeatures(ctx, &fv, ttl); err != nil {
		w.failures.Add(1)
		return fmt.Errorf("%w: park features for %s: %v", domain.ErrStorageUnavailable, fv.EventID, err)
	}
	w.features.Add(1)
	w.logger.Debug("features parked", "event_id", fv.EventID, "entity_id", fv.EntityID)
	return nil
}

// handleScores decides one scored event.
func (w *Worker) handleScores(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var sm domain.ScoreMessage
	if err := json.Unmarshal(msg.Payload, &sm); err != nil {
		w.failures.Add(1)
		w.logger.Error("failed to parse score message", "message_id", msg.ID, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if sm.EventID == "" {
		sm.EventID = msg.Key
	}

	d, err := w.decider.Decide(ctx, &pipeline.Request{
		EventID:    sm.EventID,
		EntityID:   sm.EntityID,
		Components: sm.Components,
		Features:   sm.Features,
		Signals:    sm.Signals,
		Timestamp:  sm.Timestamp,
	})
	if err != nil {
		w.failures.Add(1)
		w.logger.Error("decision failed",
			"event_id", sm.EventID,
			"code", domain.ErrorCode(err),
			"error", err,
		)
		return err
	}
	w.decisions.Add(1)

	w.logger.Info("event processed",
		"event_id", d.EventID,
		"action", d.Action,
		"risk", d.Risk,
		"case_id", d.CaseID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all subscriptions.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	w.subscriptions = nil

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	FeaturesParked    int64    `json:"featuresParked"`
	Decisions         int64    `json:"decisions"`
	Failures          int64    `json:"failures"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		FeaturesParked:    w.features.Load(),
		Decisions:         w.decisions.Load(),
		Failures:          w.failures.Load(),
	}
}
