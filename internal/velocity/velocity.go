// Package velocity maintains per-entity velocity baselines.
//
// Each entity carries an exponential moving average of its 1h and 24h
// event counts. The baseline returned for an event is the value before
// that event is folded in, so a burst is compared against history and
// not against itself.
package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/fraudops/internal/domain"
)

const (
	// Alpha is the EMA smoothing factor.
	Alpha = 0.1

	// BaselineTTL is how long an idle entity keeps its baseline.
	BaselineTTL = 24 * time.Hour
)

// Baseline is the historical velocity of an entity.
// Zero means no history.
type Baseline struct {
	Hourly float64 `json:"baseline_1h"`
	Daily  float64 `json:"baseline_24h"`
}

// Service tracks velocity baselines in the cache.
type Service struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a new velocity service.
func NewService(cache domain.Cache) *Service {
	return &Service{cache: cache, ttl: BaselineTTL}
}

// Observe returns the entity's current baseline and folds the new counts into it.
func (s *Service) Observe(ctx context.Context, entityID string, velocity1h, velocity24h int) (Baseline, error) {
	if entityID == "" {
		return Baseline{}, fmt.Errorf("%w: entity id is required", domain.ErrInvalidInput)
	}

	hourly, err := s.update(ctx, hourlyKey(entityID), float64(velocity1h))
	if err != nil {
		return Baseline{}, err
	}
	daily, err := s.update(ctx, dailyKey(entityID), float64(velocity24h))
	if err != nil {
		return Baseline{}, err
	}
	return Baseline{Hourly: hourly, Daily: daily}, nil
}

// Current returns the baseline without updating it.
func (s *Service) Current(ctx context.Context, entityID string) (Baseline, error) {
	hourly, err := s.read(ctx, hourlyKey(entityID))
	if err != nil {
		return Baseline{}, err
	}
	daily, err := s.read(ctx, dailyKey(entityID))
	if err != nil {
		return Baseline{}, err
	}
	return Baseline{Hourly: hourly, Daily: daily}, nil
}

func (s *Service) update(ctx context.Context, key string, observed float64) (float64, error) {
	prev, err := s.read(ctx, key)
	if err != nil {
		return 0, err
	}

	next := observed
	if prev > 0 {
		next = Alpha*observed + (1-Alpha)*prev
	}
	if err := s.cache.Set(ctx, key, []byte(strconv.FormatFloat(next, 'f', -1, 64)), s.ttl); err != nil {
		return 0, fmt.Errorf("failed to store velocity baseline: %w", err)
	}
	return prev, nil
}

func (s *Service) read(ctx context.Context, key string) (float64, error) {
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read velocity baseline: %w", err)
	}
	if data == nil {
		return 0, nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt velocity baseline at %s: %w", key, err)
	}
	return v, nil
}

func hourlyKey(entityID string) string {
	return "velocity_pattern_1h:" + entityID
}

func dailyKey(entityID string) string {
	return "velocity_pattern_24h:" + entityID
}
