package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetFeatures retrieves a feature vector parked for the decision pipeline.
	GetFeatures(ctx context.Context, eventID string) (*FeatureVector, error)

	// SetFeatures parks a feature vector until its component scores arrive.
	SetFeatures(ctx context.Context, fv *FeatureVector, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// AddToSet adds member to the set at key and returns the set size.
	AddToSet(ctx context.Context, key string, member string, ttl time.Duration) (int64, error)

	// IsMember reports whether member belongs to the set at key.
	IsMember(ctx context.Context, key string, member string) (bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Well-known cache keys shared with the watchlist tooling.
const (
	WatchlistEntities = "watchlist:entities"
	WatchlistIPs      = "watchlist:ips"
	WatchlistDevices  = "watchlist:devices"
)

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
