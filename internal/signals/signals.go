// Package signals derives the boolean policy signals for an event.
package signals

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/opensource-finance/fraudops/internal/rules"
	"github.com/opensource-finance/fraudops/internal/velocity"
)

// DeviceLinkTTL is how long a device remembers the accounts seen on it.
const DeviceLinkTTL = 30 * 24 * time.Hour

// Input is everything known about an event when signals are derived.
type Input struct {
	Features *domain.FeatureVector
	Bundle   *domain.ScoreBundle

	// Provided are signals supplied by upstream systems or operators.
	// They override derived values.
	Provided map[string]bool
}

// Deriver gathers signal context from the cache and evaluates signal rules.
// Lookups that fail degrade to "no evidence" so a cache outage never
// blocks a decision.
type Deriver struct {
	cache             domain.Cache
	velocity          *velocity.Service
	engine            *rules.SignalEngine
	conflictThreshold float64
	logger            *slog.Logger
}

// NewDeriver creates a deriver.
func NewDeriver(cache domain.Cache, vel *velocity.Service, engine *rules.SignalEngine, conflictThreshold float64, logger *slog.Logger) *Deriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deriver{
		cache:             cache,
		velocity:          vel,
		engine:            engine,
		conflictThreshold: conflictThreshold,
		logger:            logger,
	}
}

// Derive returns the signal set for an event.
func (d *Deriver) Derive(ctx context.Context, in Input) domain.SignalSet {
	sc := rules.SignalContext{ConflictThreshold: d.conflictThreshold}

	if in.Bundle != nil {
		sc.ScoreVariance = in.Bundle.Variance()
		sc.Ensemble = in.Bundle.Ensemble
		sc.Calibrated = in.Bundle.Calibrated
	}

	if fv := in.Features; fv != nil {
		sc.Velocity1h = fv.Velocity1h
		sc.Velocity24h = fv.Velocity24h
		sc.Watchlisted = d.watchlisted(ctx, fv)
		sc.DeviceAccounts = d.deviceAccounts(ctx, fv)

		if d.velocity != nil {
			b, err := d.velocity.Observe(ctx, fv.EntityID, fv.Velocity1h, fv.Velocity24h)
			if err != nil {
				d.logger.Warn("velocity baseline unavailable", "entity_id", fv.EntityID, "error", err)
			}
			sc.Baseline1h = b.Hourly
			sc.Baseline24h = b.Daily
		}
	}

	out, errs := d.engine.Derive(sc)
	for name, err := range errs {
		d.logger.Warn("signal rule failed", "signal", name, "error", err)
	}

	// Without features there is no velocity evidence either way.
	if in.Features == nil {
		delete(out, domain.SignalVelocityNormal)
	}

	for name, v := range in.Provided {
		if domain.KnownSignals[name] {
			out[name] = v
		}
	}
	return out
}

func (d *Deriver) watchlisted(ctx context.Context, fv *domain.FeatureVector) bool {
	checks := []struct {
		key    string
		member string
	}{
		{domain.WatchlistEntities, fv.EntityID},
		{domain.WatchlistIPs, fv.IPAddress},
		{domain.WatchlistDevices, fv.DeviceFingerprint},
	}
	for _, c := range checks {
		if c.member == "" {
			continue
		}
		hit, err := d.cache.IsMember(ctx, c.key, c.member)
		if err != nil {
			d.logger.Warn("watchlist lookup failed", "list", c.key, "error", err)
			continue
		}
		if hit {
			return true
		}
	}
	return false
}

// deviceAccounts links the entity to its device and returns how many
// distinct accounts the device has been seen with.
func (d *Deriver) deviceAccounts(ctx context.Context, fv *domain.FeatureVector) int64 {
	if fv.DeviceFingerprint == "" {
		return 0
	}
	n, err := d.cache.AddToSet(ctx, "device_accounts:"+fv.DeviceFingerprint, fv.EntityID, DeviceLinkTTL)
	if err != nil {
		d.logger.Warn("device graph update failed", "error", err)
		return 0
	}
	return n
}
