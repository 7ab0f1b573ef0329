// Package monitor tracks score drift and calibration for the decision engine.
//
// Ingest only appends to rolling windows. PSI and Brier are computed from
// copies of those windows, on a ticker or on demand, and published as
// Prometheus metrics on a registry owned by the Monitor.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Alert types.
const (
	AlertDrift       = "drift"
	AlertCalibration = "calibration"
)

// Monitor is the owned drift and calibration aggregate.
type Monitor struct {
	cfg    domain.MonitorConfig
	repo   domain.Repository
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics

	mu        sync.Mutex
	features  map[string]*featureWindow
	scores    *scoreWindow
	lastRisk  float64
	refStart  time.Time
	windowAt  time.Time // latest move from current into reference
	decisions map[domain.Action]int64
	alerts    map[string]int64
	psi       map[string]float64
	brier     float64
	brierN    int
	computed  time.Time
}

// New creates a monitor. repo may be nil, in which case drift samples
// are not persisted.
func New(cfg domain.MonitorConfig, repo domain.Repository, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 5000
	}
	if cfg.ReferenceSize <= 0 {
		cfg.ReferenceSize = cfg.WindowSize
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = 10
	}
	reg := prometheus.NewRegistry()
	m := &Monitor{
		cfg:      cfg,
		repo:     repo,
		logger:   logger,
		registry: reg,
		metrics:  newMetrics(reg),
	}
	m.clear()
	return m
}

func (m *Monitor) clear() {
	m.features = make(map[string]*featureWindow)
	m.scores = newScoreWindow(m.cfg.WindowSize)
	m.lastRisk = 0
	m.windowAt = time.Time{}
	m.refStart = time.Time{}
	m.decisions = make(map[domain.Action]int64)
	m.alerts = make(map[string]int64)
	m.psi = make(map[string]float64)
	m.brier = 0
	m.brierN = 0
	m.computed = time.Time{}
}

// Registry returns the monitor's Prometheus registry.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Ingest appends a calibrated score and its numeric features to the
// current window. It never waits on a computation.
func (m *Monitor) Ingest(eventID string, calibrated float64, features map[string]float64) error {
	if math.IsNaN(calibrated) || calibrated < 0 || calibrated > 1 {
		return fmt.Errorf("%w: calibrated score %v outside [0,1]", domain.ErrInvalidScore, calibrated)
	}

	m.mu.Lock()
	now := time.Now().UTC()
	if m.refStart.IsZero() {
		m.refStart = now
	}
	m.scores.push(scoreSample{eventID: eventID, score: calibrated})
	m.lastRisk = calibrated
	for name, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		w, ok := m.features[name]
		if !ok {
			w = newFeatureWindow(m.cfg.WindowSize, m.cfg.ReferenceSize)
			m.features[name] = w
		}
		if w.push(v) {
			m.windowAt = now
		}
	}
	m.mu.Unlock()

	m.metrics.riskLast.Set(calibrated)
	m.metrics.ingested.Inc()
	return nil
}

// RecordOutcome labels a windowed score with its ground truth.
func (m *Monitor) RecordOutcome(eventID string, fraud bool) error {
	if eventID == "" {
		return fmt.Errorf("%w: event_id is required", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	_, ok := m.scores.label(eventID, fraud)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: event %s is not in the monitoring window", domain.ErrNotFound, eventID)
	}
	return nil
}

// RecordDecision counts a decision and its latency.
func (m *Monitor) RecordDecision(action domain.Action, latency time.Duration) {
	m.metrics.decisions.WithLabelValues(string(action)).Inc()
	m.metrics.decisionLatency.Observe(latency.Seconds())

	m.mu.Lock()
	m.decisions[action]++
	m.mu.Unlock()
}

// ObserveRequest counts an HTTP request to route.
func (m *Monitor) ObserveRequest(route string, latency time.Duration) {
	m.metrics.requests.WithLabelValues(route).Inc()
	m.metrics.requestLatency.WithLabelValues(route).Observe(latency.Seconds())
}

// windowCopy is a consistent copy of the windows taken under the lock.
type windowCopy struct {
	features map[string][2][]float64
	scores   []float64
	outcomes []bool
	refStart time.Time
	curStart time.Time
}

func (m *Monitor) copyWindows() windowCopy {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := windowCopy{
		features: make(map[string][2][]float64, len(m.features)),
		refStart: m.refStart,
		curStart: m.windowAt,
	}
	if c.curStart.IsZero() {
		c.curStart = m.refStart
	}
	for name, w := range m.features {
		c.features[name] = [2][]float64{w.reference.values(), w.current.values()}
	}
	c.scores, c.outcomes = m.scores.labeled()
	return c
}

// Compute recomputes PSI per feature and the Brier score from a copy of the
// windows, updates gauges, raises alerts and persists drift samples.
func (m *Monitor) Compute(ctx context.Context) ([]*domain.DriftSample, error) {
	win := m.copyWindows()
	now := time.Now().UTC()

	names := make([]string, 0, len(win.features))
	for name := range win.features {
		names = append(names, name)
	}
	sort.Strings(names)

	var samples []*domain.DriftSample
	psi := make(map[string]float64, len(names))
	drifted := 0
	for _, name := range names {
		ref, cur := win.features[name][0], win.features[name][1]
		if len(ref) < m.cfg.Buckets || len(cur) < m.cfg.Buckets {
			continue
		}
		res := ComputePSI(ref, cur, m.cfg.Buckets)
		psi[name] = res.PSI
		m.metrics.psi.WithLabelValues(name).Set(res.PSI)
		if res.PSI > m.cfg.PSIThreshold {
			drifted++
			m.metrics.alerts.WithLabelValues(AlertDrift).Inc()
			m.logger.Warn("feature drift detected", "feature", name, "psi", res.PSI)
		}
		samples = append(samples, &domain.DriftSample{
			ID:              uuid.New().String(),
			Feature:         name,
			Edges:           res.Edges,
			ReferenceCounts: res.ReferenceCounts,
			CurrentCounts:   res.CurrentCounts,
			PSI:             res.PSI,
			DriftLevel:      DriftLevel(res.PSI),
			ReferenceStart:  win.refStart,
			ReferenceEnd:    win.curStart,
			CurrentStart:    win.curStart,
			CurrentEnd:      now,
			ComputedAt:      now,
		})
	}

	brier, ok := Brier(win.scores, win.outcomes)
	miscalibrated := false
	if ok {
		m.metrics.brier.Set(brier)
		if brier > m.cfg.BrierThreshold {
			miscalibrated = true
			m.metrics.alerts.WithLabelValues(AlertCalibration).Inc()
			m.logger.Warn("calibration degraded", "brier", brier, "labeled", len(win.scores))
		}
	}

	m.mu.Lock()
	m.psi = psi
	if ok {
		m.brier, m.brierN = brier, len(win.scores)
	}
	m.alerts[AlertDrift] += int64(drifted)
	if miscalibrated {
		m.alerts[AlertCalibration]++
	}
	m.computed = now
	m.mu.Unlock()

	if m.repo != nil {
		for _, s := range samples {
			if err := m.repo.SaveDriftSample(ctx, s); err != nil {
				return samples, fmt.Errorf("failed to persist drift sample for %s: %w", s.Feature, err)
			}
		}
	}
	return samples, nil
}

// Run recomputes on every RecomputeInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.RecomputeInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Compute(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("monitor recompute failed", "error", err)
			}
		}
	}
}

// Snapshot is a point-in-time view of the monitor.
type Snapshot struct {
	Samples    int                     `json:"samples"`
	Labeled    int                     `json:"labeled"`
	LastRisk   float64                 `json:"last_risk"`
	PSI        map[string]float64      `json:"psi"`
	Brier      *float64                `json:"brier,omitempty"`
	Alerts     map[string]int64        `json:"alerts"`
	Decisions  map[domain.Action]int64 `json:"decisions"`
	Features   []string                `json:"features"`
	ComputedAt *time.Time              `json:"computed_at,omitempty"`
}

// Snapshot returns a copy of the current aggregate.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Samples:   m.scores.len(),
		LastRisk:  m.lastRisk,
		PSI:       make(map[string]float64, len(m.psi)),
		Alerts:    make(map[string]int64, len(m.alerts)),
		Decisions: make(map[domain.Action]int64, len(m.decisions)),
		Features:  make([]string, 0, len(m.features)),
	}
	labeled, _ := m.scores.labeled()
	s.Labeled = len(labeled)
	for k, v := range m.psi {
		s.PSI[k] = v
	}
	for k, v := range m.alerts {
		s.Alerts[k] = v
	}
	for k, v := range m.decisions {
		s.Decisions[k] = v
	}
	for name := range m.features {
		s.Features = append(s.Features, name)
	}
	sort.Strings(s.Features)
	if m.brierN > 0 {
		b := m.brier
		s.Brier = &b
	}
	if !m.computed.IsZero() {
		t := m.computed
		s.ComputedAt = &t
	}
	return s
}

// Reset drops every window and zeroes the metrics.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.clear()
	m.mu.Unlock()
	m.metrics.reset()
}

// Drift returns persisted drift samples, newest first.
func (m *Monitor) Drift(ctx context.Context, feature string, limit int) ([]*domain.DriftSample, error) {
	if m.repo == nil {
		return nil, nil
	}
	return m.repo.ListDriftSamples(ctx, feature, limit)
}
