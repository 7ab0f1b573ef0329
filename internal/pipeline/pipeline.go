// Package pipeline turns component scores into a decision for one event.
//
// A decision runs aggregate, signals and evaluate, then stores the decision
// with its case and audit records in one transaction and publishes it.
// The steps up to evaluation are pure and may be cancelled; once the write
// starts the remaining steps run to completion.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/fraudops/internal/audit"
	"github.com/opensource-finance/fraudops/internal/cases"
	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/opensource-finance/fraudops/internal/monitor"
	"github.com/opensource-finance/fraudops/internal/policy"
	"github.com/opensource-finance/fraudops/internal/retry"
	"github.com/opensource-finance/fraudops/internal/rules"
	"github.com/opensource-finance/fraudops/internal/scoring"
	"github.com/opensource-finance/fraudops/internal/signals"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("fraudops-pipeline")

// Request is one scoring or decision request.
type Request struct {
	EventID  string `json:"event_id"`
	EntityID string `json:"entity_id"`

	// Components are model scores in [0,1] keyed by component name.
	Components map[string]float64 `json:"scores"`

	// Attributions are per-feature contributions reported by the models.
	Attributions map[string]float64 `json:"attributions,omitempty"`

	Features *domain.FeatureVector `json:"features,omitempty"`

	// Signals are provided by upstream systems and override derived ones.
	Signals map[string]bool `json:"signals,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Deps are the collaborators of a Decider. Rules, Bus and Monitor are optional.
type Deps struct {
	Aggregator *scoring.Aggregator
	Rules      *rules.Engine
	Signals    *signals.Deriver
	Policies   *policy.Registry
	Cases      *cases.Manager
	Recorder   *audit.Recorder
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Monitor    *monitor.Monitor
	Logger     *slog.Logger
}

// Decider runs the decision pipeline.
type Decider struct {
	deps     Deps
	stale    time.Duration
	retry    domain.RetryConfig
	logger   *slog.Logger
	now      func() time.Time
	inflight singleflight.Group
}

// New creates a Decider.
func New(deps Deps, cfg domain.PolicyConfig, rc domain.RetryConfig) (*Decider, error) {
	switch {
	case deps.Aggregator == nil:
		return nil, errors.New("pipeline: aggregator is required")
	case deps.Signals == nil:
		return nil, errors.New("pipeline: signal deriver is required")
	case deps.Policies == nil:
		return nil, errors.New("pipeline: policy registry is required")
	case deps.Cases == nil:
		return nil, errors.New("pipeline: case manager is required")
	case deps.Recorder == nil || deps.Repo == nil:
		return nil, errors.New("pipeline: repository and recorder are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{
		deps:   deps,
		stale:  cfg.StaleTolerance,
		retry:  rc,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Score aggregates the component scores of req into a ScoreBundle.
// When features are present and no rules score was supplied, the rules
// component is computed from them.
func (d *Decider) Score(ctx context.Context, req *Request) (*domain.ScoreBundle, error) {
	ctx, span := tracer.Start(ctx, "pipeline.score")
	defer span.End()

	components := make(map[string]float64, len(req.Components)+1)
	for k, v := range req.Components {
		components[k] = v
	}
	attributions := req.Attributions

	if _, ok := components[rules.ComponentName]; !ok && req.Features != nil && d.deps.Rules != nil {
		score, contribs, err := d.deps.Rules.Score(ctx, req.Features)
		if err != nil {
			return nil, fmt.Errorf("rules component: %w", err)
		}
		components[rules.ComponentName] = score
		if len(attributions) == 0 && len(contribs) > 0 {
			attributions = make(map[string]float64, len(contribs))
			for _, c := range contribs {
				attributions[c.Feature] = c.Contribution
			}
		}
	}

	bundle, err := d.deps.Aggregator.Aggregate(scoring.Input{
		EventID:      req.EventID,
		Components:   components,
		Attributions: attributions,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("score.ensemble", bundle.Ensemble),
		attribute.Float64("score.calibrated", bundle.Calibrated),
	)
	return bundle, nil
}

// Decide produces the decision for req. A re-submitted event returns the
// decision already recorded for it.
func (d *Decider) Decide(ctx context.Context, req *Request) (*domain.Decision, error) {
	if req == nil || req.EventID == "" {
		return nil, fmt.Errorf("%w: event_id is required", domain.ErrInvalidInput)
	}

	v, err, _ := d.inflight.Do(req.EventID, func() (any, error) {
		return d.decide(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*domain.Decision)
	return &out, nil
}

func (d *Decider) decide(ctx context.Context, req *Request) (*domain.Decision, error) {
	start := d.now()
	ctx, span := tracer.Start(ctx, "pipeline.decide", trace.WithAttributes(
		attribute.String("event.id", req.EventID),
	))
	defer span.End()

	fail := func(err error) (*domain.Decision, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if prior, err := d.recorded(ctx, req.EventID); err != nil || prior != nil {
		if err != nil {
			return fail(err)
		}
		span.SetAttributes(attribute.Bool("decision.replayed", true))
		return prior, nil
	}

	if err := d.prepare(ctx, req); err != nil {
		return fail(err)
	}
	if d.isStale(req, start) {
		return fail(fmt.Errorf("%w: event %s is older than %s", domain.ErrStaleInput, req.EventID, d.stale))
	}

	bundle, err := d.Score(ctx, req)
	if err != nil {
		return fail(err)
	}

	set := d.deps.Signals.Derive(ctx, signals.Input{
		Features: req.Features,
		Bundle:   bundle,
		Provided: req.Signals,
	})

	decision, err := d.deps.Policies.Evaluate(bundle.Calibrated, set)
	if err != nil {
		return fail(err)
	}
	decision.EventID = req.EventID
	decision.EntityID = req.EntityID
	decision.ModelVersion = bundle.ModelVersion

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	// side effects start here and are not abandoned on cancellation
	ctx = context.WithoutCancel(ctx)

	decision.DecidedAt = d.now().UTC()
	decision.DecisionTimeMs = decision.DecidedAt.Sub(start).Milliseconds()

	if err := d.persist(ctx, decision, bundle, set); err != nil {
		if errors.Is(err, domain.ErrDuplicateDecision) {
			// another replica decided this event first
			prior, perr := d.deps.Repo.GetDecision(ctx, req.EventID)
			if perr == nil {
				return prior, nil
			}
		}
		return fail(err)
	}

	d.publish(ctx, decision)
	if m := d.deps.Monitor; m != nil {
		var numeric map[string]float64
		if req.Features != nil {
			numeric = req.Features.Numeric()
		}
		if err := m.Ingest(decision.EventID, bundle.Calibrated, numeric); err != nil {
			d.logger.Warn("monitor ingest failed", "event_id", decision.EventID, "error", err)
		}
		m.RecordDecision(decision.Action, time.Since(start))
	}

	span.SetAttributes(
		attribute.String("decision.action", string(decision.Action)),
		attribute.String("decision.policy", decision.PolicyVersion),
	)
	d.logger.Info("decision made",
		"event_id", decision.EventID,
		"action", decision.Action,
		"risk", decision.Risk,
		"policy", decision.PolicyVersion,
		"case_id", decision.CaseID,
		"decision_time_ms", decision.DecisionTimeMs,
	)
	return decision, nil
}

// recorded returns the decision stored for eventID, or nil.
func (d *Decider) recorded(ctx context.Context, eventID string) (*domain.Decision, error) {
	var prior *domain.Decision
	err := retry.Do(ctx, d.retry, func(ctx context.Context) error {
		p, err := d.deps.Repo.GetDecision(ctx, eventID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		prior = p
		return err
	})
	return prior, err
}

// prepare fills in features parked by the feature stream and checks them.
func (d *Decider) prepare(ctx context.Context, req *Request) error {
	if req.Features == nil && d.deps.Cache != nil {
		fv, err := d.deps.Cache.GetFeatures(ctx, req.EventID)
		if err != nil {
			d.logger.Warn("feature lookup failed", "event_id", req.EventID, "error", err)
		}
		req.Features = fv
	}
	if req.Features != nil {
		if req.Features.EventID == "" {
			req.Features.EventID = req.EventID
		}
		if req.Features.EntityID == "" {
			req.Features.EntityID = req.EntityID
		}
		if err := req.Features.Validate(); err != nil {
			return err
		}
		if req.EntityID == "" {
			req.EntityID = req.Features.EntityID
		}
	}
	if req.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", domain.ErrInvalidInput)
	}
	return nil
}

func (d *Decider) isStale(req *Request, now time.Time) bool {
	if d.stale <= 0 {
		return false
	}
	ts := req.Timestamp
	if ts.IsZero() && req.Features != nil {
		ts = req.Features.Timestamp
	}
	return !ts.IsZero() && now.Sub(ts) > d.stale
}

// evidence is the payload kept with a decision's audit record.
type evidence struct {
	Decision *domain.Decision    `json:"decision"`
	Bundle   *domain.ScoreBundle `json:"score_bundle"`
	Signals  domain.SignalSet    `json:"signals"`
}

// persist stores the decision, the case it opens and their audit records
// in one transaction. A case opened concurrently for the same event, for
// example through the cases API, is linked instead of duplicated.
func (d *Decider) persist(ctx context.Context, decision *domain.Decision, bundle *domain.ScoreBundle, set domain.SignalSet) error {
	ctx, span := tracer.Start(ctx, "pipeline.persist")
	defer span.End()

	return retry.Do(ctx, d.retry, func(ctx context.Context) error {
		err := d.persistOnce(ctx, decision, bundle, set)
		if errors.Is(err, domain.ErrDuplicateCase) {
			err = d.persistOnce(ctx, decision, bundle, set)
		}
		return err
	})
}

func (d *Decider) persistOnce(ctx context.Context, decision *domain.Decision, bundle *domain.ScoreBundle, set domain.SignalSet) error {
	var opened *domain.Case
	var caseSeal domain.Sealer
	decision.CaseID = ""
	if decision.Action.RequiresCase() {
		c, seal, err := d.deps.Cases.Draft(ctx, decision)
		if err != nil {
			return fmt.Errorf("case for %s: %w", decision.EventID, err)
		}
		decision.CaseID = c.ID
		if seal != nil {
			opened, caseSeal = c, seal
		}
	}

	seal, err := d.deps.Recorder.Prepare(ctx, audit.Entry{
		SubjectType: domain.SubjectEvent,
		SubjectKey:  decision.EventID,
		Action:      domain.AuditDecision,
		Actor:       "system",
		After:       string(decision.Action),
		Payload:     evidence{Decision: decision, Bundle: bundle, Signals: set},
	})
	if err != nil {
		return err
	}
	err = d.deps.Recorder.Commit(func() error {
		return d.deps.Repo.SaveDecisionWithCase(ctx, decision, seal, opened, caseSeal)
	})
	if err != nil {
		return err
	}
	if opened != nil {
		d.deps.Cases.Opened(ctx, opened)
	}
	return nil
}

// publish emits the decision on TopicDecisions. The decision is already
// committed, so a failed publish is logged and not returned.
func (d *Decider) publish(ctx context.Context, decision *domain.Decision) {
	if d.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		d.logger.Error("failed to encode decision", "event_id", decision.EventID, "error", err)
		return
	}
	if err := d.deps.Bus.Publish(ctx, domain.TopicDecisions, decision.EventID, payload); err != nil {
		d.logger.Error("failed to publish decision", "event_id", decision.EventID, "error", err)
	}
}
