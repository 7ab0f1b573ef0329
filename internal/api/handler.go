package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/fraudops/internal/audit"
	"github.com/opensource-finance/fraudops/internal/cases"
	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/opensource-finance/fraudops/internal/monitor"
	"github.com/opensource-finance/fraudops/internal/pipeline"
	"github.com/opensource-finance/fraudops/internal/policy"
)

// maxPolicyBytes bounds a published policy document.
const maxPolicyBytes = 1 << 20

// Deps are the services behind the HTTP surface.
type Deps struct {
	Decider  *pipeline.Decider
	Cases    *cases.Manager
	Policies *policy.Registry
	Recorder *audit.Recorder
	Monitor  *monitor.Monitor
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps    Deps
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{deps: deps, version: version}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps err onto its status and error code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, ErrorResponse{
		Code:      domain.ErrorCode(err),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: GetRequestID(r.Context()),
	})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON request body", domain.ErrInvalidInput)
	}
	return nil
}

// actor names who performs a mutation: the X-Actor header, then the
// actor query parameter, then fallback.
func actor(r *http.Request, fallback string) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	if a := strings.TrimSpace(r.URL.Query().Get("actor")); a != "" {
		return a
	}
	return fallback
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidInput, key)
	}
	return n, nil
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.deps.Repo != nil {
		check("repository", func() error { return h.deps.Repo.Ping(ctx) })
	}
	if h.deps.Cache != nil {
		check("cache", func() error { return h.deps.Cache.Ping(ctx) })
	}
	if h.deps.Bus != nil {
		check("bus", func() error { return h.deps.Bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether an active policy is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Policies == nil {
		writeError(w, r, domain.ErrNoActivePolicy)
		return
	}
	p, err := h.deps.Policies.Active()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready":  "true",
		"policy": p.Version,
	})
}

// Score handles POST /score.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	bundle, err := h.deps.Decider.Score(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// Decide handles POST /decide.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.deps.Decider.Decide(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetDecision returns the decision recorded for an event.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := h.deps.Repo.GetDecision(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// CreateCaseRequest is the request body for POST /cases.
type CreateCaseRequest struct {
	EventID       string        `json:"event_id"`
	EntityID      string        `json:"entity_id"`
	Risk          float64       `json:"risk"`
	Action        domain.Action `json:"action"`
	Reasons       []string      `json:"reasons"`
	PolicyVersion string        `json:"policy_version,omitempty"`
}

// CreateCase opens a case for a decision made elsewhere.
// Repeating the call for an event returns the case already open for it.
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req CreateCaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Risk < 0 || req.Risk > 1 {
		writeError(w, r, fmt.Errorf("%w: risk must be in [0,1]", domain.ErrInvalidScore))
		return
	}

	version := req.PolicyVersion
	if version == "" && h.deps.Policies != nil {
		if p, err := h.deps.Policies.Active(); err == nil {
			version = p.Version
		}
	}

	c, err := h.deps.Cases.CreateCase(r.Context(), &domain.Decision{
		EventID:       req.EventID,
		EntityID:      req.EntityID,
		Risk:          req.Risk,
		Action:        req.Action,
		Reasons:       req.Reasons,
		PolicyVersion: version,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListCasesResponse is one page of cases.
type ListCasesResponse struct {
	Cases  []*domain.Case `json:"cases"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ListCases handles GET /cases?status=&priority=&assignee=&limit=&offset=.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	filter := domain.CaseFilter{
		Status:   domain.CaseStatus(q.Get("status")),
		Priority: domain.Priority(q.Get("priority")),
		Assignee: q.Get("assignee"),
		Limit:    limit,
		Offset:   offset,
	}
	list, total, err := h.deps.Cases.ListCases(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Case{}
	}
	writeJSON(w, http.StatusOK, ListCasesResponse{Cases: list, Total: total, Limit: limit, Offset: offset})
}

// GetCase returns a case with its notes and actions.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Cases.GetCase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetCaseSLA returns the SLA state of a case.
func (h *Handler) GetCaseSLA(w http.ResponseWriter, r *http.Request) {
	s, err := h.deps.Cases.SLA(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// AssignCase handles PATCH /cases/{id}/assign?user=.
func (h *Handler) AssignCase(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if user == "" {
		writeError(w, r, fmt.Errorf("%w: user is required", domain.ErrInvalidInput))
		return
	}
	c, err := h.deps.Cases.Assign(r.Context(), chi.URLParam(r, "id"), user, actor(r, user))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ChangeCaseStatus handles PATCH /cases/{id}/status?status=.
func (h *Handler) ChangeCaseStatus(w http.ResponseWriter, r *http.Request) {
	target := domain.CaseStatus(r.URL.Query().Get("status"))
	if !target.Valid() {
		writeError(w, r, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, target))
		return
	}
	c, err := h.deps.Cases.ChangeStatus(r.Context(), chi.URLParam(r, "id"), target, actor(r, "analyst"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AddCaseNote handles POST /cases/{id}/notes.
func (h *Handler) AddCaseNote(w http.ResponseWriter, r *http.Request) {
	var in cases.NoteInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if in.Author == "" {
		in.Author = actor(r, "")
	}
	n, err := h.deps.Cases.AddNote(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// AddCaseAction handles POST /cases/{id}/actions.
func (h *Handler) AddCaseAction(w http.ResponseWriter, r *http.Request) {
	var in cases.ActionInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if in.PerformedBy == "" {
		in.PerformedBy = actor(r, "")
	}
	a, err := h.deps.Cases.AddAction(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ActivePolicy returns the policy currently used for decisions.
func (h *Handler) ActivePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Policies.Active()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListPolicies returns every published version.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Policies.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.PolicyVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policies": list,
		"count":    len(list),
	})
}

// GetPolicy returns one published version.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Policies.Get(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PublishPolicyResponse reports a published version and any score gaps.
type PublishPolicyResponse struct {
	Policy *domain.PolicyVersion `json:"policy"`
	Gaps   []float64             `json:"gaps,omitempty"`
}

// PublishPolicy handles POST /policies. The body is a YAML or JSON policy.
func (h *Handler) PublishPolicy(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPolicyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: unreadable body", domain.ErrInvalidInput))
		return
	}
	p, err := policy.Parse(data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stored, gaps, err := h.deps.Policies.Publish(r.Context(), p, actor(r, "api"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PublishPolicyResponse{Policy: stored, Gaps: gaps})
}

// ActivatePolicy handles POST /policies/{version}/activate.
func (h *Handler) ActivatePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Policies.Activate(r.Context(), chi.URLParam(r, "version"), actor(r, "api"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// VerifyAudit walks the whole chain.
func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	v, err := h.deps.Recorder.Verify(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// AuditHistory returns the records of one event or case in chain order.
func (h *Handler) AuditHistory(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	records, err := h.deps.Recorder.History(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_key": key,
		"records":     records,
	})
}

// GetEvidence returns the stored payload behind an audit record.
func (h *Handler) GetEvidence(w http.ResponseWriter, r *http.Request) {
	data, err := h.deps.Recorder.Evidence(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// IngestScoreRequest is the body of POST /monitor/ingest-score.
type IngestScoreRequest struct {
	EventID    string             `json:"event_id"`
	Calibrated float64            `json:"calibrated"`
	Features   map[string]float64 `json:"features,omitempty"`
}

// IngestScore feeds one score into the monitor windows.
func (h *Handler) IngestScore(w http.ResponseWriter, r *http.Request) {
	var req IngestScoreRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.deps.Monitor.Ingest(req.EventID, req.Calibrated, req.Features); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"n":  h.deps.Monitor.Snapshot().Samples,
	})
}

// OutcomeRequest labels a monitored event.
type OutcomeRequest struct {
	EventID string `json:"event_id"`
	Fraud   bool   `json:"fraud"`
}

// RecordOutcome handles POST /monitor/outcomes.
func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.deps.Monitor.RecordOutcome(req.EventID, req.Fraud); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// MonitorSnapshot returns the current monitor aggregate.
func (h *Handler) MonitorSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Monitor.Snapshot())
}

// MonitorDrift handles GET /monitor/drift?feature=&limit=.
// With compute=true the windows are recomputed first.
func (h *Handler) MonitorDrift(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("compute") == "true" {
		if _, err := h.deps.Monitor.Compute(ctx); err != nil {
			writeError(w, r, err)
			return
		}
	}

	samples, err := h.deps.Monitor.Drift(ctx, r.URL.Query().Get("feature"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if samples == nil {
		samples = []*domain.DriftSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": samples})
}

// MonitorReset drops all monitor windows.
func (h *Handler) MonitorReset(w http.ResponseWriter, r *http.Request) {
	h.deps.Monitor.Reset()
	slog.Info("monitor reset", "actor", actor(r, "api"))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
