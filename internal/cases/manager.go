// Package cases runs the investigation case lifecycle.
//
// A case is opened for every held, blocked or escalated event, at most one
// per event. Its status only moves forward along
// open, assigned, investigating, resolved, closed, and every mutation
// commits together with exactly one audit record.
package cases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fraudops/internal/audit"
	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/opensource-finance/fraudops/internal/retry"
	"golang.org/x/sync/singleflight"
)

// indexTTL bounds how long the event-to-case index lives in the cache.
const indexTTL = 24 * time.Hour

// Manager owns case creation and mutation.
type Manager struct {
	repo     domain.Repository
	recorder *audit.Recorder
	cache    domain.Cache
	cfg      domain.CasesConfig
	retry    domain.RetryConfig
	logger   *slog.Logger

	create singleflight.Group
	locks  *keyedMutex
	now    func() time.Time
}

// NewManager creates a case manager. cache may be nil.
func NewManager(repo domain.Repository, recorder *audit.Recorder, cache domain.Cache, cfg domain.CasesConfig, rc domain.RetryConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:     repo,
		recorder: recorder,
		cache:    cache,
		cfg:      cfg,
		retry:    rc,
		logger:   logger,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// PriorityFor maps a calibrated risk to a case priority.
func (m *Manager) PriorityFor(risk float64) domain.Priority {
	switch {
	case risk >= m.cfg.CriticalThreshold:
		return domain.PriorityCritical
	case risk >= m.cfg.HighThreshold:
		return domain.PriorityHigh
	case risk >= m.cfg.MediumThreshold:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

// SLAFor returns the resolution window for a priority.
func (m *Manager) SLAFor(p domain.Priority) time.Duration {
	if d, ok := m.cfg.SLA[p]; ok && d > 0 {
		return d
	}
	return 72 * time.Hour
}

// CreateCase opens the case for a decision. Calling it again for the same
// event returns the existing case. Concurrent calls in this process are
// coalesced; across processes the unique event_id column decides the winner.
func (m *Manager) CreateCase(ctx context.Context, d *domain.Decision) (*domain.Case, error) {
	if err := checkOpen(d); err != nil {
		return nil, err
	}

	v, err, _ := m.create.Do(d.EventID, func() (any, error) {
		var c *domain.Case
		err := retry.Do(ctx, m.retry, func(ctx context.Context) error {
			var err error
			c, err = m.createOnce(ctx, d)
			return err
		})
		return c, err
	})
	if err != nil {
		return nil, err
	}
	c := *v.(*domain.Case)
	return &c, nil
}

func checkOpen(d *domain.Decision) error {
	if d == nil || d.EventID == "" {
		return fmt.Errorf("%w: decision with event_id is required", domain.ErrInvalidInput)
	}
	if !d.Action.RequiresCase() {
		return fmt.Errorf("%w: action %s does not open a case", domain.ErrInvalidInput, d.Action)
	}
	if len(d.Reasons) == 0 {
		return fmt.Errorf("%w: a case needs at least one reason", domain.ErrInvalidInput)
	}
	return nil
}

func (m *Manager) createOnce(ctx context.Context, d *domain.Decision) (*domain.Case, error) {
	c, seal, err := m.Draft(ctx, d)
	if err != nil || seal == nil {
		return c, err
	}

	err = m.recorder.Commit(func() error {
		return m.repo.InsertCase(ctx, c, seal)
	})
	if errors.Is(err, domain.ErrDuplicateCase) {
		// another replica won the race
		return m.repo.GetCaseByEvent(ctx, d.EventID)
	}
	if err != nil {
		return nil, err
	}

	m.Opened(ctx, c)
	return c, nil
}

// Draft returns the case for a decision without storing it. When the event
// already has a case that case is returned with a nil sealer. Otherwise the
// new case comes with the sealer of its creation record, and the caller must
// store both in one transaction, then call Opened.
func (m *Manager) Draft(ctx context.Context, d *domain.Decision) (*domain.Case, domain.Sealer, error) {
	if err := checkOpen(d); err != nil {
		return nil, nil, err
	}
	if existing, err := m.existing(ctx, d.EventID); err != nil || existing != nil {
		return existing, nil, err
	}

	now := m.now().UTC()
	priority := m.PriorityFor(d.Risk)
	c := &domain.Case{
		ID:          uuid.New().String(),
		EventID:     d.EventID,
		EntityID:    d.EntityID,
		Status:      domain.CaseOpen,
		Priority:    priority,
		Risk:        d.Risk,
		Action:      d.Action,
		Reasons:     append([]string(nil), d.Reasons...),
		Policy:      d.PolicyVersion,
		SLADeadline: now.Add(m.SLAFor(priority)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	seal, err := m.recorder.Prepare(ctx, audit.Entry{
		SubjectType: domain.SubjectCase,
		SubjectKey:  c.ID,
		Action:      domain.AuditCaseCreated,
		Actor:       "system",
		After:       string(domain.CaseOpen),
		Payload:     c,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, seal, nil
}

// Opened indexes a newly stored case by its event.
func (m *Manager) Opened(ctx context.Context, c *domain.Case) {
	m.index(ctx, c)
	m.logger.Info("case opened",
		"case_id", c.ID,
		"event_id", c.EventID,
		"priority", c.Priority,
		"action", c.Action,
	)
}

// existing returns the case already opened for eventID, or nil.
func (m *Manager) existing(ctx context.Context, eventID string) (*domain.Case, error) {
	if m.cache != nil {
		id, err := m.cache.Get(ctx, indexKey(eventID))
		if err != nil {
			m.logger.Warn("case index lookup failed", "event_id", eventID, "error", err)
		} else if id != nil {
			c, err := m.repo.GetCase(ctx, string(id))
			if err == nil {
				return c, nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, err
			}
		}
	}

	c, err := m.repo.GetCaseByEvent(ctx, eventID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func (m *Manager) index(ctx context.Context, c *domain.Case) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Set(ctx, indexKey(c.EventID), []byte(c.ID), indexTTL); err != nil {
		m.logger.Warn("case index write failed", "event_id", c.EventID, "error", err)
	}
}

func indexKey(eventID string) string {
	return "case_by_event:" + eventID
}

// Assign hands an open or assigned case to user.
func (m *Manager) Assign(ctx context.Context, caseID, user, actor string) (*domain.Case, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, fmt.Errorf("%w: assignee is required", domain.ErrInvalidInput)
	}
	if actor == "" {
		actor = user
	}

	return m.mutate(ctx, caseID, func(c *domain.Case, now time.Time) (*domain.CaseAction, audit.Entry, error) {
		if c.Status != domain.CaseOpen && c.Status != domain.CaseAssigned {
			return nil, audit.Entry{}, fmt.Errorf("%w: cannot assign a %s case", domain.ErrInvalidTransition, c.Status)
		}
		before := c.Status
		previous := ""
		if c.Assignee != nil {
			previous = *c.Assignee
		}
		c.Status = domain.CaseAssigned
		c.Assignee = &user

		step := &domain.CaseAction{
			ID:          uuid.New().String(),
			CaseID:      c.ID,
			Type:        domain.CaseActionAssign,
			Description: fmt.Sprintf("assigned to %s", user),
			PerformedBy: actor,
			CreatedAt:   now,
		}
		return step, audit.Entry{
			Action:  domain.AuditCaseAssigned,
			Actor:   actor,
			Before:  string(before),
			After:   string(c.Status),
			Payload: map[string]string{"case_id": c.ID, "assignee": user, "previous_assignee": previous},
		}, nil
	})
}

// ChangeStatus moves a case one step forward along the lifecycle.
func (m *Manager) ChangeStatus(ctx context.Context, caseID string, target domain.CaseStatus, actor string) (*domain.Case, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, target)
	}
	if actor == "" {
		actor = "system"
	}

	return m.mutate(ctx, caseID, func(c *domain.Case, now time.Time) (*domain.CaseAction, audit.Entry, error) {
		next, ok := c.Status.Next()
		if !ok || next != target {
			return nil, audit.Entry{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.Status, target)
		}
		if target == domain.CaseAssigned && c.Assignee == nil {
			return nil, audit.Entry{}, fmt.Errorf("%w: case has no assignee, assign it instead", domain.ErrInvalidTransition)
		}
		before := c.Status
		c.Status = target

		step := &domain.CaseAction{
			ID:          uuid.New().String(),
			CaseID:      c.ID,
			Type:        domain.CaseActionStatusChange,
			Description: fmt.Sprintf("%s -> %s", before, target),
			PerformedBy: actor,
			CreatedAt:   now,
		}
		return step, audit.Entry{
			Action:  domain.AuditCaseStatus,
			Actor:   actor,
			Before:  string(before),
			After:   string(target),
			Payload: map[string]string{"case_id": c.ID, "from": string(before), "to": string(target)},
		}, nil
	})
}

// mutation applies a change to c and describes its log entry and audit record.
type mutation func(c *domain.Case, now time.Time) (*domain.CaseAction, audit.Entry, error)

// mutate runs fn under the case lock and persists the result atomically
// with its audit record.
func (m *Manager) mutate(ctx context.Context, caseID string, fn mutation) (*domain.Case, error) {
	unlock := m.locks.Lock(caseID)
	defer unlock()

	var result *domain.Case
	err := retry.Do(ctx, m.retry, func(ctx context.Context) error {
		c, err := m.repo.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		step, entry, err := fn(c, now)
		if err != nil {
			return err
		}
		c.UpdatedAt = now
		if step != nil {
			c.Actions = append(c.Actions, *step)
		}

		entry.SubjectType = domain.SubjectCase
		entry.SubjectKey = c.ID
		seal, err := m.recorder.Prepare(ctx, entry)
		if err != nil {
			return err
		}
		if err := m.recorder.Commit(func() error {
			return m.repo.UpdateCase(ctx, c, step, seal)
		}); err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("case updated", "case_id", result.ID, "status", result.Status)
	return result, nil
}

// NoteInput is a note to append.
type NoteInput struct {
	Author     string `json:"author"`
	Content    string `json:"content"`
	IsInternal bool   `json:"is_internal"`
}

// AddNote appends a note to a case that is not closed.
func (m *Manager) AddNote(ctx context.Context, caseID string, in NoteInput) (*domain.Note, error) {
	if strings.TrimSpace(in.Author) == "" || strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: note author and content are required", domain.ErrInvalidInput)
	}

	unlock := m.locks.Lock(caseID)
	defer unlock()

	var note *domain.Note
	err := retry.Do(ctx, m.retry, func(ctx context.Context) error {
		c, err := m.openCase(ctx, caseID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		n := &domain.Note{
			ID:         uuid.New().String(),
			CaseID:     c.ID,
			Author:     in.Author,
			Content:    in.Content,
			IsInternal: in.IsInternal,
			CreatedAt:  now,
		}
		seal, err := m.recorder.Prepare(ctx, audit.Entry{
			SubjectType: domain.SubjectCase,
			SubjectKey:  c.ID,
			Action:      domain.AuditCaseNote,
			Actor:       in.Author,
			Before:      string(c.Status),
			After:       string(c.Status),
			Payload:     n,
		})
		if err != nil {
			return err
		}
		if err := m.recorder.Commit(func() error {
			return m.repo.AppendNote(ctx, n, now, seal)
		}); err != nil {
			return err
		}
		note = n
		return nil
	})
	return note, err
}

// ActionInput is an investigation step to append.
type ActionInput struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	PerformedBy string `json:"performed_by"`
	Outcome     string `json:"outcome,omitempty"`
}

// AddAction appends an investigation action to a case that is not closed.
func (m *Manager) AddAction(ctx context.Context, caseID string, in ActionInput) (*domain.CaseAction, error) {
	if strings.TrimSpace(in.Type) == "" || strings.TrimSpace(in.PerformedBy) == "" {
		return nil, fmt.Errorf("%w: action type and performed_by are required", domain.ErrInvalidInput)
	}

	unlock := m.locks.Lock(caseID)
	defer unlock()

	var action *domain.CaseAction
	err := retry.Do(ctx, m.retry, func(ctx context.Context) error {
		c, err := m.openCase(ctx, caseID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		a := &domain.CaseAction{
			ID:          uuid.New().String(),
			CaseID:      c.ID,
			Type:        in.Type,
			Description: in.Description,
			PerformedBy: in.PerformedBy,
			Outcome:     in.Outcome,
			CreatedAt:   now,
		}
		seal, err := m.recorder.Prepare(ctx, audit.Entry{
			SubjectType: domain.SubjectCase,
			SubjectKey:  c.ID,
			Action:      domain.AuditCaseAction,
			Actor:       in.PerformedBy,
			Before:      string(c.Status),
			After:       string(c.Status),
			Payload:     a,
		})
		if err != nil {
			return err
		}
		if err := m.recorder.Commit(func() error {
			return m.repo.AppendCaseAction(ctx, a, now, seal)
		}); err != nil {
			return err
		}
		action = a
		return nil
	})
	return action, err
}

func (m *Manager) openCase(ctx context.Context, caseID string) (*domain.Case, error) {
	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status == domain.CaseClosed {
		return nil, fmt.Errorf("%w: case %s is closed", domain.ErrInvalidTransition, caseID)
	}
	return c, nil
}

// GetCase returns a case with its notes and actions.
func (m *Manager) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	return m.repo.GetCase(ctx, caseID)
}

// ListCases returns one page of cases and the total match count.
func (m *Manager) ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, filter.Status)
	}
	return m.repo.ListCases(ctx, filter)
}

// SLA returns the current SLA view of a case.
func (m *Manager) SLA(ctx context.Context, caseID string) (*domain.SLAStatus, error) {
	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	s := GetSLAState(c, m.now(), m.cfg.WarningWindow)
	return &s, nil
}

// GetSLAState derives the SLA state of c at now. Resolved and closed cases
// are no longer tracked and always report ok.
func GetSLAState(c *domain.Case, now time.Time, warning time.Duration) domain.SLAStatus {
	remaining := c.SLADeadline.Sub(now)
	s := domain.SLAStatus{
		CaseID:           c.ID,
		Priority:         c.Priority,
		Deadline:         c.SLADeadline,
		RemainingSeconds: int64(remaining / time.Second),
	}
	switch {
	case c.Status.Terminal():
		s.State = domain.SLAOk
	case remaining <= 0:
		s.State = domain.SLABreached
	case remaining < warning:
		s.State = domain.SLAWarning
	default:
		s.State = domain.SLAOk
	}
	return s
}
