package domain

import "time"

// CaseStatus is a state of the investigation lifecycle.
type CaseStatus string

const (
	CaseOpen          CaseStatus = "open"
	CaseAssigned      CaseStatus = "assigned"
	CaseInvestigating CaseStatus = "investigating"
	CaseResolved      CaseStatus = "resolved"
	CaseClosed        CaseStatus = "closed"
)

// caseOrder is the forward-only lifecycle.
var caseOrder = []CaseStatus{CaseOpen, CaseAssigned, CaseInvestigating, CaseResolved, CaseClosed}

// Rank returns the position of s in the lifecycle, or -1 if unknown.
func (s CaseStatus) Rank() int {
	for i, st := range caseOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	return s.Rank() >= 0
}

// Next returns the single legal forward successor of s.
func (s CaseStatus) Next() (CaseStatus, bool) {
	r := s.Rank()
	if r < 0 || r == len(caseOrder)-1 {
		return "", false
	}
	return caseOrder[r+1], true
}

// Terminal reports whether SLA tracking has stopped for s.
func (s CaseStatus) Terminal() bool {
	return s == CaseResolved || s == CaseClosed
}

// Priority is the case urgency derived from risk.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Case is an investigation opened for one held, blocked or escalated event.
type Case struct {
	ID          string     `json:"case_id"`
	EventID     string     `json:"event_id"`
	EntityID    string     `json:"entity_id"`
	Status      CaseStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	Assignee    *string    `json:"assignee"`
	Risk        float64    `json:"risk"`
	Action      Action     `json:"action"`
	Reasons     []string   `json:"reasons"`
	Policy      string     `json:"policy_version"`
	SLADeadline time.Time  `json:"sla_deadline"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Notes   []Note       `json:"notes,omitempty"`
	Actions []CaseAction `json:"actions,omitempty"`
}

// Note is an append-only investigator note.
type Note struct {
	ID         string    `json:"note_id"`
	CaseID     string    `json:"case_id"`
	Author     string    `json:"author"`
	Content    string    `json:"content"`
	IsInternal bool      `json:"is_internal"`
	CreatedAt  time.Time `json:"created_at"`
}

// CaseAction is an append-only investigation step taken on a case.
type CaseAction struct {
	ID          string    `json:"action_id"`
	CaseID      string    `json:"case_id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	PerformedBy string    `json:"performed_by"`
	Outcome     string    `json:"outcome,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Action types recorded by the lifecycle manager itself.
const (
	CaseActionAssign       = "assign"
	CaseActionStatusChange = "status_change"
)

// SLAState is derived from the deadline at read time.
type SLAState string

const (
	SLAOk       SLAState = "ok"
	SLAWarning  SLAState = "warning"
	SLABreached SLAState = "breached"
)

// SLAStatus is the SLA view of a case at a point in time.
type SLAStatus struct {
	CaseID           string    `json:"case_id"`
	Priority         Priority  `json:"priority"`
	Deadline         time.Time `json:"sla_deadline"`
	State            SLAState  `json:"state"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

// CaseFilter narrows ListCases.
type CaseFilter struct {
	Status   CaseStatus
	Priority Priority
	Assignee string
	Limit    int
	Offset   int
}
