// Package alarm owns the alarm set: the state machine, SLA timers,
// append-only history and the query/export surface. Every mutation flows
// through the Manager so the state machine and history invariants hold.
package alarm

import (
	"errors"
	"time"
)

// State is one node of the alarm lifecycle machine.
type State string

const (
	StateNew        State = "NEW"
	StateTriage     State = "TRIAGE"
	StateSnoozed    State = "SNOOZED"
	StateActive     State = "ACTIVE"
	StateContained  State = "CONTAINED"
	StateResolved   State = "RESOLVED"
	StateClosed     State = "CLOSED"
	StateSuppressed State = "SUPPRESSED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool { return s == StateClosed || s == StateSuppressed }

// transitions is the full lifecycle table. Absence means InvalidTransition.
var transitions = map[State][]State{
	StateNew:        {StateTriage, StateSuppressed},
	StateTriage:     {StateActive, StateSnoozed, StateSuppressed, StateResolved},
	StateSnoozed:    {StateTriage, StateSuppressed},
	StateActive:     {StateContained, StateResolved, StateSuppressed},
	StateContained:  {StateResolved, StateActive, StateSuppressed},
	StateResolved:   {StateClosed, StateActive, StateSuppressed},
	StateClosed:     {},
	StateSuppressed: {},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Severity orders alarms by urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityMinor:    1,
	SeverityMajor:    2,
	SeverityCritical: 3,
}

// Less reports whether s ranks below other.
func (s Severity) Less(other Severity) bool { return severityRank[s] < severityRank[other] }

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { _, ok := severityRank[s]; return ok }

// HistoryEntry is one append-only audit record on an alarm.
type HistoryEntry struct {
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	Timestamp time.Time              `json:"timestamp"`
	Note      string                 `json:"note,omitempty"`
	FromState State                  `json:"from_state,omitempty"`
	ToState   State                  `json:"to_state,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Note is an operator comment attached to an alarm.
type Note struct {
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// Alarm is a lifecycle-tracked incident aggregating correlated events under
// one group key. Instances handed out by the Manager are copies; mutate only
// through Manager methods.
type Alarm struct {
	ID                 string         `json:"id"`
	GroupKey           string         `json:"group_key"`
	Severity           Severity       `json:"severity"`
	State              State          `json:"state"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	SLADeadline        *time.Time     `json:"sla_deadline,omitempty"`
	Confidence         float64        `json:"confidence"`
	CorrelatedEventIDs []string       `json:"correlated_event_ids"`
	Assignee           string         `json:"assignee,omitempty"`
	RunbookID          string         `json:"runbook_id,omitempty"`
	EscalationPolicy   string         `json:"escalation_policy,omitempty"`
	Watchers           []string       `json:"watchers,omitempty"`
	Notes              []Note         `json:"notes,omitempty"`
	History            []HistoryEntry `json:"history,omitempty"`
	Tenant             string         `json:"tenant"`
	Site               string         `json:"site"`
}

// SLATargets are the per-state time budgets for one severity.
type SLATargets struct {
	Triage    time.Duration
	Active    time.Duration
	Contained time.Duration
}

// SLAConfig maps each severity to its targets.
type SLAConfig map[Severity]SLATargets

// DefaultSLA tightens budgets as severity rises.
var DefaultSLA = SLAConfig{
	SeverityInfo:     {Triage: 4 * time.Hour, Active: 24 * time.Hour, Contained: 48 * time.Hour},
	SeverityMinor:    {Triage: time.Hour, Active: 8 * time.Hour, Contained: 24 * time.Hour},
	SeverityMajor:    {Triage: 15 * time.Minute, Active: 2 * time.Hour, Contained: 8 * time.Hour},
	SeverityCritical: {Triage: 5 * time.Minute, Active: 30 * time.Minute, Contained: 2 * time.Hour},
}

// Typed errors at the alarm API boundary.
var (
	ErrNotFound          = errors.New("alarm not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
)
