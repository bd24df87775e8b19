package alarm

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"overwatch/internal/correlator"
	"overwatch/internal/events"
	"overwatch/internal/logging"
	"overwatch/internal/metrics"
)

const shardCount = 64

// EscalationThreshold is the correlator score at which a non-critical alarm
// is escalated to critical.
const EscalationThreshold = 0.85

// Store persists alarm mutations. Writes are synchronous so history ordering
// on disk matches in-memory ordering.
type Store interface {
	SaveAlarm(ctx context.Context, a *Alarm, newEntries []HistoryEntry) error
}

// Options tune the Manager.
type Options struct {
	SLA       SLAConfig
	Store     Store       // nil disables persistence
	Bus       *events.Bus // nil disables observability events
	SLAPeriod time.Duration
}

// Manager exclusively owns the alarm set. Mutations are serialised per alarm
// ID by a sharded lock; the group-key index is guarded separately so the
// one-open-alarm-per-group invariant holds under concurrent arrivals.
type Manager struct {
	log    *logrus.Entry
	mc     *metrics.Collector
	opts   Options
	shards [shardCount]sync.Mutex

	mu          sync.RWMutex
	alarms      map[string]*Alarm
	openByGroup map[string]string
	snoozes     map[string]*time.Timer
	breached    map[string]bool

	stop chan struct{}
	done chan struct{}
}

func NewManager(logger logging.Logger, mc *metrics.Collector, opts Options) *Manager {
	if opts.SLA == nil {
		opts.SLA = DefaultSLA
	}
	if opts.SLAPeriod <= 0 {
		opts.SLAPeriod = time.Second
	}
	m := &Manager{
		log:         logging.Component(logger, "alarm"),
		mc:          mc,
		opts:        opts,
		alarms:      make(map[string]*Alarm),
		openByGroup: make(map[string]string),
		snoozes:     make(map[string]*time.Timer),
		breached:    make(map[string]bool),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go m.slaLoop()
	return m
}

// Close stops the SLA monitor and cancels pending snooze timers.
func (m *Manager) Close() {
	close(m.stop)
	<-m.done
	m.mu.Lock()
	for id, t := range m.snoozes {
		t.Stop()
		delete(m.snoozes, id)
	}
	m.mu.Unlock()
}

func (m *Manager) shard(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.shards[h.Sum32()%shardCount]
}

var _ correlator.AlarmSink = (*Manager)(nil)

// Apply folds one correlated event into the alarm set: the first arrival for
// an open group key creates an alarm, later ones append to it.
func (m *Manager) Apply(ctx context.Context, c correlator.Correlated) error {
	for {
		m.mu.RLock()
		id, open := m.openByGroup[c.GroupKey]
		m.mu.RUnlock()

		if !open {
			created, raced := m.createAlarm(ctx, c)
			if !raced {
				m.publishLifecycle(created, "alarm_created")
				return nil
			}
			continue // another arrival won the race; fold into its alarm
		}

		sh := m.shard(id)
		sh.Lock()
		m.mu.RLock()
		a, exists := m.alarms[id]
		still := exists && m.openByGroup[c.GroupKey] == id
		m.mu.RUnlock()
		if !still || a.State.Terminal() {
			sh.Unlock()
			continue
		}

		prev := len(a.History)
		a.CorrelatedEventIDs = append(a.CorrelatedEventIDs, c.Event.ID)
		a.UpdatedAt = c.Event.IngestedAt
		if c.Score > a.Confidence {
			a.Confidence = c.Score
		}
		a.History = append(a.History, HistoryEntry{
			Action:    "event_correlated",
			Actor:     "system",
			Timestamp: c.Event.IngestedAt,
			Details:   map[string]interface{}{"event_id": c.Event.ID},
		})
		m.maybeEscalate(a, c.Score)

		err := m.persist(ctx, a, prev)
		out := a.clone()
		sh.Unlock()
		if err != nil {
			return err
		}
		m.publishLifecycle(out, "alarm_updated")
		return nil
	}
}

// createAlarm inserts a new alarm for the group key. The second return is
// true when another goroutine created one first.
func (m *Manager) createAlarm(ctx context.Context, c correlator.Correlated) (*Alarm, bool) {
	now := c.Event.IngestedAt
	a := &Alarm{
		ID:                 uuid.NewString(),
		GroupKey:           c.GroupKey,
		Severity:           severityForScore(c.Score),
		State:              StateNew,
		CreatedAt:          now,
		UpdatedAt:          now,
		Confidence:         c.Score,
		CorrelatedEventIDs: []string{c.Event.ID},
		Tenant:             c.Event.Tenant,
		Site:               c.Event.Site,
		History: []HistoryEntry{{
			Action:    "created",
			Actor:     "system",
			Timestamp: now,
			Details:   map[string]interface{}{"event_id": c.Event.ID, "group_key": c.GroupKey},
		}},
	}
	m.setDeadline(a)
	m.maybeEscalate(a, c.Score)

	m.mu.Lock()
	if _, exists := m.openByGroup[c.GroupKey]; exists {
		m.mu.Unlock()
		return nil, true
	}
	m.alarms[a.ID] = a
	m.openByGroup[c.GroupKey] = a.ID
	m.mu.Unlock()

	m.mc.AlarmsOpen.WithLabelValues(a.Tenant, string(a.Severity)).Inc()
	if err := m.persist(ctx, a, 0); err != nil {
		m.log.WithError(err).WithField("alarm_id", a.ID).Error("persist failed for new alarm")
	}
	m.log.WithFields(logrus.Fields{
		"alarm_id": a.ID, "group_key": a.GroupKey, "severity": a.Severity,
	}).Info("alarm created")
	return a.clone(), false
}

// maybeEscalate bumps severity to critical on high-confidence correlation.
// Caller must hold the alarm's shard lock (or own the alarm exclusively).
func (m *Manager) maybeEscalate(a *Alarm, score float64) {
	if score < EscalationThreshold || a.Severity == SeverityCritical {
		return
	}
	from := a.Severity
	a.Severity = SeverityCritical
	m.setDeadline(a)
	a.History = append(a.History, HistoryEntry{
		Action:    "escalated",
		Actor:     "system",
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"from": string(from), "score": score},
	})
	if !a.State.Terminal() {
		m.mc.AlarmsOpen.WithLabelValues(a.Tenant, string(from)).Dec()
		m.mc.AlarmsOpen.WithLabelValues(a.Tenant, string(SeverityCritical)).Inc()
	}
}

func severityForScore(score float64) Severity {
	switch {
	case score >= 0.85:
		return SeverityCritical
	case score >= 0.65:
		return SeverityMajor
	case score >= 0.4:
		return SeverityMinor
	default:
		return SeverityInfo
	}
}

// setDeadline recomputes the SLA deadline for the alarm's current state.
func (m *Manager) setDeadline(a *Alarm) {
	targets := m.opts.SLA[a.Severity]
	var budget time.Duration
	switch a.State {
	case StateNew, StateTriage:
		budget = targets.Triage
	case StateActive:
		budget = targets.Active
	case StateContained:
		budget = targets.Contained
	default:
		a.SLADeadline = nil
		return
	}
	if budget <= 0 {
		a.SLADeadline = nil
		return
	}
	d := time.Now().Add(budget)
	a.SLADeadline = &d
}

// mutate runs fn on the alarm under its shard lock, persists the appended
// history, and returns a copy. fn must append at least one history entry for
// any observable change.
func (m *Manager) mutate(ctx context.Context, id string, fn func(a *Alarm) error) (*Alarm, error) {
	sh := m.shard(id)
	sh.Lock()
	defer sh.Unlock()

	m.mu.RLock()
	a, ok := m.alarms[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("alarm %s: %w", id, ErrNotFound)
	}

	prevLen := len(a.History)
	prevState := a.State
	prevSeverity := a.Severity
	if err := fn(a); err != nil {
		return nil, err
	}

	if a.State != prevState {
		m.onStateChange(a, prevState, prevSeverity)
	} else if a.Severity != prevSeverity && !a.State.Terminal() {
		m.mc.AlarmsOpen.WithLabelValues(a.Tenant, string(prevSeverity)).Dec()
		m.mc.AlarmsOpen.WithLabelValues(a.Tenant, string(a.Severity)).Inc()
	}

	if err := m.persist(ctx, a, prevLen); err != nil {
		return nil, err
	}
	return a.clone(), nil
}

// onStateChange maintains the group index, SLA deadline, breach flag, snooze
// timer and gauges after a state transition.
func (m *Manager) onStateChange(a *Alarm, prevState State, prevSeverity Severity) {
	m.setDeadline(a)
	a.UpdatedAt = time.Now()

	m.mu.Lock()
	delete(m.breached, a.ID)
	if prevState == StateSnoozed {
		if t, ok := m.snoozes[a.ID]; ok {
			t.Stop()
			delete(m.snoozes, a.ID)
		}
	}
	if a.State.Terminal() {
		if m.openByGroup[a.GroupKey] == a.ID {
			delete(m.openByGroup, a.GroupKey)
		}
	}
	m.mu.Unlock()

	if a.State.Terminal() {
		m.mc.AlarmsOpen.WithLabelValues(a.Tenant, string(prevSeverity)).Dec()
	} else if a.Severity != prevSeverity {
		m.mc.AlarmsOpen.WithLabelValues(a.Tenant, string(prevSeverity)).Dec()
		m.mc.AlarmsOpen.WithLabelValues(a.Tenant, string(a.Severity)).Inc()
	}
}

func (m *Manager) persist(ctx context.Context, a *Alarm, prevHistoryLen int) error {
	if m.opts.Store == nil {
		return nil
	}
	entries := a.History[prevHistoryLen:]
	if err := m.opts.Store.SaveAlarm(ctx, a, entries); err != nil {
		return fmt.Errorf("persist alarm %s: %w", a.ID, err)
	}
	return nil
}

func (m *Manager) publishLifecycle(a *Alarm, action string) {
	if m.opts.Bus == nil {
		return
	}
	m.opts.Bus.Publish(events.Event{
		Kind:      events.StatusUpdate,
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"action":    action,
			"alarm_id":  a.ID,
			"group_key": a.GroupKey,
			"state":     string(a.State),
			"severity":  string(a.Severity),
		},
	})
}

// clone deep-copies the alarm so callers never see later mutations.
func (a *Alarm) clone() *Alarm {
	out := *a
	if a.SLADeadline != nil {
		d := *a.SLADeadline
		out.SLADeadline = &d
	}
	out.CorrelatedEventIDs = append([]string(nil), a.CorrelatedEventIDs...)
	out.Watchers = append([]string(nil), a.Watchers...)
	out.Notes = append([]Note(nil), a.Notes...)
	out.History = append([]HistoryEntry(nil), a.History...)
	return &out
}

// --- mutators ---

// Transition moves the alarm along the lifecycle table.
func (m *Manager) Transition(ctx context.Context, id string, to State, actor, note string) (*Alarm, error) {
	return m.mutate(ctx, id, func(a *Alarm) error {
		if !CanTransition(a.State, to) {
			return fmt.Errorf("alarm %s: %s -> %s: %w", id, a.State, to, ErrInvalidTransition)
		}
		from := a.State
		a.State = to
		a.History = append(a.History, HistoryEntry{
			Action: "transition", Actor: actor, Timestamp: time.Now(),
			Note: note, FromState: from, ToState: to,
		})
		return nil
	})
}

// Acknowledge moves NEW to TRIAGE. Acknowledging an alarm already in TRIAGE
// is idempotent apart from the history entry.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (*Alarm, error) {
	return m.mutate(ctx, id, func(a *Alarm) error {
		switch a.State {
		case StateNew:
			a.State = StateTriage
			a.History = append(a.History, HistoryEntry{
				Action: "acknowledged", Actor: actor, Timestamp: time.Now(),
				FromState: StateNew, ToState: StateTriage,
			})
		case StateTriage:
			a.History = append(a.History, HistoryEntry{
				Action: "acknowledged", Actor: actor, Timestamp: time.Now(),
			})
		default:
			return fmt.Errorf("alarm %s: acknowledge in %s: %w", id, a.State, ErrInvalidTransition)
		}
		return nil
	})
}

// Assign sets the assignee on a non-terminal alarm.
func (m *Manager) Assign(ctx context.Context, id, assignee, actor string) (*Alarm, error) {
	return m.mutate(ctx, id, func(a *Alarm) error {
		if a.State.Terminal() {
			return fmt.Errorf("alarm %s: assign in %s: %w", id, a.State, ErrInvalidTransition)
		}
		a.Assignee = assignee
		a.UpdatedAt = time.Now()
		a.History = append(a.History, HistoryEntry{
			Action: "assigned", Actor: actor, Timestamp: time.Now(),
			Details: map[string]interface{}{"assignee": assignee},
		})
		return nil
	})
}

// AddNote appends an operator note.
func (m *Manager) AddNote(ctx context.Context, id, text, actor string) (*Alarm, error) {
	return m.mutate(ctx, id, func(a *Alarm) error {
		now := time.Now()
		a.Notes = append(a.Notes, Note{Text: text, Author: actor, Timestamp: now})
		a.UpdatedAt = now
		a.History = append(a.History, HistoryEntry{
			Action: "note", Actor: actor, Timestamp: now, Note: text,
		})
		return nil
	})
}

// UpdateSeverity changes severity and recomputes the SLA deadline.
func (m *Manager) UpdateSeverity(ctx context.Context, id string, sev Severity, actor string) (*Alarm, error) {
	return m.mutate(ctx, id, func(a *Alarm) error {
		if !sev.Valid() {
			return fmt.Errorf("alarm %s: unknown severity %q", id, sev)
		}
		from := a.Severity
		a.Severity = sev
		m.setDeadline(a)
		a.UpdatedAt = time.Now()
		a.History = append(a.History, HistoryEntry{
			Action: "severity_changed", Actor: actor, Timestamp: time.Now(),
			Details: map[string]interface{}{"from": string(from), "to": string(sev)},
		})
		return nil
	})
}

// SetRunbook attaches or clears the runbook reference.
func (m *Manager) SetRunbook(ctx context.Context, id, runbookID, actor string) (*Alarm, error) {
	return m.mutate(ctx, id, func(a *Alarm) error {
		a.RunbookID = runbookID
		a.UpdatedAt = time.Now()
		a.History = append(a.History, HistoryEntry{
			Action: "runbook_set", Actor: actor, Timestamp: time.Now(),
			Details: map[string]interface{}{"runbook_id": runbookID},
		})
		return nil
	})
}

// SetEscalationPolicy attaches or clears the escalation policy.
func (m *Manager) SetEscalationPolicy(ctx context.Context, id, policy, actor string) (*Alarm, error) {
	return m.mutate(ctx, id, func(a *Alarm) error {
		a.EscalationPolicy = policy
		a.UpdatedAt = time.Now()
		a.History = append(a.History, HistoryEntry{
			Action: "escalation_policy_set", Actor: actor, Timestamp: time.Now(),
			Details: map[string]interface{}{"policy": policy},
		})
		return nil
	})
}

// AddWatcher subscribes a watcher; duplicates conflict.
func (m *Manager) AddWatcher(ctx context.Context, id, watcher, actor string) (*Alarm, error) {
	return m.mutate(ctx, id, func(a *Alarm) error {
		for _, w := range a.Watchers {
			if w == watcher {
				return fmt.Errorf("alarm %s: watcher %q: %w", id, watcher, ErrConflict)
			}
		}
		a.Watchers = append(a.Watchers, watcher)
		a.History = append(a.History, HistoryEntry{
			Action: "watcher_added", Actor: actor, Timestamp: time.Now(),
			Details: map[string]interface{}{"watcher": watcher},
		})
		return nil
	})
}

// RemoveWatcher unsubscribes a watcher; absence is NotFound.
func (m *Manager) RemoveWatcher(ctx context.Context, id, watcher, actor string) (*Alarm, error) {
	return m.mutate(ctx, id, func(a *Alarm) error {
		idx := -1
		for i, w := range a.Watchers {
			if w == watcher {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("alarm %s: watcher %q: %w", id, watcher, ErrNotFound)
		}
		a.Watchers = append(a.Watchers[:idx], a.Watchers[idx+1:]...)
		a.History = append(a.History, HistoryEntry{
			Action: "watcher_removed", Actor: actor, Timestamp: time.Now(),
			Details: map[string]interface{}{"watcher": watcher},
		})
		return nil
	})
}

// Snooze parks a TRIAGE alarm; the timer returns it to TRIAGE automatically.
func (m *Manager) Snooze(ctx context.Context, id string, d time.Duration, actor string) (*Alarm, error) {
	out, err := m.mutate(ctx, id, func(a *Alarm) error {
		if !CanTransition(a.State, StateSnoozed) {
			return fmt.Errorf("alarm %s: snooze in %s: %w", id, a.State, ErrInvalidTransition)
		}
		from := a.State
		a.State = StateSnoozed
		a.History = append(a.History, HistoryEntry{
			Action: "snoozed", Actor: actor, Timestamp: time.Now(),
			FromState: from, ToState: StateSnoozed,
			Details: map[string]interface{}{"duration_ms": d.Milliseconds()},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	timer := time.AfterFunc(d, func() { m.wakeSnoozed(id) })
	m.mu.Lock()
	if old, ok := m.snoozes[id]; ok {
		old.Stop()
	}
	m.snoozes[id] = timer
	m.mu.Unlock()
	return out, nil
}

// wakeSnoozed runs on snooze expiry and returns the alarm to TRIAGE.
func (m *Manager) wakeSnoozed(id string) {
	_, err := m.mutate(context.Background(), id, func(a *Alarm) error {
		if a.State != StateSnoozed {
			return fmt.Errorf("alarm %s: already woke from snooze: %w", id, ErrInvalidTransition)
		}
		a.State = StateTriage
		a.History = append(a.History, HistoryEntry{
			Action: "snooze_expired", Actor: "system", Timestamp: time.Now(),
			FromState: StateSnoozed, ToState: StateTriage,
		})
		return nil
	})
	if err != nil {
		m.log.WithField("alarm_id", id).WithError(err).Debug("snooze wake skipped")
	}
}

// Suppress terminates the alarm with a reason.
func (m *Manager) Suppress(ctx context.Context, id, reason, actor string) (*Alarm, error) {
	return m.mutate(ctx, id, func(a *Alarm) error {
		if !CanTransition(a.State, StateSuppressed) {
			return fmt.Errorf("alarm %s: suppress in %s: %w", id, a.State, ErrInvalidTransition)
		}
		from := a.State
		a.State = StateSuppressed
		a.History = append(a.History, HistoryEntry{
			Action: "suppressed", Actor: actor, Timestamp: time.Now(),
			Note: reason, FromState: from, ToState: StateSuppressed,
		})
		return nil
	})
}

// BulkResult is the per-ID outcome of a bulk operation.
type BulkResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BulkTransition applies the transition to each ID independently; one
// failure does not affect the others.
func (m *Manager) BulkTransition(ctx context.Context, ids []string, to State, actor, note string) []BulkResult {
	out := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		_, err := m.Transition(ctx, id, to, actor, note)
		r := BulkResult{ID: id, OK: err == nil}
		if err != nil {
			r.Error = err.Error()
		}
		out = append(out, r)
	}
	return out
}

// --- reads ---

// Include selects optional payloads on reads.
type Include struct {
	History bool
	Events  bool
}

// Get returns a copy of the alarm.
func (m *Manager) Get(id string, inc Include) (*Alarm, error) {
	sh := m.shard(id)
	sh.Lock()
	defer sh.Unlock()

	m.mu.RLock()
	a, ok := m.alarms[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("alarm %s: %w", id, ErrNotFound)
	}
	out := a.clone()
	if !inc.History {
		out.History = nil
	}
	if !inc.Events {
		out.CorrelatedEventIDs = nil
	}
	return out, nil
}

// Filter narrows List and Export results. Zero values match everything.
type Filter struct {
	States      []State
	Severities  []Severity
	Assignee    string
	Tenant      string
	Site        string
	CreatedFrom time.Time
	CreatedTo   time.Time
	Search      string
}

func (f Filter) matches(a *Alarm) bool {
	if len(f.States) > 0 && !containsState(f.States, a.State) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, a.Severity) {
		return false
	}
	if f.Assignee != "" && a.Assignee != f.Assignee {
		return false
	}
	if f.Tenant != "" && a.Tenant != f.Tenant {
		return false
	}
	if f.Site != "" && a.Site != f.Site {
		return false
	}
	if !f.CreatedFrom.IsZero() && a.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && a.CreatedAt.After(f.CreatedTo) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		hit := strings.Contains(strings.ToLower(a.ID), q) ||
			strings.Contains(strings.ToLower(a.GroupKey), q) ||
			strings.Contains(strings.ToLower(a.Assignee), q)
		for _, n := range a.Notes {
			if hit {
				break
			}
			hit = strings.Contains(strings.ToLower(n.Text), q)
		}
		if !hit {
			return false
		}
	}
	return true
}

func containsState(list []State, s State) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsSeverity(list []Severity, s Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Page bounds a List call.
type Page struct {
	Offset int
	Limit  int
}

// List returns matching alarms, newest first, plus the unpaginated total.
func (m *Manager) List(f Filter, p Page) ([]*Alarm, int) {
	matched := m.snapshot(f)
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if p.Offset >= total {
		return nil, total
	}
	end := total
	if p.Limit > 0 && p.Offset+p.Limit < end {
		end = p.Offset + p.Limit
	}
	return matched[p.Offset:end], total
}

// snapshot copies each matching alarm under its shard lock.
func (m *Manager) snapshot(f Filter) []*Alarm {
	m.mu.RLock()
	ids := make([]string, 0, len(m.alarms))
	for id := range m.alarms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var out []*Alarm
	for _, id := range ids {
		sh := m.shard(id)
		sh.Lock()
		m.mu.RLock()
		a, ok := m.alarms[id]
		m.mu.RUnlock()
		if ok && f.matches(a) {
			out = append(out, a.clone())
		}
		sh.Unlock()
	}
	return out
}

// Restore seeds the in-memory alarm set from persisted state at startup.
// Snoozed alarms return to TRIAGE immediately since their timers did not
// survive the restart.
func (m *Manager) Restore(alarms []*Alarm) {
	for _, in := range alarms {
		a := in.clone()
		if a.State == StateSnoozed {
			a.State = StateTriage
			a.History = append(a.History, HistoryEntry{
				Action: "snooze_expired", Actor: "system", Timestamp: time.Now(),
				FromState: StateSnoozed, ToState: StateTriage,
			})
		}
		m.mu.Lock()
		m.alarms[a.ID] = a
		if !a.State.Terminal() {
			m.openByGroup[a.GroupKey] = a.ID
		}
		m.mu.Unlock()
		if !a.State.Terminal() {
			m.mc.AlarmsOpen.WithLabelValues(a.Tenant, string(a.Severity)).Inc()
		}
	}
}

// OpenCount reports the number of non-terminal alarms.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.openByGroup)
}

// --- SLA monitor ---

func (m *Manager) slaLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.SLAPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.checkSLA(now)
		}
	}
}

// checkSLA emits one breach event per state entry whose deadline has passed.
func (m *Manager) checkSLA(now time.Time) {
	for _, a := range m.snapshot(Filter{}) {
		if a.SLADeadline == nil || a.SLADeadline.After(now) || a.State.Terminal() {
			continue
		}
		m.mu.Lock()
		if m.breached[a.ID] {
			m.mu.Unlock()
			continue
		}
		m.breached[a.ID] = true
		m.mu.Unlock()

		m.mc.SLABreaches.WithLabelValues(string(a.Severity), string(a.State)).Inc()
		m.log.WithFields(logrus.Fields{
			"alarm_id": a.ID, "state": a.State, "severity": a.Severity,
			"deadline": a.SLADeadline.Format(time.RFC3339),
		}).Warn("SLA deadline breached")
		if m.opts.Bus != nil {
			m.opts.Bus.Publish(events.Event{
				Kind:      events.SLABreach,
				Timestamp: now,
				Payload: map[string]interface{}{
					"alarm_id": a.ID,
					"state":    string(a.State),
					"severity": string(a.Severity),
					"deadline": a.SLADeadline,
				},
			})
		}
	}
}
