package alarm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"overwatch/internal/correlator"
	"overwatch/internal/events"
	"overwatch/internal/logging"
	"overwatch/internal/metrics"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(logging.NewNop(), metrics.NewCollector(), opts)
	t.Cleanup(m.Close)
	return m
}

func correlated(groupKey string, score float64) correlator.Correlated {
	now := time.Now()
	return correlator.Correlated{
		Event: correlator.RawEvent{
			ID:         "ev-" + now.Format("150405.000000000"),
			Tenant:     "acme",
			Site:       "hq",
			ObservedAt: now,
			IngestedAt: now,
		},
		GroupKey:   groupKey,
		Score:      score,
		NewArrival: true,
	}
}

func openAlarm(t *testing.T, m *Manager, groupKey string, score float64) *Alarm {
	t.Helper()
	if err := m.Apply(context.Background(), correlated(groupKey, score)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	list, _ := m.List(Filter{}, Page{})
	for _, a := range list {
		if a.GroupKey == groupKey && !a.State.Terminal() {
			return a
		}
	}
	t.Fatalf("no open alarm for %s", groupKey)
	return nil
}

func TestApplyCreatesAndFolds(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	first := correlated("acme:hq:lobby:intrusion", 0.7)
	if err := m.Apply(ctx, first); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Second event 5 seconds later folds into the same alarm.
	second := correlated("acme:hq:lobby:intrusion", 0.5)
	second.Event.IngestedAt = first.Event.IngestedAt.Add(5 * time.Second)
	second.NewArrival = false
	if err := m.Apply(ctx, second); err != nil {
		t.Fatalf("apply: %v", err)
	}

	list, total := m.List(Filter{}, Page{})
	if total != 1 || len(list) != 1 {
		t.Fatalf("alarms = %d, want 1", total)
	}
	a := list[0]
	if len(a.CorrelatedEventIDs) != 2 {
		t.Fatalf("correlated events = %d, want 2", len(a.CorrelatedEventIDs))
	}
	if !a.UpdatedAt.Equal(second.Event.IngestedAt) {
		t.Fatalf("updated_at = %v, want %v", a.UpdatedAt, second.Event.IngestedAt)
	}
	if a.Severity != SeverityMajor {
		t.Fatalf("severity = %s, want major", a.Severity)
	}
	if a.Confidence != 0.7 {
		t.Fatalf("confidence = %v, want max of scores 0.7", a.Confidence)
	}
	if a.History[0].Action != "created" || a.History[1].Action != "event_correlated" {
		t.Fatalf("history = %+v", a.History)
	}
}

func TestSeverityForScore(t *testing.T) {
	cases := []struct {
		score float64
		want  Severity
	}{
		{0.9, SeverityCritical},
		{0.85, SeverityCritical},
		{0.7, SeverityMajor},
		{0.5, SeverityMinor},
		{0.1, SeverityInfo},
	}
	for _, c := range cases {
		if got := severityForScore(c.score); got != c.want {
			t.Fatalf("severityForScore(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestHighScoreEscalates(t *testing.T) {
	m := newTestManager(t, Options{})
	a := openAlarm(t, m, "acme:hq:lobby:intrusion", 0.5)
	if a.Severity != SeverityMinor {
		t.Fatalf("severity = %s, want minor", a.Severity)
	}

	hot := correlated("acme:hq:lobby:intrusion", 0.9)
	if err := m.Apply(context.Background(), hot); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := m.Get(a.ID, Include{History: true})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Severity != SeverityCritical {
		t.Fatalf("severity = %s, want critical after escalation", got.Severity)
	}
	found := false
	for _, h := range got.History {
		if h.Action == "escalated" {
			found = true
		}
	}
	if !found {
		t.Fatal("escalation missing from history")
	}
}

func TestInvalidTransitionLeavesAlarmUntouched(t *testing.T) {
	m := newTestManager(t, Options{})
	a := openAlarm(t, m, "acme:hq:lobby:intrusion", 0.7)

	// NEW -> CONTAINED is not in the lifecycle table.
	if _, err := m.Transition(context.Background(), a.ID, StateContained, "op", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	got, err := m.Get(a.ID, Include{History: true})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateNew {
		t.Fatalf("state = %s, want NEW", got.State)
	}
	if len(got.History) != len(a.History) {
		t.Fatal("failed transition appended history")
	}
}

func TestLifecycleWalk(t *testing.T) {
	m := newTestManager(t, Options{})
	a := openAlarm(t, m, "acme:hq:lobby:intrusion", 0.7)
	ctx := context.Background()

	for _, to := range []State{StateTriage, StateActive, StateContained, StateResolved, StateClosed} {
		got, err := m.Transition(ctx, a.ID, to, "op", "")
		if err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
		if got.State != to {
			t.Fatalf("state = %s, want %s", got.State, to)
		}
	}

	// Terminal: no further moves, group key is free again.
	if _, err := m.Transition(ctx, a.ID, StateActive, "op", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if m.OpenCount() != 0 {
		t.Fatalf("open count = %d, want 0", m.OpenCount())
	}
}

func TestGroupKeyUniqueAmongOpenAlarms(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()
	key := "acme:hq:lobby:intrusion"

	a := openAlarm(t, m, key, 0.7)
	if err := m.Apply(ctx, correlated(key, 0.7)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, total := m.List(Filter{}, Page{}); total != 1 {
		t.Fatalf("open alarms = %d, want 1", total)
	}

	// Closing the alarm releases the key; the next event opens a fresh one.
	for _, to := range []State{StateTriage, StateResolved, StateClosed} {
		if _, err := m.Transition(ctx, a.ID, to, "op", ""); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if err := m.Apply(ctx, correlated(key, 0.7)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, total := m.List(Filter{}, Page{}); total != 2 {
		t.Fatalf("alarms = %d, want 2", total)
	}
}

func TestConcurrentApplySingleAlarm(t *testing.T) {
	m := newTestManager(t, Options{})
	key := "acme:hq:lobby:intrusion"

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Apply(context.Background(), correlated(key, 0.7)); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	list, total := m.List(Filter{}, Page{})
	if total != 1 {
		t.Fatalf("alarms = %d, want exactly 1 for one group key", total)
	}
	if len(list[0].CorrelatedEventIDs) != 16 {
		t.Fatalf("correlated events = %d, want 16", len(list[0].CorrelatedEventIDs))
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	m := newTestManager(t, Options{})
	a := openAlarm(t, m, "acme:hq:lobby:intrusion", 0.7)
	ctx := context.Background()

	got, err := m.Acknowledge(ctx, a.ID, "op")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if got.State != StateTriage {
		t.Fatalf("state = %s, want TRIAGE", got.State)
	}

	again, err := m.Acknowledge(ctx, a.ID, "op")
	if err != nil {
		t.Fatalf("second acknowledge: %v", err)
	}
	if again.State != StateTriage {
		t.Fatalf("state = %s, want TRIAGE", again.State)
	}
	if len(again.History) != len(got.History)+1 {
		t.Fatal("second acknowledge should only append history")
	}

	// Past TRIAGE it is an error.
	if _, err := m.Transition(ctx, a.ID, StateActive, "op", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := m.Acknowledge(ctx, a.ID, "op"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestSnoozeWakesToTriage(t *testing.T) {
	m := newTestManager(t, Options{})
	a := openAlarm(t, m, "acme:hq:lobby:intrusion", 0.7)
	ctx := context.Background()

	if _, err := m.Acknowledge(ctx, a.ID, "op"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	got, err := m.Snooze(ctx, a.ID, 20*time.Millisecond, "op")
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if got.State != StateSnoozed {
		t.Fatalf("state = %s, want SNOOZED", got.State)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err = m.Get(a.ID, Include{History: true})
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State == StateTriage {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("alarm did not wake, state = %s", got.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var actions []string
	for _, h := range got.History {
		actions = append(actions, h.Action)
	}
	joined := strings.Join(actions, ",")
	if !strings.Contains(joined, "snoozed") || !strings.Contains(joined, "snooze_expired") {
		t.Fatalf("history actions = %v", actions)
	}
}

func TestAssignNoteWatchers(t *testing.T) {
	m := newTestManager(t, Options{})
	a := openAlarm(t, m, "acme:hq:lobby:intrusion", 0.7)
	ctx := context.Background()

	got, err := m.Assign(ctx, a.ID, "alice", "op")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Assignee != "alice" {
		t.Fatalf("assignee = %q", got.Assignee)
	}

	if _, err := m.AddNote(ctx, a.ID, "checked the feed", "alice"); err != nil {
		t.Fatalf("note: %v", err)
	}

	if _, err := m.AddWatcher(ctx, a.ID, "bob", "op"); err != nil {
		t.Fatalf("add watcher: %v", err)
	}
	if _, err := m.AddWatcher(ctx, a.ID, "bob", "op"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate watcher err = %v, want ErrConflict", err)
	}
	if _, err := m.RemoveWatcher(ctx, a.ID, "carol", "op"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing watcher err = %v, want ErrNotFound", err)
	}
	if _, err := m.RemoveWatcher(ctx, a.ID, "bob", "op"); err != nil {
		t.Fatalf("remove watcher: %v", err)
	}

	got, err = m.Get(a.ID, Include{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Watchers) != 0 || len(got.Notes) != 1 {
		t.Fatalf("watchers = %v, notes = %d", got.Watchers, len(got.Notes))
	}
}

func TestBulkTransitionIndependence(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	a := openAlarm(t, m, "acme:hq:lobby:intrusion", 0.7)
	b := openAlarm(t, m, "acme:hq:garage:loitering", 0.7)
	if _, err := m.Transition(ctx, b.ID, StateTriage, "op", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	// TRIAGE -> ACTIVE works for b, fails for a (still NEW), and the unknown
	// ID fails without affecting either.
	results := m.BulkTransition(ctx, []string{a.ID, b.ID, "nope"}, StateActive, "op", "bulk")
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].OK || results[0].Error == "" {
		t.Fatalf("result[0] = %+v, want failure", results[0])
	}
	if !results[1].OK {
		t.Fatalf("result[1] = %+v, want success", results[1])
	}
	if results[2].OK {
		t.Fatalf("result[2] = %+v, want failure", results[2])
	}

	got, _ := m.Get(a.ID, Include{})
	if got.State != StateNew {
		t.Fatalf("alarm a state = %s, want NEW", got.State)
	}
}

func TestListFilterAndPagination(t *testing.T) {
	m := newTestManager(t, Options{})
	openAlarm(t, m, "acme:hq:lobby:intrusion", 0.9)
	openAlarm(t, m, "acme:hq:garage:loitering", 0.5)
	openAlarm(t, m, "beta:dc:hall:intrusion", 0.7)

	_, total := m.List(Filter{}, Page{})
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}

	list, total := m.List(Filter{Tenant: "acme"}, Page{})
	if total != 2 || len(list) != 2 {
		t.Fatalf("acme total = %d, want 2", total)
	}

	list, _ = m.List(Filter{Severities: []Severity{SeverityCritical}}, Page{})
	if len(list) != 1 || list[0].Severity != SeverityCritical {
		t.Fatalf("critical list = %+v", list)
	}

	list, total = m.List(Filter{}, Page{Offset: 1, Limit: 1})
	if total != 3 || len(list) != 1 {
		t.Fatalf("page = %d items of %d", len(list), total)
	}

	list, _ = m.List(Filter{Search: "garage"}, Page{})
	if len(list) != 1 {
		t.Fatalf("search hit %d, want 1", len(list))
	}
}

func TestSLABreachEmitsOncePerStateEntry(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	sub, cancel := bus.Subscribe("", "", 32)
	defer cancel()

	m := newTestManager(t, Options{
		Bus:       bus,
		SLAPeriod: 5 * time.Millisecond,
		SLA: SLAConfig{
			SeverityMajor: {Triage: 10 * time.Millisecond, Active: 10 * time.Millisecond},
		},
	})
	a := openAlarm(t, m, "acme:hq:lobby:intrusion", 0.7)

	waitBreach := func() {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev := <-sub.C():
				if ev.Kind == events.SLABreach {
					return
				}
			case <-deadline:
				t.Fatal("no SLA breach emitted")
			}
		}
	}
	waitBreach()

	// Still breached: no second event for the same state entry.
	select {
	case ev := <-sub.C():
		if ev.Kind == events.SLABreach {
			t.Fatal("duplicate SLA breach for one state entry")
		}
	case <-time.After(50 * time.Millisecond):
	}

	// Entering a new tracked state re-arms the breach.
	ctx := context.Background()
	if _, err := m.Transition(ctx, a.ID, StateTriage, "op", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := m.Transition(ctx, a.ID, StateActive, "op", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	waitBreach()
}

func TestRestoreRehydratesAndWakesSnoozed(t *testing.T) {
	m := newTestManager(t, Options{})
	now := time.Now()
	m.Restore([]*Alarm{
		{ID: "a1", GroupKey: "g1", State: StateSnoozed, Severity: SeverityMajor, Tenant: "acme", CreatedAt: now},
		{ID: "a2", GroupKey: "g2", State: StateActive, Severity: SeverityMinor, Tenant: "acme", CreatedAt: now},
		{ID: "a3", GroupKey: "g3", State: StateClosed, Severity: SeverityInfo, Tenant: "acme", CreatedAt: now},
	})

	if m.OpenCount() != 2 {
		t.Fatalf("open count = %d, want 2", m.OpenCount())
	}
	got, err := m.Get("a1", Include{History: true})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateTriage {
		t.Fatalf("restored snoozed alarm state = %s, want TRIAGE", got.State)
	}
}

type failingStore struct{ err error }

func (s *failingStore) SaveAlarm(context.Context, *Alarm, []HistoryEntry) error { return s.err }

func TestMutatePropagatesStoreError(t *testing.T) {
	st := &failingStore{}
	m := newTestManager(t, Options{Store: st})
	a := openAlarm(t, m, "acme:hq:lobby:intrusion", 0.7)

	st.err = errors.New("disk full")
	if _, err := m.Acknowledge(context.Background(), a.ID, "op"); err == nil {
		t.Fatal("expected persistence error to surface")
	}
}
