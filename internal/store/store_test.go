package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"overwatch/internal/alarm"
	"overwatch/internal/correlator"
	"overwatch/internal/events"
	"overwatch/internal/logging"
	"overwatch/internal/workflow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", logging.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowVersionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &workflow.Workflow{
		ID: "wf-1", Name: "perimeter", Version: 1,
		SchemaVersion: workflow.CurrentSchemaVersion,
		SiteID:        "hq", Status: workflow.StatusDraft,
		Nodes: []workflow.Node{{ID: "cam", Type: workflow.TypeCamera,
			Data: workflow.NodeData{Config: map[string]interface{}{"cameraId": "front"}}}},
	}
	if err := s.SaveWorkflowVersion(ctx, w); err != nil {
		t.Fatalf("save: %v", err)
	}
	w2 := w.Clone()
	w2.Version = 2
	w2.Name = "perimeter v2"
	if err := s.SaveWorkflowVersion(ctx, w2); err != nil {
		t.Fatalf("save v2: %v", err)
	}

	got, err := s.GetWorkflow(ctx, "wf-1", 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if got.Name != "perimeter" || len(got.Nodes) != 1 {
		t.Fatalf("got %+v", got)
	}

	latest, err := s.GetLatestWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != 2 || latest.Name != "perimeter v2" {
		t.Fatalf("latest = v%d %q", latest.Version, latest.Name)
	}

	if _, err := s.GetLatestWorkflow(ctx, "missing"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("err = %v, want ErrWorkflowNotFound", err)
	}
}

func TestListWorkflowsLatestOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, spec := range []struct {
		id      string
		version int
	}{{"a", 1}, {"a", 2}, {"b", 1}} {
		w := &workflow.Workflow{
			ID: spec.id, Name: spec.id, Version: spec.version,
			SchemaVersion: workflow.CurrentSchemaVersion,
		}
		if err := s.SaveWorkflowVersion(ctx, w); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	list, err := s.ListWorkflows(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("listed %d, want 2", len(list))
	}
	if list[0].ID != "a" || list[0].Version != 2 {
		t.Fatalf("list[0] = %s v%d", list[0].ID, list[0].Version)
	}
}

func TestSetWorkflowStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &workflow.Workflow{ID: "wf-1", Name: "x", Version: 1, SchemaVersion: workflow.CurrentSchemaVersion}
	if err := s.SaveWorkflowVersion(ctx, w); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SetWorkflowStatus(ctx, "wf-1", 1, workflow.StatusRunning); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, err := s.GetWorkflow(ctx, "wf-1", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workflow.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}

	if err := s.SetWorkflowStatus(ctx, "wf-1", 9, workflow.StatusStopped); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("err = %v, want ErrWorkflowNotFound", err)
	}
}

func TestAlarmRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	deadline := now.Add(15 * time.Minute)
	a := &alarm.Alarm{
		ID: "al-1", GroupKey: "acme:hq:lobby:intrusion",
		Tenant: "acme", Site: "hq",
		Severity: alarm.SeverityMajor, State: alarm.StateTriage,
		CreatedAt: now, UpdatedAt: now, SLADeadline: &deadline,
		Confidence:         0.8,
		Assignee:           "alice",
		Watchers:           []string{"bob"},
		Notes:              []alarm.Note{{Text: "checking", Author: "alice", Timestamp: now}},
		CorrelatedEventIDs: []string{"ev-1", "ev-2"},
	}
	entries := []alarm.HistoryEntry{
		{Action: "created", Actor: "system", Timestamp: now,
			Details: map[string]interface{}{"event_id": "ev-1"}},
		{Action: "acknowledged", Actor: "alice", Timestamp: now,
			FromState: alarm.StateNew, ToState: alarm.StateTriage},
	}
	if err := s.SaveAlarm(ctx, a, entries); err != nil {
		t.Fatalf("save alarm: %v", err)
	}

	// A terminal alarm must not be rehydrated.
	closed := *a
	closed.ID = "al-2"
	closed.GroupKey = "acme:hq:dock:intrusion"
	closed.State = alarm.StateClosed
	if err := s.SaveAlarm(ctx, &closed, nil); err != nil {
		t.Fatalf("save closed alarm: %v", err)
	}

	open, err := s.LoadOpenAlarms(ctx)
	if err != nil {
		t.Fatalf("load open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open alarms = %d, want 1", len(open))
	}
	got := open[0]
	if got.ID != "al-1" || got.State != alarm.StateTriage || got.Severity != alarm.SeverityMajor {
		t.Fatalf("got %+v", got)
	}
	if got.SLADeadline == nil || !got.SLADeadline.Equal(deadline) {
		t.Fatalf("deadline = %v, want %v", got.SLADeadline, deadline)
	}
	if len(got.Watchers) != 1 || len(got.Notes) != 1 || len(got.CorrelatedEventIDs) != 2 {
		t.Fatalf("nested fields lost: %+v", got)
	}
	if len(got.History) != 2 || got.History[0].Action != "created" {
		t.Fatalf("history = %+v", got.History)
	}
	if got.History[1].FromState != alarm.StateNew || got.History[1].ToState != alarm.StateTriage {
		t.Fatalf("history transition = %+v", got.History[1])
	}
}

func TestAlarmUpsertAppendsHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	a := &alarm.Alarm{ID: "al-1", GroupKey: "g", Tenant: "t", Site: "s",
		Severity: alarm.SeverityInfo, State: alarm.StateNew, CreatedAt: now, UpdatedAt: now}
	if err := s.SaveAlarm(ctx, a, []alarm.HistoryEntry{{Action: "created", Actor: "system", Timestamp: now}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	a.State = alarm.StateTriage
	if err := s.SaveAlarm(ctx, a, []alarm.HistoryEntry{{Action: "acknowledged", Actor: "op", Timestamp: now}}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	open, err := s.LoadOpenAlarms(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(open) != 1 || len(open[0].History) != 2 {
		t.Fatalf("history = %d entries, want 2", len(open[0].History))
	}
}

func TestEventWriterBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 10; i++ {
		s.WriteEvent(correlator.RawEvent{
			ID: string(rune('a' + i)), Tenant: "acme", Site: "hq", Type: "intrusion",
			ObservedAt: now, IngestedAt: now,
		}, "acme:hq::intrusion", 0.7)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		n, err := s.EventCount(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n == 10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("persisted %d events, want 10", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Duplicate IDs are ignored, not errors.
	s.WriteEvent(correlator.RawEvent{ID: "a", Tenant: "acme", Site: "hq", Type: "intrusion",
		ObservedAt: now, IngestedAt: now}, "acme:hq::intrusion", 0.7)
	time.Sleep(eventFlushEvery + 100*time.Millisecond)
	n, err := s.EventCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 10 {
		t.Fatalf("count after duplicate = %d, want 10", n)
	}
}

func TestCloseFlushesPendingEvents(t *testing.T) {
	path := t.TempDir() + "/events.db"
	s, err := Open(path, logging.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Now()
	for i := 0; i < 5; i++ {
		s.WriteEvent(correlator.RawEvent{
			ID: string(rune('a' + i)), Tenant: "t", Site: "s", Type: "x",
			ObservedAt: now, IngestedAt: now,
		}, "g", 0.5)
	}
	// Close drains the queue even before the first ticker flush.
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, logging.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	n, err := reopened.EventCount(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Fatalf("flushed %d events, want 5", n)
	}
}

func TestWorkflowEventsAndSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		ev := events.Event{
			Kind: events.NodeError, WorkflowID: "wf-1", NodeID: "n1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Payload:   map[string]interface{}{"seq": i},
			Error:     "boom",
		}
		if err := s.AppendWorkflowEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	recent, err := s.RecentWorkflowEvents(ctx, "wf-1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d, want 2", len(recent))
	}
	if !recent[0].Timestamp.After(recent[1].Timestamp) {
		t.Fatalf("events not newest-first: %v then %v", recent[0].Timestamp, recent[1].Timestamp)
	}
	if recent[0].Kind != events.NodeError || recent[0].Error != "boom" {
		t.Fatalf("event = %+v", recent[0])
	}

	if err := s.IndexSnapshot(ctx, "al-1", "wf-1", base, "/data/snap.jpg", "jpg"); err != nil {
		t.Fatalf("index snapshot: %v", err)
	}
}
