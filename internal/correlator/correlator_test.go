package correlator

import (
	"context"
	"math"
	"testing"
	"time"

	"overwatch/internal/logging"
)

type captureSink struct {
	applied []Correlated
}

func (s *captureSink) Apply(_ context.Context, c Correlated) error {
	s.applied = append(s.applied, c)
	return nil
}

type captureWriter struct {
	events []RawEvent
	scores []float64
}

func (w *captureWriter) WriteEvent(ev RawEvent, _ string, score float64) {
	w.events = append(w.events, ev)
	w.scores = append(w.scores, score)
}

func intrusion(deviceID string, conf float64) RawEvent {
	return RawEvent{
		Tenant:   "acme",
		Site:     "hq",
		Area:     "lobby",
		Type:     "intrusion",
		DeviceID: deviceID,
		Attributes: Attributes{
			Confidence: conf,
		},
	}
}

func TestSubmitStampsAndScores(t *testing.T) {
	sink := &captureSink{}
	writer := &captureWriter{}
	c := New(logging.NewNop(), sink, Options{
		Writer: writer,
		Devices: StaticRegistry{
			"cam-1": {HealthScore: 0.9, FPRate: 0.1},
		},
	})
	defer c.Close()

	observed := time.Now().Add(-2 * time.Second)
	ev := intrusion("cam-1", 0.8)
	ev.ObservedAt = observed
	if err := c.Submit(context.Background(), ev); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(sink.applied) != 1 {
		t.Fatalf("applied %d, want 1", len(sink.applied))
	}
	got := sink.applied[0]
	if got.Event.ID == "" {
		t.Fatal("event ID not filled")
	}
	if got.Event.IngestedAt.Before(got.Event.ObservedAt) {
		t.Fatal("ingested before observed")
	}
	if !got.NewArrival {
		t.Fatal("first event must open a window")
	}
	if got.GroupKey != "acme:hq:lobby:intrusion" {
		t.Fatalf("group key = %q", got.GroupKey)
	}

	// 0.6*0.8 + 0.2*0.9 + 0.2*(1-0.1) over weight sum 1.
	want := 0.6*0.8 + 0.2*0.9 + 0.2*0.9
	if math.Abs(got.Score-want) > 1e-9 {
		t.Fatalf("score = %v, want %v", got.Score, want)
	}
	if len(writer.events) != 1 || writer.scores[0] != got.Score {
		t.Fatalf("writer saw %d events", len(writer.events))
	}
}

func TestSubmitClampsFutureObservedAt(t *testing.T) {
	sink := &captureSink{}
	c := New(logging.NewNop(), sink, Options{})
	defer c.Close()

	ev := intrusion("cam-1", 0.5)
	ev.ObservedAt = time.Now().Add(time.Hour)
	if err := c.Submit(context.Background(), ev); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := sink.applied[0].Event
	if got.ObservedAt.After(got.IngestedAt) {
		t.Fatal("future observed_at not clamped")
	}
}

func TestWindowDeduplicates(t *testing.T) {
	sink := &captureSink{}
	c := New(logging.NewNop(), sink, Options{Window: time.Minute})
	defer c.Close()

	ctx := context.Background()
	if err := c.Submit(ctx, intrusion("cam-1", 0.7)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Submit(ctx, intrusion("cam-2", 0.9)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(sink.applied) != 2 {
		t.Fatalf("applied %d, want 2", len(sink.applied))
	}
	if !sink.applied[0].NewArrival {
		t.Fatal("first event should open the window")
	}
	if sink.applied[1].NewArrival {
		t.Fatal("second event within the window should fold")
	}
	if c.OpenWindows() != 1 {
		t.Fatalf("open windows = %d, want 1", c.OpenWindows())
	}

	// A different group key opens its own window.
	other := intrusion("cam-3", 0.5)
	other.Area = "garage"
	if err := c.Submit(ctx, other); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !sink.applied[2].NewArrival {
		t.Fatal("distinct group key must open a new window")
	}
	if c.OpenWindows() != 2 {
		t.Fatalf("open windows = %d, want 2", c.OpenWindows())
	}
}

func TestWindowExpires(t *testing.T) {
	sink := &captureSink{}
	c := New(logging.NewNop(), sink, Options{Window: 10 * time.Millisecond})
	defer c.Close()

	ctx := context.Background()
	if err := c.Submit(ctx, intrusion("cam-1", 0.7)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(25 * time.Millisecond)
	if err := c.Submit(ctx, intrusion("cam-1", 0.7)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if !sink.applied[1].NewArrival {
		t.Fatal("event after window expiry must be a new arrival")
	}
}

func TestEnrichmentFromRegistry(t *testing.T) {
	sink := &captureSink{}
	c := New(logging.NewNop(), sink, Options{
		Devices: StaticRegistry{
			"cam-1": {
				Tenant: "acme", Site: "hq", Area: "lobby",
				Location: "north entrance", HealthScore: 1, Tags: []string{"indoor"},
			},
		},
	})
	defer c.Close()

	ev := RawEvent{Type: "intrusion", DeviceID: "cam-1", Attributes: Attributes{Confidence: 0.5}}
	if err := c.Submit(context.Background(), ev); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := sink.applied[0].Event
	if got.Tenant != "acme" || got.Site != "hq" || got.Area != "lobby" {
		t.Fatalf("enrichment missing: %+v", got)
	}
	if got.Location != "north entrance" || len(got.Tags) != 1 {
		t.Fatalf("location/tags missing: %+v", got)
	}
	// Values carried by the event itself win over the registry.
	ev2 := intrusion("cam-1", 0.5)
	ev2.Site = "warehouse"
	if err := c.Submit(context.Background(), ev2); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sink.applied[1].Event.Site != "warehouse" {
		t.Fatalf("event-carried site overwritten: %+v", sink.applied[1].Event)
	}
}

func TestScoreClamped(t *testing.T) {
	c := New(logging.NewNop(), &captureSink{}, Options{})
	ev := intrusion("cam-1", 2.5)
	if s := c.score(&ev); s != 1 {
		t.Fatalf("score = %v, want clamp to 1", s)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	c := New(logging.NewNop(), &captureSink{}, Options{})
	c.Close()
	if err := c.Submit(context.Background(), intrusion("cam-1", 0.5)); err != ErrStopped {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
