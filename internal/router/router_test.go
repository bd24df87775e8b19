package router

import (
	"testing"
	"time"

	"overwatch/internal/logging"
	"overwatch/internal/media"
	"overwatch/internal/source"
)

type fakeSource struct {
	subs []*source.Subscription
}

func (f *fakeSource) Subscribe(id, subscriberID string, bufferSize int) (*source.Subscription, error) {
	sub := &source.Subscription{
		SourceID:     id,
		SubscriberID: subscriberID,
		Frames:       make(chan *media.Frame, 64),
		Done:         make(chan struct{}),
	}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSource) Unsubscribe(sub *source.Subscription) {
	select {
	case <-sub.Done:
	default:
		close(sub.Done)
	}
}

// waitProcessed blocks until the edge has fully accounted for want frames.
func waitProcessed(t *testing.T, edge *Edge, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := edge.Stats()
		if s.FramesForwarded+s.FramesDroppedThrottle+s.FramesDroppedQueue >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("edge saw %d frames, want %d", edge.Stats().FramesOffered, want)
}

func TestThrottleBoundsForwardRate(t *testing.T) {
	fs := &fakeSource{}
	r := New(fs, logging.NewNop(), nil)
	defer r.Close()

	edge, err := r.Subscribe(EdgeConfig{
		SourceID: "cam", WorkflowID: "wf", TargetFPS: 10, QueueDepth: 32,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// 30 frames spanning one second at ~34ms spacing against a 100ms
	// throttle interval: every third frame passes.
	base := time.Now()
	for i := 0; i < 30; i++ {
		fs.subs[0].Frames <- &media.Frame{
			SourceID:  "cam",
			Seq:       uint64(i),
			Timestamp: base.Add(time.Duration(i) * 34 * time.Millisecond),
		}
	}
	waitProcessed(t, edge, 30)

	stats := edge.Stats()
	if stats.FramesForwarded != 10 {
		t.Fatalf("forwarded = %d, want 10", stats.FramesForwarded)
	}
	if stats.FramesDroppedThrottle != 20 {
		t.Fatalf("dropped by throttle = %d, want 20", stats.FramesDroppedThrottle)
	}

	// Delivered frames are an order-preserving subsequence of the input.
	var last int64 = -1
	for i := 0; i < 10; i++ {
		f := <-edge.Frames()
		if int64(f.Seq) <= last {
			t.Fatalf("frame order violated: %d after %d", f.Seq, last)
		}
		if f.Seq%3 != 0 {
			t.Fatalf("unexpected frame %d forwarded", f.Seq)
		}
		last = int64(f.Seq)
	}
}

func TestDropOldestKeepsNewestFrame(t *testing.T) {
	fs := &fakeSource{}
	r := New(fs, logging.NewNop(), nil)
	defer r.Close()

	edge, err := r.Subscribe(EdgeConfig{
		SourceID: "cam", WorkflowID: "wf", QueueDepth: 2, DropPolicy: DropOldest,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	base := time.Now()
	for i := 0; i < 5; i++ {
		fs.subs[0].Frames <- &media.Frame{Seq: uint64(i), Timestamp: base.Add(time.Duration(i) * time.Millisecond)}
	}
	waitProcessed(t, edge, 8) // 5 forwarded + 3 queue drops

	// Queue of 2 after 5 frames: the oldest were shed, the tail survives.
	f := <-edge.Frames()
	if f.Seq != 3 {
		t.Fatalf("head = %d, want 3", f.Seq)
	}
	f = <-edge.Frames()
	if f.Seq != 4 {
		t.Fatalf("next = %d, want 4", f.Seq)
	}
	if got := edge.Stats().FramesDroppedQueue; got != 3 {
		t.Fatalf("dropped by queue = %d, want 3", got)
	}
}

func TestDropNewShedsIncomingFrame(t *testing.T) {
	fs := &fakeSource{}
	r := New(fs, logging.NewNop(), nil)
	defer r.Close()

	edge, err := r.Subscribe(EdgeConfig{
		SourceID: "cam", WorkflowID: "wf", QueueDepth: 2, DropPolicy: DropNew,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	base := time.Now()
	for i := 0; i < 5; i++ {
		fs.subs[0].Frames <- &media.Frame{Seq: uint64(i), Timestamp: base.Add(time.Duration(i) * time.Millisecond)}
	}
	waitProcessed(t, edge, 5)

	f := <-edge.Frames()
	if f.Seq != 0 {
		t.Fatalf("head = %d, want 0", f.Seq)
	}
	f = <-edge.Frames()
	if f.Seq != 1 {
		t.Fatalf("next = %d, want 1", f.Seq)
	}
}

func TestUnsubscribeClosesDelivery(t *testing.T) {
	fs := &fakeSource{}
	r := New(fs, logging.NewNop(), nil)

	edge, err := r.Subscribe(EdgeConfig{SourceID: "cam", WorkflowID: "wf"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	r.Unsubscribe(edge)

	select {
	case _, ok := <-edge.Frames():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("delivery channel not closed")
	}

	// Idempotent.
	r.Unsubscribe(edge)
}

func TestRejectsUnknownDropPolicy(t *testing.T) {
	r := New(&fakeSource{}, logging.NewNop(), nil)
	if _, err := r.Subscribe(EdgeConfig{SourceID: "cam", WorkflowID: "wf", DropPolicy: "coin_flip"}); err == nil {
		t.Fatal("expected error for unknown drop policy")
	}
}
