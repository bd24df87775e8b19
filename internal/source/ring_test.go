package source

import (
	"testing"
	"time"

	"overwatch/internal/media"
)

func TestRingEvictsOldest(t *testing.T) {
	r := newFrameRing(4)
	base := time.Now()
	for i := 0; i < 5; i++ {
		evicted := r.push(&media.Frame{Seq: uint64(i), Timestamp: base.Add(time.Duration(i) * time.Second)})
		if evicted != (i == 4) {
			t.Fatalf("push %d: evicted = %v", i, evicted)
		}
	}

	if r.len() != 4 {
		t.Fatalf("len = %d, want 4", r.len())
	}
	if r.evictions() != 1 {
		t.Fatalf("evictions = %d, want 1", r.evictions())
	}
	if got := r.latest().Seq; got != 4 {
		t.Fatalf("latest = %d, want 4", got)
	}

	// The window covers everything still buffered: frame 0 is gone.
	frames := r.window(time.Hour)
	if len(frames) != 4 {
		t.Fatalf("window size = %d, want 4", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i+1) {
			t.Fatalf("window[%d] = %d, want %d", i, f.Seq, i+1)
		}
	}
}

func TestRingWindowCutsOnTimestamp(t *testing.T) {
	r := newFrameRing(10)
	base := time.Now()
	for i := 0; i < 10; i++ {
		r.push(&media.Frame{Seq: uint64(i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	// Newest is at +9s; a 3s window keeps frames at +6s and later.
	frames := r.window(3 * time.Second)
	if len(frames) != 4 {
		t.Fatalf("window size = %d, want 4", len(frames))
	}
	if frames[0].Seq != 6 || frames[3].Seq != 9 {
		t.Fatalf("window bounds = %d..%d, want 6..9", frames[0].Seq, frames[3].Seq)
	}
}

func TestRingEmpty(t *testing.T) {
	r := newFrameRing(4)
	if r.latest() != nil {
		t.Fatal("latest on empty ring should be nil")
	}
	if frames := r.window(time.Minute); frames != nil {
		t.Fatalf("window on empty ring = %v", frames)
	}
}
