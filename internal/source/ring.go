package source

import (
	"sync"
	"time"

	"overwatch/internal/media"
)

// frameRing is a fixed-size ring of recent frames for one source. The decode
// loop is the only writer; subscribers and pull consumers read under the same
// lock. When full, the oldest frame is evicted and counted.
type frameRing struct {
	mu       sync.RWMutex
	slots    []*media.Frame
	head     int // next write position
	count    int
	capacity int
	evicted  uint64
}

func newFrameRing(capacity int) *frameRing {
	if capacity <= 0 {
		capacity = 300
	}
	return &frameRing{
		slots:    make([]*media.Frame, capacity),
		capacity: capacity,
	}
}

// push appends a frame, evicting the oldest when full. Returns true when an
// eviction happened.
func (r *frameRing) push(f *media.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evict := r.count == r.capacity
	r.slots[r.head] = f
	r.head = (r.head + 1) % r.capacity
	if evict {
		r.evicted++
	} else {
		r.count++
	}
	return evict
}

// latest returns the most recent frame, or nil when empty.
func (r *frameRing) latest() *media.Frame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return nil
	}
	idx := (r.head - 1 + r.capacity) % r.capacity
	return r.slots[idx]
}

// window returns buffered frames with timestamps within d of the newest
// frame, oldest first. Used by recording actions for the pre-event buffer.
func (r *frameRing) window(d time.Duration) []*media.Frame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return nil
	}

	newest := r.slots[(r.head-1+r.capacity)%r.capacity]
	cutoff := newest.Timestamp.Add(-d)

	out := make([]*media.Frame, 0, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		f := r.slots[(start+i)%r.capacity]
		if f.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// len returns the number of buffered frames.
func (r *frameRing) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// evictions returns how many frames have been dropped from the ring.
func (r *frameRing) evictions() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted
}
