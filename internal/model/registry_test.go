package model

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"overwatch/internal/logging"
	"overwatch/internal/media"
)

// gatedEngine blocks inside Initialize until gate closes, so tests can hold
// a load in flight. Detect fails unless initialization completed.
type gatedEngine struct {
	started   chan struct{} // closed when Initialize is first entered
	startOnce sync.Once
	gate      chan struct{} // Initialize parks on this when non-nil
	initErr   error

	inited   atomic.Bool
	cleanups atomic.Int32
}

func (g *gatedEngine) Initialize(context.Context, map[string]interface{}) error {
	if g.started != nil {
		g.startOnce.Do(func() { close(g.started) })
	}
	if g.gate != nil {
		<-g.gate
	}
	if g.initErr != nil {
		return g.initErr
	}
	g.inited.Store(true)
	return nil
}

func (g *gatedEngine) Detect(context.Context, *media.Frame, DetectConfig) ([]media.Detection, error) {
	if !g.inited.Load() {
		return nil, errors.New("detect before initialize")
	}
	return nil, nil
}

func (g *gatedEngine) Cleanup() error {
	g.cleanups.Add(1)
	return nil
}

func engineFactory(eng *gatedEngine) Factory {
	return Factory{New: func() Engine { return eng }, ThreadSafe: true}
}

func TestAcquireSharesLoadedEngine(t *testing.T) {
	eng := &gatedEngine{}
	r := NewRegistry(logging.NewNop())
	r.Register("det", engineFactory(eng))

	ctx := context.Background()
	h1, err := r.Acquire(ctx, "det", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h2, err := r.Acquire(ctx, "det", nil)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if r.RefCount("det") != 2 {
		t.Fatalf("refcount = %d, want 2", r.RefCount("det"))
	}

	h1.Release()
	h1.Release() // idempotent
	if r.RefCount("det") != 1 {
		t.Fatalf("refcount after release = %d, want 1", r.RefCount("det"))
	}
	if eng.cleanups.Load() != 0 {
		t.Fatal("engine cleaned up while still leased")
	}

	h2.Release()
	if r.RefCount("det") != 0 {
		t.Fatalf("refcount = %d, want 0", r.RefCount("det"))
	}
	if eng.cleanups.Load() != 1 {
		t.Fatalf("cleanups = %d, want 1", eng.cleanups.Load())
	}
}

func TestAcquireUnknownModel(t *testing.T) {
	r := NewRegistry(logging.NewNop())
	if _, err := r.Acquire(context.Background(), "missing", nil); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
}

func TestConcurrentAcquireWaitsForLoad(t *testing.T) {
	eng := &gatedEngine{started: make(chan struct{}), gate: make(chan struct{})}
	r := NewRegistry(logging.NewNop())
	r.Register("det", engineFactory(eng))

	ctx := context.Background()
	type result struct {
		h   *Handle
		err error
	}
	first := make(chan result, 1)
	go func() {
		h, err := r.Acquire(ctx, "det", nil)
		first <- result{h, err}
	}()
	<-eng.started // loader is parked inside Initialize

	second := make(chan result, 1)
	go func() {
		h, err := r.Acquire(ctx, "det", nil)
		second <- result{h, err}
	}()

	// A lease must not be handed out while the load is still in flight.
	select {
	case res := <-second:
		t.Fatalf("second acquire returned (%v, %v) before Initialize finished", res.h, res.err)
	case <-time.After(50 * time.Millisecond):
	}

	close(eng.gate)
	for _, ch := range []chan result{first, second} {
		res := <-ch
		if res.err != nil {
			t.Fatalf("acquire: %v", res.err)
		}
		if _, err := res.h.Detect(ctx, &media.Frame{}, DetectConfig{}); err != nil {
			t.Fatalf("detect on leased handle: %v", err)
		}
	}
	if r.RefCount("det") != 2 {
		t.Fatalf("refcount = %d, want 2", r.RefCount("det"))
	}
}

func TestInitFailureReachesWaiters(t *testing.T) {
	eng := &gatedEngine{started: make(chan struct{}), gate: make(chan struct{}), initErr: errors.New("no weights")}
	r := NewRegistry(logging.NewNop())
	r.Register("det", engineFactory(eng))

	ctx := context.Background()
	first := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, "det", nil)
		first <- err
	}()
	<-eng.started

	second := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, "det", nil)
		second <- err
	}()

	close(eng.gate)
	for _, ch := range []chan error{first, second} {
		if err := <-ch; !errors.Is(err, ErrLoad) {
			t.Fatalf("err = %v, want ErrLoad", err)
		}
	}
	if r.RefCount("det") != 0 {
		t.Fatalf("refcount after failed load = %d, want 0", r.RefCount("det"))
	}

	// The failed load is forgotten; a fresh engine can be acquired.
	retry := &gatedEngine{}
	r.Register("det", engineFactory(retry))
	h, err := r.Acquire(ctx, "det", nil)
	if err != nil {
		t.Fatalf("acquire after failure: %v", err)
	}
	h.Release()
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	eng := &gatedEngine{started: make(chan struct{}), gate: make(chan struct{})}
	r := NewRegistry(logging.NewNop())
	r.Register("det", engineFactory(eng))

	first := make(chan error, 1)
	go func() {
		_, err := r.Acquire(context.Background(), "det", nil)
		first <- err
	}()
	<-eng.started

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, "det", nil)
		second <- err
	}()
	cancel()
	if err := <-second; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	close(eng.gate)
	if err := <-first; err != nil {
		t.Fatalf("loader acquire: %v", err)
	}
	// The cancelled waiter's reference was returned.
	if r.RefCount("det") != 1 {
		t.Fatalf("refcount = %d, want 1", r.RefCount("det"))
	}
}
