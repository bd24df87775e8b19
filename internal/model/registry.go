package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"overwatch/internal/logging"
	"overwatch/internal/media"
)

// ErrUnknownModel is returned when no factory is registered for a model ID.
var ErrUnknownModel = errors.New("model: unknown model id")

// ErrLoad wraps engine initialization failures.
var ErrLoad = errors.New("model: engine failed to load")

// Registry holds singleton engine instances keyed by model ID. The first
// Acquire loads the engine; the last Release unloads it.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	audio     map[string]AudioFactory
	loaded    map[string]*entry
	log       *logrus.Entry
}

type entry struct {
	engine     Engine
	refs       int
	threadSafe bool
	callMu     sync.Mutex // serialises Detect for non-thread-safe engines

	ready   chan struct{} // closed once Initialize has finished
	initErr error         // written before ready closes, immutable after
}

// Handle is a leased reference to a shared engine. Release it when the
// owning workflow stops.
type Handle struct {
	registry *Registry
	modelID  string
	entry    *entry
	once     sync.Once
}

// NewRegistry creates an empty model registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		audio:     make(map[string]AudioFactory),
		loaded:    make(map[string]*entry),
		log:       logging.Component(logger, "model"),
	}
}

// Register adds a detection engine factory under a model ID.
func (r *Registry) Register(modelID string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[modelID] = factory
}

// RegisterAudio adds an audio engine factory under a model ID.
func (r *Registry) RegisterAudio(modelID string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[modelID] = factory
}

// Acquire leases the shared engine for modelID, loading it on first use.
func (r *Registry) Acquire(ctx context.Context, modelID string, config map[string]interface{}) (*Handle, error) {
	r.mu.Lock()
	if e, ok := r.loaded[modelID]; ok {
		e.refs++
		r.mu.Unlock()
		// The loading caller may still be inside Initialize; the lease is
		// only handed out once the engine is usable.
		select {
		case <-e.ready:
		case <-ctx.Done():
			r.mu.Lock()
			if r.loaded[modelID] == e {
				e.refs--
			}
			r.mu.Unlock()
			return nil, ctx.Err()
		}
		if e.initErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoad, modelID, e.initErr)
		}
		return &Handle{registry: r, modelID: modelID, entry: e}, nil
	}

	factory, ok := r.factories[modelID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	engine := factory.New()
	e := &entry{engine: engine, refs: 1, threadSafe: factory.ThreadSafe, ready: make(chan struct{})}
	r.loaded[modelID] = e
	r.mu.Unlock()

	// Initialize outside the registry lock: loads can be slow. Concurrent
	// acquirers of the same model park on ready until it closes.
	if err := engine.Initialize(ctx, config); err != nil {
		r.mu.Lock()
		delete(r.loaded, modelID)
		r.mu.Unlock()
		e.initErr = err
		close(e.ready)
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, modelID, err)
	}
	close(e.ready)

	r.log.WithField("model", modelID).Info("engine loaded")
	return &Handle{registry: r, modelID: modelID, entry: e}, nil
}

// AcquireAudio leases an audio engine for modelID. Audio engines are not
// pooled per ref; one shared instance per model.
func (r *Registry) AcquireAudio(ctx context.Context, modelID string, config map[string]interface{}) (AudioEngine, func(), error) {
	r.mu.Lock()
	factory, ok := r.audio[modelID]
	r.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}

	engine := factory.New()
	if err := engine.Initialize(ctx, config); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrLoad, modelID, err)
	}
	release := func() {
		if err := engine.Cleanup(); err != nil {
			r.log.WithError(err).WithField("model", modelID).Warn("audio engine cleanup failed")
		}
	}
	return engine, release, nil
}

// Detect invokes the engine, serialising when it is not thread-safe.
func (h *Handle) Detect(ctx context.Context, frame *media.Frame, cfg DetectConfig) ([]media.Detection, error) {
	if !h.entry.threadSafe {
		h.entry.callMu.Lock()
		defer h.entry.callMu.Unlock()
	}
	return h.entry.engine.Detect(ctx, frame, cfg)
}

// ModelID returns the model this handle leases.
func (h *Handle) ModelID() string { return h.modelID }

// Release returns the lease; the engine is unloaded when the last holder
// releases. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		r := h.registry
		r.mu.Lock()
		e, ok := r.loaded[h.modelID]
		if !ok || e != h.entry {
			r.mu.Unlock()
			return
		}
		e.refs--
		unload := e.refs == 0
		if unload {
			delete(r.loaded, h.modelID)
		}
		r.mu.Unlock()

		if unload {
			if err := e.engine.Cleanup(); err != nil {
				r.log.WithError(err).WithField("model", h.modelID).Warn("engine cleanup failed")
			}
			r.log.WithField("model", h.modelID).Info("engine unloaded")
		}
	})
}

// RefCount reports the live lease count for a model. Zero means unloaded.
func (r *Registry) RefCount(modelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.loaded[modelID]; ok {
		return e.refs
	}
	return 0
}

// StatusReport returns the Info of every registered model, keyed by ID.
func (r *Registry) StatusReport() map[string]Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Info, len(r.factories)+len(r.audio))
	for id, f := range r.factories {
		out[id] = f.Info
	}
	for id, f := range r.audio {
		out[id] = f.Info
	}
	return out
}
