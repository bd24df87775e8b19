package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"overwatch/internal/logging"
	"overwatch/internal/media"
	"overwatch/internal/metrics"
)

// ErrNotFound is returned for operations on unknown source IDs.
var ErrNotFound = errors.New("source: not found")

// Options tune the manager; zero values fall back to defaults.
type Options struct {
	RingSize       int
	ConnectTimeout time.Duration
	ReconnectMax   time.Duration
	MaxRetries     int
	Factory        TransportFactory
}

// Manager owns all stream ingestors: one long-lived capture task per source.
type Manager struct {
	mu       sync.RWMutex
	captures map[string]*capture
	opts     Options
	log      *logrus.Entry
	metrics  *metrics.Collector
	logger   logging.Logger
}

// NewManager creates a stream ingestor manager.
func NewManager(logger logging.Logger, mc *metrics.Collector, opts Options) *Manager {
	if opts.RingSize <= 0 {
		opts.RingSize = 300
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.Factory == nil {
		opts.Factory = NewFFmpegTransport
	}
	return &Manager{
		captures: make(map[string]*capture),
		opts:     opts,
		log:      logging.Component(logger, "source"),
		metrics:  mc,
		logger:   logger,
	}
}

// Start begins capture for a source. Idempotent: starting an already running
// source returns without error.
func (m *Manager) Start(cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("source: config missing id")
	}
	if cfg.Location == "" {
		return fmt.Errorf("source %s: config missing location", cfg.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.captures[cfg.ID]; ok {
		switch existing.currentState() {
		case StateStopped, StateFailed:
			// Restart below.
		default:
			return nil
		}
		delete(m.captures, cfg.ID)
	}

	c := newCapture(cfg, m.opts.Factory, m.opts.RingSize,
		m.log.WithField("source", cfg.ID), m.metrics,
		m.opts.ConnectTimeout, m.opts.ReconnectMax, m.opts.MaxRetries)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	m.captures[cfg.ID] = c
	go c.run(ctx)

	m.log.WithFields(logrus.Fields{"source": cfg.ID, "kind": cfg.Kind, "fps": cfg.TargetFPS}).Info("source started")
	return nil
}

// Stop cancels a source's decode loop and waits for teardown up to timeout.
func (m *Manager) Stop(id string, timeout time.Duration) error {
	m.mu.Lock()
	c, ok := m.captures[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.captures, id)
	m.mu.Unlock()

	c.cancel()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-c.done:
	case <-time.After(timeout):
		return fmt.Errorf("source %s: stop timed out after %s", id, timeout)
	}

	m.log.WithField("source", id).Info("source stopped")
	return nil
}

// Subscribe attaches a frame consumer to a source. Delivery is best-effort
// single-copy broadcast: slow consumers drop frames rather than blocking the
// decode loop.
func (m *Manager) Subscribe(id, subscriberID string, bufferSize int) (*Subscription, error) {
	m.mu.RLock()
	c, ok := m.captures[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	if bufferSize <= 0 {
		bufferSize = 8
	}
	sub := &Subscription{
		SourceID:     id,
		SubscriberID: subscriberID,
		Frames:       make(chan *media.Frame, bufferSize),
		Done:         make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[sub] = true
	c.mu.Unlock()
	return sub, nil
}

// Unsubscribe detaches a frame consumer. No frames are delivered afterwards.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.RLock()
	c, ok := m.captures[sub.SourceID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if _, attached := c.subs[sub]; attached {
		delete(c.subs, sub)
		close(sub.Done)
	}
	c.mu.Unlock()
}

// SubscribeAudio attaches an audio consumer, starting the source's audio
// pump on first use.
func (m *Manager) SubscribeAudio(id string, bufferSize int) (*AudioSubscription, error) {
	m.mu.RLock()
	c, ok := m.captures[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	if bufferSize <= 0 {
		bufferSize = 16
	}
	sub := &AudioSubscription{
		SourceID: id,
		Chunks:   make(chan *media.AudioChunk, bufferSize),
		Done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.audioSubs[sub] = true
	c.mu.Unlock()

	c.audioOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-c.done
			cancel()
		}()
		go c.audioPump(ctx)
	})
	return sub, nil
}

// UnsubscribeAudio detaches an audio consumer.
func (m *Manager) UnsubscribeAudio(sub *AudioSubscription) {
	if sub == nil {
		return
	}
	m.mu.RLock()
	c, ok := m.captures[sub.SourceID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if _, attached := c.audioSubs[sub]; attached {
		delete(c.audioSubs, sub)
		close(sub.Done)
	}
	c.mu.Unlock()
}

// Latest returns the most recent buffered frame for snapshot consumers, or
// nil when nothing is buffered yet.
func (m *Manager) Latest(id string) *media.Frame {
	m.mu.RLock()
	c, ok := m.captures[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.ring.latest()
}

// Buffer returns the pre-event window: buffered frames within d of the
// newest frame, oldest first.
func (m *Manager) Buffer(id string, d time.Duration) []*media.Frame {
	m.mu.RLock()
	c, ok := m.captures[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.ring.window(d)
}

// SetQuality reopens the source transport at a different stream variant.
// Buffered frames remain valid; subscribers see a short gap.
func (m *Manager) SetQuality(id string, q Quality) error {
	m.mu.RLock()
	c, ok := m.captures[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	c.setQuality(q)
	m.log.WithFields(logrus.Fields{"source": id, "quality": q}).Info("quality change requested")
	return nil
}

// State returns the current lifecycle state of a source.
func (m *Manager) State(id string) (State, error) {
	m.mu.RLock()
	c, ok := m.captures[id]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return c.currentState(), nil
}

// Stats returns a snapshot of the source's counters.
func (m *Manager) Stats(id string) (Stats, error) {
	m.mu.RLock()
	c, ok := m.captures[id]
	m.mu.RUnlock()
	if !ok {
		return Stats{}, ErrNotFound
	}
	return c.stats(), nil
}

// LastError returns the most recent transport/decode error for a source.
func (m *Manager) LastError(id string) error {
	m.mu.RLock()
	c, ok := m.captures[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return c.loadLastErr()
}

// Close stops every source, waiting up to timeout for each.
func (m *Manager) Close(timeout time.Duration) {
	m.mu.Lock()
	captures := make([]*capture, 0, len(m.captures))
	for id, c := range m.captures {
		captures = append(captures, c)
		delete(m.captures, id)
	}
	m.mu.Unlock()

	for _, c := range captures {
		c.cancel()
	}
	deadline := time.After(timeout)
	for _, c := range captures {
		select {
		case <-c.done:
		case <-deadline:
			return
		}
	}
}
