package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"overwatch/internal/media"
	"overwatch/internal/metrics"
)

// Kind identifies the transport class of a source.
type Kind string

const (
	KindRTSP Kind = "rtsp"
	KindFile Kind = "file"
	KindURL  Kind = "url"
)

// Quality selects the stream variant to decode.
type Quality string

const (
	QualityLow  Quality = "low"
	QualityMed  Quality = "med"
	QualityHigh Quality = "high"
)

// State is the lifecycle state of a source connection.
type State string

const (
	StateInit         State = "init"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// ErrUnreachable is reported when a source exhausts its reconnect budget.
var ErrUnreachable = errors.New("source: unreachable after retries")

// Config describes one video/audio producer.
type Config struct {
	ID        string
	Kind      Kind
	Location  string
	Quality   Quality
	TargetFPS int
}

// Subscription is an active frame feed for one consumer. Done closes when
// the subscription is cancelled or the source stops.
type Subscription struct {
	SourceID     string
	SubscriberID string
	Frames       chan *media.Frame
	Done         chan struct{}
	dropped      atomic.Uint64
}

// DroppedFrames returns how many frames this subscriber lost to a full queue.
func (s *Subscription) DroppedFrames() uint64 { return s.dropped.Load() }

// AudioSubscription is an active audio feed for one consumer.
type AudioSubscription struct {
	SourceID string
	Chunks   chan *media.AudioChunk
	Done     chan struct{}
}

// Stats is a point-in-time snapshot of a source's counters.
type Stats struct {
	SourceID       string
	State          State
	FramesDecoded  uint64
	RingEvictions  uint64
	DecodeErrors   uint64
	Reconnects     uint64
	LastFrameAt    time.Time
	SubscriberDrop uint64
}

// consecutive decode errors before the loop abandons the connection.
const decodeErrorLimit = 5

// capture owns one source: transport lifecycle, decode loop, ring buffer and
// subscriber broadcast.
type capture struct {
	cfg     Config
	factory TransportFactory
	ring    *frameRing
	log     *logrus.Entry
	metrics *metrics.Collector

	connectTimeout time.Duration
	reconnectMax   time.Duration
	maxRetries     int

	mu        sync.RWMutex
	state     State
	lastErr   error
	subs      map[*Subscription]bool
	audioSubs map[*AudioSubscription]bool

	frameSeq      atomic.Uint64
	audioSeq      atomic.Uint64
	framesDecoded atomic.Uint64
	decodeErrors  atomic.Uint64
	reconnects    atomic.Uint64
	subDrops      atomic.Uint64
	lastFrameUnix atomic.Int64

	reopenCh  chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	audioOnce sync.Once

	transportMu sync.Mutex
	transport   Transport
}

func newCapture(cfg Config, factory TransportFactory, ringSize int, log *logrus.Entry, mc *metrics.Collector,
	connectTimeout, reconnectMax time.Duration, maxRetries int) *capture {
	return &capture{
		cfg:            cfg,
		factory:        factory,
		ring:           newFrameRing(ringSize),
		log:            log,
		metrics:        mc,
		connectTimeout: connectTimeout,
		reconnectMax:   reconnectMax,
		maxRetries:     maxRetries,
		state:          StateInit,
		subs:           make(map[*Subscription]bool),
		audioSubs:      make(map[*AudioSubscription]bool),
		reopenCh:       make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

func (c *capture) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if c.metrics != nil && prev != s {
		c.metrics.SourceState.WithLabelValues(c.cfg.ID, string(prev)).Set(0)
		c.metrics.SourceState.WithLabelValues(c.cfg.ID, string(s)).Set(1)
	}
	if prev != s {
		c.log.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("source state change")
	}
}

// currentState returns the source state.
func (c *capture) currentState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// run is the long-lived connection loop: connect, decode until failure,
// back off, reconnect. Exits when ctx is cancelled or the retry budget is
// spent.
func (c *capture) run(ctx context.Context) {
	defer close(c.done)
	defer c.closeSubscribers()

	retries := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return
		}

		c.setState(StateConnecting)
		transport := c.factory(c.currentConfig())

		connectCtx, cancelConnect := context.WithTimeout(ctx, c.connectTimeout)
		err := transport.Open(connectCtx)
		cancelConnect()
		if err != nil {
			transport.Close()
			if ctx.Err() != nil {
				c.setState(StateStopped)
				return
			}
			retries++
			c.reconnects.Add(1)
			if c.metrics != nil {
				c.metrics.SourceReconnects.WithLabelValues(c.cfg.ID).Inc()
			}
			c.log.WithError(err).WithField("attempt", retries).Warn("connect failed")
			if c.maxRetries > 0 && retries >= c.maxRetries {
				c.fail(err)
				return
			}
			c.setState(StateReconnecting)
			if !c.sleepBackoff(ctx, retries) {
				c.setState(StateStopped)
				return
			}
			continue
		}

		c.setTransport(transport)
		c.setState(StateStreaming)
		retries = 0

		reopen := c.decodeLoop(ctx, transport)
		c.setTransport(nil)
		transport.Close()

		if ctx.Err() != nil {
			c.setState(StateStopped)
			return
		}
		if reopen {
			// Quality switch: reconnect immediately, no backoff.
			continue
		}

		retries++
		c.reconnects.Add(1)
		if c.metrics != nil {
			c.metrics.SourceReconnects.WithLabelValues(c.cfg.ID).Inc()
		}
		if c.maxRetries > 0 && retries >= c.maxRetries {
			c.fail(c.loadLastErr())
			return
		}
		c.setState(StateReconnecting)
		if !c.sleepBackoff(ctx, retries) {
			c.setState(StateStopped)
			return
		}
	}
}

// decodeLoop reads frames until error, cancellation or a reopen request.
// Returns true when the exit was a requested reopen (quality change).
func (c *capture) decodeLoop(ctx context.Context, transport Transport) bool {
	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.reopenCh:
			return true
		default:
		}

		data, width, height, err := transport.NextFrame()
		if err != nil {
			c.decodeErrors.Add(1)
			consecutiveErrors++
			c.storeLastErr(err)
			if consecutiveErrors >= decodeErrorLimit {
				c.log.WithError(err).Warn("decode errors over limit, reconnecting")
				return false
			}
			continue
		}
		consecutiveErrors = 0
		c.publishFrame(data, width, height)
	}
}

func (c *capture) publishFrame(data []byte, width, height int) {
	now := time.Now()
	frame := &media.Frame{
		SourceID:  c.cfg.ID,
		Seq:       c.frameSeq.Add(1),
		Data:      data,
		Width:     width,
		Height:    height,
		Channels:  3,
		Timestamp: now,
	}

	c.framesDecoded.Add(1)
	c.lastFrameUnix.Store(now.UnixNano())
	if c.metrics != nil {
		c.metrics.FramesDecoded.WithLabelValues(c.cfg.ID).Inc()
	}

	if c.ring.push(frame) {
		if c.metrics != nil {
			c.metrics.FramesRingDrops.WithLabelValues(c.cfg.ID).Inc()
		}
	}

	c.mu.RLock()
	for sub := range c.subs {
		select {
		case sub.Frames <- frame:
		default:
			sub.dropped.Add(1)
			c.subDrops.Add(1)
		}
	}
	c.mu.RUnlock()
}

// audioPump forwards PCM spans from the transport to audio subscribers.
// Started lazily on the first audio subscription.
func (c *capture) audioPump(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		transport := c.getTransport()
		if transport == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		samples, rate, err := transport.NextAudio()
		if err != nil {
			if errors.Is(err, ErrNoAudio) {
				c.log.Debug("no audio sidechannel, audio pump exiting")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		chunk := &media.AudioChunk{
			SourceID:   c.cfg.ID,
			Seq:        c.audioSeq.Add(1),
			Samples:    samples,
			SampleRate: rate,
			Channels:   1,
			Duration:   time.Duration(len(samples)) * time.Second / time.Duration(rate),
			Timestamp:  time.Now(),
		}

		c.mu.RLock()
		for sub := range c.audioSubs {
			select {
			case sub.Chunks <- chunk:
			default:
			}
		}
		c.mu.RUnlock()
	}
}

func (c *capture) sleepBackoff(ctx context.Context, attempt int) bool {
	backoff := 500 * time.Millisecond << uint(attempt-1)
	if backoff > c.reconnectMax || backoff <= 0 {
		backoff = c.reconnectMax
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(backoff):
		return true
	}
}

func (c *capture) fail(cause error) {
	if cause == nil {
		cause = ErrUnreachable
	}
	c.storeLastErr(errors.Join(ErrUnreachable, cause))
	c.setState(StateFailed)
	c.log.WithError(cause).Error("source failed, retry budget exhausted")
}

func (c *capture) closeSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		close(sub.Done)
		delete(c.subs, sub)
	}
	for sub := range c.audioSubs {
		close(sub.Done)
		delete(c.audioSubs, sub)
	}
}

func (c *capture) currentConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *capture) setQuality(q Quality) {
	c.mu.Lock()
	c.cfg.Quality = q
	c.mu.Unlock()

	select {
	case c.reopenCh <- struct{}{}:
	default:
	}
}

func (c *capture) setTransport(t Transport) {
	c.transportMu.Lock()
	c.transport = t
	c.transportMu.Unlock()
}

func (c *capture) getTransport() Transport {
	c.transportMu.Lock()
	defer c.transportMu.Unlock()
	return c.transport
}

func (c *capture) storeLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *capture) loadLastErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *capture) stats() Stats {
	var lastFrame time.Time
	if ns := c.lastFrameUnix.Load(); ns > 0 {
		lastFrame = time.Unix(0, ns)
	}
	return Stats{
		SourceID:       c.cfg.ID,
		State:          c.currentState(),
		FramesDecoded:  c.framesDecoded.Load(),
		RingEvictions:  c.ring.evictions(),
		DecodeErrors:   c.decodeErrors.Load(),
		Reconnects:     c.reconnects.Load(),
		LastFrameAt:    lastFrame,
		SubscriberDrop: c.subDrops.Load(),
	}
}
