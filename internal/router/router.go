// Package router fans frames out from sources to subscribed workflows with
// per-edge FPS throttling and bounded, drop-policy queues. One pump goroutine
// per edge keeps frame order intact for that (source, workflow) pair.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"overwatch/internal/logging"
	"overwatch/internal/media"
	"overwatch/internal/metrics"
	"overwatch/internal/source"
)

// DropPolicy selects which frame is shed when an edge queue is full.
type DropPolicy string

const (
	// DropOldest sheds the queued head so the newest frame gets through.
	// Default for frame edges: freshness wins.
	DropOldest DropPolicy = "drop_oldest"
	// DropNew sheds the incoming frame, preserving what is queued.
	DropNew DropPolicy = "drop_new"
)

// FrameSource is the slice of the stream ingestor the router needs.
type FrameSource interface {
	Subscribe(id, subscriberID string, bufferSize int) (*source.Subscription, error)
	Unsubscribe(sub *source.Subscription)
}

// EdgeConfig declares one workflow's subscription to one source.
type EdgeConfig struct {
	SourceID   string
	WorkflowID string
	TargetFPS  float64
	QueueDepth int
	DropPolicy DropPolicy
}

// EdgeStats is a point-in-time snapshot of an edge's counters.
type EdgeStats struct {
	FramesOffered         uint64
	FramesForwarded       uint64
	FramesDroppedThrottle uint64
	FramesDroppedQueue    uint64
	QueueDepth            int
}

// Edge is an active (source, workflow) delivery queue.
type Edge struct {
	cfg EdgeConfig
	out chan *media.Frame

	offered         atomic.Uint64
	forwarded       atomic.Uint64
	droppedThrottle atomic.Uint64
	droppedQueue    atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Frames returns the edge's delivery channel. It is closed after the edge is
// cancelled and drained; no frames are delivered afterwards.
func (e *Edge) Frames() <-chan *media.Frame { return e.out }

// Config returns the subscription parameters of this edge.
func (e *Edge) Config() EdgeConfig { return e.cfg }

// Stats returns the edge's counters.
func (e *Edge) Stats() EdgeStats {
	return EdgeStats{
		FramesOffered:         e.offered.Load(),
		FramesForwarded:       e.forwarded.Load(),
		FramesDroppedThrottle: e.droppedThrottle.Load(),
		FramesDroppedQueue:    e.droppedQueue.Load(),
		QueueDepth:            len(e.out),
	}
}

// Router manages all edges.
type Router struct {
	sources FrameSource
	log     *logrus.Entry
	metrics *metrics.Collector

	mu    sync.Mutex
	edges map[*Edge]*source.Subscription
}

// New creates a frame router on top of the stream ingestor.
func New(sources FrameSource, logger logging.Logger, mc *metrics.Collector) *Router {
	return &Router{
		sources: sources,
		log:     logging.Component(logger, "router"),
		metrics: mc,
		edges:   make(map[*Edge]*source.Subscription),
	}
}

// Subscribe creates an edge delivering the source's frames to a workflow at
// most at TargetFPS, over a bounded queue of QueueDepth.
func (r *Router) Subscribe(cfg EdgeConfig) (*Edge, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropOldest
	}
	if cfg.DropPolicy != DropOldest && cfg.DropPolicy != DropNew {
		return nil, fmt.Errorf("router: unknown drop policy %q", cfg.DropPolicy)
	}

	sub, err := r.sources.Subscribe(cfg.SourceID, cfg.WorkflowID, cfg.QueueDepth)
	if err != nil {
		return nil, fmt.Errorf("router: subscribe %s: %w", cfg.SourceID, err)
	}

	edge := &Edge{
		cfg:    cfg,
		out:    make(chan *media.Frame, cfg.QueueDepth),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.edges[edge] = sub
	r.mu.Unlock()

	go r.pump(edge, sub)

	r.log.WithFields(logrus.Fields{
		"source":   cfg.SourceID,
		"workflow": cfg.WorkflowID,
		"fps":      cfg.TargetFPS,
	}).Debug("edge subscribed")
	return edge, nil
}

// Unsubscribe cancels an edge: the upstream subscription is released, the
// queue drained and the delivery channel closed.
func (r *Router) Unsubscribe(edge *Edge) {
	if edge == nil {
		return
	}
	r.mu.Lock()
	sub, ok := r.edges[edge]
	if ok {
		delete(r.edges, edge)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	edge.stopOnce.Do(func() { close(edge.stopCh) })
	r.sources.Unsubscribe(sub)
	<-edge.done
}

// pump is the per-edge delivery loop: throttle on the frame's decode
// timestamp, then enqueue under the drop policy.
func (r *Router) pump(edge *Edge, sub *source.Subscription) {
	defer close(edge.done)
	defer close(edge.out)

	var interval time.Duration
	if edge.cfg.TargetFPS > 0 {
		interval = time.Duration(float64(time.Second) / edge.cfg.TargetFPS)
	}
	var lastForwarded time.Time

	labels := []string{edge.cfg.SourceID, edge.cfg.WorkflowID}
	for {
		select {
		case <-edge.stopCh:
			return
		case <-sub.Done:
			return
		case frame := <-sub.Frames:
			if frame == nil {
				continue
			}
			edge.offered.Add(1)
			if r.metrics != nil {
				r.metrics.FramesOffered.WithLabelValues(labels...).Inc()
			}

			if interval > 0 && !lastForwarded.IsZero() && frame.Timestamp.Sub(lastForwarded) < interval {
				edge.droppedThrottle.Add(1)
				if r.metrics != nil {
					r.metrics.FramesDroppedThrottle.WithLabelValues(labels...).Inc()
				}
				continue
			}

			if !r.enqueue(edge, frame) {
				edge.droppedQueue.Add(1)
				if r.metrics != nil {
					r.metrics.FramesDroppedQueue.WithLabelValues(labels...).Inc()
				}
				if edge.cfg.DropPolicy == DropNew {
					// The incoming frame was shed; the throttle window still
					// advances so a burst cannot bypass the FPS bound.
					lastForwarded = frame.Timestamp
					continue
				}
			}
			lastForwarded = frame.Timestamp
			edge.forwarded.Add(1)
			if r.metrics != nil {
				r.metrics.FramesForwarded.WithLabelValues(labels...).Inc()
				r.metrics.RouterQueueDepth.WithLabelValues(labels...).Set(float64(len(edge.out)))
			}
		}
	}
}

// enqueue places the frame on the edge queue, applying the drop policy when
// full. Returns false when the queue was full (a drop was recorded); under
// DropOldest the incoming frame is still enqueued.
func (r *Router) enqueue(edge *Edge, frame *media.Frame) bool {
	select {
	case edge.out <- frame:
		return true
	default:
	}

	if edge.cfg.DropPolicy == DropNew {
		return false
	}

	// DropOldest: shed the head, then enqueue. The pump is the only writer so
	// the retry cannot race another producer.
	select {
	case <-edge.out:
	default:
	}
	select {
	case edge.out <- frame:
	default:
	}
	return false
}

// Stats returns the counters of all live edges keyed by (source, workflow).
func (r *Router) Stats() map[string]EdgeStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]EdgeStats, len(r.edges))
	for edge := range r.edges {
		key := edge.cfg.SourceID + "/" + edge.cfg.WorkflowID
		out[key] = edge.Stats()
	}
	return out
}

// Close cancels every edge.
func (r *Router) Close() {
	r.mu.Lock()
	edges := make([]*Edge, 0, len(r.edges))
	for e := range r.edges {
		edges = append(edges, e)
	}
	r.mu.Unlock()
	for _, e := range edges {
		r.Unsubscribe(e)
	}
}
