package events

import (
	"sync"
	"time"
)

// Kind identifies the class of an observability event.
type Kind string

const (
	NodeStarted       Kind = "NODE_STARTED"
	NodeCompleted     Kind = "NODE_COMPLETED"
	NodeError         Kind = "NODE_ERROR"
	StatusUpdate      Kind = "STATUS_UPDATE"
	MetricsUpdate     Kind = "METRICS_UPDATE"
	Detection         Kind = "DETECTION"
	WorkflowLifecycle Kind = "WORKFLOW_LIFECYCLE"
	SLABreach         Kind = "SLA_BREACH"
)

// Event is a single observability update flowing over the bus.
type Event struct {
	Kind       Kind        `json:"kind"`
	WorkflowID string      `json:"workflow_id,omitempty"`
	NodeID     string      `json:"node_id,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Payload    interface{} `json:"payload,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// DroppedFunc is invoked when a slow subscriber loses an event.
type DroppedFunc func(kind Kind)

// Bus is a single-process pub/sub with bounded history. Subscribers are
// scoped by workflow and/or node; each has its own bounded queue and slow
// subscribers lose their oldest queued events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]bool
	history     []Event
	historyCap  int
	onDropped   DroppedFunc
}

// Subscription is one attached bus consumer.
type Subscription struct {
	workflowFilter string
	nodeFilter     string
	ch             chan Event
	dropped        uint64
	mu             sync.Mutex
	closed         bool
}

// C returns the subscriber's receive channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber has lost to backpressure.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// NewBus creates a bus retaining up to historyCap past events.
func NewBus(historyCap int) *Bus {
	if historyCap <= 0 {
		historyCap = 1000
	}
	return &Bus{
		subscribers: make(map[*Subscription]bool),
		history:     make([]Event, 0, historyCap),
		historyCap:  historyCap,
	}
}

// OnDropped installs a callback for subscriber drops, used to surface a
// metric. Must be set before the first Publish.
func (b *Bus) OnDropped(fn DroppedFunc) {
	b.mu.Lock()
	b.onDropped = fn
	b.mu.Unlock()
}

// Subscribe attaches a consumer. Empty workflowID/nodeID mean "all".
// Returns the subscription and an unsubscribe function.
func (b *Bus) Subscribe(workflowID, nodeID string, bufferSize int) (*Subscription, func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	sub := &Subscription{
		workflowFilter: workflowID,
		nodeFilter:     nodeID,
		ch:             make(chan Event, bufferSize),
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return sub, func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			sub.mu.Lock()
			sub.closed = true
			close(sub.ch)
			sub.mu.Unlock()
		}
		b.mu.Unlock()
	}
}

// Publish fans an event out to every matching subscriber and appends it to
// the bounded history. Never blocks: a full subscriber queue sheds its oldest
// event to make room.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	if len(b.history) == b.historyCap {
		copy(b.history, b.history[1:])
		b.history = b.history[:b.historyCap-1]
	}
	b.history = append(b.history, ev)
	onDropped := b.onDropped
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if sub.workflowFilter != "" && sub.workflowFilter != ev.WorkflowID {
			continue
		}
		if sub.nodeFilter != "" && sub.nodeFilter != ev.NodeID {
			continue
		}
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Shed the oldest queued event, then retry once.
			select {
			case <-sub.ch:
				sub.dropped++
				if onDropped != nil {
					onDropped(ev.Kind)
				}
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				sub.dropped++
				if onDropped != nil {
					onDropped(ev.Kind)
				}
			}
		}
		sub.mu.Unlock()
	}
}

// History returns a copy of the retained events, oldest first. A non-empty
// workflowID restricts the result, and limit > 0 caps it (most recent kept).
func (b *Bus) History(workflowID string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.history))
	for _, ev := range b.history {
		if workflowID != "" && ev.WorkflowID != workflowID {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close detaches all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
		delete(b.subscribers, sub)
	}
}
