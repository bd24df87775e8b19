package correlator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"overwatch/internal/logging"
)

var ErrStopped = errors.New("correlator stopped")

// Correlated is what the correlator hands to the alarm manager: the enriched
// event plus its unified confidence score. NewArrival is false when an active
// dedup window for the group key already exists.
type Correlated struct {
	Event      RawEvent
	GroupKey   string
	Score      float64
	NewArrival bool
}

// AlarmSink receives correlated events. The alarm manager implements this.
type AlarmSink interface {
	Apply(ctx context.Context, c Correlated) error
}

// EventWriter persists raw events. Writes may be batched; loss on crash is
// acceptable for raw events (alarms are the durable record).
type EventWriter interface {
	WriteEvent(ev RawEvent, groupKey string, score float64)
}

// DeviceInfo is the registry record used for enrichment and scoring.
type DeviceInfo struct {
	Tenant      string
	Site        string
	Area        string
	Location    string
	HealthScore float64 // 0..1, 1 = healthy
	FPRate      float64 // historical false-positive rate for this device, 0..1
	Tags        []string
}

// DeviceRegistry resolves device IDs during enrichment. A nil registry means
// events pass through unenriched.
type DeviceRegistry interface {
	Lookup(deviceID string) (DeviceInfo, bool)
}

// StaticRegistry is a map-backed DeviceRegistry, loaded from configuration.
type StaticRegistry map[string]DeviceInfo

func (r StaticRegistry) Lookup(deviceID string) (DeviceInfo, bool) {
	info, ok := r[deviceID]
	return info, ok
}

// ScoreWeights control the unified confidence computation. The three weights
// are normalised so they need not sum to one.
type ScoreWeights struct {
	Confidence float64
	Health     float64
	FPHistory  float64
}

// DefaultScoreWeights favour the model's own confidence.
var DefaultScoreWeights = ScoreWeights{Confidence: 0.6, Health: 0.2, FPHistory: 0.2}

// Options tune the correlator.
type Options struct {
	Window  time.Duration // dedup window per group key, default 30s
	Weights ScoreWeights
	Devices DeviceRegistry
	Writer  EventWriter
}

type window struct {
	openedAt time.Time
	lastAt   time.Time
	events   int
}

// Correlator deduplicates raw events into per-group windows and forwards
// scored arrivals to the alarm sink. Safe for concurrent Submit calls.
type Correlator struct {
	log     *logrus.Entry
	sink    AlarmSink
	opts    Options
	mu      sync.Mutex
	windows map[string]*window
	stopped bool
}

func New(logger logging.Logger, sink AlarmSink, opts Options) *Correlator {
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.Weights == (ScoreWeights{}) {
		opts.Weights = DefaultScoreWeights
	}
	return &Correlator{
		log:     logging.Component(logger, "correlator"),
		sink:    sink,
		opts:    opts,
		windows: make(map[string]*window),
	}
}

// Submit enriches, scores and forwards one raw event. The event's IngestedAt
// is stamped here; ObservedAt in the future is clamped to now so the
// ingested-after-observed invariant holds.
func (c *Correlator) Submit(ctx context.Context, ev RawEvent) error {
	now := time.Now()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ObservedAt.IsZero() || ev.ObservedAt.After(now) {
		ev.ObservedAt = now
	}
	ev.IngestedAt = now

	c.enrich(&ev)
	score := c.score(&ev)
	key := ev.GroupKey()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.prune(now)
	win, open := c.windows[key]
	if open {
		win.lastAt = now
		win.events++
	} else {
		c.windows[key] = &window{openedAt: now, lastAt: now, events: 1}
	}
	c.mu.Unlock()

	if c.opts.Writer != nil {
		c.opts.Writer.WriteEvent(ev, key, score)
	}

	corr := Correlated{Event: ev, GroupKey: key, Score: score, NewArrival: !open}
	if err := c.sink.Apply(ctx, corr); err != nil {
		c.log.WithFields(logrus.Fields{"group_key": key, "event_id": ev.ID}).
			WithError(err).Error("alarm sink rejected event")
		return err
	}
	return nil
}

// enrich fills tenant/site/area/location and tags from the device registry
// when the event itself does not carry them.
func (c *Correlator) enrich(ev *RawEvent) {
	if c.opts.Devices == nil || ev.DeviceID == "" {
		return
	}
	info, ok := c.opts.Devices.Lookup(ev.DeviceID)
	if !ok {
		return
	}
	if ev.Tenant == "" {
		ev.Tenant = info.Tenant
	}
	if ev.Site == "" {
		ev.Site = info.Site
	}
	if ev.Area == "" {
		ev.Area = info.Area
	}
	if ev.Location == "" {
		ev.Location = info.Location
	}
	ev.Tags = append(ev.Tags, info.Tags...)
}

// score computes the unified confidence as the weighted mean of the event's
// own confidence, the device health score, and the complement of the device's
// historical false-positive rate. Devices absent from the registry contribute
// neutral values.
func (c *Correlator) score(ev *RawEvent) float64 {
	health, fpRate := 1.0, 0.0
	if c.opts.Devices != nil {
		if info, ok := c.opts.Devices.Lookup(ev.DeviceID); ok {
			health = info.HealthScore
			fpRate = info.FPRate
		}
	}
	w := c.opts.Weights
	total := w.Confidence + w.Health + w.FPHistory
	if total <= 0 {
		return ev.Attributes.Confidence
	}
	s := (w.Confidence*ev.Attributes.Confidence + w.Health*health + w.FPHistory*(1-fpRate)) / total
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return s
}

// prune drops windows whose last event is older than the dedup window.
// Caller holds the mutex.
func (c *Correlator) prune(now time.Time) {
	for key, win := range c.windows {
		if now.Sub(win.lastAt) > c.opts.Window {
			delete(c.windows, key)
		}
	}
}

// OpenWindows reports the currently active group keys, for status surfaces.
func (c *Correlator) OpenWindows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(time.Now())
	return len(c.windows)
}

// Close stops accepting events.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.windows = make(map[string]*window)
}
