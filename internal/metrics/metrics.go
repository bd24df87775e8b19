package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the Prometheus metrics exposed by the core runtime.
// Components receive the collector at construction and update their own
// series; nothing in here is HTTP-aware.
type Collector struct {
	registry *prometheus.Registry

	// Stream ingestor
	FramesDecoded    *prometheus.CounterVec
	FramesRingDrops  *prometheus.CounterVec
	SourceReconnects *prometheus.CounterVec
	SourceState      *prometheus.GaugeVec

	// Frame router
	FramesOffered         *prometheus.CounterVec
	FramesForwarded       *prometheus.CounterVec
	FramesDroppedThrottle *prometheus.CounterVec
	FramesDroppedQueue    *prometheus.CounterVec
	RouterQueueDepth      *prometheus.GaugeVec

	// Workflow engine
	NodeInvocations *prometheus.CounterVec
	NodeErrors      *prometheus.CounterVec
	ActiveWorkflows prometheus.Gauge

	// Event bus
	BusPublished *prometheus.CounterVec
	BusDropped   *prometheus.CounterVec

	// Alarms
	AlarmsOpen  *prometheus.GaugeVec
	SLABreaches *prometheus.CounterVec
}

// NewCollector creates and registers the runtime metric set on a private
// registry so tests can build collectors without global registration clashes.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.FramesDecoded = c.counter("overwatch_frames_decoded_total",
		"Frames decoded per source", []string{"source"})
	c.FramesRingDrops = c.counter("overwatch_ring_drops_total",
		"Frames evicted from a full ring buffer", []string{"source"})
	c.SourceReconnects = c.counter("overwatch_source_reconnects_total",
		"Reconnect attempts per source", []string{"source"})
	c.SourceState = c.gauge("overwatch_source_state",
		"Source state (1 for the active state label)", []string{"source", "state"})

	c.FramesOffered = c.counter("overwatch_router_frames_offered_total",
		"Frames offered to a router edge", []string{"source", "workflow"})
	c.FramesForwarded = c.counter("overwatch_router_frames_forwarded_total",
		"Frames forwarded on a router edge", []string{"source", "workflow"})
	c.FramesDroppedThrottle = c.counter("overwatch_router_frames_dropped_throttle_total",
		"Frames skipped by the per-edge FPS throttle", []string{"source", "workflow"})
	c.FramesDroppedQueue = c.counter("overwatch_router_frames_dropped_queue_total",
		"Frames dropped because the edge queue was full", []string{"source", "workflow"})
	c.RouterQueueDepth = c.gauge("overwatch_router_queue_depth",
		"Current queue depth per router edge", []string{"source", "workflow"})

	c.NodeInvocations = c.counter("overwatch_node_invocations_total",
		"Node work-item invocations", []string{"workflow", "node_type"})
	c.NodeErrors = c.counter("overwatch_node_errors_total",
		"Recoverable node errors", []string{"workflow", "node_type"})
	c.ActiveWorkflows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "overwatch_active_workflows",
		Help: "Workflows currently in running state",
	})
	c.registry.MustRegister(c.ActiveWorkflows)

	c.BusPublished = c.counter("overwatch_bus_published_total",
		"Events published to the event bus", []string{"kind"})
	c.BusDropped = c.counter("overwatch_bus_dropped_total",
		"Events dropped on slow bus subscribers", []string{"kind"})

	c.AlarmsOpen = c.gauge("overwatch_alarms_open",
		"Open (non-terminal) alarms", []string{"tenant", "severity"})
	c.SLABreaches = c.counter("overwatch_sla_breaches_total",
		"Alarm SLA deadline breaches", []string{"severity", "state"})

	return c
}

// Registry exposes the underlying registry for scraping or test assertions.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) counter(name, help string, labels []string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	c.registry.MustRegister(v)
	return v
}

func (c *Collector) gauge(name, help string, labels []string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	c.registry.MustRegister(v)
	return v
}
