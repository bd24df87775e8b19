package engine

import (
	"context"
	"fmt"
	"time"

	"overwatch/internal/events"
	"overwatch/internal/media"
	"overwatch/internal/model"
	"overwatch/internal/router"
)

// inputHandler pumps frames from the router edge into the graph.
type inputHandler struct {
	inst *Instance
	edge *router.Edge
}

func (h *inputHandler) run(ctx context.Context, emit func(payload)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-h.edge.Frames():
			if !ok {
				return nil
			}
			emit(framePayload(f))
		}
	}
}

func (h *inputHandler) process(context.Context, payload, func(payload)) error { return nil }

func (h *inputHandler) close() {
	h.inst.eng.router.Unsubscribe(h.edge)
}

// modelHandler invokes the shared inference engine with a per-node FPS
// throttle and filters the raw detections by class and confidence.
type modelHandler struct {
	inst    *Instance
	nodeID  string
	handle  *model.Handle
	det     model.DetectConfig
	classes map[int]bool
	conf    float64

	interval time.Duration
	last     time.Time
}

func newModelHandler(inst *Instance, rn *runtimeNode, handle *model.Handle) *modelHandler {
	cfg := rn.node.Data.Config
	h := &modelHandler{
		inst:    inst,
		nodeID:  rn.node.ID,
		handle:  handle,
		conf:    cfgFloat(cfg, "confidence", 0.5),
		classes: make(map[int]bool),
	}
	for _, c := range cfgIntList(cfg, "classes") {
		h.classes[c] = true
	}
	h.det = model.DetectConfig{
		Confidence:    h.conf,
		Classes:       cfgIntList(cfg, "classes"),
		IOU:           cfgFloat(cfg, "iou", 0.45),
		MaxDetections: cfgInt(cfg, "maxDetections", 100),
	}
	if fps := cfgInt(cfg, "fps", 0); fps > 0 {
		h.interval = time.Duration(float64(time.Second) / float64(fps))
	}
	return h
}

func (h *modelHandler) process(ctx context.Context, p payload, emit func(payload)) error {
	if p.frame == nil {
		return nil
	}
	// Throttle on frame timestamps so replayed streams behave like live ones.
	if h.interval > 0 && !h.last.IsZero() && p.frame.Timestamp.Sub(h.last) < h.interval {
		return nil
	}
	h.last = p.frame.Timestamp

	deadline := h.interval
	if deadline <= 0 {
		deadline = time.Second
	}
	started := time.Now()
	raw, err := h.handle.Detect(ctx, p.frame, h.det)
	if err != nil {
		return fmt.Errorf("model %s: %w", h.handle.ModelID(), err)
	}
	if elapsed := time.Since(started); elapsed > deadline {
		h.inst.log.WithField("node_id", h.nodeID).
			Debugf("inference took %s, over the %s budget", elapsed, deadline)
	}

	kept := raw[:0]
	for _, d := range raw {
		if d.Confidence < h.conf {
			continue
		}
		if len(h.classes) > 0 && !h.classes[d.ClassID] {
			continue
		}
		if d.ClassName == "" {
			d.ClassName = media.COCOClassName(d.ClassID)
		}
		kept = append(kept, d)
	}

	set := &media.DetectionSet{
		SourceID:   p.frame.SourceID,
		WorkflowID: h.inst.wf.ID,
		NodeID:     h.nodeID,
		FrameSeq:   p.frame.Seq,
		Timestamp:  p.frame.Timestamp,
		Detections: kept,
		Frame:      p.frame,
	}
	if len(kept) > 0 {
		h.inst.publish(events.Event{
			Kind: events.Detection, WorkflowID: h.inst.wf.ID, NodeID: h.nodeID,
			Timestamp: time.Now(), Payload: detectionsPayload(set).summary(),
		})
	}
	emit(detectionsPayload(set))
	return nil
}

func (h *modelHandler) close() {
	h.handle.Release()
}

// zoneHandler filters detections by polygon containment of each detection's
// anchor point.
type zoneHandler struct {
	polygon   [][2]float64
	include   bool
	anchor    string
	label     string
	cooldown  time.Duration
	dwell     time.Duration
	lastEmit  time.Time
	firstSeen map[int]time.Time // track id -> first in-zone sighting
}

func newZoneHandler(rn *runtimeNode) *zoneHandler {
	cfg := rn.node.Data.Config
	return &zoneHandler{
		polygon:   cfgPolygon(cfg, "polygon"),
		include:   cfgString(cfg, "filterType", "include") == "include",
		anchor:    cfgString(cfg, "anchor", "center"),
		label:     cfgString(cfg, "label", ""),
		cooldown:  time.Duration(cfgInt(cfg, "cooldownSec", 0)) * time.Second,
		dwell:     time.Duration(cfgInt(cfg, "dwellSec", 0)) * time.Second,
		firstSeen: make(map[int]time.Time),
	}
}

func (h *zoneHandler) anchorPoint(d media.Detection) (float64, float64) {
	if h.anchor == "bottom" {
		return d.BBox.CenterX(), d.BBox.Y2
	}
	return d.BBox.CenterX(), d.BBox.CenterY()
}

func (h *zoneHandler) process(_ context.Context, p payload, emit func(payload)) error {
	if p.detections == nil {
		return nil
	}
	now := p.detections.Timestamp
	seen := make(map[int]bool)

	var kept []media.Detection
	for _, d := range p.detections.Detections {
		x, y := h.anchorPoint(d)
		in := pointInPolygon(x, y, h.polygon)
		if in && d.TrackID != nil {
			seen[*d.TrackID] = true
			if _, ok := h.firstSeen[*d.TrackID]; !ok {
				h.firstSeen[*d.TrackID] = now
			}
		}
		if in != h.include {
			continue
		}
		// Dwell gating only applies to tracked detections inside the zone.
		if h.dwell > 0 && h.include && d.TrackID != nil {
			if now.Sub(h.firstSeen[*d.TrackID]) < h.dwell {
				continue
			}
		}
		kept = append(kept, d)
	}
	for id := range h.firstSeen {
		if !seen[id] {
			delete(h.firstSeen, id)
		}
	}

	if len(kept) == 0 {
		return nil
	}
	if h.cooldown > 0 {
		if !h.lastEmit.IsZero() && now.Sub(h.lastEmit) < h.cooldown {
			return nil
		}
		h.lastEmit = now
	}

	out := *p.detections
	out.Detections = kept
	emit(detectionsPayload(&out))
	return nil
}

func (h *zoneHandler) close() {}

// filterHandler applies class, confidence and count predicates. The count
// scope is explicit: per_frame counts one set, window accumulates matches
// across a rolling time window.
type filterHandler struct {
	classes map[int]bool
	minConf float64
	minCnt  int
	maxCnt  int
	hasMin  bool
	hasMax  bool

	windowed bool
	windowMs int
	hits     []countSample
}

type countSample struct {
	at    time.Time
	count int
}

func newFilterHandler(rn *runtimeNode) *filterHandler {
	cfg := rn.node.Data.Config
	h := &filterHandler{
		classes:  make(map[int]bool),
		minConf:  cfgFloat(cfg, "minConfidence", 0),
		windowed: cfgString(cfg, "scope", "per_frame") == "window",
		windowMs: cfgInt(cfg, "windowMs", 1000),
	}
	for _, c := range cfgIntList(cfg, "classes") {
		h.classes[c] = true
	}
	if _, ok := cfg["minCount"]; ok {
		h.hasMin = true
		h.minCnt = cfgInt(cfg, "minCount", 0)
	}
	if _, ok := cfg["maxCount"]; ok {
		h.hasMax = true
		h.maxCnt = cfgInt(cfg, "maxCount", 0)
	}
	return h
}

func (h *filterHandler) process(_ context.Context, p payload, emit func(payload)) error {
	if p.detections == nil {
		return nil
	}
	var kept []media.Detection
	for _, d := range p.detections.Detections {
		if d.Confidence < h.minConf {
			continue
		}
		if len(h.classes) > 0 && !h.classes[d.ClassID] {
			continue
		}
		kept = append(kept, d)
	}

	count := len(kept)
	if h.windowed {
		now := p.detections.Timestamp
		h.hits = append(h.hits, countSample{at: now, count: count})
		cutoff := now.Add(-time.Duration(h.windowMs) * time.Millisecond)
		for len(h.hits) > 0 && h.hits[0].at.Before(cutoff) {
			h.hits = h.hits[1:]
		}
		count = 0
		for _, s := range h.hits {
			count += s.count
		}
	}

	if h.hasMin && count < h.minCnt {
		return nil
	}
	if h.hasMax && count > h.maxCnt {
		return nil
	}
	if len(kept) == 0 {
		return nil
	}

	out := *p.detections
	out.Detections = kept
	emit(detectionsPayload(&out))
	return nil
}

func (h *filterHandler) close() {}

// parkingHandler runs a tracking model over frames and emits a violation set
// when a tracked object dwells inside the restricted zone past the limit.
type parkingHandler struct {
	inst    *Instance
	nodeID  string
	handle  *model.Handle
	det     model.DetectConfig
	polygon [][2]float64
	dwell   time.Duration

	entered  map[int]time.Time
	violated map[int]bool
}

func newParkingHandler(inst *Instance, rn *runtimeNode, handle *model.Handle) *parkingHandler {
	cfg := rn.node.Data.Config
	return &parkingHandler{
		inst:    inst,
		nodeID:  rn.node.ID,
		handle:  handle,
		polygon: cfgPolygon(cfg, "polygon"),
		dwell:   time.Duration(cfgInt(cfg, "dwellSec", 60)) * time.Second,
		det: model.DetectConfig{
			Confidence:    cfgFloat(cfg, "confidence", 0.4),
			Classes:       cfgIntList(cfg, "classes"),
			MaxDetections: 50,
		},
		entered:  make(map[int]time.Time),
		violated: make(map[int]bool),
	}
}

func (h *parkingHandler) process(ctx context.Context, p payload, emit func(payload)) error {
	if p.frame == nil {
		return nil
	}
	dets, err := h.handle.Detect(ctx, p.frame, h.det)
	if err != nil {
		return fmt.Errorf("tracking model %s: %w", h.handle.ModelID(), err)
	}

	now := p.frame.Timestamp
	inZone := make(map[int]bool)
	var violations []media.Detection

	for _, d := range dets {
		if d.TrackID == nil {
			continue // tracking is required for dwell timing
		}
		id := *d.TrackID
		if !pointInPolygon(d.BBox.CenterX(), d.BBox.CenterY(), h.polygon) {
			continue
		}
		inZone[id] = true
		first, ok := h.entered[id]
		if !ok {
			h.entered[id] = now
			continue
		}
		if now.Sub(first) >= h.dwell && !h.violated[id] {
			h.violated[id] = true
			if d.ClassName == "" {
				d.ClassName = media.COCOClassName(d.ClassID)
			}
			violations = append(violations, d)
		}
	}

	// Dwell resets when the object leaves the zone.
	for id := range h.entered {
		if !inZone[id] {
			delete(h.entered, id)
			delete(h.violated, id)
		}
	}

	if len(violations) == 0 {
		return nil
	}
	set := &media.DetectionSet{
		SourceID:   p.frame.SourceID,
		WorkflowID: h.inst.wf.ID,
		NodeID:     h.nodeID,
		FrameSeq:   p.frame.Seq,
		Timestamp:  now,
		Detections: violations,
		Frame:      p.frame,
	}
	h.inst.publish(events.Event{
		Kind: events.Detection, WorkflowID: h.inst.wf.ID, NodeID: h.nodeID,
		Timestamp: time.Now(), Payload: detectionsPayload(set).summary(),
	})
	emit(detectionsPayload(set))
	return nil
}

func (h *parkingHandler) close() {
	h.handle.Release()
}

// Scene states reported by the day/night detector.
const (
	SceneDay   = "day"
	SceneDusk  = "dusk"
	SceneNight = "night"
	SceneIR    = "ir"
)

// dayNightHandler samples scene brightness at a fixed interval and emits a
// transition event when the classification changes with enough margin.
type dayNightHandler struct {
	inst   *Instance
	nodeID string

	interval   time.Duration
	dusk       float64
	night      float64
	hysteresis float64

	lastSample time.Time
	state      string
}

func newDayNightHandler(inst *Instance, rn *runtimeNode) *dayNightHandler {
	cfg := rn.node.Data.Config
	h := &dayNightHandler{
		inst:       inst,
		nodeID:     rn.node.ID,
		interval:   time.Duration(cfgInt(cfg, "intervalSec", 10)) * time.Second,
		dusk:       cfgFloat(cfg, "duskThreshold", 0.35),
		night:      cfgFloat(cfg, "nightThreshold", 0.12),
		hysteresis: cfgFloat(cfg, "hysteresis", 0.05),
	}
	if h.hysteresis < 0.05 {
		h.hysteresis = 0.05
	}
	return h
}

func (h *dayNightHandler) classify(brightness, saturation float64) string {
	if saturation < 0.05 && brightness >= h.night {
		return SceneIR
	}
	switch {
	case brightness < h.night:
		return SceneNight
	case brightness < h.dusk:
		return SceneDusk
	default:
		return SceneDay
	}
}

func (h *dayNightHandler) process(_ context.Context, p payload, emit func(payload)) error {
	if p.frame == nil {
		return nil
	}
	now := p.frame.Timestamp
	if !h.lastSample.IsZero() && now.Sub(h.lastSample) < h.interval {
		return nil
	}
	h.lastSample = now

	brightness, saturation, err := sceneStats(p.frame.Data)
	if err != nil {
		return fmt.Errorf("scene sample: %w", err)
	}

	next := h.classify(brightness, saturation)
	if next == h.state {
		return nil
	}
	// Require the brightness to clear the boundary by the hysteresis margin
	// so flickering around a threshold cannot flap the state.
	if h.state != "" && next != SceneIR && h.state != SceneIR {
		boundary := h.dusk
		if next == SceneNight || h.state == SceneNight {
			boundary = h.night
		}
		if brightness > boundary-h.hysteresis && brightness < boundary+h.hysteresis {
			return nil
		}
	}

	prev := h.state
	h.state = next
	set := &media.DetectionSet{
		SourceID:   p.frame.SourceID,
		WorkflowID: h.inst.wf.ID,
		NodeID:     h.nodeID,
		FrameSeq:   p.frame.Seq,
		Timestamp:  now,
		Detections: []media.Detection{{
			ClassName:  "scene_" + next,
			Confidence: 1,
			SourceID:   p.frame.SourceID,
			FrameSeq:   p.frame.Seq,
			Timestamp:  now,
		}},
		Frame: p.frame,
	}
	h.inst.publish(events.Event{
		Kind: events.StatusUpdate, WorkflowID: h.inst.wf.ID, NodeID: h.nodeID,
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"scene_from": prev, "scene_to": next,
			"brightness": brightness, "saturation": saturation,
		},
	})
	emit(detectionsPayload(set))
	return nil
}

func (h *dayNightHandler) close() {}
