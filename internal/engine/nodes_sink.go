package engine

import (
	"context"
	"time"

	"overwatch/internal/events"
	"overwatch/internal/workflow"
)

// actionNodeHandler hands payloads to the action worker pool. Delivery is
// fire-and-forget from the graph's perspective; exhausted retries surface
// back through the node's error accounting.
type actionNodeHandler struct {
	inst  *Instance
	rn    *runtimeNode
	zones [][][2]float64
}

func newActionNodeHandler(inst *Instance, rn *runtimeNode) *actionNodeHandler {
	h := &actionNodeHandler{inst: inst, rn: rn}
	// Zone outlines for snapshot rendering come from the workflow document.
	for i := range inst.wf.Nodes {
		n := &inst.wf.Nodes[i]
		if n.Type == workflow.TypeZone {
			if poly := cfgPolygon(n.Data.Config, "polygon"); len(poly) >= 3 {
				h.zones = append(h.zones, poly)
			}
		}
	}
	return h
}

func (h *actionNodeHandler) process(_ context.Context, p payload, emit func(payload)) error {
	req := ActionRequest{
		WorkflowID:   h.inst.wf.ID,
		NodeID:       h.rn.node.ID,
		SiteID:       h.inst.wf.SiteID,
		Tenant:       h.inst.eng.tenant,
		Config:       h.rn.node.Data.Config,
		Detections:   p.detections,
		AudioData:    p.audioData,
		NodeErr:      p.nodeErr,
		ZonePolygons: h.zones,
		onError: func(err error) {
			h.inst.recordError(h.rn, err, false)
		},
	}
	h.inst.eng.actions.Enqueue(req)
	return nil
}

func (h *actionNodeHandler) close() {}

// previewHandler forwards payload summaries to the event bus; dataPreview
// and debug nodes share it.
type previewHandler struct {
	inst  *Instance
	rn    *runtimeNode
	label string
}

func newPreviewHandler(inst *Instance, rn *runtimeNode) *previewHandler {
	return &previewHandler{
		inst:  inst,
		rn:    rn,
		label: cfgString(rn.node.Data.Config, "label", rn.node.ID),
	}
}

func (h *previewHandler) process(_ context.Context, p payload, emit func(payload)) error {
	kind := events.StatusUpdate
	if p.detections != nil {
		kind = events.Detection
	}
	summary := p.summary()
	summary["label"] = h.label
	h.inst.publish(events.Event{
		Kind:       kind,
		WorkflowID: h.inst.wf.ID,
		NodeID:     h.rn.node.ID,
		Timestamp:  time.Now(),
		Payload:    summary,
	})
	return nil
}

func (h *previewHandler) close() {}
