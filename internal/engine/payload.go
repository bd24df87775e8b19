// Package engine runs deployed workflows: one scheduler per workflow, one
// long-lived worker per node, bounded channels between them. Input nodes pull
// from the frame router; everything downstream wakes on arrival.
package engine

import (
	"time"

	"overwatch/internal/media"
	"overwatch/internal/workflow"
)

// payload is the unit of data flowing over node edges. Exactly one of the
// pointer fields is set, matching kind. reply and depth carry link-call
// plumbing through kind-transparent nodes.
type payload struct {
	kind       workflow.EdgeKind
	frame      *media.Frame
	detections *media.DetectionSet
	audio      *media.AudioChunk
	audioData  *media.AudioResult
	nodeErr    *nodeError

	reply chan payload // set while traversing a linkCall subflow
	depth int          // linkCall nesting depth
}

// nodeError is the payload routed to catch nodes when a node trips its
// error threshold or a single processing call fails.
type nodeError struct {
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id"`
	NodeType   string    `json:"node_type"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Persistent bool      `json:"persistent"`
}

func framePayload(f *media.Frame) payload {
	return payload{kind: workflow.KindVideo, frame: f}
}

func detectionsPayload(d *media.DetectionSet) payload {
	return payload{kind: workflow.KindDetections, detections: d}
}

func audioPayload(c *media.AudioChunk) payload {
	return payload{kind: workflow.KindAudio, audio: c}
}

func audioDataPayload(r *media.AudioResult) payload {
	return payload{kind: workflow.KindAudioData, audioData: r}
}

// summary renders a compact observability view of the payload for the event
// bus and debug sinks.
func (p payload) summary() map[string]interface{} {
	out := map[string]interface{}{"kind": string(p.kind)}
	switch {
	case p.frame != nil:
		out["source_id"] = p.frame.SourceID
		out["sequence"] = p.frame.Seq
		out["width"] = p.frame.Width
		out["height"] = p.frame.Height
	case p.detections != nil:
		out["source_id"] = p.detections.SourceID
		out["count"] = len(p.detections.Detections)
		classes := make([]string, 0, len(p.detections.Detections))
		for _, d := range p.detections.Detections {
			classes = append(classes, d.ClassName)
		}
		out["classes"] = classes
	case p.audio != nil:
		out["source_id"] = p.audio.SourceID
		out["duration_ms"] = p.audio.Duration.Milliseconds()
		out["sample_rate"] = p.audio.SampleRate
	case p.audioData != nil:
		out["source_id"] = p.audioData.SourceID
		if p.audioData.Text != "" {
			out["text"] = p.audioData.Text
		}
		if p.audioData.SoundClass != "" {
			out["sound_class"] = p.audioData.SoundClass
		}
		out["confidence"] = p.audioData.Confidence
	case p.nodeErr != nil:
		out["node_id"] = p.nodeErr.NodeID
		out["message"] = p.nodeErr.Message
	}
	return out
}
