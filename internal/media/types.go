package media

import (
	"fmt"
	"time"
)

// Frame represents one decoded video frame. Frames are immutable once
// published; consumers must treat Data as read-only and must not retain the
// frame past a single delivery (the owning source recycles the ring slot).
type Frame struct {
	SourceID  string
	Seq       uint64
	Data      []byte
	Width     int
	Height    int
	Channels  int
	Timestamp time.Time
}

// AudioChunk represents a buffered span of audio samples from a source's
// audio sidechannel.
type AudioChunk struct {
	SourceID   string
	Seq        uint64
	Samples    []int16
	SampleRate int
	Channels   int
	Duration   time.Duration
	Timestamp  time.Time
}

// BBox is a bounding box in pixel coordinates, x1/y1 top-left inclusive.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// CenterX returns the horizontal center of the box.
func (b BBox) CenterX() float64 { return (b.X1 + b.X2) / 2 }

// CenterY returns the vertical center of the box.
func (b BBox) CenterY() float64 { return (b.Y1 + b.Y2) / 2 }

// Detection is a single model observation for one frame.
type Detection struct {
	ClassID    int          `json:"class_id"`
	ClassName  string       `json:"class_name"`
	Confidence float64      `json:"confidence"`
	BBox       BBox         `json:"bbox"`
	Mask       [][]float64  `json:"mask,omitempty"`
	Keypoints  [][3]float64 `json:"keypoints,omitempty"`
	TrackID    *int         `json:"track_id,omitempty"`
	FrameSeq   uint64       `json:"frame_seq"`
	SourceID   string       `json:"source_id"`
	Timestamp  time.Time    `json:"timestamp"`
}

// DetectionSet groups the detections produced for a single frame so
// downstream nodes can reason about per-frame counts.
type DetectionSet struct {
	SourceID   string      `json:"source_id"`
	WorkflowID string      `json:"workflow_id"`
	NodeID     string      `json:"node_id"`
	FrameSeq   uint64      `json:"frame_seq"`
	Timestamp  time.Time   `json:"timestamp"`
	Detections []Detection `json:"detections"`
	Frame      *Frame      `json:"-"`
}

// AudioResult is the output of an audio AI node: either a transcription or a
// sound classification, depending on the engine.
type AudioResult struct {
	SourceID         string    `json:"source_id"`
	Text             string    `json:"text,omitempty"`
	Language         string    `json:"language,omitempty"`
	SoundClass       string    `json:"sound_class,omitempty"`
	Confidence       float64   `json:"confidence"`
	KeywordsDetected []string  `json:"keywords_detected,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// COCOClassName resolves well-known COCO class IDs to names. Unknown IDs map
// to "class_<id>" so emitted detections always carry a label.
func COCOClassName(id int) string {
	if name, ok := cocoClasses[id]; ok {
		return name
	}
	return fmt.Sprintf("class_%d", id)
}

var cocoClasses = map[int]string{
	0:  "person",
	1:  "bicycle",
	2:  "car",
	3:  "motorcycle",
	4:  "airplane",
	5:  "bus",
	6:  "train",
	7:  "truck",
	8:  "boat",
	9:  "traffic light",
	15: "cat",
	16: "dog",
	24: "backpack",
	26: "handbag",
	28: "suitcase",
	39: "bottle",
	56: "chair",
	63: "laptop",
	67: "cell phone",
}
