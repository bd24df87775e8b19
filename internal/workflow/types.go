// Package workflow holds the user-authored graph document model, the static
// port-compatibility registry, per-node config schemas and the deploy-time
// validator. Validation is total: a workflow that fails it can never enter
// the running state.
package workflow

import (
	"encoding/json"
	"fmt"
)

// CurrentSchemaVersion is the workflow document schema the runtime speaks
// natively. Older versions are migrated on load; newer ones are rejected.
const CurrentSchemaVersion = 2

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// EdgeKind is the payload type carried by an edge.
type EdgeKind string

const (
	KindVideo      EdgeKind = "video"
	KindDetections EdgeKind = "detections"
	KindAudio      EdgeKind = "audio"
	KindAudioData  EdgeKind = "audio_data"
	KindConfig     EdgeKind = "config"
	KindDebug      EdgeKind = "debug"
)

// Node types form a closed set; the validator rejects anything else.
const (
	TypeCamera           = "camera"
	TypeVideoInput       = "videoInput"
	TypeYoutube          = "youtube"
	TypeModel            = "model"
	TypeZone             = "zone"
	TypeDetectionFilter  = "detectionFilter"
	TypeParkingViolation = "parkingViolation"
	TypeDayNightDetector = "dayNightDetector"
	TypeAudioExtractor   = "audioExtractor"
	TypeAudioAI          = "audioAI"
	TypeAudioVU          = "audioVU"
	TypeAction           = "action"
	TypeLinkIn           = "linkIn"
	TypeLinkOut          = "linkOut"
	TypeLinkCall         = "linkCall"
	TypeCatch            = "catch"
	TypeConfig           = "config"
	TypeDataPreview      = "dataPreview"
	TypeDebug            = "debug"
)

// NodeTypes lists every valid node type.
var NodeTypes = []string{
	TypeCamera, TypeVideoInput, TypeYoutube, TypeModel, TypeZone,
	TypeDetectionFilter, TypeParkingViolation, TypeDayNightDetector,
	TypeAudioExtractor, TypeAudioAI, TypeAudioVU, TypeAction,
	TypeLinkIn, TypeLinkOut, TypeLinkCall, TypeCatch, TypeConfig,
	TypeDataPreview, TypeDebug,
}

// Position is the editor placement of a node. The runtime carries it only
// for round-tripping documents.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// NodeData wraps the per-type configuration payload.
type NodeData struct {
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Node is one processing unit inside a workflow.
type Node struct {
	ID       string   `json:"id" yaml:"id"`
	Type     string   `json:"type" yaml:"type"`
	Position Position `json:"position" yaml:"position"`
	Data     NodeData `json:"data" yaml:"data"`
}

// EdgeData carries the declared payload kind of an edge.
type EdgeData struct {
	Type EdgeKind `json:"type" yaml:"type"`
}

// Edge is a typed connection between two node ports.
type Edge struct {
	ID           string   `json:"id" yaml:"id"`
	Source       string   `json:"source" yaml:"source"`
	Target       string   `json:"target" yaml:"target"`
	SourceHandle string   `json:"sourceHandle" yaml:"sourceHandle"`
	TargetHandle string   `json:"targetHandle" yaml:"targetHandle"`
	Data         EdgeData `json:"data" yaml:"data"`
}

// Workflow is a versioned, user-authored graph document. A deployed version
// is immutable; editing produces a new version.
type Workflow struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Version       int    `json:"version" yaml:"version"`
	SchemaVersion int    `json:"schema_version" yaml:"schema_version"`
	SiteID        string `json:"site_id,omitempty" yaml:"site_id,omitempty"`
	IsMaster      bool   `json:"is_master" yaml:"is_master"`
	Nodes         []Node `json:"nodes" yaml:"nodes"`
	Edges         []Edge `json:"edges" yaml:"edges"`
	Status        Status `json:"status,omitempty" yaml:"status,omitempty"`
}

// Node returns the node with the given ID, or nil.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Clone deep-copies the workflow document. The running engine holds a clone
// so later edits cannot mutate the deployed instance.
func (w *Workflow) Clone() *Workflow {
	raw, err := json.Marshal(w)
	if err != nil {
		// The document is plain data; marshal cannot fail for valid input.
		panic(fmt.Sprintf("workflow clone: %v", err))
	}
	var out Workflow
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("workflow clone: %v", err))
	}
	return &out
}

// InputNodeTypes reports whether a node type is a stream input.
func IsInputType(t string) bool {
	return t == TypeCamera || t == TypeVideoInput || t == TypeYoutube
}

// IsSinkType reports whether a node type terminates a branch.
func IsSinkType(t string) bool {
	return t == TypeAction || t == TypeDebug || t == TypeDataPreview || t == TypeLinkOut
}

// Migrate upgrades a workflow document to the current schema version in
// place. Returns an error when the version is unknown or newer than the
// runtime supports.
func Migrate(w *Workflow) error {
	switch w.SchemaVersion {
	case CurrentSchemaVersion:
		return nil
	case 1:
		// v1 spelled the config edge kind "configuration".
		for i := range w.Edges {
			if string(w.Edges[i].Data.Type) == "configuration" {
				w.Edges[i].Data.Type = KindConfig
			}
		}
		w.SchemaVersion = CurrentSchemaVersion
		return nil
	default:
		return fmt.Errorf("workflow %s: unsupported schema version %d (runtime speaks %d)",
			w.ID, w.SchemaVersion, CurrentSchemaVersion)
	}
}
