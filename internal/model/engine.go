// Package model holds the inference engine registry. Engines are opaque
// transformers behind a uniform contract; the registry lazy-loads them,
// shares instances across workflows under reference counting and serialises
// access to engines that are not safe for concurrent calls.
package model

import (
	"context"

	"overwatch/internal/media"
)

// Status describes readiness of an engine or node type.
type Status string

const (
	StatusProduction     Status = "production"
	StatusNeedsConfig    Status = "needsConfig"
	StatusBeta           Status = "beta"
	StatusNotImplemented Status = "notImplemented"
)

// Info is the static description surfaced through the status API.
type Info struct {
	Status          Status   `json:"status"`
	Dependencies    []string `json:"dependencies"`
	DependenciesMet bool     `json:"dependencies_met"`
	SetupSteps      []string `json:"setup_steps"`
}

// DetectConfig carries the per-call detection parameters.
type DetectConfig struct {
	Confidence    float64
	Classes       []int
	IOU           float64
	MaxDetections int
}

// Engine is the capability contract every inference backend implements.
// Detect must tolerate concurrent invocation unless the engine was
// registered with ThreadSafe=false, in which case the registry serialises.
type Engine interface {
	Initialize(ctx context.Context, config map[string]interface{}) error
	Detect(ctx context.Context, frame *media.Frame, cfg DetectConfig) ([]media.Detection, error)
	Cleanup() error
}

// AudioEngine is the contract for transcription/classification backends
// driven by audioAI nodes.
type AudioEngine interface {
	Initialize(ctx context.Context, config map[string]interface{}) error
	Process(ctx context.Context, chunk *media.AudioChunk, config map[string]interface{}) (*media.AudioResult, error)
	Cleanup() error
}

// Factory declares how to construct one engine and whether its Detect is
// safe for concurrent callers.
type Factory struct {
	New        func() Engine
	ThreadSafe bool
	Info       Info
}

// AudioFactory declares how to construct one audio engine.
type AudioFactory struct {
	New  func() AudioEngine
	Info Info
}
