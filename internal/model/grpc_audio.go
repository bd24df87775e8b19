package model

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"overwatch/internal/media"
)

// GRPCAudioEngine runs transcription/classification against a remote audio
// service over the same JSON call codec the detection engine uses.
type GRPCAudioEngine struct {
	endpoint string
	modelID  string
	conn     *grpc.ClientConn
}

const processMethod = "/overwatch.inference.v1.Inference/ProcessAudio"

func NewGRPCAudioEngine(endpoint, modelID string) *GRPCAudioEngine {
	return &GRPCAudioEngine{endpoint: endpoint, modelID: modelID}
}

// GRPCAudioFactory wraps a remote endpoint as a registry audio factory.
func GRPCAudioFactory(endpoint, modelID string, info Info) AudioFactory {
	return AudioFactory{
		New:  func() AudioEngine { return NewGRPCAudioEngine(endpoint, modelID) },
		Info: info,
	}
}

func (g *GRPCAudioEngine) Initialize(ctx context.Context, config map[string]interface{}) error {
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	conn, err := grpc.NewClient(g.endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", g.endpoint, err)
	}
	g.conn = conn
	return nil
}

type audioRequest struct {
	ModelID    string                 `json:"model_id"`
	Samples    []int16                `json:"samples"`
	SampleRate int                    `json:"sample_rate"`
	Channels   int                    `json:"channels"`
	Config     map[string]interface{} `json:"config,omitempty"`
}

type audioResponse struct {
	Text             string   `json:"text,omitempty"`
	Language         string   `json:"language,omitempty"`
	SoundClass       string   `json:"sound_class,omitempty"`
	Confidence       float64  `json:"confidence"`
	KeywordsDetected []string `json:"keywords_detected,omitempty"`
}

// Process sends the chunk to the remote service and maps the response.
func (g *GRPCAudioEngine) Process(ctx context.Context, chunk *media.AudioChunk, config map[string]interface{}) (*media.AudioResult, error) {
	if g.conn == nil {
		return nil, fmt.Errorf("grpc audio engine %s: not initialized", g.modelID)
	}

	req := &audioRequest{
		ModelID:    g.modelID,
		Samples:    chunk.Samples,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Config:     config,
	}
	resp := &audioResponse{}
	if err := g.conn.Invoke(ctx, processMethod, req, resp); err != nil {
		return nil, fmt.Errorf("remote audio: %w", err)
	}

	return &media.AudioResult{
		SourceID:         chunk.SourceID,
		Text:             resp.Text,
		Language:         resp.Language,
		SoundClass:       resp.SoundClass,
		Confidence:       resp.Confidence,
		KeywordsDetected: resp.KeywordsDetected,
		Timestamp:        chunk.Timestamp,
	}, nil
}

func (g *GRPCAudioEngine) Cleanup() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

var _ AudioEngine = (*GRPCAudioEngine)(nil)
