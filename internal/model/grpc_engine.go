package model

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"

	"overwatch/internal/media"
)

// GRPCEngine runs inference against a remote detection service. The wire
// contract is a unary Detect call with JSON-encoded messages, so no
// generated stubs are carried in this repository.
type GRPCEngine struct {
	endpoint string
	modelID  string
	conn     *grpc.ClientConn
}

const detectMethod = "/overwatch.inference.v1.Inference/Detect"

// NewGRPCEngine creates a remote engine for the given endpoint. The model ID
// is forwarded on each call so one service can host several models.
func NewGRPCEngine(endpoint, modelID string) *GRPCEngine {
	return &GRPCEngine{endpoint: endpoint, modelID: modelID}
}

// GRPCFactory wraps a remote endpoint as a registry factory. Remote engines
// are thread-safe: concurrency is the server's problem.
func GRPCFactory(endpoint, modelID string, info Info) Factory {
	return Factory{
		New:        func() Engine { return NewGRPCEngine(endpoint, modelID) },
		ThreadSafe: true,
		Info:       info,
	}
}

// Initialize dials the inference service with keepalive so dead connections
// are detected quickly.
func (g *GRPCEngine) Initialize(ctx context.Context, config map[string]interface{}) error {
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

type detectRequest struct {
	ModelID       string  `json:"model_id"`
	Frame         []byte  `json:"frame"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Confidence    float64 `json:"confidence"`
	Classes       []int   `json:"classes"`
	IOU           float64 `json:"iou,omitempty"`
	MaxDetections int     `json:"max_detections,omitempty"`
}

type detectResponse struct {
	Detections []remoteDetection `json:"detections"`
}

type remoteDetection struct {
	ClassID    int          `json:"class_id"`
	ClassName  string       `json:"class_name"`
	Confidence float64      `json:"confidence"`
	BBox       [4]float64   `json:"bbox"`
	Mask       [][]float64  `json:"mask,omitempty"`
	Keypoints  [][3]float64 `json:"keypoints,omitempty"`
	TrackID    *int         `json:"track_id,omitempty"`
}

// Detect sends the frame to the remote service and maps the response into
// runtime detections.
func (g *GRPCEngine) Detect(ctx context.Context, frame *media.Frame, cfg DetectConfig) ([]media.Detection, error) {
	if g.conn == nil {
		return nil, fmt.Errorf("grpc engine %s: not initialized", g.modelID)
	}

	req := &detectRequest{
		ModelID:       g.modelID,
		Frame:         frame.Data,
		Width:         frame.Width,
		Height:        frame.Height,
		Confidence:    cfg.Confidence,
		Classes:       cfg.Classes,
		IOU:           cfg.IOU,
		MaxDetections: cfg.MaxDetections,
	}
	resp := &detectResponse{}
	if err := g.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("remote detect: %w", err)
	}

	out := make([]media.Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		name := d.ClassName
		if name == "" {
			name = media.COCOClassName(d.ClassID)
		}
		out = append(out, media.Detection{
			ClassID:    d.ClassID,
			ClassName:  name,
			Confidence: d.Confidence,
			BBox:       media.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]},
			Mask:       d.Mask,
			Keypoints:  d.Keypoints,
			TrackID:    d.TrackID,
			FrameSeq:   frame.Seq,
			SourceID:   frame.SourceID,
			Timestamp:  frame.Timestamp,
		})
	}
	return out, nil
}

// Cleanup closes the client connection.
func (g *GRPCEngine) Cleanup() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

var _ Engine = (*GRPCEngine)(nil)
