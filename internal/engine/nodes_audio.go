package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"overwatch/internal/media"
	"overwatch/internal/model"
)

// audioExtractorHandler pulls the source's audio sidechannel and re-chunks
// it into buffers of the configured duration. Buffering is time-driven and
// independent of the video frame rate.
type audioExtractorHandler struct {
	inst     *Instance
	sourceID string
	buffer   time.Duration
}

func newAudioExtractorHandler(inst *Instance, rn *runtimeNode, sourceID string) *audioExtractorHandler {
	cfg := rn.node.Data.Config
	bufferSec := cfgFloat(cfg, "bufferSec", 2)
	return &audioExtractorHandler{
		inst:     inst,
		sourceID: sourceID,
		buffer:   time.Duration(bufferSec * float64(time.Second)),
	}
}

func (h *audioExtractorHandler) run(ctx context.Context, emit func(payload)) error {
	sub, err := h.inst.eng.sources.SubscribeAudio(h.sourceID, 32)
	if err != nil {
		return fmt.Errorf("audio subscribe %s: %w", h.sourceID, err)
	}
	defer h.inst.eng.sources.UnsubscribeAudio(sub)

	var (
		samples    []int16
		accumDur   time.Duration
		sampleRate int
		channels   int
		seq        uint64
		startTS    time.Time
	)
	flush := func() {
		if len(samples) == 0 {
			return
		}
		seq++
		emit(audioPayload(&media.AudioChunk{
			SourceID:   h.sourceID,
			Seq:        seq,
			Samples:    samples,
			SampleRate: sampleRate,
			Channels:   channels,
			Duration:   accumDur,
			Timestamp:  startTS,
		}))
		samples = nil
		accumDur = 0
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done:
			flush()
			return nil
		case chunk, ok := <-sub.Chunks:
			if !ok {
				flush()
				return nil
			}
			if len(samples) == 0 {
				startTS = chunk.Timestamp
				sampleRate = chunk.SampleRate
				channels = chunk.Channels
			}
			samples = append(samples, chunk.Samples...)
			accumDur += chunk.Duration
			if accumDur >= h.buffer {
				flush()
			}
		}
	}
}

func (h *audioExtractorHandler) process(context.Context, payload, func(payload)) error { return nil }

func (h *audioExtractorHandler) close() {}

// audioAIHandler feeds buffered chunks to a transcription/classification
// engine and tags keyword hits.
type audioAIHandler struct {
	engine   model.AudioEngine
	release  func()
	cfg      map[string]interface{}
	keywords []string
	minConf  float64
}

func newAudioAIHandler(rn *runtimeNode, eng model.AudioEngine, release func()) *audioAIHandler {
	cfg := rn.node.Data.Config
	return &audioAIHandler{
		engine:   eng,
		release:  release,
		cfg:      cfg,
		keywords: cfgStringList(cfg, "keywords"),
		minConf:  cfgFloat(cfg, "confidence", 0),
	}
}

func (h *audioAIHandler) process(ctx context.Context, p payload, emit func(payload)) error {
	if p.audio == nil {
		return nil
	}
	res, err := h.engine.Process(ctx, p.audio, h.cfg)
	if err != nil {
		return fmt.Errorf("audio engine: %w", err)
	}
	if res == nil || res.Confidence < h.minConf {
		return nil
	}
	if len(h.keywords) > 0 && res.Text != "" {
		lower := strings.ToLower(res.Text)
		for _, kw := range h.keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				res.KeywordsDetected = append(res.KeywordsDetected, kw)
			}
		}
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = p.audio.Timestamp
	}
	emit(audioDataPayload(res))
	return nil
}

func (h *audioAIHandler) close() {
	if h.release != nil {
		h.release()
	}
}

// audioVUHandler computes the normalised RMS level of each chunk and emits
// trigger events when the level crosses the threshold, with hysteresis and a
// configurable edge policy.
type audioVUHandler struct {
	threshold  float64
	hysteresis float64
	edge       string // rising, falling, continuous
	interval   time.Duration

	above    bool
	lastEmit time.Time
}

func newAudioVUHandler(rn *runtimeNode) *audioVUHandler {
	cfg := rn.node.Data.Config
	return &audioVUHandler{
		threshold:  cfgFloat(cfg, "threshold", 0.5),
		hysteresis: cfgFloat(cfg, "hysteresis", 0.05),
		edge:       cfgString(cfg, "edge", "rising"),
		interval:   time.Duration(cfgInt(cfg, "intervalMs", 1000)) * time.Millisecond,
	}
}

func rmsLevel(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func (h *audioVUHandler) process(_ context.Context, p payload, emit func(payload)) error {
	if p.audio == nil {
		return nil
	}
	level := rmsLevel(p.audio.Samples)

	wasAbove := h.above
	if !wasAbove && level >= h.threshold {
		h.above = true
	} else if wasAbove && level < h.threshold-h.hysteresis {
		h.above = false
	}

	trigger := false
	switch h.edge {
	case "rising":
		trigger = h.above && !wasAbove
	case "falling":
		trigger = !h.above && wasAbove
	case "continuous":
		if h.above && p.audio.Timestamp.Sub(h.lastEmit) >= h.interval {
			trigger = true
		}
	}
	if !trigger {
		return nil
	}
	h.lastEmit = p.audio.Timestamp

	emit(audioDataPayload(&media.AudioResult{
		SourceID:   p.audio.SourceID,
		SoundClass: "level_" + h.edge,
		Confidence: math.Min(level, 1),
		Timestamp:  p.audio.Timestamp,
	}))
	return nil
}

func (h *audioVUHandler) close() {}
