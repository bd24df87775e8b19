package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Transport delivers decoded frame payloads for one source connection. A
// transport instance covers one connection attempt; reconnects open a new
// one.
type Transport interface {
	// Open establishes the connection. Cancelling ctx aborts the attempt.
	Open(ctx context.Context) error

	// NextFrame blocks until a complete frame payload is available.
	// Returns io.EOF when the stream ends.
	NextFrame() (data []byte, width, height int, err error)

	// NextAudio blocks until a span of PCM samples is available. Transports
	// without an audio sidechannel return ErrNoAudio.
	NextAudio() (samples []int16, sampleRate int, err error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// ErrNoAudio is returned by transports that carry no audio sidechannel.
var ErrNoAudio = fmt.Errorf("source: transport has no audio sidechannel")

// TransportFactory builds a transport for a source configuration. The
// manager uses the ffmpeg factory by default; tests inject fakes.
type TransportFactory func(cfg Config) Transport

// NewFFmpegTransport decodes a source via an ffmpeg child process emitting
// an MJPEG image2pipe stream, the same shape the original capture path used.
func NewFFmpegTransport(cfg Config) Transport {
	return &ffmpegTransport{cfg: cfg}
}

type ffmpegTransport struct {
	cfg    Config
	cmd    *exec.Cmd
	stdout io.ReadCloser

	audioCmd    *exec.Cmd
	audioStdout io.ReadCloser
	audioOnce   sync.Once
	audioErr    error

	buf   []byte
	chunk []byte

	mu     sync.Mutex
	closed bool
}

func (t *ffmpegTransport) Open(ctx context.Context) error {
	args := t.videoArgs()
	t.cmd = exec.CommandContext(ctx, "ffmpeg", args...)

	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := t.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	// Drain stderr so ffmpeg never blocks on a full pipe.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	t.stdout = stdout
	t.buf = make([]byte, 0, 1<<20)
	t.chunk = make([]byte, 8192)
	return nil
}

func (t *ffmpegTransport) videoArgs() []string {
	fps := t.cfg.TargetFPS
	if fps <= 0 {
		fps = 10
	}

	var args []string
	switch t.cfg.Kind {
	case KindRTSP:
		args = []string{"-rtsp_transport", "tcp", "-i", t.cfg.Location}
	case KindFile:
		args = []string{"-re", "-i", t.cfg.Location}
	default:
		args = []string{"-i", t.cfg.Location}
	}

	args = append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-r", fmt.Sprintf("%d", fps),
		"-q:v", qualityFactor(t.cfg.Quality),
	)
	if scale := qualityScale(t.cfg.Quality); scale != "" {
		args = append(args, "-vf", scale)
	}
	return append(args, "-")
}

func qualityFactor(q Quality) string {
	switch q {
	case QualityLow:
		return "10"
	case QualityHigh:
		return "2"
	default:
		return "5"
	}
}

func qualityScale(q Quality) string {
	switch q {
	case QualityLow:
		return "scale=640:-2"
	case QualityMed:
		return "scale=1280:-2"
	default:
		return ""
	}
}

func (t *ffmpegTransport) NextFrame() ([]byte, int, int, error) {
	for {
		if frame := extractJPEGFrame(&t.buf); frame != nil {
			return frame, 0, 0, nil
		}

		n, err := t.stdout.Read(t.chunk)
		if err != nil {
			return nil, 0, 0, err
		}
		t.buf = append(t.buf, t.chunk[:n]...)
	}
}

// NextAudio spawns a second ffmpeg demuxing the source's audio track to
// 16 kHz mono PCM and reads fixed spans from it.
func (t *ffmpegTransport) NextAudio() ([]int16, int, error) {
	t.audioOnce.Do(t.openAudio)
	if t.audioErr != nil {
		return nil, 0, t.audioErr
	}

	const sampleRate = 16000
	const span = sampleRate / 10 // 100ms of samples per read
	raw := make([]byte, span*2)
	if _, err := io.ReadFull(t.audioStdout, raw); err != nil {
		return nil, 0, err
	}

	samples := make([]int16, span)
	for i := range samples {
		samples[i] = int16(raw[2*i]) | int16(raw[2*i+1])<<8
	}
	return samples, sampleRate, nil
}

func (t *ffmpegTransport) openAudio() {
	if t.cfg.Kind == KindURL && !strings.HasPrefix(t.cfg.Location, "http") {
		t.audioErr = ErrNoAudio
		return
	}

	args := []string{}
	if t.cfg.Kind == KindRTSP {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args,
		"-i", t.cfg.Location,
		"-vn",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-",
	)

	t.audioCmd = exec.Command("ffmpeg", args...)
	stdout, err := t.audioCmd.StdoutPipe()
	if err != nil {
		t.audioErr = fmt.Errorf("audio stdout pipe: %w", err)
		return
	}
	t.audioCmd.Stderr = nil
	if err := t.audioCmd.Start(); err != nil {
		t.audioErr = fmt.Errorf("start audio ffmpeg: %w", err)
		return
	}
	t.audioStdout = stdout
}

func (t *ffmpegTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	if t.audioCmd != nil && t.audioCmd.Process != nil {
		t.audioCmd.Process.Kill()
	}
	return nil
}

// extractJPEGFrame pulls one complete JPEG (FFD8..FFD9) out of the buffer,
// advancing it past the extracted bytes. Returns nil when no complete frame
// is buffered yet.
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	startIdx := -1
	for i := 0; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	endIdx := -1
	for i := startIdx + 2; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, buf[startIdx:endIdx])
	*buffer = buf[endIdx:]
	return frame
}
