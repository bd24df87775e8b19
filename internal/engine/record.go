package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// runRecord captures a clip around the triggering moment: the source's ring
// buffer supplies the pre-event segment, a live subscription supplies the
// rest, and ffmpeg muxes the concatenated MJPEG stream into the requested
// container.
func (w *ActionWorker) runRecord(req ActionRequest) error {
	if req.Detections == nil {
		return fmt.Errorf("record requires an upstream detection payload")
	}
	sourceID := req.Detections.SourceID

	duration := time.Duration(cfgInt(req.Config, "durationSec", 30)) * time.Second
	preBuffer := time.Duration(cfgInt(req.Config, "preBufferSec", 5)) * time.Second
	postBuffer := time.Duration(cfgInt(req.Config, "postBufferSec", 0)) * time.Second
	format := cfgString(req.Config, "format", "mp4")

	if err := os.MkdirAll(w.recordingDir, 0o755); err != nil {
		return fmt.Errorf("recording dir: %w", err)
	}
	started := time.Now()
	name := fmt.Sprintf("%s_%s_%d.%s", req.WorkflowID, sourceID, started.UnixMilli(), format)
	path := filepath.Join(w.recordingDir, name)

	cmd := exec.Command("ffmpeg",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-i", "-",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-y", path,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	writeErr := func() error {
		defer stdin.Close()

		for _, f := range w.sources.Buffer(sourceID, preBuffer) {
			if _, err := stdin.Write(f.Data); err != nil {
				return fmt.Errorf("write pre-buffer frame: %w", err)
			}
		}

		sub, err := w.sources.Subscribe(sourceID, "record-"+uuid.NewString(), 60)
		if err != nil {
			return fmt.Errorf("record subscribe %s: %w", sourceID, err)
		}
		defer w.sources.Unsubscribe(sub)

		deadline := time.NewTimer(duration + postBuffer)
		defer deadline.Stop()
		for {
			select {
			case <-w.stop:
				return nil
			case <-deadline.C:
				return nil
			case <-sub.Done:
				return nil
			case f, ok := <-sub.Frames:
				if !ok {
					return nil
				}
				if _, err := stdin.Write(f.Data); err != nil {
					return fmt.Errorf("write frame: %w", err)
				}
			}
		}
	}()

	if err := cmd.Wait(); err != nil && writeErr == nil {
		return fmt.Errorf("ffmpeg mux: %w", err)
	}
	if writeErr != nil {
		return writeErr
	}

	if w.indexer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultActionTimeout)
		defer cancel()
		if err := w.indexer.IndexSnapshot(ctx, "", req.WorkflowID, started, path, format); err != nil {
			w.log.WithError(err).Warn("recording index write failed")
		}
	}
	w.log.WithField("path", path).Info("recording captured")
	return nil
}
