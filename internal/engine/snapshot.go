package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"overwatch/internal/media"
)

var (
	boxColor  = color.RGBA{R: 230, G: 57, B: 70, A: 255}
	zoneColor = color.RGBA{R: 80, G: 200, B: 120, A: 255}
)

// captureSnapshot renders the triggering frame with optional detection boxes
// and zone outlines, writes it under the snapshot directory and indexes it.
func (w *ActionWorker) captureSnapshot(req ActionRequest, format string, quality int,
	drawBoxes, drawZones bool) (string, error) {

	frame := snapshotFrame(req, w.sources)
	if frame == nil {
		return "", fmt.Errorf("no frame available for snapshot")
	}

	img, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	canvas := image.NewRGBA(img.Bounds())
	draw.Draw(canvas, canvas.Bounds(), img, img.Bounds().Min, draw.Src)

	if drawBoxes && req.Detections != nil {
		for _, d := range req.Detections.Detections {
			drawRect(canvas, d.BBox, boxColor)
		}
	}
	if drawZones {
		for _, poly := range req.ZonePolygons {
			drawPolygon(canvas, poly, zoneColor)
		}
	}

	if err := os.MkdirAll(w.snapshotDir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot dir: %w", err)
	}
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	name := fmt.Sprintf("%s_%s_%d.%s", req.WorkflowID, req.NodeID, ts.UnixMilli(), format)
	path := filepath.Join(w.snapshotDir, name)

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, canvas)
	default:
		err = jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	if w.indexer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultActionTimeout)
		defer cancel()
		if err := w.indexer.IndexSnapshot(ctx, "", req.WorkflowID, ts, path, format); err != nil {
			w.log.WithError(err).Warn("snapshot index write failed")
		}
	}
	return path, nil
}

// snapshotFrame prefers the frame referenced by the triggering detections
// and falls back to the source's most recent buffered frame.
func snapshotFrame(req ActionRequest, sources FrameBufferSource) *media.Frame {
	if req.Detections != nil && req.Detections.Frame != nil {
		return req.Detections.Frame
	}
	if req.Detections != nil && sources != nil {
		return sources.Latest(req.Detections.SourceID)
	}
	return nil
}

const strokeWidth = 2

func drawRect(canvas *image.RGBA, box media.BBox, c color.RGBA) {
	x1, y1 := int(box.X1), int(box.Y1)
	x2, y2 := int(box.X2), int(box.Y2)
	drawLine(canvas, x1, y1, x2, y1, c)
	drawLine(canvas, x2, y1, x2, y2, c)
	drawLine(canvas, x2, y2, x1, y2, c)
	drawLine(canvas, x1, y2, x1, y1, c)
}

func drawPolygon(canvas *image.RGBA, poly [][2]float64, c color.RGBA) {
	n := len(poly)
	if n < 2 {
		return
	}
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		drawLine(canvas, int(poly[i][0]), int(poly[i][1]), int(poly[j][0]), int(poly[j][1]), c)
	}
}

// drawLine is a Bresenham walk with a fixed stroke width.
func drawLine(canvas *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	dx := abs(x2 - x1)
	dy := -abs(y2 - y1)
	sx, sy := 1, 1
	if x1 > x2 {
		sx = -1
	}
	if y1 > y2 {
		sy = -1
	}
	errAcc := dx + dy

	x, y := x1, y1
	for {
		for ox := 0; ox < strokeWidth; ox++ {
			for oy := 0; oy < strokeWidth; oy++ {
				setPixel(canvas, x+ox, y+oy, c)
			}
		}
		if x == x2 && y == y2 {
			return
		}
		e2 := 2 * errAcc
		if e2 >= dy {
			errAcc += dy
			x += sx
		}
		if e2 <= dx {
			errAcc += dx
			y += sy
		}
	}
}

func setPixel(canvas *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(canvas.Bounds()) {
		canvas.SetRGBA(x, y, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
