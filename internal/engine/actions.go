package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"overwatch/internal/correlator"
	"overwatch/internal/logging"
	"overwatch/internal/media"
	"overwatch/internal/source"
)

const (
	actionQueueDepth     = 128
	actionWorkers        = 4
	defaultRetries       = 3
	defaultActionTimeout = 10 * time.Second
	retryBaseDelay       = 500 * time.Millisecond
)

// EventEmitter accepts raw events produced by alert actions. The correlator
// implements this.
type EventEmitter interface {
	Submit(ctx context.Context, ev correlator.RawEvent) error
}

// SnapshotIndexer records captured snapshot and recording files.
type SnapshotIndexer interface {
	IndexSnapshot(ctx context.Context, alarmID, workflowID string, ts time.Time, path, format string) error
}

// SMTPConfig is the outbound mail relay used by email actions.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// ActionRequest is one fire-and-forget job handed to the worker pool by an
// action node.
type ActionRequest struct {
	WorkflowID string
	NodeID     string
	SiteID     string
	Tenant     string
	Config     map[string]interface{}

	Detections *media.DetectionSet
	AudioData  *media.AudioResult
	NodeErr    *nodeError

	ZonePolygons [][][2]float64

	// onError reports back into the emitting node's error accounting after
	// retries are exhausted.
	onError func(error)
}

// ActionWorker executes actions off the graph's hot path with its own retry
// policy. The queue drops new work when full; delivery is best-effort.
type ActionWorker struct {
	log     *logrus.Entry
	queue   chan ActionRequest
	emitter EventEmitter
	indexer SnapshotIndexer
	sources FrameBufferSource
	smtp    SMTPConfig
	client  *http.Client

	snapshotDir  string
	recordingDir string

	stop chan struct{}
	done chan struct{}
}

// FrameBufferSource is the slice of the stream ingestor record and snapshot
// actions need.
type FrameBufferSource interface {
	Latest(id string) *media.Frame
	Buffer(id string, d time.Duration) []*media.Frame
	Subscribe(id, subscriberID string, bufferSize int) (*source.Subscription, error)
	Unsubscribe(sub *source.Subscription)
}

func NewActionWorker(logger logging.Logger, emitter EventEmitter, indexer SnapshotIndexer,
	sources FrameBufferSource, smtpCfg SMTPConfig, snapshotDir, recordingDir string) *ActionWorker {
	w := &ActionWorker{
		log:          logging.Component(logger, "actions"),
		queue:        make(chan ActionRequest, actionQueueDepth),
		emitter:      emitter,
		indexer:      indexer,
		sources:      sources,
		smtp:         smtpCfg,
		client:       &http.Client{},
		snapshotDir:  snapshotDir,
		recordingDir: recordingDir,
		stop:         make(chan struct{}),
		done:         make(chan struct{}, actionWorkers),
	}
	for i := 0; i < actionWorkers; i++ {
		go w.loop()
	}
	return w
}

// Enqueue submits a request without blocking the graph.
func (w *ActionWorker) Enqueue(req ActionRequest) {
	select {
	case w.queue <- req:
	default:
		w.log.WithFields(logrus.Fields{
			"workflow_id": req.WorkflowID, "node_id": req.NodeID,
		}).Warn("action queue full, dropping request")
	}
}

// Close stops the workers after the in-flight jobs finish.
func (w *ActionWorker) Close() {
	close(w.stop)
	for i := 0; i < actionWorkers; i++ {
		<-w.done
	}
}

func (w *ActionWorker) loop() {
	defer func() { w.done <- struct{}{} }()
	for {
		select {
		case <-w.stop:
			return
		case req := <-w.queue:
			w.execute(req)
		}
	}
}

// execute dispatches by actionType with the shared retry policy. Alert and
// log actions do not retry; delivery actions do.
func (w *ActionWorker) execute(req ActionRequest) {
	actionType := cfgString(req.Config, "actionType", "")
	var err error
	switch actionType {
	case "log":
		err = w.runLog(req)
	case "alert":
		err = w.runAlert(req)
	case "email":
		err = w.withRetries(req, defaultRetries, w.runEmail)
	case "webhook":
		err = w.withRetries(req, cfgInt(req.Config, "retries", defaultRetries), w.runWebhook)
	case "snapshot":
		err = w.withRetries(req, defaultRetries, w.runSnapshot)
	case "record":
		err = w.runRecord(req) // recording is long-running; one attempt
	default:
		err = fmt.Errorf("unknown action type %q", actionType)
	}
	if err != nil {
		w.log.WithFields(logrus.Fields{
			"workflow_id": req.WorkflowID, "node_id": req.NodeID, "action": actionType,
		}).WithError(err).Error("action failed")
		if req.onError != nil {
			req.onError(fmt.Errorf("action %s: %w", actionType, err))
		}
	}
}

func (w *ActionWorker) withRetries(req ActionRequest, retries int, fn func(ActionRequest) error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << uint(attempt-1)
			select {
			case <-w.stop:
				return err
			case <-time.After(delay):
			}
		}
		if err = fn(req); err == nil {
			return nil
		}
	}
	return fmt.Errorf("retries exhausted: %w", err)
}

func (w *ActionWorker) runLog(req ActionRequest) error {
	entry := w.log.WithFields(logrus.Fields{
		"workflow_id": req.WorkflowID, "node_id": req.NodeID,
	})
	if req.Detections != nil {
		entry = entry.WithField("detections", len(req.Detections.Detections))
	}
	if req.AudioData != nil {
		entry = entry.WithField("sound_class", req.AudioData.SoundClass)
	}
	msg := cfgString(req.Config, "message", "action triggered")
	switch cfgString(req.Config, "level", "info") {
	case "debug":
		entry.Debug(msg)
	case "warn":
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

// runAlert projects the triggering payload into a raw event for the
// correlator. Severity informs the baseline confidence when the payload
// carries none of its own.
func (w *ActionWorker) runAlert(req ActionRequest) error {
	if w.emitter == nil {
		return fmt.Errorf("no event emitter configured")
	}
	severity := cfgString(req.Config, "severity", "info")
	ev := correlator.RawEvent{
		Tenant: req.Tenant,
		Site:   req.SiteID,
		Tags:   []string{"severity:" + severity},
	}
	switch {
	case req.Detections != nil:
		ev.DeviceID = req.Detections.SourceID
		ev.ObservedAt = req.Detections.Timestamp
		if len(req.Detections.Detections) > 0 {
			top := req.Detections.Detections[0]
			ev.Type = top.ClassName
			ev.Attributes = correlator.Attributes{
				Confidence: top.Confidence,
				Count:      len(req.Detections.Detections),
				Label:      cfgString(req.Config, "message", top.ClassName),
			}
		}
	case req.AudioData != nil:
		ev.DeviceID = req.AudioData.SourceID
		ev.ObservedAt = req.AudioData.Timestamp
		ev.Type = req.AudioData.SoundClass
		if ev.Type == "" {
			ev.Type = "audio"
		}
		ev.Attributes = correlator.Attributes{
			Confidence: req.AudioData.Confidence,
			Label:      req.AudioData.Text,
		}
	case req.NodeErr != nil:
		ev.DeviceID = req.NodeErr.NodeID
		ev.ObservedAt = req.NodeErr.Timestamp
		ev.Type = "node_error"
		ev.Attributes = correlator.Attributes{Label: req.NodeErr.Message}
	default:
		return fmt.Errorf("alert with no payload")
	}
	if ev.Attributes.Confidence == 0 {
		ev.Attributes.Confidence = severityBaseline(severity)
	}
	if ev.Type == "" {
		ev.Type = "alert"
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultActionTimeout)
	defer cancel()
	return w.emitter.Submit(ctx, ev)
}

func severityBaseline(severity string) float64 {
	switch severity {
	case "critical":
		return 0.9
	case "warning":
		return 0.6
	default:
		return 0.3
	}
}

func (w *ActionWorker) runEmail(req ActionRequest) error {
	if w.smtp.Host == "" {
		return fmt.Errorf("smtp relay not configured")
	}
	to := cfgString(req.Config, "to", "")
	recipients := []string{to}
	recipients = append(recipients, cfgStringList(req.Config, "cc")...)

	subject := cfgString(req.Config, "subject", "Overwatch alert")
	var body strings.Builder
	fmt.Fprintf(&body, "Workflow %s node %s triggered.\r\n", req.WorkflowID, req.NodeID)
	if req.Detections != nil && cfgBool(req.Config, "includeDetections", false) {
		raw, err := json.MarshalIndent(req.Detections.Detections, "", "  ")
		if err == nil {
			fmt.Fprintf(&body, "\r\nDetections:\r\n%s\r\n", raw)
		}
	}
	if cfgBool(req.Config, "includeSnapshot", false) && req.Detections != nil && req.Detections.Frame != nil {
		path, err := w.captureSnapshot(req, "jpg", 85, true, false)
		if err != nil {
			w.log.WithError(err).Warn("email snapshot capture failed")
		} else {
			fmt.Fprintf(&body, "\r\nSnapshot: %s\r\n", path)
		}
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		w.smtp.From, strings.Join(recipients, ", "), subject, body.String())

	addr := fmt.Sprintf("%s:%d", w.smtp.Host, w.smtp.Port)
	var auth smtp.Auth
	if w.smtp.Username != "" {
		auth = smtp.PlainAuth("", w.smtp.Username, w.smtp.Password, w.smtp.Host)
	}
	if err := smtp.SendMail(addr, auth, w.smtp.From, recipients, []byte(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (w *ActionWorker) runWebhook(req ActionRequest) error {
	url := cfgString(req.Config, "url", "")
	method := cfgString(req.Config, "method", "POST")
	timeout := time.Duration(cfgInt(req.Config, "timeoutSec", 10)) * time.Second

	body := map[string]interface{}{
		"workflow_id": req.WorkflowID,
		"node_id":     req.NodeID,
		"timestamp":   time.Now().Format(time.RFC3339Nano),
	}
	if req.Detections != nil {
		body["detections"] = req.Detections.Detections
		body["source_id"] = req.Detections.SourceID
	}
	if req.AudioData != nil {
		body["audio"] = req.AudioData
	}
	if req.NodeErr != nil {
		body["error"] = req.NodeErr
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if headers, ok := req.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}
	if secret := cfgString(req.Config, "secretKey", ""); secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(raw)
		httpReq.Header.Set("X-Overwatch-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func (w *ActionWorker) runSnapshot(req ActionRequest) error {
	format := cfgString(req.Config, "format", "jpg")
	quality := cfgInt(req.Config, "quality", 85)
	drawBoxes := cfgBool(req.Config, "drawBoxes", true)
	drawZones := cfgBool(req.Config, "drawZones", false)
	_, err := w.captureSnapshot(req, format, quality, drawBoxes, drawZones)
	return err
}
