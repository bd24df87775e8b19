package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"overwatch/internal/logging"
	"overwatch/internal/metrics"
	"overwatch/internal/model"
	"overwatch/internal/router"
	"overwatch/internal/source"
	"overwatch/internal/workflow"

	"overwatch/internal/events"
)

var (
	ErrValidation  = errors.New("workflow failed validation")
	ErrNotDeployed = errors.New("workflow not deployed")
)

const modelLoadTimeout = 30 * time.Second

// WorkflowStore is the slice of the persistence layer the engine needs.
type WorkflowStore interface {
	SaveWorkflowVersion(ctx context.Context, w *workflow.Workflow) error
	SetWorkflowStatus(ctx context.Context, id string, version int, status workflow.Status) error
	GetLatestWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
}

// Options configure the engine.
type Options struct {
	// Cameras maps camera node cameraId values to their stream configs.
	Cameras  map[string]source.Config
	Tenant   string
	FailFast bool
}

// Engine owns the set of running workflow instances and their lifecycle.
type Engine struct {
	log      *logrus.Entry
	mc       *metrics.Collector
	bus      *events.Bus
	sources  *source.Manager
	router   *router.Router
	registry *model.Registry
	store    WorkflowStore
	actions  *ActionWorker
	links    *linkRegistry
	tenant   string
	opts     Options

	mu        sync.Mutex
	instances map[string]*Instance
	deployed  map[string]*workflow.Workflow
}

func New(logger logging.Logger, mc *metrics.Collector, bus *events.Bus,
	sources *source.Manager, rtr *router.Router, registry *model.Registry,
	st WorkflowStore, actions *ActionWorker, opts Options) *Engine {
	return &Engine{
		log:       logging.Component(logger, "engine"),
		mc:        mc,
		bus:       bus,
		sources:   sources,
		router:    rtr,
		registry:  registry,
		store:     st,
		actions:   actions,
		links:     newLinkRegistry(),
		tenant:    opts.Tenant,
		opts:      opts,
		instances: make(map[string]*Instance),
		deployed:  make(map[string]*workflow.Workflow),
	}
}

// Validate runs the full validator with link names resolvable against every
// deployed workflow.
func (e *Engine) Validate(w *workflow.Workflow) workflow.Result {
	return workflow.Validate(w, e.links.Has)
}

// Deploy validates and persists the version, replaces any running instance
// of the same workflow and starts the new one.
func (e *Engine) Deploy(ctx context.Context, w *workflow.Workflow) (workflow.Result, error) {
	doc := w.Clone()
	if err := workflow.Migrate(doc); err != nil {
		return workflow.Result{}, err
	}
	res := e.Validate(doc)
	if !res.OK() {
		return res, fmt.Errorf("workflow %s: %w", doc.ID, ErrValidation)
	}

	if e.store != nil {
		persisted := doc.Clone()
		persisted.Status = workflow.StatusDraft
		if err := e.store.SaveWorkflowVersion(ctx, persisted); err != nil {
			return res, err
		}
	}

	e.mu.Lock()
	prev := e.instances[doc.ID]
	delete(e.instances, doc.ID)
	e.deployed[doc.ID] = doc
	e.mu.Unlock()
	if prev != nil {
		e.teardown(ctx, prev)
	}

	if err := e.Start(ctx, doc.ID); err != nil {
		return res, err
	}
	return res, nil
}

// Start instantiates and runs the latest deployed version of the workflow.
func (e *Engine) Start(ctx context.Context, id string) error {
	e.mu.Lock()
	doc, ok := e.deployed[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("workflow %s: %w", id, ErrNotDeployed)
	}
	if _, running := e.instances[id]; running {
		e.mu.Unlock()
		return nil // idempotent
	}
	e.mu.Unlock()

	// The instance holds its own snapshot with configs merged in.
	snapshot := doc.Clone()
	applyConfigNodes(snapshot)

	inst, err := e.build(snapshot, e.opts.FailFast)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, raced := e.instances[id]; raced {
		e.mu.Unlock()
		inst.releaseHandlers()
		inst.cancel()
		return nil
	}
	e.instances[id] = inst
	e.mu.Unlock()

	inst.start()
	e.setStoredStatus(ctx, doc, workflow.StatusRunning)
	e.log.WithFields(logrus.Fields{"workflow_id": id, "version": doc.Version}).Info("workflow started")
	return nil
}

// Stop cancels the workflow's instance and releases everything it holds.
func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	delete(e.instances, id)
	doc := e.deployed[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrNotDeployed)
	}

	e.teardown(ctx, inst)
	if doc != nil {
		e.setStoredStatus(ctx, doc, workflow.StatusStopped)
	}
	e.log.WithField("workflow_id", id).Info("workflow stopped")
	return nil
}

// Restart stops then starts the same deployed version.
func (e *Engine) Restart(ctx context.Context, id string) error {
	if err := e.Stop(ctx, id); err != nil {
		return err
	}
	return e.Start(ctx, id)
}

func (e *Engine) teardown(ctx context.Context, inst *Instance) {
	inst.stop()
	for _, sid := range inst.ownedSources {
		if err := e.sources.Stop(sid, teardownTimeout); err != nil {
			e.log.WithField("source_id", sid).WithError(err).Debug("owned source stop")
		}
	}
}

func (e *Engine) setStoredStatus(ctx context.Context, doc *workflow.Workflow, st workflow.Status) {
	if e.store == nil {
		return
	}
	if err := e.store.SetWorkflowStatus(ctx, doc.ID, doc.Version, st); err != nil {
		e.log.WithField("workflow_id", doc.ID).WithError(err).Warn("status persist failed")
	}
}

// Close stops every running instance.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	insts := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	e.instances = make(map[string]*Instance)
	e.mu.Unlock()
	for _, inst := range insts {
		e.teardown(ctx, inst)
	}
}

// Status reports one instance's condition.
func (e *Engine) Status(id string) (InstanceStatus, error) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return InstanceStatus{}, fmt.Errorf("workflow %s: %w", id, ErrNotDeployed)
	}
	return inst.Status(), nil
}

// Statuses reports every running instance, ordered by workflow ID.
func (e *Engine) Statuses() []InstanceStatus {
	e.mu.Lock()
	insts := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	e.mu.Unlock()

	out := make([]InstanceStatus, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

// ExportYAML renders the deployed document of the workflow canonically.
func (e *Engine) ExportYAML(id string) ([]byte, error) {
	e.mu.Lock()
	doc, ok := e.deployed[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotDeployed)
	}
	return workflow.ExportYAML(doc)
}

// DiffPreview compares the deployed version against a candidate document,
// for showing operators what a deploy would change.
func (e *Engine) DiffPreview(id string, candidate *workflow.Workflow) (workflow.Diff, error) {
	e.mu.Lock()
	doc, ok := e.deployed[id]
	e.mu.Unlock()
	if !ok {
		return workflow.Diff{}, fmt.Errorf("workflow %s: %w", id, ErrNotDeployed)
	}
	return workflow.Compare(doc, candidate), nil
}

// buildHandler constructs the runtime handler for one node. Load failures
// for models and sources produce a failedHandler so the node surfaces an
// error state while the rest of the workflow runs.
func (e *Engine) buildHandler(inst *Instance, rn *runtimeNode) (handler, error) {
	cfg := rn.node.Data.Config
	switch rn.node.Type {
	case workflow.TypeCamera, workflow.TypeVideoInput, workflow.TypeYoutube:
		return e.buildInputHandler(inst, rn)

	case workflow.TypeModel:
		ctx, cancel := context.WithTimeout(context.Background(), modelLoadTimeout)
		defer cancel()
		handle, err := e.registry.Acquire(ctx, cfgString(cfg, "modelId", ""), cfg)
		if err != nil {
			return &failedHandler{err: fmt.Errorf("model load: %w", err)}, nil
		}
		return newModelHandler(inst, rn, handle), nil

	case workflow.TypeParkingViolation:
		ctx, cancel := context.WithTimeout(context.Background(), modelLoadTimeout)
		defer cancel()
		handle, err := e.registry.Acquire(ctx, cfgString(cfg, "modelId", ""), cfg)
		if err != nil {
			return &failedHandler{err: fmt.Errorf("tracking model load: %w", err)}, nil
		}
		return newParkingHandler(inst, rn, handle), nil

	case workflow.TypeZone:
		return newZoneHandler(rn), nil

	case workflow.TypeDetectionFilter:
		return newFilterHandler(rn), nil

	case workflow.TypeDayNightDetector:
		return newDayNightHandler(inst, rn), nil

	case workflow.TypeAudioExtractor:
		sourceID, err := inst.resolveUpstreamSource(rn.node.ID)
		if err != nil {
			return &failedHandler{err: err}, nil
		}
		return newAudioExtractorHandler(inst, rn, sourceID), nil

	case workflow.TypeAudioAI:
		ctx, cancel := context.WithTimeout(context.Background(), modelLoadTimeout)
		defer cancel()
		eng, release, err := e.registry.AcquireAudio(ctx, cfgString(cfg, "modelId", ""), cfg)
		if err != nil {
			return &failedHandler{err: fmt.Errorf("audio model load: %w", err)}, nil
		}
		return newAudioAIHandler(rn, eng, release), nil

	case workflow.TypeAudioVU:
		return newAudioVUHandler(rn), nil

	case workflow.TypeAction:
		return newActionNodeHandler(inst, rn), nil

	case workflow.TypeLinkIn:
		return linkInHandler{}, nil
	case workflow.TypeLinkOut:
		return linkOutHandler{}, nil
	case workflow.TypeLinkCall:
		return &linkCallHandler{inst: inst, target: cfgString(cfg, "target", "")}, nil
	case workflow.TypeCatch:
		return catchHandler{}, nil

	case workflow.TypeDataPreview, workflow.TypeDebug:
		return newPreviewHandler(inst, rn), nil
	}
	return nil, fmt.Errorf("no runtime handler for node type %q", rn.node.Type)
}

// buildInputHandler resolves the node's source, starts it and subscribes a
// router edge for it.
func (e *Engine) buildInputHandler(inst *Instance, rn *runtimeNode) (handler, error) {
	cfg := rn.node.Data.Config
	fps := cfgInt(cfg, "fps", 0)

	var sourceID string
	switch rn.node.Type {
	case workflow.TypeCamera:
		sourceID = cfgString(cfg, "cameraId", "")
		srcCfg, known := e.opts.Cameras[sourceID]
		if !known {
			// The camera may have been started out of band.
			if _, err := e.sources.State(sourceID); err != nil {
				return &failedHandler{err: fmt.Errorf("camera %q not registered", sourceID)}, nil
			}
		} else {
			if q := cfgString(cfg, "quality", ""); q != "" {
				srcCfg.Quality = source.Quality(q)
			}
			if err := e.sources.Start(srcCfg); err != nil {
				return &failedHandler{err: fmt.Errorf("camera %q: %w", sourceID, err)}, nil
			}
		}

	case workflow.TypeVideoInput:
		sourceID = inst.wf.ID + ":" + rn.node.ID
		srcCfg := source.Config{
			ID:        sourceID,
			Kind:      source.KindFile,
			Location:  cfgString(cfg, "source", ""),
			TargetFPS: fps,
		}
		if err := e.sources.Start(srcCfg); err != nil {
			return &failedHandler{err: fmt.Errorf("video input: %w", err)}, nil
		}
		inst.ownedSources = append(inst.ownedSources, sourceID)

	case workflow.TypeYoutube:
		sourceID = inst.wf.ID + ":" + rn.node.ID
		srcCfg := source.Config{
			ID:        sourceID,
			Kind:      source.KindURL,
			Location:  cfgString(cfg, "url", ""),
			Quality:   source.Quality(cfgString(cfg, "quality", string(source.QualityMed))),
			TargetFPS: fps,
		}
		if err := e.sources.Start(srcCfg); err != nil {
			return &failedHandler{err: fmt.Errorf("youtube input: %w", err)}, nil
		}
		inst.ownedSources = append(inst.ownedSources, sourceID)
	}

	edge, err := e.router.Subscribe(router.EdgeConfig{
		SourceID:   sourceID,
		WorkflowID: inst.wf.ID + "/" + rn.node.ID,
		TargetFPS:  float64(fps),
		QueueDepth: 30,
		DropPolicy: router.DropOldest,
	})
	if err != nil {
		return &failedHandler{err: fmt.Errorf("router subscribe: %w", err)}, nil
	}
	inst.sourceByInput[rn.node.ID] = sourceID
	return &inputHandler{inst: inst, edge: edge}, nil
}

// failedHandler raises its construction error once the workflow starts, so
// a broken node surfaces as a persistent node error without blocking the
// rest of the graph.
type failedHandler struct {
	err error
}

func (h *failedHandler) run(ctx context.Context, _ func(payload)) error {
	return h.err
}

func (h *failedHandler) process(context.Context, payload, func(payload)) error { return nil }

func (h *failedHandler) close() {}
