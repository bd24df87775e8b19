package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"overwatch/internal/events"
	"overwatch/internal/workflow"
)

const (
	nodeQueueDepth  = 16
	errorThreshold  = 10
	errorRateWindow = 30 * time.Second
	maxLinkDepth    = 8
	teardownTimeout = 5 * time.Second
	errorLogSize    = 20
)

// NodeState is the runtime condition of one node worker.
type NodeState string

const (
	NodeRunning NodeState = "running"
	NodeErrored NodeState = "error"
	NodeStopped NodeState = "stopped"
)

// handler processes payloads for one node. emit forwards outputs downstream;
// the instance propagates link-call plumbing around it.
type handler interface {
	process(ctx context.Context, p payload, emit func(payload)) error
	close()
}

// pumped handlers drive themselves (input nodes, audio extraction) instead
// of reacting to inbound payloads.
type pumped interface {
	run(ctx context.Context, emit func(payload)) error
}

type outEdge struct {
	kind   workflow.EdgeKind
	target *runtimeNode
}

type runtimeNode struct {
	node *workflow.Node
	in   chan payload
	outs []outEdge
	h    handler

	state     atomic.Value // NodeState
	processed atomic.Uint64
	errored   atomic.Uint64
	droppedIn atomic.Uint64
	lastError atomic.Value // string

	errMu    sync.Mutex
	errTimes []time.Time
}

func (rn *runtimeNode) setState(s NodeState) { rn.state.Store(s) }

func (rn *runtimeNode) currentState() NodeState {
	if v, ok := rn.state.Load().(NodeState); ok {
		return v
	}
	return NodeStopped
}

// transparent reports whether the node forwards any payload kind unchanged.
func (rn *runtimeNode) transparent() bool {
	switch rn.node.Type {
	case workflow.TypeLinkIn, workflow.TypeLinkOut, workflow.TypeLinkCall, workflow.TypeCatch:
		return true
	}
	return false
}

type catchTarget struct {
	all     bool
	nodeIDs map[string]bool
	rn      *runtimeNode
}

// Instance is one running workflow: its immutable document snapshot, its
// node workers and the channels between them.
type Instance struct {
	wf  *workflow.Workflow
	eng *Engine
	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nodes   map[string]*runtimeNode
	catches []catchTarget

	// ownedSources are sources this instance started (file/url inputs) and
	// must stop on teardown. sourceByInput maps input node IDs to their
	// resolved source IDs.
	ownedSources  []string
	sourceByInput map[string]string

	startedAt time.Time

	mu        sync.Mutex
	status    workflow.Status
	lastErr   string
	recentErr []nodeError
	failFast  bool
}

// build wires the runtime graph without starting workers. The document is
// already validated and config-merged.
func (e *Engine) build(w *workflow.Workflow, failFast bool) (*Instance, error) {
	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		wf:            w,
		eng:           e,
		log:           e.log.WithField("workflow_id", w.ID),
		ctx:           ctx,
		cancel:        cancel,
		nodes:         make(map[string]*runtimeNode),
		sourceByInput: make(map[string]string),
		status:        workflow.StatusRunning,
		failFast:      failFast,
	}

	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.Type == workflow.TypeConfig {
			continue // merged at load, inert at runtime
		}
		rn := &runtimeNode{node: n, in: make(chan payload, nodeQueueDepth)}
		rn.setState(NodeStopped)
		inst.nodes[n.ID] = rn
	}

	for _, edge := range w.Edges {
		src, sok := inst.nodes[edge.Source]
		tgt, tok := inst.nodes[edge.Target]
		if !sok || !tok {
			continue // config attachments
		}
		src.outs = append(src.outs, outEdge{kind: edge.Data.Type, target: tgt})
	}

	// Input nodes build first so downstream handlers can resolve their
	// source IDs.
	ordered := make([]*runtimeNode, 0, len(inst.nodes))
	for _, rn := range inst.nodes {
		if workflow.IsInputType(rn.node.Type) {
			ordered = append(ordered, rn)
		}
	}
	for _, rn := range inst.nodes {
		if !workflow.IsInputType(rn.node.Type) {
			ordered = append(ordered, rn)
		}
	}
	for _, rn := range ordered {
		h, err := e.buildHandler(inst, rn)
		if err != nil {
			inst.releaseHandlers()
			cancel()
			return nil, fmt.Errorf("workflow %s node %s (%s): %w", w.ID, rn.node.ID, rn.node.Type, err)
		}
		rn.h = h
		if rn.node.Type == workflow.TypeCatch {
			inst.catches = append(inst.catches, buildCatchTarget(rn))
		}
	}

	for _, rn := range inst.nodes {
		if rn.node.Type == workflow.TypeLinkIn {
			if name, ok := rn.node.Data.Config["name"].(string); ok {
				e.links.register(name, w.ID, rn)
			}
		}
	}
	return inst, nil
}

func buildCatchTarget(rn *runtimeNode) catchTarget {
	ct := catchTarget{rn: rn, nodeIDs: make(map[string]bool)}
	scope, _ := rn.node.Data.Config["scope"].(string)
	if scope != "specific" {
		ct.all = true
		return ct
	}
	if ids, ok := rn.node.Data.Config["nodeIds"].([]interface{}); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				ct.nodeIDs[s] = true
			}
		}
	}
	return ct
}

// start launches one worker per node and emits the lifecycle event.
func (inst *Instance) start() {
	inst.startedAt = time.Now()
	for _, rn := range inst.nodes {
		inst.wg.Add(1)
		go inst.runNode(rn)
	}
	inst.eng.mc.ActiveWorkflows.Inc()
	inst.publish(events.Event{
		Kind:       events.WorkflowLifecycle,
		WorkflowID: inst.wf.ID,
		Timestamp:  time.Now(),
		Payload:    map[string]interface{}{"action": "workflow_started", "version": inst.wf.Version},
	})
}

func (inst *Instance) runNode(rn *runtimeNode) {
	defer inst.wg.Done()
	defer rn.h.close()

	rn.setState(NodeRunning)
	inst.publish(events.Event{
		Kind: events.NodeStarted, WorkflowID: inst.wf.ID, NodeID: rn.node.ID,
		Timestamp: time.Now(),
	})
	defer func() {
		if rn.currentState() != NodeErrored {
			rn.setState(NodeStopped)
		}
		inst.publish(events.Event{
			Kind: events.NodeCompleted, WorkflowID: inst.wf.ID, NodeID: rn.node.ID,
			Timestamp: time.Now(),
		})
	}()

	if p, ok := rn.h.(pumped); ok {
		emit := func(out payload) { inst.dispatch(rn, out) }
		if err := p.run(inst.ctx, emit); err != nil && inst.ctx.Err() == nil {
			inst.recordError(rn, err, true)
		}
		return
	}

	for {
		select {
		case <-inst.ctx.Done():
			return
		case p, ok := <-rn.in:
			if !ok {
				return
			}
			if rn.currentState() == NodeErrored {
				continue // drain without processing
			}
			rn.processed.Add(1)
			inst.eng.mc.NodeInvocations.WithLabelValues(inst.wf.ID, rn.node.Type).Inc()
			emit := func(out payload) {
				out.reply = p.reply
				out.depth = p.depth
				inst.dispatch(rn, out)
			}
			if err := rn.h.process(inst.ctx, p, emit); err != nil {
				inst.recordError(rn, err, false)
			}
		}
	}
}

// dispatch fans one output payload to matching downstream nodes. Video
// payloads shed the target's oldest queued payload; everything else is
// dropped on a full queue to preserve what is already in flight.
func (inst *Instance) dispatch(rn *runtimeNode, p payload) {
	for _, out := range rn.outs {
		if !rn.transparent() && out.kind != "" && out.kind != p.kind {
			continue
		}
		inst.send(out.target, p)
	}
}

func (inst *Instance) send(target *runtimeNode, p payload) {
	select {
	case target.in <- p:
		return
	default:
	}
	if p.kind == workflow.KindVideo {
		select {
		case <-target.in:
			target.droppedIn.Add(1)
		default:
		}
		select {
		case target.in <- p:
			return
		default:
		}
	}
	target.droppedIn.Add(1)
}

// recordError counts one failure and trips the persistent-error state when
// the rate threshold is exceeded inside the window.
func (inst *Instance) recordError(rn *runtimeNode, err error, persistent bool) {
	now := time.Now()
	rn.errored.Add(1)
	rn.lastError.Store(err.Error())
	inst.eng.mc.NodeErrors.WithLabelValues(inst.wf.ID, rn.node.Type).Inc()

	if !persistent {
		rn.errMu.Lock()
		rn.errTimes = append(rn.errTimes, now)
		cutoff := now.Add(-errorRateWindow)
		for len(rn.errTimes) > 0 && rn.errTimes[0].Before(cutoff) {
			rn.errTimes = rn.errTimes[1:]
		}
		persistent = len(rn.errTimes) >= errorThreshold
		rn.errMu.Unlock()
	}

	ne := &nodeError{
		WorkflowID: inst.wf.ID,
		NodeID:     rn.node.ID,
		NodeType:   rn.node.Type,
		Message:    err.Error(),
		Timestamp:  now,
		Persistent: persistent,
	}

	inst.mu.Lock()
	inst.lastErr = fmt.Sprintf("node %s: %s", rn.node.ID, err.Error())
	inst.recentErr = append(inst.recentErr, *ne)
	if len(inst.recentErr) > errorLogSize {
		inst.recentErr = inst.recentErr[len(inst.recentErr)-errorLogSize:]
	}
	inst.mu.Unlock()

	inst.publish(events.Event{
		Kind: events.NodeError, WorkflowID: inst.wf.ID, NodeID: rn.node.ID,
		Timestamp: now, Error: err.Error(),
	})
	inst.log.WithFields(logrus.Fields{
		"node_id": rn.node.ID, "node_type": rn.node.Type,
	}).WithError(err).Warn("node processing error")

	inst.routeToCatch(ne)

	if persistent && rn.currentState() != NodeErrored {
		rn.setState(NodeErrored)
		inst.mu.Lock()
		inst.status = workflow.StatusError
		failFast := inst.failFast
		inst.mu.Unlock()
		inst.log.WithField("node_id", rn.node.ID).Error("node exceeded error threshold")
		if failFast {
			go inst.eng.Stop(context.Background(), inst.wf.ID)
		}
	}
}

// routeToCatch delivers a node error to every catch node whose scope covers
// the failing node.
func (inst *Instance) routeToCatch(ne *nodeError) {
	for _, ct := range inst.catches {
		if !ct.all && !ct.nodeIDs[ne.NodeID] {
			continue
		}
		inst.send(ct.rn, payload{kind: workflow.KindDebug, nodeErr: ne})
	}
}

func (inst *Instance) publish(ev events.Event) {
	if inst.eng.bus != nil {
		inst.eng.bus.Publish(ev)
	}
}

// stop cancels every worker and waits for teardown with a bounded deadline.
// Safe to call more than once.
func (inst *Instance) stop() {
	inst.cancel()

	done := make(chan struct{})
	go func() {
		inst.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(teardownTimeout):
		inst.log.Warn("workflow teardown exceeded deadline")
	}

	inst.eng.links.unregisterWorkflow(inst.wf.ID)
	inst.eng.mc.ActiveWorkflows.Dec()

	inst.mu.Lock()
	if inst.status != workflow.StatusError {
		inst.status = workflow.StatusStopped
	}
	inst.mu.Unlock()

	inst.publish(events.Event{
		Kind:       events.WorkflowLifecycle,
		WorkflowID: inst.wf.ID,
		Timestamp:  time.Now(),
		Payload:    map[string]interface{}{"action": "workflow_stopped", "version": inst.wf.Version},
	})
}

// releaseHandlers frees already-built handlers after a failed build.
func (inst *Instance) releaseHandlers() {
	for _, rn := range inst.nodes {
		if rn.h != nil {
			rn.h.close()
		}
	}
}

// resolveUpstreamSource walks the graph backwards from the node until it
// reaches an input node and returns that node's resolved source ID.
func (inst *Instance) resolveUpstreamSource(nodeID string) (string, error) {
	visited := map[string]bool{nodeID: true}
	queue := []string{nodeID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range inst.wf.Edges {
			if e.Target != current || visited[e.Source] {
				continue
			}
			visited[e.Source] = true
			src := inst.wf.Node(e.Source)
			if src == nil {
				continue
			}
			if workflow.IsInputType(src.Type) {
				if sid, ok := inst.sourceByInput[src.ID]; ok {
					return sid, nil
				}
				return "", fmt.Errorf("input node %s has no active source", src.ID)
			}
			queue = append(queue, e.Source)
		}
	}
	return "", fmt.Errorf("node %s has no upstream input node", nodeID)
}

// NodeStatus is the observable condition of one node.
type NodeStatus struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	State     NodeState `json:"state"`
	Processed uint64    `json:"processed"`
	Errors    uint64    `json:"errors"`
	DroppedIn uint64    `json:"dropped_in"`
	LastError string    `json:"last_error,omitempty"`
}

// InstanceStatus is the observable condition of one running workflow.
type InstanceStatus struct {
	WorkflowID   string          `json:"workflow_id"`
	Version      int             `json:"version"`
	Status       workflow.Status `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	LastError    string          `json:"last_error,omitempty"`
	RecentErrors []nodeError     `json:"recent_errors,omitempty"`
	Nodes        []NodeStatus    `json:"nodes"`
}

// Status snapshots the instance for the status surface.
func (inst *Instance) Status() InstanceStatus {
	inst.mu.Lock()
	st := InstanceStatus{
		WorkflowID:   inst.wf.ID,
		Version:      inst.wf.Version,
		Status:       inst.status,
		StartedAt:    inst.startedAt,
		LastError:    inst.lastErr,
		RecentErrors: append([]nodeError(nil), inst.recentErr...),
	}
	inst.mu.Unlock()

	for _, rn := range inst.nodes {
		ns := NodeStatus{
			ID:        rn.node.ID,
			Type:      rn.node.Type,
			State:     rn.currentState(),
			Processed: rn.processed.Load(),
			Errors:    rn.errored.Load(),
			DroppedIn: rn.droppedIn.Load(),
		}
		if s, ok := rn.lastError.Load().(string); ok {
			ns.LastError = s
		}
		st.Nodes = append(st.Nodes, ns)
	}
	return st
}
