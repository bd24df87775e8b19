package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const linkCallTimeout = 5 * time.Second

// linkRegistry maps linkIn names to their runtime nodes, across every
// deployed workflow. Duplicate names within one workflow are rejected by
// validation; across workflows the latest deploy wins.
type linkRegistry struct {
	mu      sync.RWMutex
	entries map[string]linkEntry
}

type linkEntry struct {
	workflowID string
	rn         *runtimeNode
}

func newLinkRegistry() *linkRegistry {
	return &linkRegistry{entries: make(map[string]linkEntry)}
}

func (r *linkRegistry) register(name, workflowID string, rn *runtimeNode) {
	r.mu.Lock()
	r.entries[name] = linkEntry{workflowID: workflowID, rn: rn}
	r.mu.Unlock()
}

func (r *linkRegistry) lookup(name string) (*runtimeNode, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	return e.rn, ok
}

// Has satisfies the validator's resolver contract.
func (r *linkRegistry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.entries[name]
	r.mu.RUnlock()
	return ok
}

func (r *linkRegistry) unregisterWorkflow(workflowID string) {
	r.mu.Lock()
	for name, e := range r.entries {
		if e.workflowID == workflowID {
			delete(r.entries, name)
		}
	}
	r.mu.Unlock()
}

// linkInHandler forwards payloads into the anchored subflow unchanged.
type linkInHandler struct{}

func (linkInHandler) process(_ context.Context, p payload, emit func(payload)) error {
	emit(p)
	return nil
}

func (linkInHandler) close() {}

// linkOutHandler terminates a subflow. When the payload traversed a
// linkCall, the result is returned to the caller; otherwise it flows to the
// node's own outputs.
type linkOutHandler struct{}

func (linkOutHandler) process(ctx context.Context, p payload, emit func(payload)) error {
	if p.reply == nil {
		emit(p)
		return nil
	}
	result := p
	result.reply = nil
	select {
	case p.reply <- result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(linkCallTimeout):
		return fmt.Errorf("link return: caller did not collect result")
	}
}

func (linkOutHandler) close() {}

// linkCallHandler suspends the branch, runs the target subflow and resumes
// with its result. Nesting is bounded to keep recursive link graphs finite.
type linkCallHandler struct {
	inst   *Instance
	target string
}

func (h *linkCallHandler) process(ctx context.Context, p payload, emit func(payload)) error {
	if p.depth >= maxLinkDepth {
		return fmt.Errorf("link call %q: depth limit %d exceeded", h.target, maxLinkDepth)
	}
	anchor, ok := h.inst.eng.links.lookup(h.target)
	if !ok {
		return fmt.Errorf("link call %q: no linkIn deployed under that name", h.target)
	}

	reply := make(chan payload, 1)
	call := p
	call.reply = reply
	call.depth = p.depth + 1

	select {
	case anchor.in <- call:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(linkCallTimeout):
		return fmt.Errorf("link call %q: target queue full", h.target)
	}

	select {
	case result := <-reply:
		emit(result) // emit restores the caller's own reply context
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(linkCallTimeout):
		return fmt.Errorf("link call %q: timed out awaiting linkOut", h.target)
	}
}

func (h *linkCallHandler) close() {}

// catchHandler forwards node errors routed to it by the instance.
type catchHandler struct{}

func (catchHandler) process(_ context.Context, p payload, emit func(payload)) error {
	if p.nodeErr == nil {
		return nil
	}
	emit(p)
	return nil
}

func (catchHandler) close() {}
