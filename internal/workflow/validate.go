package workflow

import (
	"fmt"
	"sort"
)

// Issue codes reported by the validator.
const (
	CodeSchemaError       = "SchemaError"
	CodeSchemaVersion     = "SchemaVersionUnsupported"
	CodeUnknownNodeType   = "UnknownNodeType"
	CodeDuplicateID       = "DuplicateID"
	CodeDanglingEdge      = "DanglingEdge"
	CodePortMismatch      = "PortMismatch"
	CodeCycleDetected     = "CycleDetected"
	CodeDanglingNode      = "DanglingNode"
	CodeUnresolvedLink    = "UnresolvedLink"
	CodeDuplicateLinkName = "DuplicateLinkName"
)

// Issue is one validation finding.
type Issue struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	NodeIDs []string `json:"node_ids,omitempty"`
	EdgeID  string   `json:"edge_id,omitempty"`
}

// Result accumulates validation findings. Errors block deployment;
// warnings do not.
type Result struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// OK reports whether the workflow may be deployed.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// LinkResolver answers whether a linkIn name exists in another deployed
// workflow. Nil means "no external names resolve".
type LinkResolver func(name string) bool

// Validate runs every check against the workflow, accumulating errors
// instead of stopping at the first. It is a pure function of its inputs.
func Validate(w *Workflow, resolver LinkResolver) Result {
	var res Result

	if w.SchemaVersion != CurrentSchemaVersion {
		if err := Migrate(w.Clone()); err != nil {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeSchemaVersion,
				Message: err.Error(),
			})
		}
	}

	validTypes := make(map[string]bool, len(NodeTypes))
	for _, t := range NodeTypes {
		validTypes[t] = true
	}

	// 1. Per-node config schemas.
	for i := range w.Nodes {
		node := &w.Nodes[i]
		if !validTypes[node.Type] {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeUnknownNodeType,
				Message: fmt.Sprintf("node %s: unknown type %q", node.ID, node.Type),
				NodeIDs: []string{node.ID},
			})
			continue
		}
		for _, msg := range ValidateNodeConfig(node) {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeSchemaError,
				Message: msg,
				NodeIDs: []string{node.ID},
			})
		}
	}

	// 2. ID uniqueness.
	seenNodes := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if seenNodes[n.ID] {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeDuplicateID,
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
				NodeIDs: []string{n.ID},
			})
		}
		seenNodes[n.ID] = true
	}
	seenEdges := make(map[string]bool, len(w.Edges))
	for _, e := range w.Edges {
		if seenEdges[e.ID] {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeDuplicateID,
				Message: fmt.Sprintf("duplicate edge id %q", e.ID),
				EdgeID:  e.ID,
			})
		}
		seenEdges[e.ID] = true
	}

	// 3. Edge referential integrity.
	for _, e := range w.Edges {
		if !seenNodes[e.Source] {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeDanglingEdge,
				Message: fmt.Sprintf("edge %s: source node %q does not exist", e.ID, e.Source),
				EdgeID:  e.ID,
			})
		}
		if !seenNodes[e.Target] {
			res.Errors = append(res.Errors, Issue{
				Code:    CodeDanglingEdge,
				Message: fmt.Sprintf("edge %s: target node %q does not exist", e.ID, e.Target),
				EdgeID:  e.ID,
			})
		}
	}

	// 4. Port compatibility via the static registry.
	for _, e := range w.Edges {
		src := w.Node(e.Source)
		tgt := w.Node(e.Target)
		if src == nil || tgt == nil {
			continue // already reported above
		}
		kind, ok := OutputKind(src.Type, e.SourceHandle)
		if !ok {
			res.Errors = append(res.Errors, Issue{
				Code: CodePortMismatch,
				Message: fmt.Sprintf("edge %s: node type %q has no output port %q",
					e.ID, src.Type, e.SourceHandle),
				EdgeID: e.ID,
			})
			continue
		}
		if !AcceptsKind(tgt.Type, e.TargetHandle, kind) {
			res.Errors = append(res.Errors, Issue{
				Code: CodePortMismatch,
				Message: fmt.Sprintf("edge %s: %s.%s (%s) cannot connect to %s.%s",
					e.ID, src.Type, e.SourceHandle, kind, tgt.Type, e.TargetHandle),
				EdgeID: e.ID,
			})
		}
	}

	// 5. Cycles over the data-flow graph, link/catch back-edges excluded.
	for _, cycle := range findCycles(w) {
		res.Errors = append(res.Errors, Issue{
			Code:    CodeCycleDetected,
			Message: fmt.Sprintf("data-flow cycle through nodes %v", cycle),
			NodeIDs: cycle,
		})
	}

	// 6. Dangling nodes are warnings only.
	res.Warnings = append(res.Warnings, danglingNodeWarnings(w)...)

	// 7. Link integrity.
	res.Errors = append(res.Errors, checkLinks(w, resolver)...)

	return res
}

// findCycles runs a colored DFS over the non-link data-flow edges and
// returns the node IDs participating in each detected cycle.
func findCycles(w *Workflow) [][]string {
	adj := make(map[string][]string)
	for _, e := range w.Edges {
		src := w.Node(e.Source)
		tgt := w.Node(e.Target)
		if src == nil || tgt == nil {
			continue
		}
		if linkTransparent(src.Type) || linkTransparent(tgt.Type) {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(w.Nodes))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// Back edge: the cycle is the stack suffix from next.
				start := 0
				for i, n := range stack {
					if n == next {
						start = i
						break
					}
				}
				cycle := make([]string, len(stack)-start)
				copy(cycle, stack[start:])
				sort.Strings(cycle)
				cycles = append(cycles, cycle)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	ids := make([]string, 0, len(w.Nodes))
	for _, n := range w.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

func danglingNodeWarnings(w *Workflow) []Issue {
	hasDownstream := make(map[string]bool)
	hasUpstream := make(map[string]bool)
	for _, e := range w.Edges {
		hasDownstream[e.Source] = true
		hasUpstream[e.Target] = true
	}

	var warns []Issue
	for _, n := range w.Nodes {
		if IsInputType(n.Type) && !hasDownstream[n.ID] {
			warns = append(warns, Issue{
				Code:    CodeDanglingNode,
				Message: fmt.Sprintf("input node %s has no downstream consumers", n.ID),
				NodeIDs: []string{n.ID},
			})
		}
		if n.Type == TypeAction && !hasUpstream[n.ID] {
			warns = append(warns, Issue{
				Code:    CodeDanglingNode,
				Message: fmt.Sprintf("action node %s has no upstream producers", n.ID),
				NodeIDs: []string{n.ID},
			})
		}
	}
	return warns
}

func checkLinks(w *Workflow, resolver LinkResolver) []Issue {
	localNames := make(map[string]int)
	for _, n := range w.Nodes {
		if n.Type == TypeLinkIn {
			if name, ok := n.Data.Config["name"].(string); ok {
				localNames[name]++
			}
		}
	}

	var errs []Issue
	for name, count := range localNames {
		if count > 1 {
			errs = append(errs, Issue{
				Code:    CodeDuplicateLinkName,
				Message: fmt.Sprintf("linkIn name %q declared %d times", name, count),
			})
		}
	}

	for _, n := range w.Nodes {
		var ref string
		switch n.Type {
		case TypeLinkOut:
			// A linkOut terminates the subflow anchored by the linkIn of the
			// same name; the name must resolve.
			ref, _ = n.Data.Config["name"].(string)
		case TypeLinkCall:
			ref, _ = n.Data.Config["target"].(string)
		default:
			continue
		}
		if ref == "" {
			continue // schema check already reported the missing key
		}
		if localNames[ref] > 0 {
			continue
		}
		if resolver != nil && resolver(ref) {
			continue
		}
		errs = append(errs, Issue{
			Code:    CodeUnresolvedLink,
			Message: fmt.Sprintf("node %s (%s): link name %q resolves to no linkIn", n.ID, n.Type, ref),
			NodeIDs: []string{n.ID},
		})
	}
	return errs
}
