package engine

import (
	"sort"

	"overwatch/internal/workflow"
)

// applyConfigNodes deep-merges every config node's payload into the
// data.config of the nodes its config edges target. This happens once at
// graph instantiation; config nodes are inert afterwards. Multiple config
// nodes merge in edge order, later edges overriding earlier ones, and the
// config node's values override the target's own.
func applyConfigNodes(w *workflow.Workflow) {
	type attach struct {
		order  int
		source string
	}
	perTarget := make(map[string][]attach)
	for i, e := range w.Edges {
		src := w.Node(e.Source)
		if src == nil || src.Type != workflow.TypeConfig {
			continue
		}
		perTarget[e.Target] = append(perTarget[e.Target], attach{order: i, source: e.Source})
	}

	for target, attaches := range perTarget {
		tgt := w.Node(target)
		if tgt == nil {
			continue
		}
		sort.Slice(attaches, func(i, j int) bool { return attaches[i].order < attaches[j].order })
		merged := tgt.Data.Config
		if merged == nil {
			merged = make(map[string]interface{})
		}
		for _, at := range attaches {
			src := w.Node(at.source)
			if src == nil || src.Data.Config == nil {
				continue
			}
			merged = deepMerge(merged, src.Data.Config)
		}
		tgt.Data.Config = merged
	}
}

// deepMerge overlays src onto dst, recursing into nested maps. Non-map
// values in src replace dst's. dst is mutated and returned.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	for k, sv := range src {
		if sm, ok := sv.(map[string]interface{}); ok {
			if dm, ok := dst[k].(map[string]interface{}); ok {
				dst[k] = deepMerge(dm, sm)
				continue
			}
		}
		dst[k] = sv
	}
	return dst
}
