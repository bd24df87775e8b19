package workflow

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// ExportYAML renders the workflow as canonical YAML: nodes and edges sorted
// by ID, struct field order fixed, so two equivalent graphs produce
// byte-identical documents. The runtime status field is not exported.
func ExportYAML(w *Workflow) ([]byte, error) {
	canon := w.Clone()
	canon.Status = ""
	sort.Slice(canon.Nodes, func(i, j int) bool { return canon.Nodes[i].ID < canon.Nodes[j].ID })
	sort.Slice(canon.Edges, func(i, j int) bool { return canon.Edges[i].ID < canon.Edges[j].ID })

	out, err := yaml.Marshal(canon)
	if err != nil {
		return nil, fmt.Errorf("export workflow %s: %w", w.ID, err)
	}
	return out, nil
}

// ImportYAML parses a canonical YAML document back into a workflow and
// migrates it to the current schema version.
func ImportYAML(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("import workflow: %w", err)
	}
	if err := normalizeYAMLConfigs(&w); err != nil {
		return nil, err
	}
	if err := Migrate(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

// normalizeYAMLConfigs rewrites yaml.v3's map[interface{}]interface{} style
// values into the map[string]interface{} shape the schema checker expects.
func normalizeYAMLConfigs(w *Workflow) error {
	for i := range w.Nodes {
		cfg := w.Nodes[i].Data.Config
		if cfg == nil {
			continue
		}
		normalized, err := normalizeValue(cfg)
		if err != nil {
			return fmt.Errorf("node %s: %w", w.Nodes[i].ID, err)
		}
		w.Nodes[i].Data.Config = normalized.(map[string]interface{})
	}
	return nil
}

func normalizeValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			normalized, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = normalized
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string config key %v", k)
			}
			normalized, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			normalized, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	default:
		return v, nil
	}
}

// DiffEntry describes one changed item between two workflow documents.
type DiffEntry struct {
	Kind string `json:"kind"` // node or edge
	ID   string `json:"id"`
}

// Diff summarises the differences between two workflow versions at the
// node/edge level. It is shown to operators before a deploy replaces a
// running version.
type Diff struct {
	Added    []DiffEntry `json:"added"`
	Removed  []DiffEntry `json:"removed"`
	Modified []DiffEntry `json:"modified"`
}

// Empty reports whether the two documents are equivalent.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Compare diffs two workflows. Entries are ordered by kind then ID so the
// output is stable.
func Compare(a, b *Workflow) Diff {
	var d Diff

	aNodes := make(map[string]*Node, len(a.Nodes))
	for i := range a.Nodes {
		aNodes[a.Nodes[i].ID] = &a.Nodes[i]
	}
	bNodes := make(map[string]*Node, len(b.Nodes))
	for i := range b.Nodes {
		bNodes[b.Nodes[i].ID] = &b.Nodes[i]
	}

	for _, id := range sortedNodeIDs(bNodes) {
		prev, ok := aNodes[id]
		if !ok {
			d.Added = append(d.Added, DiffEntry{Kind: "node", ID: id})
			continue
		}
		if !nodeEqual(prev, bNodes[id]) {
			d.Modified = append(d.Modified, DiffEntry{Kind: "node", ID: id})
		}
	}
	for _, id := range sortedNodeIDs(aNodes) {
		if _, ok := bNodes[id]; !ok {
			d.Removed = append(d.Removed, DiffEntry{Kind: "node", ID: id})
		}
	}

	aEdges := make(map[string]*Edge, len(a.Edges))
	for i := range a.Edges {
		aEdges[a.Edges[i].ID] = &a.Edges[i]
	}
	bEdges := make(map[string]*Edge, len(b.Edges))
	for i := range b.Edges {
		bEdges[b.Edges[i].ID] = &b.Edges[i]
	}

	for _, id := range sortedEdgeIDs(bEdges) {
		prev, ok := aEdges[id]
		if !ok {
			d.Added = append(d.Added, DiffEntry{Kind: "edge", ID: id})
			continue
		}
		if *prev != *bEdges[id] {
			d.Modified = append(d.Modified, DiffEntry{Kind: "edge", ID: id})
		}
	}
	for _, id := range sortedEdgeIDs(aEdges) {
		if _, ok := bEdges[id]; !ok {
			d.Removed = append(d.Removed, DiffEntry{Kind: "edge", ID: id})
		}
	}

	return d
}

// nodeEqual compares nodes through their canonical YAML rendering; configs
// are free-form maps so direct equality does not apply.
func nodeEqual(a, b *Node) bool {
	ya, errA := yaml.Marshal(a)
	yb, errB := yaml.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ya) == string(yb)
}

func sortedNodeIDs(m map[string]*Node) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sortedEdgeIDs(m map[string]*Edge) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
