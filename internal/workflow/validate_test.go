package workflow

import "testing"

func testWorkflow() *Workflow {
	return &Workflow{
		ID:            "wf-1",
		Name:          "perimeter",
		Version:       1,
		SchemaVersion: CurrentSchemaVersion,
		Nodes: []Node{
			{ID: "cam", Type: TypeCamera, Data: NodeData{Config: map[string]interface{}{
				"cameraId": "front-door",
			}}},
			{ID: "det", Type: TypeModel, Data: NodeData{Config: map[string]interface{}{
				"modelId":    "yolo",
				"confidence": 0.5,
				"classes":    []interface{}{0},
			}}},
			{ID: "zone", Type: TypeZone, Data: NodeData{Config: map[string]interface{}{
				"polygon":    []interface{}{[]interface{}{0.0, 0.0}, []interface{}{100.0, 0.0}, []interface{}{100.0, 100.0}},
				"filterType": "include",
			}}},
			{ID: "act", Type: TypeAction, Data: NodeData{Config: map[string]interface{}{
				"actionType": "log",
			}}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "cam", Target: "det", SourceHandle: PortOutput, TargetHandle: PortInput},
			{ID: "e2", Source: "det", Target: "zone", SourceHandle: PortOutput, TargetHandle: PortInput},
			{ID: "e3", Source: "zone", Target: "act", SourceHandle: PortOutput, TargetHandle: PortInput},
		},
	}
}

func hasCode(issues []Issue, code string) bool {
	for _, is := range issues {
		if is.Code == code {
			return true
		}
	}
	return false
}

func TestValidateAcceptsWellFormedWorkflow(t *testing.T) {
	res := Validate(testWorkflow(), nil)
	if !res.OK() {
		t.Fatalf("expected valid workflow, got errors %+v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %+v", res.Warnings)
	}
}

func TestValidateRejectsUnknownNodeType(t *testing.T) {
	w := testWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "x", Type: "teleporter"})
	res := Validate(w, nil)
	if res.OK() || !hasCode(res.Errors, CodeUnknownNodeType) {
		t.Fatalf("expected UnknownNodeType error, got %+v", res.Errors)
	}
}

func TestValidateRejectsDuplicateNodeID(t *testing.T) {
	w := testWorkflow()
	w.Nodes = append(w.Nodes, w.Nodes[0])
	res := Validate(w, nil)
	if !hasCode(res.Errors, CodeDuplicateID) {
		t.Fatalf("expected DuplicateID error, got %+v", res.Errors)
	}
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	w := testWorkflow()
	w.Edges = append(w.Edges, Edge{ID: "e9", Source: "det", Target: "ghost"})
	res := Validate(w, nil)
	if !hasCode(res.Errors, CodeDanglingEdge) {
		t.Fatalf("expected DanglingEdge error, got %+v", res.Errors)
	}
}

func TestValidateRejectsIncompatiblePorts(t *testing.T) {
	// Video straight into a zone node: zones only accept detections.
	w := testWorkflow()
	w.Edges = append(w.Edges, Edge{
		ID: "e9", Source: "cam", Target: "zone",
		SourceHandle: PortOutput, TargetHandle: PortInput,
	})
	res := Validate(w, nil)
	if !hasCode(res.Errors, CodePortMismatch) {
		t.Fatalf("expected PortMismatch error, got %+v", res.Errors)
	}
}

func TestValidateDetectsCycle(t *testing.T) {
	w := testWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "flt", Type: TypeDetectionFilter, Data: NodeData{
		Config: map[string]interface{}{"minConfidence": 0.3},
	}})
	w.Edges = append(w.Edges,
		Edge{ID: "e4", Source: "zone", Target: "flt", SourceHandle: PortOutput, TargetHandle: PortInput},
		Edge{ID: "e5", Source: "flt", Target: "zone", SourceHandle: PortOutput, TargetHandle: PortInput},
	)
	res := Validate(w, nil)
	if res.OK() {
		t.Fatal("expected cycle to fail validation")
	}
	if !hasCode(res.Errors, CodeCycleDetected) {
		t.Fatalf("expected CycleDetected error, got %+v", res.Errors)
	}
	for _, is := range res.Errors {
		if is.Code == CodeCycleDetected && len(is.NodeIDs) < 2 {
			t.Fatalf("cycle issue should name participating nodes, got %+v", is)
		}
	}
}

func TestValidateLinkCycleIsAllowed(t *testing.T) {
	// Cycles through link nodes are intentional call graphs, not data loops.
	w := testWorkflow()
	w.Nodes = append(w.Nodes,
		Node{ID: "lin", Type: TypeLinkIn, Data: NodeData{Config: map[string]interface{}{"name": "sub"}}},
		Node{ID: "lout", Type: TypeLinkOut, Data: NodeData{Config: map[string]interface{}{"name": "sub"}}},
		Node{ID: "call", Type: TypeLinkCall, Data: NodeData{Config: map[string]interface{}{"target": "sub"}}},
	)
	w.Edges = append(w.Edges,
		Edge{ID: "e4", Source: "zone", Target: "call", SourceHandle: PortOutput, TargetHandle: PortInput},
		Edge{ID: "e5", Source: "lin", Target: "lout", SourceHandle: PortOutput, TargetHandle: PortInput},
	)
	res := Validate(w, nil)
	if hasCode(res.Errors, CodeCycleDetected) {
		t.Fatalf("link edges must not count as data-flow cycles, got %+v", res.Errors)
	}
}

func TestValidateWarnsOnDanglingInput(t *testing.T) {
	w := testWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "cam2", Type: TypeCamera, Data: NodeData{
		Config: map[string]interface{}{"cameraId": "back-door"},
	}})
	res := Validate(w, nil)
	if !res.OK() {
		t.Fatalf("dangling node must not be an error: %+v", res.Errors)
	}
	if !hasCode(res.Warnings, CodeDanglingNode) {
		t.Fatalf("expected DanglingNode warning, got %+v", res.Warnings)
	}
}

func TestValidateUnresolvedLinkTarget(t *testing.T) {
	w := testWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "call", Type: TypeLinkCall, Data: NodeData{
		Config: map[string]interface{}{"target": "elsewhere"},
	}})
	w.Edges = append(w.Edges, Edge{ID: "e4", Source: "zone", Target: "call",
		SourceHandle: PortOutput, TargetHandle: PortInput})

	res := Validate(w, nil)
	if !hasCode(res.Errors, CodeUnresolvedLink) {
		t.Fatalf("expected UnresolvedLink error, got %+v", res.Errors)
	}

	// The same name resolving through another deployed workflow is fine.
	res = Validate(w, func(name string) bool { return name == "elsewhere" })
	if hasCode(res.Errors, CodeUnresolvedLink) {
		t.Fatalf("resolver should satisfy the link, got %+v", res.Errors)
	}
}

func TestValidateDuplicateLinkName(t *testing.T) {
	w := testWorkflow()
	w.Nodes = append(w.Nodes,
		Node{ID: "l1", Type: TypeLinkIn, Data: NodeData{Config: map[string]interface{}{"name": "sub"}}},
		Node{ID: "l2", Type: TypeLinkIn, Data: NodeData{Config: map[string]interface{}{"name": "sub"}}},
	)
	res := Validate(w, nil)
	if !hasCode(res.Errors, CodeDuplicateLinkName) {
		t.Fatalf("expected DuplicateLinkName error, got %+v", res.Errors)
	}
}

func TestMigrateUpgradesConfigEdgeKind(t *testing.T) {
	w := testWorkflow()
	w.SchemaVersion = 1
	w.Edges = append(w.Edges, Edge{
		ID: "cfg1", Source: "det", Target: "act",
		Data: EdgeData{Type: "configuration"},
	})
	if err := Migrate(w); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if w.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("schema version = %d, want %d", w.SchemaVersion, CurrentSchemaVersion)
	}
	if w.Edges[len(w.Edges)-1].Data.Type != KindConfig {
		t.Fatalf("edge kind = %q, want %q", w.Edges[len(w.Edges)-1].Data.Type, KindConfig)
	}
}

func TestMigrateRejectsFutureSchema(t *testing.T) {
	w := testWorkflow()
	w.SchemaVersion = CurrentSchemaVersion + 1
	if err := Migrate(w); err == nil {
		t.Fatal("expected error for unsupported schema version")
	}
}

func TestCloneIsolation(t *testing.T) {
	w := testWorkflow()
	c := w.Clone()
	c.Nodes[0].Data.Config["cameraId"] = "changed"
	if w.Nodes[0].Data.Config["cameraId"] != "front-door" {
		t.Fatal("clone shares config map with original")
	}
}
