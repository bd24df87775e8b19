package workflow

import (
	"bytes"
	"testing"
)

func TestYAMLRoundTrip(t *testing.T) {
	w := testWorkflow()
	out, err := ExportYAML(w)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	back, err := ImportYAML(out)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if d := Compare(w, back); !d.Empty() {
		t.Fatalf("round trip changed the document: %+v", d)
	}

	// Canonical form: a second export of the imported document is
	// byte-identical.
	again, err := ExportYAML(back)
	if err != nil {
		t.Fatalf("re-export: %v", err)
	}
	if !bytes.Equal(out, again) {
		t.Fatalf("export is not canonical:\n%s\n---\n%s", out, again)
	}
}

func TestYAMLExportIsOrderInsensitive(t *testing.T) {
	a := testWorkflow()
	b := testWorkflow()
	b.Nodes[0], b.Nodes[2] = b.Nodes[2], b.Nodes[0]
	b.Edges[0], b.Edges[1] = b.Edges[1], b.Edges[0]

	ya, err := ExportYAML(a)
	if err != nil {
		t.Fatalf("export a: %v", err)
	}
	yb, err := ExportYAML(b)
	if err != nil {
		t.Fatalf("export b: %v", err)
	}
	if !bytes.Equal(ya, yb) {
		t.Fatal("exports of equivalent graphs differ")
	}
}

func TestYAMLExportOmitsStatus(t *testing.T) {
	w := testWorkflow()
	w.Status = StatusRunning
	out, err := ExportYAML(w)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if bytes.Contains(out, []byte("status")) {
		t.Fatalf("export must not carry runtime status:\n%s", out)
	}
}

func TestCompare(t *testing.T) {
	a := testWorkflow()
	b := a.Clone()
	b.Nodes = append(b.Nodes, Node{ID: "dbg", Type: TypeDebug})
	b.Nodes[1].Data.Config["confidence"] = 0.7
	b.Edges = b.Edges[:2]

	d := Compare(a, b)
	if len(d.Added) != 1 || d.Added[0].ID != "dbg" {
		t.Fatalf("added = %+v", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0].ID != "e3" {
		t.Fatalf("removed = %+v", d.Removed)
	}
	if len(d.Modified) != 1 || d.Modified[0].ID != "det" {
		t.Fatalf("modified = %+v", d.Modified)
	}
}

func TestCompareEqualDocuments(t *testing.T) {
	a := testWorkflow()
	if d := Compare(a, a.Clone()); !d.Empty() {
		t.Fatalf("identical documents diff: %+v", d)
	}
}
