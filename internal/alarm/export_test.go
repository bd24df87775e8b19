package alarm

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
)

func TestExportJSON(t *testing.T) {
	m := newTestManager(t, Options{})
	openAlarm(t, m, "acme:hq:lobby:intrusion", 0.7)
	openAlarm(t, m, "acme:hq:garage:loitering", 0.5)

	var buf bytes.Buffer
	if err := m.Export(&buf, Filter{}, FormatJSON); err != nil {
		t.Fatalf("export: %v", err)
	}

	var out []Alarm
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("exported %d alarms, want 2", len(out))
	}
}

func TestExportCSV(t *testing.T) {
	m := newTestManager(t, Options{})
	a := openAlarm(t, m, "acme:hq:lobby:intrusion", 0.7)

	var buf bytes.Buffer
	if err := m.Export(&buf, Filter{}, FormatCSV); err != nil {
		t.Fatalf("export: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(rows))
	}
	if rows[0][0] != "id" || rows[1][0] != a.ID {
		t.Fatalf("unexpected rows: %v", rows)
	}
	if rows[1][5] != string(StateNew) {
		t.Fatalf("state column = %q", rows[1][5])
	}
}

func TestExportUnknownFormat(t *testing.T) {
	m := newTestManager(t, Options{})
	if err := m.Export(&bytes.Buffer{}, Filter{}, "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
