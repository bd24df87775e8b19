package alarm

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Export streams matching alarms to w, newest first. JSON emits a top-level
// array; CSV emits a header row plus one row per alarm.
func (m *Manager) Export(w io.Writer, f Filter, format string) error {
	alarms, _ := m.List(f, Page{})
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(alarms); err != nil {
			return fmt.Errorf("export json: %w", err)
		}
		return nil
	case FormatCSV:
		return exportCSV(w, alarms)
	default:
		return fmt.Errorf("export: unknown format %q", format)
	}
}

var csvHeader = []string{
	"id", "group_key", "tenant", "site", "severity", "state",
	"created_at", "updated_at", "sla_deadline", "confidence",
	"assignee", "event_count", "watchers",
}

func exportCSV(w io.Writer, alarms []*Alarm) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("export csv: %w", err)
	}
	for _, a := range alarms {
		deadline := ""
		if a.SLADeadline != nil {
			deadline = a.SLADeadline.Format(time.RFC3339)
		}
		row := []string{
			a.ID,
			a.GroupKey,
			a.Tenant,
			a.Site,
			string(a.Severity),
			string(a.State),
			a.CreatedAt.Format(time.RFC3339),
			a.UpdatedAt.Format(time.RFC3339),
			deadline,
			strconv.FormatFloat(a.Confidence, 'f', 4, 64),
			a.Assignee,
			strconv.Itoa(len(a.CorrelatedEventIDs)),
			strings.Join(a.Watchers, ";"),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export csv: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
