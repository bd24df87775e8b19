package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"overwatch/internal/events"
	"overwatch/internal/workflow"
)

var ErrWorkflowNotFound = errors.New("workflow not found")

// SaveWorkflowVersion persists one immutable workflow version. Re-saving the
// same (id, version) replaces the stored document, which only happens for
// status changes.
func (s *Store) SaveWorkflowVersion(ctx context.Context, w *workflow.Workflow) error {
	doc, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", w.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflows
		 (id, version, name, schema_version, site_id, is_master, status, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Version, w.Name, w.SchemaVersion, w.SiteID, boolToInt(w.IsMaster),
		string(w.Status), string(doc))
	if err != nil {
		return fmt.Errorf("save workflow %s v%d: %w", w.ID, w.Version, err)
	}
	return nil
}

// GetWorkflow loads one specific version.
func (s *Store) GetWorkflow(ctx context.Context, id string, version int) (*workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document, status FROM workflows WHERE id = ? AND version = ?`, id, version)
	return scanWorkflow(row, id)
}

// GetLatestWorkflow loads the highest version of the workflow.
func (s *Store) GetLatestWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document, status FROM workflows WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	return scanWorkflow(row, id)
}

func scanWorkflow(row *sql.Row, id string) (*workflow.Workflow, error) {
	var doc, status string
	if err := row.Scan(&doc, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
		}
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	var w workflow.Workflow
	if err := json.Unmarshal([]byte(doc), &w); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	w.Status = workflow.Status(status)
	if err := workflow.Migrate(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkflows returns the latest version of every stored workflow.
func (s *Store) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT w.document, w.status FROM workflows w
		 JOIN (SELECT id, MAX(version) AS v FROM workflows GROUP BY id) latest
		   ON w.id = latest.id AND w.version = latest.v
		 ORDER BY w.id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		var doc, status string
		if err := rows.Scan(&doc, &status); err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		var w workflow.Workflow
		if err := json.Unmarshal([]byte(doc), &w); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		w.Status = workflow.Status(status)
		if err := workflow.Migrate(&w); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// SetWorkflowStatus updates the stored lifecycle status of one version.
func (s *Store) SetWorkflowStatus(ctx context.Context, id string, version int, status workflow.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ? WHERE id = ? AND version = ?`,
		string(status), id, version)
	if err != nil {
		return fmt.Errorf("set workflow %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow %s v%d: %w", id, version, ErrWorkflowNotFound)
	}
	return nil
}

// AppendWorkflowEvent persists one observability event for later inspection.
func (s *Store) AppendWorkflowEvent(ctx context.Context, ev events.Event) error {
	var payload string
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal workflow event payload: %w", err)
		}
		payload = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_events (workflow_id, node_id, kind, timestamp, payload, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.WorkflowID, ev.NodeID, string(ev.Kind), ev.Timestamp, payload, ev.Error)
	if err != nil {
		return fmt.Errorf("append workflow event: %w", err)
	}
	return nil
}

// RecentWorkflowEvents returns the newest events for a workflow, most recent
// first. Used by the status surface to show the last node errors.
func (s *Store) RecentWorkflowEvents(ctx context.Context, workflowID string, limit int) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, node_id, kind, timestamp, payload, error
		 FROM workflow_events WHERE workflow_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent workflow events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var kind, payload string
		var nodeID sql.NullString
		var ts time.Time
		if err := rows.Scan(&ev.WorkflowID, &nodeID, &kind, &ts, &payload, &ev.Error); err != nil {
			return nil, fmt.Errorf("recent workflow events: %w", err)
		}
		ev.Kind = events.Kind(kind)
		ev.NodeID = nodeID.String
		ev.Timestamp = ts
		if payload != "" {
			var p interface{}
			if err := json.Unmarshal([]byte(payload), &p); err == nil {
				ev.Payload = p
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
