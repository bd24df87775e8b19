package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"overwatch/internal/alarm"
)

var _ alarm.Store = (*Store)(nil)

// SaveAlarm upserts the alarm row and appends the new history entries in one
// transaction, so the on-disk history order matches memory.
func (s *Store) SaveAlarm(ctx context.Context, a *alarm.Alarm, newEntries []alarm.HistoryEntry) error {
	watchers, err := json.Marshal(a.Watchers)
	if err != nil {
		return fmt.Errorf("marshal alarm %s watchers: %w", a.ID, err)
	}
	notes, err := json.Marshal(a.Notes)
	if err != nil {
		return fmt.Errorf("marshal alarm %s notes: %w", a.ID, err)
	}
	eventIDs, err := json.Marshal(a.CorrelatedEventIDs)
	if err != nil {
		return fmt.Errorf("marshal alarm %s events: %w", a.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin alarm save: %w", err)
	}

	var deadline interface{}
	if a.SLADeadline != nil {
		deadline = *a.SLADeadline
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO alarms
		 (id, group_key, tenant, site, severity, state, created_at, updated_at,
		  sla_deadline, confidence, assignee, runbook_id, escalation_policy,
		  watchers, notes, correlated_event_ids)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.GroupKey, a.Tenant, a.Site, string(a.Severity), string(a.State),
		a.CreatedAt, a.UpdatedAt, deadline, a.Confidence, a.Assignee, a.RunbookID,
		a.EscalationPolicy, string(watchers), string(notes), string(eventIDs),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("save alarm %s: %w", a.ID, err)
	}

	for _, h := range newEntries {
		details := ""
		if h.Details != nil {
			raw, err := json.Marshal(h.Details)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("marshal history details for alarm %s: %w", a.ID, err)
			}
			details = string(raw)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alarm_history (alarm_id, action, actor, timestamp, note, from_state, to_state, details)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, h.Action, h.Actor, h.Timestamp, h.Note, string(h.FromState), string(h.ToState), details,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("append history for alarm %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit alarm %s: %w", a.ID, err)
	}
	return nil
}

// LoadOpenAlarms rehydrates every non-terminal alarm, history included, for
// restoring the in-memory alarm set on startup.
func (s *Store) LoadOpenAlarms(ctx context.Context) ([]*alarm.Alarm, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_key, tenant, site, severity, state, created_at, updated_at,
		        sla_deadline, confidence, assignee, runbook_id, escalation_policy,
		        watchers, notes, correlated_event_ids
		 FROM alarms WHERE state NOT IN ('CLOSED', 'SUPPRESSED')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load open alarms: %w", err)
	}
	defer rows.Close()

	var out []*alarm.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range out {
		history, err := s.alarmHistory(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		a.History = history
	}
	return out, nil
}

func scanAlarm(rows *sql.Rows) (*alarm.Alarm, error) {
	var a alarm.Alarm
	var severity, state, watchers, notes, eventIDs string
	var deadline sql.NullTime
	var assignee, runbook, policy sql.NullString
	if err := rows.Scan(
		&a.ID, &a.GroupKey, &a.Tenant, &a.Site, &severity, &state,
		&a.CreatedAt, &a.UpdatedAt, &deadline, &a.Confidence,
		&assignee, &runbook, &policy, &watchers, &notes, &eventIDs,
	); err != nil {
		return nil, fmt.Errorf("scan alarm: %w", err)
	}
	a.Severity = alarm.Severity(severity)
	a.State = alarm.State(state)
	if deadline.Valid {
		d := deadline.Time
		a.SLADeadline = &d
	}
	a.Assignee = assignee.String
	a.RunbookID = runbook.String
	a.EscalationPolicy = policy.String
	if err := json.Unmarshal([]byte(watchers), &a.Watchers); err != nil {
		return nil, fmt.Errorf("decode alarm %s watchers: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(notes), &a.Notes); err != nil {
		return nil, fmt.Errorf("decode alarm %s notes: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(eventIDs), &a.CorrelatedEventIDs); err != nil {
		return nil, fmt.Errorf("decode alarm %s event ids: %w", a.ID, err)
	}
	return &a, nil
}

func (s *Store) alarmHistory(ctx context.Context, alarmID string) ([]alarm.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, actor, timestamp, note, from_state, to_state, details
		 FROM alarm_history WHERE alarm_id = ? ORDER BY id`, alarmID)
	if err != nil {
		return nil, fmt.Errorf("load history for alarm %s: %w", alarmID, err)
	}
	defer rows.Close()

	var out []alarm.HistoryEntry
	for rows.Next() {
		var h alarm.HistoryEntry
		var note, from, to, details sql.NullString
		var ts time.Time
		if err := rows.Scan(&h.Action, &h.Actor, &ts, &note, &from, &to, &details); err != nil {
			return nil, fmt.Errorf("scan history for alarm %s: %w", alarmID, err)
		}
		h.Timestamp = ts
		h.Note = note.String
		h.FromState = alarm.State(from.String)
		h.ToState = alarm.State(to.String)
		if details.String != "" {
			var d map[string]interface{}
			if err := json.Unmarshal([]byte(details.String), &d); err == nil {
				h.Details = d
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
