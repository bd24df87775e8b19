// Package store is the SQLite persistence layer: versioned workflow
// documents, alarms with append-only history, raw events and the snapshot
// index. Alarm writes are synchronous; raw event writes are batched.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"overwatch/internal/correlator"
	"overwatch/internal/logging"
)

const (
	eventBatchSize  = 64
	eventFlushEvery = 500 * time.Millisecond
	eventQueueDepth = 1024
)

// Store wraps the SQLite connection.
type Store struct {
	db  *sql.DB
	log *logrus.Entry

	eventCh chan pendingEvent
	wg      sync.WaitGroup
	closed  chan struct{}
}

type pendingEvent struct {
	ev       correlator.RawEvent
	groupKey string
	score    float64
}

// Open connects to the database file (":memory:" for tests), applies
// pragmas and migrations, and starts the batched event writer.
func Open(path string, logger logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL for concurrent readers alongside the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:      db,
		log:     logging.Component(logger, "store"),
		eventCh: make(chan pendingEvent, eventQueueDepth),
		closed:  make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.eventWriterLoop()
	return s, nil
}

// Close flushes pending event batches and closes the connection.
func (s *Store) Close() error {
	close(s.closed)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			site_id TEXT,
			is_master INTEGER DEFAULT 0,
			status TEXT DEFAULT 'draft',
			document TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			node_id TEXT,
			kind TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			payload TEXT,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS alarms (
			id TEXT PRIMARY KEY,
			group_key TEXT NOT NULL,
			tenant TEXT NOT NULL,
			site TEXT NOT NULL,
			severity TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			sla_deadline DATETIME,
			confidence REAL,
			assignee TEXT,
			runbook_id TEXT,
			escalation_policy TEXT,
			watchers TEXT,
			notes TEXT,
			correlated_event_ids TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS alarm_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alarm_id TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			note TEXT,
			from_state TEXT,
			to_state TEXT,
			details TEXT,
			FOREIGN KEY (alarm_id) REFERENCES alarms(id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			group_key TEXT NOT NULL,
			tenant TEXT NOT NULL,
			site TEXT NOT NULL,
			area TEXT,
			type TEXT NOT NULL,
			observed_at DATETIME NOT NULL,
			ingested_at DATETIME NOT NULL,
			device_id TEXT,
			score REAL,
			payload TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots_index (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alarm_id TEXT,
			workflow_id TEXT,
			timestamp DATETIME NOT NULL,
			path TEXT NOT NULL,
			format TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_tenant ON alarms(tenant)`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_site ON alarms(site)`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_group_key ON alarms(group_key)`,
		`CREATE INDEX IF NOT EXISTS idx_alarms_state ON alarms(state)`,
		`CREATE INDEX IF NOT EXISTS idx_events_group_time ON events(group_key, ingested_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_events_wf_time ON workflow_events(workflow_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_alarm ON snapshots_index(alarm_id, timestamp DESC)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var _ correlator.EventWriter = (*Store)(nil)

// WriteEvent queues one raw event for batched insertion. The queue sheds the
// newest event when full; raw events are best-effort.
func (s *Store) WriteEvent(ev correlator.RawEvent, groupKey string, score float64) {
	select {
	case s.eventCh <- pendingEvent{ev: ev, groupKey: groupKey, score: score}:
	default:
		s.log.Warn("event write queue full, dropping raw event")
	}
}

func (s *Store) eventWriterLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(eventFlushEvery)
	defer ticker.Stop()

	batch := make([]pendingEvent, 0, eventBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertEvents(batch); err != nil {
			s.log.WithError(err).Error("event batch insert failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case pe := <-s.eventCh:
			batch = append(batch, pe)
			if len(batch) >= eventBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.closed:
			// Drain whatever is still queued, then flush once.
			for {
				select {
				case pe := <-s.eventCh:
					batch = append(batch, pe)
					if len(batch) >= eventBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) insertEvents(batch []pendingEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin event batch: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO events
		(id, group_key, tenant, site, area, type, observed_at, ingested_at, device_id, score, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, pe := range batch {
		payload, err := json.Marshal(pe.ev)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshal event %s: %w", pe.ev.ID, err)
		}
		if _, err := stmt.Exec(
			pe.ev.ID, pe.groupKey, pe.ev.Tenant, pe.ev.Site, pe.ev.Area, pe.ev.Type,
			pe.ev.ObservedAt, pe.ev.IngestedAt, pe.ev.DeviceID, pe.score, string(payload),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert event %s: %w", pe.ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event batch: %w", err)
	}
	return nil
}

// EventCount returns the number of persisted raw events, for status surfaces
// and tests.
func (s *Store) EventCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// IndexSnapshot records a captured snapshot or recording file.
func (s *Store) IndexSnapshot(ctx context.Context, alarmID, workflowID string, ts time.Time, path, format string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots_index (alarm_id, workflow_id, timestamp, path, format) VALUES (?, ?, ?, ?, ?)`,
		alarmID, workflowID, ts, path, format)
	if err != nil {
		return fmt.Errorf("index snapshot %s: %w", path, err)
	}
	return nil
}
