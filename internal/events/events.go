// Package events implements the orchestrator's append-only event log:
// every task/plan lifecycle transition is recorded with a
// monotonically-increasing, per-task sequence number assigned at
// emission time, independent of wall clock.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
)

// Kind is the closed set of event kinds the orchestrator emits.
type Kind string

const (
	TaskCreated       Kind = "task_created"
	PlanGenerated     Kind = "plan_generated"
	StepStarted       Kind = "step_started"
	StepSucceeded     Kind = "step_succeeded"
	StepFailed        Kind = "step_failed"
	CheckpointSaved   Kind = "checkpoint_saved"
	ApprovalRequested Kind = "approval_requested"
	ApprovalGranted   Kind = "approval_granted"
	TaskCancelled     Kind = "task_cancelled"
	TaskFinished      Kind = "task_finished"
)

func (k Kind) Valid() bool {
	switch k {
	case TaskCreated, PlanGenerated, StepStarted, StepSucceeded, StepFailed,
		CheckpointSaved, ApprovalRequested, ApprovalGranted, TaskCancelled, TaskFinished:
		return true
	}
	return false
}

// Event is one append-only log entry. PlanID is empty when the event
// predates plan generation (e.g. task_created).
type Event struct {
	ID        int64
	TaskID    string
	PlanID    string
	Seq       int64
	Kind      Kind
	Payload   json.RawMessage
	Timestamp time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	plan_id TEXT NOT NULL DEFAULT '',
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	timestamp DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_task_seq ON events(task_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);
`

// Log provides SQLite-backed persistence for the event log.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database backing the event log and
// ensures its schema exists, following the teacher's open-then-ensure-
// schema idiom.
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "open event log database", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "create event log schema", err)
	}
	return &Log{db: db}, nil
}

// New wraps an already-open database handle (used when events shares a
// connection with other stores in the same process).
func New(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "create event log schema", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append records an event for taskID, allocating the next sequence
// number for that task inside a single transaction so concurrent
// appends for the same task never collide or reorder.
func (l *Log) Append(ctx context.Context, taskID, planID string, kind Kind, payload any) (Event, error) {
	if !kind.Valid() {
		return Event{}, nimbuserr.Newf(nimbuserr.BadInput, nil, "invalid event kind %q", kind)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return Event{}, nimbuserr.New(nimbuserr.BadInput, "marshal event payload", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, nimbuserr.New(nimbuserr.StorageUnavailable, "begin event append transaction", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE task_id = ?`, taskID).Scan(&maxSeq); err != nil {
		return Event{}, nimbuserr.New(nimbuserr.StorageUnavailable, "query max event sequence", err)
	}
	nextSeq := maxSeq.Int64 + 1

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (task_id, plan_id, seq, kind, payload) VALUES (?, ?, ?, ?, ?)`,
		taskID, planID, nextSeq, string(kind), string(encoded),
	)
	if err != nil {
		return Event{}, nimbuserr.New(nimbuserr.StorageUnavailable, "insert event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Event{}, nimbuserr.New(nimbuserr.StorageUnavailable, "read inserted event id", err)
	}

	var ts time.Time
	if err := tx.QueryRowContext(ctx, `SELECT timestamp FROM events WHERE id = ?`, id).Scan(&ts); err != nil {
		return Event{}, nimbuserr.New(nimbuserr.StorageUnavailable, "read event timestamp", err)
	}

	if err := tx.Commit(); err != nil {
		return Event{}, nimbuserr.New(nimbuserr.StorageUnavailable, "commit event append", err)
	}

	return Event{
		ID:        id,
		TaskID:    taskID,
		PlanID:    planID,
		Seq:       nextSeq,
		Kind:      kind,
		Payload:   encoded,
		Timestamp: ts,
	}, nil
}

// ForTask returns all events for a task, ordered by sequence number —
// the total order guarantee spec.md §4.4 requires.
func (l *Log) ForTask(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, task_id, plan_id, seq, kind, payload, timestamp FROM events WHERE task_id = ? ORDER BY seq ASC`,
		taskID,
	)
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "query task events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// TailForTask returns at most n of the most recent events for a task,
// in chronological order — used for diagnostics on the get_task_events
// surface ("last N events...retrievable for diagnostics", spec.md §7).
func (l *Log) TailForTask(ctx context.Context, taskID string, n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, task_id, plan_id, seq, kind, payload, timestamp FROM events
		 WHERE task_id = ? ORDER BY seq DESC LIMIT ?`,
		taskID, n,
	)
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "query tail task events", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var kind, payload string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.PlanID, &e.Seq, &kind, &payload, &e.Timestamp); err != nil {
			return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "scan event row", err)
		}
		e.Kind = Kind(kind)
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "iterate event rows", err)
	}
	return events, nil
}

// CountByKind returns per-kind counts across all tasks, the durable
// half of get_statistics (spec.md §4.1) — the in-memory half lives in
// internal/orchestrator.
func (l *Log) CountByKind(ctx context.Context) (map[Kind]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "query event counts by kind", err)
	}
	defer rows.Close()

	counts := make(map[Kind]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "scan event count row", err)
		}
		counts[Kind(kind)] = count
	}
	return counts, rows.Err()
}
