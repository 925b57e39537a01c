// Package checkpoint implements the Checkpoint Store (C5): durable
// per-step state indexed by operation, with a monotonic step guard so
// a given (operation_id, step) pair is only ever accepted once and in
// increasing order, following the teacher's
// internal/store/store.go schema+WAL idiom and plan_gate.go's
// ON CONFLICT upsert idiom adapted to an insert-only guard.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
)

// DefaultMaxStateBytes is the default implementation-imposed size cap
// for an opaque checkpoint state blob (spec.md §4.5).
const DefaultMaxStateBytes = 1 << 20

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_id TEXT NOT NULL,
	step INTEGER NOT NULL,
	state TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_operation_step ON checkpoints(operation_id, step);
CREATE INDEX IF NOT EXISTS idx_checkpoints_operation_id ON checkpoints(operation_id);
`

// Checkpoint is a durable snapshot of execution progress for an
// operation (a plan_id or task_id).
type Checkpoint struct {
	ID          int64
	OperationID string
	Step        int
	State       json.RawMessage
	CreatedAt   time.Time
}

// Summary is the list() projection: identifying fields without the
// (potentially large) state payload.
type Summary struct {
	ID          int64
	OperationID string
	Step        int
	CreatedAt   time.Time
}

// Store is the Storage Port's SQLite-backed implementation for
// checkpoints. There is no in-memory cache: every read consults
// storage directly, per spec.md §4.5's "no cache that can diverge"
// requirement.
type Store struct {
	db            *sql.DB
	maxStateBytes int
}

// Option configures a Store at construction.
type Option func(*Store)

// WithMaxStateBytes overrides DefaultMaxStateBytes.
func WithMaxStateBytes(n int) Option {
	return func(s *Store) { s.maxStateBytes = n }
}

// Open opens (or creates) the SQLite database backing the checkpoint
// store and ensures its schema exists.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "open checkpoint store database", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "create checkpoint store schema", err)
	}
	s := &Store{db: db, maxStateBytes: DefaultMaxStateBytes}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// New wraps an already-open database handle.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "create checkpoint store schema", err)
	}
	s := &Store{db: db, maxStateBytes: DefaultMaxStateBytes}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save persists a checkpoint for operationID at step, atomically
// guarding that step is strictly greater than any previously-saved
// step for the same operation — the "conditional write for step
// monotonicity" spec.md §4.5 requires when only read-committed
// isolation is available. The guard reads MAX(step) for the operation
// and inserts only if step exceeds it, both inside one transaction;
// the unique (operation_id, step) index backs it up.
func (s *Store) Save(ctx context.Context, operationID string, step int, state any) (Checkpoint, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return Checkpoint{}, nimbuserr.New(nimbuserr.BadInput, "marshal checkpoint state", err)
	}
	if len(encoded) > s.maxStateBytes {
		return Checkpoint{}, nimbuserr.Newf(nimbuserr.BadInput, nil,
			"checkpoint state is %d bytes, exceeds limit of %d", len(encoded), s.maxStateBytes)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Checkpoint{}, nimbuserr.New(nimbuserr.StorageUnavailable, "begin checkpoint save transaction", err)
	}
	defer tx.Rollback()

	var maxStep sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(step) FROM checkpoints WHERE operation_id = ?`, operationID).Scan(&maxStep); err != nil {
		return Checkpoint{}, nimbuserr.New(nimbuserr.StorageUnavailable, "query max checkpoint step", err)
	}
	if maxStep.Valid && int64(step) <= maxStep.Int64 {
		return Checkpoint{}, nimbuserr.Newf(nimbuserr.Conflict, nil,
			"checkpoint step %d is not greater than current max %d for operation %q", step, maxStep.Int64, operationID)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (operation_id, step, state) VALUES (?, ?, ?)`,
		operationID, step, string(encoded),
	)
	if err != nil {
		return Checkpoint{}, nimbuserr.New(nimbuserr.StorageUnavailable, "insert checkpoint", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Checkpoint{}, nimbuserr.New(nimbuserr.StorageUnavailable, "read inserted checkpoint id", err)
	}

	var createdAt time.Time
	if err := tx.QueryRowContext(ctx, `SELECT created_at FROM checkpoints WHERE id = ?`, id).Scan(&createdAt); err != nil {
		return Checkpoint{}, nimbuserr.New(nimbuserr.StorageUnavailable, "read checkpoint created_at", err)
	}

	if err := tx.Commit(); err != nil {
		return Checkpoint{}, nimbuserr.New(nimbuserr.StorageUnavailable, "commit checkpoint save", err)
	}

	return Checkpoint{ID: id, OperationID: operationID, Step: step, State: encoded, CreatedAt: createdAt}, nil
}

// GetLatest returns the checkpoint with the max step for operationID,
// or nil if none exists.
func (s *Store) GetLatest(ctx context.Context, operationID string) (*Checkpoint, error) {
	var c Checkpoint
	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, operation_id, step, state, created_at FROM checkpoints
		 WHERE operation_id = ? ORDER BY step DESC LIMIT 1`, operationID,
	).Scan(&c.ID, &c.OperationID, &c.Step, &stateJSON, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "query latest checkpoint", err)
	}
	c.State = json.RawMessage(stateJSON)
	return &c, nil
}

// Get returns a checkpoint by id.
func (s *Store) Get(ctx context.Context, id int64) (*Checkpoint, error) {
	var c Checkpoint
	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, operation_id, step, state, created_at FROM checkpoints WHERE id = ?`, id,
	).Scan(&c.ID, &c.OperationID, &c.Step, &stateJSON, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nimbuserr.Newf(nimbuserr.NotFound, nil, "checkpoint %d not found", id)
	}
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "query checkpoint", err)
	}
	c.State = json.RawMessage(stateJSON)
	return &c, nil
}

// List returns checkpoint summaries for an operation, ordered by step.
func (s *Store) List(ctx context.Context, operationID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation_id, step, created_at FROM checkpoints WHERE operation_id = ? ORDER BY step ASC`,
		operationID,
	)
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "list checkpoints", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.OperationID, &sum.Step, &sum.CreatedAt); err != nil {
			return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "scan checkpoint summary", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteAll removes every checkpoint for an operation. Callers must
// only invoke this after the owning task reaches a terminal status
// (spec.md §4.5's "deletion is only legal after terminal task status"
// — enforced by the orchestrator, not this package, since the store
// has no notion of task status).
func (s *Store) DeleteAll(ctx context.Context, operationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE operation_id = ?`, operationID)
	if err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "delete checkpoints", err)
	}
	return nil
}
