package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	team_id TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	metadata TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	plan_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at DATETIME,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id);
`

// TaskStore persists Tasks in SQLite, following the teacher's
// open-then-ensure-schema idiom shared by every other store in this
// engine.
type TaskStore struct {
	db *sql.DB
}

// OpenTaskStore opens (or creates) the SQLite database backing the task
// store.
func OpenTaskStore(dbPath string) (*TaskStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "open task store database", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "create task store schema", err)
	}
	return &TaskStore{db: db}, nil
}

// NewTaskStore wraps an already-open database handle.
func NewTaskStore(db *sql.DB) (*TaskStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "create task store schema", err)
	}
	return &TaskStore{db: db}, nil
}

func (s *TaskStore) Close() error { return s.db.Close() }

// Create inserts a new task.
func (s *TaskStore) Create(ctx context.Context, task planner.Task) error {
	contextJSON, err := json.Marshal(task.Context)
	if err != nil {
		return nimbuserr.New(nimbuserr.BadInput, "marshal task context", err)
	}
	metadataJSON, err := json.Marshal(task.Metadata)
	if err != nil {
		return nimbuserr.New(nimbuserr.BadInput, "marshal task metadata", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, type, user_id, team_id, priority, context, metadata, status, plan_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Type), task.UserID, task.TeamID, string(task.Priority),
		string(contextJSON), string(metadataJSON), string(task.Status), task.PlanID, task.CreatedAt,
	)
	if err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "insert task", err)
	}
	return nil
}

// Get loads a task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (planner.Task, error) {
	var t planner.Task
	var contextJSON, metadataJSON, typ, priority, status string
	var startedAt, finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, user_id, team_id, priority, context, metadata, status, plan_id, created_at, started_at, finished_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &typ, &t.UserID, &t.TeamID, &priority, &contextJSON, &metadataJSON, &status, &t.PlanID,
		&t.CreatedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return planner.Task{}, nimbuserr.Newf(nimbuserr.NotFound, nil, "task %q not found", id)
	}
	if err != nil {
		return planner.Task{}, nimbuserr.New(nimbuserr.StorageUnavailable, "query task", err)
	}
	t.Type = planner.TaskType(typ)
	t.Priority = planner.TaskPriority(priority)
	t.Status = planner.TaskStatus(status)
	if err := json.Unmarshal([]byte(contextJSON), &t.Context); err != nil {
		return planner.Task{}, nimbuserr.New(nimbuserr.Internal, "unmarshal task context", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &t.Metadata); err != nil {
		return planner.Task{}, nimbuserr.New(nimbuserr.Internal, "unmarshal task metadata", err)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Time
	}
	return t, nil
}

// Filters narrows list_tasks, matching spec.md §4.1's get_statistics/
// list_tasks read surface.
type Filters struct {
	Status planner.TaskStatus
	UserID string
	Type   planner.TaskType
}

// List returns tasks matching the given filters, most recently created
// first.
func (s *TaskStore) List(ctx context.Context, f Filters) ([]planner.Task, error) {
	query := `SELECT id, type, user_id, team_id, priority, context, metadata, status, plan_id, created_at, started_at, finished_at FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "list tasks", err)
	}
	defer rows.Close()

	var out []planner.Task
	for rows.Next() {
		var t planner.Task
		var contextJSON, metadataJSON, typ, priority, status string
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&t.ID, &typ, &t.UserID, &t.TeamID, &priority, &contextJSON, &metadataJSON, &status,
			&t.PlanID, &t.CreatedAt, &startedAt, &finishedAt); err != nil {
			return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "scan task row", err)
		}
		t.Type = planner.TaskType(typ)
		t.Priority = planner.TaskPriority(priority)
		t.Status = planner.TaskStatus(status)
		json.Unmarshal([]byte(contextJSON), &t.Context)
		json.Unmarshal([]byte(metadataJSON), &t.Metadata)
		if startedAt.Valid {
			t.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			t.FinishedAt = &finishedAt.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a task's status, optionally setting plan_id,
// started_at, or finished_at. Zero values leave the corresponding column
// untouched.
func (s *TaskStore) UpdateStatus(ctx context.Context, id string, status planner.TaskStatus, planID string, startedAt, finishedAt *time.Time) error {
	set := `status = ?`
	args := []any{string(status)}
	if planID != "" {
		set += `, plan_id = ?`
		args = append(args, planID)
	}
	if startedAt != nil {
		set += `, started_at = ?`
		args = append(args, *startedAt)
	}
	if finishedAt != nil {
		set += `, finished_at = ?`
		args = append(args, *finishedAt)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "update task status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "read rows affected updating task", err)
	}
	if affected == 0 {
		return nimbuserr.Newf(nimbuserr.NotFound, nil, "task %q not found", id)
	}
	return nil
}

// CompareAndSwapStatus transitions a task's status only if its current
// status is one of from, the same compare-and-swap idiom
// internal/safety's approval_gates table uses (UPDATE ... WHERE
// approved_at IS NULL) to make a concurrent grant race-free without a
// held lock. It reports whether the swap happened.
func (s *TaskStore) CompareAndSwapStatus(ctx context.Context, id string, from []planner.TaskStatus, to planner.TaskStatus) (bool, error) {
	if len(from) == 0 {
		return false, nimbuserr.New(nimbuserr.BadInput, "compare-and-swap requires at least one from status", nil)
	}
	placeholders := make([]byte, 0, len(from)*2)
	args := make([]any, 0, len(from)+2)
	args = append(args, string(to))
	for i, st := range from {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, string(st))
	}
	args = append(args, id)

	query := `UPDATE tasks SET status = ? WHERE status IN (` + string(placeholders) + `) AND id = ?`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, nimbuserr.New(nimbuserr.StorageUnavailable, "compare-and-swap task status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, nimbuserr.New(nimbuserr.StorageUnavailable, "read rows affected in compare-and-swap", err)
	}
	return affected > 0, nil
}

// CountByStatus returns the durable per-status task counts backing
// get_statistics.
func (s *TaskStore) CountByStatus(ctx context.Context) (map[planner.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "count tasks by status", err)
	}
	defer rows.Close()

	counts := make(map[planner.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "scan task status count", err)
		}
		counts[planner.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}
