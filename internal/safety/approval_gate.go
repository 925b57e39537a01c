package safety

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
)

// DefaultApprovalTimeout is how long a task may sit in
// awaiting_approval before the pre-phase escalation fails it, per
// spec.md §4.4.
const DefaultApprovalTimeout = 24 * time.Hour

const approvalGateSchema = `
CREATE TABLE IF NOT EXISTS approval_gates (
	task_id TEXT PRIMARY KEY,
	requested_at DATETIME NOT NULL,
	approved_by TEXT,
	approved_at DATETIME,
	timeout_at DATETIME NOT NULL
);
`

// ApprovalRequest describes a pending or resolved approval, the
// one-row-per-task generalization of the teacher's
// ExecutionPlanGate single global row.
type ApprovalRequest struct {
	TaskID      string
	RequestedAt time.Time
	ApprovedBy  string
	ApprovedAt  *time.Time
	TimeoutAt   time.Time
}

// Approved reports whether the request has been granted.
func (r ApprovalRequest) Approved() bool { return r.ApprovedAt != nil }

// Expired reports whether the request's timeout has elapsed without
// approval, as of now.
func (r ApprovalRequest) Expired(now time.Time) bool {
	return !r.Approved() && now.After(r.TimeoutAt)
}

// ApprovalGate persists per-task approval state. It generalizes
// internal/store/plan_gate.go's ExecutionPlanGate (a single row keyed
// id=1, upserted via ON CONFLICT(id) DO UPDATE) to one row per task
// keyed on task_id, since Nimbus runs many tasks concurrently where
// cortex gated a single active plan.
type ApprovalGate struct {
	db      *sql.DB
	timeout time.Duration
}

// NewApprovalGate wraps an already-open database handle and ensures
// the approval_gates schema exists.
func NewApprovalGate(db *sql.DB, timeout time.Duration) (*ApprovalGate, error) {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if _, err := db.Exec(approvalGateSchema); err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "create approval gate schema", err)
	}
	return &ApprovalGate{db: db, timeout: timeout}, nil
}

// RequestApproval opens (or reopens) an approval request for taskID,
// matching plan_gate.go's SetActiveApprovedPlan upsert: a fresh
// request always replaces any prior resolved or stale one for the
// same task.
func (g *ApprovalGate) RequestApproval(ctx context.Context, taskID string, now time.Time) (ApprovalRequest, error) {
	timeoutAt := now.Add(g.timeout)
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO approval_gates (task_id, requested_at, approved_by, approved_at, timeout_at)
		VALUES (?, ?, NULL, NULL, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			requested_at = excluded.requested_at,
			approved_by = NULL,
			approved_at = NULL,
			timeout_at = excluded.timeout_at
	`, taskID, now, timeoutAt)
	if err != nil {
		return ApprovalRequest{}, nimbuserr.New(nimbuserr.StorageUnavailable, "request approval", err)
	}
	return ApprovalRequest{TaskID: taskID, RequestedAt: now, TimeoutAt: timeoutAt}, nil
}

// Grant records approval by approverID, the out-of-band
// grant_approval(task_id, approver_id) operation from spec.md §4.4.
func (g *ApprovalGate) Grant(ctx context.Context, taskID, approverID string, now time.Time) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE approval_gates SET approved_by = ?, approved_at = ?
		WHERE task_id = ? AND approved_at IS NULL
	`, approverID, now, taskID)
	if err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "grant approval", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "read grant approval result", err)
	}
	if n == 0 {
		return nimbuserr.Newf(nimbuserr.NotFound, nil, "no pending approval request for task %q", taskID)
	}
	return nil
}

// Get returns the current approval request for taskID, or nil if none
// exists.
func (g *ApprovalGate) Get(ctx context.Context, taskID string) (*ApprovalRequest, error) {
	var r ApprovalRequest
	var approvedBy sql.NullString
	var approvedAt sql.NullTime
	err := g.db.QueryRowContext(ctx, `
		SELECT task_id, requested_at, approved_by, approved_at, timeout_at
		FROM approval_gates WHERE task_id = ?
	`, taskID).Scan(&r.TaskID, &r.RequestedAt, &approvedBy, &approvedAt, &r.TimeoutAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "query approval gate", err)
	}
	if approvedBy.Valid {
		r.ApprovedBy = approvedBy.String
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		r.ApprovedAt = &t
	}
	return &r, nil
}

// Clear removes the approval row for taskID, matching
// plan_gate.go's ClearActiveApprovedPlan. Called once the task leaves
// awaiting_approval, whether by grant, timeout, or cancellation.
func (g *ApprovalGate) Clear(ctx context.Context, taskID string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM approval_gates WHERE task_id = ?`, taskID); err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "clear approval gate", err)
	}
	return nil
}
