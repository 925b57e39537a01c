package safety

import (
	"context"
	"database/sql"
	"time"

	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
)

const resultsSchema = `
CREATE TABLE IF NOT EXISTS safety_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	check_name TEXT NOT NULL,
	category TEXT NOT NULL,
	severity TEXT NOT NULL,
	passed INTEGER NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	requires_approval INTEGER NOT NULL DEFAULT 0,
	approved_by TEXT NOT NULL DEFAULT '',
	approved_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_safety_results_task_id ON safety_results(task_id);
`

// ResultStore persists every Safety Check Result ever evaluated, the
// append-only analogue of internal/events' event log applied to
// safety verdicts: a task's full safety history must be reconstructible
// for audit, not just its current gate state.
type ResultStore struct {
	db *sql.DB
}

// NewResultStore wraps an already-open database handle and ensures the
// safety_results schema exists.
func NewResultStore(db *sql.DB) (*ResultStore, error) {
	if _, err := db.Exec(resultsSchema); err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "create safety results schema", err)
	}
	return &ResultStore{db: db}, nil
}

// Record persists one phase's evaluated CheckResults in a single
// transaction.
func (s *ResultStore) Record(ctx context.Context, results []CheckResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "begin safety result transaction", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		passed := 0
		if r.Passed {
			passed = 1
		}
		requiresApproval := 0
		if r.RequiresApproval {
			requiresApproval = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO safety_results (task_id, phase, check_name, category, severity, passed, message, requires_approval, approved_by)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.OperationID, string(r.Phase), r.CheckName, r.Category, string(r.Severity), passed, r.Message, requiresApproval, r.ApprovedBy,
		); err != nil {
			return nimbuserr.New(nimbuserr.StorageUnavailable, "insert safety result", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "commit safety results", err)
	}
	return nil
}

// ForTask returns every recorded result for a task, oldest first.
func (s *ResultStore) ForTask(ctx context.Context, taskID string) ([]CheckResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, phase, check_name, category, severity, passed, message, requires_approval, approved_by, approved_at, created_at
		 FROM safety_results WHERE task_id = ? ORDER BY id ASC`, taskID,
	)
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "query safety results", err)
	}
	defer rows.Close()

	var out []CheckResult
	for rows.Next() {
		var r CheckResult
		var phase, severity string
		var passed, requiresApproval int
		var approvedAt sql.NullTime
		var createdAt time.Time
		if err := rows.Scan(&r.OperationID, &phase, &r.CheckName, &r.Category, &severity, &passed, &r.Message,
			&requiresApproval, &r.ApprovedBy, &approvedAt, &createdAt); err != nil {
			return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "scan safety result", err)
		}
		r.Phase = Phase(phase)
		r.Severity = Severity(severity)
		r.Passed = passed != 0
		r.RequiresApproval = requiresApproval != 0
		if approvedAt.Valid {
			r.ApprovedAt = approvedAt.Time.Format(time.RFC3339)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
