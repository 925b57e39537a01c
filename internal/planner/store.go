package planner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	_ "modernc.org/sqlite"

	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	estimated_duration_ms INTEGER NOT NULL DEFAULT 0,
	risk_score REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS plan_steps (
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	kind TEXT NOT NULL,
	inputs TEXT NOT NULL DEFAULT '{}',
	expected_effects TEXT NOT NULL DEFAULT '[]',
	max_retries INTEGER NOT NULL DEFAULT 0,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT NOT NULL DEFAULT '',
	failure_policy TEXT NOT NULL DEFAULT 'abort',
	estimated_ms INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	outputs TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (plan_id, id)
);

CREATE TABLE IF NOT EXISTS plan_edges (
	plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
	from_step TEXT NOT NULL,
	to_step TEXT NOT NULL,
	PRIMARY KEY (plan_id, from_step, to_step)
);

CREATE INDEX IF NOT EXISTS idx_plans_task_id ON plans(task_id);
CREATE INDEX IF NOT EXISTS idx_plan_steps_plan_id ON plan_steps(plan_id);
CREATE INDEX IF NOT EXISTS idx_plan_edges_plan_id ON plan_edges(plan_id);
`

// cycleCheckSQL mirrors the teacher's internal/graph.DAG recursive-CTE
// reachability check, generalized from task edges to plan step edges:
// it asks "can 'to' already reach 'from'?" before an edge from->to is
// added, the same way the teacher asks it before adding a task_edges row.
const cycleCheckSQL = `
WITH RECURSIVE reachable(step_id) AS (
	SELECT to_step FROM plan_edges WHERE plan_id = ? AND from_step = ?
	UNION ALL
	SELECT e.to_step
	FROM plan_edges e
	INNER JOIN reachable r ON e.from_step = r.step_id AND e.plan_id = ?
)
SELECT 1 FROM reachable WHERE step_id = ? LIMIT 1;`

// Store persists Plans in SQLite, following internal/graph.DAG's
// open-then-ensure-schema idiom.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database backing the plan store.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "open plan store database", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "create plan store schema", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open database handle.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "create plan store schema", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save persists a validated Plan. Plan is immutable after validation
// (spec.md §3), so Save always does a full INSERT OR REPLACE of the
// plan's steps/edges rather than supporting partial updates.
func (s *Store) Save(ctx context.Context, plan Plan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "begin plan save transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO plans (id, task_id, estimated_duration_ms, risk_score) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET estimated_duration_ms=excluded.estimated_duration_ms, risk_score=excluded.risk_score`,
		plan.ID, plan.TaskID, plan.EstimatedDurationMS, plan.RiskScore,
	); err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "upsert plan", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_steps WHERE plan_id = ?`, plan.ID); err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "clear existing plan steps", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_edges WHERE plan_id = ?`, plan.ID); err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "clear existing plan edges", err)
	}

	for _, step := range plan.Steps {
		inputsJSON, err := json.Marshal(step.Inputs)
		if err != nil {
			return nimbuserr.New(nimbuserr.BadInput, "marshal step inputs", err)
		}
		effectsJSON, err := json.Marshal(step.ExpectedEffects)
		if err != nil {
			return nimbuserr.New(nimbuserr.BadInput, "marshal step expected effects", err)
		}
		outputsJSON, err := json.Marshal(step.Outputs)
		if err != nil {
			return nimbuserr.New(nimbuserr.BadInput, "marshal step outputs", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plan_steps (plan_id, id, kind, inputs, expected_effects, max_retries, timeout_ms,
				idempotency_key, failure_policy, estimated_ms, priority, state, attempts, last_error, outputs)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			plan.ID, step.ID, step.Kind, string(inputsJSON), string(effectsJSON), step.MaxRetries, step.TimeoutMS,
			step.IdempotencyKey, string(step.FailurePolicy), step.EstimatedMS, step.Priority, string(step.State),
			step.Attempts, step.LastError, string(outputsJSON),
		); err != nil {
			return nimbuserr.New(nimbuserr.StorageUnavailable, "insert plan step", err)
		}
	}

	for _, edge := range plan.Edges {
		if err := insertEdgeTx(ctx, tx, plan.ID, edge.From, edge.To); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "commit plan save", err)
	}
	return nil
}

func insertEdgeTx(ctx context.Context, tx *sql.Tx, planID, from, to string) error {
	var marker int
	err := tx.QueryRowContext(ctx, cycleCheckSQL, planID, to, planID, from).Scan(&marker)
	if err == nil {
		return nimbuserr.Newf(nimbuserr.BadInput, nil, "plan %q: edge %s->%s would create a cycle", planID, from, to)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "cycle check before inserting plan edge", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO plan_edges (plan_id, from_step, to_step) VALUES (?, ?, ?)`,
		planID, from, to,
	); err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "insert plan edge", err)
	}
	return nil
}

// Get loads a Plan by id, round-tripping through SQL rather than an
// in-memory cache, the same way internal/graph.DAG.GetTask does.
func (s *Store) Get(ctx context.Context, id string) (Plan, error) {
	var plan Plan
	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, estimated_duration_ms, risk_score FROM plans WHERE id = ?`, id,
	).Scan(&plan.ID, &plan.TaskID, &plan.EstimatedDurationMS, &plan.RiskScore)
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, nimbuserr.Newf(nimbuserr.NotFound, nil, "plan %q not found", id)
	}
	if err != nil {
		return Plan{}, nimbuserr.New(nimbuserr.StorageUnavailable, "query plan", err)
	}

	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return Plan{}, err
	}
	plan.Steps = steps

	edges, err := s.loadEdges(ctx, id)
	if err != nil {
		return Plan{}, err
	}
	plan.Edges = edges

	return plan, nil
}

func (s *Store) loadSteps(ctx context.Context, planID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, inputs, expected_effects, max_retries, timeout_ms, idempotency_key,
			failure_policy, estimated_ms, priority, state, attempts, last_error, outputs
		 FROM plan_steps WHERE plan_id = ?`, planID,
	)
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "query plan steps", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var step Step
		var inputsJSON, effectsJSON, outputsJSON, policy, state string
		if err := rows.Scan(&step.ID, &step.Kind, &inputsJSON, &effectsJSON, &step.MaxRetries, &step.TimeoutMS,
			&step.IdempotencyKey, &policy, &step.EstimatedMS, &step.Priority, &state, &step.Attempts,
			&step.LastError, &outputsJSON); err != nil {
			return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "scan plan step", err)
		}
		if err := json.Unmarshal([]byte(inputsJSON), &step.Inputs); err != nil {
			return nil, nimbuserr.New(nimbuserr.Internal, "unmarshal step inputs", err)
		}
		if err := json.Unmarshal([]byte(effectsJSON), &step.ExpectedEffects); err != nil {
			return nil, nimbuserr.New(nimbuserr.Internal, "unmarshal step expected effects", err)
		}
		if err := json.Unmarshal([]byte(outputsJSON), &step.Outputs); err != nil {
			return nil, nimbuserr.New(nimbuserr.Internal, "unmarshal step outputs", err)
		}
		step.FailurePolicy = FailurePolicy(policy)
		step.State = StepState(state)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *Store) loadEdges(ctx context.Context, planID string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_step, to_step FROM plan_edges WHERE plan_id = ?`, planID)
	if err != nil {
		return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "query plan edges", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.From, &e.To); err != nil {
			return nil, nimbuserr.New(nimbuserr.StorageUnavailable, "scan plan edge", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// UpdateStepState persists a single step's runtime state, used by the
// executor as it advances a plan.
func (s *Store) UpdateStepState(ctx context.Context, planID, stepID string, state StepState, attempts int, lastError string, outputs map[string]any) error {
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return nimbuserr.New(nimbuserr.BadInput, "marshal step outputs", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plan_steps SET state = ?, attempts = ?, last_error = ?, outputs = ? WHERE plan_id = ? AND id = ?`,
		string(state), attempts, lastError, string(outputsJSON), planID, stepID,
	)
	if err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "update plan step state", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nimbuserr.New(nimbuserr.StorageUnavailable, "read rows affected updating step state", err)
	}
	if affected == 0 {
		return nimbuserr.Newf(nimbuserr.NotFound, nil, "plan %q step %q not found", planID, stepID)
	}
	return nil
}
