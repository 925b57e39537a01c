package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KnownCapabilityKinds is the registered set of capability identifiers
// validate_plan checks step kinds against, the Go analogue of the
// per-kind schema validation spec.md §9 calls for at the Capability Port
// boundary.
var KnownCapabilityKinds = map[string]struct{}{
	"preflight":                {},
	"tf.plan":                  {},
	"tf.apply":                 {},
	"terraform.plan":           {},
	"terraform.apply":          {},
	"terraform.destroy":        {},
	"safety.pre":               {},
	"verify":                   {},
	"k8s.apply":                {},
	"k8s.delete":               {},
	"helm.install":             {},
	"helm.uninstall":           {},
	"git.commit":               {},
	"git.revert":               {},
	"git.push":                 {},
	"drift.detect":             {},
	"policy.compare":           {},
	"compliance.report":        {},
	"checkpoint.load_latest":   {},
	"rollback.compute_inverse": {},
	"rollback.apply":           {},
	"generate.render":          {},
	"generate.write_files":     {},
	"generate.format":          {},
	"generate.validate":        {},
}

// RegisterCapabilityKind adds a capability identifier to the known set,
// for tool services the Capability Port learns about after startup
// configuration (e.g. a new provider plugin).
func RegisterCapabilityKind(kind string) {
	KnownCapabilityKinds[normalizeCapabilityKind(kind)] = struct{}{}
}

func isKnownKind(kind string) bool {
	_, ok := KnownCapabilityKinds[normalizeCapabilityKind(kind)]
	return ok
}

const (
	defaultMaxRetries  = 2
	defaultTimeoutMS   = 30_000
	defaultEstimatedMS = 5_000
)

// stepSpec is an internal template for one step in a decomposition rule.
type stepSpec struct {
	kind          string
	policy        FailurePolicy
	estimatedMS   int
	requiresSafetyPre bool
}

// decompositionRules maps a task type to its ordered step chain per
// spec.md §4.2: generate/deploy/verify/rollback/analyze.
var decompositionRules = map[TaskType][]stepSpec{
	TaskGenerate: {
		{kind: "generate.render", policy: PolicyAbort, estimatedMS: 2000},
		{kind: "generate.write_files", policy: PolicyAbort, estimatedMS: 1000},
		{kind: "generate.format", policy: PolicyContinue, estimatedMS: 500},
		{kind: "generate.validate", policy: PolicyFailTask, estimatedMS: 1000},
	},
	TaskDeploy: {
		{kind: "preflight", policy: PolicyAbort, estimatedMS: 3000},
		{kind: "tf.plan", policy: PolicyAbort, estimatedMS: 5000},
		{kind: "safety.pre", policy: PolicyFailTask, estimatedMS: 500},
		{kind: "tf.apply", policy: PolicyFailTask, estimatedMS: 15000, requiresSafetyPre: true},
		{kind: "verify", policy: PolicyContinue, estimatedMS: 3000},
	},
	TaskVerify: {
		{kind: "drift.detect", policy: PolicyAbort, estimatedMS: 4000},
		{kind: "policy.compare", policy: PolicyContinue, estimatedMS: 1000},
	},
	TaskRollback: {
		{kind: "checkpoint.load_latest", policy: PolicyAbort, estimatedMS: 500},
		{kind: "rollback.compute_inverse", policy: PolicyAbort, estimatedMS: 500},
		{kind: "rollback.apply", policy: PolicyFailTask, estimatedMS: 10000},
	},
	TaskAnalyze: {
		{kind: "drift.detect", policy: PolicyAbort, estimatedMS: 4000},
		{kind: "compliance.report", policy: PolicyContinue, estimatedMS: 1000},
	},
}

// GeneratePlan decomposes a Task into a Plan per spec.md §4.2's rules.
// Step ids are content-addressed (sha256 of task id, position, and
// kind) so the same task spec always yields the same Plan: the
// generate_plan(spec) == generate_plan(spec) property spec.md §8 requires.
func GeneratePlan(task Task) (Plan, error) {
	if !task.Type.Valid() {
		return Plan{}, fmt.Errorf("planner: unknown task type %q", task.Type)
	}
	rules, ok := decompositionRules[task.Type]
	if !ok {
		return Plan{}, fmt.Errorf("planner: no decomposition rule registered for task type %q", task.Type)
	}

	steps := make([]Step, len(rules))
	for i, rule := range rules {
		steps[i] = Step{
			ID:             stepID(task.ID, i, rule.kind),
			Kind:           rule.kind,
			Inputs:         map[string]any{},
			MaxRetries:     defaultMaxRetries,
			TimeoutMS:      defaultTimeoutMS,
			IdempotencyKey: stepID(task.ID, i, rule.kind),
			FailurePolicy:  rule.policy,
			EstimatedMS:    rule.estimatedMS,
			Priority:       0,
			State:          StepPending,
		}
	}

	// Edge construction (spec.md §4.2): linear happens-before chain for
	// these single-branch decompositions, plus an explicit dependency
	// from any step needing a pre-safety-check onto "safety.pre" — the
	// "destructive steps depend on a safety-check step of phase=pre" rule.
	var edges []Edge
	for i := 1; i < len(steps); i++ {
		edges = append(edges, Edge{From: steps[i-1].ID, To: steps[i].ID})
	}
	for i, rule := range rules {
		if !rule.requiresSafetyPre {
			continue
		}
		for j, other := range rules {
			if other.kind == "safety.pre" && j != i {
				edges = append(edges, Edge{From: steps[j].ID, To: steps[i].ID})
			}
		}
	}

	total := 0
	for _, s := range steps {
		total += s.EstimatedMS
	}

	plan := Plan{
		ID:                  planID(task.ID),
		TaskID:              task.ID,
		Steps:               steps,
		Edges:               dedupeEdges(edges),
		EstimatedDurationMS: total,
		RiskScore:           riskScoreFor(task),
	}
	return plan, nil
}

func riskScoreFor(task Task) float64 {
	switch task.Priority {
	case PriorityCritical:
		return 0.9
	case PriorityHigh:
		return 0.6
	case PriorityMedium:
		return 0.3
	default:
		return 0.1
	}
}

func stepID(taskID string, position int, kind string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", taskID, position, normalizeCapabilityKind(kind))))
	return fmt.Sprintf("step-%s", hex.EncodeToString(h[:])[:12])
}

func planID(taskID string) string {
	h := sha256.Sum256([]byte(taskID + "|plan"))
	return fmt.Sprintf("plan-%s", hex.EncodeToString(h[:])[:12])
}

func dedupeEdges(edges []Edge) []Edge {
	seen := make(map[Edge]struct{}, len(edges))
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
