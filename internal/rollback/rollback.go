// Package rollback implements the Rollback Manager (C6): it derives an
// inverse plan from a plan's succeeded steps and walks it in reverse
// topological order, following the teacher's internal/git package idiom
// of shelling a capability invocation out via a command string (here,
// the remote git tool service's input) and the same
// cutoff-comparison idiom internal/git/cleanup.go uses to age out state.
package rollback

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/the-ai-project-co/nimbus-sub014/internal/checkpoint"
	"github.com/the-ai-project-co/nimbus-sub014/internal/nimbuserr"
	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
)

// InverseFunc builds the inverse step for a succeeded step, given the
// expected_effects it recorded. Returning ok=false means no inverse is
// registered for this step's kind.
type InverseFunc func(step planner.Step) (planner.Step, bool)

// Registry is the static map of capability kind to its inverse builder,
// populated once at construction the same way the Safety Engine's check
// registry is built once via NewEngine.
type Registry struct {
	inverses map[string]InverseFunc
}

// NewRegistry builds a Registry from kind->InverseFunc pairs, panicking
// on a nil InverseFunc — a misconfigured build should fail at startup,
// not silently drop an inverse at rollback time.
func NewRegistry(pairs map[string]InverseFunc) *Registry {
	reg := make(map[string]InverseFunc, len(pairs))
	for kind, fn := range pairs {
		if fn == nil {
			panic(fmt.Sprintf("rollback: nil inverse registered for kind %q", kind))
		}
		reg[kind] = fn
	}
	return &Registry{inverses: reg}
}

// DefaultRegistry wires the inverses spec.md §4.6 names:
// terraform.apply -> terraform.destroy scoped to expected_effects,
// k8s.apply -> k8s.delete, git.commit -> git.revert. The git inverse's
// capability input is the same {"command": "git revert --no-edit <sha>"}
// shape internal/git/branch.go and cleanup.go construct via os/exec
// CombinedOutput, except the command travels to the remote git tool
// service as a capability input rather than being run locally.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]InverseFunc{
		"terraform.apply": func(step planner.Step) (planner.Step, bool) {
			return planner.Step{
				ID:            step.ID + "-inverse",
				Kind:          "terraform.destroy",
				Inputs:        map[string]any{"targets": step.ExpectedEffects},
				TimeoutMS:     step.TimeoutMS,
				MaxRetries:    step.MaxRetries,
				FailurePolicy: planner.PolicyContinue,
				EstimatedMS:   step.EstimatedMS,
			}, true
		},
		"k8s.apply": func(step planner.Step) (planner.Step, bool) {
			return planner.Step{
				ID:            step.ID + "-inverse",
				Kind:          "k8s.delete",
				Inputs:        map[string]any{"resources": step.ExpectedEffects},
				TimeoutMS:     step.TimeoutMS,
				MaxRetries:    step.MaxRetries,
				FailurePolicy: planner.PolicyContinue,
				EstimatedMS:   step.EstimatedMS,
			}, true
		},
		"helm.install": func(step planner.Step) (planner.Step, bool) {
			return planner.Step{
				ID:            step.ID + "-inverse",
				Kind:          "helm.uninstall",
				Inputs:        map[string]any{"releases": step.ExpectedEffects},
				TimeoutMS:     step.TimeoutMS,
				MaxRetries:    step.MaxRetries,
				FailurePolicy: planner.PolicyContinue,
				EstimatedMS:   step.EstimatedMS,
			}, true
		},
		"git.commit": func(step planner.Step) (planner.Step, bool) {
			sha, _ := step.Outputs["sha"].(string)
			return planner.Step{
				ID:            step.ID + "-inverse",
				Kind:          "git.revert",
				Inputs:        map[string]any{"command": fmt.Sprintf("git revert --no-edit %s", sha)},
				TimeoutMS:     step.TimeoutMS,
				MaxRetries:    step.MaxRetries,
				FailurePolicy: planner.PolicyContinue,
				EstimatedMS:   step.EstimatedMS,
			}, true
		},
	})
}

// Inverse looks up the inverse builder for a step's kind.
func (r *Registry) Inverse(kind string) (InverseFunc, bool) {
	fn, ok := r.inverses[kind]
	return fn, ok
}

// Availability is the result of can_rollback.
type Availability struct {
	Available bool
	Reason    string
	StateStep int
}

// CanRollback reports whether a checkpoint exists for operationID, per
// spec.md §4.6's can_rollback.
func CanRollback(ctx context.Context, checkpoints *checkpoint.Store, operationID string) (Availability, error) {
	cp, err := checkpoints.GetLatest(ctx, operationID)
	if err != nil {
		return Availability{}, err
	}
	if cp == nil {
		return Availability{Available: false, Reason: "no checkpoint recorded for operation"}, nil
	}
	return Availability{Available: true, StateStep: cp.Step}, nil
}

// UnsafeSkip records a succeeded step that rollback could not invert.
type UnsafeSkip struct {
	StepID string
	Kind   string
}

// Options configures a rollback run, matching spec.md §4.6's
// rollback({state, auto_approve, dry_run, force, targets[]}).
type Options struct {
	AutoApprove bool
	DryRun      bool
	Force       bool
	Targets     []string // expected_effects to narrow the inverse set, empty means all
}

// Derived is the derived inverse plan plus bookkeeping spec.md's
// scenario 6 requires the caller to report back to the user.
type Derived struct {
	Plan        planner.Plan
	UnsafeSkips []UnsafeSkip
	Summary     string
}

// Derive walks original's topological order in reverse and emits an
// inverse step for each succeeded step, per spec.md §4.6. A step with no
// registered inverse is refused unless force is set, in which case it is
// recorded as an unsafe skip rather than included in the derived plan.
func Derive(reg *Registry, original planner.Plan, opts Options) (Derived, error) {
	succeeded := make([]planner.Step, 0, len(original.Steps))
	for _, s := range original.Steps {
		if s.State != planner.StepSucceeded {
			continue
		}
		if len(opts.Targets) > 0 && !matchesAnyTarget(s, opts.Targets) {
			continue
		}
		succeeded = append(succeeded, s)
	}

	order := reverseTopologicalOrder(original, succeeded)

	var inverseSteps []planner.Step
	var edges []planner.Edge
	var unsafe []UnsafeSkip
	var prevID string
	for _, s := range order {
		fn, ok := reg.Inverse(s.Kind)
		if !ok {
			if !opts.Force {
				return Derived{}, nimbuserr.Newf(nimbuserr.BadInput, nil,
					"rollback: step %q (kind %q) has no registered inverse; set force to skip it", s.ID, s.Kind)
			}
			unsafe = append(unsafe, UnsafeSkip{StepID: s.ID, Kind: s.Kind})
			continue
		}
		inv, ok := fn(s)
		if !ok {
			unsafe = append(unsafe, UnsafeSkip{StepID: s.ID, Kind: s.Kind})
			continue
		}
		inv.State = planner.StepPending
		if inv.MaxRetries < 1 {
			inv.MaxRetries = 1
		}
		if inv.IdempotencyKey == "" {
			inv.IdempotencyKey = inv.ID
		}
		inverseSteps = append(inverseSteps, inv)
		if prevID != "" {
			edges = append(edges, planner.Edge{From: prevID, To: inv.ID})
		}
		prevID = inv.ID
	}

	derivedPlan := planner.Plan{
		ID:     original.ID + "-rollback",
		TaskID: original.TaskID,
		Steps:  inverseSteps,
		Edges:  edges,
	}
	for _, s := range inverseSteps {
		derivedPlan.EstimatedDurationMS += s.EstimatedMS
	}

	summary := fmt.Sprintf("derived rollback plan with %d inverse step(s), %d unsafe skip(s)", len(inverseSteps), len(unsafe))
	return Derived{Plan: derivedPlan, UnsafeSkips: unsafe, Summary: summary}, nil
}

func matchesAnyTarget(step planner.Step, targets []string) bool {
	for _, effect := range step.ExpectedEffects {
		for _, t := range targets {
			if effect == t {
				return true
			}
		}
	}
	return false
}

// reverseTopologicalOrder returns steps in the reverse of the original
// plan's topological order, restricted to the given subset.
func reverseTopologicalOrder(plan planner.Plan, subset []planner.Step) []planner.Step {
	include := make(map[string]bool, len(subset))
	for _, s := range subset {
		include[s.ID] = true
	}

	depth := make(map[string]int, len(plan.Steps))
	var compute func(id string) int
	computing := make(map[string]bool)
	compute = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if computing[id] {
			return 0
		}
		computing[id] = true
		max := -1
		for _, pred := range plan.Predecessors(id) {
			if d := compute(pred); d > max {
				max = d
			}
		}
		depth[id] = max + 1
		computing[id] = false
		return depth[id]
	}
	for _, s := range plan.Steps {
		compute(s.ID)
	}

	ordered := append([]planner.Step(nil), subset...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return depth[ordered[i].ID] > depth[ordered[j].ID]
	})
	return ordered
}

// CleanupOldStates deletes checkpoints for operations whose most recent
// checkpoint is older than cutoff, the cutoff-comparison idiom
// internal/git/cleanup.go's CleanupBranchesOlderThan applies to branch
// commit times, applied here to checkpoint rows instead.
func CleanupOldStates(ctx context.Context, checkpoints *checkpoint.Store, operationIDs []string, maxAge time.Duration, now time.Time) ([]string, error) {
	cutoff := now.Add(-maxAge)
	var cleaned []string
	for _, opID := range operationIDs {
		latest, err := checkpoints.GetLatest(ctx, opID)
		if err != nil {
			return cleaned, err
		}
		if latest == nil || !latest.CreatedAt.Before(cutoff) {
			continue
		}
		if err := checkpoints.DeleteAll(ctx, opID); err != nil {
			return cleaned, err
		}
		cleaned = append(cleaned, opID)
	}
	return cleaned, nil
}

// ListRollbackStates summarizes, per operation, whether a checkpoint
// exists and its latest step — the list_rollback_states() surface.
type StateSummary struct {
	OperationID string
	LatestStep  int
	CreatedAt   time.Time
}

// ListRollbackStates returns a summary for every operation with at
// least one checkpoint among operationIDs.
func ListRollbackStates(ctx context.Context, checkpoints *checkpoint.Store, operationIDs []string) ([]StateSummary, error) {
	var out []StateSummary
	for _, opID := range operationIDs {
		latest, err := checkpoints.GetLatest(ctx, opID)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			continue
		}
		out = append(out, StateSummary{OperationID: opID, LatestStep: latest.Step, CreatedAt: latest.CreatedAt})
	}
	return out, nil
}
