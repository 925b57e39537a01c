package safety

import (
	"fmt"
	"strings"

	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
)

// destructiveKinds are the capability kinds the environment and
// destructive-confirmation checks treat as destructive: terraform.apply,
// the removal kinds rollback.DefaultRegistry's inverses emit
// (terraform.destroy, k8s.delete, helm.uninstall), and git.push, which
// has no registered inverse.
var destructiveKinds = map[string]struct{}{
	"terraform.apply":   {},
	"terraform.destroy": {},
	"k8s.delete":        {},
	"helm.uninstall":    {},
	"git.push":          {},
}

func hasDestructiveStep(task planner.Task, p planner.Plan) bool {
	for _, s := range p.Steps {
		if _, ok := destructiveKinds[strings.ToLower(s.Kind)]; ok {
			return true
		}
	}
	return false
}

// environmentCheck fails, and so requires approval, for destructive
// plans against a protected environment, matching spec.md scenario 2's
// prod_requires_approval; it does not read latest_state. protectedEnvironments
// is the lower-cased set of environment labels configured to require
// approval (config.Safety.RequireApprovalEnvironments).
func environmentCheck(protectedEnvironments map[string]struct{}) Check {
	return Check{
		ID:               "prod_requires_approval",
		Phase:            PhasePre,
		Category:         CategoryEnvironment,
		Severity:         SeverityWarning,
		RequiresApproval: true,
		Predicate: func(task planner.Task, plan planner.Plan, state LatestState) (bool, string) {
			env := strings.ToLower(strings.TrimSpace(task.Context.Environment))
			if _, protected := protectedEnvironments[env]; !protected {
				return true, "environment is not protected"
			}
			if !hasDestructiveStep(task, plan) {
				return true, "plan has no destructive steps"
			}
			return false, fmt.Sprintf("deploy against protected environment %q requires approval", env)
		},
	}
}

// costCheck warns (and requires approval) when
// latest_state["estimated_cost_usd"], the external cost estimator's
// output, exceeds a configured budget; with no estimate it passes. The
// plan itself is not consulted — the Safety Engine never computes cost, per spec.md
// §4.4's "checks are pure functions of (task, plan, latest_state)".
func costCheck(budgetUSD float64) Check {
	return Check{
		ID:               "cost_budget_threshold",
		Phase:            PhasePre,
		Category:         CategoryCost,
		Severity:         SeverityWarning,
		RequiresApproval: true,
		Predicate: func(task planner.Task, plan planner.Plan, state LatestState) (bool, string) {
			cost, ok := state["estimated_cost_usd"].(float64)
			if !ok {
				return true, "no cost estimate available"
			}
			if cost <= budgetUSD {
				return true, fmt.Sprintf("estimated cost $%.2f within budget $%.2f", cost, budgetUSD)
			}
			return false, fmt.Sprintf("estimated cost $%.2f exceeds budget $%.2f", cost, budgetUSD)
		},
	}
}

// quotaCheck blocks a plan outright when latest_state reports the
// team has exhausted its task quota.
func quotaCheck() Check {
	return Check{
		ID:       "team_quota_available",
		Phase:    PhasePre,
		Category: CategoryQuota,
		Severity: SeverityCritical,
		Predicate: func(task planner.Task, plan planner.Plan, state LatestState) (bool, string) {
			remaining, ok := state["quota_remaining"].(int)
			if !ok {
				return true, "no quota information available"
			}
			if remaining > 0 {
				return true, fmt.Sprintf("%d quota units remaining", remaining)
			}
			return false, "team task quota exhausted"
		},
	}
}

// credentialScopeCheck blocks a plan whose context requires a
// provider the latest_state's credential scope set does not cover.
func credentialScopeCheck() Check {
	return Check{
		ID:       "credential_scope_covers_provider",
		Phase:    PhasePre,
		Category: CategoryCredential,
		Severity: SeverityCritical,
		Predicate: func(task planner.Task, plan planner.Plan, state LatestState) (bool, string) {
			scopes, ok := state["credential_scopes"].([]string)
			if !ok {
				return true, "no credential scope information available"
			}
			provider := strings.ToLower(strings.TrimSpace(task.Context.Provider))
			for _, s := range scopes {
				if strings.ToLower(s) == provider {
					return true, fmt.Sprintf("credentials scoped for %q", provider)
				}
			}
			return false, fmt.Sprintf("no credential scope covers provider %q", provider)
		},
	}
}

// destructiveActionConfirmationCheck requires the task's metadata to
// carry an explicit confirmation flag before a destructive plan may
// proceed — the core's analogue of an interactive "type the resource
// name to confirm" prompt, which spec.md's Non-goals exclude from the
// core itself; the core only gates on whether the caller already
// supplied one.
func destructiveActionConfirmationCheck() Check {
	return Check{
		ID:       "destructive_action_confirmed",
		Phase:    PhasePre,
		Category: CategoryDestructive,
		Severity: SeverityCritical,
		Predicate: func(task planner.Task, plan planner.Plan, state LatestState) (bool, string) {
			if !hasDestructiveStep(task, plan) {
				return true, "plan has no destructive steps"
			}
			if task.Metadata["destructive_confirmed"] == "true" {
				return true, "destructive action explicitly confirmed"
			}
			return false, "destructive plan submitted without destructive_confirmed=true metadata"
		},
	}
}

// rateCheck flags (without blocking) when latest_state reports the
// capability rate limiter is already queuing requests for a service
// the plan depends on — an early warning surfaced during execution
// rather than a hard pre-flight gate.
func rateCheck() Check {
	return Check{
		ID:       "capability_rate_headroom",
		Phase:    PhaseDuring,
		Category: CategoryRate,
		Severity: SeverityWarning,
		Predicate: func(task planner.Task, plan planner.Plan, state LatestState) (bool, string) {
			queued, ok := state["rate_limiter_queue_depth"].(int)
			if !ok || queued == 0 {
				return true, "no rate limiter backpressure observed"
			}
			return false, fmt.Sprintf("capability rate limiter has %d request(s) queued", queued)
		},
	}
}

// postDeployVerifiedCheck is a post-phase check: it never blocks, but
// a plan that reports unverified outputs lowers the reported success
// score via ScoreFrom.
func postDeployVerifiedCheck() Check {
	return Check{
		ID:       "post_deploy_state_verified",
		Phase:    PhasePost,
		Category: CategoryEnvironment,
		Severity: SeverityWarning,
		Predicate: func(task planner.Task, plan planner.Plan, state LatestState) (bool, string) {
			for _, s := range plan.Steps {
				if s.Kind == "verify" && s.State != planner.StepSucceeded {
					return false, "post-deploy verification step did not succeed"
				}
			}
			return true, "post-deploy verification succeeded"
		},
	}
}

// DefaultChecks builds the built-in safety checks spec.md §4.4 names
// (environment, cost, quota, credential scope, destructive-action
// confirmation, rate), parameterized by the configured protected
// environments and cost budget. Pass the result to NewEngine.
func DefaultChecks(protectedEnvironments []string, costBudgetUSD float64) []Check {
	protected := make(map[string]struct{}, len(protectedEnvironments))
	for _, e := range protectedEnvironments {
		protected[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	return []Check{
		environmentCheck(protected),
		costCheck(costBudgetUSD),
		quotaCheck(),
		credentialScopeCheck(),
		destructiveActionConfirmationCheck(),
		rateCheck(),
		postDeployVerifiedCheck(),
	}
}
