// Package drift implements the Drift Subsystem (C7): a Detector that
// compares desired infrastructure state against actual state observed
// through a capability call, and an Analyzer that turns the resulting
// Drift Report into a remediation Plan and a compliance summary. The
// desired-vs-actual field walk generalizes the teacher's
// internal/config/manager.go snapshot-diffing idiom (old config vs new
// config, field by field, to decide whether a restart is required) to
// resource state, and the compliance aggregation follows
// internal/coordination/stats.go's per-project counter rollups.
package drift

import (
	"context"
	"fmt"
	"sort"

	"github.com/the-ai-project-co/nimbus-sub014/internal/capability"
	"github.com/the-ai-project-co/nimbus-sub014/internal/planner"
)

// ItemStatus is the closed set of per-resource drift outcomes.
type ItemStatus string

const (
	StatusInSync  ItemStatus = "in_sync"
	StatusChanged ItemStatus = "changed"
	StatusMissing ItemStatus = "missing"
	StatusExtra   ItemStatus = "extra"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case StatusInSync, StatusChanged, StatusMissing, StatusExtra:
		return true
	}
	return false
}

// Item is one resource's desired-vs-actual comparison.
type Item struct {
	ResourceAddress string
	Status          ItemStatus
	Desired         map[string]any
	Actual          map[string]any
	Severity        string // info, warning, critical — mirrors safety.Severity values
}

// Report is the Drift Report entity: deduplicated by resource address.
type Report struct {
	Provider string
	Scope    string
	Items    []Item
}

// ignoredFields is the per-provider set of server-injected fields the
// comparator must ignore, the generalization of
// validateRuntimeConfigReload's fixed "these fields force a restart"
// set to "these fields never count as drift".
var ignoredFields = map[string]map[string]struct{}{
	"aws": {
		"metadata.resourceVersion": {},
		"status":                   {},
		"created_at":               {},
		"updated_at":               {},
		"arn_suffix":               {},
	},
	"gcp": {
		"metadata.resourceVersion": {},
		"status":                   {},
		"generation":               {},
		"self_link":                {},
	},
	"azure": {
		"metadata.resourceVersion": {},
		"status":                   {},
		"etag":                     {},
		"provisioning_state":       {},
	},
}

// DetectOptions parameterizes one detect() call.
type DetectOptions struct {
	Provider string
	Scope    string
	Desired  map[string]map[string]any // resource_address -> desired attributes
	Kind     string                    // capability kind for the provider's "get actual state" call, e.g. "terraform.plan" or "k8s.apply" dry-run equivalent; defaults to "drift.detect"
}

// Detect issues one capability call to obtain actual state for the
// scope, then compares it against desired using the provider's
// ignore-set, per spec.md §4.7.
func Detect(ctx context.Context, client *capability.Client, opts DetectOptions) (Report, error) {
	kind := opts.Kind
	if kind == "" {
		kind = "drift.detect"
	}
	resp, err := client.Invoke(ctx, capability.Request{
		Kind:   kind,
		Inputs: map[string]any{"provider": opts.Provider, "scope": opts.Scope},
	})
	if err != nil {
		return Report{}, err
	}

	actualRaw, _ := resp.Outputs["actual"].(map[string]any)
	actual := make(map[string]map[string]any, len(actualRaw))
	for addr, v := range actualRaw {
		if m, ok := v.(map[string]any); ok {
			actual[addr] = m
		}
	}

	return compare(opts.Provider, opts.Scope, opts.Desired, actual), nil
}

// compare performs the field-by-field desired-vs-actual walk, ignoring
// the provider's server-injected fields, and deduplicates by resource
// address per spec.md §3's Drift Report invariant.
func compare(provider, scope string, desired, actual map[string]map[string]any) Report {
	ignore := ignoredFields[provider]

	seen := make(map[string]struct{})
	var items []Item

	for addr, desiredAttrs := range desired {
		seen[addr] = struct{}{}
		actualAttrs, exists := actual[addr]
		if !exists {
			items = append(items, Item{ResourceAddress: addr, Status: StatusMissing, Desired: desiredAttrs, Severity: "critical"})
			continue
		}
		if equalIgnoring(desiredAttrs, actualAttrs, ignore) {
			items = append(items, Item{ResourceAddress: addr, Status: StatusInSync, Desired: desiredAttrs, Actual: actualAttrs, Severity: "info"})
		} else {
			items = append(items, Item{ResourceAddress: addr, Status: StatusChanged, Desired: desiredAttrs, Actual: actualAttrs, Severity: "warning"})
		}
	}
	for addr, actualAttrs := range actual {
		if _, ok := seen[addr]; ok {
			continue
		}
		items = append(items, Item{ResourceAddress: addr, Status: StatusExtra, Actual: actualAttrs, Severity: "info"})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ResourceAddress < items[j].ResourceAddress })
	return Report{Provider: provider, Scope: scope, Items: items}
}

func equalIgnoring(desired, actual map[string]any, ignore map[string]struct{}) bool {
	for key, dv := range desired {
		if _, skip := ignore[key]; skip {
			continue
		}
		av, ok := actual[key]
		if !ok || fmt.Sprint(av) != fmt.Sprint(dv) {
			return false
		}
	}
	for key := range actual {
		if _, skip := ignore[key]; skip {
			continue
		}
		if _, ok := desired[key]; !ok {
			return false
		}
	}
	return true
}

// CreateRemediationPlan maps each non-in-sync item to a step, per
// spec.md §4.7: missing -> create (re-apply), changed -> update, extra
// -> delete. Risk is weighted by severity counts, matching the
// Remediation Plan entity's risk_score rule.
func CreateRemediationPlan(report Report) planner.Plan {
	var steps []planner.Step
	var edges []planner.Edge
	var prevID string

	counts := map[string]int{}
	for _, item := range report.Items {
		if item.Status == StatusInSync {
			continue
		}
		counts[item.Severity]++

		var kind string
		switch item.Status {
		case StatusMissing:
			kind = capabilityKindFor(report.Provider, "create")
		case StatusChanged:
			kind = capabilityKindFor(report.Provider, "update")
		case StatusExtra:
			kind = capabilityKindFor(report.Provider, "delete")
		default:
			continue
		}

		id := fmt.Sprintf("remediate-%s", item.ResourceAddress)
		steps = append(steps, planner.Step{
			ID:              id,
			Kind:            kind,
			Inputs:          map[string]any{"target": item.ResourceAddress, "desired": item.Desired},
			ExpectedEffects: []string{item.ResourceAddress},
			MaxRetries:      2,
			TimeoutMS:       30_000,
			IdempotencyKey:  id,
			FailurePolicy:   planner.PolicyContinue,
			EstimatedMS:     5_000,
			State:           planner.StepPending,
		})
		if prevID != "" {
			edges = append(edges, planner.Edge{From: prevID, To: id})
		}
		prevID = id
	}

	total := 0
	for _, s := range steps {
		total += s.EstimatedMS
	}

	return planner.Plan{
		ID:                  fmt.Sprintf("remediation-%s-%s", report.Provider, report.Scope),
		Steps:               steps,
		Edges:               edges,
		EstimatedDurationMS: total,
		RiskScore:           riskScore(counts),
	}
}

func capabilityKindFor(provider, action string) string {
	switch provider {
	case "aws", "gcp", "azure":
		return "terraform." + map[string]string{"create": "apply", "update": "apply", "delete": "destroy"}[action]
	default:
		return "terraform." + action
	}
}

func riskScore(severityCounts map[string]int) float64 {
	score := 0.1*float64(severityCounts["info"]) + 0.3*float64(severityCounts["warning"]) + 0.6*float64(severityCounts["critical"])
	total := severityCounts["info"] + severityCounts["warning"] + severityCounts["critical"]
	if total == 0 {
		return 0
	}
	normalized := score / float64(total)
	if normalized > 1 {
		return 1
	}
	return normalized
}

// ComplianceReport aggregates severity counts and percent-in-sync over
// a Drift Report, the way internal/coordination/stats.go rolls up
// per-project dispatch-status counters into one summary struct.
type ComplianceReport struct {
	Provider       string
	Scope          string
	TotalItems     int
	InSyncCount    int
	ChangedCount   int
	MissingCount   int
	ExtraCount     int
	PercentInSync  float64
}

// GenerateComplianceReport rolls up a Drift Report's items into
// aggregate counts and a percent-in-sync figure.
func GenerateComplianceReport(report Report) ComplianceReport {
	cr := ComplianceReport{Provider: report.Provider, Scope: report.Scope, TotalItems: len(report.Items)}
	for _, item := range report.Items {
		switch item.Status {
		case StatusInSync:
			cr.InSyncCount++
		case StatusChanged:
			cr.ChangedCount++
		case StatusMissing:
			cr.MissingCount++
		case StatusExtra:
			cr.ExtraCount++
		}
	}
	if cr.TotalItems > 0 {
		cr.PercentInSync = 100 * float64(cr.InSyncCount) / float64(cr.TotalItems)
	}
	return cr
}

// RemediateOptions parameterizes remediate(): detect, build a
// remediation plan, validate it, and report the derived plan for the
// caller (typically the orchestrator) to hand to the Executor — the
// Drift Subsystem never runs the Executor directly, per spec.md §4.7's
// "all generated plans pass through Planner.validate before execution"
// and the component composition rule that C7 only produces Plans.
type RemediateOptions struct {
	DetectOptions
}

// Remediate runs detect then create_remediation_plan, validating the
// result before returning it so callers never receive an invalid plan
// to execute.
func Remediate(ctx context.Context, client *capability.Client, opts RemediateOptions) (planner.Plan, Report, error) {
	report, err := Detect(ctx, client, opts.DetectOptions)
	if err != nil {
		return planner.Plan{}, Report{}, err
	}
	plan := CreateRemediationPlan(report)
	if result := planner.ValidatePlan(plan); !result.Valid {
		return planner.Plan{}, report, fmt.Errorf("drift: generated remediation plan is invalid: %v", result.Issues)
	}
	return plan, report, nil
}
