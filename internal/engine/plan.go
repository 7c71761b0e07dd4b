package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/skiff-io/skiff/internal/ir"
	"github.com/skiff-io/skiff/internal/logging"
	"github.com/skiff-io/skiff/internal/provider"
	pp "github.com/skiff-io/skiff/pkg/provider"
)

const defaultParallelism = 10

// Engine plans and applies reconciliation runs against a single provider
// registry. An Engine carries the evaluation scope and dependency graph from
// CreatePlan into ApplyPlan, so a plan must be applied by the Engine that
// produced it.
type Engine struct {
	registry    *provider.Registry
	retry       *RetryPolicy
	Parallelism int

	// ActionTimeout bounds a single provider mutation once dispatched.
	ActionTimeout time.Duration

	sc    *scope
	graph *Graph
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry:      registry,
		retry:         DefaultRetryPolicy(),
		Parallelism:   defaultParallelism,
		ActionTimeout: DefaultActionTimeout,
	}
}

// PlanOptions configure a planning run.
type PlanOptions struct {
	// Vars override declared variables, keyed by name.
	Vars map[string]string
	// Refresh reads the live attributes of every state record before
	// diffing, so drift shows up in the plan.
	Refresh bool
}

// CreatePlan calculates the set of actions that would reconcile live
// infrastructure with the configuration. Planning resolves variables,
// lookups, and external references, and optionally refreshes state records
// against the provider, but never mutates infrastructure or persisted state.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, st *ir.State, opts *PlanOptions) (*ir.Plan, error) {
	if opts == nil {
		opts = &PlanOptions{}
	}

	graph, err := BuildGraph(cfg)
	if err != nil {
		return nil, err
	}

	sc := newScope()
	externIDs, err := e.resolveDeclarations(ctx, cfg, opts.Vars, graph, sc)
	if err != nil {
		return nil, err
	}

	records := copyRecords(st.Resources)
	if opts.Refresh {
		records, err = e.refreshRecords(ctx, records)
		if err != nil {
			return nil, err
		}
	}

	if err := checkIdentityConflicts(records, externIDs); err != nil {
		return nil, err
	}

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Refreshed: opts.Refresh,
		},
		Summary: &ir.PlanSummary{},
		Outputs: cfg.Outputs,
	}

	cfgByAddr := make(map[string]*ir.Resource, len(cfg.Resources))
	for _, res := range cfg.Resources {
		cfgByAddr[res.Addr()] = res
	}

	// Creates, updates, and replacements walk the graph in dependency
	// order so every change sees the planned values of its producers.
	for _, addr := range graph.Order() {
		res, ok := cfgByAddr[addr]
		if !ok {
			continue
		}
		change, err := e.planResource(res, records[addr], opts.Refresh, sc)
		if err != nil {
			return nil, err
		}
		if change == nil {
			plan.Summary.NoOp++
			continue
		}
		plan.Changes = append(plan.Changes, change)
		switch change.Action {
		case ir.ActionCreate:
			plan.Summary.Create++
		case ir.ActionUpdate:
			plan.Summary.Update++
		case ir.ActionReplace:
			plan.Summary.Replace++
		}
	}

	// Records with no surviving declaration are destroyed, dependents
	// before their dependencies.
	removed := make(map[string]*ir.ResourceState)
	for addr, rec := range records {
		if _, ok := cfgByAddr[addr]; !ok {
			removed[addr] = rec
		}
	}
	if len(removed) > 0 {
		sg, err := BuildStateGraph(records)
		if err != nil {
			return nil, err
		}
		for _, addr := range sg.ReverseOrder() {
			rec, ok := removed[addr]
			if !ok {
				continue
			}
			plan.Changes = append(plan.Changes, &ir.ResourceChange{
				Address: addr,
				Action:  ir.ActionDelete,
				Prior:   rec,
				Diff:    buildDeleteDiff(rec.Inputs),
			})
			plan.Summary.Delete++
		}
	}

	e.sc = sc
	e.graph = graph

	logging.Info("plan calculated",
		"create", plan.Summary.Create,
		"update", plan.Summary.Update,
		"replace", plan.Summary.Replace,
		"delete", plan.Summary.Delete,
		"noop", plan.Summary.NoOp)
	return plan, nil
}

// CreateDestroyPlan plans the deletion of every resource in state, in
// reverse dependency order. The configuration is not consulted.
func (e *Engine) CreateDestroyPlan(ctx context.Context, st *ir.State) (*ir.Plan, error) {
	records := copyRecords(st.Resources)
	sg, err := BuildStateGraph(records)
	if err != nil {
		return nil, err
	}

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{Timestamp: time.Now().UTC().Format(time.RFC3339)},
		Summary:  &ir.PlanSummary{},
	}
	for _, addr := range sg.ReverseOrder() {
		rec, ok := records[addr]
		if !ok {
			continue
		}
		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			Address: addr,
			Action:  ir.ActionDelete,
			Prior:   rec,
			Diff:    buildDeleteDiff(rec.Inputs),
		})
		plan.Summary.Delete++
	}

	e.sc = newScope()
	e.graph = sg
	return plan, nil
}

// planResource decides the action for one declared resource and binds its
// planned value into the scope for downstream expressions. A nil change
// means no-op.
func (e *Engine) planResource(res *ir.Resource, prior *ir.ResourceState, refreshed bool, sc *scope) (*ir.ResourceChange, error) {
	addr := res.Addr()

	desired, err := sc.evalAttrs(res.Attrs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", addr, err)
	}

	if prior == nil {
		sc.bind(addr, cty.DynamicVal)
		return &ir.ResourceChange{
			Address:       addr,
			Action:        ir.ActionCreate,
			Desired:       res,
			DesiredValues: desired,
			Diff:          buildCreateDiff(desired),
		}, nil
	}

	prov, err := e.registry.Get(res.Provider)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", addr, err)
	}
	schema, err := prov.Schema(res.Type)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", addr, err)
	}

	diff := buildUpdateDiff(prior, desired, refreshed, schema)
	if len(diff) == 0 {
		// Converged. Downstream expressions see the recorded attributes.
		sc.bindAttrs(addr, prior.Attrs)
		return nil, nil
	}

	var replacePaths []string
	for name, d := range diff {
		if d.ForcesReplacement {
			replacePaths = append(replacePaths, name)
		}
	}
	sort.Strings(replacePaths)

	change := &ir.ResourceChange{
		Address:       addr,
		Desired:       res,
		Prior:         prior,
		DesiredValues: desired,
		Diff:          diff,
		ReplacePaths:  replacePaths,
	}
	if len(replacePaths) > 0 {
		change.Action = ir.ActionReplace
		// Replacement mints a new identity, so nothing from the prior
		// record can be promised to dependents.
		sc.bind(addr, cty.DynamicVal)
	} else {
		change.Action = ir.ActionUpdate
		sc.bindAttrs(addr, mergeAttrs(prior.Attrs, knownOnly(desired)))
	}
	return change, nil
}

// buildUpdateDiff compares desired attributes against the prior record. The
// baseline is the last applied input; after a refresh, the live value wins
// for attributes the provider reported, so out-of-band edits surface as
// updates. Attributes the schema marks computed never diff on their own.
func buildUpdateDiff(prior *ir.ResourceState, desired map[string]any, refreshed bool, schema *pp.Schema) map[string]*ir.PropertyDiff {
	baseline := func(name string) (any, bool) {
		if refreshed {
			if v, ok := prior.Attrs[name]; ok {
				return v, true
			}
		}
		v, ok := prior.Inputs[name]
		return v, ok
	}

	names := make(map[string]struct{}, len(desired)+len(prior.Inputs))
	for name := range desired {
		names[name] = struct{}{}
	}
	for name := range prior.Inputs {
		names[name] = struct{}{}
	}

	diff := make(map[string]*ir.PropertyDiff)
	for name := range names {
		if schema.Attributes[name].Computed {
			continue
		}
		before, hasBefore := baseline(name)
		after, hasAfter := desired[name]
		switch {
		case !hasBefore:
			diff[name] = &ir.PropertyDiff{After: after, Action: ir.ActionCreate}
		case !hasAfter:
			diff[name] = &ir.PropertyDiff{Before: before, Action: ir.ActionDelete}
		case !valuesEqual(before, after):
			diff[name] = &ir.PropertyDiff{Before: before, After: after, Action: ir.ActionUpdate}
		default:
			continue
		}
		if schema.Attributes[name].ForcesReplacement {
			diff[name].ForcesReplacement = true
		}
	}
	return diff
}

func buildCreateDiff(desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff, len(desired))
	for name, v := range desired {
		diff[name] = &ir.PropertyDiff{After: v, Action: ir.ActionCreate}
	}
	return diff
}

func buildDeleteDiff(inputs map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff, len(inputs))
	for name, v := range inputs {
		diff[name] = &ir.PropertyDiff{Before: v, Action: ir.ActionDelete}
	}
	return diff
}

// refreshRecords reads the live attributes of every record. Records whose
// resource no longer exists are dropped so the plan recreates them.
func (e *Engine) refreshRecords(ctx context.Context, records map[string]*ir.ResourceState) (map[string]*ir.ResourceState, error) {
	out := make(map[string]*ir.ResourceState, len(records))
	for addr, rec := range records {
		prov, err := e.registry.Get(rec.Provider)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", addr, err)
		}

		var attrs map[string]any
		var exists bool
		err = RetryWithBackoff(ctx, e.retry, func() error {
			var readErr error
			attrs, exists, readErr = prov.Read(ctx, rec.Type, rec.ID)
			return readErr
		}, IsTransientError)
		if err != nil {
			if IsTransientError(err) {
				return nil, &LookupUnreachableError{Addr: addr, Err: err}
			}
			return nil, fmt.Errorf("%s: refresh failed: %w", addr, err)
		}
		if !exists {
			logging.Info("resource vanished out of band", "address", addr, "id", rec.ID)
			continue
		}

		refreshed := *rec
		refreshed.Attrs = attrs
		out[addr] = &refreshed
	}
	return out, nil
}

// checkIdentityConflicts rejects a run in which two addresses claim the same
// provider-native identity, which happens when an external block names a
// resource this configuration already manages.
func checkIdentityConflicts(records map[string]*ir.ResourceState, externIDs map[string]string) error {
	claims := make(map[string][]string)
	for addr, rec := range records {
		if rec.ID != "" {
			claims[rec.ID] = append(claims[rec.ID], addr)
		}
	}
	for addr, id := range externIDs {
		claims[id] = append(claims[id], addr)
	}
	ids := make([]string, 0, len(claims))
	for id := range claims {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if len(claims[id]) > 1 {
			addrs := claims[id]
			sort.Strings(addrs)
			return &PlanConflictError{ID: id, Addrs: addrs}
		}
	}
	return nil
}

// knownOnly strips unknown values from a desired attribute map.
func knownOnly(desired map[string]any) map[string]any {
	out := make(map[string]any, len(desired))
	for k, v := range desired {
		if !containsUnknown(v) {
			out[k] = v
		}
	}
	return out
}

func copyRecords(records map[string]*ir.ResourceState) map[string]*ir.ResourceState {
	out := make(map[string]*ir.ResourceState, len(records))
	for addr, rec := range records {
		out[addr] = rec
	}
	return out
}
