package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skiff-io/skiff/internal/ir"
	"github.com/skiff-io/skiff/internal/logging"
	"github.com/skiff-io/skiff/internal/state"
	pp "github.com/skiff-io/skiff/pkg/provider"
)

// RunStatus classifies the outcome of an apply run.
type RunStatus string

const (
	RunSuccess        RunStatus = "SUCCESS"
	RunPartialFailure RunStatus = "PARTIAL_FAILURE"
	RunCancelled      RunStatus = "CANCELLED"
)

// RunResult is the ledger of one apply run: every planned change lands in
// exactly one of Completed, Failed, or Skipped.
type RunResult struct {
	Status    RunStatus
	Completed []string
	Failed    map[string]error
	Skipped   []string
	Outputs   map[string]any
}

// ApplyEvent reports progress on one change. Status is "started",
// "completed", "failed", or "skipped".
type ApplyEvent struct {
	Address  string
	Action   ir.Action
	Status   string
	Duration time.Duration
	Err      error
}

// ApplyCallback receives progress events. Called from worker goroutines.
type ApplyCallback func(ApplyEvent)

// ApplyPlan executes every change in the plan, committing each resource to
// the store as it lands. Independent changes run concurrently up to
// Parallelism; a change waits for all of its dependencies and is skipped if
// any of them failed. Cancelling ctx stops new dispatches while in-flight
// actions run to completion under their own timeout.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.Plan, store state.Store) (*RunResult, error) {
	return e.ApplyPlanWithCallback(ctx, plan, store, nil)
}

func (e *Engine) ApplyPlanWithCallback(ctx context.Context, plan *ir.Plan, store state.Store, cb ApplyCallback) (*RunResult, error) {
	if e.sc == nil || e.graph == nil {
		return nil, fmt.Errorf("plan was not produced by this engine")
	}

	res := &RunResult{Failed: make(map[string]error)}
	runner := &applyRunner{eng: e, store: store, result: res, cb: cb}

	var mutations, deletes []*ir.ResourceChange
	for _, change := range plan.Changes {
		if change.Action == ir.ActionDelete {
			deletes = append(deletes, change)
		} else {
			mutations = append(mutations, change)
		}
	}

	// Creates, updates, and replacements gate on their configuration
	// dependencies.
	inPhase := make(map[string]bool, len(mutations))
	for _, c := range mutations {
		inPhase[c.Address] = true
	}
	mutDeps := make(map[string][]string, len(mutations))
	for _, c := range mutations {
		for _, dep := range e.graph.Dependencies(c.Address) {
			if inPhase[dep] {
				mutDeps[c.Address] = append(mutDeps[c.Address], dep)
			}
		}
	}
	runner.runPhase(ctx, mutations, mutDeps)

	// Deletions run with edges reversed: a record is destroyed only after
	// everything that depended on it is gone.
	delSet := make(map[string]bool, len(deletes))
	for _, c := range deletes {
		delSet[c.Address] = true
	}
	delDeps := make(map[string][]string, len(deletes))
	for _, c := range deletes {
		for _, dep := range c.Prior.Dependencies {
			if delSet[dep] {
				delDeps[dep] = append(delDeps[dep], c.Address)
			}
		}
	}
	runner.runPhase(ctx, deletes, delDeps)

	switch {
	case ctx.Err() != nil:
		res.Status = RunCancelled
	case len(res.Failed) > 0 || len(res.Skipped) > 0:
		res.Status = RunPartialFailure
	default:
		res.Status = RunSuccess
	}
	sort.Strings(res.Completed)
	sort.Strings(res.Skipped)

	if res.Status == RunSuccess && len(plan.Outputs) > 0 {
		outs, err := e.evalOutputs(plan.Outputs)
		if err != nil {
			return res, err
		}
		if err := store.SetOutputs(ctx, outs); err != nil {
			return res, fmt.Errorf("persisting outputs: %w", err)
		}
		res.Outputs = outs
	}

	logging.Info("apply finished",
		"status", string(res.Status),
		"completed", len(res.Completed),
		"failed", len(res.Failed),
		"skipped", len(res.Skipped))
	return res, nil
}

func (e *Engine) evalOutputs(outputs []*ir.Output) (map[string]any, error) {
	outs := make(map[string]any, len(outputs))
	for _, o := range outputs {
		val, err := e.sc.eval(o.Value)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", o.Name, err)
		}
		outs[o.Name] = ctyToAny(val)
	}
	return outs, nil
}

// applyRunner drives one phase of dependency-gated parallel execution.
type applyRunner struct {
	eng    *Engine
	store  state.Store
	result *RunResult
	cb     ApplyCallback
}

func (r *applyRunner) emit(ev ApplyEvent) {
	if r.cb != nil {
		r.cb(ev)
	}
}

// runPhase executes the given changes concurrently. deps maps an address to
// the addresses within this phase it must wait for. A change whose
// dependency failed or was skipped is itself skipped; cancellation skips
// everything not yet dispatched.
func (r *applyRunner) runPhase(ctx context.Context, changes []*ir.ResourceChange, deps map[string][]string) {
	if len(changes) == 0 {
		return
	}

	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	succeeded := make(map[string]bool, len(changes))
	abandoned := make(map[string]bool, len(changes)) // failed or skipped

	sem := make(chan struct{}, r.eng.Parallelism)
	var wg sync.WaitGroup

	for _, change := range changes {
		wg.Add(1)
		go func(c *ir.ResourceChange) {
			defer wg.Done()

			mu.Lock()
			for {
				pending, doomed := depProgress(deps[c.Address], succeeded, abandoned)
				if doomed {
					abandoned[c.Address] = true
					r.result.Skipped = append(r.result.Skipped, c.Address)
					mu.Unlock()
					cond.Broadcast()
					r.emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "skipped"})
					return
				}
				if !pending {
					break
				}
				cond.Wait()
			}
			if ctx.Err() != nil {
				abandoned[c.Address] = true
				r.result.Skipped = append(r.result.Skipped, c.Address)
				mu.Unlock()
				cond.Broadcast()
				r.emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "skipped"})
				return
			}
			mu.Unlock()

			sem <- struct{}{}
			defer func() { <-sem }()

			r.emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "started"})
			start := time.Now()
			err := r.eng.applyChange(ctx, c, r.store)
			elapsed := time.Since(start)

			mu.Lock()
			if err != nil {
				abandoned[c.Address] = true
				r.result.Failed[c.Address] = err
				logging.Error("action failed", "address", c.Address, "action", string(c.Action), "error", err)
			} else {
				succeeded[c.Address] = true
				r.result.Completed = append(r.result.Completed, c.Address)
			}
			mu.Unlock()
			cond.Broadcast()

			status := "completed"
			if err != nil {
				status = "failed"
			}
			r.emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: status, Duration: elapsed, Err: err})
		}(change)
	}
	wg.Wait()
}

// depProgress reports whether any dependency is still pending and whether
// any has been abandoned. Caller holds the phase lock.
func depProgress(deps []string, succeeded, abandoned map[string]bool) (pending, doomed bool) {
	for _, dep := range deps {
		if abandoned[dep] {
			return false, true
		}
		if !succeeded[dep] {
			pending = true
		}
	}
	return pending, false
}

// applyChange executes one planned action against the provider and commits
// the outcome. The action runs detached from run cancellation so an
// in-flight mutation is never torn down halfway; the per-action timeout is
// the only bound.
func (e *Engine) applyChange(parentCtx context.Context, c *ir.ResourceChange, store state.Store) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), e.ActionTimeout)
	defer cancel()

	switch c.Action {
	case ir.ActionCreate:
		return e.createResource(ctx, c, store)
	case ir.ActionUpdate:
		return e.updateResource(ctx, c, store)
	case ir.ActionReplace:
		if err := e.destroyResource(ctx, c.Address, c.Prior, "replace (destroy)", store); err != nil {
			return err
		}
		return e.createResource(ctx, c, store)
	case ir.ActionDelete:
		return e.destroyResource(ctx, c.Address, c.Prior, "delete", store)
	default:
		return fmt.Errorf("%s: unexpected action %q", c.Address, c.Action)
	}
}

func (e *Engine) createResource(ctx context.Context, c *ir.ResourceChange, store state.Store) error {
	values, prov, err := e.desiredValues(c)
	if err != nil {
		return err
	}

	var id string
	var reported map[string]any
	err = RetryWithBackoff(ctx, e.retry, func() error {
		var createErr error
		id, reported, createErr = prov.Create(ctx, c.Desired.Type, values)
		return createErr
	}, IsTransientError)
	if err != nil {
		return &ApplyFailedError{Addr: c.Address, Op: "create", Err: err}
	}

	rec := &ir.ResourceState{
		Type:         c.Desired.Type,
		Name:         c.Desired.Name,
		Provider:     c.Desired.Provider,
		ID:           id,
		Inputs:       values,
		Attrs:        mergeAttrs(values, reported, map[string]any{"id": id}),
		Dependencies: e.resourceDeps(c.Address),
	}
	if err := store.Commit(ctx, c.Address, rec); err != nil {
		return fmt.Errorf("%s: committing state: %w", c.Address, err)
	}
	// Dependents evaluate against the committed record, never sooner.
	e.sc.bindAttrs(c.Address, rec.Attrs)

	logging.Info("created", "address", c.Address, "id", id)
	return nil
}

func (e *Engine) updateResource(ctx context.Context, c *ir.ResourceChange, store state.Store) error {
	values, prov, err := e.desiredValues(c)
	if err != nil {
		return err
	}

	var reported map[string]any
	err = RetryWithBackoff(ctx, e.retry, func() error {
		var updateErr error
		reported, updateErr = prov.Update(ctx, c.Desired.Type, c.Prior.ID, values)
		return updateErr
	}, IsTransientError)
	if err != nil {
		return &ApplyFailedError{Addr: c.Address, Op: "update", Err: err}
	}

	rec := &ir.ResourceState{
		Type:         c.Desired.Type,
		Name:         c.Desired.Name,
		Provider:     c.Desired.Provider,
		ID:           c.Prior.ID,
		Inputs:       values,
		Attrs:        mergeAttrs(c.Prior.Attrs, values, reported, map[string]any{"id": c.Prior.ID}),
		Dependencies: e.resourceDeps(c.Address),
	}
	if err := store.Commit(ctx, c.Address, rec); err != nil {
		return fmt.Errorf("%s: committing state: %w", c.Address, err)
	}
	e.sc.bindAttrs(c.Address, rec.Attrs)

	logging.Info("updated", "address", c.Address, "id", c.Prior.ID)
	return nil
}

// destroyResource removes the object and drops its record. The record is
// dropped even when the subsequent create of a replacement fails, so state
// never claims an identity that no longer exists.
func (e *Engine) destroyResource(ctx context.Context, addr string, prior *ir.ResourceState, op string, store state.Store) error {
	prov, err := e.registry.Get(prior.Provider)
	if err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}

	err = RetryWithBackoff(ctx, e.retry, func() error {
		return prov.Destroy(ctx, prior.Type, prior.ID)
	}, IsTransientError)
	if err != nil {
		return &ApplyFailedError{Addr: addr, Op: op, Err: err}
	}

	if err := store.Commit(ctx, addr, nil); err != nil {
		return fmt.Errorf("%s: committing state: %w", addr, err)
	}

	logging.Info("destroyed", "address", addr, "id", prior.ID)
	return nil
}

// desiredValues re-evaluates the change's attribute expressions at execution
// time, when every dependency has been applied and bound, so values that
// were unknown at plan time are concrete here.
func (e *Engine) desiredValues(c *ir.ResourceChange) (map[string]any, pp.Provider, error) {
	values, err := e.sc.evalAttrs(c.Desired.Attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", c.Address, err)
	}
	for name, v := range values {
		if containsUnknown(v) {
			return nil, nil, fmt.Errorf("%s: attribute %q is still unknown at apply time", c.Address, name)
		}
	}
	prov, err := e.registry.Get(c.Desired.Provider)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", c.Address, err)
	}
	return values, prov, nil
}

// resourceDeps filters the graph dependencies of an address down to managed
// resource addresses, which is what deletion ordering needs.
func (e *Engine) resourceDeps(addr string) []string {
	var out []string
	for _, dep := range e.graph.Dependencies(addr) {
		if isResourceAddr(dep) {
			out = append(out, dep)
		}
	}
	return out
}

func isResourceAddr(addr string) bool {
	for _, prefix := range []string{"var.", "data.", "external.", "output."} {
		if len(addr) > len(prefix) && addr[:len(prefix)] == prefix {
			return false
		}
	}
	return true
}
