package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/skiff-io/skiff/internal/ir"
	"github.com/skiff-io/skiff/internal/logging"
	pp "github.com/skiff-io/skiff/pkg/provider"
)

// resolveDeclarations evaluates variables, lookups, and external references
// in topological order, binding each result into the scope so later
// declarations can reference it. Read-only: nothing here mutates
// infrastructure or state. Returns the provider-native identities claimed by
// external references, keyed by address.
func (e *Engine) resolveDeclarations(ctx context.Context, cfg *ir.Config, vars map[string]string, g *Graph, sc *scope) (map[string]string, error) {
	varsByAddr := make(map[string]*ir.Variable, len(cfg.Variables))
	for _, v := range cfg.Variables {
		varsByAddr[v.Addr()] = v
	}
	lookupsByAddr := make(map[string]*ir.Lookup, len(cfg.Lookups))
	for _, l := range cfg.Lookups {
		lookupsByAddr[l.Addr()] = l
	}
	externalsByAddr := make(map[string]*ir.External, len(cfg.Externals))
	for _, x := range cfg.Externals {
		externalsByAddr[x.Addr()] = x
	}

	externIDs := make(map[string]string)
	for _, addr := range g.Order() {
		switch {
		case varsByAddr[addr] != nil:
			if err := e.resolveVariable(varsByAddr[addr], vars, sc); err != nil {
				return nil, err
			}
		case lookupsByAddr[addr] != nil:
			if err := e.resolveLookup(ctx, lookupsByAddr[addr], sc); err != nil {
				return nil, err
			}
		case externalsByAddr[addr] != nil:
			id, err := e.resolveExternal(ctx, externalsByAddr[addr], sc)
			if err != nil {
				return nil, err
			}
			externIDs[addr] = id
		}
	}
	return externIDs, nil
}

func (e *Engine) resolveVariable(v *ir.Variable, vars map[string]string, sc *scope) error {
	if val, ok := vars[v.Name]; ok {
		sc.bind(v.Addr(), cty.StringVal(val))
		return nil
	}
	if v.Default == nil {
		return fmt.Errorf("variable %q is not set: pass --var %s=<value>", v.Name, v.Name)
	}
	val, err := sc.eval(v.Default)
	if err != nil {
		return fmt.Errorf("default for variable %q: %w", v.Name, err)
	}
	sc.bind(v.Addr(), val)
	return nil
}

// resolveLookup runs a filtered query and enforces the cardinality contract:
// zero matches and multiple matches (without most_recent) are errors. With
// most_recent, ties are broken by creation timestamp descending then
// identifier descending, so the winner does not depend on the order the
// provider returned candidates in.
func (e *Engine) resolveLookup(ctx context.Context, l *ir.Lookup, sc *scope) error {
	addr := l.Addr()

	filter, err := sc.evalAttrs(l.Filter)
	if err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}
	if containsUnknown(filter) {
		return fmt.Errorf("%s: filter references a resource that has not been applied yet", addr)
	}

	prov, err := e.registry.Get(l.Provider)
	if err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}

	var candidates []pp.Candidate
	err = RetryWithBackoff(ctx, e.retry, func() error {
		var lookupErr error
		candidates, lookupErr = prov.Lookup(ctx, l.Type, filter)
		return lookupErr
	}, IsTransientError)
	if err != nil {
		if IsTransientError(err) {
			return &LookupUnreachableError{Addr: addr, Err: err}
		}
		return fmt.Errorf("%s: lookup failed: %w", addr, err)
	}

	switch {
	case len(candidates) == 0:
		return &LookupNotFoundError{Addr: addr}
	case len(candidates) > 1 && !l.MostRecent:
		return &LookupAmbiguousError{Addr: addr, Count: len(candidates)}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return candidates[i].ID > candidates[j].ID
	})
	chosen := candidates[0]

	logging.Debug("resolved lookup", "address", addr, "id", chosen.ID, "candidates", len(candidates))
	sc.bindAttrs(addr, mergeAttrs(chosen.Attrs, map[string]any{"id": chosen.ID}))
	return nil
}

// resolveExternal reads the attributes of an unmanaged resource by its
// provider-native identifier and returns that identifier.
func (e *Engine) resolveExternal(ctx context.Context, x *ir.External, sc *scope) (string, error) {
	addr := x.Addr()

	idVal, err := sc.eval(x.ID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", addr, err)
	}
	if !idVal.IsKnown() || idVal.Type() != cty.String || idVal.IsNull() {
		return "", fmt.Errorf("%s: id must be a known string", addr)
	}
	id := idVal.AsString()

	prov, err := e.registry.Get(x.Provider)
	if err != nil {
		return "", fmt.Errorf("%s: %w", addr, err)
	}

	var attrs map[string]any
	var exists bool
	err = RetryWithBackoff(ctx, e.retry, func() error {
		var readErr error
		attrs, exists, readErr = prov.Read(ctx, x.Type, id)
		return readErr
	}, IsTransientError)
	if err != nil {
		if IsTransientError(err) {
			return "", &LookupUnreachableError{Addr: addr, Err: err}
		}
		return "", fmt.Errorf("%s: read failed: %w", addr, err)
	}
	if !exists {
		return "", &LookupNotFoundError{Addr: addr}
	}

	logging.Debug("resolved external reference", "address", addr, "id", id)
	sc.bindAttrs(addr, mergeAttrs(attrs, map[string]any{"id": id}))
	return id, nil
}

// containsUnknown reports whether any value in the tree is the
// known-after-apply sentinel.
func containsUnknown(v any) bool {
	switch val := v.(type) {
	case string:
		return val == ir.UnknownValue
	case []any:
		for _, e := range val {
			if containsUnknown(e) {
				return true
			}
		}
	case map[string]any:
		for _, e := range val {
			if containsUnknown(e) {
				return true
			}
		}
	}
	return false
}

// mergeAttrs overlays maps left to right into a fresh map.
func mergeAttrs(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
