package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/skiff-io/skiff/internal/ir"
)

// scope accumulates the values of resolved declarations over a run and
// builds the HCL evaluation context used to evaluate later declarations.
// The applier binds values concurrently, so access is synchronized.
type scope struct {
	mu   sync.Mutex
	vals map[string]cty.Value // keyed by declaration address
}

func newScope() *scope {
	return &scope{vals: make(map[string]cty.Value)}
}

func (s *scope) bind(addr string, v cty.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[addr] = v
}

// bindAttrs binds a declaration to an object value built from plain Go
// attribute values, as returned by providers and the state store.
func (s *scope) bindAttrs(addr string, attrs map[string]any) {
	s.bind(addr, anyToCty(attrs))
}

// evalContext assembles the variable tree the HCL expressions traverse:
// var.<name>, data.<type>.<name>, external.<type>.<name>, <type>.<name>.
func (s *scope) evalContext() *hcl.EvalContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	vars := make(map[string]cty.Value)
	nested := make(map[string]map[string]map[string]cty.Value) // root -> type -> name
	varVals := make(map[string]cty.Value)

	for addr, val := range s.vals {
		parts := strings.SplitN(addr, ".", 3)
		switch {
		case parts[0] == "var" && len(parts) == 2:
			varVals[parts[1]] = val
		case (parts[0] == "data" || parts[0] == "external") && len(parts) == 3:
			if nested[parts[0]] == nil {
				nested[parts[0]] = make(map[string]map[string]cty.Value)
			}
			if nested[parts[0]][parts[1]] == nil {
				nested[parts[0]][parts[1]] = make(map[string]cty.Value)
			}
			nested[parts[0]][parts[1]][parts[2]] = val
		case len(parts) >= 2:
			// Managed resource: root key is the resource type.
			typ := parts[0]
			name := strings.Join(parts[1:], ".")
			if nested[typ] == nil {
				nested[typ] = map[string]map[string]cty.Value{"": make(map[string]cty.Value)}
			}
			nested[typ][""][name] = val
		}
	}

	if len(varVals) > 0 {
		vars["var"] = cty.ObjectVal(varVals)
	}
	for root, byType := range nested {
		if root == "data" || root == "external" {
			byTypeVals := make(map[string]cty.Value)
			for typ, byName := range byType {
				byTypeVals[typ] = cty.ObjectVal(byName)
			}
			vars[root] = cty.ObjectVal(byTypeVals)
			continue
		}
		vars[root] = cty.ObjectVal(byType[""])
	}

	return &hcl.EvalContext{Variables: vars}
}

// eval evaluates a single expression against the current scope.
func (s *scope) eval(expr hcl.Expression) (cty.Value, error) {
	val, diags := expr.Value(s.evalContext())
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("%s", diags.Error())
	}
	return val, nil
}

// evalAttrs evaluates an attribute expression map into plain Go values.
// References to not-yet-applied resources come back as ir.UnknownValue.
func (s *scope) evalAttrs(attrs map[string]hcl.Expression) (map[string]any, error) {
	out := make(map[string]any, len(attrs))
	for name, expr := range attrs {
		val, err := s.eval(expr)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = ctyToAny(val)
	}
	return out, nil
}

// ctyToAny converts a cty value to plain Go data. Unknown values become the
// ir.UnknownValue sentinel.
func ctyToAny(v cty.Value) any {
	if !v.IsKnown() {
		return ir.UnknownValue
	}
	if v.IsNull() {
		return nil
	}

	t := v.Type()
	switch {
	case t == cty.String:
		return v.AsString()
	case t == cty.Bool:
		return v.True()
	case t == cty.Number:
		bf := v.AsBigFloat()
		if i, acc := bf.Int64(); acc == big.Exact {
			return i
		}
		f, _ := bf.Float64()
		return f
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		var items []any
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			items = append(items, ctyToAny(ev))
		}
		return items
	case t.IsObjectType() || t.IsMapType():
		obj := make(map[string]any)
		for it := v.ElementIterator(); it.Next(); {
			kv, ev := it.Element()
			obj[kv.AsString()] = ctyToAny(ev)
		}
		return obj
	default:
		return fmt.Sprintf("%v", v)
	}
}

// anyToCty converts plain Go data (provider attributes, state records) into
// a cty value for expression evaluation.
func anyToCty(v any) cty.Value {
	switch val := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case string:
		return cty.StringVal(val)
	case bool:
		return cty.BoolVal(val)
	case int:
		return cty.NumberIntVal(int64(val))
	case int32:
		return cty.NumberIntVal(int64(val))
	case int64:
		return cty.NumberIntVal(val)
	case float64:
		return cty.NumberFloatVal(val)
	case []string:
		items := make([]cty.Value, len(val))
		for i, s := range val {
			items[i] = cty.StringVal(s)
		}
		if len(items) == 0 {
			return cty.EmptyTupleVal
		}
		return cty.TupleVal(items)
	case []any:
		items := make([]cty.Value, len(val))
		for i, e := range val {
			items[i] = anyToCty(e)
		}
		if len(items) == 0 {
			return cty.EmptyTupleVal
		}
		return cty.TupleVal(items)
	case map[string]string:
		obj := make(map[string]cty.Value, len(val))
		for k, s := range val {
			obj[k] = cty.StringVal(s)
		}
		if len(obj) == 0 {
			return cty.EmptyObjectVal
		}
		return cty.ObjectVal(obj)
	case map[string]any:
		obj := make(map[string]cty.Value, len(val))
		for k, e := range val {
			obj[k] = anyToCty(e)
		}
		if len(obj) == 0 {
			return cty.EmptyObjectVal
		}
		return cty.ObjectVal(obj)
	default:
		return cty.StringVal(fmt.Sprintf("%v", val))
	}
}

// valuesEqual compares two attribute values structurally. Values travel
// through JSON and cty conversions, so both sides are normalized through
// JSON encoding: int64(5) and float64(5) compare equal, string "5" and
// number 5 do not. Map keys marshal sorted.
func valuesEqual(a, b any) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	return bytes.Equal(ab, bb)
}
