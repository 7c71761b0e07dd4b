package cli

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiff-io/skiff/internal/engine"
	"github.com/skiff-io/skiff/internal/ir"
)

func TestClassifyPlanError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{
			name:     "cycle",
			err:      &engine.CycleError{Path: []string{"a.a", "b.b", "a.a"}},
			wantCode: 2,
		},
		{
			name:     "dangling reference",
			err:      &engine.DanglingRefError{Addr: "aws_instance.web", Ref: "aws_sg.gone"},
			wantCode: 2,
		},
		{
			name:     "identity conflict",
			err:      &engine.PlanConflictError{ID: "i-123", Addrs: []string{"a.a", "b.b"}},
			wantCode: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyPlanError(tt.err)
			var exitErr *ExitError
			require.ErrorAs(t, got, &exitErr)
			assert.Equal(t, tt.wantCode, exitErr.Code)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyPlanError_Passthrough(t *testing.T) {
	plain := errors.New("provider exploded")
	got := classifyPlanError(plain)
	var exitErr *ExitError
	assert.False(t, errors.As(got, &exitErr))
	assert.Equal(t, plain, got)
}

func TestClassifyPlanError_Wrapped(t *testing.T) {
	inner := &engine.CycleError{Path: []string{"a.a", "a.a"}}
	wrapped := errors.Join(errors.New("planning failed"), inner)
	got := classifyPlanError(wrapped)
	var exitErr *ExitError
	require.ErrorAs(t, got, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}

func TestExitErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &ExitError{Code: 1, Err: inner}
	assert.Equal(t, "boom", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestActionSymbol(t *testing.T) {
	tests := []struct {
		action ir.Action
		want   string
	}{
		{ir.ActionCreate, "+"},
		{ir.ActionDelete, "-"},
		{ir.ActionReplace, "-/+"},
		{ir.ActionUpdate, "~"},
		{ir.ActionNoOp, " "},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, actionSymbol(tt.action))
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"nil", nil, "null"},
		{"string", "hello", `"hello"`},
		{"unknown sentinel", ir.UnknownValue, ir.UnknownValue},
		{"number", 42, "42"},
		{"bool", true, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatValue(tt.value))
		})
	}
}

func TestStrLower(t *testing.T) {
	assert.Equal(t, "create", strLower(ir.ActionCreate))
	assert.Equal(t, "replace", strLower(ir.ActionReplace))
}

func TestSortedKeys(t *testing.T) {
	keys := sortedKeys(map[string]any{"b": 1, "a": 2, "c": 3})
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}
