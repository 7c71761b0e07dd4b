package engine

import (
	"fmt"
	"strings"
)

// CycleError reports a reference cycle between declarations. Path holds
// every address in the cycle, ending where it started.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// DanglingRefError reports a reference to a declaration that is not part of
// this run.
type DanglingRefError struct {
	Addr string // declaration holding the reference
	Ref  string // address it points at
}

func (e *DanglingRefError) Error() string {
	return fmt.Sprintf("%s references undeclared %s", e.Addr, e.Ref)
}

// PlanConflictError reports two declarations claiming the same
// provider-native identity.
type PlanConflictError struct {
	ID    string
	Addrs []string
}

func (e *PlanConflictError) Error() string {
	return fmt.Sprintf("provider identity %s claimed by multiple declarations: %s", e.ID, strings.Join(e.Addrs, ", "))
}

// LookupNotFoundError reports a lookup that matched no candidates.
type LookupNotFoundError struct {
	Addr string
}

func (e *LookupNotFoundError) Error() string {
	return fmt.Sprintf("%s matched no objects", e.Addr)
}

// LookupAmbiguousError reports a lookup that matched more than one candidate
// while exactly one was required.
type LookupAmbiguousError struct {
	Addr  string
	Count int
}

func (e *LookupAmbiguousError) Error() string {
	return fmt.Sprintf("%s matched %d objects, expected exactly one (set most_recent to pick the newest)", e.Addr, e.Count)
}

// LookupUnreachableError reports a lookup that kept failing after every
// retry because the underlying API was unavailable.
type LookupUnreachableError struct {
	Addr string
	Err  error
}

func (e *LookupUnreachableError) Error() string {
	return fmt.Sprintf("%s could not be resolved: %v", e.Addr, e.Err)
}

func (e *LookupUnreachableError) Unwrap() error { return e.Err }

// ApplyFailedError wraps a provider error that survived the retry policy
// during apply.
type ApplyFailedError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ApplyFailedError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Addr, e.Err)
}

func (e *ApplyFailedError) Unwrap() error { return e.Err }
