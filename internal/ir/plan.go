package ir

// Action is the planned operation for a single resource.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionReplace Action = "REPLACE" // destroy-then-create forced by an attribute change
	ActionDelete  Action = "DELETE"
	ActionNoOp    Action = "NOOP"
)

// Plan is a calculated execution plan.
type Plan struct {
	Metadata *PlanMetadata
	Changes  []*ResourceChange
	Summary  *PlanSummary
	Outputs  []*Output
}

type PlanMetadata struct {
	Timestamp string
	Refreshed bool
}

// ResourceChange is one planned action. Desired is nil for deletes; Prior is
// nil for creates. DesiredValues is the attribute snapshot evaluated at plan
// time; unknown values (references to resources not yet created) appear as
// the UnknownValue sentinel and are re-evaluated at apply time.
type ResourceChange struct {
	Address       string
	Action        Action
	Desired       *Resource
	Prior         *ResourceState
	DesiredValues map[string]any
	Diff          map[string]*PropertyDiff
	ReplacePaths  []string // attributes whose change forced replacement
}

type PropertyDiff struct {
	Before            any
	After             any
	ForcesReplacement bool
	Action            Action
}

type PlanSummary struct {
	Create  int
	Update  int
	Replace int
	Delete  int
	NoOp    int
}

// HasChanges reports whether applying the plan would mutate anything.
func (p *Plan) HasChanges() bool { return len(p.Changes) > 0 }

// UnknownValue marks an attribute whose value is only known after the
// resource producing it has been applied.
const UnknownValue = "(known after apply)"
