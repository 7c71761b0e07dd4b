package ir

// StateVersion is the current on-disk state document version.
const StateVersion = 2

// State is the persisted memory of every managed resource, keyed by address.
type State struct {
	Version   int                       `json:"version"`
	Serial    int                       `json:"serial"`
	Lineage   string                    `json:"lineage"`
	Resources map[string]*ResourceState `json:"resources"`
	Outputs   map[string]any            `json:"outputs,omitempty"`
}

// ResourceState records the last-applied values for one managed resource.
// ID is the provider-assigned identifier; the map key in State.Resources is
// the stable declaration address, which is deliberately distinct from it.
type ResourceState struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	ID           string         `json:"id"`
	Inputs       map[string]any `json:"inputs"` // last applied desired values
	Attrs        map[string]any `json:"attrs"`  // provider-reported attributes
	Dependencies []string       `json:"dependencies,omitempty"`
}

// NewState returns an empty state at the current version.
func NewState() *State {
	return &State{
		Version:   StateVersion,
		Resources: make(map[string]*ResourceState),
	}
}

// Addr returns the record's address, type.name.
func (r *ResourceState) Addr() string { return r.Type + "." + r.Name }
