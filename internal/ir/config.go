package ir

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
)

// Config is the fully parsed configuration for a single run. It is built
// once by the config loader and never mutated afterwards.
type Config struct {
	Variables []*Variable
	Lookups   []*Lookup
	Externals []*External
	Resources []*Resource
	Outputs   []*Output
	Backend   *BackendSettings
}

// Resource is a managed resource declaration.
type Resource struct {
	Type      string // e.g. "aws_instance"
	Name      string
	Provider  string
	DependsOn []string
	Attrs     map[string]hcl.Expression
	Refs      []string // addresses referenced by attribute expressions, sorted
	DeclRange hcl.Range
}

// Lookup is a read-only query against live infrastructure ("data" block).
// MostRecent relaxes the exactly-one cardinality contract: of many matches
// the newest wins, ordered by creation timestamp descending then identifier
// descending.
type Lookup struct {
	Type       string // e.g. "aws_ami"
	Name       string
	Provider   string
	MostRecent bool
	Filter     map[string]hcl.Expression
	Refs       []string
	DeclRange  hcl.Range
}

// External reads the attributes of a resource that is not managed by this
// configuration, addressed by its provider-native identifier. Externals are
// never planned for mutation.
type External struct {
	Type      string
	Name      string
	Provider  string
	ID        hcl.Expression
	Refs      []string
	DeclRange hcl.Range
}

// Variable is a declared input, optionally with a default.
type Variable struct {
	Name      string
	Default   hcl.Expression // nil when the variable must be set by the caller
	DeclRange hcl.Range
}

// Output is a named value computed after a successful apply.
type Output struct {
	Name      string
	Value     hcl.Expression
	Refs      []string
	DeclRange hcl.Range
}

// BackendSettings selects where state is persisted.
type BackendSettings struct {
	Type   string // "local" (default) or "s3"
	Config map[string]string
}

// Addr returns the resource's stable address, type.name.
func (r *Resource) Addr() string { return fmt.Sprintf("%s.%s", r.Type, r.Name) }

// Addr returns the lookup's address, data.type.name.
func (l *Lookup) Addr() string { return fmt.Sprintf("data.%s.%s", l.Type, l.Name) }

// Addr returns the external reference's address, external.type.name.
func (e *External) Addr() string { return fmt.Sprintf("external.%s.%s", e.Type, e.Name) }

// Addr returns the variable's address, var.name.
func (v *Variable) Addr() string { return fmt.Sprintf("var.%s", v.Name) }

// Addr returns the output's address, output.name.
func (o *Output) Addr() string { return fmt.Sprintf("output.%s", o.Name) }
