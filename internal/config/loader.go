// Package config loads declaration files into the engine's intermediate
// representation. Parsing is strictly syntactic: expressions are kept
// unevaluated, and the references they carry are extracted for the
// dependency graph.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/skiff-io/skiff/internal/ir"
	"github.com/skiff-io/skiff/internal/logging"
)

var rootSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "variable", LabelNames: []string{"name"}},
		{Type: "data", LabelNames: []string{"type", "name"}},
		{Type: "external", LabelNames: []string{"type", "name"}},
		{Type: "resource", LabelNames: []string{"type", "name"}},
		{Type: "output", LabelNames: []string{"name"}},
		{Type: "backend", LabelNames: []string{"type"}},
	},
}

var lookupSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "most_recent"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "filter"},
	},
}

var externalSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "id", Required: true},
	},
}

var outputSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "value", Required: true},
	},
}

// Load parses every .skiff.hcl and .hcl file under path (or the single file
// path names) into one configuration.
func Load(path string) (*ir.Config, error) {
	files, err := findConfigFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no configuration files found under %s", path)
	}
	logging.Debug("loading configuration", "path", path, "files", len(files))

	cfg := &ir.Config{}
	parser := hclparse.NewParser()
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parsing %s: %s", file, diags.Error())
		}
		if err := decodeFile(hclFile.Body, cfg); err != nil {
			return nil, err
		}
	}

	if err := checkUniqueAddresses(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("accessing %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".hcl" {
			continue
		}
		files = append(files, filepath.Join(path, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func decodeFile(body hcl.Body, cfg *ir.Config) error {
	content, diags := body.Content(rootSchema)
	if diags.HasErrors() {
		return fmt.Errorf("%s", diags.Error())
	}

	for _, block := range content.Blocks {
		var err error
		switch block.Type {
		case "variable":
			err = decodeVariable(block, cfg)
		case "data":
			err = decodeLookup(block, cfg)
		case "external":
			err = decodeExternal(block, cfg)
		case "resource":
			err = decodeResource(block, cfg)
		case "output":
			err = decodeOutput(block, cfg)
		case "backend":
			err = decodeBackend(block, cfg)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeVariable(block *hcl.Block, cfg *ir.Config) error {
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("variable %q: %s", block.Labels[0], diags.Error())
	}
	v := &ir.Variable{Name: block.Labels[0], DeclRange: block.DefRange}
	for name, attr := range attrs {
		if name != "default" {
			return fmt.Errorf("variable %q: unsupported argument %q", v.Name, name)
		}
		v.Default = attr.Expr
	}
	cfg.Variables = append(cfg.Variables, v)
	return nil
}

func decodeLookup(block *hcl.Block, cfg *ir.Config) error {
	l := &ir.Lookup{
		Type:      block.Labels[0],
		Name:      block.Labels[1],
		Provider:  providerForType(block.Labels[0]),
		Filter:    make(map[string]hcl.Expression),
		DeclRange: block.DefRange,
	}

	content, diags := block.Body.Content(lookupSchema)
	if diags.HasErrors() {
		return fmt.Errorf("%s: %s", l.Addr(), diags.Error())
	}

	var exprs []hcl.Expression
	if attr, ok := content.Attributes["most_recent"]; ok {
		val, valDiags := attr.Expr.Value(nil)
		if valDiags.HasErrors() || !val.IsKnown() || val.Type().FriendlyName() != "bool" {
			return fmt.Errorf("%s: most_recent must be a literal bool", l.Addr())
		}
		l.MostRecent = val.True()
	}
	for _, filter := range content.Blocks {
		attrs, attrDiags := filter.Body.JustAttributes()
		if attrDiags.HasErrors() {
			return fmt.Errorf("%s: %s", l.Addr(), attrDiags.Error())
		}
		for name, attr := range attrs {
			l.Filter[name] = attr.Expr
			exprs = append(exprs, attr.Expr)
		}
	}
	if len(l.Filter) == 0 {
		return fmt.Errorf("%s: a data block requires a filter", l.Addr())
	}

	l.Refs = extractRefs(exprs...)
	cfg.Lookups = append(cfg.Lookups, l)
	return nil
}

func decodeExternal(block *hcl.Block, cfg *ir.Config) error {
	x := &ir.External{
		Type:      block.Labels[0],
		Name:      block.Labels[1],
		Provider:  providerForType(block.Labels[0]),
		DeclRange: block.DefRange,
	}

	content, diags := block.Body.Content(externalSchema)
	if diags.HasErrors() {
		return fmt.Errorf("%s: %s", x.Addr(), diags.Error())
	}
	x.ID = content.Attributes["id"].Expr
	x.Refs = extractRefs(x.ID)
	cfg.Externals = append(cfg.Externals, x)
	return nil
}

func decodeResource(block *hcl.Block, cfg *ir.Config) error {
	r := &ir.Resource{
		Type:      block.Labels[0],
		Name:      block.Labels[1],
		Provider:  providerForType(block.Labels[0]),
		Attrs:     make(map[string]hcl.Expression),
		DeclRange: block.DefRange,
	}

	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("%s: %s", r.Addr(), diags.Error())
	}

	var exprs []hcl.Expression
	for name, attr := range attrs {
		switch name {
		case "provider":
			val, valDiags := attr.Expr.Value(nil)
			if valDiags.HasErrors() || !val.IsKnown() {
				return fmt.Errorf("%s: provider must be a literal string", r.Addr())
			}
			r.Provider = val.AsString()
		case "depends_on":
			deps, err := decodeDependsOn(attr.Expr)
			if err != nil {
				return fmt.Errorf("%s: %w", r.Addr(), err)
			}
			r.DependsOn = deps
		default:
			r.Attrs[name] = attr.Expr
			exprs = append(exprs, attr.Expr)
		}
	}

	r.Refs = extractRefs(exprs...)
	cfg.Resources = append(cfg.Resources, r)
	return nil
}

func decodeOutput(block *hcl.Block, cfg *ir.Config) error {
	o := &ir.Output{Name: block.Labels[0], DeclRange: block.DefRange}
	content, diags := block.Body.Content(outputSchema)
	if diags.HasErrors() {
		return fmt.Errorf("%s: %s", o.Addr(), diags.Error())
	}
	o.Value = content.Attributes["value"].Expr
	o.Refs = extractRefs(o.Value)
	cfg.Outputs = append(cfg.Outputs, o)
	return nil
}

func decodeBackend(block *hcl.Block, cfg *ir.Config) error {
	if cfg.Backend != nil {
		return fmt.Errorf("duplicate backend block at %s", block.DefRange)
	}
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("backend %q: %s", block.Labels[0], diags.Error())
	}

	settings := &ir.BackendSettings{
		Type:   block.Labels[0],
		Config: make(map[string]string, len(attrs)),
	}
	for name, attr := range attrs {
		val, valDiags := attr.Expr.Value(nil)
		if valDiags.HasErrors() || !val.IsKnown() {
			return fmt.Errorf("backend %q: %s must be a literal string", settings.Type, name)
		}
		settings.Config[name] = val.AsString()
	}
	cfg.Backend = settings
	return nil
}

// decodeDependsOn reads a depends_on list of bare resource references, e.g.
// depends_on = [aws_vpc.main].
func decodeDependsOn(expr hcl.Expression) ([]string, error) {
	items, diags := hcl.ExprList(expr)
	if diags.HasErrors() {
		return nil, fmt.Errorf("depends_on must be a list of references")
	}
	var deps []string
	for _, item := range items {
		traversal, travDiags := hcl.AbsTraversalForExpr(item)
		if travDiags.HasErrors() {
			return nil, fmt.Errorf("depends_on entries must be bare references")
		}
		addr, ok := traversalAddr(traversal)
		if !ok {
			return nil, fmt.Errorf("depends_on entry is not a declaration address")
		}
		deps = append(deps, addr)
	}
	sort.Strings(deps)
	return deps, nil
}

// extractRefs collects the declaration addresses referenced by the given
// expressions, sorted and deduplicated.
func extractRefs(exprs ...hcl.Expression) []string {
	seen := make(map[string]struct{})
	for _, expr := range exprs {
		if expr == nil {
			continue
		}
		for _, traversal := range expr.Variables() {
			if addr, ok := traversalAddr(traversal); ok {
				seen[addr] = struct{}{}
			}
		}
	}
	refs := make([]string, 0, len(seen))
	for addr := range seen {
		refs = append(refs, addr)
	}
	sort.Strings(refs)
	return refs
}

// traversalAddr maps an expression traversal onto a declaration address:
// var.<name>, data.<type>.<name>, external.<type>.<name>, or <type>.<name>.
// Deeper attribute steps (data.aws_ami.base.id) are ignored past the
// declaration boundary.
func traversalAddr(traversal hcl.Traversal) (string, bool) {
	var parts []string
	for _, step := range traversal {
		switch s := step.(type) {
		case hcl.TraverseRoot:
			parts = append(parts, s.Name)
		case hcl.TraverseAttr:
			parts = append(parts, s.Name)
		default:
			// Index steps end the address.
		}
	}
	if len(parts) == 0 {
		return "", false
	}

	want := 2
	if parts[0] == "data" || parts[0] == "external" {
		want = 3
	}
	if len(parts) < want {
		return "", false
	}
	return strings.Join(parts[:want], "."), true
}

// providerForType derives the default provider from a resource type prefix:
// aws_instance belongs to "aws". Types without a prefix are their own
// provider.
func providerForType(typ string) string {
	if i := strings.Index(typ, "_"); i > 0 {
		return typ[:i]
	}
	return typ
}

func checkUniqueAddresses(cfg *ir.Config) error {
	seen := make(map[string]hcl.Range)
	check := func(addr string, rng hcl.Range) error {
		if prev, ok := seen[addr]; ok {
			return fmt.Errorf("%s declared twice, at %s and %s", addr, prev, rng)
		}
		seen[addr] = rng
		return nil
	}

	for _, v := range cfg.Variables {
		if err := check(v.Addr(), v.DeclRange); err != nil {
			return err
		}
	}
	for _, l := range cfg.Lookups {
		if err := check(l.Addr(), l.DeclRange); err != nil {
			return err
		}
	}
	for _, x := range cfg.Externals {
		if err := check(x.Addr(), x.DeclRange); err != nil {
			return err
		}
	}
	for _, r := range cfg.Resources {
		if err := check(r.Addr(), r.DeclRange); err != nil {
			return err
		}
	}
	for _, o := range cfg.Outputs {
		if err := check(o.Addr(), o.DeclRange); err != nil {
			return err
		}
	}
	return nil
}
