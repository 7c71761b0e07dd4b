// Package mem implements the provider boundary against an in-process object
// store. It backs local experimentation and the engine's test suite: objects
// live in a map, identifiers are minted per provider instance, and failures
// can be injected per operation.
package mem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skiff-io/skiff/pkg/provider"
)

type object struct {
	attrs     map[string]any
	createdAt time.Time
}

type Provider struct {
	mu       sync.Mutex
	schemas  map[string]*provider.Schema
	objects  map[string]map[string]*object // type -> id -> object
	failures map[string]error              // op -> error returned on next call
	ops      []string
	now      func() time.Time
}

func New() *Provider {
	return &Provider{
		schemas:  make(map[string]*provider.Schema),
		objects:  make(map[string]map[string]*object),
		failures: make(map[string]error),
		now:      time.Now,
	}
}

func (p *Provider) Name() string { return "mem" }

// DefineSchema registers the schema for a type. Types without a schema get
// an empty one, so every attribute is an in-place update.
func (p *Provider) DefineSchema(typ string, schema *provider.Schema) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schemas[typ] = schema
}

// Seed inserts an object directly, bypassing Create. The id is the
// provider-native identity; createdAt feeds lookup tie-breaking.
func (p *Provider) Seed(typ, id string, attrs map[string]any, createdAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.objects[typ] == nil {
		p.objects[typ] = make(map[string]*object)
	}
	p.objects[typ][id] = &object{attrs: copyAttrs(attrs), createdAt: createdAt}
}

// FailNext makes the next call of the named operation ("lookup", "read",
// "create", "update", "destroy") return err once, regardless of type.
func (p *Provider) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = err
}

// FailNextFor is FailNext scoped to one resource type.
func (p *Provider) FailNextFor(op, typ string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op+" "+typ] = err
}

// Ops returns the log of mutating and querying calls in invocation order,
// formatted as "op type[ id]".
func (p *Provider) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

// Attrs returns the live attributes of an object, for assertions.
func (p *Provider) Attrs(typ, id string) (map[string]any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[typ][id]
	if !ok {
		return nil, false
	}
	return copyAttrs(obj.attrs), true
}

func (p *Provider) Schema(typ string) (*provider.Schema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if schema, ok := p.schemas[typ]; ok {
		return schema, nil
	}
	return &provider.Schema{Attributes: map[string]provider.AttrSchema{}}, nil
}

func (p *Provider) Lookup(ctx context.Context, typ string, filter map[string]any) ([]provider.Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("lookup", typ); err != nil {
		return nil, err
	}
	p.ops = append(p.ops, "lookup "+typ)

	var candidates []provider.Candidate
	for id, obj := range p.objects[typ] {
		if matches(obj.attrs, filter) {
			candidates = append(candidates, provider.Candidate{
				ID:        id,
				CreatedAt: obj.createdAt,
				Attrs:     copyAttrs(obj.attrs),
			})
		}
	}
	return candidates, nil
}

func (p *Provider) Read(ctx context.Context, typ, id string) (map[string]any, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("read", typ); err != nil {
		return nil, false, err
	}
	p.ops = append(p.ops, fmt.Sprintf("read %s %s", typ, id))

	obj, ok := p.objects[typ][id]
	if !ok {
		return nil, false, nil
	}
	return copyAttrs(obj.attrs), true, nil
}

func (p *Provider) Create(ctx context.Context, typ string, attrs map[string]any) (string, map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("create", typ); err != nil {
		return "", nil, err
	}

	id := "mem-" + uuid.NewString()[:8]
	if p.objects[typ] == nil {
		p.objects[typ] = make(map[string]*object)
	}
	p.objects[typ][id] = &object{attrs: copyAttrs(attrs), createdAt: p.now()}
	p.ops = append(p.ops, fmt.Sprintf("create %s %s", typ, id))
	return id, copyAttrs(attrs), nil
}

func (p *Provider) Update(ctx context.Context, typ, id string, attrs map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("update", typ); err != nil {
		return nil, err
	}

	obj, ok := p.objects[typ][id]
	if !ok {
		return nil, fmt.Errorf("object %s/%s does not exist", typ, id)
	}
	for k, v := range attrs {
		obj.attrs[k] = v
	}
	p.ops = append(p.ops, fmt.Sprintf("update %s %s", typ, id))
	return copyAttrs(obj.attrs), nil
}

func (p *Provider) Destroy(ctx context.Context, typ, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFailure("destroy", typ); err != nil {
		return err
	}
	delete(p.objects[typ], id)
	p.ops = append(p.ops, fmt.Sprintf("destroy %s %s", typ, id))
	return nil
}

// takeFailure consumes a pending injected failure, preferring a type-scoped
// one. Caller holds the lock.
func (p *Provider) takeFailure(op, typ string) error {
	for _, key := range []string{op + " " + typ, op} {
		if err, ok := p.failures[key]; ok {
			delete(p.failures, key)
			return err
		}
	}
	return nil
}

// matches reports whether every filter entry equals the object's attribute,
// compared on their normalized textual form.
func matches(attrs, filter map[string]any) bool {
	for name, want := range filter {
		got, ok := attrs[name]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func copyAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
