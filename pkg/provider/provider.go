// Package provider defines the capability set the reconciliation core
// requires from a provider. It is the only I/O boundary of the engine;
// concrete transports live behind these six operations.
package provider

import (
	"context"
	"time"
)

// Provider is implemented by each target-infrastructure backend.
type Provider interface {
	// Name returns the provider's registry name, e.g. "aws".
	Name() string

	// Schema describes the attributes of a resource type, in particular
	// which ones force replacement when changed.
	Schema(typ string) (*Schema, error)

	// Lookup returns every live object matching the filter. Cardinality is
	// enforced by the caller, not here.
	Lookup(ctx context.Context, typ string, filter map[string]any) ([]Candidate, error)

	// Read returns the current attributes of an object by its
	// provider-native identifier. exists is false when the object is gone;
	// that is not an error.
	Read(ctx context.Context, typ, id string) (attrs map[string]any, exists bool, err error)

	// Create provisions a new object and returns its identifier plus the
	// attributes it reported.
	Create(ctx context.Context, typ string, attrs map[string]any) (id string, out map[string]any, err error)

	// Update changes an existing object in place.
	Update(ctx context.Context, typ, id string, attrs map[string]any) (out map[string]any, err error)

	// Destroy removes an object.
	Destroy(ctx context.Context, typ, id string) error
}

// Schema describes one resource type.
type Schema struct {
	Attributes map[string]AttrSchema
}

// AttrSchema classifies a single attribute.
type AttrSchema struct {
	// ForcesReplacement marks attributes that cannot change in place; a
	// diff on one escalates an update to destroy-then-create.
	ForcesReplacement bool
	// Computed attributes are assigned by the provider and excluded from
	// desired-vs-prior diffing.
	Computed bool
}

// Candidate is one object matched by a Lookup. CreatedAt and ID carry the
// ordering used to break ties deterministically when a filter selects the
// most recent match.
type Candidate struct {
	ID        string
	CreatedAt time.Time
	Attrs     map[string]any
}
