package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/skiff-io/skiff/internal/ir"
)

// ErrStateVersionMismatch is returned when the persisted state document was
// written by a newer, unsupported format version.
var ErrStateVersionMismatch = errors.New("state version mismatch")

// ErrStateCorrupt is returned when the persisted state document cannot be
// decoded at all.
var ErrStateCorrupt = errors.New("state file corrupt")

// Store persists the last-known attributes of every managed resource. Load
// returns an empty state on first run. Commit atomically replaces (record
// non-nil) or removes (record nil) a single record and is durable before it
// returns; the applier relies on that to never lose the mapping between a
// declaration and the real object it created. Commits are serialized.
type Store interface {
	Load(ctx context.Context) (*ir.State, error)
	Commit(ctx context.Context, addr string, record *ir.ResourceState) error
	SetOutputs(ctx context.Context, outputs map[string]any) error
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// FileStore keeps state in a local JSON file.
type FileStore struct {
	path string

	mu  sync.Mutex
	doc *ir.State
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the state document, transparently decrypting it when the file
// was written with an encryption key. A missing file is an empty state, not
// an error.
func (s *FileStore) Load(ctx context.Context) (*ir.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return s.doc, nil
}

func (s *FileStore) ensureLoaded() error {
	if s.doc != nil {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.doc = ir.NewState()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}

	raw, err = DecryptState(raw)
	if err != nil {
		return fmt.Errorf("failed to decrypt state: %w", err)
	}

	doc, err := DecodeState(raw)
	if err != nil {
		return err
	}
	s.doc = doc
	return nil
}

// Commit replaces or removes one resource record and persists the document
// before returning. Committing a value identical to the stored one is a
// no-op and does not touch the file.
func (s *FileStore) Commit(ctx context.Context, addr string, record *ir.ResourceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}

	existing, present := s.doc.Resources[addr]
	if record == nil {
		if !present {
			return nil
		}
		delete(s.doc.Resources, addr)
	} else {
		if present && reflect.DeepEqual(existing, record) {
			return nil
		}
		s.doc.Resources[addr] = record
	}

	return s.persist()
}

// SetOutputs replaces the run outputs and persists the document.
func (s *FileStore) SetOutputs(ctx context.Context, outputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if reflect.DeepEqual(s.doc.Outputs, outputs) {
		return nil
	}
	s.doc.Outputs = outputs
	return s.persist()
}

// persist writes the document durably: temp file in the same directory,
// fsync, then rename over the old file.
func (s *FileStore) persist() error {
	if s.doc.Lineage == "" {
		s.doc.Lineage = uuid.NewString()
	}
	s.doc.Serial++

	content, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	encrypted, err := EncryptState(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// DecodeState parses a raw state document, migrating older supported
// versions forward. Documents written by a newer version fail with
// ErrStateVersionMismatch instead of being reinterpreted.
func DecodeState(raw []byte) (*ir.State, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}

	switch {
	case probe.Version == 1:
		return migrateV1(raw)
	case probe.Version == ir.StateVersion:
		var doc ir.State
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
		}
		if doc.Resources == nil {
			doc.Resources = make(map[string]*ir.ResourceState)
		}
		return &doc, nil
	case probe.Version > ir.StateVersion:
		return nil, fmt.Errorf("%w: document version %d, this build supports up to %d",
			ErrStateVersionMismatch, probe.Version, ir.StateVersion)
	default:
		return nil, fmt.Errorf("%w: missing or invalid version", ErrStateCorrupt)
	}
}

// stateV1 stored resources as a flat list instead of an address-keyed map.
type stateV1 struct {
	Version   int    `json:"version"`
	Serial    int    `json:"serial"`
	Lineage   string `json:"lineage"`
	Resources []struct {
		Type         string         `json:"type"`
		Name         string         `json:"name"`
		Provider     string         `json:"provider"`
		ID           string         `json:"id"`
		Inputs       map[string]any `json:"inputs"`
		Attrs        map[string]any `json:"attrs"`
		Dependencies []string       `json:"dependencies"`
	} `json:"resources"`
	Outputs map[string]any `json:"outputs"`
}

func migrateV1(raw []byte) (*ir.State, error) {
	var old stateV1
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}

	doc := &ir.State{
		Version:   ir.StateVersion,
		Serial:    old.Serial,
		Lineage:   old.Lineage,
		Resources: make(map[string]*ir.ResourceState, len(old.Resources)),
		Outputs:   old.Outputs,
	}
	for _, r := range old.Resources {
		rec := &ir.ResourceState{
			Type:         r.Type,
			Name:         r.Name,
			Provider:     r.Provider,
			ID:           r.ID,
			Inputs:       r.Inputs,
			Attrs:        r.Attrs,
			Dependencies: r.Dependencies,
		}
		doc.Resources[rec.Addr()] = rec
	}
	return doc, nil
}
