package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skiff-io/skiff/internal/config"
	"github.com/skiff-io/skiff/internal/ir"
	"github.com/skiff-io/skiff/internal/provider"
	"github.com/skiff-io/skiff/internal/state"
	"github.com/skiff-io/skiff/providers/mem"
)

// loadTestConfig parses an HCL snippet through the real loader.
func loadTestConfig(t *testing.T, src string) *ir.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(src), 0o644))
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	return cfg
}

// newTestEngine returns an engine backed by a fresh in-memory provider, with
// retries tightened so injected failures do not slow the suite down.
func newTestEngine(t *testing.T) (*Engine, *mem.Provider) {
	t.Helper()
	p := mem.New()
	reg := provider.NewRegistry()
	reg.Register(p)

	eng := NewEngine(reg)
	eng.retry = &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return eng, p
}

func newTestStore(t *testing.T) *state.FileStore {
	t.Helper()
	return state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
}
