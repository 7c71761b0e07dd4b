package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/skiff-io/skiff/internal/config"
	"github.com/skiff-io/skiff/internal/engine"
	"github.com/skiff-io/skiff/internal/ir"
	"github.com/skiff-io/skiff/internal/provider"
	"github.com/skiff-io/skiff/internal/state"
)

// ExitError carries a process exit code alongside the error. Configuration
// errors the user must fix (cycles, dangling references, identity conflicts)
// exit with code 2; operational failures exit with 1.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// classifyPlanError wraps configuration-level plan failures in an ExitError
// with code 2 so scripts can tell them apart from operational errors.
func classifyPlanError(err error) error {
	var cycleErr *engine.CycleError
	var danglingErr *engine.DanglingRefError
	var conflictErr *engine.PlanConflictError
	if errors.As(err, &cycleErr) || errors.As(err, &danglingErr) || errors.As(err, &conflictErr) {
		return &ExitError{Code: 2, Err: err}
	}
	return err
}

// workspace bundles everything a command needs for one run.
type workspace struct {
	dir      string
	cfg      *ir.Config
	store    state.Store
	registry *provider.Registry
	engine   *engine.Engine
}

// openWorkspace loads the configuration from the directory argument (default
// the working directory), opens the backend it selects, and loads every
// provider the run will touch.
func openWorkspace(ctx context.Context, args []string) (*workspace, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	if len(args) > 0 {
		dir, err = filepath.Abs(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := state.NewStore(ctx, cfg.Backend, filepath.Join(dir, ".skiff", "state.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to open state backend: %w", err)
	}

	registry := provider.NewRegistry()
	if err := loadRequiredProviders(ctx, registry, cfg); err != nil {
		return nil, err
	}

	return &workspace{
		dir:      dir,
		cfg:      cfg,
		store:    store,
		registry: registry,
		engine:   engine.NewEngine(registry),
	}, nil
}

// loadRequiredProviders loads every provider named by a declaration.
func loadRequiredProviders(ctx context.Context, registry *provider.Registry, cfg *ir.Config) error {
	seen := make(map[string]bool)
	load := func(name string) error {
		if name == "" || seen[name] {
			return nil
		}
		seen[name] = true
		if err := registry.LoadProvider(ctx, name); err != nil {
			return fmt.Errorf("failed to load provider %s: %w", name, err)
		}
		return nil
	}

	for _, res := range cfg.Resources {
		if err := load(res.Provider); err != nil {
			return err
		}
	}
	for _, l := range cfg.Lookups {
		if err := load(l.Provider); err != nil {
			return err
		}
	}
	for _, x := range cfg.Externals {
		if err := load(x.Provider); err != nil {
			return err
		}
	}
	return nil
}

// loadStateProviders loads providers referenced only by state records, which
// deletion needs after the declarations are gone.
func loadStateProviders(ctx context.Context, registry *provider.Registry, st *ir.State) error {
	seen := make(map[string]bool)
	for _, rec := range st.Resources {
		if rec.Provider == "" || seen[rec.Provider] {
			continue
		}
		seen[rec.Provider] = true
		if err := registry.LoadProvider(ctx, rec.Provider); err != nil {
			return fmt.Errorf("failed to load provider %s: %w", rec.Provider, err)
		}
	}
	return nil
}

func strLower(action ir.Action) string { return strings.ToLower(string(action)) }

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// confirm prompts on stdout and reads a y/yes answer from stdin.
func confirm(prompt string) bool {
	fmt.Print(prompt)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "yes"
}
