package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/skiff-io/skiff/internal/config"
	"github.com/skiff-io/skiff/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Check the configuration for structural errors",
	Long: `Parses the configuration and builds its dependency graph, rejecting
duplicate addresses, dangling references, and reference cycles. No provider
is contacted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	if len(args) > 0 {
		dir, err = filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}
	if _, err := engine.BuildGraph(cfg); err != nil {
		return classifyPlanError(err)
	}

	fmt.Println("Configuration is valid.")
	return nil
}
