package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skiff-io/skiff/internal/engine"
)

var (
	planVars    map[string]string
	planRefresh bool
)

var planCmd = &cobra.Command{
	Use:   "plan [dir]",
	Short: "Show the actions required to reach the declared state",
	Long: `Calculates the set of actions that would reconcile live infrastructure
with the configuration, without performing any of them.

The plan shows:
  ` + "•" + ` Resources to be created
  ` + "•" + ` Resources to be updated or replaced (with attribute diff)
  ` + "•" + ` Resources to be deleted`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringToStringVar(&planVars, "var", nil, "Set a declared variable (format: name=value)")
	planCmd.Flags().BoolVar(&planRefresh, "refresh", false, "Read live attributes before diffing so drift shows up")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(ctx, args)
	if err != nil {
		return err
	}

	st, err := ws.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if err := loadStateProviders(ctx, ws.registry, st); err != nil {
		return err
	}

	plan, err := ws.engine.CreatePlan(ctx, ws.cfg, st, &engine.PlanOptions{
		Vars:    planVars,
		Refresh: planRefresh,
	})
	if err != nil {
		return classifyPlanError(err)
	}

	if !plan.HasChanges() {
		fmt.Println("No changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("Skiff will perform the following actions:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)
	return nil
}
