package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	destroyAutoApprove bool
	destroyParallelism int
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [dir]",
	Short: "Destroy every resource in state",
	Long: `Deletes every resource recorded in state, dependents before their
dependencies. The configuration is only consulted for the backend.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval")
	destroyCmd.Flags().IntVar(&destroyParallelism, "parallelism", 0, "Limit on concurrent actions (0 uses the default)")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(ctx, args)
	if err != nil {
		return err
	}
	if destroyParallelism > 0 {
		ws.engine.Parallelism = destroyParallelism
	}

	if err := ws.store.Lock(ctx); err != nil {
		return err
	}
	defer ws.store.Unlock(ctx)

	st, err := ws.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if err := loadStateProviders(ctx, ws.registry, st); err != nil {
		return err
	}

	plan, err := ws.engine.CreateDestroyPlan(ctx, st)
	if err != nil {
		return classifyPlanError(err)
	}
	if !plan.HasChanges() {
		fmt.Println("Nothing to destroy. State is empty.")
		return nil
	}

	fmt.Println("Skiff will destroy the following resources:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !destroyAutoApprove {
		if !confirm("\nDo you really want to destroy all resources? (y/n): ") {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	fmt.Printf("\nDestroying %d resources...\n", len(plan.Changes))
	result, err := ws.engine.ApplyPlanWithCallback(ctx, plan, ws.store, printApplyEvent)
	if err != nil {
		return err
	}
	return reportRun(result, plan)
}
