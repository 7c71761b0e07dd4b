package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skiff-io/skiff/internal/engine"
	"github.com/skiff-io/skiff/internal/ir"
)

var (
	applyVars        map[string]string
	applyAutoApprove bool
	applyRefresh     bool
	applyParallelism int
)

var applyCmd = &cobra.Command{
	Use:   "apply [dir]",
	Short: "Apply the configuration",
	Long:  `Plans and then performs the actions required to reach the declared state.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runApply,
}

func init() {
	applyCmd.Flags().StringToStringVar(&applyVars, "var", nil, "Set a declared variable (format: name=value)")
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of the plan")
	applyCmd.Flags().BoolVar(&applyRefresh, "refresh", false, "Read live attributes before diffing so drift shows up")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", 0, "Limit on concurrent actions (0 uses the default)")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(ctx, args)
	if err != nil {
		return err
	}
	if applyParallelism > 0 {
		ws.engine.Parallelism = applyParallelism
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

	plan, err := ws.engine.CreatePlan(ctx, ws.cfg, st, &engine.PlanOptions{
		Vars:    applyVars,
		Refresh: applyRefresh,
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

	if !applyAutoApprove {
		if !confirm("\nDo you want to perform these actions? (y/n): ") {
			fmt.Println("Apply cancelled.")
			return nil
		}
	}

	fmt.Printf("\nApplying %d changes...\n", len(plan.Changes))
	result, err := ws.engine.ApplyPlanWithCallback(ctx, plan, ws.store, printApplyEvent)
	if err != nil {
		return err
	}

	return reportRun(result, plan)
}

func printApplyEvent(ev engine.ApplyEvent) {
	switch ev.Status {
	case "started":
		fmt.Printf("%s: %s...\n", ev.Address, strLower(ev.Action))
	case "completed":
		fmt.Printf("%s: %s complete (%s)\n", ev.Address, strLower(ev.Action), ev.Duration.Round(time.Millisecond))
	case "failed":
		fmt.Printf("%s%s: %s failed: %v%s\n", colorRed, ev.Address, strLower(ev.Action), ev.Err, colorReset)
	case "skipped":
		fmt.Printf("%s%s: skipped (dependency failed or run cancelled)%s\n", colorYellow, ev.Address, colorReset)
	}
}

// reportRun prints the run ledger and maps non-success outcomes to exit
// code 1.
func reportRun(result *engine.RunResult, plan *ir.Plan) error {
	switch result.Status {
	case engine.RunSuccess:
		fmt.Printf("\nApply complete! Resources: %d added, %d changed, %d destroyed.\n",
			plan.Summary.Create, plan.Summary.Update+plan.Summary.Replace, plan.Summary.Delete)
		printOutputs(result.Outputs)
		return nil
	case engine.RunCancelled:
		fmt.Printf("\nApply cancelled: %d completed, %d failed, %d skipped.\n",
			len(result.Completed), len(result.Failed), len(result.Skipped))
	default:
		fmt.Printf("\nApply finished with failures: %d completed, %d failed, %d skipped.\n",
			len(result.Completed), len(result.Failed), len(result.Skipped))
		for addr, err := range result.Failed {
			fmt.Printf("  %s%s: %v%s\n", colorRed, addr, err, colorReset)
		}
	}
	return &ExitError{Code: 1, Err: fmt.Errorf("apply did not complete: %s", result.Status)}
}

func printOutputs(outputs map[string]any) {
	if len(outputs) == 0 {
		return
	}
	fmt.Println("\nOutputs:")
	for _, name := range sortedKeys(outputs) {
		fmt.Printf("  %s = %s\n", name, formatValue(outputs[name]))
	}
}
