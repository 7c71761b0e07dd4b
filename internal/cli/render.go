package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/skiff-io/skiff/internal/ir"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
)

func actionSymbol(action ir.Action) string {
	switch action {
	case ir.ActionCreate:
		return "+"
	case ir.ActionDelete:
		return "-"
	case ir.ActionReplace:
		return "-/+"
	case ir.ActionUpdate:
		return "~"
	default:
		return " "
	}
}

func actionColor(action ir.Action) string {
	switch action {
	case ir.ActionCreate:
		return colorGreen
	case ir.ActionDelete:
		return colorRed
	case ir.ActionUpdate, ir.ActionReplace:
		return colorYellow
	default:
		return colorReset
	}
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(plan *ir.Plan) {
	for _, change := range plan.Changes {
		color := actionColor(change.Action)
		verb := strings.ToLower(string(change.Action) + "d")
		if change.Action == ir.ActionReplace {
			verb = "replaced"
		}

		fmt.Printf("\n%s  # %s will be %s%s", color, change.Address, verb, colorReset)
		if len(change.ReplacePaths) > 0 {
			fmt.Printf("%s (forced by: %s)%s", colorRed, strings.Join(change.ReplacePaths, ", "), colorReset)
		}
		fmt.Println()
		fmt.Printf("%s  %s %s {%s\n", color, actionSymbol(change.Action), change.Address, colorReset)
		renderPropertyDiffs(change.Diff)
		fmt.Printf("%s    }%s\n", color, colorReset)
	}
}

func renderPropertyDiffs(diff map[string]*ir.PropertyDiff) {
	names := make([]string, 0, len(diff))
	for name := range diff {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := diff[name]
		suffix := ""
		if d.ForcesReplacement {
			suffix = " # forces replacement"
		}
		switch d.Action {
		case ir.ActionCreate:
			fmt.Printf("%s      + %s = %s%s%s\n", colorGreen, name, formatValue(d.After), suffix, colorReset)
		case ir.ActionDelete:
			fmt.Printf("%s      - %s = %s%s%s\n", colorRed, name, formatValue(d.Before), suffix, colorReset)
		default:
			fmt.Printf("%s      ~ %s = %s -> %s%s%s\n", colorYellow, name, formatValue(d.Before), formatValue(d.After), suffix, colorReset)
		}
	}
}

func renderPlanSummary(plan *ir.Plan) {
	fmt.Printf("\nPlan: %d to create, %d to update, %d to replace, %d to delete. (%d unchanged)\n",
		plan.Summary.Create, plan.Summary.Update, plan.Summary.Replace, plan.Summary.Delete, plan.Summary.NoOp)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		if val == ir.UnknownValue {
			return val
		}
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
