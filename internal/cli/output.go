package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var outputCmd = &cobra.Command{
	Use:   "output [name]",
	Short: "Show output values from the last successful apply",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runOutput,
}

func runOutput(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ws, err := openWorkspace(ctx, nil)
	if err != nil {
		return err
	}

	st, err := ws.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if len(args) == 1 {
		value, ok := st.Outputs[args[0]]
		if !ok {
			return fmt.Errorf("output %q is not recorded in state", args[0])
		}
		fmt.Println(formatValue(value))
		return nil
	}

	if len(st.Outputs) == 0 {
		fmt.Println("No outputs recorded. Run apply first.")
		return nil
	}
	for _, name := range sortedKeys(st.Outputs) {
		fmt.Printf("%s = %s\n", name, formatValue(st.Outputs[name]))
	}
	return nil
}
