package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and live instance activity",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var health Health
	if err := getJSON("/health", nil, &health); err != nil {
		return err
	}

	var instances InstanceList
	if err := getJSON("/api/v1/instances", nil, &instances); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(map[string]any{
			"health":    health,
			"instances": instances.Instances,
		})
	}

	fmt.Printf("Server: %s (%s)\n\n", health.Status, serverURL)

	if instances.Count == 0 {
		fmt.Println("No active instances.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tTYPE\tMODEL\tSTATUS\tIN\tOUT\tREQS\tCOST\tLAST ACTIVITY")
	for _, inst := range instances.Instances {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t$%.4f\t%s\n",
			inst.ID, inst.ProviderType, inst.Model, inst.Status,
			inst.TotalInputTokens, inst.TotalOutputTokens,
			inst.RequestCount, inst.TotalCostUSD, inst.LastActivityAt)
	}
	return w.Flush()
}
