package cmd

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	usageProviderID string
	usagePeriod     string
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Query usage and spend",
}

var usageTodayCmd = &cobra.Command{
	Use:   "today",
	Short: "Show today's aggregated usage",
	RunE:  runUsageToday,
}

var usageSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show per-model usage over a period",
	RunE:  runUsageSummary,
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageTodayCmd)
	usageCmd.AddCommand(usageSummaryCmd)

	usageTodayCmd.Flags().StringVarP(&usageProviderID, "provider", "p", "", "Filter by provider ID")
	usageSummaryCmd.Flags().StringVar(&usagePeriod, "period", "daily", "Period (daily, weekly, monthly)")
}

func runUsageToday(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if usageProviderID != "" {
		params.Set("provider_id", usageProviderID)
	}

	var stats DayStats
	if err := getJSON("/api/v1/usage/today", params, &stats); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(stats)
	}

	fmt.Printf("Requests:      %d\n", stats.RequestCount)
	fmt.Printf("Input tokens:  %d\n", stats.TotalInputTokens)
	fmt.Printf("Output tokens: %d\n", stats.TotalOutputTokens)
	fmt.Printf("Cost:          $%.4f\n", stats.TotalCostUSD)
	return nil
}

func runUsageSummary(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	params.Set("period", usagePeriod)

	var result SummaryResponse
	if err := getJSON("/api/v1/usage/summary", params, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Rows) == 0 {
		fmt.Printf("No usage recorded for period %q.\n", result.Period)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tIN\tOUT\tREQS\tCOST")
	var total float64
	for _, row := range result.Rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t$%.4f\n",
			row.ProviderID, row.Model, row.InputTokens, row.OutputTokens,
			row.RequestCount, row.CostUSD)
		total += row.CostUSD
	}
	fmt.Fprintf(w, "\t\t\t\t\t$%.4f\n", total)
	return w.Flush()
}
