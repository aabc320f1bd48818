package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	budgetName       string
	budgetPeriod     string
	budgetLimit      float64
	budgetProviderID string
	budgetThresholds []float64
	budgetHardCap    bool
)

var budgetsCmd = &cobra.Command{
	Use:   "budgets",
	Short: "Manage spend budgets",
}

var budgetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured budgets",
	RunE:  runBudgetsList,
}

var budgetsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a budget",
	RunE:  runBudgetsAdd,
}

var budgetsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runBudgetsRemove,
}

func init() {
	rootCmd.AddCommand(budgetsCmd)
	budgetsCmd.AddCommand(budgetsListCmd)
	budgetsCmd.AddCommand(budgetsAddCmd)
	budgetsCmd.AddCommand(budgetsRemoveCmd)

	budgetsAddCmd.Flags().StringVarP(&budgetName, "name", "n", "", "Budget name")
	budgetsAddCmd.Flags().StringVar(&budgetPeriod, "period", "daily", "Period (daily, weekly, monthly)")
	budgetsAddCmd.Flags().Float64VarP(&budgetLimit, "limit", "l", 0, "Limit in USD")
	budgetsAddCmd.Flags().StringVarP(&budgetProviderID, "provider", "p", "", "Scope to a provider ID (default: global)")
	budgetsAddCmd.Flags().Float64SliceVar(&budgetThresholds, "thresholds", nil, "Alert thresholds in percent (default 75,90,100)")
	budgetsAddCmd.Flags().BoolVar(&budgetHardCap, "hard-cap", false, "Mark as a hard cap")
	_ = budgetsAddCmd.MarkFlagRequired("name")
	_ = budgetsAddCmd.MarkFlagRequired("limit")
}

func runBudgetsList(cmd *cobra.Command, args []string) error {
	var result BudgetList
	if err := getJSON("/api/v1/budgets", nil, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if result.Count == 0 {
		fmt.Println("No budgets configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSCOPE\tPERIOD\tLIMIT\tTHRESHOLDS\tHARD CAP")
	for _, b := range result.Budgets {
		scope := b.ProviderID
		if scope == "" {
			scope = "global"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.2f\t%s\t%t\n",
			b.ID, b.Name, scope, b.Period, b.LimitUSD,
			formatThresholds(b.Thresholds), b.IsHardCap)
	}
	return w.Flush()
}

func runBudgetsAdd(cmd *cobra.Command, args []string) error {
	payload := map[string]any{
		"name":      budgetName,
		"period":    budgetPeriod,
		"limit_usd": budgetLimit,
	}
	if budgetProviderID != "" {
		payload["provider_id"] = budgetProviderID
	}
	if len(budgetThresholds) > 0 {
		payload["thresholds"] = budgetThresholds
	}
	if budgetHardCap {
		payload["is_hard_cap"] = true
	}

	var created Budget
	if err := postJSON("/api/v1/budgets", payload, &created); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(created)
	}
	fmt.Printf("Budget %s created (id %s)\n", created.Name, created.ID)
	return nil
}

func runBudgetsRemove(cmd *cobra.Command, args []string) error {
	if err := deleteReq("/api/v1/budgets/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Budget %s deleted\n", args[0])
	return nil
}

func formatThresholds(thresholds []float64) string {
	parts := make([]string, len(thresholds))
	for i, t := range thresholds {
		parts[i] = fmt.Sprintf("%.0f%%", t)
	}
	return strings.Join(parts, ",")
}
