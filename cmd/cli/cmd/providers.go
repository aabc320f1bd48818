package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	providerType   string
	providerName   string
	providerConfig string
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage provider integrations",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered providers",
	RunE:  runProvidersList,
}

var providersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a provider integration",
	RunE:  runProvidersAdd,
}

var providersRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a provider (history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runProvidersRemove,
}

var providersTestCmd = &cobra.Command{
	Use:   "test <id>",
	Short: "Test a provider's connection",
	Args:  cobra.ExactArgs(1),
	RunE:  runProvidersTest,
}

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersListCmd)
	providersCmd.AddCommand(providersAddCmd)
	providersCmd.AddCommand(providersRemoveCmd)
	providersCmd.AddCommand(providersTestCmd)

	providersAddCmd.Flags().StringVarP(&providerType, "type", "t", "", "Provider type (e.g. anthropic_api, claude_code)")
	providersAddCmd.Flags().StringVarP(&providerName, "name", "n", "", "Display name")
	providersAddCmd.Flags().StringVarP(&providerConfig, "config", "c", "", `Connection config as JSON (e.g. '{"api_key":"sk-..."}')`)
	_ = providersAddCmd.MarkFlagRequired("type")
	_ = providersAddCmd.MarkFlagRequired("name")
}

func runProvidersList(cmd *cobra.Command, args []string) error {
	var result ProviderList
	if err := getJSON("/api/v1/providers", nil, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if result.Count == 0 {
		fmt.Println("No providers registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tSTATUS\tESTIMATED\tCREATED")
	for _, p := range result.Providers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			p.ID, p.Type, p.Name, p.Status, p.IsEstimated, p.CreatedAt)
	}
	return w.Flush()
}

func runProvidersAdd(cmd *cobra.Command, args []string) error {
	payload := map[string]any{
		"type": providerType,
		"name": providerName,
	}
	if providerConfig != "" {
		var config json.RawMessage
		if err := json.Unmarshal([]byte(providerConfig), &config); err != nil {
			return fmt.Errorf("--config must be valid JSON: %w", err)
		}
		payload["config"] = config
	}

	var created Provider
	if err := postJSON("/api/v1/providers", payload, &created); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(created)
	}
	fmt.Printf("Provider %s registered (id %s)\n", created.Name, created.ID)
	return nil
}

func runProvidersRemove(cmd *cobra.Command, args []string) error {
	if err := deleteReq("/api/v1/providers/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Provider %s removed\n", args[0])
	return nil
}

func runProvidersTest(cmd *cobra.Command, args []string) error {
	var result TestResult
	if err := postJSON("/api/v1/providers/"+args[0]+"/test", nil, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}
	if result.Valid {
		fmt.Printf("OK: %s\n", result.Info)
	} else {
		fmt.Printf("FAILED: %s\n", result.Info)
	}
	return nil
}
