package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/pawnbot/internal/config"
	"github.com/kalambet/pawnbot/internal/ledger"
	"github.com/kalambet/pawnbot/internal/validate"
)

// --- admin ---

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage bot administrators",
}

var adminAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Grant admin rights to a chat user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid user id %q", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return addAdmin(cmd.Context(), client, id)
	},
}

func addAdmin(ctx context.Context, client *apiClient, id int64) error {
	resp, err := client.post(ctx, "/admin/admins", map[string]any{"user_id": id})
	if err != nil {
		return err
	}
	var result struct {
		Added bool `json:"added"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if result.Added {
		printSuccess("User %d is now an admin", id)
	} else {
		printWarning("User %d already is an admin", id)
	}
	return nil
}

var adminListCmd = &cobra.Command{
	Use:   "list",
	Short: "List administrators",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listAdmins(cmd.Context(), client)
	},
}

func listAdmins(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/admin/admins")
	if err != nil {
		return err
	}
	var admins []struct {
		UserID    int64  `json:"user_id"`
		AddedBy   int64  `json:"added_by"`
		CreatedAt string `json:"created_at"`
	}
	if err := decodeJSON(resp, &admins); err != nil {
		return err
	}

	rows := make([][]string, len(admins))
	for i, a := range admins {
		by := "-"
		if a.AddedBy != 0 {
			by = strconv.FormatInt(a.AddedBy, 10)
		}
		rows[i] = []string{strconv.FormatInt(a.UserID, 10), by, a.CreatedAt}
	}
	printTable([]string{"USER", "ADDED BY", "SINCE"}, rows)
	return nil
}

func init() {
	adminCmd.AddCommand(adminAddCmd)
	adminCmd.AddCommand(adminListCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the latest ledger rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showHistory(cmd.Context(), client, limit)
	},
}

func showHistory(ctx context.Context, client *apiClient, limit int) error {
	resp, err := client.get(ctx, fmt.Sprintf("/admin/history?limit=%d", limit))
	if err != nil {
		return err
	}
	var rows []ledger.Row
	if err := decodeJSON(resp, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		printWarning("The ledger is empty")
		return nil
	}

	table := make([][]string, len(rows))
	for i, r := range rows {
		table[i] = []string{r.Date, r.Ticket, r.Issue, r.Department, r.Region, strconv.Itoa(r.Item), truncate(r.Description, 40), r.Evaluation}
	}
	printTable([]string{"DATE", "TICKET", "ISSUE", "DEPT", "REGION", "#", "DESCRIPTION", "VALUE"}, table)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	historyCmd.Flags().Int("limit", 10, "number of rows to show")
}

// --- archive ---

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Work with archived documents",
}

var archiveExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download a month of archived documents as a zip",
	Long: `Download a month of archived documents as a zip.

Examples:
  pawnbot archive export --month 11.2025
  pawnbot archive export --month 11.2025 --region Тюмень -o tyumen.zip`,
	RunE: func(cmd *cobra.Command, args []string) error {
		month, _ := cmd.Flags().GetString("month")
		region, _ := cmd.Flags().GetString("region")
		output, _ := cmd.Flags().GetString("output")

		if _, _, err := validate.Month(month); err != nil {
			return fmt.Errorf("--month must be MM.YYYY, got %q", month)
		}
		if output == "" {
			output = "archive_" + month + ".zip"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return exportArchive(cmd.Context(), client, month, region, output)
	},
}

func exportArchive(ctx context.Context, client *apiClient, month, region, output string) error {
	q := url.Values{"month": {month}}
	if region != "" {
		q.Set("region", region)
	}

	tmp := output + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	n, err := client.download(ctx, "/admin/archive?"+q.Encode(), f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, output); err != nil {
		return err
	}
	printSuccess("Archive written to %s (%d bytes)", output, n)
	return nil
}

func init() {
	archiveExportCmd.Flags().String("month", "", "month to export, MM.YYYY")
	archiveExportCmd.Flags().String("region", "", "only documents of this region")
	archiveExportCmd.Flags().StringP("output", "o", "", "output file (default archive_<month>.zip)")
	archiveExportCmd.MarkFlagRequired("month")
	archiveCmd.AddCommand(archiveExportCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nKeys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (bot token, API token) in the secrets file",
	Long:  "Store a secret in the secrets file.\n\nKeys:\n  " + strings.Join(config.SecretKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
