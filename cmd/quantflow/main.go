// Package main is the QuantFlow command-line client. It talks to a running
// QuantFlow server over its HTTP API and is meant for operators: triggering
// ingestion runs, checking status, inspecting gaps and running query methods.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:           "quantflow",
		Short:         "Operator CLI for the QuantFlow market-data platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8100", "address of the QuantFlow server")

	client := &apiClient{addr: &addr}

	root.AddCommand(
		newInitCmd(),
		newStatusCmd(client),
		newPluginsCmd(client),
		newIngestCmd(client),
		newBackfillCmd(client),
		newRunsCmd(client),
		newGapsCmd(client),
		newCheckCmd(client),
		newCompactCmd(client),
		newBackupCmd(client),
		newQueryCmd(client),
	)
	return root
}

func newStatusCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.get(cmd.OutOrStdout(), "/api/system/status")
		},
	}
}

func newPluginsCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List registered plugins in dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.get(cmd.OutOrStdout(), "/api/plugins")
		},
	}
}

func newIngestCmd(c *apiClient) *cobra.Command {
	var dates []string
	var plugins []string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Trigger an ingestion run",
		Long: `Trigger an ingestion run. Without flags this submits the daily run for
the latest trading day. With --date it submits a manual run for the
given dates (YYYYMMDD).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(dates) == 0 {
				return c.post(cmd.OutOrStdout(), "/api/ingest/daily", nil)
			}
			return c.post(cmd.OutOrStdout(), "/api/ingest/manual", map[string]any{
				"dates":   dates,
				"plugins": plugins,
			})
		},
	}
	cmd.Flags().StringSliceVar(&dates, "date", nil, "trade date to ingest, repeatable (YYYYMMDD)")
	cmd.Flags().StringSliceVar(&plugins, "plugin", nil, "restrict the run to these plugins")
	return cmd
}

func newBackfillCmd(c *apiClient) *cobra.Command {
	var from, to string
	var plugins []string

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Backfill a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" || to == "" {
				return fmt.Errorf("--from and --to are required")
			}
			return c.post(cmd.OutOrStdout(), "/api/ingest/backfill", map[string]any{
				"start_date": from,
				"end_date":   to,
				"plugins":    plugins,
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start trade date (YYYYMMDD)")
	cmd.Flags().StringVar(&to, "to", "", "end trade date (YYYYMMDD)")
	cmd.Flags().StringSliceVar(&plugins, "plugin", nil, "restrict the run to these plugins")
	return cmd
}

func newRunsCmd(c *apiClient) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [runID]",
		Short: "List recent runs, or show one run's tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return c.get(cmd.OutOrStdout(), "/api/runs/"+args[0]+"/tasks")
			}
			return c.get(cmd.OutOrStdout(), fmt.Sprintf("/api/runs/?limit=%d", limit))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func newGapsCmd(c *apiClient) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "Detect missing trade dates per plugin",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/gaps"
			if from != "" && to != "" {
				path = fmt.Sprintf("%s?from=%s&to=%s", path, from, to)
			}
			return c.get(cmd.OutOrStdout(), path)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start trade date (YYYYMMDD)")
	cmd.Flags().StringVar(&to, "to", "", "end trade date (YYYYMMDD)")
	return cmd
}

func newCheckCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run all quality checks now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.post(cmd.OutOrStdout(), "/api/quality/run", nil)
		},
	}
}

func newCompactCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Drop superseded row versions from the market store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.post(cmd.OutOrStdout(), "/api/system/compact", nil)
		},
	}
}

func newBackupCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Create and upload a backup now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.post(cmd.OutOrStdout(), "/api/system/backup", nil)
		},
	}
}

func newQueryCmd(c *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [plugin] [method] [param=value...]",
		Short: "Execute a plugin query method",
		Long: `Execute a plugin query method. Without arguments, lists available
methods. Parameters are passed as name=value pairs; values are sent as
strings and coerced server-side per the method's declared types.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return c.get(cmd.OutOrStdout(), "/api/query/methods")
			}
			if len(args) < 2 {
				return fmt.Errorf("usage: query <plugin> <method> [param=value...]")
			}
			params, err := parseParams(args[2:])
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/api/query/%s/%s", args[0], args[1])
			return c.post(cmd.OutOrStdout(), path, params)
		},
	}
	return cmd
}
