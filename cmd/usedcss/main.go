package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/usedcss/cmd/usedcss/commands"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
)

var rootCmd = &cobra.Command{
	Use:   "usedcss",
	Short: "usedcss - used CSS job pipeline",
	Long: `usedcss - used CSS job pipeline.

Submits pages to the compute service, polls their jobs, stores the used CSS
they produce and keeps the store in step with settings and content changes.

Available commands:
  serve    - Run the scheduler, webhooks and admin API
  status   - List used CSS records
  request  - Ask for used CSS for a page
  clear    - Drop every record and purge the cache
  actions  - Inspect scheduled actions
  am       - Show and validate configuration
  db       - Database migrations
  version  - Build information

Examples:
  usedcss serve -v                # Start with info logging
  usedcss status --status queued  # Show records waiting on the compute service
  usedcss actions ls --hook usedcss_check_job_status`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		logger.Debugw("Logger initialized", "level", logger.LevelName(verbosity), "command", cmd.Name())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.RequestCmd)
	rootCmd.AddCommand(commands.ClearCmd)
	rootCmd.AddCommand(commands.ActionsCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
