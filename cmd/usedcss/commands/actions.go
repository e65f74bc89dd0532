package commands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
	"github.com/teranos/usedcss/pulse/schedule"
	"github.com/teranos/usedcss/sym"
)

// ActionsCmd inspects the scheduled action queue
var ActionsCmd = &cobra.Command{
	Use:   "actions",
	Short: sym.Pulse + " Inspect scheduled actions",
	Long: sym.Pulse + ` actions — Inspect scheduled actions

Examples:
  usedcss actions ls                                   # Next pending actions
  usedcss actions ls --status failed --per-page 20     # Recent failures
  usedcss actions ls --hook usedcss_check_job_status   # Status checks only
  usedcss actions cancel rocket_rucss_pending_jobs_cron
  usedcss actions purge --older-than 168h              # Drop week-old finished rows`,
}

var actionsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List scheduled actions",
	RunE:  runActionsLs,
}

var actionsCancelCmd = &cobra.Command{
	Use:   "cancel <hook> [int-arg...]",
	Short: "Cancel every pending action for a hook and args, ending recurring chains",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runActionsCancel,
}

var actionsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete complete, failed and canceled actions older than a horizon",
	RunE:  runActionsPurge,
}

var (
	actionsOlderThan time.Duration

	actionsHook    string
	actionsStatus  string
	actionsPerPage int
	actionsOffset  int
	actionsOrder   string
)

func init() {
	actionsLsCmd.Flags().StringVar(&actionsHook, "hook", "", "Only show actions for this hook")
	actionsLsCmd.Flags().StringVar(&actionsStatus, "status", string(schedule.StatusPending), "pending, running, complete, failed, canceled (empty = any)")
	actionsLsCmd.Flags().IntVar(&actionsPerPage, "per-page", 25, "Rows per page (negative = all)")
	actionsLsCmd.Flags().IntVar(&actionsOffset, "offset", 0, "Rows to skip")
	actionsLsCmd.Flags().StringVar(&actionsOrder, "order", "ASC", "ASC or DESC by run time")

	actionsPurgeCmd.Flags().DurationVar(&actionsOlderThan, "older-than", 7*24*time.Hour, "Only delete actions finished before this long ago")

	ActionsCmd.AddCommand(actionsLsCmd)
	ActionsCmd.AddCommand(actionsCancelCmd)
	ActionsCmd.AddCommand(actionsPurgeCmd)
}

func runActionsLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := schedule.NewStore(database)
	counts, err := store.CountByStatus(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), summarizeCounts(counts))

	result, err := store.Search(cmd.Context(), schedule.Query{
		Hook:    actionsHook,
		Status:  schedule.Status(actionsStatus),
		PerPage: actionsPerPage,
		Offset:  actionsOffset,
		Order:   actionsOrder,
	}, schedule.FormatObject)
	if err != nil {
		return err
	}
	if result.Len() == 0 {
		pterm.Info.Println("No matching actions")
		return nil
	}

	data := pterm.TableData{{"ID", "Hook", "Args", "Run at", "Recurs", "Status", "Attempts", "Last error"}}
	for _, a := range result.Actions {
		recurs := "-"
		switch a.Recurrence.Kind {
		case schedule.RecurInterval:
			recurs = "every " + a.Recurrence.Interval.String()
		case schedule.RecurCron:
			recurs = a.Recurrence.Cron
		}
		data = append(data, []string{
			a.ID[:8],
			a.Hook,
			fmt.Sprint(a.Args),
			a.RunAt.Local().Format("2006-01-02 15:04:05"),
			recurs,
			string(a.Status),
			strconv.Itoa(a.Attempts),
			a.LastError,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runActionsCancel(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	hookArgs := make([]any, 0, len(args)-1)
	for _, raw := range args[1:] {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return errors.NewInvalidRequestError("action args must be integers, got %q", raw)
		}
		hookArgs = append(hookArgs, n)
	}

	queue := schedule.NewQueue(database, logger.Logger)
	if err := queue.CancelAll(cmd.Context(), args[0], hookArgs); err != nil {
		return err
	}
	pterm.Success.Printf("Canceled pending %s actions\n", args[0])
	return nil
}

func runActionsPurge(cmd *cobra.Command, args []string) error {
	if actionsOlderThan < 0 {
		return errors.NewInvalidRequestError("--older-than must not be negative")
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	n, err := schedule.NewStore(database).PurgeFinished(cmd.Context(), time.Now().Add(-actionsOlderThan))
	if err != nil {
		return err
	}
	pterm.Success.Printf("Deleted %d finished actions\n", n)
	return nil
}

// summarizeCounts renders per-status totals as "complete=3 pending=2"
func summarizeCounts(counts map[schedule.Status]int) string {
	if len(counts) == 0 {
		return sym.Pulse + " no actions"
	}
	parts := make([]string, 0, len(counts))
	for st, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", st, n))
	}
	sort.Strings(parts)
	return sym.Pulse + " " + strings.Join(parts, " ")
}
