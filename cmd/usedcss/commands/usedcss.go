package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
	"github.com/teranos/usedcss/sym"
	"github.com/teranos/usedcss/usedcss"
)

// StatusCmd lists used CSS records
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: sym.UsedCSS + " List used CSS records",
	Long: `List used CSS records with their job handles and retry counts.

Examples:
  usedcss status                    # Every record
  usedcss status --status failed    # Records that gave up
  usedcss status --limit 20 --offset 40`,
	RunE: runStatus,
}

// RequestCmd asks for used CSS for one page
var RequestCmd = &cobra.Command{
	Use:   "request <url>",
	Short: sym.UsedCSS + " Request used CSS for a page",
	Long: `Submit a page to the compute service unless it already has a queued or
completed record. The running server picks up the job on its next dispatch.`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

// ClearCmd drops every record and purges the cache
var ClearCmd = &cobra.Command{
	Use:   "clear",
	Short: sym.UsedCSS + " Clear all used CSS",
	Long:  `Drop every used CSS record and purge the whole cache, as the admin clear action does.`,
	RunE:  runClear,
}

var (
	statusFilter  string
	statusLimit   int
	statusOffset  int
	requestMobile bool
)

func init() {
	StatusCmd.Flags().StringVar(&statusFilter, "status", "", "Only show records in this status (pending, queued, completed, failed)")
	StatusCmd.Flags().IntVar(&statusLimit, "limit", 50, "Maximum rows to show (0 = all)")
	StatusCmd.Flags().IntVar(&statusOffset, "offset", 0, "Rows to skip")

	RequestCmd.Flags().BoolVar(&requestMobile, "mobile", false, "Request the mobile variant")
}

func runStatus(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	status := usedcss.Status(statusFilter)
	switch status {
	case "", usedcss.StatusPending, usedcss.StatusQueued, usedcss.StatusCompleted, usedcss.StatusFailed:
	default:
		return errors.NewInvalidRequestError("unknown status %q", statusFilter)
	}

	ctx := cmd.Context()
	store := usedcss.NewStore(database)
	counts, err := store.Count(ctx)
	if err != nil {
		return err
	}
	pterm.DefaultSection.Println(sym.UsedCSS + " Used CSS records")
	for _, st := range []usedcss.Status{usedcss.StatusPending, usedcss.StatusQueued, usedcss.StatusCompleted, usedcss.StatusFailed} {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %d\n", st, counts[st])
	}
	fmt.Fprintln(cmd.OutOrStdout())

	return usedcss.RenderStatus(ctx, cmd.OutOrStdout(), &usedcss.RecordTable{
		Store:  store,
		Status: status,
		Limit:  statusLimit,
		Offset: statusOffset,
	})
}

func runRequest(cmd *cobra.Command, args []string) error {
	p, closeFn, err := loadPipeline()
	if err != nil {
		return err
	}
	defer closeFn()

	rec, err := p.orch.RequestURL(cmd.Context(), args[0], requestMobile)
	if err != nil {
		if errors.Is(err, usedcss.ErrDisabled) {
			return errors.WithHint(err, "set usedcss.enabled = true in am.toml")
		}
		return err
	}

	switch rec.Status {
	case usedcss.StatusCompleted:
		pterm.Success.Printf("%s has used CSS (%d bytes, hash %s)\n", rec.URL, len(rec.CSS), rec.Hash)
	default:
		pterm.Info.Printf("%s is %s (job %s on %s)\n", rec.URL, rec.Status, rec.JobID, rec.QueueName)
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	p, closeFn, err := loadPipeline()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := cmd.Context()
	token, err := p.orch.IssueClearToken(ctx, cliPrincipal)
	if err != nil {
		return err
	}
	notice, err := p.orch.ClearUsedCSS(ctx, cliPrincipal, token)
	if err != nil {
		return err
	}
	p.orch.ConsumeNotice(cliPrincipal)

	if notice.Status == usedcss.NoticeError {
		pterm.Warning.Println(notice.Message)
		return nil
	}
	pterm.Success.Println(notice.Message)
	return nil
}

// loadPipeline opens the configured database and wires a pipeline that
// logs its events. The returned func closes everything.
func loadPipeline() (*pipeline, func(), error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase("")
	if err != nil {
		return nil, nil, err
	}
	p, err := newPipeline(cfg, database, nil, true, logger.Logger)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return p, func() {
		p.wait()
		database.Close()
	}, nil
}
