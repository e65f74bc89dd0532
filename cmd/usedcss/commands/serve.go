package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
	"github.com/teranos/usedcss/pulse/schedule"
	"github.com/teranos/usedcss/server"
	"github.com/teranos/usedcss/sym"
	"github.com/teranos/usedcss/usedcss"
	"github.com/teranos/usedcss/version"
)

// ServeCmd runs the scheduler, the webhooks and the admin API
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   sym.UsedCSS + " Run the used CSS pipeline",
	Long: `Run the used CSS pipeline: the scheduled action runner that polls the compute
service, the content-change webhooks, the admin API and the /ws event stream.

Config file changes are picked up without a restart.`,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
	serveNoRun  bool
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides server.port)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Database path (overrides database.path)")
	ServeCmd.Flags().BoolVar(&serveNoRun, "no-runner", false, "Serve HTTP only; do not run scheduled actions")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.Logger

	dbPath := serveDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	hub := server.NewHub(cfg.Server.AllowedOrigins, log)
	p, err := newPipeline(cfg, database, usedcss.Fanout{hub, usedcss.LogSink{Logger: log}}, false, log)
	if err != nil {
		return err
	}
	defer p.wait()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := am.ActiveConfigPath()
	if configPath == "" {
		configPath = am.UserConfigPath()
	}
	if _, err := p.orch.AddOptionsFirstTime(ctx, configPath); err != nil {
		log.Warnw("Could not persist used CSS defaults", "path", configPath, "error", err)
	}
	if watcher := startConfigWatcher(configPath, cfg, p.orch); watcher != nil {
		defer watcher.Stop()
	}

	hooks := schedule.NewHookRegistry()
	if err := p.orch.Init(ctx, hooks); err != nil {
		return errors.Wrap(err, "failed to initialise used css pipeline")
	}

	if !serveNoRun && cfg.Pulse.Workers > 0 {
		runner := schedule.NewRunner(p.queue.Store(), hooks, schedule.RunnerConfig{
			Interval:          cfg.Pulse.TickerInterval(),
			BatchSize:         cfg.Pulse.BatchSize,
			Workers:           cfg.Pulse.Workers,
			FinishedRetention: cfg.Pulse.FinishedRetention(),
		}, log)
		if err := runner.Start(ctx); err != nil {
			return err
		}
		defer runner.Stop()
	} else {
		pterm.Warning.Println("Scheduled actions are not being run (--no-runner or pulse.workers = 0)")
	}

	port := servePort
	if port == 0 {
		port = cfg.GetServerPort()
	}
	info := version.Get()
	pterm.Info.Printf("usedcss %s (commit %s)\n", info.Version, info.Short())
	pterm.Info.Printf("Database: %s\n", dbPath)
	pterm.Info.Printf("Used CSS enabled: %t\n", p.orch.Config().Enabled)
	if cfg.Content.BaseURL == "" {
		pterm.Warning.Println("content.base_url is not set: post and term webhooks only act on a url sent in the body")
	}
	pterm.Info.Printf("Listening on :%d (Ctrl+C to stop)\n", port)

	srv := server.New(p.orch, hub, cfg.Server, log)
	if err := srv.ListenAndServe(ctx, port); err != nil {
		return err
	}
	pterm.Success.Println("Server stopped cleanly")
	return nil
}

// startConfigWatcher follows configPath and hands every saved change to
// the orchestrator. Watching is best effort.
func startConfigWatcher(configPath string, cfg *am.Config, orch *usedcss.Orchestrator) *am.ConfigWatcher {
	if configPath == "" {
		return nil
	}
	watcher, err := am.NewConfigWatcher(configPath, cfg)
	if err != nil {
		logger.Warnw("Config watcher disabled", "path", configPath, "error", err)
		return nil
	}
	watcher.OnReload(func(old, updated *am.Config) error {
		return orch.OnSettingsSaved(context.Background(), old.UsedCSS, updated.UsedCSS)
	})
	am.SetGlobalWatcher(watcher)
	watcher.Start()
	return watcher
}
