package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/usedcss/db"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
	"github.com/teranos/usedcss/sym"
)

// RunnerConfig tunes the periodic driver
type RunnerConfig struct {
	Interval  time.Duration // How often due actions are claimed (default: 1 second)
	BatchSize int           // Actions claimed per tick (default: 25)
	Workers   int           // Actions run in parallel within a tick (default: 1)
	// FinishedRetention is how long finished actions are kept; 0 keeps them forever.
	FinishedRetention time.Duration
}

// DefaultRunnerConfig returns sensible defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Interval:  time.Second,
		BatchSize: 25,
		Workers:   1,
	}
}

// purgeEvery bounds how often finished actions are swept
const purgeEvery = time.Hour

// Runner claims due actions on every tick and runs their hooks.
// Delivery is at-least-once: actions found running at startup are released
// and run again.
type Runner struct {
	store    *Store
	hooks    *HookRegistry
	cfg      RunnerConfig
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	tickMu   sync.Mutex // one tick at a time
	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger

	mu         sync.Mutex
	lastTickAt time.Time
	lastPurge  time.Time
	ticks      int64
	ran        atomic.Int64
	failed     atomic.Int64
	rearmed    atomic.Int64
}

// Stats is a snapshot of runner activity
type Stats struct {
	Ticks      int64
	LastTickAt time.Time
	Ran        int64
	Failed     int64
	Rearmed    int64
}

// NewRunner creates a runner over store with the given hooks
func NewRunner(store *Store, hooks *HookRegistry, cfg RunnerConfig, log *zap.SugaredLogger) *Runner {
	defaults := DefaultRunnerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	return &Runner{
		store:    store,
		hooks:    hooks,
		cfg:      cfg,
		now:      time.Now,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
	}
}

// Start releases orphaned actions and begins the tick loop
func (r *Runner) Start(ctx context.Context) error {
	released, err := r.store.ReleaseOrphans(ctx, r.now())
	if err != nil {
		return errors.Wrap(err, "failed to recover orphaned actions")
	}
	if released > 0 {
		r.logger.Infow("Released orphaned actions", logger.FieldSymbol, sym.PulseOpen, logger.FieldCount, released)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run()
	r.pulseLog.Infow("Pulse runner started",
		"interval", r.cfg.Interval,
		"workers", r.cfg.Workers,
		logger.FieldBatchSize, r.cfg.BatchSize,
		"hooks", r.hooks.Names())
	return nil
}

// Stop ends the tick loop and waits for in-flight actions to finish.
// Claimed actions are not preempted.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Infow("Pulse runner stopped", logger.FieldSymbol, sym.PulseClose)
}

func (r *Runner) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			// in-flight hooks get a context that outlives Stop's cancel
			if _, err := r.RunDue(context.WithoutCancel(r.ctx), r.now()); err != nil {
				if db.IsDatabaseClosed(err) {
					return
				}
				r.pulseLog.Warnw("Pulse tick error", "error", err, "tick", r.Stats().Ticks)
			}
		}
	}
}

// RunDue claims actions due at now, runs them with bounded parallelism and
// waits for all of them. Returns how many actions ran.
func (r *Runner) RunDue(ctx context.Context, now time.Time) (int, error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	r.mu.Lock()
	r.lastTickAt = now
	r.ticks++
	purgeDue := r.cfg.FinishedRetention > 0 && now.Sub(r.lastPurge) >= purgeEvery
	r.mu.Unlock()

	if purgeDue {
		r.purge(ctx, now)
	}

	claimID := uuid.NewString()
	actions, err := r.store.ClaimDue(ctx, now, r.cfg.BatchSize, claimID)
	if err != nil {
		return 0, err
	}
	if len(actions) == 0 {
		return 0, nil
	}
	r.pulseLog.Debugw("Claimed due actions", logger.FieldCount, len(actions), "claim_id", claimID)

	// errors are recorded per action, never returned, so one failure never cancels the batch
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, a := range actions {
		g.Go(func() error {
			r.execute(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
	return len(actions), nil
}

func (r *Runner) execute(ctx context.Context, a *Action) {
	start := time.Now()
	log := r.pulseLog.With(logger.FieldActionID, a.ID, logger.FieldHook, a.Hook)

	var runErr error
	if hook := r.hooks.Get(a.Hook); hook == nil {
		runErr = errors.Newf("no hook registered for %q", a.Hook)
	} else {
		runErr = safeRun(logger.WithAction(ctx, a.ID, a.Hook), hook, a.Args)
	}

	r.ran.Add(1)
	if runErr != nil {
		r.failed.Add(1)
		log.Warnw("Action failed", "error", runErr, logger.FieldDurationMS, time.Since(start).Milliseconds())
	} else {
		log.Debugw("Action complete", logger.FieldDurationMS, time.Since(start).Milliseconds())
	}

	next, err := r.store.Finish(ctx, a, runErr, r.now())
	if err != nil {
		log.Errorw("Failed to record action outcome", "error", err)
		return
	}
	if next != nil {
		r.rearmed.Add(1)
		log.Debugw("Recurring action re-armed", "next_action_id", next.ID, "run_at", next.RunAt)
	}
}

// safeRun converts a hook panic into an error so the action is marked failed
func safeRun(ctx context.Context, hook Hook, args []any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.WithDetail(
				errors.Newf("hook %s panicked: %v", hook.Name(), rec),
				fmt.Sprintf("stack: %s", debug.Stack()))
		}
	}()
	return hook.Run(ctx, args)
}

func (r *Runner) purge(ctx context.Context, now time.Time) {
	n, err := r.store.PurgeFinished(ctx, now.Add(-r.cfg.FinishedRetention))
	if err != nil {
		r.pulseLog.Warnw("Failed to purge finished actions", "error", err)
		return
	}
	r.mu.Lock()
	r.lastPurge = now
	r.mu.Unlock()
	if n > 0 {
		r.pulseLog.Infow("Purged finished actions", logger.FieldCount, n)
	}
}

// Stats returns a snapshot of runner activity
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Ticks:      r.ticks,
		LastTickAt: r.lastTickAt,
		Ran:        r.ran.Load(),
		Failed:     r.failed.Load(),
		Rearmed:    r.rearmed.Load(),
	}
}
