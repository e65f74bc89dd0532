package usedcss

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/compute"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/internal/util"
	"github.com/teranos/usedcss/logger"
	"github.com/teranos/usedcss/pulse/schedule"
	"github.com/teranos/usedcss/purge"
)

// Recurring hooks owned by the orchestrator
const (
	CleanRowsHook   = "rocket_rucss_clean_rows_time_event"
	PendingJobsHook = "rocket_rucss_pending_jobs_cron"
)

// CleanRowsSchedule is the cron schedule of CleanRowsHook
const CleanRowsSchedule = "@weekly"

// ErrDisabled is returned by operations that need the pipeline enabled
var ErrDisabled = errors.New("used CSS option is not enabled")

// Options wires an Orchestrator. Only Queue is required; nil collaborators
// fall back to no-op or deny-all implementations.
type Options struct {
	Config         am.UsedCSSConfig
	RequestTimeout time.Duration
	Queue          *schedule.Queue
	Client         compute.Client
	Purger         purge.Purger
	Events         EventSink
	Resolver       ContentResolver
	Authorizer     Authorizer
	Notices        *NoticeStore
}

// Orchestrator reacts to settings, content and admin events, keeps the
// recurring registrations in line with the enabled flag, and dispatches
// status checks for queued records.
type Orchestrator struct {
	mu  sync.RWMutex
	cfg am.UsedCSSConfig

	store      *Store
	resources  *ResourceStore
	nonces     *NonceStore
	notices    *NoticeStore
	queue      *schedule.Queue
	checker    *Checker
	client     compute.Client
	purger     purge.Purger
	events     EventSink
	resolver   ContentResolver
	authorizer Authorizer
	now        func() time.Time
	logger     *zap.SugaredLogger
}

// NewOrchestrator creates an orchestrator over db
func NewOrchestrator(db *sql.DB, opts Options, log *zap.SugaredLogger) *Orchestrator {
	if opts.Purger == nil {
		opts.Purger = purge.Nop{}
	}
	if opts.Events == nil {
		opts.Events = LogSink{Logger: log}
	}
	if opts.Resolver == nil {
		opts.Resolver = NewStaticResolver()
	}
	if opts.Authorizer == nil {
		opts.Authorizer = StaticAuthorizer{}
	}
	if opts.Notices == nil {
		opts.Notices = NewNoticeStore()
	}

	cfg := SanitizeOptions(opts.Config)
	store := NewStore(db)
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		resources: NewResourceStore(db),
		nonces:    NewNonceStore(db),
		notices:   opts.Notices,
		queue:     opts.Queue,
		checker: NewChecker(store, opts.Client, opts.Purger, opts.Events, CheckerConfig{
			MaxRetries:            cfg.RetryLimit(),
			FailFastOnClientError: cfg.FailFastOnClientError,
			RequestTimeout:        opts.RequestTimeout,
		}, log),
		client:     opts.Client,
		purger:     opts.Purger,
		events:     opts.Events,
		resolver:   opts.Resolver,
		authorizer: opts.Authorizer,
		now:        time.Now,
		logger:     componentLogger(log, "orchestrator"),
	}
}

// Store returns the record store
func (o *Orchestrator) Store() *Store { return o.store }

// Resources returns the resource store
func (o *Orchestrator) Resources() *ResourceStore { return o.resources }

// Checker returns the status checker
func (o *Orchestrator) Checker() *Checker { return o.checker }

// Config returns the current [usedcss] settings
func (o *Orchestrator) Config() am.UsedCSSConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

func (o *Orchestrator) enabled() bool {
	return o.Config().Enabled
}

// SanitizeOptions normalises submitted settings: safelist entries are
// trimmed and deduplicated, counts and intervals are clamped to usable values.
func SanitizeOptions(in am.UsedCSSConfig) am.UsedCSSConfig {
	out := in
	out.Safelist = util.TrimDedup(in.Safelist)
	out.MaxRetries = in.RetryLimit()
	if in.PendingJobsIntervalSeconds > 0 && in.PendingJobsInterval() < am.MinPendingJobsInterval {
		out.PendingJobsIntervalSeconds = int(am.MinPendingJobsInterval.Seconds())
	}
	if out.PendingJobsBatch <= 0 {
		out.PendingJobsBatch = am.DefaultPendingJobsBatch
	}
	if out.RetentionDays <= 0 {
		out.RetentionDays = am.DefaultRetentionDays
	}
	if out.ResourcesRetentionDays <= 0 {
		out.ResourcesRetentionDays = am.DefaultRetentionDays
	}
	return out
}

// AddOptionsFirstTime writes the default [usedcss] section to the config
// file at path when it is missing. Existing values are never overwritten.
func (o *Orchestrator) AddOptionsFirstTime(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	wrote, err := am.PersistDefaults(path)
	if err != nil {
		return false, errors.Wrap(err, "failed to persist used css defaults")
	}
	if wrote {
		o.logger.Infow("Used CSS defaults written", "path", path)
	}
	return wrote, nil
}

// RegisterHooks adds the orchestrator's hooks to registry
func (o *Orchestrator) RegisterHooks(registry *schedule.HookRegistry) {
	registry.Register(o.checker)
	registry.Register(schedule.HookFunc{HookName: PendingJobsHook, Fn: func(ctx context.Context, _ []any) error {
		_, err := o.DispatchPendingJobs(ctx)
		return err
	}})
	registry.Register(schedule.HookFunc{HookName: CleanRowsHook, Fn: func(ctx context.Context, _ []any) error {
		return o.CronCleanRows(ctx)
	}})
}

// Init registers the hooks (when registry is non-nil) and brings both
// recurring registrations in line with the enabled flag.
func (o *Orchestrator) Init(ctx context.Context, registry *schedule.HookRegistry) error {
	if registry != nil {
		o.RegisterHooks(registry)
	}
	if err := o.ScheduleCleanRows(ctx); err != nil {
		return err
	}
	return o.SchedulePendingJobs(ctx)
}

// ScheduleCleanRows keeps the weekly cleanup registered while enabled and
// removes it otherwise.
func (o *Orchestrator) ScheduleCleanRows(ctx context.Context) error {
	if !o.enabled() {
		return o.unschedule(ctx, CleanRowsHook)
	}
	_, scheduled, err := o.queue.ScheduleCron(ctx, o.now(), CleanRowsSchedule, CleanRowsHook, nil)
	if err != nil {
		return errors.Wrap(err, "failed to schedule used css cleanup")
	}
	if scheduled {
		o.logger.Infow("Cleanup scheduled", logger.FieldHook, CleanRowsHook)
	}
	return nil
}

// SchedulePendingJobs keeps the pending-jobs poll registered while enabled
// and removes it otherwise.
func (o *Orchestrator) SchedulePendingJobs(ctx context.Context) error {
	if !o.enabled() {
		return o.unschedule(ctx, PendingJobsHook)
	}
	interval := o.Config().PendingJobsInterval()
	_, scheduled, err := o.queue.ScheduleRecurring(ctx, o.now(), interval, PendingJobsHook, nil)
	if err != nil {
		return errors.Wrap(err, "failed to schedule pending jobs poll")
	}
	if scheduled {
		o.logger.Infow("Pending jobs poll scheduled", logger.FieldHook, PendingJobsHook, "interval", interval)
	}
	return nil
}

// unschedule cancels hook even when nothing is pending: an occurrence that
// is running right now must not re-arm once it finishes.
func (o *Orchestrator) unschedule(ctx context.Context, hook string) error {
	scheduled, err := o.queue.IsScheduled(ctx, hook, nil)
	if err != nil {
		return err
	}
	if err := o.queue.CancelAll(ctx, hook, nil); err != nil {
		return errors.Wrapf(err, "failed to unschedule %s", hook)
	}
	if scheduled {
		o.logger.Infow("Unscheduled while disabled", logger.FieldHook, hook)
	}
	return nil
}

// OnSettingsSaved applies a settings change. Registrations follow the new
// enabled flag; when enabled and the safelist changed, every record is
// dropped and the whole cache purged once.
func (o *Orchestrator) OnSettingsSaved(ctx context.Context, old, updated am.UsedCSSConfig) error {
	old, updated = SanitizeOptions(old), SanitizeOptions(updated)

	o.mu.Lock()
	o.cfg = updated
	o.mu.Unlock()
	cc := o.checker.config()
	cc.MaxRetries = updated.RetryLimit()
	cc.FailFastOnClientError = updated.FailFastOnClientError
	o.checker.SetConfig(cc)

	if old.PendingJobsInterval() != updated.PendingJobsInterval() {
		// the pending registration carries the old interval
		if err := o.queue.CancelAll(ctx, PendingJobsHook, nil); err != nil {
			return err
		}
	}
	if err := o.Init(ctx, nil); err != nil {
		return err
	}

	if !updated.Enabled || util.EqualStrings(old.Safelist, updated.Safelist) {
		return nil
	}
	n, err := o.store.Truncate(ctx)
	if err != nil {
		return err
	}
	o.purger.PurgeDomain()
	o.logger.Infow("Safelist changed, used CSS cleared", logger.FieldCount, n)
	return nil
}

// OnPostChanged drops the used CSS of a post that was edited, trashed,
// deleted or had its comment count change.
func (o *Orchestrator) OnPostChanged(ctx context.Context, postID int64) error {
	if !o.enabled() {
		return nil
	}
	u, ok := o.resolver.PostURL(ctx, postID)
	if !ok || u == "" {
		return nil
	}
	return o.deleteURL(ctx, u, "post_id", postID)
}

// OnTermChanged drops the used CSS of an edited or deleted term archive
func (o *Orchestrator) OnTermChanged(ctx context.Context, termID int64) error {
	if !o.enabled() {
		return nil
	}
	u, ok := o.resolver.TermURL(ctx, termID)
	if !ok || u == "" {
		return nil
	}
	return o.deleteURL(ctx, u, "term_id", termID)
}

// OnPageChanged drops the used CSS of a page whose URL the caller already knows
func (o *Orchestrator) OnPageChanged(ctx context.Context, pageURL string) error {
	if !o.enabled() {
		return nil
	}
	if CanonicalURL(pageURL) == "" {
		return errors.NewInvalidRequestError("changed page needs a url")
	}
	n, err := o.store.DeleteByURL(ctx, pageURL)
	if err != nil {
		return err
	}
	o.logger.Debugw("Used CSS deleted for changed page", logger.FieldURL, CanonicalURL(pageURL), logger.FieldCount, n)
	return nil
}

func (o *Orchestrator) deleteURL(ctx context.Context, u string, idKey string, id int64) error {
	n, err := o.store.DeleteByURL(ctx, u)
	if err != nil {
		return err
	}
	o.logger.Debugw("Used CSS deleted for changed content", idKey, id, logger.FieldURL, CanonicalURL(u), logger.FieldCount, n)
	return nil
}

// OnThemeSwitched drops every record
func (o *Orchestrator) OnThemeSwitched(ctx context.Context) error {
	return o.truncateIfEnabled(ctx, "theme switched")
}

// OnRulesChanged drops every record after the extraction rules changed
func (o *Orchestrator) OnRulesChanged(ctx context.Context) error {
	return o.truncateIfEnabled(ctx, "rules changed")
}

func (o *Orchestrator) truncateIfEnabled(ctx context.Context, reason string) error {
	if !o.enabled() {
		return nil
	}
	n, err := o.store.Truncate(ctx)
	if err != nil {
		return err
	}
	o.logger.Infow("Used CSS cleared", "reason", reason, logger.FieldCount, n)
	return nil
}

// CronCleanRows deletes stale records, stale resources and expired tokens
func (o *Orchestrator) CronCleanRows(ctx context.Context) error {
	if !o.enabled() {
		return nil
	}
	cfg := o.Config()

	records, err := o.store.DeleteStale(ctx, cfg.Retention())
	if err != nil {
		return err
	}
	resources, err := o.resources.DeleteStale(ctx, cfg.ResourcesRetention())
	if err != nil {
		return err
	}
	nonces, err := o.nonces.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	o.logger.Infow("Stale rows cleaned", "records", records, "resources", resources, "nonces", nonces)
	return nil
}

// DispatchPendingJobs enqueues one status check per queued record, skipping
// records that already have a check waiting. Returns how many were enqueued.
func (o *Orchestrator) DispatchPendingJobs(ctx context.Context) (int, error) {
	if !o.enabled() {
		return 0, nil
	}
	records, err := o.store.ListByStatus(ctx, StatusQueued, o.Config().PendingJobsBatch)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, rec := range records {
		args := []any{rec.ID}
		waiting, err := o.queue.IsScheduled(ctx, CheckJobStatusHook, args)
		if err != nil {
			return enqueued, err
		}
		if waiting {
			continue
		}
		if _, err := o.queue.EnqueueOnce(ctx, CheckJobStatusHook, args); err != nil {
			return enqueued, errors.Wrapf(err, "failed to enqueue status check for record %d", rec.ID)
		}
		enqueued++
	}
	if enqueued > 0 {
		o.logger.Debugw("Status checks dispatched", logger.FieldCount, enqueued, logger.FieldBatchSize, len(records))
	}
	return enqueued, nil
}

// RequestURL asks for used CSS for a page. A queued or completed record is
// returned as is. Otherwise the page is submitted to the compute service and
// its record moves to queued.
func (o *Orchestrator) RequestURL(ctx context.Context, pageURL string, isMobile bool) (*Record, error) {
	if !o.enabled() {
		return nil, ErrDisabled
	}
	pageURL = CanonicalURL(pageURL)
	if pageURL == "" {
		return nil, errors.NewInvalidRequestError("url is required")
	}
	if o.client == nil {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "no compute client configured")
	}

	existing, err := o.store.GetByURL(ctx, pageURL, isMobile)
	switch {
	case err == nil && (existing.Status == StatusQueued || existing.Status == StatusCompleted):
		if err := o.store.Touch(ctx, existing.ID); err != nil {
			o.logger.Warnw("Failed to touch record", logger.FieldRecordID, existing.ID, "error", err)
		}
		return existing, nil
	case err != nil && !errors.IsNotFoundError(err):
		return nil, err
	}

	resp, err := o.client.AddToQueue(ctx, pageURL, compute.QueueOptions{
		IsMobile: isMobile,
		Safelist: o.Config().Safelist,
	})
	if err != nil {
		return nil, err
	}
	if resp.Code != 200 || resp.Contents.JobID == "" {
		return nil, errors.WithDetail(
			errors.Wrapf(errors.ErrServiceUnavailable, "compute refused job for %s", pageURL),
			resp.Message)
	}

	rec, err := o.store.Queue(ctx, pageURL, isMobile, resp.Contents.JobID, resp.Contents.QueueName)
	if err != nil {
		return nil, err
	}
	o.logger.Infow("Job queued",
		logger.FieldURL, pageURL,
		logger.FieldIsMobile, isMobile,
		logger.FieldJobID, rec.JobID,
		logger.FieldQueueName, rec.QueueName)
	return rec, nil
}

// TrackResource records an external stylesheet or script used by a page
func (o *Orchestrator) TrackResource(ctx context.Context, r Resource) error {
	if !o.enabled() {
		return ErrDisabled
	}
	return o.resources.Upsert(ctx, r)
}
