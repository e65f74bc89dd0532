package usedcss

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/compute"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
	"github.com/teranos/usedcss/pulse/schedule"
	"github.com/teranos/usedcss/purge"
)

// Hook and event names
const (
	CheckJobStatusHook     = "usedcss_check_job_status"
	CompleteJobStatusEvent = "rucss_complete_job_status"
)

// Outcome is what one status check did to its record
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"   // record missing or not queued
	OutcomeCompleted Outcome = "completed" // css stored, page purged
	OutcomeRetried   Outcome = "retried"   // failure counted, still queued
	OutcomeFailed    Outcome = "failed"    // escalated to failed
	OutcomeConflict  Outcome = "conflict"  // another worker moved the record first
)

// CompleteEvent is the payload of CompleteJobStatusEvent
type CompleteEvent struct {
	URL      string                     `json:"url"`
	Response *compute.JobStatusResponse `json:"response"`
}

// CheckerConfig tunes failure handling
type CheckerConfig struct {
	MaxRetries            int
	FailFastOnClientError bool
	RequestTimeout        time.Duration
}

// NewCheckerConfig derives the checker settings from config sections
func NewCheckerConfig(cfg am.UsedCSSConfig, computeCfg am.ComputeConfig) CheckerConfig {
	return CheckerConfig{
		MaxRetries:            cfg.RetryLimit(),
		FailFastOnClientError: cfg.FailFastOnClientError,
		RequestTimeout:        computeCfg.RequestTimeout(),
	}
}

// Checker polls the compute service for one record per run. It is the
// handler behind CheckJobStatusHook.
type Checker struct {
	store  *Store
	client compute.Client
	purger purge.Purger
	events EventSink
	logger *zap.SugaredLogger

	mu  sync.RWMutex
	cfg CheckerConfig
}

// NewChecker creates a status checker
func NewChecker(store *Store, client compute.Client, purger purge.Purger, events EventSink, cfg CheckerConfig, log *zap.SugaredLogger) *Checker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = am.DefaultMaxRetries
	}
	if purger == nil {
		purger = purge.Nop{}
	}
	if events == nil {
		events = LogSink{Logger: log}
	}
	return &Checker{
		store:  store,
		client: client,
		purger: purger,
		events: events,
		cfg:    cfg,
		logger: componentLogger(log, "checker"),
	}
}

// SetConfig replaces the failure handling settings; checks already running
// keep the settings they started with.
func (c *Checker) SetConfig(cfg CheckerConfig) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = am.DefaultMaxRetries
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

func (c *Checker) config() CheckerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Name implements schedule.Hook
func (c *Checker) Name() string { return CheckJobStatusHook }

// Run implements schedule.Hook. args is [recordID]. Problems are logged and
// reflected in the record; Run itself never fails the action.
func (c *Checker) Run(ctx context.Context, args []any) error {
	id, err := schedule.ArgInt64(args, 0)
	if err != nil {
		c.logger.Warnw("Ignoring status check with bad arguments", "args", args, "error", err)
		return nil
	}
	if _, err := c.Check(ctx, id); err != nil {
		c.logger.Errorw("Status check failed", logger.FieldRecordID, id, "error", err)
	}
	return nil
}

// Check polls the job of record id once and applies the result
func (c *Checker) Check(ctx context.Context, id int64) (Outcome, error) {
	log := logger.FromContext(ctx, c.logger).With(logger.FieldRecordID, id)
	log.Debugw("Checking job status")

	rec, err := c.store.Get(ctx, id)
	if errors.IsNotFoundError(err) {
		log.Debugw("Record not found, nothing to check")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	if rec.Status != StatusQueued || rec.JobID == "" {
		log.Debugw("Record is not waiting on a job", logger.FieldStatus, rec.Status)
		return OutcomeSkipped, nil
	}
	log = log.With(logger.FieldURL, rec.URL, logger.FieldJobID, rec.JobID)

	cfg := c.config()
	resp, err := c.poll(ctx, rec, cfg.RequestTimeout)
	if err == nil && resp.Done() {
		return c.complete(ctx, rec, resp, log)
	}

	code := 0
	if err != nil {
		log.Debugw("Job status request failed", "error", err)
	} else {
		code = resp.Code
		log.Debugw("Job not ready", logger.FieldCode, code, "message", resp.Message)
	}
	return c.countFailure(ctx, rec, code, cfg, log)
}

func (c *Checker) poll(ctx context.Context, rec *Record, timeout time.Duration) (*compute.JobStatusResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.client.JobStatus(ctx, rec.JobID, rec.QueueName)
}

func (c *Checker) complete(ctx context.Context, rec *Record, resp *compute.JobStatusResponse, log *zap.SugaredLogger) (Outcome, error) {
	ok, err := c.store.Complete(ctx, rec.ID, rec.JobID, resp.Contents.ShakedCSS)
	if err != nil {
		return "", err
	}
	if !ok {
		log.Debugw("Record changed while polling, dropping result")
		return OutcomeConflict, nil
	}

	log.Infow("Used CSS saved", "css_bytes", len(resp.Contents.ShakedCSS))
	c.purger.PurgeURL(rec.URL)
	c.events.Emit(CompleteJobStatusEvent, CompleteEvent{URL: rec.URL, Response: resp})
	return OutcomeCompleted, nil
}

// countFailure charges one failure against the retries value read at the
// start of the check. The final allowed failure escalates to failed.
func (c *Checker) countFailure(ctx context.Context, rec *Record, code int, cfg CheckerConfig, log *zap.SugaredLogger) (Outcome, error) {
	next := rec.Retries + 1
	exhausted := next >= cfg.MaxRetries
	fatal := cfg.FailFastOnClientError && isClientError(code)

	if exhausted || fatal {
		ok, err := c.store.Escalate(ctx, rec.ID, rec.Retries, min(next, cfg.MaxRetries))
		if err != nil {
			return "", err
		}
		if !ok {
			return OutcomeConflict, nil
		}
		log.Infow("Job failed, giving up", logger.FieldRetries, next, logger.FieldCode, code)
		return OutcomeFailed, nil
	}

	ok, err := c.store.IncrementRetries(ctx, rec.ID, rec.Retries)
	if err != nil {
		return "", err
	}
	if !ok {
		log.Debugw("Retries already moved by another worker", logger.FieldRetries, rec.Retries)
		return OutcomeConflict, nil
	}
	log.Debugw("Job failure counted", logger.FieldRetries, next)
	return OutcomeRetried, nil
}

// isClientError reports 4xx answers that retrying cannot fix
func isClientError(code int) bool {
	return code >= 400 && code < 500 &&
		code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
