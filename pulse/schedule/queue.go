package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
)

// Queue is the scheduling API the rest of the service talks to. Every call
// goes straight to the durable store, so registrations survive restarts and
// are shared by every process on the same database.
type Queue struct {
	store  *Store
	group  string
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewQueue creates a queue over db using the default group
func NewQueue(db *sql.DB, log *zap.SugaredLogger) *Queue {
	return &Queue{
		store:  NewStore(db),
		group:  DefaultGroup,
		now:    time.Now,
		logger: logger.AddPulseSymbol(log),
	}
}

// Store exposes the underlying store for the runner and admin tooling
func (q *Queue) Store() *Store {
	return q.store
}

func newAction(hook string, args []any, group string, runAt time.Time, rec Recurrence, now time.Time) *Action {
	if args == nil {
		args = []any{}
	}
	return &Action{
		ID:               uuid.NewString(),
		Hook:             hook,
		Args:             args,
		Group:            group,
		RunAt:            runAt,
		Recurrence:       rec,
		Status:           StatusPending,
		RecurrenceActive: rec.IsRecurring(),
		CreatedAt:        now,
		ModifiedAt:       now,
	}
}

// EnqueueOnce registers a one-shot action due now. It never deduplicates.
func (q *Queue) EnqueueOnce(ctx context.Context, hook string, args []any) (string, error) {
	now := q.now()
	return q.insert(ctx, newAction(hook, args, q.group, now, Recurrence{}, now))
}

// ScheduleSingle registers a one-shot action due at runAt.
func (q *Queue) ScheduleSingle(ctx context.Context, runAt time.Time, hook string, args []any) (string, error) {
	return q.insert(ctx, newAction(hook, args, q.group, runAt, Recurrence{}, q.now()))
}

func (q *Queue) insert(ctx context.Context, a *Action) (string, error) {
	if a.Hook == "" {
		return "", errors.NewInvalidRequestError("hook name is required")
	}
	if err := q.store.Insert(ctx, a); err != nil {
		return "", err
	}
	q.logger.Debugw("Action scheduled", logger.FieldHook, a.Hook, logger.FieldActionID, a.ID, "run_at", a.RunAt)
	return a.ID, nil
}

// ScheduleRecurring registers an action that re-arms every interval after it
// runs. If an action for the same (hook, args) is already pending nothing is
// written and scheduled is false.
func (q *Queue) ScheduleRecurring(ctx context.Context, runAt time.Time, interval time.Duration, hook string, args []any) (id string, scheduled bool, err error) {
	if interval <= 0 {
		return "", false, errors.NewInvalidRequestError("recurring interval must be positive, got %s", interval)
	}
	rec := Recurrence{Kind: RecurInterval, Interval: interval.Truncate(time.Second)}
	if rec.Interval == 0 {
		rec.Interval = time.Second
	}
	return q.insertRecurring(ctx, newAction(hook, args, q.group, runAt, rec, q.now()))
}

// ScheduleCron registers an action on a cron schedule. The first occurrence
// is the next cron time on or after runAt. Same dedup rule as ScheduleRecurring.
func (q *Queue) ScheduleCron(ctx context.Context, runAt time.Time, expr string, hook string, args []any) (id string, scheduled bool, err error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return "", false, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	first := sched.Next(runAt.Add(-time.Second))
	rec := Recurrence{Kind: RecurCron, Cron: expr}
	return q.insertRecurring(ctx, newAction(hook, args, q.group, first, rec, q.now()))
}

func (q *Queue) insertRecurring(ctx context.Context, a *Action) (string, bool, error) {
	if a.Hook == "" {
		return "", false, errors.NewInvalidRequestError("hook name is required")
	}
	inserted, err := q.store.InsertUnlessPending(ctx, a)
	if err != nil {
		return "", false, err
	}
	if !inserted {
		q.logger.Debugw("Recurring action already pending", logger.FieldHook, a.Hook)
		return "", false, nil
	}
	q.logger.Infow("Recurring action scheduled",
		logger.FieldHook, a.Hook,
		logger.FieldActionID, a.ID,
		"run_at", a.RunAt,
		"recurrence", a.Recurrence.Kind)
	return a.ID, true, nil
}

// IsScheduled reports whether a pending action exists for exactly (hook, args).
func (q *Queue) IsScheduled(ctx context.Context, hook string, args []any) (bool, error) {
	return q.store.HasPending(ctx, hook, args)
}

// Cancel removes the next pending occurrence of (hook, args). Occurrences
// are chained, so this also stops every later run of a recurring action.
func (q *Queue) Cancel(ctx context.Context, hook string, args []any) error {
	n, err := q.store.Cancel(ctx, hook, args, false, q.now())
	if err != nil {
		return err
	}
	q.logger.Infow("Action canceled", logger.FieldHook, hook, logger.FieldCount, n)
	return nil
}

// CancelAll removes every pending occurrence of (hook, args).
func (q *Queue) CancelAll(ctx context.Context, hook string, args []any) error {
	n, err := q.store.Cancel(ctx, hook, args, true, q.now())
	if err != nil {
		return err
	}
	q.logger.Infow("All actions canceled", logger.FieldHook, hook, logger.FieldCount, n)
	return nil
}

// GetNext returns when (hook, args) is next due, or nil if nothing is pending.
func (q *Queue) GetNext(ctx context.Context, hook string, args []any) (*time.Time, error) {
	return q.store.NextRunAt(ctx, hook, args)
}

// Search queries actions; see Query for the available filters.
func (q *Queue) Search(ctx context.Context, query Query, format Format) (SearchResult, error) {
	return q.store.Search(ctx, query, format)
}
