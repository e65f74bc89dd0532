package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/usedcss/errors"
	testdb "github.com/teranos/usedcss/internal/testing"
	"github.com/teranos/usedcss/logger"
)

func newTestQueue(t *testing.T) *Queue {
	q := NewQueue(testdb.CreateMigratedTestDB(t), logger.Logger)
	q.now = func() time.Time { return base }
	return q
}

func TestEnqueueOnce(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.EnqueueOnce(ctx, "usedcss_check_job_status", []any{1})
	require.NoError(t, err)
	id2, err := q.EnqueueOnce(ctx, "usedcss_check_job_status", []any{1})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2, "one-shot actions never deduplicate")

	a, err := q.Store().Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, base, a.RunAt)
	assert.Equal(t, DefaultGroup, a.Group)

	_, err = q.EnqueueOnce(ctx, "", nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestIsScheduled_ExactArgs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.ScheduleSingle(ctx, base.Add(time.Hour), "h", []any{5})
	require.NoError(t, err)

	ok, err := q.IsScheduled(ctx, "h", []any{5})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.IsScheduled(ctx, "h", []any{6})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.IsScheduled(ctx, "h", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduleRecurring_Dedup(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, scheduled, err := q.ScheduleRecurring(ctx, base, 5*time.Minute, "rocket_rucss_pending_jobs_cron", nil)
	require.NoError(t, err)
	assert.True(t, scheduled)
	assert.NotEmpty(t, id)

	_, scheduled, err = q.ScheduleRecurring(ctx, base, 5*time.Minute, "rocket_rucss_pending_jobs_cron", nil)
	require.NoError(t, err)
	assert.False(t, scheduled)

	res, err := q.Search(ctx, Query{Hook: "rocket_rucss_pending_jobs_cron", PerPage: -1}, FormatIDs)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, res.IDs)

	_, _, err = q.ScheduleRecurring(ctx, base, 0, "h", nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestScheduleRecurring_SubSecondInterval(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _, err := q.ScheduleRecurring(ctx, base, 300*time.Millisecond, "h", nil)
	require.NoError(t, err)

	a, err := q.Store().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, time.Second, a.Recurrence.Interval)
}

func TestScheduleCron(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	wednesday := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	id, scheduled, err := q.ScheduleCron(ctx, wednesday, "@weekly", "rocket_rucss_clean_rows_time_event", nil)
	require.NoError(t, err)
	require.True(t, scheduled)

	a, err := q.Store().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC), a.RunAt)
	assert.Equal(t, RecurCron, a.Recurrence.Kind)

	t.Run("on a boundary runs at runAt", func(t *testing.T) {
		midnight := time.Date(2026, 1, 18, 0, 0, 0, 0, time.UTC)
		id, _, err := q.ScheduleCron(ctx, midnight, "@weekly", "other", nil)
		require.NoError(t, err)
		a, err := q.Store().Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, midnight, a.RunAt)
	})

	_, _, err = q.ScheduleCron(ctx, base, "whenever", "h", nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestCancel_StopsRecurringChain(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, cancelAll := range []bool{false, true} {
		hook := "chain"
		if cancelAll {
			hook = "chain-all"
		}
		_, _, err := q.ScheduleRecurring(ctx, base, time.Minute, hook, []any{"x"})
		require.NoError(t, err)

		if cancelAll {
			require.NoError(t, q.CancelAll(ctx, hook, []any{"x"}))
		} else {
			require.NoError(t, q.Cancel(ctx, hook, []any{"x"}))
		}

		next, err := q.GetNext(ctx, hook, []any{"x"})
		require.NoError(t, err)
		assert.Nil(t, next)

		// nothing left to claim, so nothing re-arms
		claimed, err := q.Store().ClaimDue(ctx, base.Add(time.Hour), 10, "c-"+hook)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	}
}

func TestGetNext(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	next, err := q.GetNext(ctx, "h", nil)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = q.ScheduleSingle(ctx, base.Add(2*time.Hour), "h", nil)
	require.NoError(t, err)
	_, err = q.ScheduleSingle(ctx, base.Add(time.Hour), "h", nil)
	require.NoError(t, err)

	next, err = q.GetNext(ctx, "h", nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, base.Add(time.Hour), *next)
}
