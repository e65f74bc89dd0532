package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/usedcss/errors"
	testdb "github.com/teranos/usedcss/internal/testing"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	return NewStore(testdb.CreateMigratedTestDB(t))
}

func TestInsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := newAction("usedcss_check_job_status", []any{3}, DefaultGroup, base, Recurrence{}, base)
	require.NoError(t, store.Insert(ctx, a))

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Hook, got.Hook)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, base, got.RunAt)
	assert.Equal(t, RecurNone, got.Recurrence.Kind)
	assert.False(t, got.RecurrenceActive)

	id, err := ArgInt64(got.Args, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestInsertUnlessPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec := Recurrence{Kind: RecurInterval, Interval: time.Minute}

	first := newAction("tick", nil, DefaultGroup, base, rec, base)
	ok, err := store.InsertUnlessPending(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := newAction("tick", []any{}, DefaultGroup, base.Add(time.Hour), rec, base)
	ok, err = store.InsertUnlessPending(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok, "same hook and args already pending")

	other := newAction("tick", []any{"x"}, DefaultGroup, base, rec, base)
	ok, err = store.InsertUnlessPending(ctx, other)
	require.NoError(t, err)
	assert.True(t, ok, "different args are a different identity")
}

func TestClaimDue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, offset := range []time.Duration{-2 * time.Minute, -time.Minute, 0, time.Minute} {
		a := newAction("h", []any{i}, DefaultGroup, base.Add(offset), Recurrence{}, base)
		require.NoError(t, store.Insert(ctx, a))
	}

	claimed, err := store.ClaimDue(ctx, base, 2, "claim-1")
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, base.Add(-2*time.Minute), claimed[0].RunAt, "oldest first")
	for _, a := range claimed {
		assert.Equal(t, StatusRunning, a.Status)
		assert.Equal(t, "claim-1", a.ClaimID)
		assert.Equal(t, 1, a.Attempts)
	}

	claimed, err = store.ClaimDue(ctx, base, 10, "claim-2")
	require.NoError(t, err)
	require.Len(t, claimed, 1, "the future action is not due")
	assert.Equal(t, base, claimed[0].RunAt)

	claimed, err = store.ClaimDue(ctx, base, 10, "claim-3")
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestFinish(t *testing.T) {
	ctx := context.Background()

	t.Run("one-shot complete", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Insert(ctx, newAction("h", nil, DefaultGroup, base, Recurrence{}, base)))
		claimed, err := store.ClaimDue(ctx, base, 1, "c")
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		next, err := store.Finish(ctx, claimed[0], nil, base)
		require.NoError(t, err)
		assert.Nil(t, next)

		got, err := store.Get(ctx, claimed[0].ID)
		require.NoError(t, err)
		assert.Equal(t, StatusComplete, got.Status)
	})

	t.Run("failure records the error", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Insert(ctx, newAction("h", nil, DefaultGroup, base, Recurrence{}, base)))
		claimed, err := store.ClaimDue(ctx, base, 1, "c")
		require.NoError(t, err)

		_, err = store.Finish(ctx, claimed[0], errors.New("boom"), base)
		require.NoError(t, err)

		got, err := store.Get(ctx, claimed[0].ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, "boom", got.LastError)
	})

	t.Run("recurring re-arms", func(t *testing.T) {
		store := newTestStore(t)
		rec := Recurrence{Kind: RecurInterval, Interval: 5 * time.Minute}
		require.NoError(t, store.Insert(ctx, newAction("h", []any{1}, DefaultGroup, base, rec, base)))
		claimed, err := store.ClaimDue(ctx, base, 1, "c")
		require.NoError(t, err)

		finishedAt := base.Add(3 * time.Second)
		next, err := store.Finish(ctx, claimed[0], nil, finishedAt)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, finishedAt.Add(5*time.Minute), next.RunAt)
		assert.True(t, next.RecurrenceActive)

		pending, err := store.HasPending(ctx, "h", []any{1})
		require.NoError(t, err)
		assert.True(t, pending)
	})

	t.Run("failed recurring action still re-arms", func(t *testing.T) {
		store := newTestStore(t)
		rec := Recurrence{Kind: RecurInterval, Interval: time.Minute}
		require.NoError(t, store.Insert(ctx, newAction("h", nil, DefaultGroup, base, rec, base)))
		claimed, err := store.ClaimDue(ctx, base, 1, "c")
		require.NoError(t, err)

		next, err := store.Finish(ctx, claimed[0], errors.New("boom"), base)
		require.NoError(t, err)
		assert.NotNil(t, next)
	})

	t.Run("cancel while running stops the chain", func(t *testing.T) {
		store := newTestStore(t)
		rec := Recurrence{Kind: RecurInterval, Interval: time.Minute}
		require.NoError(t, store.Insert(ctx, newAction("h", nil, DefaultGroup, base, rec, base)))
		claimed, err := store.ClaimDue(ctx, base, 1, "c")
		require.NoError(t, err)

		n, err := store.Cancel(ctx, "h", nil, false, base)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "nothing pending to cancel")

		next, err := store.Finish(ctx, claimed[0], nil, base)
		require.NoError(t, err)
		assert.Nil(t, next)

		pending, err := store.HasPending(ctx, "h", nil)
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("released action cannot be finished by its old claim", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Insert(ctx, newAction("h", nil, DefaultGroup, base, Recurrence{}, base)))
		claimed, err := store.ClaimDue(ctx, base, 1, "c")
		require.NoError(t, err)

		released, err := store.ReleaseOrphans(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, int64(1), released)

		_, err = store.Finish(ctx, claimed[0], nil, base)
		assert.True(t, errors.Is(err, errors.ErrConflict))
	})
}

func TestCancel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, offset := range []time.Duration{time.Hour, time.Minute, 2 * time.Hour} {
		require.NoError(t, store.Insert(ctx, newAction("h", []any{"a"}, DefaultGroup, base.Add(offset), Recurrence{}, base)))
	}
	require.NoError(t, store.Insert(ctx, newAction("h", []any{"b"}, DefaultGroup, base, Recurrence{}, base)))

	n, err := store.Cancel(ctx, "h", []any{"a"}, false, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	next, err := store.NextRunAt(ctx, "h", []any{"a"})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, base.Add(time.Hour), *next, "earliest occurrence was the one canceled")

	n, err = store.Cancel(ctx, "h", []any{"a"}, true, base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	next, err = store.NextRunAt(ctx, "h", []any{"a"})
	require.NoError(t, err)
	assert.Nil(t, next)

	pending, err := store.HasPending(ctx, "h", []any{"b"})
	require.NoError(t, err)
	assert.True(t, pending, "other args untouched")
}

func TestPurgeFinishedAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := newAction("h", []any{1}, DefaultGroup, base, Recurrence{}, base.Add(-48*time.Hour))
	old.Status = StatusComplete
	require.NoError(t, store.Insert(ctx, old))

	recent := newAction("h", []any{2}, DefaultGroup, base, Recurrence{}, base)
	recent.Status = StatusFailed
	require.NoError(t, store.Insert(ctx, recent))

	stale := newAction("h", []any{3}, DefaultGroup, base, Recurrence{}, base.Add(-48*time.Hour))
	require.NoError(t, store.Insert(ctx, stale))

	n, err := store.PurgeFinished(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "pending actions are never purged")

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusFailed: 1, StatusPending: 1}, counts)
}

func TestClaimDue_DatabaseError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("UPDATE scheduled_actions").WillReturnError(errors.New("disk I/O error"))

	_, err = NewStore(conn).ClaimDue(context.Background(), base, 5, "c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to claim due actions")
	assert.NoError(t, mock.ExpectationsWereMet())
}
