package usedcss

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/compute"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
)

func newTestChecker(t *testing.T, store *Store, client compute.Client, cfg CheckerConfig) (*Checker, *countingPurger, *recordingSink) {
	p, s := &countingPurger{}, &recordingSink{}
	return NewChecker(store, client, p, s, cfg, logger.Logger), p, s
}

func TestChecker_ThreeFailuresEscalate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec, err := store.Queue(ctx, "/a", false, "J1", "EU")
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.ID)

	client := &fakeCompute{statuses: []*compute.JobStatusResponse{statusCode(http.StatusBadGateway)}}
	checker, purger, events := newTestChecker(t, store, client, CheckerConfig{MaxRetries: 3})

	want := []struct {
		outcome Outcome
		retries int
		status  Status
	}{
		{OutcomeRetried, 1, StatusQueued},
		{OutcomeRetried, 2, StatusQueued},
		{OutcomeFailed, 3, StatusFailed},
	}
	last := 0
	for i, w := range want {
		outcome, err := checker.Check(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, w.outcome, outcome, "poll %d", i+1)

		got, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Greater(t, got.Retries, last, "retries strictly increase")
		assert.LessOrEqual(t, got.Retries, 3)
		assert.Equal(t, w.retries, got.Retries)
		assert.Equal(t, w.status, got.Status)
		last = got.Retries
	}

	final, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, final.JobID)
	assert.Empty(t, final.QueueName)
	assert.Empty(t, purger.urls)
	assert.Empty(t, events.events)

	// failed is terminal: further polls do nothing and never reach compute
	polls := client.polls
	outcome, err := checker.Check(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, polls, client.polls)
}

func TestChecker_Success(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Save(ctx, Record{URL: "/a"})
	require.NoError(t, err)
	rec, err := store.Queue(ctx, "/b", false, "J2", "EU")
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.ID)

	client := &fakeCompute{statuses: []*compute.JobStatusResponse{shaked("body{}")}}
	checker, purger, events := newTestChecker(t, store, client, CheckerConfig{MaxRetries: 3})

	outcome, err := checker.Check(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "body{}", got.CSS)
	assert.Empty(t, got.JobID)
	assert.Empty(t, got.QueueName)

	assert.Equal(t, []string{"/b"}, purger.urls, "exactly one purge")
	require.Len(t, events.events, 1)
	assert.Equal(t, CompleteJobStatusEvent, events.events[0].name)
	assert.Equal(t, "/b", events.events[0].payload.(CompleteEvent).URL)

	// a duplicate delivery of the same check does not purge again
	outcome, err = checker.Check(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Len(t, purger.urls, 1)
}

func TestChecker_EmptyCSSIsFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec, err := store.Queue(ctx, "/a", false, "J1", "EU")
	require.NoError(t, err)

	client := &fakeCompute{statuses: []*compute.JobStatusResponse{shaked("")}}
	checker, _, _ := newTestChecker(t, store, client, CheckerConfig{})

	outcome, err := checker.Check(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, outcome)
}

func TestChecker_TransportErrorCountsAsFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec, err := store.Queue(ctx, "/a", false, "J1", "EU")
	require.NoError(t, err)

	client := &fakeCompute{err: errors.Wrap(errors.ErrServiceUnavailable, "connection refused")}
	checker, _, _ := newTestChecker(t, store, client, CheckerConfig{FailFastOnClientError: true})

	outcome, err := checker.Check(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, outcome)
}

func TestChecker_RequestTimeout(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec, err := store.Queue(ctx, "/a", false, "J1", "EU")
	require.NoError(t, err)

	checker, _, _ := newTestChecker(t, store, slowCompute{}, CheckerConfig{RequestTimeout: 20 * time.Millisecond})

	outcome, err := checker.Check(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, outcome)
}

// slowCompute never answers before the caller gives up
type slowCompute struct{}

func (slowCompute) JobStatus(ctx context.Context, _, _ string) (*compute.JobStatusResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowCompute) AddToQueue(ctx context.Context, _ string, _ compute.QueueOptions) (*compute.QueueResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestChecker_FailFastOnClientError(t *testing.T) {
	tests := []struct {
		name     string
		failFast bool
		code     int
		want     Outcome
	}{
		{"disabled by default", false, http.StatusNotFound, OutcomeRetried},
		{"client error", true, http.StatusNotFound, OutcomeFailed},
		{"timeout is retryable", true, http.StatusRequestTimeout, OutcomeRetried},
		{"throttling is retryable", true, http.StatusTooManyRequests, OutcomeRetried},
		{"server error is retryable", true, http.StatusBadGateway, OutcomeRetried},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			ctx := context.Background()
			rec, err := store.Queue(ctx, "/a", false, "J1", "EU")
			require.NoError(t, err)

			client := &fakeCompute{statuses: []*compute.JobStatusResponse{statusCode(tt.code)}}
			checker, _, _ := newTestChecker(t, store, client, CheckerConfig{MaxRetries: 3, FailFastOnClientError: tt.failFast})

			outcome, err := checker.Check(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome)
		})
	}
}

func TestChecker_SkipsRecordsNotWaitingOnAJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	done, err := store.Save(ctx, Record{URL: "/done", Status: StatusCompleted, CSS: "a{}"})
	require.NoError(t, err)
	pending, err := store.Save(ctx, Record{URL: "/pending"})
	require.NoError(t, err)

	client := &fakeCompute{statuses: []*compute.JobStatusResponse{statusCode(500)}}
	checker, _, _ := newTestChecker(t, store, client, CheckerConfig{})

	for _, id := range []int64{done.ID, pending.ID, 999} {
		outcome, err := checker.Check(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, outcome)
	}
	assert.Zero(t, client.polls)

	got, err := store.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status, "no resurrection")
	assert.Equal(t, "a{}", got.CSS)
}

func TestChecker_ConcurrentFailureCountedOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec, err := store.Queue(ctx, "/a", false, "J1", "EU")
	require.NoError(t, err)

	checker, _, _ := newTestChecker(t, store, &fakeCompute{}, CheckerConfig{MaxRetries: 3})

	// two workers observed retries=0; the second one loses
	outcome, err := checker.countFailure(ctx, rec, 502, checker.config(), logger.Logger)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, outcome)
	outcome, err = checker.countFailure(ctx, rec, 502, checker.config(), logger.Logger)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, outcome)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Retries)
}

func TestChecker_Run(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec, err := store.Queue(ctx, "/a", false, "J1", "EU")
	require.NoError(t, err)

	client := &fakeCompute{statuses: []*compute.JobStatusResponse{shaked("a{}")}}
	checker, _, _ := newTestChecker(t, store, client, CheckerConfig{})
	assert.Equal(t, CheckJobStatusHook, checker.Name())

	assert.NoError(t, checker.Run(ctx, []any{"not-a-number"}))
	assert.NoError(t, checker.Run(ctx, nil))
	assert.NoError(t, checker.Run(ctx, []any{rec.ID}))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestNewCheckerConfig(t *testing.T) {
	cfg := NewCheckerConfig(am.UsedCSSConfig{FailFastOnClientError: true}, am.ComputeConfig{RequestTimeoutSeconds: 7})
	assert.Equal(t, am.DefaultMaxRetries, cfg.MaxRetries)
	assert.True(t, cfg.FailFastOnClientError)
	assert.Equal(t, 7*time.Second, cfg.RequestTimeout)
}
