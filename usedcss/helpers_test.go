package usedcss

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/compute"
	testdb "github.com/teranos/usedcss/internal/testing"
	"github.com/teranos/usedcss/logger"
	"github.com/teranos/usedcss/pulse/schedule"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeCompute answers status polls from a script; the last answer repeats.
type fakeCompute struct {
	mu       sync.Mutex
	statuses []*compute.JobStatusResponse
	err      error
	polls    int
	queue    *compute.QueueResponse
	queueErr error
	queued   []string
}

func (f *fakeCompute) JobStatus(ctx context.Context, jobID, queueName string) (*compute.JobStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.err != nil {
		return nil, f.err
	}
	i := f.polls - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func (f *fakeCompute) AddToQueue(ctx context.Context, pageURL string, opts compute.QueueOptions) (*compute.QueueResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, pageURL)
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	return f.queue, nil
}

func statusCode(code int) *compute.JobStatusResponse {
	return &compute.JobStatusResponse{Code: code}
}

func shaked(css string) *compute.JobStatusResponse {
	return &compute.JobStatusResponse{Code: 200, Contents: compute.JobContents{ShakedCSS: css}}
}

func queued(jobID, queueName string) *compute.QueueResponse {
	r := &compute.QueueResponse{Code: 200}
	r.Contents.JobID = jobID
	r.Contents.QueueName = queueName
	return r
}

// countingPurger records purge calls
type countingPurger struct {
	mu      sync.Mutex
	urls    []string
	domains int
}

func (p *countingPurger) PurgeURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls = append(p.urls, u)
}

func (p *countingPurger) PurgeDomain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.domains++
}

type emitted struct {
	name    string
	payload any
}

// recordingSink keeps emitted events
type recordingSink struct {
	mu     sync.Mutex
	events []emitted
}

func (s *recordingSink) Emit(name string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, emitted{name, payload})
}

func newTestStore(t *testing.T) *Store {
	s := NewStore(testdb.CreateMigratedTestDB(t))
	s.now = func() time.Time { return t0 }
	return s
}

type harness struct {
	o        *Orchestrator
	queue    *schedule.Queue
	compute  *fakeCompute
	purger   *countingPurger
	events   *recordingSink
	resolver *StaticResolver
}

func enabledConfig() am.UsedCSSConfig {
	return am.UsedCSSConfig{Enabled: true, Safelist: []string{".keep"}}
}

func newHarness(t *testing.T, cfg am.UsedCSSConfig) *harness {
	t.Helper()
	conn := testdb.CreateMigratedTestDB(t)
	h := &harness{
		queue:    schedule.NewQueue(conn, logger.Logger),
		compute:  &fakeCompute{statuses: []*compute.JobStatusResponse{statusCode(502)}},
		purger:   &countingPurger{},
		events:   &recordingSink{},
		resolver: NewStaticResolver(),
	}
	h.o = NewOrchestrator(conn, Options{
		Config:     cfg,
		Queue:      h.queue,
		Client:     h.compute,
		Purger:     h.purger,
		Events:     h.events,
		Resolver:   h.resolver,
		Authorizer: StaticAuthorizer{"admin": {CapabilityRemoveUsedCSS}},
	}, logger.Logger)
	h.o.now = func() time.Time { return t0 }
	h.o.store.now = func() time.Time { return t0 }
	h.o.resources.now = func() time.Time { return t0 }
	h.o.nonces.now = func() time.Time { return t0 }
	return h
}

func (h *harness) queueRecord(t *testing.T, url, jobID string) *Record {
	t.Helper()
	rec, err := h.o.store.Queue(context.Background(), url, false, jobID, "EU")
	require.NoError(t, err)
	return rec
}
