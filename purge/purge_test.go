package purge

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/usedcss/internal/httpclient"
)

type purgeRecorder struct {
	mu       sync.Mutex
	requests []*http.Request
}

func (r *purgeRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.requests = append(r.requests, req.Clone(req.Context()))
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (r *purgeRecorder) all() []*http.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*http.Request(nil), r.requests...)
}

func newTestPurger(t *testing.T, handlers ...http.Handler) *HTTPPurger {
	t.Helper()
	var endpoints []string
	for _, h := range handlers {
		srv := httptest.NewServer(h)
		t.Cleanup(srv.Close)
		endpoints = append(endpoints, srv.URL)
	}
	p, err := newHTTPPurger(endpoints, httpclient.WrapClient(&http.Client{}), time.Second, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return p
}

func TestPurgeURL(t *testing.T) {
	a, b := &purgeRecorder{}, &purgeRecorder{}
	p := newTestPurger(t, a, b)

	p.PurgeURL("https://example.org/blog/post-1")
	p.Wait()

	for _, rec := range []*purgeRecorder{a, b} {
		reqs := rec.all()
		require.Len(t, reqs, 1)
		assert.Equal(t, "PURGE", reqs[0].Method)
		assert.Equal(t, "/blog/post-1", reqs[0].URL.Path)
		assert.Equal(t, "example.org", reqs[0].Host)
	}
}

func TestPurgeDomain(t *testing.T) {
	rec := &purgeRecorder{}
	p := newTestPurger(t, rec)

	p.PurgeDomain()
	p.Wait()

	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/.*", reqs[0].URL.Path)
	assert.Equal(t, "regex", reqs[0].Header.Get("X-Purge-Method"))
}

func TestPurgeFailureIsNotFatal(t *testing.T) {
	p := newTestPurger(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	assert.NotPanics(t, func() {
		p.PurgeURL("https://example.org/")
		p.Wait()
	})
}

func TestNewHTTPPurger_InvalidEndpoint(t *testing.T) {
	_, err := newHTTPPurger([]string{"gopher://cache"}, httpclient.WrapClient(&http.Client{}), time.Second, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var p Purger = Nop{}
	p.PurgeURL("https://example.org/")
	p.PurgeDomain()
}
