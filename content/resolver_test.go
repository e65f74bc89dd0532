package content

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/internal/httpclient"
)

func newTestResolver(t *testing.T, cfg am.ContentConfig, handler http.HandlerFunc) *HTTPResolver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL + "/"
	r, err := newHTTPResolver(cfg, httpclient.WrapClient(srv.Client()), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return r
}

func TestPostURL(t *testing.T) {
	r := newTestResolver(t, am.ContentConfig{}, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/wp-json/wp/v2/posts/42", req.URL.Path)
		assert.Equal(t, "application/json", req.Header.Get("Accept"))
		w.Write([]byte(`{"id":42,"link":"https://site.example.org/hello-world/"}`))
	})

	u, ok := r.PostURL(context.Background(), 42)
	require.True(t, ok)
	assert.Equal(t, "https://site.example.org/hello-world/", u)
}

func TestTermURL_CustomPath(t *testing.T) {
	r := newTestResolver(t, am.ContentConfig{TermPath: "/api/terms/{id}/"}, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/api/terms/7/", req.URL.Path)
		w.Write([]byte(`{"link":"https://site.example.org/category/news/"}`))
	})

	u, ok := r.TermURL(context.Background(), 7)
	require.True(t, ok)
	assert.Equal(t, "https://site.example.org/category/news/", u)
}

func TestResolve_Unresolvable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "not found",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"code":"rest_post_invalid_id"}`))
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "no link",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`{"id":3}`))
			},
		},
		{
			name: "html body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`<html>maintenance</html>`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(t, am.ContentConfig{}, tt.handler)
			u, ok := r.PostURL(context.Background(), 3)
			assert.False(t, ok)
			assert.Empty(t, u)
		})
	}
}

func TestNewHTTPResolver_InvalidBase(t *testing.T) {
	_, err := NewHTTPResolver(am.ContentConfig{BaseURL: "ftp://site.example.org"}, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}
