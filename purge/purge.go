// Package purge invalidates cached pages after their used CSS changes.
package purge

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/internal/httpclient"
	"github.com/teranos/usedcss/logger"
	"github.com/teranos/usedcss/version"
)

// Purger invalidates cache entries. Calls return immediately; failures are
// logged, never reported to the caller.
type Purger interface {
	PurgeURL(pageURL string)
	PurgeDomain()
}

// Nop purges nothing
type Nop struct{}

// PurgeURL does nothing
func (Nop) PurgeURL(string) {}

// PurgeDomain does nothing
func (Nop) PurgeDomain() {}

// HTTPPurger sends PURGE requests to every configured cache endpoint, the
// way Varnish and Nginx purge modules expect them: the request goes to the
// endpoint with the page path and the page host in the Host header.
type HTTPPurger struct {
	endpoints []*url.URL
	client    *httpclient.SaferClient
	timeout   time.Duration
	logger    *zap.SugaredLogger
	wg        sync.WaitGroup
}

// NewHTTPPurger creates a purger from the [purge] config section.
// Cache endpoints usually live on the private network, so private addresses
// are allowed.
func NewHTTPPurger(cfg am.PurgeConfig, log *zap.SugaredLogger) (*HTTPPurger, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return newHTTPPurger(cfg.Endpoints, httpclient.New(timeout, httpclient.Options{AllowPrivate: true}), timeout, log)
}

func newHTTPPurger(endpoints []string, client *httpclient.SaferClient, timeout time.Duration, log *zap.SugaredLogger) (*HTTPPurger, error) {
	p := &HTTPPurger{
		client:  client,
		timeout: timeout,
		logger:  log.Named("purge"),
	}
	for _, e := range endpoints {
		u, err := client.ValidateURL(strings.TrimRight(e, "/"))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid purge endpoint %q", e)
		}
		p.endpoints = append(p.endpoints, u)
	}
	return p, nil
}

// PurgeURL purges one page on every endpoint
func (p *HTTPPurger) PurgeURL(pageURL string) {
	page, err := url.Parse(pageURL)
	if err != nil {
		p.logger.Warnw("Skipping purge of unparseable URL", logger.FieldURL, pageURL, "error", err)
		return
	}
	path := page.EscapedPath()
	if path == "" {
		path = "/"
	}
	p.send(page.Host, path, nil)
}

// PurgeDomain purges everything cached on every endpoint
func (p *HTTPPurger) PurgeDomain() {
	p.send("", "/.*", http.Header{"X-Purge-Method": []string{"regex"}})
}

func (p *HTTPPurger) send(host, path string, header http.Header) {
	for _, endpoint := range p.endpoints {
		target := *endpoint
		target.Path = strings.TrimRight(target.Path, "/") + path

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.purge(target.String(), host, header); err != nil {
				p.logger.Warnw("Cache purge failed", logger.FieldURL, target.String(), "error", err)
			}
		}()
	}
}

func (p *HTTPPurger) purge(target, host string, header http.Header) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "PURGE", target, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build purge request")
	}
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range header {
		req.Header[k] = v
	}
	if host != "" {
		req.Host = host
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	// 404 means nothing was cached
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return errors.Newf("purge returned status %d", resp.StatusCode)
	}
	p.logger.Debugw("Cache purged", logger.FieldURL, target, logger.FieldCode, resp.StatusCode)
	return nil
}

// Wait blocks until in-flight purges finish
func (p *HTTPPurger) Wait() {
	p.wg.Wait()
}
