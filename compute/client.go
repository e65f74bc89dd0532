// Package compute talks to the external service that extracts used CSS for a
// page. Jobs are submitted with AddToQueue and polled with JobStatus.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/internal/httpclient"
	"github.com/teranos/usedcss/logger"
	"github.com/teranos/usedcss/version"
)

// JobStatusResponse is the answer to a job-status poll
type JobStatusResponse struct {
	Code     int         `json:"code"`
	Message  string      `json:"message"`
	Contents JobContents `json:"contents"`
}

// JobContents carries the result once the job is done
type JobContents struct {
	ShakedCSS string `json:"shakedCSS"`
}

// Done reports whether the job finished with used CSS
func (r *JobStatusResponse) Done() bool {
	return r != nil && r.Code == http.StatusOK && r.Contents.ShakedCSS != ""
}

// QueueOptions is the per-job configuration sent with a new job
type QueueOptions struct {
	IsMobile bool     `json:"is_mobile"`
	Safelist []string `json:"rucss_safelist"`
}

// QueueResponse is the answer to a job submission
type QueueResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Contents struct {
		JobID     string `json:"jobId"`
		QueueName string `json:"queueName"`
	} `json:"contents"`
}

// Client is the compute service as the pipeline sees it
type Client interface {
	JobStatus(ctx context.Context, jobID, queueName string) (*JobStatusResponse, error)
	AddToQueue(ctx context.Context, pageURL string, opts QueueOptions) (*QueueResponse, error)
}

// maxBodyBytes bounds how much of a response is read; used CSS for one page
// fits comfortably.
const maxBodyBytes = 16 << 20

// HTTPClient is the HTTP implementation of Client
type HTTPClient struct {
	base    *url.URL
	email   string
	apiKey  string
	http    *httpclient.SaferClient
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewHTTPClient creates a client from the [compute] config section
func NewHTTPClient(cfg am.ComputeConfig, log *zap.SugaredLogger) (*HTTPClient, error) {
	hc := httpclient.New(cfg.RequestTimeout(), httpclient.Options{AllowPrivate: cfg.AllowPrivate})
	return newHTTPClient(cfg, hc, log)
}

func newHTTPClient(cfg am.ComputeConfig, hc *httpclient.SaferClient, log *zap.SugaredLogger) (*HTTPClient, error) {
	base, err := hc.ValidateURL(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "invalid compute.base_url"),
			"Set compute.base_url to the compute service root, e.g. https://saas.example.com")
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPClient{
		base:    base,
		email:   cfg.Email,
		apiKey:  cfg.APIKey,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		logger:  log.Named("compute"),
	}, nil
}

func (c *HTTPClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// JobStatus polls GET {base}/api/queue/job-status.
// A non-2xx answer that still carries a JSON body is returned without error
// so the caller can inspect the code.
func (c *HTTPClient) JobStatus(ctx context.Context, jobID, queueName string) (*JobStatusResponse, error) {
	query := url.Values{}
	query.Set("id", jobID)
	query.Set("queue", queueName)
	query.Set("email", c.email)
	query.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/queue/job-status", query), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build job status request")
	}

	var out JobStatusResponse
	code, err := c.do(req, &out)
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s, queue: %s", jobID, queueName))
	}
	if out.Code == 0 {
		out.Code = code
	}
	return &out, nil
}

// AddToQueue submits pageURL with POST {base}/api
func (c *HTTPClient) AddToQueue(ctx context.Context, pageURL string, opts QueueOptions) (*QueueResponse, error) {
	if opts.Safelist == nil {
		opts.Safelist = []string{}
	}
	body, err := json.Marshal(map[string]any{
		"url":    pageURL,
		"config": opts,
		"email":  c.email,
		"key":    c.apiKey,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode queue request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api", nil), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build queue request")
	}
	req.Header.Set("Content-Type", "application/json")

	var out QueueResponse
	code, err := c.do(req, &out)
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("URL: %s", pageURL))
	}
	if out.Code == 0 {
		out.Code = code
	}
	return &out, nil
}

// do waits for the rate limiter, sends req and decodes a JSON body into out.
// Returns the HTTP status code.
func (c *HTTPClient) do(req *http.Request, out any) (int, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return 0, errors.Wrap(err, "rate limiter wait canceled")
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(errors.ErrServiceUnavailable, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, errors.Wrap(errors.ErrServiceUnavailable, err.Error())
	}

	if len(bytes.TrimSpace(data)) == 0 || json.Unmarshal(data, out) != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp.StatusCode, errors.Newf("compute returned an unreadable body (status %d)", resp.StatusCode)
		}
		// error pages are often HTML; the status code is the answer
		c.logger.Debugw("Compute returned non-JSON error",
			logger.FieldCode, resp.StatusCode,
			logger.FieldURL, req.URL.Path)
	}
	return resp.StatusCode, nil
}
