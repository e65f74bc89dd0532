// Package content resolves post and term ids to their public URLs through
// the site's REST content API.
package content

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/internal/httpclient"
	"github.com/teranos/usedcss/logger"
	"github.com/teranos/usedcss/version"
)

const maxBodyBytes = 1 << 20

// entity is the part of a post or term document the resolver reads
type entity struct {
	Link string `json:"link"`
}

// HTTPResolver looks up {base}{post_path} and {base}{term_path} and reads the
// "link" field of the answer.
type HTTPResolver struct {
	base     *url.URL
	postPath string
	termPath string
	http     *httpclient.SaferClient
	logger   *zap.SugaredLogger
}

// NewHTTPResolver creates a resolver from the [content] config section
func NewHTTPResolver(cfg am.ContentConfig, log *zap.SugaredLogger) (*HTTPResolver, error) {
	hc := httpclient.New(cfg.Timeout(), httpclient.Options{AllowPrivate: cfg.AllowPrivate})
	return newHTTPResolver(cfg, hc, log)
}

func newHTTPResolver(cfg am.ContentConfig, hc *httpclient.SaferClient, log *zap.SugaredLogger) (*HTTPResolver, error) {
	base, err := hc.ValidateURL(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "invalid content.base_url"),
			"Set content.base_url to the site root, e.g. https://www.example.org")
	}

	postPath, termPath := cfg.PostPath, cfg.TermPath
	if postPath == "" {
		postPath = am.DefaultContentPostPath
	}
	if termPath == "" {
		termPath = am.DefaultContentTermPath
	}

	return &HTTPResolver{
		base:     base,
		postPath: postPath,
		termPath: termPath,
		http:     hc,
		logger:   log.Named("content"),
	}, nil
}

// PostURL implements usedcss.ContentResolver
func (r *HTTPResolver) PostURL(ctx context.Context, postID int64) (string, bool) {
	return r.resolve(ctx, r.postPath, postID)
}

// TermURL implements usedcss.ContentResolver
func (r *HTTPResolver) TermURL(ctx context.Context, termID int64) (string, bool) {
	return r.resolve(ctx, r.termPath, termID)
}

func (r *HTTPResolver) endpoint(path string, id int64) string {
	u := *r.base
	u.Path = strings.TrimRight(u.Path, "/") + strings.ReplaceAll(path, am.ContentIDPlaceholder, strconv.FormatInt(id, 10))
	return u.String()
}

// resolve never fails loudly: content that cannot be found has no used CSS to drop
func (r *HTTPResolver) resolve(ctx context.Context, path string, id int64) (string, bool) {
	link, err := r.fetch(ctx, r.endpoint(path, id))
	if err != nil {
		if errors.IsNotFoundError(err) {
			r.logger.Debugw("Content not found", "id", id, "path", path)
		} else {
			r.logger.Warnw("Content lookup failed", "id", id, "path", path, "error", err)
		}
		return "", false
	}
	return link, true
}

func (r *HTTPResolver) fetch(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build content request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := r.http.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.ErrServiceUnavailable, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", errors.NewNotFoundError("content %s", endpoint)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", errors.Newf("content api returned status %d", resp.StatusCode)
	}

	var out entity
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return "", errors.Wrap(err, "failed to decode content")
	}
	if out.Link == "" {
		return "", errors.NewNotFoundError("content has no link")
	}
	r.logger.Debugw("Content resolved", logger.FieldURL, out.Link)
	return out.Link, nil
}
