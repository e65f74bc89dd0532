package usedcss

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/usedcss/db"
	"github.com/teranos/usedcss/errors"
)

// ResourceKind is the type of a tracked asset
type ResourceKind string

const (
	ResourceCSS ResourceKind = "css"
	ResourceJS  ResourceKind = "js"
)

// Resource is an external stylesheet or script fetched while building used CSS
type Resource struct {
	ID           int64
	URL          string
	Kind         ResourceKind
	ContentHash  string
	CreatedAt    time.Time
	LastAccessed time.Time
}

// ResourceStore tracks resources so unused ones can be swept
type ResourceStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewResourceStore creates a resource store
func NewResourceStore(db *sql.DB) *ResourceStore {
	return &ResourceStore{db: db, now: time.Now}
}

// Upsert records a resource, refreshing its hash and last access time
func (s *ResourceStore) Upsert(ctx context.Context, r Resource) error {
	if r.URL == "" {
		return errors.NewInvalidRequestError("resource needs a url")
	}
	if r.Kind == "" {
		r.Kind = ResourceCSS
	}
	if r.Kind != ResourceCSS && r.Kind != ResourceJS {
		return errors.NewInvalidRequestError("unknown resource kind %q", string(r.Kind))
	}

	ts := db.FormatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO used_css_resources (url, kind, content_hash, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			kind = excluded.kind,
			content_hash = excluded.content_hash,
			last_accessed = excluded.last_accessed`,
		r.URL, string(r.Kind), r.ContentHash, ts, ts)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert resource %s", r.URL)
	}
	return nil
}

// Get retrieves a resource by url
func (s *ResourceStore) Get(ctx context.Context, url string) (*Resource, error) {
	var r Resource
	var kind, createdAt, lastAccessed string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, url, kind, content_hash, created_at, last_accessed FROM used_css_resources WHERE url = ?`, url).
		Scan(&r.ID, &r.URL, &kind, &r.ContentHash, &createdAt, &lastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("resource %s", url)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get resource %s", url)
	}
	r.Kind = ResourceKind(kind)
	if r.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if r.LastAccessed, err = db.ParseTime(lastAccessed); err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteStale removes resources not accessed within olderThan
func (s *ResourceStore) DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM used_css_resources WHERE last_accessed < ?`,
		db.FormatTime(s.now().Add(-olderThan)))
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete stale resources")
	}
	return res.RowsAffected()
}

// Truncate removes every resource
func (s *ResourceStore) Truncate(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM used_css_resources`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to truncate resources")
	}
	return res.RowsAffected()
}
