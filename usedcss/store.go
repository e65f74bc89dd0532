package usedcss

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/usedcss/db"
	"github.com/teranos/usedcss/errors"
)

// Store handles persistence of used-CSS records
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new record store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Get retrieves a record by id
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM used_css WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("used css record %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get used css record %d", id)
	}
	return r, nil
}

// GetByURL retrieves the record for a page
func (s *Store) GetByURL(ctx context.Context, pageURL string, isMobile bool) (*Record, error) {
	pageURL = CanonicalURL(pageURL)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM used_css WHERE url = ? AND is_mobile = ?`,
		pageURL, boolInt(isMobile))
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("used css record for %s", pageURL)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get used css record for %s", pageURL)
	}
	return r, nil
}

// normalize enforces the handle and css invariants on a record about to be written
func normalize(r *Record) {
	r.URL = CanonicalURL(r.URL)
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.Status != StatusQueued {
		r.JobID, r.QueueName = "", ""
	}
	if r.Status != StatusCompleted {
		r.CSS = ""
	}
	r.Hash = ""
	if r.CSS != "" {
		r.Hash = HashCSS(r.CSS)
	}
}

// Save creates or updates the record for (URL, IsMobile). An existing record
// keeps its id and created_at.
func (s *Store) Save(ctx context.Context, r Record) (*Record, error) {
	normalize(&r)
	if r.URL == "" {
		return nil, errors.NewInvalidRequestError("used css record needs a url")
	}
	if r.Retries < 0 {
		return nil, errors.NewInvalidRequestError("retries cannot be negative, got %d", r.Retries)
	}

	ts := db.FormatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO used_css (url, is_mobile, status, job_id, queue_name, css, hash, retries,
			created_at, updated_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url, is_mobile) DO UPDATE SET
			status = excluded.status,
			job_id = excluded.job_id,
			queue_name = excluded.queue_name,
			css = excluded.css,
			hash = excluded.hash,
			retries = excluded.retries,
			updated_at = excluded.updated_at,
			last_accessed = excluded.last_accessed`,
		r.URL, boolInt(r.IsMobile), string(r.Status), r.JobID, r.QueueName, nullString(r.CSS), r.Hash, r.Retries,
		ts, ts, ts)
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to save used css record"),
			fmt.Sprintf("URL: %s", r.URL))
	}
	return s.GetByURL(ctx, r.URL, r.IsMobile)
}

// Queue records a newly submitted job for a page: status queued, the job
// handles set, retries reset and any previous css dropped.
func (s *Store) Queue(ctx context.Context, pageURL string, isMobile bool, jobID, queueName string) (*Record, error) {
	if jobID == "" {
		return nil, errors.NewInvalidRequestError("queued record needs a job id")
	}
	return s.Save(ctx, Record{
		URL:       pageURL,
		IsMobile:  isMobile,
		Status:    StatusQueued,
		JobID:     jobID,
		QueueName: queueName,
	})
}

// Complete stores the css for a queued record and clears its handles. It
// only applies while the record is still queued under jobID, so a duplicate
// poll of the same job reports false instead of completing twice.
func (s *Store) Complete(ctx context.Context, id int64, jobID, css string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE used_css
		SET status = 'completed', css = ?, hash = ?, job_id = '', queue_name = '', updated_at = ?
		WHERE id = ? AND status = 'queued' AND job_id = ?`,
		css, HashCSS(css), db.FormatTime(s.now()), id, jobID)
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to complete used css record"),
			fmt.Sprintf("Record ID: %d", id))
	}
	return affectedOne(res)
}

// IncrementRetries sets retries to observed+1 if the record is still queued
// with retries == observed. Returns false when another worker got there first.
func (s *Store) IncrementRetries(ctx context.Context, id int64, observed int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE used_css SET retries = ?, updated_at = ?
		WHERE id = ? AND retries = ? AND status = 'queued'`,
		observed+1, db.FormatTime(s.now()), id, observed)
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to increment retries"),
			fmt.Sprintf("Record ID: %d", id))
	}
	return affectedOne(res)
}

// Escalate marks a queued record failed with the given final retry count and
// clears its handles, under the same compare-and-set rule as IncrementRetries.
func (s *Store) Escalate(ctx context.Context, id int64, observed, retries int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE used_css
		SET status = 'failed', retries = ?, job_id = '', queue_name = '', css = NULL, hash = '', updated_at = ?
		WHERE id = ? AND retries = ? AND status = 'queued'`,
		retries, db.FormatTime(s.now()), id, observed)
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to mark used css record failed"),
			fmt.Sprintf("Record ID: %d", id))
	}
	return affectedOne(res)
}

// Touch records that the page's css was served
func (s *Store) Touch(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE used_css SET last_accessed = ? WHERE id = ?`,
		db.FormatTime(s.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to touch used css record %d", id)
	}
	return nil
}

// Delete removes a record by id. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM used_css WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete used css record %d", id)
	}
	return nil
}

// DeleteByURL removes every record (desktop and mobile) for a page
func (s *Store) DeleteByURL(ctx context.Context, pageURL string) (int64, error) {
	pageURL = CanonicalURL(pageURL)
	res, err := s.db.ExecContext(ctx, `DELETE FROM used_css WHERE url = ?`, pageURL)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete used css for %s", pageURL)
	}
	return res.RowsAffected()
}

// Truncate removes every record. Ids keep counting up afterwards, so a
// status check still scheduled for a dropped record never reaches a new one.
func (s *Store) Truncate(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM used_css`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to truncate used css")
	}
	return res.RowsAffected()
}

// DeleteStale removes completed and failed records not accessed within olderThan
func (s *Store) DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := db.FormatTime(s.now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM used_css
		WHERE status IN ('completed', 'failed') AND last_accessed < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete stale used css")
	}
	return res.RowsAffected()
}

// ListByStatus returns records in status, oldest id first. limit <= 0 returns all.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM used_css WHERE status = ? ORDER BY id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s used css records", status)
	}
	return scanRecords(rows)
}

// List returns records ordered by id, optionally filtered by status
func (s *Store) List(ctx context.Context, status Status, limit, offset int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM used_css`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id ASC LIMIT ? OFFSET ?`
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list used css records")
	}
	return scanRecords(rows)
}

// Count returns the number of records per status
func (s *Store) Count(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM used_css GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count used css records")
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan used css count")
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n == 1, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func hashOrEmpty(css string) string {
	if css == "" {
		return ""
	}
	return HashCSS(css)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
