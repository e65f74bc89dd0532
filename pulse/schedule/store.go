package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/usedcss/db"
	"github.com/teranos/usedcss/errors"
)

// Store handles persistence of scheduled actions
type Store struct {
	db *sql.DB
}

// NewStore creates a new action store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const actionColumns = `id, hook, args, group_name, run_at,
	recurrence_kind, recurrence_interval_seconds, recurrence_cron, recurrence_active,
	status, claim_id, attempts, last_error, created_at, modified_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*Action, error) {
	var a Action
	var args, runAt, kind, status, createdAt, modifiedAt string
	var intervalSeconds int64
	var active int
	var lastError sql.NullString

	err := row.Scan(
		&a.ID, &a.Hook, &args, &a.Group, &runAt,
		&kind, &intervalSeconds, &a.Recurrence.Cron, &active,
		&status, &a.ClaimID, &a.Attempts, &lastError, &createdAt, &modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	if a.Args, err = DecodeArgs(args); err != nil {
		return nil, err
	}
	if a.RunAt, err = db.ParseTime(runAt); err != nil {
		return nil, errors.Wrapf(err, "run_at for action %s", a.ID)
	}
	if a.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "created_at for action %s", a.ID)
	}
	if a.ModifiedAt, err = db.ParseTime(modifiedAt); err != nil {
		return nil, errors.Wrapf(err, "modified_at for action %s", a.ID)
	}
	a.Recurrence.Kind = RecurrenceKind(kind)
	a.Recurrence.Interval = time.Duration(intervalSeconds) * time.Second
	a.RecurrenceActive = active == 1
	a.Status = Status(status)
	if lastError.Valid {
		a.LastError = lastError.String
	}
	return &a, nil
}

func scanActions(rows *sql.Rows) ([]*Action, error) {
	defer rows.Close()
	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan action")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// insertArgs returns the values for actionColumns in order.
func insertArgs(a *Action) ([]any, error) {
	args, err := EncodeArgs(a.Args)
	if err != nil {
		return nil, err
	}
	var lastError any
	if a.LastError != "" {
		lastError = a.LastError
	}
	return []any{
		a.ID, a.Hook, args, a.Group, db.FormatTime(a.RunAt),
		string(a.Recurrence.kind()), int64(a.Recurrence.Interval / time.Second), a.Recurrence.Cron, boolInt(a.RecurrenceActive),
		string(a.Status), a.ClaimID, a.Attempts, lastError, db.FormatTime(a.CreatedAt), db.FormatTime(a.ModifiedAt),
	}, nil
}

// Insert stores a new action unconditionally
func (s *Store) Insert(ctx context.Context, a *Action) error {
	values, err := insertArgs(a)
	if err != nil {
		return err
	}
	query := `INSERT INTO scheduled_actions (` + actionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to insert scheduled action"),
			fmt.Sprintf("Hook: %s", a.Hook))
	}
	return nil
}

// insertUnlessPending is the conditional insert behind recurring dedup: the
// row is written only when no pending action has the same (hook, args).
const insertUnlessPending = `INSERT INTO scheduled_actions (` + actionColumns + `)
	SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
	WHERE NOT EXISTS (
		SELECT 1 FROM scheduled_actions WHERE hook = ? AND args = ? AND status = 'pending'
	)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertIfAbsent(ctx context.Context, ex execer, a *Action) (bool, error) {
	values, err := insertArgs(a)
	if err != nil {
		return false, err
	}
	values = append(values, a.Hook, values[2])
	res, err := ex.ExecContext(ctx, insertUnlessPending, values...)
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to insert scheduled action"),
			fmt.Sprintf("Hook: %s", a.Hook))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n == 1, nil
}

// InsertUnlessPending stores a only if no pending action shares its
// (hook, args). Returns false when an existing action was found.
func (s *Store) InsertUnlessPending(ctx context.Context, a *Action) (bool, error) {
	return insertIfAbsent(ctx, s.db, a)
}

// Get retrieves an action by ID
func (s *Store) Get(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM scheduled_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("scheduled action %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get scheduled action %s", id)
	}
	return a, nil
}

// HasPending reports whether a pending action exists for (hook, args)
func (s *Store) HasPending(ctx context.Context, hook string, args []any) (bool, error) {
	encoded, err := EncodeArgs(args)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM scheduled_actions WHERE hook = ? AND args = ? AND status = 'pending')`,
		hook, encoded).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check pending action for hook %s", hook)
	}
	return exists, nil
}

// NextRunAt returns the earliest pending run_at for (hook, args), or nil.
func (s *Store) NextRunAt(ctx context.Context, hook string, args []any) (*time.Time, error) {
	encoded, err := EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	var runAt sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(run_at) FROM scheduled_actions WHERE hook = ? AND args = ? AND status = 'pending'`,
		hook, encoded).Scan(&runAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get next run for hook %s", hook)
	}
	if !runAt.Valid {
		return nil, nil
	}
	t, err := db.ParseTime(runAt.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Cancel cancels pending occurrences of (hook, args) and clears the
// recurrence flag on every live row of that identity, so a running
// occurrence will not re-arm. With all=false only the earliest pending
// occurrence is canceled. Returns the number of canceled rows.
func (s *Store) Cancel(ctx context.Context, hook string, args []any, all bool, now time.Time) (int64, error) {
	encoded, err := EncodeArgs(args)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin cancel transaction")
	}
	defer tx.Rollback()

	ts := db.FormatTime(now)
	if _, err := tx.ExecContext(ctx,
		`UPDATE scheduled_actions SET recurrence_active = 0, modified_at = ?
		 WHERE hook = ? AND args = ? AND status IN ('pending', 'running')`,
		ts, hook, encoded); err != nil {
		return 0, errors.Wrapf(err, "failed to stop recurrence for hook %s", hook)
	}

	query := `UPDATE scheduled_actions SET status = 'canceled', modified_at = ?
		WHERE hook = ? AND args = ? AND status = 'pending'`
	if !all {
		query = `UPDATE scheduled_actions SET status = 'canceled', modified_at = ?
			WHERE id = (
				SELECT id FROM scheduled_actions
				WHERE hook = ? AND args = ? AND status = 'pending'
				ORDER BY run_at ASC LIMIT 1
			)`
	}
	res, err := tx.ExecContext(ctx, query, ts, hook, encoded)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to cancel actions for hook %s", hook)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit cancel")
	}
	return n, nil
}

// ClaimDue atomically marks up to limit due pending actions as running under
// claimID and returns them, oldest run_at first.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, claimID string) ([]*Action, error) {
	ts := db.FormatTime(now)
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_actions
		SET status = 'running', claim_id = ?, attempts = attempts + 1, modified_at = ?
		WHERE status = 'pending' AND id IN (
			SELECT id FROM scheduled_actions
			WHERE status = 'pending' AND run_at <= ?
			ORDER BY run_at ASC
			LIMIT ?
		)`, claimID, ts, ts, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim due actions")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions
		 WHERE claim_id = ? AND status = 'running'
		 ORDER BY run_at ASC`, claimID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load claimed actions")
	}
	return scanActions(rows)
}

// Finish records the outcome of a claimed action and, for a recurring action
// whose chain is still active, arms the next occurrence. Both happen in one
// transaction so a concurrent Cancel either sees the new row or stops it.
// Returns the armed occurrence, or nil.
func (s *Store) Finish(ctx context.Context, a *Action, runErr error, now time.Time) (*Action, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin finish transaction")
	}
	defer tx.Rollback()

	status, lastError := StatusComplete, any(nil)
	if runErr != nil {
		status, lastError = StatusFailed, runErr.Error()
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE scheduled_actions SET status = ?, last_error = ?, modified_at = ?
		 WHERE id = ? AND claim_id = ? AND status = 'running'`,
		string(status), lastError, db.FormatTime(now), a.ID, a.ClaimID)
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to finish action"),
			fmt.Sprintf("Action ID: %s", a.ID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		// released as an orphan or canceled while running
		return nil, errors.WithDetail(errors.Wrap(errors.ErrConflict, "action no longer claimed"),
			fmt.Sprintf("Action ID: %s", a.ID))
	}

	var next *Action
	if a.Recurrence.IsRecurring() {
		var active bool
		if err := tx.QueryRowContext(ctx,
			`SELECT recurrence_active FROM scheduled_actions WHERE id = ?`, a.ID).Scan(&active); err != nil {
			return nil, errors.Wrapf(err, "failed to read recurrence flag for %s", a.ID)
		}
		if active {
			runAt, err := a.Recurrence.Next(now)
			if err != nil {
				return nil, err
			}
			candidate := newAction(a.Hook, a.Args, a.Group, runAt, a.Recurrence, now)
			armed, err := insertIfAbsent(ctx, tx, candidate)
			if err != nil {
				return nil, err
			}
			if armed {
				next = candidate
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit finish")
	}
	return next, nil
}

// ReleaseOrphans puts actions left running by a previous process back to
// pending so they run again. Returns how many were released.
func (s *Store) ReleaseOrphans(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions SET status = 'pending', claim_id = '', modified_at = ?
		 WHERE status = 'running'`, db.FormatTime(now))
	if err != nil {
		return 0, errors.Wrap(err, "failed to release orphaned actions")
	}
	return res.RowsAffected()
}

// PurgeFinished deletes complete, failed and canceled actions last modified before cutoff
func (s *Store) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_actions
		 WHERE status IN ('complete', 'failed', 'canceled') AND modified_at < ?`,
		db.FormatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge finished actions")
	}
	return res.RowsAffected()
}

// CountByStatus returns the number of actions per status
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_actions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count actions")
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan action count")
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
