package usedcss

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/usedcss/db"
	"github.com/teranos/usedcss/errors"
)

// NonceStore issues single-use tokens bound to an action and a principal
type NonceStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewNonceStore creates a nonce store
func NewNonceStore(db *sql.DB) *NonceStore {
	return &NonceStore{db: db, now: time.Now}
}

// Issue creates a token valid for ttl
func (s *NonceStore) Issue(ctx context.Context, action, principal string, ttl time.Duration) (string, error) {
	if action == "" || principal == "" {
		return "", errors.NewInvalidRequestError("nonce needs an action and a principal")
	}
	now := s.now()
	token := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nonces (token, action, principal, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		token, action, principal, db.FormatTime(now.Add(ttl)), db.FormatTime(now))
	if err != nil {
		return "", errors.Wrapf(err, "failed to issue nonce for %s", action)
	}
	return token, nil
}

// Consume spends a token. It reports true only the first time a live token
// issued for exactly (action, principal) is presented.
func (s *NonceStore) Consume(ctx context.Context, action, principal, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM nonces WHERE token = ? AND action = ? AND principal = ? AND expires_at > ?`,
		token, action, principal, db.FormatTime(s.now()))
	if err != nil {
		return false, errors.Wrapf(err, "failed to consume nonce for %s", action)
	}
	return affectedOne(res)
}

// PurgeExpired deletes tokens past their expiry
func (s *NonceStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at <= ?`, db.FormatTime(s.now()))
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge expired nonces")
	}
	return res.RowsAffected()
}
