package db

import (
	"strings"

	"github.com/teranos/usedcss/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically when the runner is still draining during shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is gone.
// The sqlite driver returns its own error values, so the message is checked too.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
