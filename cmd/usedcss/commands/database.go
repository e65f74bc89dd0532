package commands

import (
	"database/sql"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/db"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
)

// openDatabase opens and migrates the database at dbPath, or at the
// configured path when dbPath is empty.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		dbPath = path
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}
