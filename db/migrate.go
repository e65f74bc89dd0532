package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migration is one embedded schema file and whether it has been applied.
type Migration struct {
	Version  string
	Filename string
	Applied  bool
}

// Migrations lists the embedded migrations in apply order, marking the ones
// already recorded in schema_migrations.
func Migrations(db *sql.DB) ([]Migration, error) {
	files, err := migrationFiles()
	if err != nil {
		return nil, err
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(files))
	for _, f := range files {
		v := versionOf(f)
		out = append(out, Migration{Version: v, Filename: f, Applied: applied[v]})
	}
	return out, nil
}

// Migrate runs all pending migrations, each in its own transaction.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	pending, err := Migrations(db)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range pending {
		if m.Applied {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", m.Filename)
			}
			continue
		}

		sqlBytes, err := migrations.ReadFile(path.Join(migrationsDir, m.Filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", m.Filename)
		}

		if logger != nil {
			logger.Infow("Applying migration", "migration", m.Filename, "version", m.Version)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", m.Filename)
		}
		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", m.Filename)
		}
		// 000 creates schema_migrations, then records itself like the rest
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", m.Filename)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", m.Filename)
		}
		applied++
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"symbol", sym.DB,
			"total_migrations", len(pending),
			"applied", applied,
		)
	}
	return nil
}

func migrationFiles() ([]string, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func versionOf(filename string) string {
	return strings.SplitN(filename, "_", 2)[0]
}

// appliedVersions returns an empty set on a fresh database where
// schema_migrations does not exist yet.
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	var tables int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`).Scan(&tables)
	if err != nil {
		return nil, errors.Wrap(err, "check schema_migrations")
	}
	applied := map[string]bool{}
	if tables == 0 {
		return applied, nil
	}

	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "query schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
