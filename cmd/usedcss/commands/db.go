package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/usedcss/am"
	"github.com/teranos/usedcss/db"
	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/logger"
	"github.com/teranos/usedcss/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the database",
	Long: sym.DB + ` db — Manage the database

Examples:
  usedcss db status    # Show applied and pending migrations
  usedcss db migrate   # Apply pending migrations`,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE:  runDbStatus,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

func init() {
	DbCmd.AddCommand(dbStatusCmd)
	DbCmd.AddCommand(dbMigrateCmd)
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	path, err := am.GetDatabasePath()
	if err != nil {
		return errors.Wrap(err, "failed to get database path")
	}
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	migrations, err := db.Migrations(database)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Database: %s\n\n", sym.DB, path)
	data := pterm.TableData{{"Version", "File", "Applied"}}
	pending := 0
	for _, m := range migrations {
		applied := "yes"
		if !m.Applied {
			applied = "no"
			pending++
		}
		data = append(data, []string{m.Version, m.Filename, applied})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if pending > 0 {
		pterm.Warning.Printf("%d pending migration(s); run `usedcss db migrate`\n", pending)
	}
	return nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()
	pterm.Success.Println("Database is up to date")
	return nil
}
