package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmehdipour/txbus/internal/config"
	"github.com/jmehdipour/txbus/internal/db"
	"github.com/jmehdipour/txbus/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var skipClickHouse bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the MySQL and ClickHouse schema (idempotent)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := cmd.Context()

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.OptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		defer sqlDB.Close()

		if err := execStatements(ctx, sqlDB, migrations.MySQL); err != nil {
			return fmt.Errorf("mysql migration: %w", err)
		}
		fmt.Println(">> MySQL migration complete")

		if skipClickHouse {
			return nil
		}
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.OptsFrom(cfg.ClickHouse))
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		defer chDB.Close()

		if err := execStatements(ctx, chDB, migrations.ClickHouse); err != nil {
			return fmt.Errorf("clickhouse migration: %w", err)
		}
		fmt.Println(">> ClickHouse migration complete")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&skipClickHouse, "skip-clickhouse", false, "only migrate MySQL")
}

// execStatements runs a script one statement at a time; the ClickHouse
// driver rejects multi-statement queries.
func execStatements(ctx context.Context, dbx *sqlx.DB, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err := dbx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %.60q: %w", stmt, err)
		}
	}
	return nil
}
