package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"gitlab.com/gitlab-org/shapesync/internal/config"
	"gitlab.com/gitlab-org/shapesync/internal/glsql"
	"gitlab.com/gitlab-org/shapesync/internal/glsql/migrations"
)

const (
	sqlMigrateCmdName = "sql-migrate"
	timeFmt           = "2006-01-02T15:04:05"
)

type sqlMigrateSubcommand struct {
	w             io.Writer
	ignoreUnknown bool
}

func newSQLMigrateSubCommand(writer io.Writer) *sqlMigrateSubcommand {
	return &sqlMigrateSubcommand{w: writer}
}

func (cmd *sqlMigrateSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet(sqlMigrateCmdName, flag.ExitOnError)
	flags.BoolVar(&cmd.ignoreUnknown, "ignore-unknown", true, "ignore unknown migrations (default is true)")
	return flags
}

func (cmd *sqlMigrateSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	const subCmd = progname + " " + sqlMigrateCmdName

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := glsql.OpenDB(ctx, conf.DB)
	if err != nil {
		return fmt.Errorf("sql open: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			printfErr("sql close: %v\n", err)
		}
	}()

	migrationSet := migrate.MigrationSet{
		IgnoreUnknown: cmd.ignoreUnknown,
		TableName:     migrations.MigrationTableName,
	}

	planSource := &migrate.MemoryMigrationSource{
		Migrations: migrations.All(),
	}

	// Find all migrations that are currently down.
	planMigrations, _, err := migrationSet.PlanMigration(db, "postgres", planSource, migrate.Up, 0)
	if err != nil {
		return fmt.Errorf("%s: plan migrations: %w", subCmd, err)
	}

	if len(planMigrations) == 0 {
		fmt.Fprintf(cmd.w, "%s: all migrations are up\n", subCmd)
		return nil
	}
	fmt.Fprintf(cmd.w, "%s: migrations to apply: %d\n\n", subCmd, len(planMigrations))

	for _, mig := range planMigrations {
		fmt.Fprintf(cmd.w, "=  %s %v: pending\n", time.Now().Format(timeFmt), mig.Id)
	}

	start := time.Now()
	executed, err := glsql.Migrate(db, cmd.ignoreUnknown)
	if err != nil {
		return fmt.Errorf("%s: fail: %v", time.Now().Format(timeFmt), err)
	}

	fmt.Fprintf(cmd.w, "\n%s: OK (applied %d migrations in %s)\n", subCmd, executed, time.Since(start))
	return nil
}
