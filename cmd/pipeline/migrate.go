package main

import (
	"context"
	"database/sql"
	"fmt"

	flag "github.com/spf13/pflag"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/config"
	"github.com/langgraphsystem/rssnews/internal/database"
)

// runMigrate applies, rolls back, or reports on the embedded migration set
// against cfg.Database.DSN. The default subcommand is "up".
func runMigrate(ctx context.Context, cfg *config.Config, log *logrus.Entry, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	sub := "up"
	if rest := fs.Args(); len(rest) > 0 {
		sub = rest[0]
	}

	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	switch sub {
	case "up":
		return database.Migrate(ctx, db)
	case "down":
		return database.MigrateDown(ctx, db)
	case "status":
		return database.Status(ctx, db)
	default:
		return fmt.Errorf("unknown migrate subcommand: %s", sub)
	}
}
