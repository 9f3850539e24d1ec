package cmd

import (
	"context"
	"fmt"

	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/internal/db"
	"github.com/cozy-creator/classifier-server/internal/db/migrations"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun/migrate"
)

var Cmd = &cobra.Command{
	Use:   "db",
	Short: "Utility for database management",
}

var migrationCmd = &cobra.Command{
	Use:   "migration",
	Short: "Apply and inspect the predictions schema migrations",
}

func init() {
	migrationCmd.AddCommand(
		&cobra.Command{Use: "init", Short: "Create the migration bookkeeping tables", RunE: withMigrator(initMigrations)},
		&cobra.Command{Use: "migrate", Short: "Apply pending migrations", RunE: withMigrator(applyMigrations)},
		&cobra.Command{Use: "rollback", Short: "Roll back the last migration group", RunE: withMigrator(rollbackMigrations)},
		&cobra.Command{Use: "lock", Short: "Take the migration lock", RunE: withMigrator(lockMigrations)},
		&cobra.Command{Use: "unlock", Short: "Release the migration lock", RunE: withMigrator(unlockMigrations)},
		&cobra.Command{Use: "status", Short: "Show applied and pending migrations", RunE: withMigrator(migrationStatus)},
		&cobra.Command{Use: "mark-applied", Short: "Record pending migrations as applied without running them", RunE: withMigrator(markApplied)},
	)
	Cmd.AddCommand(migrationCmd)
}

type migratorFunc func(ctx context.Context, migrator *migrate.Migrator) error

// withMigrator opens the configured database for the duration of one
// subcommand.
func withMigrator(f migratorFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.GetConfig()
		if err != nil {
			return err
		}

		driver, err := db.NewConnection(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer driver.Close()

		return f(cmd.Context(), migrate.NewMigrator(driver.GetDB(), migrations.Migrations))
	}
}

// locked runs f while holding the migration lock.
func locked(ctx context.Context, migrator *migrate.Migrator, f func() error) error {
	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}
	defer migrator.Unlock(ctx) //nolint:errcheck

	return f()
}

func initMigrations(ctx context.Context, migrator *migrate.Migrator) error {
	if err := migrator.Init(ctx); err != nil {
		return err
	}

	fmt.Println("migration tables ready")
	return nil
}

func applyMigrations(ctx context.Context, migrator *migrate.Migrator) error {
	if err := migrator.Init(ctx); err != nil {
		return err
	}

	return locked(ctx, migrator, func() error {
		group, err := migrator.Migrate(ctx)
		if err != nil {
			return err
		}

		if group.IsZero() {
			fmt.Println("database is up to date")
		} else {
			fmt.Printf("applied %s\n", group)
		}
		return nil
	})
}

func rollbackMigrations(ctx context.Context, migrator *migrate.Migrator) error {
	return locked(ctx, migrator, func() error {
		group, err := migrator.Rollback(ctx)
		if err != nil {
			return err
		}

		if group.IsZero() {
			fmt.Println("nothing to roll back")
		} else {
			fmt.Printf("rolled back %s\n", group)
		}
		return nil
	})
}

func lockMigrations(ctx context.Context, migrator *migrate.Migrator) error {
	if err := migrator.Lock(ctx); err != nil {
		return err
	}

	fmt.Println("migrations locked")
	return nil
}

func unlockMigrations(ctx context.Context, migrator *migrate.Migrator) error {
	if err := migrator.Unlock(ctx); err != nil {
		return err
	}

	fmt.Println("migrations unlocked")
	return nil
}

func migrationStatus(ctx context.Context, migrator *migrate.Migrator) error {
	all, err := migrator.MigrationsWithStatus(ctx)
	if err != nil {
		return err
	}

	for _, m := range all {
		state := "pending"
		if m.IsApplied() {
			state = fmt.Sprintf("applied (group %d)", m.GroupID)
		}
		fmt.Printf("%-40s %s\n", m.Name, state)
	}
	fmt.Printf("%d pending, last group: %s\n", len(all.Unapplied()), all.LastGroup())
	return nil
}

func markApplied(ctx context.Context, migrator *migrate.Migrator) error {
	group, err := migrator.Migrate(ctx, migrate.WithNopMigration())
	if err != nil {
		return err
	}

	if group.IsZero() {
		fmt.Println("no pending migrations to mark")
	} else {
		fmt.Printf("marked %s as applied\n", group)
	}
	return nil
}
