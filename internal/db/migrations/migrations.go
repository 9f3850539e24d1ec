package migrations

import (
	"context"
	"fmt"

	"github.com/cozy-creator/classifier-server/internal/db/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

var Migrations = migrate.NewMigrations()

// CreateTables creates every table and index the server needs. It is
// idempotent and runs both from the first migration and at server start.
func CreateTables(ctx context.Context, db bun.IDB) error {
	if _, err := db.NewCreateTable().
		Model((*models.Prediction)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create predictions table: %w", err)
	}

	if _, err := db.NewCreateIndex().
		Model((*models.Prediction)(nil)).
		Index("predictions_created_at_idx").
		Column("created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create predictions index: %w", err)
	}

	return nil
}

func DropTables(ctx context.Context, db bun.IDB) error {
	_, err := db.NewDropTable().Model((*models.Prediction)(nil)).IfExists().Exec(ctx)
	return err
}
