package db

import (
	"context"
	"fmt"

	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/internal/db/drivers"

	"github.com/uptrace/bun/extra/bundebug"
)

func NewConnection(ctx context.Context, cfg *config.Config) (drivers.Driver, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database config is not set")
	}

	var (
		driver drivers.Driver
		err    error
	)
	switch cfg.DB.Driver {
	case config.DBDriverSQLite:
		driver, err = drivers.NewSQLiteDriver(ctx, cfg.DB.DSN)
	case config.DBDriverPG:
		driver, err = drivers.NewPGDriver(ctx, cfg.DB.DSN)
	case config.DBDriverLibSQL:
		driver, err = drivers.NewLibSQLDriver(ctx, cfg.DB.DSN)
	default:
		return nil, fmt.Errorf("invalid database driver: %s", cfg.DB.Driver)
	}
	if err != nil {
		return nil, err
	}

	driver.GetDB().AddQueryHook(bundebug.NewQueryHook(
		bundebug.WithEnabled(cfg.DB.Debug),
		bundebug.WithVerbose(cfg.DB.Debug),
		bundebug.FromEnv("BUNDEBUG"),
	))

	return driver, nil
}
