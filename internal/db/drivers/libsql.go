package drivers

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

// LibSQLDriver talks to a remote libSQL/Turso database, e.g.
// libsql://my-db.turso.io?authToken=...
type LibSQLDriver struct {
	db *bun.DB
}

func NewLibSQLDriver(ctx context.Context, dsn string) (*LibSQLDriver, error) {
	sqldb, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, err
	}

	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to connect to libsql: %w", err)
	}

	return &LibSQLDriver{db: bun.NewDB(sqldb, sqlitedialect.New())}, nil
}

func (d *LibSQLDriver) GetDB() *bun.DB {
	return d.db
}

func (d *LibSQLDriver) Close() error {
	return d.db.Close()
}
