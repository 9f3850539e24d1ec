// Package dbtest opens throwaway in-memory databases for tests.
package dbtest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cozy-creator/classifier-server/internal/db/drivers"
	"github.com/cozy-creator/classifier-server/internal/db/migrations"

	"github.com/uptrace/bun"
)

var counter atomic.Int64

// Open returns a migrated in-memory SQLite database that is closed when the
// test ends. Every call gets its own database.
func Open(t testing.TB) *bun.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, counter.Add(1))

	ctx := context.Background()
	driver, err := drivers.NewSQLiteDriver(ctx, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { driver.Close() })

	db := driver.GetDB()
	if err := migrations.CreateTables(ctx, db); err != nil {
		t.Fatalf("create tables: %v", err)
	}

	return db
}
