package queue

import (
	"context"
	"fmt"

	"background-tasks/internal/db"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Open connects the named driver and, when migrate is set, creates the schema.
func Open(ctx context.Context, driver, dsn string, migrate bool) (Store, error) {
	switch driver {
	case DriverPostgres, "":
		if dsn == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		pool, err := db.NewPool(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := db.MigratePostgres(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return NewPgStore(pool), nil
	case DriverSQLite:
		conn, err := db.OpenSQLite(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := db.MigrateSQLite(ctx, conn); err != nil {
				conn.Close()
				return nil, err
			}
		}
		return NewSQLStore(conn), nil
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
}
