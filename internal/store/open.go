package store

import (
	"context"
	"fmt"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Open selects a backend by driver name. path is used by sqlite, dsn by
// postgres.
func Open(ctx context.Context, driver, path, dsn string, opts ...Option) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(path, opts...)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn, opts...)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
