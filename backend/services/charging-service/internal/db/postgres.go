package db

import (
	"context"
	"database/sql"

	libdb "chargeflow/backend/libs/db"
)

// NewPostgres opens the service database pool.
func NewPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	return libdb.NewPostgresDB(ctx, dsn, libdb.PoolOptions{})
}
