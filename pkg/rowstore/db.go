// Package rowstore provides the thin adapter over the remote row/realtime
// database that every domain store builds on: a narrow DBTX interface so
// stores can run against either the shared pool or a single transaction,
// plus a change-feed poller for tables that need realtime fan-out.
package rowstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the minimal surface every store depends on. *pgxpool.Pool and pgx.Tx
// both satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}
