package rbqpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Connect opens a single dedicated connection, outside the pool, for a
// LISTEN session: Postgres only delivers notifications to the connection
// that issued the matching LISTEN, so a pooled connection (which pgxpool
// may hand back to a different caller between statements) cannot be used
// here.
func Connect(ctx context.Context, params ConnParams) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, params.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if _, err := conn.Exec(ctx, "select pg_catalog.set_config('search_path', '', false)"); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("setting secure search path: %w", err)
	}

	return conn, nil
}

// EscapeIdentifier quotes ident for safe interpolation into a LISTEN
// statement, which (unlike the stored-procedure calls) Postgres does not
// let us parameterize.
func EscapeIdentifier(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}
