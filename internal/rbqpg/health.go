package rbqpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthCheck pings pool and returns nil if the database is reachable.
// queue's main loop calls this once at startup so a misconfigured
// connection fails fast instead of surfacing as the first failed
// notification wait.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool) error {
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}
