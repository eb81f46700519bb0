package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linnemanlabs/go-core/health"
)

// ReadinessProbe fails while pool cannot reach the database. Each check is
// bounded by timeout.
func ReadinessProbe(pool *pgxpool.Pool, timeout time.Duration) health.CheckFunc {
	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		return nil
	}
}
