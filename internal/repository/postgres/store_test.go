package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/menu-planning/retryd/internal/repository"
	"github.com/menu-planning/retryd/internal/repository/storetest"
	"github.com/menu-planning/retryd/internal/testinfra"
)

func TestStore(t *testing.T) {
	pool := testinfra.Postgres(t)
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "migrations must be re-runnable")

	storetest.Run(t, func(t *testing.T) repository.RetryStore {
		_, err := pool.Exec(ctx, `TRUNCATE retry_claims, retry_queue, retry_attempts, retry_records`)
		require.NoError(t, err)
		return NewStore(pool)
	})
}
