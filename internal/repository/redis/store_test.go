package redis

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menu-planning/retryd/internal/repository"
	"github.com/menu-planning/retryd/internal/repository/storetest"
	"github.com/menu-planning/retryd/internal/testinfra"
)

func TestStore(t *testing.T) {
	client := testinfra.Redis(t)

	storetest.Run(t, func(*testing.T) repository.RetryStore {
		return NewStore(client, "test:"+uuid.NewString()+":")
	})
}

func TestStore_PrefixesAreIsolated(t *testing.T) {
	client := testinfra.Redis(t)
	ctx := context.Background()

	a := NewStore(client, "a:")
	b := NewStore(client, "b:")

	require.NoError(t, a.Put(ctx, storetest.Record("wh1")))
	require.NoError(t, a.Enqueue(ctx, "wh1"))

	records, err := b.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	ids, err := b.QueuedIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
