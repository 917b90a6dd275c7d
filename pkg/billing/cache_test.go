package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingLookup counts calls reaching the wrapped lookup
type countingLookup struct {
	*MemoryService
	calls int
}

func (c *countingLookup) GetAccountByKey(ctx context.Context, key string) (*Account, error) {
	c.calls++
	return c.MemoryService.GetAccountByKey(ctx, key)
}

func TestCachedAccountLookup(t *testing.T) {
	ctx := context.Background()
	backing := &countingLookup{MemoryService: NewMemoryService()}
	account := &Account{ExternalKey: "a1", Currency: "USD"}
	require.NoError(t, backing.CreateAccount(ctx, account))

	cache := NewCachedAccountLookup(backing, 10, time.Minute)

	for i := 0; i < 3; i++ {
		got, err := cache.GetAccountByKey(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, account.ID, got.ID)
	}
	assert.Equal(t, 1, backing.calls)

	// populated by key lookup
	got, err := cache.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ExternalKey)

	hits, misses := cache.Stats()
	assert.Equal(t, int64(3), hits)
	assert.Equal(t, int64(1), misses)

	cache.Invalidate(account)
	_, err = cache.GetAccountByKey(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, backing.calls)
}

func TestCachedAccountLookup_DoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	backing := &countingLookup{MemoryService: NewMemoryService()}
	cache := NewCachedAccountLookup(backing, 10, time.Minute)

	_, err := cache.GetAccountByKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = cache.GetAccountByKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, 2, backing.calls)
}
