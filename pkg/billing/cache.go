package billing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedAccountLookup caches accounts from another AccountLookup for a bounded time.
// Accounts change rarely and are read on every payment and retry.
type CachedAccountLookup struct {
	next  AccountLookup
	byKey *lru.LRU[string, *Account]
	byID  *lru.LRU[uuid.UUID, *Account]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedAccountLookup wraps next with an LRU of size entries expiring after ttl
func NewCachedAccountLookup(next AccountLookup, size int, ttl time.Duration) *CachedAccountLookup {
	if size < 1 {
		size = 1024
	}
	return &CachedAccountLookup{
		next:  next,
		byKey: lru.NewLRU[string, *Account](size, nil, ttl),
		byID:  lru.NewLRU[uuid.UUID, *Account](size, nil, ttl),
	}
}

// GetAccountByKey implements AccountLookup
func (c *CachedAccountLookup) GetAccountByKey(ctx context.Context, externalKey string) (*Account, error) {
	if account, ok := c.byKey.Get(externalKey); ok {
		c.hits.Add(1)
		return copyAccount(account), nil
	}
	c.misses.Add(1)

	account, err := c.next.GetAccountByKey(ctx, externalKey)
	if err != nil {
		return nil, err
	}
	c.store(account)
	return copyAccount(account), nil
}

// GetAccountByID implements AccountLookup
func (c *CachedAccountLookup) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	if account, ok := c.byID.Get(id); ok {
		c.hits.Add(1)
		return copyAccount(account), nil
	}
	c.misses.Add(1)

	account, err := c.next.GetAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(account)
	return copyAccount(account), nil
}

// Invalidate drops a cached account
func (c *CachedAccountLookup) Invalidate(account *Account) {
	c.byKey.Remove(account.ExternalKey)
	c.byID.Remove(account.ID)
}

// Stats returns cache hit and miss counts
func (c *CachedAccountLookup) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedAccountLookup) store(account *Account) {
	stored := copyAccount(account)
	c.byKey.Add(stored.ExternalKey, stored)
	c.byID.Add(stored.ID, stored)
}

func copyAccount(a *Account) *Account {
	cp := *a
	return &cp
}
