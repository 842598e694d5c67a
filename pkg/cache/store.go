package cache

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/ownables/pkg/statedump"
	"github.com/Mindburn-Labs/ownables/pkg/store"
)

// StoreCache keeps dumps in the chain store, next to the chains they were
// derived from.
type StoreCache struct {
	store store.ChainStore
}

func NewStoreCache(s store.ChainStore) *StoreCache {
	return &StoreCache{store: s}
}

func storeKey(k Key) store.DumpKey {
	return store.DumpKey{OwnableID: k.OwnableID, Package: k.Package, StateHash: k.StateHash}
}

func (c *StoreCache) Get(ctx context.Context, key Key) (statedump.Dump, bool, error) {
	data, digest, err := c.store.GetStateDump(ctx, storeKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	dump, err := decode(key, data, digest)
	if err != nil {
		// the entry is rewritten by the replay that follows
		return nil, false, err
	}
	return dump, true, nil
}

func (c *StoreCache) Put(ctx context.Context, key Key, dump statedump.Dump) error {
	data, digest, err := encode(dump)
	if err != nil {
		return err
	}
	return c.store.PutStateDump(ctx, storeKey(key), data, digest)
}

func (c *StoreCache) Purge(ctx context.Context, ownableID string) error {
	return c.store.DeleteStateDumps(ctx, ownableID)
}
