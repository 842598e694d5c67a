package cache

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/ownables/pkg/statedump"
)

type entry struct {
	data   []byte
	digest string
}

// MemoryCache is a process-local Cache partitioned by ownable id.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]map[Key]entry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]map[Key]entry)}
}

func (c *MemoryCache) Get(_ context.Context, key Key) (statedump.Dump, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key.OwnableID][key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	dump, err := decode(key, e.data, e.digest)
	if err != nil {
		c.mu.Lock()
		delete(c.entries[key.OwnableID], key)
		c.mu.Unlock()
		return nil, false, err
	}
	return dump, true, nil
}

func (c *MemoryCache) Put(_ context.Context, key Key, dump statedump.Dump) error {
	data, digest, err := encode(dump)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	part, ok := c.entries[key.OwnableID]
	if !ok {
		part = make(map[Key]entry)
		c.entries[key.OwnableID] = part
	}
	part[key] = entry{data: data, digest: digest}
	return nil
}

func (c *MemoryCache) Purge(_ context.Context, ownableID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ownableID)
	return nil
}

// Len returns the number of entries held for an ownable.
func (c *MemoryCache) Len(ownableID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[ownableID])
}

// corrupt overwrites the stored bytes of key without touching its digest.
func (c *MemoryCache) corrupt(key Key, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.OwnableID][key]; ok {
		e.data = data
		c.entries[key.OwnableID][key] = e
	}
}
