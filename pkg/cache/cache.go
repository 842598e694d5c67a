// Package cache holds state dumps keyed by (ownable, package, state hash).
//
// Every entry carries the digest of the dump it was written with. A read
// whose bytes no longer match the digest reports ErrConsistency and drops
// the entry, so the caller re-derives the state by replay.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/ownables/pkg/statedump"
)

// ErrConsistency is returned when a cached dump does not match its digest.
var ErrConsistency = errors.New("cache: entry does not match its digest")

// Key addresses one cached dump. Package is the content id of the module
// that produced it, so dumps never leak across module versions.
type Key struct {
	OwnableID string
	Package   string
	StateHash string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.OwnableID, k.Package, k.StateHash)
}

// Cache stores state dumps.
type Cache interface {
	// Get returns the dump for key. ok is false on a miss.
	Get(ctx context.Context, key Key) (dump statedump.Dump, ok bool, err error)
	Put(ctx context.Context, key Key, dump statedump.Dump) error
	// Purge drops every entry of an ownable.
	Purge(ctx context.Context, ownableID string) error
}

func encode(dump statedump.Dump) (data []byte, digest string, err error) {
	if dump == nil {
		dump = statedump.Empty()
	}
	data, err = json.Marshal(dump)
	if err != nil {
		return nil, "", fmt.Errorf("encode dump: %w", err)
	}
	return data, dump.Digest(), nil
}

func decode(key Key, data []byte, digest string) (statedump.Dump, error) {
	dump, err := statedump.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConsistency, key, err)
	}
	if dump.Digest() != digest {
		return nil, fmt.Errorf("%w: %s", ErrConsistency, key)
	}
	return dump, nil
}
