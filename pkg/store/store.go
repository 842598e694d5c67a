// Package store persists event chains and the state dumps derived from them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/ownables/pkg/eventchain"
)

// ErrNotFound is returned when no record or dump exists for a key.
var ErrNotFound = errors.New("store: not found")

// Record is the persisted form of one ownable.
type Record struct {
	ID          string
	Package     string
	Chain       *eventchain.Chain
	AppliedHash string
	UpdatedAt   time.Time
}

// DumpKey addresses one persisted state dump.
type DumpKey struct {
	OwnableID string
	Package   string
	StateHash string
}

// ChainStore persists ownable chains and their state dumps. Dumps are opaque
// encoded bytes with the digest they were written with.
type ChainStore interface {
	Get(ctx context.Context, id string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	List(ctx context.Context) ([]string, error)

	GetStateDump(ctx context.Context, key DumpKey) (data []byte, digest string, err error)
	PutStateDump(ctx context.Context, key DumpKey, data []byte, digest string) error
	DeleteStateDumps(ctx context.Context, ownableID string) error
}
