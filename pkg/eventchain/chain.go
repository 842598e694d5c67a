// Package eventchain implements the append-only, hash-linked, signed event
// chain that records the history of an ownable.
//
// Each event links to the hash of its predecessor; the first event links to
// the chain's initial hash, derived from the chain id. The hash of the last
// event is the chain's state hash.
package eventchain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ownables/pkg/canonicalize"
)

var (
	// ErrUnknownHash is returned when a hash is not part of the chain.
	ErrUnknownHash = errors.New("eventchain: hash not found in chain")
	// ErrBrokenLink is returned when an event does not link to its predecessor.
	ErrBrokenLink = errors.New("eventchain: broken hash link")
)

// Signer signs event hashes.
type Signer interface {
	PublicKey() string
	Sign(data []byte) string
}

// Chain is an ordered list of events under a stable id.
type Chain struct {
	ID     string   `json:"id"`
	Events []*Event `json:"events"`

	clock func() time.Time
}

// NewID returns a fresh chain id.
func NewID() string {
	return uuid.NewString()
}

// New creates an empty chain.
func New(id string) *Chain {
	return &Chain{ID: id, Events: []*Event{}, clock: time.Now}
}

// WithClock overrides the event timestamp source for testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// InitialHash is the hash the genesis event links to.
func (c *Chain) InitialHash() string {
	return canonicalize.HashBytes([]byte(c.ID))
}

// LatestHash is the state hash of the full chain.
func (c *Chain) LatestHash() string {
	if len(c.Events) == 0 {
		return c.InitialHash()
	}
	return c.Events[len(c.Events)-1].Hash
}

// EventsAfter returns the events strictly after hash. The returned slice
// shares event pointers with the chain; events are never mutated once added.
func (c *Chain) EventsAfter(hash string) ([]*Event, error) {
	i, err := c.indexAfter(hash)
	if err != nil {
		return nil, err
	}
	return c.Events[i:], nil
}

func (c *Chain) indexAfter(hash string) (int, error) {
	if hash == c.InitialHash() {
		return 0, nil
	}
	for i, e := range c.Events {
		if e.Hash == hash {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownHash, hash)
}

// Append signs a new event carrying data and adds it to the chain.
func (c *Chain) Append(data json.RawMessage, signer Signer) (*Event, error) {
	clock := c.clock
	if clock == nil {
		clock = time.Now
	}
	e := &Event{
		Previous:  c.LatestHash(),
		Timestamp: clock().UnixMilli(),
		MediaType: MediaTypeJSON,
		Data:      data,
		SignKey:   signer.PublicKey(),
	}
	hash, err := e.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("hash event: %w", err)
	}
	e.Hash = hash
	e.Signature = signer.Sign([]byte(hash))
	c.Events = append(c.Events, e)
	return e, nil
}

// Clone returns a chain sharing the (immutable) events of c, so that
// appending to the clone leaves c untouched.
func (c *Chain) Clone() *Chain {
	events := make([]*Event, len(c.Events), len(c.Events)+1)
	copy(events, c.Events)
	return &Chain{ID: c.ID, Events: events, clock: c.clock}
}

// Verify checks the hash links, recomputes every event hash and verifies
// every signature.
func (c *Chain) Verify() error {
	prev := c.InitialHash()
	for i, e := range c.Events {
		if e.Previous != prev {
			return fmt.Errorf("%w at event %d: expected previous %s, got %s", ErrBrokenLink, i, prev, e.Previous)
		}
		hash, err := e.ComputeHash()
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if hash != e.Hash {
			return fmt.Errorf("event %d: hash mismatch (expected %s, got %s)", i, hash, e.Hash)
		}
		ok, err := e.VerifySignature()
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if !ok {
			return fmt.Errorf("event %d: invalid signature", i)
		}
		prev = e.Hash
	}
	return nil
}

// Genesis returns the first event, or nil for an empty chain.
func (c *Chain) Genesis() *Event {
	if len(c.Events) == 0 {
		return nil
	}
	return c.Events[0]
}
