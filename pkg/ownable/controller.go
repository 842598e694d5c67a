package ownable

import (
	"encoding/json"
	"sync"

	"github.com/Mindburn-Labs/ownables/pkg/eventchain"
	"github.com/Mindburn-Labs/ownables/pkg/registry"
	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
	"github.com/Mindburn-Labs/ownables/pkg/statedump"
)

// Status is the lifecycle state of an ownable instance.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusReady         Status = "ready"
	StatusBusy          Status = "busy"
	StatusDestroyed     Status = "destroyed"
)

// Info is the derived ownership information of an ownable. Fields the engine
// does not interpret are kept and passed on verbatim, for example to a
// consumer during consume.
type Info struct {
	Owner       string `json:"owner"`
	Issuer      string `json:"issuer"`
	OwnableType string `json:"ownable_type,omitempty"`
	ConsumedBy  string `json:"consumed_by,omitempty"`

	raw json.RawMessage
}

type infoFields Info

func (i Info) MarshalJSON() ([]byte, error) {
	if len(i.raw) > 0 {
		return i.raw, nil
	}
	return json.Marshal(infoFields(i))
}

func (i *Info) UnmarshalJSON(data []byte) error {
	var f infoFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*i = Info(f)
	i.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Metadata is the presentation summary of an ownable.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

// Snapshot is a read-only copy of an ownable's current state.
type Snapshot struct {
	ID        string            `json:"id"`
	Package   string            `json:"package"`
	Status    Status            `json:"status"`
	StateHash string            `json:"state_hash"`
	Events    int               `json:"events"`
	Info      Info              `json:"info"`
	Metadata  Metadata          `json:"metadata"`
	State     statedump.Dump    `json:"-"`
	Chain     *eventchain.Chain `json:"-"`
}

// Controller is one live ownable instance: its chain, the package it runs,
// the bridge to its sandbox and the state derived by the last apply.
//
// slot is the single-writer lock. A mutation holds it for its full duration
// and anything that cannot get it immediately fails with ErrBusy. mu guards
// the fields read by snapshots.
type Controller struct {
	id     string
	pkg    *registry.Package
	bridge *sandbox.Bridge

	slot sync.Mutex

	mu       sync.RWMutex
	status   Status
	chain    *eventchain.Chain
	applied  string
	dump     statedump.Dump
	info     Info
	metadata Metadata
}

func newController(id string, pkg *registry.Package, chain *eventchain.Chain) *Controller {
	return &Controller{
		id:     id,
		pkg:    pkg,
		chain:  chain,
		status: StatusUninitialized,
		dump:   statedump.Empty(),
	}
}

// ID returns the ownable id.
func (c *Controller) ID() string { return c.id }

// Package returns the package descriptor the ownable runs.
func (c *Controller) Package() *registry.Package { return c.pkg }

// Status returns the lifecycle state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Info returns the last derived info.
func (c *Controller) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// acquire takes the single-writer slot and marks the controller busy.
func (c *Controller) acquire() error {
	if !c.slot.TryLock() {
		return ErrBusy
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusDestroyed {
		c.slot.Unlock()
		return ErrNotFound
	}
	c.status = StatusBusy
	return nil
}

func (c *Controller) release() {
	c.mu.Lock()
	if c.status == StatusBusy {
		c.status = StatusReady
	}
	c.mu.Unlock()
	c.slot.Unlock()
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// view is the state a mutation starts from.
type view struct {
	chain   *eventchain.Chain
	applied string
	dump    statedump.Dump
	info    Info
}

func (c *Controller) view() view {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return view{chain: c.chain, applied: c.applied, dump: c.dump, info: c.info}
}

// commit installs the result of a successful apply. It reports false when
// the controller was destroyed in the meantime.
func (c *Controller) commit(chain *eventchain.Chain, applied string, dump statedump.Dump, info Info, meta Metadata, persist func() error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusDestroyed {
		return false, nil
	}
	if persist != nil {
		if err := persist(); err != nil {
			return true, err
		}
	}
	c.chain = chain
	c.applied = applied
	c.dump = dump
	c.info = info
	c.metadata = meta
	return true, nil
}

// destroy marks the controller destroyed and tears down its bridge, which
// cancels any call in flight.
func (c *Controller) destroy() {
	c.mu.Lock()
	c.status = StatusDestroyed
	c.mu.Unlock()
	if c.bridge != nil {
		c.bridge.Close()
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Snapshot{
		ID:        c.id,
		Package:   c.pkg.CID,
		Status:    c.status,
		StateHash: c.applied,
		Events:    len(c.chain.Events),
		Info:      c.info,
		Metadata:  c.metadata,
		State:     c.dump.Clone(),
		Chain:     c.chain.Clone(),
	}
}
