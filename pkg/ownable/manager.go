// Package ownable manages the lifecycle of ownable instances.
//
// The Manager owns every live Controller. It creates ownables from packages,
// turns user intents into signed chain events, folds them through the
// replay engine and persists the result. Each ownable admits a single
// mutation at a time; a second one fails with ErrBusy instead of queueing.
//
// Operations that are cancelled because the ownable was torn down while a
// sandbox call was in flight return a nil snapshot and a nil error: nothing
// happened and nothing needs reporting.
package ownable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/ownables/pkg/cache"
	"github.com/Mindburn-Labs/ownables/pkg/eventchain"
	"github.com/Mindburn-Labs/ownables/pkg/identity"
	"github.com/Mindburn-Labs/ownables/pkg/observability"
	"github.com/Mindburn-Labs/ownables/pkg/registry"
	"github.com/Mindburn-Labs/ownables/pkg/replay"
	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
	"github.com/Mindburn-Labs/ownables/pkg/statedump"
	"github.com/Mindburn-Labs/ownables/pkg/store"
)

var (
	getInfoMsg     = json.RawMessage(`{"get_info":{}}`)
	getMetadataMsg = json.RawMessage(`{"get_metadata":{}}`)
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithInstruments sets the metrics and tracer for the manager and the
// bridges and engine it creates.
func WithInstruments(i *observability.Instruments) Option {
	return func(m *Manager) { m.metrics = i }
}

// WithBridgeTimeout bounds every sandbox call.
func WithBridgeTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithClock overrides the event timestamp source for testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// Manager is the lifecycle manager for all local ownables.
type Manager struct {
	account  *identity.Account
	registry registry.Registry
	loader   *sandbox.Loader
	store    store.ChainStore
	cache    cache.Cache
	engine   *replay.Engine

	logger  *slog.Logger
	metrics *observability.Instruments
	timeout time.Duration
	clock   func() time.Time

	mu          sync.RWMutex
	controllers map[string]*Controller
}

// NewManager creates a manager acting as account.
func NewManager(account *identity.Account, reg registry.Registry, loader *sandbox.Loader, st store.ChainStore, c cache.Cache, opts ...Option) *Manager {
	m := &Manager{
		account:     account,
		registry:    reg,
		loader:      loader,
		store:       st,
		cache:       c,
		logger:      slog.Default().With("component", "ownable"),
		metrics:     observability.Default(),
		timeout:     sandbox.DefaultTimeout,
		clock:       time.Now,
		controllers: make(map[string]*Controller),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.engine = replay.NewEngine(c,
		replay.WithLogger(m.logger.With("component", "replay")),
		replay.WithInstruments(m.metrics),
		replay.WithNetwork(account.Network()),
	)
	return m
}

// Account returns the local account.
func (m *Manager) Account() *identity.Account { return m.account }

// Get returns a snapshot of one ownable.
func (m *Manager) Get(id string) (*Snapshot, error) {
	c, err := m.controller(id)
	if err != nil {
		return nil, err
	}
	return c.Snapshot(), nil
}

// List returns snapshots of all ownables ordered by id.
func (m *Manager) List() []*Snapshot {
	m.mu.RLock()
	out := make([]*Snapshot, 0, len(m.controllers))
	for _, c := range m.controllers {
		out = append(out, c.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) controller(id string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.controllers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

func (m *Manager) register(c *Controller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.controllers[c.id]; ok {
		return fmt.Errorf("%w: %s", ErrExists, c.id)
	}
	m.controllers[c.id] = c
	return nil
}

// Create instantiates a new ownable of package pkgCID. msg holds extra
// instantiate fields for the program and may be nil.
func (m *Manager) Create(ctx context.Context, pkgCID string, msg json.RawMessage) (snap *Snapshot, err error) {
	ctx, finish := m.metrics.TrackOperation(ctx, "ownable.create", attribute.String("ownable.package", pkgCID))
	defer func() { finish(err) }()

	pkg, err := m.registry.Get(ctx, pkgCID)
	if err != nil {
		return nil, err
	}

	id := eventchain.NewID()
	body, err := instantiateBody(msg, id, pkg.CID, m.account.Network())
	if err != nil {
		return nil, err
	}
	payload, err := eventchain.NewPayload(eventchain.ContextInstantiate, body)
	if err != nil {
		return nil, err
	}
	chain := eventchain.New(id).WithClock(m.clock)
	if _, err := chain.Append(payload, m.account); err != nil {
		return nil, fmt.Errorf("create %s: %w", id, err)
	}

	c, err := m.instantiate(ctx, id, pkg, chain, true)
	if err != nil {
		if sandbox.IsCancelled(err) {
			m.logger.InfoContext(ctx, "create cancelled", "ownable", id)
			return nil, nil
		}
		return nil, err
	}

	if err := m.persist(ctx, c); err != nil {
		m.discard(ctx, c)
		return nil, err
	}
	if err := m.register(c); err != nil {
		m.discard(ctx, c)
		return nil, err
	}
	m.logger.InfoContext(ctx, "ownable created", "ownable", id, "package", pkg.Name)
	return c.Snapshot(), nil
}

func instantiateBody(msg json.RawMessage, id, pkgCID string, network byte) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(msg) > 0 && string(msg) != "null" {
		if err := json.Unmarshal(msg, &fields); err != nil {
			return nil, fmt.Errorf("instantiate message must be a JSON object: %w", err)
		}
	}
	fields["ownable_id"] = id
	fields["package"] = pkgCID
	fields["network_id"] = string(network)
	return json.Marshal(fields)
}

// instantiate builds a ready controller for chain. Dynamic packages get a
// bridge, run init and replay the rest of the chain; static packages get
// synthesized info. On failure the bridge is released, and cached dumps are
// purged only when fresh is set. A restored chain keeps its dumps so the next
// attempt can resume from them.
func (m *Manager) instantiate(ctx context.Context, id string, pkg *registry.Package, chain *eventchain.Chain, fresh bool) (*Controller, error) {
	c := newController(id, pkg, chain)
	c.setStatus(StatusInitializing)

	if !pkg.IsDynamic {
		info, err := m.staticInfo(chain, pkg)
		if err != nil {
			return nil, err
		}
		c.applied = chain.LatestHash()
		c.info = info
		c.metadata = Metadata{Name: pkg.Title, Description: pkg.Description}
		c.setStatus(StatusReady)
		return c, nil
	}

	module, err := m.loader.Load(ctx, pkg.Name, pkg.Runtime, pkg.ModuleHash)
	if err != nil {
		return nil, fmt.Errorf("ownable %s: %w", id, err)
	}
	c.bridge = sandbox.NewBridge(id, module,
		sandbox.WithTimeout(m.timeout),
		sandbox.WithLogger(m.logger.With("component", "sandbox")),
		sandbox.WithInstruments(m.metrics),
	)

	fail := func(err error) (*Controller, error) {
		if fresh {
			m.discard(ctx, c)
		} else {
			c.destroy()
		}
		return nil, err
	}

	genesis, err := m.engine.Instantiate(ctx, chain, pkg.CID, c.bridge)
	if err != nil {
		return fail(err)
	}
	res, err := m.engine.Apply(ctx, c.bridge, replay.Target{
		Chain: chain, Package: pkg.CID, Applied: genesis.StateHash, State: genesis.State,
	})
	if err != nil {
		return fail(err)
	}
	info, meta, err := m.derive(ctx, c, res.State)
	if err != nil {
		return fail(err)
	}

	c.applied = res.StateHash
	c.dump = res.State
	c.info = info
	c.metadata = meta
	c.setStatus(StatusReady)
	return c, nil
}

// staticInfo synthesizes the info of a package without a program: the
// creator is both owner and issuer.
func (m *Manager) staticInfo(chain *eventchain.Chain, pkg *registry.Package) (Info, error) {
	genesis := chain.Genesis()
	if genesis == nil {
		return Info{}, replay.ErrNoGenesis
	}
	creator, err := genesis.Sender(m.account.Network())
	if err != nil {
		return Info{}, err
	}
	return Info{Owner: creator, Issuer: creator, OwnableType: pkg.Name}, nil
}

// derive runs the refresh sequence: refresh when the package keeps widget
// state, get_info always, and get_metadata when the package provides it.
func (m *Manager) derive(ctx context.Context, c *Controller, dump statedump.Dump) (Info, Metadata, error) {
	if c.pkg.HasWidgetState {
		if err := c.bridge.Refresh(ctx, dump); err != nil {
			return Info{}, Metadata{}, err
		}
	}

	var info Info
	raw, err := c.bridge.Query(ctx, getInfoMsg, dump)
	if err != nil {
		return Info{}, Metadata{}, err
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, Metadata{}, fmt.Errorf("ownable %s: decode info: %w", c.id, err)
	}

	meta := Metadata{Name: c.pkg.Title, Description: c.pkg.Description}
	if c.pkg.HasMetadata {
		raw, err := c.bridge.Query(ctx, getMetadataMsg, dump)
		if err != nil {
			return Info{}, Metadata{}, err
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return Info{}, Metadata{}, fmt.Errorf("ownable %s: decode metadata: %w", c.id, err)
		}
	}
	return info, meta, nil
}

func (m *Manager) persist(ctx context.Context, c *Controller) error {
	v := c.view()
	return m.putRecord(ctx, c.id, c.pkg.CID, v.chain, v.applied)
}

func (m *Manager) putRecord(ctx context.Context, id, pkgCID string, chain *eventchain.Chain, applied string) error {
	err := m.store.Put(ctx, &store.Record{
		ID:          id,
		Package:     pkgCID,
		Chain:       chain,
		AppliedHash: applied,
		UpdatedAt:   m.clock().UTC(),
	})
	if err != nil {
		return fmt.Errorf("persist %s: %w", id, err)
	}
	return nil
}

// discard releases a controller that never became visible.
func (m *Manager) discard(ctx context.Context, c *Controller) {
	c.destroy()
	if err := m.cache.Purge(ctx, c.id); err != nil {
		m.logger.WarnContext(ctx, "purge cache", "ownable", c.id, "error", err)
	}
}

// Execute appends msg as an execute event and applies it.
func (m *Manager) Execute(ctx context.Context, id string, msg json.RawMessage) (snap *Snapshot, err error) {
	ctx, finish := m.metrics.TrackOperation(ctx, "ownable.execute", attribute.String("ownable.id", id))
	defer func() { finish(err) }()

	c, err := m.mutable(id)
	if err != nil {
		return nil, err
	}
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	if err := m.checkOwner(c); err != nil {
		return nil, err
	}
	return m.apply(ctx, c, msg)
}

// mutable returns the controller of a dynamic ownable.
func (m *Manager) mutable(id string) (*Controller, error) {
	c, err := m.controller(id)
	if err != nil {
		return nil, err
	}
	if !c.pkg.IsDynamic {
		return nil, fmt.Errorf("%w: %s", ErrNotDynamic, id)
	}
	return c, nil
}

func (m *Manager) checkOwner(c *Controller) error {
	if owner := c.Info().Owner; owner != m.account.Address() {
		return fmt.Errorf("%w: %s is owned by %s", ErrNotOwner, c.id, owner)
	}
	return nil
}

// apply runs one execute on a controller whose slot the caller holds. The
// controller is only changed once the event is folded, info is derived and
// the chain is persisted.
func (m *Manager) apply(ctx context.Context, c *Controller, msg json.RawMessage) (*Snapshot, error) {
	payload, err := eventchain.NewPayload(eventchain.ContextExecute, msg)
	if err != nil {
		return nil, err
	}

	v := c.view()
	next := v.chain.Clone()
	if _, err := next.Append(payload, m.account); err != nil {
		return nil, fmt.Errorf("execute %s: %w", c.id, err)
	}

	res, err := m.engine.Apply(ctx, c.bridge, replay.Target{
		Chain: next, Package: c.pkg.CID, Applied: v.applied, State: v.dump,
	})
	if err == nil {
		var info Info
		var meta Metadata
		info, meta, err = m.derive(ctx, c, res.State)
		if err == nil {
			var live bool
			live, err = c.commit(next, res.StateHash, res.State, info, meta, func() error {
				return m.putRecord(ctx, c.id, c.pkg.CID, next, res.StateHash)
			})
			if err == nil && !live {
				err = sandbox.ErrCancelled
			}
		}
	}

	switch {
	case err == nil:
		return c.Snapshot(), nil
	case sandbox.IsCancelled(err):
		m.logger.InfoContext(ctx, "execute cancelled", "ownable", c.id)
		return nil, nil
	case sandbox.IsRejection(err):
		m.logger.InfoContext(ctx, "execute rejected", "ownable", c.id, "error", err)
	default:
		m.logger.WarnContext(ctx, "execute failed", "ownable", c.id, "error", err)
	}
	return nil, err
}

// Query runs a read-only query against the current state.
func (m *Manager) Query(ctx context.Context, id string, msg json.RawMessage) (json.RawMessage, error) {
	c, err := m.mutable(id)
	if err != nil {
		return nil, err
	}
	return c.bridge.Query(ctx, msg, c.view().dump)
}

// Delete tears down an ownable and removes its chain and cached state.
func (m *Manager) Delete(ctx context.Context, id string) (err error) {
	ctx, finish := m.metrics.TrackOperation(ctx, "ownable.delete", attribute.String("ownable.id", id))
	defer func() { finish(err) }()

	m.mu.Lock()
	c, ok := m.controllers[id]
	delete(m.controllers, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.teardown(c)
	return m.purge(ctx, id)
}

// teardown destroys c and waits for an in-flight mutation to unwind.
func (m *Manager) teardown(c *Controller) {
	c.destroy()
	c.slot.Lock()
	c.slot.Unlock() //nolint:staticcheck // only waits for the current holder
}

func (m *Manager) purge(ctx context.Context, id string) error {
	var errs []error
	if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		errs = append(errs, fmt.Errorf("delete chain %s: %w", id, err))
	}
	if err := m.store.DeleteStateDumps(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("delete dumps %s: %w", id, err))
	}
	if err := m.cache.Purge(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("purge cache %s: %w", id, err))
	}
	return errors.Join(errs...)
}

// DeleteAll tears down every ownable and clears the store.
func (m *Manager) DeleteAll(ctx context.Context) (err error) {
	ctx, finish := m.metrics.TrackOperation(ctx, "ownable.delete_all")
	defer func() { finish(err) }()

	m.mu.Lock()
	live := m.controllers
	m.controllers = make(map[string]*Controller)
	m.mu.Unlock()

	ids := make(map[string]struct{}, len(live))
	for id, c := range live {
		m.teardown(c)
		ids[id] = struct{}{}
	}
	stored, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list chains: %w", err)
	}
	for _, id := range stored {
		ids[id] = struct{}{}
	}

	var errs []error
	for id := range ids {
		if err := m.store.DeleteStateDumps(ctx, id); err != nil {
			errs = append(errs, err)
		}
		if err := m.cache.Purge(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.store.DeleteAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("delete chains: %w", err))
	}
	return errors.Join(errs...)
}

// LoadAll restores every persisted chain into a ready controller. Chains
// that fail to restore are logged and skipped; their errors are joined.
func (m *Manager) LoadAll(ctx context.Context) error {
	ids, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list chains: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if _, err := m.controller(id); err == nil {
			continue
		}
		rec, err := m.store.Get(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", id, err))
			continue
		}
		if err := m.restore(ctx, rec); err != nil {
			m.logger.WarnContext(ctx, "skipping ownable", "ownable", id, "error", err)
			errs = append(errs, fmt.Errorf("restore %s: %w", id, err))
		}
	}
	m.logger.InfoContext(ctx, "ownables loaded", "count", len(ids)-len(errs))
	return errors.Join(errs...)
}

func (m *Manager) restore(ctx context.Context, rec *store.Record) error {
	pkg, err := m.registry.Get(ctx, rec.Package)
	if err != nil {
		return err
	}
	chain := rec.Chain.WithClock(m.clock)
	c, err := m.instantiate(ctx, rec.ID, pkg, chain, false)
	if err != nil {
		return err
	}
	// losing a register race leaves the cache to the live controller
	if err := m.register(c); err != nil {
		c.destroy()
		return err
	}
	return nil
}

// Close tears down every bridge without touching persisted data. It waits up
// to the bridge timeout for the sandbox workers to stop so their modules are
// closed before the runtime that compiled them.
func (m *Manager) Close() {
	m.mu.Lock()
	live := m.controllers
	m.controllers = make(map[string]*Controller)
	m.mu.Unlock()
	for _, c := range live {
		c.destroy()
	}

	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()
	for id, c := range live {
		if c.bridge == nil {
			continue
		}
		select {
		case <-c.bridge.Done():
		case <-deadline.C:
			m.logger.Warn("sandbox workers still running at close", "ownable", id)
			return
		}
	}
}
