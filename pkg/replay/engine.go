// Package replay derives the state of an ownable by folding its event chain
// through the ownable's sandbox.
//
// Replay is incremental. The caller passes the hash it has already applied
// together with the dump for that hash; only the events after it are folded.
// Every intermediate dump is written to the cache under its state hash, so a
// later replay of the same chain resumes from the latest cached prefix
// instead of starting over. The same chain prefix always yields a
// byte-identical dump.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/ownables/pkg/cache"
	"github.com/Mindburn-Labs/ownables/pkg/eventchain"
	"github.com/Mindburn-Labs/ownables/pkg/identity"
	"github.com/Mindburn-Labs/ownables/pkg/observability"
	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
	"github.com/Mindburn-Labs/ownables/pkg/statedump"
)

var (
	// ErrNoGenesis is returned when instantiating from an empty chain.
	ErrNoGenesis = errors.New("replay: chain has no genesis event")
	// ErrUnexpectedContext is returned when an event carries the wrong
	// message context for its position in the chain.
	ErrUnexpectedContext = errors.New("replay: unexpected event context")
)

// Executor folds one execute message into a state. *sandbox.Bridge
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, msg json.RawMessage, info sandbox.MessageInfo, state statedump.Dump) (*sandbox.ExecuteResult, error)
}

// Initializer runs the instantiate message of a chain.
type Initializer interface {
	Init(ctx context.Context, msg json.RawMessage, info sandbox.MessageInfo) (*sandbox.ExecuteResult, error)
}

// EventError names the event a replay stopped at.
type EventError struct {
	Index int
	Hash  string
	Err   error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("replay: event %d (%s): %v", e.Index, e.Hash, e.Err)
}

func (e *EventError) Unwrap() error { return e.Err }

// Target is one replay request.
type Target struct {
	Chain *eventchain.Chain
	// Package is the content id of the module the chain is folded through.
	Package string
	// Applied is the state hash State corresponds to.
	Applied string
	State   statedump.Dump
}

// Result is the outcome of a replay.
type Result struct {
	State     statedump.Dump
	StateHash string
	// Folded counts the events executed through the sandbox.
	Folded int
	// Attributes are those returned by the last folded event.
	Attributes map[string]any
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithInstruments sets the metrics and tracer used by the engine.
func WithInstruments(i *observability.Instruments) Option {
	return func(e *Engine) { e.metrics = i }
}

// WithNetwork sets the network id used to derive event senders.
func WithNetwork(network byte) Option {
	return func(e *Engine) { e.network = network }
}

// Engine folds event chains against a state dump cache.
type Engine struct {
	cache   cache.Cache
	network byte
	logger  *slog.Logger
	metrics *observability.Instruments
}

// NewEngine creates a replay engine backed by c.
func NewEngine(c cache.Cache, opts ...Option) *Engine {
	e := &Engine{
		cache:   c,
		network: identity.DefaultNetwork,
		logger:  slog.Default().With("component", "replay"),
		metrics: observability.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Instantiate runs the genesis event of the chain through init and caches
// the resulting dump under the genesis hash.
func (e *Engine) Instantiate(ctx context.Context, chain *eventchain.Chain, pkg string, init Initializer) (*Result, error) {
	genesis := chain.Genesis()
	if genesis == nil {
		return nil, ErrNoGenesis
	}
	msgCtx, body, err := genesis.Message()
	if err != nil {
		return nil, &EventError{Index: 0, Hash: genesis.Hash, Err: err}
	}
	if msgCtx != eventchain.ContextInstantiate {
		return nil, &EventError{Index: 0, Hash: genesis.Hash, Err: fmt.Errorf("%w: %q", ErrUnexpectedContext, msgCtx)}
	}
	sender, err := genesis.Sender(e.network)
	if err != nil {
		return nil, &EventError{Index: 0, Hash: genesis.Hash, Err: err}
	}

	ctx, span := e.metrics.StartSpan(ctx, "replay.instantiate",
		attribute.String("ownable.id", chain.ID),
		attribute.String("ownable.package", pkg),
	)
	defer span.End()

	res, err := init.Init(ctx, body, sandbox.NewMessageInfo(sender))
	if err != nil {
		return nil, &EventError{Index: 0, Hash: genesis.Hash, Err: err}
	}
	state := res.State
	if state == nil {
		state = statedump.Empty()
	}
	e.store(ctx, cache.Key{OwnableID: chain.ID, Package: pkg, StateHash: genesis.Hash}, state)

	return &Result{State: state, StateHash: genesis.Hash, Attributes: res.Attributes}, nil
}

// Apply folds every event of t.Chain after t.Applied into t.State.
//
// When nothing follows t.Applied the given state is returned without any
// sandbox call. Otherwise the latest cached prefix is used as the starting
// point and the remaining events are executed in chain order. A rejected
// event aborts the replay; the dumps of events before it stay cached.
func (e *Engine) Apply(ctx context.Context, exec Executor, t Target) (*Result, error) {
	suffix, err := t.Chain.EventsAfter(t.Applied)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", t.Chain.ID, err)
	}
	if len(suffix) == 0 {
		return &Result{State: t.State, StateHash: t.Applied}, nil
	}

	ctx, span := e.metrics.StartSpan(ctx, "replay.apply",
		attribute.String("ownable.id", t.Chain.ID),
		attribute.String("ownable.package", t.Package),
		attribute.Int("replay.pending", len(suffix)),
	)
	defer span.End()

	offset := len(t.Chain.Events) - len(suffix)
	start, state, stateHash := e.resume(ctx, t, suffix)
	if start == len(suffix) {
		return &Result{State: state, StateHash: stateHash}, nil
	}

	res := &Result{State: state, StateHash: stateHash}
	defer func() { e.metrics.EventsApplied(ctx, res.Folded, t.Package) }()

	for i := start; i < len(suffix); i++ {
		ev := suffix[i]
		if err := ctx.Err(); err != nil {
			return nil, &EventError{Index: offset + i, Hash: ev.Hash, Err: err}
		}
		next, err := e.fold(ctx, exec, ev, res.State)
		if err != nil {
			span.RecordError(err)
			return nil, &EventError{Index: offset + i, Hash: ev.Hash, Err: err}
		}
		res.State = next.State
		res.StateHash = ev.Hash
		res.Attributes = next.Attributes
		res.Folded++
		e.store(ctx, cache.Key{OwnableID: t.Chain.ID, Package: t.Package, StateHash: ev.Hash}, res.State)
	}

	span.SetAttributes(attribute.Int("replay.folded", res.Folded))
	return res, nil
}

// resume scans the cache backwards for the latest known prefix of suffix.
// It returns the index of the first event still to fold and the dump to
// fold it into.
func (e *Engine) resume(ctx context.Context, t Target, suffix []*eventchain.Event) (int, statedump.Dump, string) {
	for i := len(suffix) - 1; i >= 0; i-- {
		key := cache.Key{OwnableID: t.Chain.ID, Package: t.Package, StateHash: suffix[i].Hash}
		dump, ok, err := e.cache.Get(ctx, key)
		switch {
		case errors.Is(err, cache.ErrConsistency):
			e.metrics.CacheLookup(ctx, observability.CacheCorrupt)
			e.logger.WarnContext(ctx, "discarding corrupt cache entry", "key", key.String())
			continue
		case err != nil:
			e.logger.WarnContext(ctx, "cache lookup failed", "key", key.String(), "error", err)
			continue
		case ok:
			e.metrics.CacheLookup(ctx, observability.CacheHit)
			return i + 1, dump, suffix[i].Hash
		}
	}
	e.metrics.CacheLookup(ctx, observability.CacheMiss)
	state := t.State
	if state == nil {
		state = statedump.Empty()
	}
	return 0, state, t.Applied
}

func (e *Engine) fold(ctx context.Context, exec Executor, ev *eventchain.Event, state statedump.Dump) (*sandbox.ExecuteResult, error) {
	msgCtx, body, err := ev.Message()
	if err != nil {
		return nil, err
	}
	if msgCtx != eventchain.ContextExecute {
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedContext, msgCtx)
	}
	sender, err := ev.Sender(e.network)
	if err != nil {
		return nil, err
	}
	res, err := exec.Execute(ctx, body, sandbox.NewMessageInfo(sender), state)
	if err != nil {
		return nil, err
	}
	if res.State == nil {
		res.State = statedump.Empty()
	}
	return res, nil
}

func (e *Engine) store(ctx context.Context, key cache.Key, state statedump.Dump) {
	if err := e.cache.Put(ctx, key, state); err != nil {
		e.logger.WarnContext(ctx, "cache write failed", "key", key.String(), "error", err)
	}
}
