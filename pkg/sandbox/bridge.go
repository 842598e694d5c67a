package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/ownables/pkg/observability"
	"github.com/Mindburn-Labs/ownables/pkg/statedump"
)

// DefaultTimeout bounds a single bridge call.
const DefaultTimeout = 5 * time.Second

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithInstruments sets the metrics and tracer.
func WithInstruments(i *observability.Instruments) Option {
	return func(b *Bridge) { b.metrics = i }
}

type pending struct {
	ctx   context.Context
	req   []byte
	reply chan reply
}

type reply struct {
	resp []byte
	err  error
}

// Bridge is the host side of one ownable's sandbox. Calls are processed one
// at a time, in the order they are submitted, by a dedicated worker.
type Bridge struct {
	ownableID string
	module    Module
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *observability.Instruments

	queue       chan *pending
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	initialized atomic.Bool
}

// NewBridge starts a bridge for ownableID backed by module. The bridge owns
// the module and closes it when the bridge is closed.
func NewBridge(ownableID string, module Module, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		ownableID: ownableID,
		module:    module,
		timeout:   DefaultTimeout,
		logger:    slog.Default().With("component", "sandbox", "ownable_id", ownableID),
		metrics:   observability.Default(),
		queue:     make(chan *pending),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// OwnableID returns the id this bridge serves.
func (b *Bridge) OwnableID() string { return b.ownableID }

func (b *Bridge) run() {
	defer close(b.done)
	defer func() {
		if err := b.module.Close(context.Background()); err != nil {
			b.logger.Warn("module close failed", "error", err)
		}
	}()

	for {
		select {
		case <-b.ctx.Done():
			return
		case p := <-b.queue:
			if err := p.ctx.Err(); err != nil {
				p.reply <- reply{err: err}
				continue
			}
			resp, err := b.module.Call(p.ctx, p.req)
			p.reply <- reply{resp: resp, err: err}
		}
	}
}

// Close tears the bridge down. In-flight and queued calls resolve with
// ErrCancelled. Close does not wait for a running module call to return.
func (b *Bridge) Close() {
	b.cancel()
}

// Done is closed once the worker has stopped and the module is closed.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Init instantiates the module. It may be called only once per bridge.
func (b *Bridge) Init(ctx context.Context, msg json.RawMessage, info MessageInfo) (*ExecuteResult, error) {
	if !b.initialized.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInitialized
	}
	infoRaw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode info: %w", err)
	}
	raw, err := b.call(ctx, MethodInit, msg, infoRaw)
	if err != nil {
		return nil, err
	}
	return decodeResult(MethodInit, raw)
}

// Execute applies msg to state and returns the successor state.
func (b *Bridge) Execute(ctx context.Context, msg json.RawMessage, info MessageInfo, state statedump.Dump) (*ExecuteResult, error) {
	if !b.initialized.Load() {
		return nil, ErrNotInitialized
	}
	infoRaw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode info: %w", err)
	}
	stateRaw, err := json.Marshal(state.Clone())
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	raw, err := b.call(ctx, MethodExecute, msg, infoRaw, stateRaw)
	if err != nil {
		return nil, err
	}
	return decodeResult(MethodExecute, raw)
}

// Query evaluates msg against state without changing it.
func (b *Bridge) Query(ctx context.Context, msg json.RawMessage, state statedump.Dump) (json.RawMessage, error) {
	if !b.initialized.Load() {
		return nil, ErrNotInitialized
	}
	stateRaw, err := json.Marshal(state.Clone())
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return b.call(ctx, MethodQuery, msg, stateRaw)
}

// Refresh gives the module a chance to recompute presentation data.
func (b *Bridge) Refresh(ctx context.Context, state statedump.Dump) error {
	if !b.initialized.Load() {
		return ErrNotInitialized
	}
	stateRaw, err := json.Marshal(state.Clone())
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = b.call(ctx, MethodRefresh, stateRaw)
	return err
}

func decodeResult(method Method, raw json.RawMessage) (*ExecuteResult, error) {
	var res ExecuteResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &SandboxError{Code: ErrProtocol, Message: fmt.Sprintf("%s result: %v", method, err)}
	}
	if res.State == nil {
		res.State = statedump.Empty()
	}
	return &res, nil
}

func (b *Bridge) call(ctx context.Context, method Method, args ...json.RawMessage) (result json.RawMessage, err error) {
	start := time.Now()
	ctx, span := b.metrics.StartSpan(ctx, "sandbox."+string(method),
		attribute.String("ownable.id", b.ownableID))
	defer func() {
		b.metrics.SandboxCall(ctx, string(method), outcome(err), time.Since(start))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if b.ctx.Err() != nil {
		return nil, ErrCancelled
	}

	req, err := json.Marshal(Request{OwnableID: b.ownableID, Method: method, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	p := &pending{ctx: callCtx, req: req, reply: make(chan reply, 1)}
	select {
	case b.queue <- p:
	case <-callCtx.Done():
		return nil, b.classify(ctx, method)
	}

	var r reply
	select {
	case r = <-p.reply:
	case <-callCtx.Done():
		return nil, b.classify(ctx, method)
	}

	if r.err != nil {
		if callCtx.Err() != nil {
			return nil, b.classify(ctx, method)
		}
		return nil, fmt.Errorf("%s: %w", method, r.err)
	}

	var resp Response
	if err := json.Unmarshal(r.resp, &resp); err != nil {
		return nil, &SandboxError{Code: ErrProtocol, Message: fmt.Sprintf("%s response: %v", method, err)}
	}
	if resp.OwnableID != b.ownableID {
		b.logger.Warn("dropping response tagged for another ownable", "tag", resp.OwnableID, "method", method)
		return nil, fmt.Errorf("%w: got %q", ErrForeignMessage, resp.OwnableID)
	}
	if resp.Error != "" {
		return nil, &RejectionError{Method: method, Message: resp.Error, Cause: resp.Cause}
	}
	if len(resp.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result, nil
}

// classify maps a finished call context to the bridge's error vocabulary.
func (b *Bridge) classify(parent context.Context, method Method) error {
	switch {
	case b.ctx.Err() != nil:
		return ErrCancelled
	case parent.Err() != nil:
		return parent.Err()
	default:
		b.logger.Warn("sandbox call timed out", "method", method, "timeout", b.timeout)
		return fmt.Errorf("%s after %s: %w", method, b.timeout, ErrTimeout)
	}
}

func outcome(err error) string {
	var rej *RejectionError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rej):
		return "rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "error"
	}
}
