package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Cache lookup outcomes.
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheCorrupt = "corrupt"
)

// Instruments are the engine's metrics and tracer.
type Instruments struct {
	tracer trace.Tracer

	eventsApplied   metric.Int64Counter
	cacheLookups    metric.Int64Counter
	sandboxCalls    metric.Int64Counter
	sandboxErrors   metric.Int64Counter
	sandboxDuration metric.Float64Histogram
	operations      metric.Int64Counter
	operationErrors metric.Int64Counter
}

// NewInstruments creates the engine instruments on meter.
func NewInstruments(meter metric.Meter, tracer trace.Tracer) (*Instruments, error) {
	i := &Instruments{tracer: tracer}
	var err error

	if i.eventsApplied, err = meter.Int64Counter("ownables.replay.events_folded",
		metric.WithDescription("Events folded through a sandbox during replay"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("replay events counter: %w", err)
	}
	if i.cacheLookups, err = meter.Int64Counter("ownables.cache.lookups",
		metric.WithDescription("State dump cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, fmt.Errorf("cache lookups counter: %w", err)
	}
	if i.sandboxCalls, err = meter.Int64Counter("ownables.sandbox.calls",
		metric.WithDescription("Sandbox bridge calls by method and outcome"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("sandbox calls counter: %w", err)
	}
	if i.sandboxErrors, err = meter.Int64Counter("ownables.sandbox.call.errors",
		metric.WithDescription("Sandbox bridge calls that did not succeed, by kind"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("sandbox errors counter: %w", err)
	}
	if i.sandboxDuration, err = meter.Float64Histogram("ownables.sandbox.call.duration",
		metric.WithDescription("Sandbox call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	); err != nil {
		return nil, fmt.Errorf("sandbox duration histogram: %w", err)
	}
	if i.operations, err = meter.Int64Counter("ownables.operations.total",
		metric.WithDescription("Lifecycle operations processed"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, fmt.Errorf("operations counter: %w", err)
	}
	if i.operationErrors, err = meter.Int64Counter("ownables.operations.errors",
		metric.WithDescription("Lifecycle operations that failed"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, fmt.Errorf("operation errors counter: %w", err)
	}
	return i, nil
}

var defaultInstruments = sync.OnceValue(func() *Instruments {
	i, err := NewInstruments(otel.Meter(InstrumentationName), otel.Tracer(InstrumentationName))
	if err != nil {
		i, _ = NewInstruments(noop.NewMeterProvider().Meter(InstrumentationName), otel.Tracer(InstrumentationName))
	}
	return i
})

// Default returns instruments bound to the global otel providers.
func Default() *Instruments {
	return defaultInstruments()
}

// EventsApplied counts n events folded for an ownable package.
func (i *Instruments) EventsApplied(ctx context.Context, n int, pkg string) {
	if n <= 0 {
		return
	}
	i.eventsApplied.Add(ctx, int64(n), metric.WithAttributes(attribute.String("package", pkg)))
}

// CacheLookup records one cache lookup outcome.
func (i *Instruments) CacheLookup(ctx context.Context, result string) {
	i.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// SandboxCall records one bridge call. outcome is "ok" or the failure kind.
func (i *Instruments) SandboxCall(ctx context.Context, method, outcome string, d time.Duration) {
	byMethod := metric.WithAttributes(attribute.String("method", method))
	i.sandboxCalls.Add(ctx, 1, byMethod)
	i.sandboxDuration.Record(ctx, d.Seconds(), byMethod)
	if outcome != "ok" {
		i.sandboxErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method), attribute.String("kind", outcome)))
	}
}

// StartSpan starts a span on the engine tracer.
func (i *Instruments) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
}

// TrackOperation starts a span and counts the operation. The returned
// function ends the span and records err, if any.
func (i *Instruments) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := i.StartSpan(ctx, name, attrs...)
	opAttrs := metric.WithAttributes(attribute.String("operation", name))
	i.operations.Add(ctx, 1, opAttrs)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			i.operationErrors.Add(ctx, 1, opAttrs)
		}
		span.End()
	}
}
