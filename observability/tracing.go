// Package observability bridges the event bus into an OpenTelemetry
// tracer: each action execution becomes a span tagged with its mnemonic,
// label, cache-hit status, and exit error, exported via OTLP/gRPC when
// an endpoint is configured and dropped by a no-op tracer otherwise.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgeworks/forge/eventbus"
)

// Provider wraps the OpenTelemetry TracerProvider that action spans are
// recorded against.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider dials endpoint (host:port, no scheme) and returns a Provider
// exporting batched spans over OTLP/gRPC. Returns an error if the exporter cannot be
// constructed; it does not itself attempt a connection (gRPC dials
// lazily), so a bad endpoint surfaces on the first export rather than here.
func NewProvider(ctx context.Context, endpoint string) (*Provider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: creating OTLP exporter for %s: %w", endpoint, err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", "forge")),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer("github.com/forgeworks/forge/scheduler")}, nil
}

// Shutdown flushes any pending spans and tears down the exporter
// connection. Safe to call on a nil Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}

// Subscriber turns eventbus events into spans: one span per action label,
// opened on ActionStarted and closed on ActionCompleted/CacheHit. Spans
// are tracked by label rather than thread-local context because
// eventbus.Event carries no span handle of its own.
type Subscriber struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewSubscriber returns a Subscriber driven by p's tracer.
func NewSubscriber(p *Provider) *Subscriber {
	return &Subscriber{tracer: p.tracer, spans: make(map[string]trace.Span)}
}

// Deliver implements eventbus.Subscriber.
func (s *Subscriber) Deliver(e eventbus.Event) {
	switch e.Kind {
	case eventbus.ActionStarted:
		_, span := s.tracer.Start(context.Background(), "action.execute",
			trace.WithAttributes(
				attribute.String("mnemonic", e.Mnemonic),
				attribute.String("label", e.Label),
			),
		)
		s.mu.Lock()
		s.spans[e.Label] = span
		s.mu.Unlock()

	case eventbus.CacheHit, eventbus.ActionCompleted:
		s.mu.Lock()
		span, ok := s.spans[e.Label]
		if ok {
			delete(s.spans, e.Label)
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		span.SetAttributes(
			attribute.Bool("cache_hit", e.CacheHit),
			attribute.Int("exit_code", e.ExitCode),
		)
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	}
}

var _ eventbus.Subscriber = (*Subscriber)(nil)
