// Package telemetry wires OpenTelemetry tracing and metrics around the
// pipeline stages (listener, sender, dispatcher, bus) without putting any
// of it on the wire — spans and counters are purely process-local
// observability, not protocol.
package telemetry

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/chatfabric/eventbus"

// Telemetry groups the tracer and counters shared across pipeline stages
// within one process.
type Telemetry struct {
	tracer trace.Tracer

	packetsDispatched  metric.Int64Counter
	subscribersNotified metric.Int64Counter
	decryptFailures    metric.Int64Counter
}

// New builds a Telemetry using the process-wide otel providers (installed,
// or the no-op default if the process never configured one).
func New() (*Telemetry, error) {
	meter := otel.Meter(instrumentationName)

	packetsDispatched, err := meter.Int64Counter(
		"eventbus.packets_dispatched",
		metric.WithDescription("packets handed to the application receiver by the dispatcher"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: packets_dispatched counter: %w", err)
	}
	subscribersNotified, err := meter.Int64Counter(
		"eventbus.subscribers_notified",
		metric.WithDescription("fanout deliveries enqueued by the event bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: subscribers_notified counter: %w", err)
	}
	decryptFailures, err := meter.Int64Counter(
		"eventbus.decrypt_failures",
		metric.WithDescription("frames that failed both hybrid and raw-asymmetric decryption"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: decrypt_failures counter: %w", err)
	}

	return &Telemetry{
		tracer:              otel.Tracer(instrumentationName),
		packetsDispatched:   packetsDispatched,
		subscribersNotified: subscribersNotified,
		decryptFailures:     decryptFailures,
	}, nil
}

// StartSpan starts a named span for one pipeline stage operation (e.g.
// "listener.accept", "sender.dial", "dispatcher.on_packet", "bus.publish").
// A nil receiver is valid (Telemetry is an optional field throughout the
// assembly) and starts no span, returning ctx's existing no-op span.
func (t *Telemetry) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name)
}

// RecordDispatched increments the packets-dispatched counter. A nil
// receiver is a no-op.
func (t *Telemetry) RecordDispatched(ctx context.Context) {
	if t == nil {
		return
	}
	t.packetsDispatched.Add(ctx, 1)
}

// RecordNotified increments the subscribers-notified counter by n. A nil
// receiver is a no-op.
func (t *Telemetry) RecordNotified(ctx context.Context, n int64) {
	if t == nil || n <= 0 {
		return
	}
	t.subscribersNotified.Add(ctx, n)
}

// RecordDecryptFailure increments the decrypt-failures counter. A nil
// receiver is a no-op.
func (t *Telemetry) RecordDecryptFailure(ctx context.Context) {
	if t == nil {
		return
	}
	t.decryptFailures.Add(ctx, 1)
}

// FrameFingerprint returns a cheap, non-cryptographic hash of a frame body
// for correlating log lines and spans across the sender/listener boundary
// without re-deriving the symmetric cipher's own MAC.
func FrameFingerprint(frame []byte) uint64 {
	return xxhash.Sum64(frame)
}
