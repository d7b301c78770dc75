// Package telemetry records event plane and agent activity through
// OpenTelemetry. It uses the global providers; configure them with
// otel.SetMeterProvider and otel.SetTracerProvider before starting a network.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"go-agent-network/internal/core"
)

const instrumentationName = "go-agent-network"

// Recorder groups the counters and tracer used by the runtime. A nil
// *Recorder records nothing.
type Recorder struct {
	tracer    trace.Tracer
	published metric.Int64Counter
	delivered metric.Int64Counter
	failed    metric.Int64Counter
	sessions  metric.Int64Counter
}

// New builds a Recorder from the global meter and tracer providers.
func New() *Recorder {
	meter := otel.Meter(instrumentationName)
	return &Recorder{
		tracer:    otel.Tracer(instrumentationName),
		published: counter(meter, "agentnet.envelopes.published", "Envelopes accepted by a channel topic."),
		delivered: counter(meter, "agentnet.envelopes.delivered", "Envelopes handed to an agent."),
		failed:    counter(meter, "agentnet.invocations.failed", "Agent invocations that returned an error or panicked."),
		sessions:  counter(meter, "agentnet.gateway.sessions", "Gateway streaming sessions opened."),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

// Published counts one envelope accepted on channel.
func (r *Recorder) Published(ctx context.Context, channel core.ChannelName) {
	if r == nil {
		return
	}
	r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", string(channel))))
}

// SessionStarted counts one gateway session.
func (r *Recorder) SessionStarted(ctx context.Context, mode string) {
	if r == nil {
		return
	}
	r.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// StartInvoke opens a span for one agent invocation and counts the delivery.
// The returned func ends the span and records err when non-nil.
func (r *Recorder) StartInvoke(ctx context.Context, agentID string, channel core.ChannelName, event string) (context.Context, func(error)) {
	if r == nil {
		return ctx, func(error) {}
	}
	attrs := []attribute.KeyValue{
		attribute.String("agent", agentID),
		attribute.String("channel", string(channel)),
		attribute.String("event", event),
	}
	r.delivered.Add(ctx, 1, metric.WithAttributes(attrs...))
	ctx, span := r.tracer.Start(ctx, "agent.invoke", trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			r.failed.Add(ctx, 1, metric.WithAttributes(attrs...))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
