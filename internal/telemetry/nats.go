package telemetry

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NatsHeaderCarrier adapts nats.Header to propagation.TextMapCarrier.
type NatsHeaderCarrier struct {
	Header nats.Header
}

func (c *NatsHeaderCarrier) Get(key string) string {
	return c.Header.Get(key)
}

func (c *NatsHeaderCarrier) Set(key, value string) {
	c.Header.Set(key, value)
}

func (c *NatsHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

var tracer = otel.Tracer("realtime-gateway")

// ExtractContext extracts trace context from a NATS message header.
func ExtractContext(ctx context.Context, header nats.Header) context.Context {
	if header == nil {
		return ctx
	}
	carrier := &NatsHeaderCarrier{Header: header}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// StartConsumerSpan extracts trace context from a NATS message and starts
// a CONSUMER span. Caller must call span.End().
func StartConsumerSpan(ctx context.Context, msg *nats.Msg, operationName string) (context.Context, trace.Span) {
	ctx = ExtractContext(ctx, msg.Header)
	ctx, span := tracer.Start(ctx, operationName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
			attribute.Int("messaging.message.payload_size_bytes", len(msg.Data)),
		),
	)
	return ctx, span
}
