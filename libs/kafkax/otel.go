package kafkax

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTraceHeaders returns headers with the W3C trace context of ctx set.
func InjectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := &HeaderCarrier{Headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.Headers
}

// ExtractTraceContext returns ctx carrying the trace context found on msg.
func ExtractTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &HeaderCarrier{Headers: msg.Headers})
}

// HeaderCarrier adapts Kafka headers to a propagation.TextMapCarrier.
type HeaderCarrier struct {
	Headers []kafka.Header
}

func (c *HeaderCarrier) Get(key string) string {
	return HeaderValue(c.Headers, key)
}

func (c *HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Headers))
	for _, h := range c.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c *HeaderCarrier) Set(key, value string) {
	c.Headers = SetHeader(c.Headers, key, value)
}

var _ propagation.TextMapCarrier = (*HeaderCarrier)(nil)
