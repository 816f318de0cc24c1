package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceHeaders_RoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "produce")
	defer span.End()

	record := &kgo.Record{Topic: TopicMedicationEvents}
	injectTraceHeaders(ctx, record)
	require.NotEmpty(t, headerCarrier{record: record}.Get("traceparent"))

	extracted := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
	assert.Equal(t, span.SpanContext().SpanID(), extracted.SpanID())
}

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := headerCarrier{record: record}

	c.Set("k", "1")
	c.Set("k", "2")

	assert.Len(t, record.Headers, 1)
	assert.Equal(t, "2", c.Get("k"))
	assert.Equal(t, []string{"k"}, c.Keys())
}

func TestDefaultTopicConfigs(t *testing.T) {
	configs := DefaultTopicConfigs(0)

	names := make([]string, 0, len(configs))
	for _, c := range configs {
		names = append(names, c.Name)
		assert.Equal(t, int16(1), c.ReplicationFactor)
	}
	assert.ElementsMatch(t, []string{TopicMedicationEvents, TopicReminderNotifications, TopicDeadLetter}, names)
}
