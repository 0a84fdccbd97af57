package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the stream instruments. A nil *Metrics records nothing.
type Metrics struct {
	StreamDuration   metric.Float64Histogram
	ChunksDelivered  metric.Int64Counter
	ActiveStreams    metric.Int64UpDownCounter
	StreamOutcomes   metric.Int64Counter
	CancelRequests   metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.StreamDuration, err = meter.Float64Histogram("streamdesk.stream.duration",
		metric.WithDescription("Time from start event to stream release"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ChunksDelivered, err = meter.Int64Counter("streamdesk.stream.chunks",
		metric.WithDescription("Chunk events handed to the connection registry"),
	); err != nil {
		return nil, err
	}
	if m.ActiveStreams, err = meter.Int64UpDownCounter("streamdesk.stream.active",
		metric.WithDescription("Streams currently running"),
	); err != nil {
		return nil, err
	}
	if m.StreamOutcomes, err = meter.Int64Counter("streamdesk.stream.outcomes",
		metric.WithDescription("Finished streams by outcome"),
	); err != nil {
		return nil, err
	}
	if m.CancelRequests, err = meter.Int64Counter("streamdesk.cancel.requests",
		metric.WithDescription("Cancel requests by result"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("streamdesk.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamStarted marks one more active stream.
func (m *Metrics) StreamStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveStreams.Add(ctx, 1)
}

// StreamFinished records the end of a stream.
func (m *Metrics) StreamFinished(ctx context.Context, outcome string, chunks int, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOutcome.String(outcome))
	m.ActiveStreams.Add(ctx, -1)
	m.StreamOutcomes.Add(ctx, 1, attrs)
	m.ChunksDelivered.Add(ctx, int64(chunks))
	m.StreamDuration.Record(ctx, seconds, attrs)
}

// CancelRequested counts a cancel by whether it matched the active request.
func (m *Metrics) CancelRequested(ctx context.Context, matched bool) {
	if m == nil {
		return
	}
	m.CancelRequests.Add(ctx, 1, metric.WithAttributes(attribute.Bool("matched", matched)))
}

func (m *Metrics) RateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
