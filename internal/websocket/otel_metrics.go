package websocket

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "keybroker/websocket"

// OTelMetrics records host session activity. A nil *OTelMetrics records
// nothing.
type OTelMetrics struct {
	connectionsTotal   metric.Int64Counter
	connectionsActive  metric.Int64UpDownCounter
	connectionDuration metric.Float64Histogram

	messagesTotal   metric.Int64Counter
	messageBytes    metric.Int64Counter
	droppedMessages metric.Int64Counter

	payloadRoundTrip metric.Float64Histogram
}

// NewOTelMetrics creates the session instruments on meter.
func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	if m.connectionsTotal, err = meter.Int64Counter(
		"websocket_connections_total",
		metric.WithDescription("Total number of host sessions opened"),
	); err != nil {
		return nil, err
	}

	if m.connectionsActive, err = meter.Int64UpDownCounter(
		"websocket_connections_active",
		metric.WithDescription("Number of open host sessions"),
	); err != nil {
		return nil, err
	}

	if m.connectionDuration, err = meter.Float64Histogram(
		"websocket_connection_duration_seconds",
		metric.WithDescription("Duration of host sessions"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.messagesTotal, err = meter.Int64Counter(
		"websocket_messages_total",
		metric.WithDescription("WebSocket frames by direction and type"),
	); err != nil {
		return nil, err
	}

	if m.messageBytes, err = meter.Int64Counter(
		"websocket_message_bytes_total",
		metric.WithDescription("WebSocket frame bytes by direction"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.droppedMessages, err = meter.Int64Counter(
		"websocket_dropped_messages_total",
		metric.WithDescription("Frames dropped because the session send buffer was full"),
	); err != nil {
		return nil, err
	}

	if m.payloadRoundTrip, err = meter.Float64Histogram(
		"websocket_payload_round_trip_seconds",
		metric.WithDescription("Time from generate_payload to the host's answer"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *OTelMetrics) recordConnection(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsActive.Add(ctx, 1)
}

func (m *OTelMetrics) recordDisconnection(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.connectionsActive.Add(ctx, -1)
	m.connectionDuration.Record(ctx, d.Seconds())
}

func (m *OTelMetrics) recordMessage(ctx context.Context, direction, msgType string, size int) {
	if m == nil {
		return
	}
	m.messagesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("type", msgType),
	))
	m.messageBytes.Add(ctx, int64(size), metric.WithAttributes(attribute.String("direction", direction)))
}

func (m *OTelMetrics) recordDropped(ctx context.Context, msgType string) {
	if m == nil {
		return
	}
	m.droppedMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

func (m *OTelMetrics) recordPayloadRoundTrip(ctx context.Context, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.payloadRoundTrip.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("success", ok)))
}
