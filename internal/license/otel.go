package license

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "keybroker/license"
	MeterName  = "keybroker/license"
)

// KeyMetrics holds the license client instruments. A nil *KeyMetrics
// records nothing.
type KeyMetrics struct {
	RequestsTotal    metric.Int64Counter
	RequestDuration  metric.Float64Histogram
	RequestsInFlight metric.Int64UpDownCounter
	StateTransitions metric.Int64Counter

	CertificateFetches     metric.Int64Counter
	CertificateCacheHits   metric.Int64Counter
	CertificateCacheMisses metric.Int64Counter
	CertificateResets      metric.Int64Counter

	LicenseResponses metric.Int64Counter
	LicenseLatency   metric.Float64Histogram
	PayloadSize      metric.Int64Histogram
}

// NewKeyMetrics creates the license client instruments on meter.
func NewKeyMetrics(meter metric.Meter) (*KeyMetrics, error) {
	m := &KeyMetrics{}
	var err error

	m.RequestsTotal, err = meter.Int64Counter(
		"key_requests_total",
		metric.WithDescription("Key requests handled, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create key requests counter: %w", err)
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"key_request_duration_seconds",
		metric.WithDescription("End to end key request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create key request duration histogram: %w", err)
	}

	m.RequestsInFlight, err = meter.Int64UpDownCounter(
		"key_requests_in_flight",
		metric.WithDescription("Key requests currently being processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-flight counter: %w", err)
	}

	m.StateTransitions, err = meter.Int64Counter(
		"key_request_state_transitions_total",
		metric.WithDescription("Key request state machine transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state transitions counter: %w", err)
	}

	m.CertificateFetches, err = meter.Int64Counter(
		"certificate_fetches_total",
		metric.WithDescription("Application certificate fetches, by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate fetches counter: %w", err)
	}

	m.CertificateCacheHits, err = meter.Int64Counter(
		"certificate_cache_hits_total",
		metric.WithDescription("Certificate lookups served from cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate cache hits counter: %w", err)
	}

	m.CertificateCacheMisses, err = meter.Int64Counter(
		"certificate_cache_misses_total",
		metric.WithDescription("Certificate lookups that waited for a fetch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate cache misses counter: %w", err)
	}

	m.CertificateResets, err = meter.Int64Counter(
		"certificate_resets_total",
		metric.WithDescription("Explicit certificate cache invalidations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate resets counter: %w", err)
	}

	m.LicenseResponses, err = meter.Int64Counter(
		"license_responses_total",
		metric.WithDescription("License service responses, by HTTP status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create license responses counter: %w", err)
	}

	m.LicenseLatency, err = meter.Float64Histogram(
		"license_request_duration_seconds",
		metric.WithDescription("License service round trip in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create license latency histogram: %w", err)
	}

	m.PayloadSize, err = meter.Int64Histogram(
		"key_request_payload_bytes",
		metric.WithDescription("Size of generated key request payloads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload size histogram: %w", err)
	}

	return m, nil
}

func (m *KeyMetrics) recordOutcome(ctx context.Context, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "fulfilled"
	if err != nil {
		outcome = KindOf(err).String()
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.RequestsTotal.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *KeyMetrics) addInFlight(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.RequestsInFlight.Add(ctx, delta)
}

func (m *KeyMetrics) recordTransition(ctx context.Context, from, to State) {
	if m == nil {
		return
	}
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *KeyMetrics) recordCertificateFetch(ctx context.Context, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
		if IsTimeout(err) {
			result = "timeout"
		}
	}
	m.CertificateFetches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *KeyMetrics) recordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CertificateCacheHits.Add(ctx, 1)
		return
	}
	m.CertificateCacheMisses.Add(ctx, 1)
}

func (m *KeyMetrics) recordReset(ctx context.Context) {
	if m == nil {
		return
	}
	m.CertificateResets.Add(ctx, 1)
}

func (m *KeyMetrics) recordLicenseResponse(ctx context.Context, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status_code", strconv.Itoa(status)))
	m.LicenseResponses.Add(ctx, 1, attrs)
	m.LicenseLatency.Record(ctx, d.Seconds(), attrs)
}

func (m *KeyMetrics) recordPayload(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.PayloadSize.Record(ctx, int64(size))
}
