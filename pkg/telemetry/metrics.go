package telemetry

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	maxDetailSample = 256
)

// Send outcomes reported in SendData.Outcome.
const (
	OutcomeDone           = "done"
	OutcomeStreamError    = "stream_error"
	OutcomeProtocolError  = "protocol_error"
	OutcomeTransportError = "transport_error"
	OutcomeCanceled       = "canceled"
)

var (
	attrHTTPMethod  = attribute.Key("http.request.method")
	attrHTTPRoute   = attribute.Key("http.route")
	attrHTTPStatus  = attribute.Key("http.response.status_code")
	attrHTTPError   = attribute.Key("reborn.http.error")
	attrSendOutcome = attribute.Key("reborn.chat.outcome")
	attrSendDetail  = attribute.Key("reborn.chat.error_detail")
)

type metrics struct {
	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram
	sends        metric.Int64Counter
	deltas       metric.Int64Counter
	firstDelta   metric.Float64Histogram
	sendErrors   metric.Float64Histogram
}

// HTTPData captures one transport round trip.
type HTTPData struct {
	Method   string
	Route    string
	Status   int
	Duration time.Duration
	Error    error
}

// SendData captures one chat send from user message to terminal event.
type SendData struct {
	Outcome    string
	Detail     string
	Deltas     int
	FirstDelta time.Duration
	Duration   time.Duration
}

func newMetrics(m meterProvider) (*metrics, error) {
	if m == nil {
		return &metrics{}, nil
	}
	httpRequests, err := m.Int64Counter("reborn.http.requests.total", metric.WithDescription("Total number of backend HTTP requests."))
	if err != nil {
		return nil, err
	}
	httpLatency, err := m.Float64Histogram("reborn.http.latency.ms", metric.WithDescription("Backend request latency up to response headers."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	sends, err := m.Int64Counter("reborn.chat.sends.total", metric.WithDescription("Total number of chat sends by outcome."))
	if err != nil {
		return nil, err
	}
	deltas, err := m.Int64Counter("reborn.chat.deltas.total", metric.WithDescription("Total number of streamed text deltas applied."))
	if err != nil {
		return nil, err
	}
	firstDelta, err := m.Float64Histogram("reborn.chat.first_delta.ms", metric.WithDescription("Time from send to the first streamed delta."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	sendErrors, err := m.Float64Histogram("reborn.chat.errors.rate", metric.WithDescription("Per-send error indicator (0 or 1)."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	return &metrics{
		httpRequests: httpRequests,
		httpLatency:  httpLatency,
		sends:        sends,
		deltas:       deltas,
		firstDelta:   firstDelta,
		sendErrors:   sendErrors,
	}, nil
}

func (m *metrics) RecordHTTP(ctx context.Context, data HTTPData) {
	if m == nil || m.httpRequests == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, 4)
	if data.Method != "" {
		attrs = append(attrs, attrHTTPMethod.String(strings.ToUpper(data.Method)))
	}
	if data.Route != "" {
		attrs = append(attrs, attrHTTPRoute.String(data.Route))
	}
	if data.Status > 0 {
		attrs = append(attrs, attrHTTPStatus.Int(data.Status))
	}
	attrs = append(attrs, attrHTTPError.Bool(data.Error != nil))

	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	if data.Duration > 0 && m.httpLatency != nil {
		m.httpLatency.Record(ctx, float64(data.Duration.Milliseconds()), metric.WithAttributes(attrs...))
	}
}

func (m *metrics) RecordSend(ctx context.Context, data SendData) {
	if m == nil || m.sends == nil {
		return
	}
	outcome := strings.TrimSpace(data.Outcome)
	if outcome == "" {
		outcome = OutcomeDone
	}
	attrs := []attribute.KeyValue{attrSendOutcome.String(outcome)}
	if detail := sanitizeSample(data.Detail); detail != "" {
		attrs = append(attrs, attrSendDetail.String(detail))
	}

	m.sends.Add(ctx, 1, metric.WithAttributes(attrs...))
	if data.Deltas > 0 && m.deltas != nil {
		m.deltas.Add(ctx, int64(data.Deltas), metric.WithAttributes(attrSendOutcome.String(outcome)))
	}
	if data.FirstDelta > 0 && m.firstDelta != nil {
		m.firstDelta.Record(ctx, float64(data.FirstDelta.Milliseconds()))
	}
	if m.sendErrors != nil {
		if outcome == OutcomeDone {
			m.sendErrors.Record(ctx, 0, metric.WithAttributes(attrs...))
		} else {
			m.sendErrors.Record(ctx, 1, metric.WithAttributes(attrs...))
		}
	}
}

func sanitizeSample(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if utf8.RuneCountInString(value) <= maxDetailSample {
		return value
	}
	runes := []rune(value)
	return string(runes[:maxDetailSample])
}

// meterProvider is the subset of metric.Meter we rely on, which makes
// dependency injection straightforward in tests.
type meterProvider interface {
	Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error)
	Float64Histogram(name string, opts ...metric.Float64HistogramOption) (metric.Float64Histogram, error)
}
