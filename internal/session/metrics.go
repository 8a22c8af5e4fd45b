package session

import (
	"context"
	"time"

	"github.com/loqalabs/echo-stt/internal/protocol"
	"github.com/loqalabs/echo-stt/internal/segment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/echo-stt/internal/session"

type metrics struct {
	opened         metric.Int64Counter
	transcriptions metric.Int64Counter
	duration       metric.Float64Histogram
	rejected       metric.Int64Counter
}

func newMetrics(active func() int) (*metrics, error) {
	meter := otel.Meter(instrumentationName)

	opened, err := meter.Int64Counter("echo.sessions.opened",
		metric.WithDescription("Streaming sessions opened"))
	if err != nil {
		return nil, err
	}
	_, err = meter.Int64ObservableGauge("echo.sessions.active",
		metric.WithDescription("Streaming sessions currently open"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(active()))
			return nil
		}))
	if err != nil {
		return nil, err
	}
	transcriptions, err := meter.Int64Counter("echo.transcriptions",
		metric.WithDescription("Transcription calls by kind, outcome and trigger"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("echo.transcription.duration",
		metric.WithDescription("Transcription engine latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("echo.chunks.rejected",
		metric.WithDescription("Audio chunks dropped before reaching the buffer"))
	if err != nil {
		return nil, err
	}
	return &metrics{
		opened:         opened,
		transcriptions: transcriptions,
		duration:       duration,
		rejected:       rejected,
	}, nil
}

func (m *metrics) recordTranscription(ctx context.Context, kind protocol.EventType, reason segment.Reason, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
		attribute.String("reason", string(reason)),
	)
	m.transcriptions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *metrics) recordRejected(ctx context.Context, cause string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}
