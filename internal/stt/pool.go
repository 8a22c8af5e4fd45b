package stt

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// Pool bounds how many transcriptions run at once across all sessions.
type Pool struct {
	next     Recognizer
	sema     chan struct{}
	inflight atomic.Int64
}

func NewPool(next Recognizer, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{next: next, sema: make(chan struct{}, size)}
}

// Transcribe waits for a free slot, giving up when ctx ends.
func (p *Pool) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	select {
	case p.sema <- struct{}{}:
		defer func() { <-p.sema }()
	case <-ctx.Done():
		return TranscriptResult{}, ctx.Err()
	}
	p.inflight.Add(1)
	defer p.inflight.Add(-1)
	return p.next.Transcribe(ctx, req)
}

func (p *Pool) InFlight() int { return int(p.inflight.Load()) }

func (p *Pool) Capacity() int { return cap(p.sema) }

// RegisterMetrics reports engine slot usage as echo.engine.inflight and
// echo.engine.capacity gauges.
func (p *Pool) RegisterMetrics(meter metric.Meter) error {
	inflight, err := meter.Int64ObservableGauge("echo.engine.inflight",
		metric.WithDescription("Transcription engine calls currently running"))
	if err != nil {
		return err
	}
	capacity, err := meter.Int64ObservableGauge("echo.engine.capacity",
		metric.WithDescription("Maximum concurrent transcription engine calls"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(inflight, int64(p.InFlight()))
		obs.ObserveInt64(capacity, int64(p.Capacity()))
		return nil
	}, inflight, capacity)
	return err
}
