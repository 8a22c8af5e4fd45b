// Package events delivers transcript events from sessions to their
// transports, in order, and fans them out to best-effort observers.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/echo-stt/internal/protocol"
)

// ErrSinkClosed is returned when a session's transport is gone.
var ErrSinkClosed = errors.New("event sink closed")

// Sink is the transport side of one session. Send must serialize its own writes.
type Sink interface {
	Send(ctx context.Context, event protocol.TranscriptEvent) error
}

type SinkFunc func(ctx context.Context, event protocol.TranscriptEvent) error

func (f SinkFunc) Send(ctx context.Context, event protocol.TranscriptEvent) error {
	return f(ctx, event)
}

// Discard is a sink for sessions whose only consumers are observers.
var Discard Sink = SinkFunc(func(context.Context, protocol.TranscriptEvent) error { return nil })

// Observer sees every emitted event. Failures are logged and never block delivery.
type Observer interface {
	Observe(ctx context.Context, event protocol.TranscriptEvent) error
}

// Channel maps session ids to sinks.
type Channel struct {
	mu        sync.RWMutex
	sinks     map[string]Sink
	observers []Observer
	log       *slog.Logger
}

func NewChannel(log *slog.Logger, observers ...Observer) *Channel {
	return &Channel{
		sinks:     make(map[string]Sink),
		observers: observers,
		log:       log.With(slog.String("component", "events")),
	}
}

// AddObserver registers an observer for all subsequent events.
func (c *Channel) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Channel) Attach(sessionID string, sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks[sessionID] = sink
}

func (c *Channel) Detach(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sinks, sessionID)
}

func (c *Channel) Attached(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sinks[sessionID]
	return ok
}

// Emit delivers event to the session's sink, then to every observer.
// Callers emit from a single goroutine per session, which keeps per-session order.
func (c *Channel) Emit(ctx context.Context, sessionID string, event protocol.TranscriptEvent) error {
	event.SessionID = sessionID

	c.mu.RLock()
	sink := c.sinks[sessionID]
	observers := c.observers
	c.mu.RUnlock()

	for _, o := range observers {
		if err := o.Observe(ctx, event); err != nil {
			c.log.Warn("event observer failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}

	if sink == nil {
		return fmt.Errorf("%w: no sink for session %s", ErrSinkClosed, sessionID)
	}
	if err := sink.Send(ctx, event); err != nil {
		if errors.Is(err, ErrSinkClosed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	return nil
}
