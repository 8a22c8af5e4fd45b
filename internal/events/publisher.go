package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/echo-stt/internal/protocol"
)

// Publisher is the subset of *nats.Conn the bus observer needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// BusPublisher mirrors transcript events onto the message bus.
type BusPublisher struct {
	pub Publisher
}

func NewBusPublisher(pub Publisher) *BusPublisher {
	return &BusPublisher{pub: pub}
}

func (b *BusPublisher) Observe(_ context.Context, event protocol.TranscriptEvent) error {
	if event.Type != protocol.EventError && event.Text == "" {
		return nil
	}
	data, err := json.Marshal(event.ToTranscript())
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := b.pub.Publish(event.Subject(), data); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	return nil
}
