package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/echo-stt/internal/config"
	"github.com/loqalabs/echo-stt/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "transcripts.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if err := es.AppendEvent(context.Background(), Event{SessionID: "s1", Type: "final"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), "s1", 10)
	if err != nil || events != nil {
		t.Fatalf("expected nothing stored, got %v, %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.AppendSession(ctx, "session-123"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendSession(ctx, "session-123"); err != nil {
		t.Fatalf("append session twice: %v", err)
	}
	for _, evt := range []Event{
		{SessionID: "session-123", Type: "interim", Text: "hello"},
		{SessionID: "session-123", Type: "final", Text: "hello world", Reason: "silence", Confidence: 0.8},
	} {
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "interim" || events[1].Text != "hello world" || events[1].Reason != "silence" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[1].CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
}

func TestRecorderObserve(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	rec := NewRecorder(es)
	ctx := context.Background()
	emitted := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	err := rec.Observe(ctx, protocol.TranscriptEvent{
		SessionID: "ws-1",
		Type:      protocol.EventError,
		Message:   "final transcription failed",
		EmittedAt: emitted,
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "ws-1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "error" || events[0].Message != "final transcription failed" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if !events[0].CreatedAt.Equal(emitted) {
		t.Fatalf("expected created_at %v, got %v", emitted, events[0].CreatedAt)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "final"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid-session", "new-session"} {
		if err := es.AppendSession(ctx, id); err != nil {
			t.Fatalf("append session: %v", err)
		}
		if err := es.AppendEvent(ctx, Event{SessionID: id, Type: "final"}); err != nil {
			t.Fatalf("append event: %v", err)
		}
		es.clock = func() time.Time { return time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC) }
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	for id, want := range map[string]int{"old-session": 0, "mid-session": 0, "new-session": 1} {
		events, err := es.ListSessionEvents(ctx, id, 10)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		if len(events) != want {
			t.Fatalf("%s: expected %d events after prune, got %d", id, want, len(events))
		}
	}
}
