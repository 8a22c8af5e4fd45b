package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/echo-stt/internal/audio"
	"github.com/loqalabs/echo-stt/internal/events"
	"github.com/loqalabs/echo-stt/internal/segment"
)

// Options fix a session's per-connection settings at creation.
type Options struct {
	ID        string
	Language  string
	ModelSize string
	// Source names the transport, e.g. "websocket" or "bus".
	Source string
	Sink   events.Sink
}

// Info is a point-in-time description of a live session.
type Info struct {
	ID           string    `json:"id"`
	Language     string    `json:"language"`
	ModelSize    string    `json:"model_size"`
	Source       string    `json:"source,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Pending      int       `json:"pending_chunks"`
}

// Status is the segmentation state as seen by the session loop.
type Status struct {
	State      segment.State
	Buffered   time.Duration
	SilenceRun time.Duration
}

type inputKind int

const (
	inputChunk inputKind = iota
	inputFlush
	inputFinish
	inputStatus
)

type input struct {
	kind  inputKind
	chunk audio.Chunk
	reply chan Status
}

// Session is one live stream. Its buffer and machine belong to its loop goroutine.
type Session struct {
	id        string
	language  string
	modelSize string
	source    string
	createdAt time.Time

	lastActivity atomic.Int64
	closed       atomic.Bool

	inbox  chan input
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	buf     *audio.Accumulator
	machine *segment.Machine
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Language() string  { return s.language }
func (s *Session) ModelSize() string { return s.modelSize }

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) info() Info {
	return Info{
		ID:           s.id,
		Language:     s.language,
		ModelSize:    s.modelSize,
		Source:       s.source,
		CreatedAt:    s.createdAt,
		LastActivity: s.idleSince(),
		Pending:      len(s.inbox),
	}
}

func (s *Session) status() Status {
	return Status{
		State:      s.machine.State(),
		Buffered:   s.buf.Duration(),
		SilenceRun: s.machine.SilenceRun(),
	}
}
