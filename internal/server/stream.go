package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/echo-stt/internal/audio"
	"github.com/loqalabs/echo-stt/internal/events"
	"github.com/loqalabs/echo-stt/internal/protocol"
	"github.com/loqalabs/echo-stt/internal/session"
)

const (
	writeWait    = 5 * time.Second
	maxFrameSize = 1 << 20
)

// wsSink serializes transcript writes onto one connection.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(_ context.Context, event protocol.TranscriptEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("%w: %v", events.ErrSinkClosed, err)
	}
	return nil
}

func (s *wsSink) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// handleStream runs one streaming session per connection: binary frames carry
// PCM16 chunks, text frames carry control messages.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	s.track(conn)
	defer s.untrack(conn)
	conn.SetReadLimit(maxFrameSize)

	sink := &wsSink{conn: conn}
	q := r.URL.Query()
	sess, err := s.sessions.Open(session.Options{
		ID:        q.Get("session_id"),
		Language:  q.Get("language"),
		ModelSize: q.Get("model_size"),
		Source:    "websocket",
		Sink:      sink,
	})
	if err != nil {
		s.log.Warn("failed to open streaming session", slog.String("error", err.Error()))
		sink.close(websocket.ClosePolicyViolation, err.Error())
		return
	}
	id := sess.ID()
	defer s.sessions.Close(id)
	log := s.log.With(slog.String("session_id", id))

	ctx := r.Context()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			err := s.sessions.Submit(ctx, id, data, false)
			switch {
			case err == nil:
			case errors.Is(err, audio.ErrInvalidAudio):
				// dropped chunk; the stream carries on
			default:
				log.Info("stream ended", slog.String("error", err.Error()))
				sink.close(websocket.CloseNormalClosure, "session closed")
				return
			}
		case websocket.TextMessage:
			var ctrl protocol.ControlMessage
			if err := json.Unmarshal(data, &ctrl); err != nil {
				log.Debug("ignoring malformed control frame", slog.String("error", err.Error()))
				continue
			}
			switch ctrl.Type {
			case protocol.ControlFlush:
				if err := s.sessions.Flush(ctx, id); err != nil {
					log.Info("flush failed", slog.String("error", err.Error()))
					return
				}
			case protocol.ControlClose:
				sink.close(websocket.CloseNormalClosure, "bye")
				return
			default:
				log.Debug("ignoring unknown control frame", slog.String("type", ctrl.Type))
			}
		}
	}
}
