// Package ingest feeds audio frames published on the message bus into
// streaming sessions.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/echo-stt/internal/bus"
	"github.com/loqalabs/echo-stt/internal/protocol"
	"github.com/loqalabs/echo-stt/internal/session"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	sourceBus = "bus"
	// laneSize bounds the frames buffered per session while its inbox is full.
	laneSize = 256
	// laneIdle ends a lane that has seen no frame for this long.
	laneIdle = time.Minute
)

// Service subscribes to audio.frame.> and routes frames by session id.
// Transcripts reach consumers through the bus publisher observer.
//
// The NATS dispatcher never blocks on a session: each session id gets its own
// lane goroutine feeding the manager in order, and a full lane drops frames.
type Service struct {
	bus        *bus.Client
	manager    *session.Manager
	sampleRate int
	log        *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	ready      atomic.Bool
	idle       time.Duration

	mu      sync.Mutex
	lanes   map[string]chan protocol.AudioFrame
	wg      sync.WaitGroup
	dropped atomic.Int64

	droppedCounter metric.Int64Counter
}

func NewService(parent context.Context, busClient *bus.Client, manager *session.Manager, sampleRate int, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	log = log.With(slog.String("component", "ingest"))
	dropped, err := otel.Meter("github.com/loqalabs/echo-stt/ingest").Int64Counter("echo.ingest.frames.dropped",
		metric.WithDescription("Bus audio frames dropped because their session lane was full"))
	if err != nil {
		log.Warn("failed to create ingest metrics", slog.String("error", err.Error()))
		dropped = noop.Int64Counter{}
	}
	return &Service{
		bus:        busClient,
		manager:    manager,
		sampleRate: sampleRate,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		idle:       laneIdle,
		lanes:      make(map[string]chan protocol.AudioFrame),

		droppedCounter: dropped,
	}
}

func (s *Service) Start() error {
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready.Store(true)
	s.log.Info("audio ingest subscribed", slog.String("subject", subject))
	return nil
}

func (s *Service) Close() {
	s.ready.Store(false)
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load() && s.bus.Healthy()
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}
	log := s.log.With(slog.String("session_id", frame.SessionID), slog.Int("sequence", frame.Sequence))

	if frame.SampleRate != 0 && frame.SampleRate != s.sampleRate {
		log.Warn("dropping frame with unsupported sample rate", slog.Int("sample_rate", frame.SampleRate))
		return
	}
	if frame.Channels > 1 {
		log.Warn("dropping multi-channel frame", slog.Int("channels", frame.Channels))
		return
	}
	if s.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	lane, ok := s.lanes[frame.SessionID]
	if !ok {
		lane = make(chan protocol.AudioFrame, laneSize)
		s.lanes[frame.SessionID] = lane
		s.wg.Add(1)
		go s.runLane(frame.SessionID, lane)
	}
	select {
	case lane <- frame:
	default:
		s.dropped.Add(1)
		s.droppedCounter.Add(s.ctx, 1)
		log.Warn("dropping frame, session is not keeping up")
	}
	s.mu.Unlock()
}

// runLane applies one session's frames in arrival order. It ends after a
// final frame, after the idle timeout, or when the service closes.
func (s *Service) runLane(id string, lane chan protocol.AudioFrame) {
	defer s.wg.Done()
	timer := time.NewTimer(s.idle)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.removeLane(id, lane, true)
			return
		case frame := <-lane:
			if !s.apply(frame) {
				if s.removeLane(id, lane, false) {
					return
				}
			}
			timer.Reset(s.idle)
		case <-timer.C:
			if s.removeLane(id, lane, false) {
				return
			}
			timer.Reset(s.idle)
		}
	}
}

// removeLane drops the lane unless frames raced in after the decision to stop.
func (s *Service) removeLane(id string, lane chan protocol.AudioFrame, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !force && len(lane) > 0 {
		return false
	}
	if s.lanes[id] == lane {
		delete(s.lanes, id)
	}
	return true
}

// apply feeds one frame to the manager. It reports false once the session's
// stream has ended.
func (s *Service) apply(frame protocol.AudioFrame) bool {
	log := s.log.With(slog.String("session_id", frame.SessionID), slog.Int("sequence", frame.Sequence))

	// Sessions created implicitly carry no source and may be fed from the bus.
	if info, ok := s.manager.Get(frame.SessionID); ok && info.Source != "" && info.Source != sourceBus {
		log.Warn("dropping frame for a session owned by another transport", slog.String("source", info.Source))
		return true
	}

	initial := frame.Sequence == 0
	if initial {
		_, err := s.manager.Open(session.Options{
			ID:        frame.SessionID,
			Language:  frame.Language,
			ModelSize: frame.ModelSize,
			Source:    sourceBus,
		})
		if err != nil {
			log.Warn("failed to open session", slog.String("error", err.Error()))
			return true
		}
	}

	if len(frame.PCM) > 0 {
		if err := s.manager.Submit(s.ctx, frame.SessionID, frame.PCM, initial); err != nil {
			log.Warn("failed to submit audio frame", slog.String("error", err.Error()))
			if !frame.Final {
				return true
			}
		}
	}

	if frame.Final {
		if err := s.manager.Finish(s.ctx, frame.SessionID); err != nil {
			log.Warn("failed to finish session", slog.String("error", err.Error()))
		}
		return false
	}
	return true
}
