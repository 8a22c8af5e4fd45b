// Package session owns live streaming sessions: it routes chunks, runs each
// session's segmentation loop and executes the resulting transcribe actions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/echo-stt/internal/audio"
	"github.com/loqalabs/echo-stt/internal/config"
	"github.com/loqalabs/echo-stt/internal/events"
	"github.com/loqalabs/echo-stt/internal/protocol"
	"github.com/loqalabs/echo-stt/internal/segment"
	"github.com/loqalabs/echo-stt/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrSessionNotFound is returned for unknown ids in strict mode and for
	// operations that never create sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when submitting to a session that is shutting down.
	ErrSessionClosed = errors.New("session closed")
	// ErrStopped is returned once the manager has been stopped.
	ErrStopped = errors.New("session manager stopped")
	// ErrSessionExists is returned when a transport tries to open an id that
	// another connection already owns.
	ErrSessionExists = errors.New("session already exists")
	// ErrUnknownModelSize rejects model sizes outside config.ModelSizes.
	ErrUnknownModelSize = errors.New("unknown model size")
)

type Manager struct {
	cfg        Config
	engine     stt.Recognizer
	channel    *events.Channel
	classifier *audio.Classifier
	log        *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(parent context.Context, cfg Config, engine stt.Recognizer, channel *events.Channel, log *slog.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		cfg:        cfg,
		engine:     engine,
		channel:    channel,
		classifier: audio.NewClassifier(cfg.SilenceThreshold),
		log:        log.With(slog.String("component", "session")),
		tracer:     otel.Tracer(instrumentationName),
		sessions:   make(map[string]*Session),
		ctx:        ctx,
		cancel:     cancel,
	}
	met, err := newMetrics(m.Count)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("session metrics: %w", err)
	}
	m.metrics = met
	return m, nil
}

// Start launches the idle sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweep()
}

// Stop closes every session and waits for their loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped
}

// Open creates a session. For a live id it returns the existing session when
// opts carries no sink, and ErrSessionExists when it does: a sink belongs to
// exactly one connection.
func (m *Manager) Open(opts Options) (*Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Language == "" {
		opts.Language = m.cfg.Language
	}
	if opts.ModelSize == "" {
		opts.ModelSize = m.cfg.ModelSize
	}
	if !config.ValidModelSize(opts.ModelSize) {
		return nil, fmt.Errorf("%w %q", ErrUnknownModelSize, opts.ModelSize)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	if existing := m.sessions[opts.ID]; existing != nil {
		m.mu.Unlock()
		if opts.Sink != nil {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, opts.ID)
		}
		return existing, nil
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(m.ctx)
	s := &Session{
		id:        opts.ID,
		language:  opts.Language,
		modelSize: opts.ModelSize,
		source:    opts.Source,
		createdAt: now,
		inbox:     make(chan input, m.cfg.InboxSize),
		ctx:       ctx,
		cancel:    cancel,
		log:       m.log.With(slog.String("session_id", opts.ID)),
		buf:       audio.NewAccumulator(m.cfg.SampleRate, m.cfg.HardCap),
		machine:   segment.NewMachine(m.cfg.Segment),
	}
	s.touch(now)
	m.sessions[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	sink := opts.Sink
	if sink == nil && !m.channel.Attached(s.id) {
		sink = events.Discard
	}
	if sink != nil {
		m.channel.Attach(s.id, sink)
	}

	go m.run(s)

	m.metrics.opened.Add(m.ctx, 1)
	s.log.Info("session opened",
		slog.String("language", s.language),
		slog.String("model_size", s.modelSize),
		slog.String("source", s.source))
	return s, nil
}

// Submit routes one raw PCM16 chunk to session id. An initial chunk for an
// unknown id creates the session; otherwise unknown ids are created only when
// strict mode is off. Blocks while the session's inbox is full.
func (m *Manager) Submit(ctx context.Context, id string, data []byte, initial bool) error {
	s, err := m.route(id, initial)
	if err != nil {
		return err
	}
	chunk, err := audio.NewChunk(data, m.cfg.SampleRate)
	if err != nil {
		m.metrics.recordRejected(ctx, "invalid_audio")
		s.log.Warn("rejected audio chunk", slog.String("error", err.Error()))
		return err
	}
	return m.enqueue(ctx, s, input{kind: inputChunk, chunk: chunk})
}

// Flush forces a final for whatever the session has buffered.
func (m *Manager) Flush(ctx context.Context, id string) error {
	s := m.lookup(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m.enqueue(ctx, s, input{kind: inputFlush})
}

// Finish flushes the session and closes it once the final has been delivered.
func (m *Manager) Finish(ctx context.Context, id string) error {
	s := m.lookup(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m.enqueue(ctx, s, input{kind: inputFinish})
}

// Status asks the session loop for its segmentation state. It waits behind
// any queued chunks and in-flight transcription.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	s := m.lookup(id)
	if s == nil {
		return Status{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	reply := make(chan Status, 1)
	if err := m.enqueue(ctx, s, input{kind: inputStatus, reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.ctx.Done():
		return Status{}, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Close tears a session down and discards its buffer. Unknown ids are a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if s == nil {
		return
	}
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	m.channel.Detach(id)
	s.log.Info("session closed", slog.Duration("age", time.Since(s.createdAt)))
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List describes live sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) Get(id string) (Info, bool) {
	s := m.lookup(id)
	if s == nil {
		return Info{}, false
	}
	return s.info(), true
}

// TranscribeOnce transcribes a whole clip as a single final, without
// segmentation. Clips longer than the hard cap fail with audio.ErrBufferOverflow.
func (m *Manager) TranscribeOnce(ctx context.Context, samples []float32, sampleRate int, opts Options) (stt.TranscriptResult, error) {
	if opts.Language == "" {
		opts.Language = m.cfg.Language
	}
	if opts.ModelSize == "" {
		opts.ModelSize = m.cfg.ModelSize
	}
	if !config.ValidModelSize(opts.ModelSize) {
		return stt.TranscriptResult{}, fmt.Errorf("%w %q", ErrUnknownModelSize, opts.ModelSize)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if sampleRate <= 0 {
		return stt.TranscriptResult{}, fmt.Errorf("%w: sample rate %d", audio.ErrInvalidAudio, sampleRate)
	}

	buf := audio.NewAccumulator(sampleRate, m.cfg.HardCap)
	if err := buf.Append(samples); err != nil {
		return stt.TranscriptResult{}, err
	}
	if buf.Len() == 0 {
		return stt.TranscriptResult{}, fmt.Errorf("%w: no samples", audio.ErrInvalidAudio)
	}

	req := stt.Request{
		Samples:    buf.Snapshot(),
		SampleRate: sampleRate,
		Language:   opts.Language,
		ModelSize:  opts.ModelSize,
		Final:      true,
	}
	buf.Clear()
	res, err := m.invoke(ctx, opts.ID, protocol.EventFinal, segment.ReasonFlush, req)
	if err != nil {
		return stt.TranscriptResult{}, err
	}
	if res.Language == "" {
		res.Language = stt.LanguageHint(opts.Language)
	}
	if res.Language == "" {
		res.Language = "unknown"
	}
	return res, nil
}

func (m *Manager) lookup(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) route(id string, initial bool) (*Session, error) {
	if s := m.lookup(id); s != nil {
		return s, nil
	}
	if id == "" || (!initial && m.cfg.Strict) {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return m.Open(Options{ID: id})
}

func (m *Manager) enqueue(ctx context.Context, s *Session, in input) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}
	select {
	case s.inbox <- in:
		if in.kind == inputChunk {
			s.touch(time.Now())
		}
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(s *Session) {
	defer m.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case in := <-s.inbox:
			if s.closed.Load() {
				return
			}
			switch in.kind {
			case inputChunk:
				m.step(s, in.chunk)
			case inputFlush:
				for _, action := range s.machine.Flush() {
					m.transcribe(s, action)
				}
			case inputFinish:
				for _, action := range s.machine.Flush() {
					m.transcribe(s, action)
				}
				m.Close(s.id)
				return
			case inputStatus:
				in.reply <- s.status()
			}
		}
	}
}

func (m *Manager) step(s *Session, chunk audio.Chunk) {
	verdict, err := m.classifier.Classify(chunk)
	if err != nil {
		m.metrics.recordRejected(m.ctx, "invalid_audio")
		s.log.Warn("rejected audio chunk", slog.String("error", err.Error()))
		return
	}
	for _, action := range s.machine.Step(verdict) {
		if s.closed.Load() {
			return
		}
		if action.Kind == segment.Append {
			m.appendChunk(s, chunk, verdict)
			continue
		}
		m.transcribe(s, action)
	}
}

func (m *Manager) appendChunk(s *Session, chunk audio.Chunk, verdict audio.Verdict) {
	err := s.buf.Append(chunk.Samples)
	if err == nil {
		return
	}
	s.log.Warn("audio buffer overflow, forcing final",
		slog.Duration("buffered", s.buf.Duration()),
		slog.String("error", err.Error()))
	m.transcribe(s, s.machine.Overflow(verdict))

	if err := s.buf.Append(chunk.Samples); err != nil {
		s.machine.Reset()
		m.metrics.recordRejected(m.ctx, "overflow")
		s.log.Warn("dropped oversized audio chunk", slog.String("error", err.Error()))
	}
}

// transcribe executes one transcribe action against the session buffer.
// A final always clears the buffer, whether or not the engine succeeded.
func (m *Manager) transcribe(s *Session, action segment.Action) {
	if s.buf.Len() == 0 {
		return
	}
	final := action.Kind == segment.FinalTranscribeAndReset
	kind := protocol.EventInterim
	if final {
		kind = protocol.EventFinal
	}
	event := protocol.TranscriptEvent{Type: kind, Reason: string(action.Reason)}

	// Segments without any speech skip the engine and yield an empty transcript.
	if action.Speech {
		req := stt.Request{
			Samples:    s.buf.Snapshot(),
			SampleRate: s.buf.SampleRate(),
			Language:   s.language,
			ModelSize:  s.modelSize,
			Final:      final,
		}
		res, err := m.invoke(m.ctx, s.id, kind, action.Reason, req)
		if err != nil {
			event.Type = protocol.EventError
			event.Message = fmt.Sprintf("%s transcription failed: %v", kind, err)
			s.log.Warn("transcription failed",
				slog.String("kind", string(kind)),
				slog.String("reason", string(action.Reason)),
				slog.String("error", err.Error()))
		} else {
			event.Text = res.Text
			event.Confidence = res.Confidence
		}
	}
	if final {
		s.buf.Clear()
	}

	if s.closed.Load() {
		s.log.Debug("discarding transcript for closed session", slog.String("kind", string(kind)))
		return
	}
	event.EmittedAt = time.Now().UTC()
	if err := m.channel.Emit(m.ctx, s.id, event); err != nil {
		s.log.Warn("event delivery failed, closing session", slog.String("error", err.Error()))
		m.Close(s.id)
	}
}

type engineOutcome struct {
	result stt.TranscriptResult
	err    error
}

// invoke calls the engine under the transcribe timeout. An engine that
// ignores its context is abandoned when the deadline passes.
func (m *Manager) invoke(parent context.Context, sessionID string, kind protocol.EventType, reason segment.Reason, req stt.Request) (stt.TranscriptResult, error) {
	ctx, cancel := context.WithTimeout(parent, m.cfg.TranscribeTimeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "session.transcribe", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("transcript.kind", string(kind)),
		attribute.String("transcript.reason", string(reason)),
		attribute.Int("audio.samples", len(req.Samples)),
	))
	defer span.End()

	start := time.Now()
	done := make(chan engineOutcome, 1)
	go func() {
		res, err := m.engine.Transcribe(ctx, req)
		done <- engineOutcome{result: res, err: err}
	}()

	var out engineOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	if out.err != nil {
		out.err = fmt.Errorf("%w: %v", stt.ErrEngineFailure, out.err)
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
	m.metrics.recordTranscription(ctx, kind, reason, out.err, time.Since(start))
	return out.result, out.err
}

func (m *Manager) sweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.expireIdle(now)
		}
	}
}

func (m *Manager) expireIdle(now time.Time) {
	var expired []*Session
	m.mu.Lock()
	for _, s := range m.sessions {
		if now.Sub(s.idleSince()) > m.cfg.IdleTimeout {
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.log.Info("session idle timeout", slog.Duration("idle", now.Sub(s.idleSince())))
		m.Close(s.id)
	}
}
