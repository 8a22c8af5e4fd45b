package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/echo-stt/internal/audio"
	"github.com/loqalabs/echo-stt/internal/events"
	"github.com/loqalabs/echo-stt/internal/protocol"
	"github.com/loqalabs/echo-stt/internal/segment"
	"github.com/loqalabs/echo-stt/internal/stt"
)

const chunkSamples = 3200 // 200ms at 16kHz

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func speechPCM() []byte {
	samples := make([]float32, chunkSamples)
	for i := range samples {
		samples[i] = 0.3 * float32(math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return audio.EncodePCM16(samples)
}

func silencePCM() []byte {
	return make([]byte, chunkSamples*2)
}

type fakeEngine struct {
	mu       sync.Mutex
	requests []stt.Request
	// failInterim errors interim calls; hangFinal blocks finals until ctx ends.
	failInterim bool
	hangFinal   bool
	hangAll     chan struct{}
	started     chan struct{}
}

func (f *fakeEngine) Transcribe(ctx context.Context, req stt.Request) (stt.TranscriptResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.hangAll != nil {
		<-f.hangAll
		return stt.TranscriptResult{Text: "late"}, nil
	}
	if req.Final && f.hangFinal {
		<-ctx.Done()
		return stt.TranscriptResult{}, ctx.Err()
	}
	if !req.Final && f.failInterim {
		return stt.TranscriptResult{}, errors.New("model crashed")
	}
	kind := "interim"
	if req.Final {
		kind = "final"
	}
	return stt.TranscriptResult{Text: kind + " text"}, nil
}

func (f *fakeEngine) calls() []stt.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stt.Request(nil), f.requests...)
}

type chanSink struct {
	ch  chan protocol.TranscriptEvent
	err error
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan protocol.TranscriptEvent, 64)}
}

func (c *chanSink) Send(_ context.Context, ev protocol.TranscriptEvent) error {
	if c.err != nil {
		return c.err
	}
	c.ch <- ev
	return nil
}

func (c *chanSink) next(t *testing.T) protocol.TranscriptEvent {
	t.Helper()
	select {
	case ev := <-c.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript event")
		return protocol.TranscriptEvent{}
	}
}

func (c *chanSink) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-c.ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(wait):
	}
}

func testConfig() Config {
	return Config{
		SampleRate:        16000,
		Segment:           segment.DefaultConfig(),
		HardCap:           60 * time.Second,
		SilenceThreshold:  0.01,
		IdleTimeout:       time.Minute,
		SweepInterval:     time.Second,
		TranscribeTimeout: 2 * time.Second,
		InboxSize:         256,
	}
}

func newManager(t *testing.T, cfg Config, engine stt.Recognizer) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), cfg, engine, events.NewChannel(newLogger()), newLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func submitN(t *testing.T, m *Manager, id string, pcm []byte, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := m.Submit(context.Background(), id, pcm, false); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInterimThenFinalOnSilence(t *testing.T) {
	engine := &fakeEngine{}
	m := newManager(t, testConfig(), engine)
	sink := newChanSink()
	if _, err := m.Open(Options{ID: "s1", Sink: sink}); err != nil {
		t.Fatalf("open: %v", err)
	}

	submitN(t, m, "s1", speechPCM(), 3)
	submitN(t, m, "s1", silencePCM(), 4)
	ev := sink.next(t)
	if ev.Type != protocol.EventInterim || ev.Text != "interim text" || ev.SessionID != "s1" {
		t.Fatalf("expected interim, got %+v", ev)
	}

	submitN(t, m, "s1", silencePCM(), 3)
	sink.none(t, 50*time.Millisecond)

	submitN(t, m, "s1", silencePCM(), 1)
	ev = sink.next(t)
	if ev.Type != protocol.EventFinal || ev.Text != "final text" || ev.Reason != string(segment.ReasonSilence) {
		t.Fatalf("expected final, got %+v", ev)
	}

	st, err := m.Status(context.Background(), "s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != segment.Idle || st.Buffered != 0 || st.SilenceRun != 0 {
		t.Fatalf("expected idle empty session, got %+v", st)
	}

	calls := engine.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 engine calls, got %d", len(calls))
	}
	if len(calls[0].Samples) != 7*chunkSamples || calls[0].Final {
		t.Fatalf("interim request carried %d samples", len(calls[0].Samples))
	}
	if len(calls[1].Samples) != 11*chunkSamples || !calls[1].Final {
		t.Fatalf("final request carried %d samples, want every appended chunk", len(calls[1].Samples))
	}
	if calls[1].Language != "auto" || calls[1].ModelSize != "base" {
		t.Fatalf("unexpected request options %+v", calls[1])
	}
}

func TestMaxLengthForcesFinal(t *testing.T) {
	engine := &fakeEngine{}
	m := newManager(t, testConfig(), engine)
	sink := newChanSink()
	if _, err := m.Open(Options{ID: "long", Sink: sink}); err != nil {
		t.Fatalf("open: %v", err)
	}

	submitN(t, m, "long", speechPCM(), 175)
	ev := sink.next(t)
	if ev.Type != protocol.EventFinal || ev.Reason != string(segment.ReasonMaxLength) {
		t.Fatalf("expected forced final, got %+v", ev)
	}

	st, err := m.Status(context.Background(), "long")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Buffered != 5*time.Second {
		t.Fatalf("expected 5s buffered after forced final, got %v", st.Buffered)
	}
	sink.none(t, 20*time.Millisecond)

	calls := engine.calls()
	if len(calls) != 1 || len(calls[0].Samples) != 150*chunkSamples {
		t.Fatalf("expected one 30s final request, got %d calls", len(calls))
	}
}

func TestEngineTimeoutOnFinalStillResets(t *testing.T) {
	cfg := testConfig()
	cfg.TranscribeTimeout = 50 * time.Millisecond
	engine := &fakeEngine{hangFinal: true}
	m := newManager(t, cfg, engine)
	sink := newChanSink()
	if _, err := m.Open(Options{ID: "slow", Sink: sink}); err != nil {
		t.Fatalf("open: %v", err)
	}

	submitN(t, m, "slow", speechPCM(), 3)
	submitN(t, m, "slow", silencePCM(), 8)
	if ev := sink.next(t); ev.Type != protocol.EventInterim {
		t.Fatalf("expected interim first, got %+v", ev)
	}
	ev := sink.next(t)
	if ev.Type != protocol.EventError || !strings.Contains(ev.Message, "final") {
		t.Fatalf("expected final error event, got %+v", ev)
	}
	if !strings.Contains(ev.Message, stt.ErrEngineFailure.Error()) {
		t.Fatalf("expected engine failure in message, got %q", ev.Message)
	}

	st, err := m.Status(context.Background(), "slow")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != segment.Idle || st.Buffered != 0 {
		t.Fatalf("expected reset after failed final, got %+v", st)
	}
	sink.none(t, 20*time.Millisecond)
}

func TestInterimFailureKeepsBuffer(t *testing.T) {
	engine := &fakeEngine{failInterim: true}
	m := newManager(t, testConfig(), engine)
	sink := newChanSink()
	if _, err := m.Open(Options{ID: "s1", Sink: sink}); err != nil {
		t.Fatalf("open: %v", err)
	}

	submitN(t, m, "s1", speechPCM(), 3)
	submitN(t, m, "s1", silencePCM(), 4)
	ev := sink.next(t)
	if ev.Type != protocol.EventError || !strings.Contains(ev.Message, "model crashed") {
		t.Fatalf("expected interim error event, got %+v", ev)
	}

	st, err := m.Status(context.Background(), "s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != segment.ShortSilence || st.Buffered != 1400*time.Millisecond {
		t.Fatalf("expected buffer kept after interim failure, got %+v", st)
	}

	submitN(t, m, "s1", silencePCM(), 4)
	if ev := sink.next(t); ev.Type != protocol.EventFinal {
		t.Fatalf("expected final after recovery, got %+v", ev)
	}
}

func TestSilenceOnlySegmentSkipsEngine(t *testing.T) {
	engine := &fakeEngine{}
	m := newManager(t, testConfig(), engine)
	sink := newChanSink()
	if _, err := m.Open(Options{ID: "quiet", Sink: sink}); err != nil {
		t.Fatalf("open: %v", err)
	}

	submitN(t, m, "quiet", silencePCM(), 8)
	ev := sink.next(t)
	if ev.Type != protocol.EventFinal || ev.Text != "" {
		t.Fatalf("expected empty final, got %+v", ev)
	}
	if n := len(engine.calls()); n != 0 {
		t.Fatalf("engine called %d times for silence", n)
	}
}

func TestFlushForcesFinal(t *testing.T) {
	m := newManager(t, testConfig(), &fakeEngine{})
	sink := newChanSink()
	if _, err := m.Open(Options{ID: "s1", Sink: sink}); err != nil {
		t.Fatalf("open: %v", err)
	}
	submitN(t, m, "s1", speechPCM(), 2)
	if err := m.Flush(context.Background(), "s1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	ev := sink.next(t)
	if ev.Type != protocol.EventFinal || ev.Reason != string(segment.ReasonFlush) {
		t.Fatalf("expected flush final, got %+v", ev)
	}
	if err := m.Flush(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newManager(t, testConfig(), &fakeEngine{})
	s, err := m.Open(Options{Sink: newChanSink()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.ID() == "" {
		t.Fatal("expected generated session id")
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", m.Count())
	}
	m.Close(s.ID())
	m.Close(s.ID())
	m.Close("never-existed")
	if m.Count() != 0 {
		t.Fatalf("expected 0 sessions, got %d", m.Count())
	}
	if _, ok := m.Get(s.ID()); ok {
		t.Fatal("closed session still listed")
	}
}

func TestCloseDiscardsInFlightResult(t *testing.T) {
	engine := &fakeEngine{hangAll: make(chan struct{}), started: make(chan struct{}, 1)}
	m := newManager(t, testConfig(), engine)
	sink := newChanSink()
	if _, err := m.Open(Options{ID: "s1", Sink: sink}); err != nil {
		t.Fatalf("open: %v", err)
	}

	submitN(t, m, "s1", speechPCM(), 3)
	submitN(t, m, "s1", silencePCM(), 4)
	select {
	case <-engine.started:
	case <-time.After(3 * time.Second):
		t.Fatal("engine never called")
	}
	m.Close("s1")
	close(engine.hangAll)
	sink.none(t, 100*time.Millisecond)
}

func TestStrictModeRejectsUnknownSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Strict = true
	m := newManager(t, cfg, &fakeEngine{})

	err := m.Submit(context.Background(), "ghost", speechPCM(), false)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if m.Count() != 0 {
		t.Fatal("strict mode created a session implicitly")
	}
	if err := m.Submit(context.Background(), "ghost", speechPCM(), true); err != nil {
		t.Fatalf("initial submit: %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("expected initial chunk to create session, got %d", m.Count())
	}
}

func TestLenientModeCreatesSessions(t *testing.T) {
	m := newManager(t, testConfig(), &fakeEngine{})
	if err := m.Submit(context.Background(), "implicit", speechPCM(), false); err != nil {
		t.Fatalf("submit: %v", err)
	}
	info, ok := m.Get("implicit")
	if !ok || info.Language != "auto" || info.ModelSize != "base" {
		t.Fatalf("expected implicit session with defaults, got %+v", info)
	}
}

func TestInvalidChunkKeepsSession(t *testing.T) {
	m := newManager(t, testConfig(), &fakeEngine{})
	sink := newChanSink()
	if _, err := m.Open(Options{ID: "s1", Sink: sink}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Submit(context.Background(), "s1", []byte{1, 2, 3}, false); !errors.Is(err, audio.ErrInvalidAudio) {
		t.Fatalf("expected ErrInvalidAudio, got %v", err)
	}
	submitN(t, m, "s1", speechPCM(), 1)
	st, err := m.Status(context.Background(), "s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Buffered != 200*time.Millisecond {
		t.Fatalf("expected 200ms buffered, got %v", st.Buffered)
	}
}

func TestSinkFailureClosesSession(t *testing.T) {
	m := newManager(t, testConfig(), &fakeEngine{})
	sink := &chanSink{err: io.ErrClosedPipe}
	if _, err := m.Open(Options{ID: "s1", Sink: sink}); err != nil {
		t.Fatalf("open: %v", err)
	}
	submitN(t, m, "s1", speechPCM(), 3)
	submitN(t, m, "s1", silencePCM(), 4)
	waitFor(t, func() bool { return m.Count() == 0 })
}

func TestIdleSweepClosesSessions(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 30 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	m := newManager(t, cfg, &fakeEngine{})
	if _, err := m.Open(Options{ID: "idle", Sink: newChanSink()}); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, func() bool { return m.Count() == 0 })
}

func TestOpenRejectsUnknownModelSize(t *testing.T) {
	m := newManager(t, testConfig(), &fakeEngine{})
	if _, err := m.Open(Options{ModelSize: "huge"}); !errors.Is(err, ErrUnknownModelSize) {
		t.Fatal("expected error for unknown model size")
	}
}

func TestTranscribeOnce(t *testing.T) {
	engine := &fakeEngine{}
	m := newManager(t, testConfig(), engine)

	res, err := m.TranscribeOnce(context.Background(), make([]float32, 16000), 16000, Options{Language: "en"})
	if err != nil {
		t.Fatalf("transcribe once: %v", err)
	}
	if res.Text != "final text" || res.Language != "en" {
		t.Fatalf("unexpected result %+v", res)
	}
	calls := engine.calls()
	if len(calls) != 1 || calls[0].Language != "en" || len(calls[0].Samples) != 16000 {
		t.Fatalf("unexpected engine request %+v", calls)
	}
	if m.Count() != 0 {
		t.Fatal("single-shot transcription registered a session")
	}

	tooLong := make([]float32, 61*16000)
	if _, err := m.TranscribeOnce(context.Background(), tooLong, 16000, Options{}); !errors.Is(err, audio.ErrBufferOverflow) {
		t.Fatalf("expected ErrBufferOverflow, got %v", err)
	}
	if _, err := m.TranscribeOnce(context.Background(), nil, 16000, Options{}); !errors.Is(err, audio.ErrInvalidAudio) {
		t.Fatalf("expected ErrInvalidAudio, got %v", err)
	}
}

func TestTranscribeOnceEngineFailure(t *testing.T) {
	cfg := testConfig()
	cfg.TranscribeTimeout = 30 * time.Millisecond
	m := newManager(t, cfg, &fakeEngine{hangFinal: true})
	_, err := m.TranscribeOnce(context.Background(), make([]float32, 1600), 16000, Options{})
	if !errors.Is(err, stt.ErrEngineFailure) {
		t.Fatalf("expected ErrEngineFailure, got %v", err)
	}
}

func TestStopRejectsNewSessions(t *testing.T) {
	m, err := NewManager(context.Background(), testConfig(), &fakeEngine{}, events.NewChannel(newLogger()), newLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.Start()
	if _, err := m.Open(Options{ID: "a", Sink: newChanSink()}); err != nil {
		t.Fatalf("open: %v", err)
	}
	m.Stop()
	if m.Count() != 0 || m.Healthy() {
		t.Fatal("expected stopped manager with no sessions")
	}
	if _, err := m.Open(Options{ID: "b"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestFinishFlushesThenCloses(t *testing.T) {
	m := newManager(t, testConfig(), &fakeEngine{})
	sink := newChanSink()
	if _, err := m.Open(Options{ID: "s1", Sink: sink}); err != nil {
		t.Fatalf("open: %v", err)
	}
	submitN(t, m, "s1", speechPCM(), 2)
	if err := m.Finish(context.Background(), "s1"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if ev := sink.next(t); ev.Type != protocol.EventFinal || ev.Text != "final text" {
		t.Fatalf("expected final before close, got %+v", ev)
	}
	waitFor(t, func() bool { return m.Count() == 0 })
}

func TestOpenRefusesSecondSinkForLiveID(t *testing.T) {
	m := newManager(t, testConfig(), &fakeEngine{})
	owner := newChanSink()
	first, err := m.Open(Options{ID: "shared", Sink: owner})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := m.Open(Options{ID: "shared", Sink: newChanSink()}); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	again, err := m.Open(Options{ID: "shared"})
	if err != nil || again != first {
		t.Fatalf("sinkless open should return the live session, got %v, %v", again, err)
	}

	submitN(t, m, "shared", speechPCM(), 2)
	if err := m.Flush(context.Background(), "shared"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if ev := owner.next(t); ev.Type != protocol.EventFinal {
		t.Fatalf("owner should still receive its transcripts, got %+v", ev)
	}
}

// gatedEngine holds every call until gate closes and records peak concurrency.
type gatedEngine struct {
	gate    chan struct{}
	started chan struct{}
	active  atomic.Int64
	peak    atomic.Int64

	mu       sync.Mutex
	requests []stt.Request
}

func (g *gatedEngine) Transcribe(_ context.Context, req stt.Request) (stt.TranscriptResult, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.gate
	if req.Final {
		return stt.TranscriptResult{Text: "final text"}, nil
	}
	return stt.TranscriptResult{Text: "interim text"}, nil
}

func (g *gatedEngine) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func TestChunksQueueBehindInFlightTranscription(t *testing.T) {
	engine := &gatedEngine{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	m := newManager(t, testConfig(), engine)
	sink := newChanSink()
	if _, err := m.Open(Options{ID: "s1", Sink: sink}); err != nil {
		t.Fatalf("open: %v", err)
	}

	submitN(t, m, "s1", speechPCM(), 3)
	submitN(t, m, "s1", silencePCM(), 4)
	select {
	case <-engine.started:
	case <-time.After(2 * time.Second):
		t.Fatal("interim transcription never started")
	}

	// These arrive while the interim call is blocked and must wait in the inbox.
	submitN(t, m, "s1", silencePCM(), 4)
	sink.none(t, 50*time.Millisecond)
	if n := engine.calls(); n != 1 {
		t.Fatalf("expected 1 engine call while blocked, got %d", n)
	}

	close(engine.gate)
	if ev := sink.next(t); ev.Type != protocol.EventInterim || ev.Text != "interim text" {
		t.Fatalf("expected interim first, got %+v", ev)
	}
	if ev := sink.next(t); ev.Type != protocol.EventFinal || ev.Reason != string(segment.ReasonSilence) {
		t.Fatalf("expected silence final second, got %+v", ev)
	}

	if peak := engine.peak.Load(); peak != 1 {
		t.Fatalf("peak concurrent engine calls = %d, want 1", peak)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.requests) != 2 {
		t.Fatalf("expected 2 engine calls, got %d", len(engine.requests))
	}
	if got, want := len(engine.requests[1].Samples), 11*chunkSamples; got != want {
		t.Fatalf("final carried %d samples, want every submitted sample (%d)", got, want)
	}
}
