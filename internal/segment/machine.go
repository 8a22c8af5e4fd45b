// Package segment decides, from a stream of silence verdicts alone, when a
// session should emit interim and final transcripts.
//
// The Machine performs no I/O. Each Step returns the ordered list of actions
// the caller must execute against its buffer and transcription engine.
package segment

import (
	"fmt"
	"time"

	"github.com/loqalabs/echo-stt/internal/audio"
)

type State int

const (
	// Idle: nothing heard since the last final.
	Idle State = iota
	// Accumulating: speech buffered, silence-run below both thresholds.
	Accumulating
	// ShortSilence: silence-run past the short threshold, interim emitted.
	ShortSilence
	// LongSilence: silence-run past the long threshold, final pending.
	LongSilence
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case ShortSilence:
		return "short_silence"
	case LongSilence:
		return "long_silence"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type ActionKind int

const (
	// Append the classified chunk to the session buffer.
	Append ActionKind = iota
	// InterimTranscribe transcribes the buffer without clearing it.
	InterimTranscribe
	// FinalTranscribeAndReset transcribes the buffer, then clears it.
	FinalTranscribeAndReset
)

func (k ActionKind) String() string {
	switch k {
	case Append:
		return "append"
	case InterimTranscribe:
		return "interim"
	case FinalTranscribeAndReset:
		return "final"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Reason records what triggered a transcribe action.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonSilence   Reason = "silence"
	ReasonMaxLength Reason = "max_length"
	ReasonOverflow  Reason = "overflow"
	ReasonFlush     Reason = "flush"
)

type Action struct {
	Kind   ActionKind
	Reason Reason
	// Speech is set on transcribe actions whose segment held at least one
	// speech chunk.
	Speech bool
}

func (a Action) String() string {
	if a.Reason == ReasonNone {
		return a.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", a.Kind, a.Reason)
}

// Transcribes reports whether the action invokes the engine.
func (a Action) Transcribes() bool {
	return a.Kind == InterimTranscribe || a.Kind == FinalTranscribeAndReset
}

const (
	DefaultShortSilence = 700 * time.Millisecond
	DefaultLongSilence  = 1500 * time.Millisecond
	DefaultMaxDuration  = 30 * time.Second
)

type Config struct {
	ShortSilence time.Duration
	LongSilence  time.Duration
	MaxDuration  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ShortSilence: DefaultShortSilence,
		LongSilence:  DefaultLongSilence,
		MaxDuration:  DefaultMaxDuration,
	}
}

func (c Config) withDefaults() Config {
	if c.ShortSilence <= 0 {
		c.ShortSilence = DefaultShortSilence
	}
	if c.LongSilence <= c.ShortSilence {
		c.LongSilence = c.ShortSilence + (DefaultLongSilence - DefaultShortSilence)
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	return c
}

// Machine is the per-session segmentation state. It is not safe for
// concurrent use; the owning session serializes calls.
type Machine struct {
	cfg         Config
	state       State
	silenceRun  time.Duration
	accumulated time.Duration
	voiced      bool
}

func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg.withDefaults(), state: Idle}
}

func (m *Machine) State() State { return m.state }

func (m *Machine) SilenceRun() time.Duration { return m.silenceRun }

func (m *Machine) Accumulated() time.Duration { return m.accumulated }

// Step consumes one verdict and returns the actions to execute, in order.
// A final action always leaves the machine Idle with zeroed counters.
func (m *Machine) Step(v audio.Verdict) []Action {
	var actions []Action

	// The chunk would carry the buffer past the bound: flush what we have first.
	if m.accumulated > 0 && m.accumulated+v.Duration > m.cfg.MaxDuration {
		actions = append(actions, m.final(ReasonMaxLength))
	}

	actions = append(actions, Action{Kind: Append})
	m.accumulated += v.Duration

	if !v.Silence {
		m.voiced = true
	}

	if m.accumulated >= m.cfg.MaxDuration {
		return append(actions, m.final(ReasonMaxLength))
	}

	if !v.Silence {
		m.silenceRun = 0
		m.state = Accumulating
		return actions
	}

	before := m.silenceRun
	m.silenceRun += v.Duration

	if before < m.cfg.LongSilence && m.silenceRun >= m.cfg.LongSilence {
		m.state = LongSilence
		return append(actions, m.final(ReasonSilence))
	}
	if m.state == Accumulating && before < m.cfg.ShortSilence && m.silenceRun >= m.cfg.ShortSilence {
		m.state = ShortSilence
		actions = append(actions, Action{Kind: InterimTranscribe, Reason: ReasonSilence, Speech: m.voiced})
	}
	return actions
}

// Flush forces a final for whatever is buffered. It returns nil when the
// buffer is empty.
func (m *Machine) Flush() []Action {
	if m.accumulated == 0 {
		return nil
	}
	return []Action{m.final(ReasonFlush)}
}

// Overflow forces a final because the buffer refused to append the chunk
// behind v. The counters restart from v alone, ready for the caller to
// retry the append into the emptied buffer.
func (m *Machine) Overflow(v audio.Verdict) Action {
	action := m.final(ReasonOverflow)
	m.accumulated = v.Duration
	if v.Silence {
		m.silenceRun = v.Duration
	} else {
		m.voiced = true
		m.state = Accumulating
	}
	return action
}

// Reset returns the machine to Idle and zeroes its counters.
func (m *Machine) Reset() {
	m.state = Idle
	m.silenceRun = 0
	m.accumulated = 0
	m.voiced = false
}

func (m *Machine) final(reason Reason) Action {
	action := Action{Kind: FinalTranscribeAndReset, Reason: reason, Speech: m.voiced}
	m.Reset()
	return action
}
