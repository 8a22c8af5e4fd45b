package protocol

import "time"

// AudioFrame represents PCM audio data streamed over the bus.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
	Language   string `json:"language,omitempty"`
	ModelSize  string `json:"model_size,omitempty"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// EventType is the "type" field of a TranscriptEvent.
type EventType string

const (
	EventInterim EventType = "interim"
	EventFinal   EventType = "final"
	EventError   EventType = "error"
)

// TranscriptEvent is what a streaming client receives for every transcribe action.
type TranscriptEvent struct {
	SessionID  string    `json:"session_id,omitempty"`
	Type       EventType `json:"type"`
	Text       string    `json:"text"`
	Message    string    `json:"message,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// ControlMessage is a text frame a streaming client may send alongside audio.
type ControlMessage struct {
	Type string `json:"type"` // flush, close
}

const (
	ControlFlush = "flush"
	ControlClose = "close"
)

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTranscriptError   = "stt.text.error"
)

// ToTranscript converts a client event into its bus representation.
func (e TranscriptEvent) ToTranscript() Transcript {
	return Transcript{
		SessionID:  e.SessionID,
		Text:       e.Text,
		Partial:    e.Type == EventInterim,
		Error:      e.Message,
		Timestamp:  e.EmittedAt.UTC(),
		Confidence: e.Confidence,
	}
}

// Subject returns the bus subject a transcript event is published on.
func (e TranscriptEvent) Subject() string {
	switch e.Type {
	case EventInterim:
		return SubjectTranscriptPartial
	case EventError:
		return SubjectTranscriptError
	default:
		return SubjectTranscriptFinal
	}
}
