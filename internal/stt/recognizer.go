package stt

import (
	"context"
	"errors"
	"strings"
)

// ErrEngineFailure marks a transcription call that errored or timed out.
var ErrEngineFailure = errors.New("transcription engine failure")

// Request is one transcription call over a buffered segment.
type Request struct {
	Samples    []float32
	SampleRate int
	// Language is a hint; empty or "auto" lets the engine detect it.
	Language  string
	ModelSize string
	Final     bool
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Language   string
}

// Recognizer abstracts STT backends. Implementations must honour ctx cancellation.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}

// LanguageHint normalizes a requested language, mapping "auto" to no hint.
func LanguageHint(lang string) string {
	lang = strings.TrimSpace(strings.ToLower(lang))
	if lang == "auto" {
		return ""
	}
	return lang
}
