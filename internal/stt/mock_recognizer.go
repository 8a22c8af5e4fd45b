package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that describes its input instead of
// transcribing it.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	mode := "interim"
	if req.Final {
		mode = "final"
	}
	ms := 0
	if req.SampleRate > 0 {
		ms = len(req.Samples) * 1000 / req.SampleRate
	}
	return TranscriptResult{
		Text:     fmt.Sprintf("[%s transcript %dms]", mode, ms),
		Language: LanguageHint(req.Language),
	}, nil
}
