package stt

import (
	"fmt"
	"strings"

	"github.com/loqalabs/echo-stt/internal/config"
)

// NewRecognizer builds the engine selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "http":
		return NewHTTPRecognizer(cfg, nil)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
