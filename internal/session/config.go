package session

import (
	"time"

	"github.com/loqalabs/echo-stt/internal/config"
	"github.com/loqalabs/echo-stt/internal/segment"
)

// Config is the resolved, duration-typed view of the streaming settings.
type Config struct {
	SampleRate        int
	Segment           segment.Config
	HardCap           time.Duration
	SilenceThreshold  float64
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	TranscribeTimeout time.Duration
	InboxSize         int
	Strict            bool
	Language          string
	ModelSize         string
}

func ConfigFrom(cfg config.Config) Config {
	s := cfg.Streaming
	return Config{
		SampleRate: cfg.STT.SampleRate,
		Segment: segment.Config{
			ShortSilence: config.Seconds(s.ShortSilenceSeconds),
			LongSilence:  config.Seconds(s.LongSilenceSeconds),
			MaxDuration:  config.Seconds(s.MaxAudioSeconds),
		},
		HardCap:           config.Seconds(s.HardCapSeconds),
		SilenceThreshold:  s.SilenceRMSThreshold,
		IdleTimeout:       config.Millis(s.IdleTimeoutMS),
		SweepInterval:     config.Millis(s.SweepIntervalMS),
		TranscribeTimeout: config.Millis(cfg.STT.TranscribeTimeoutMS),
		InboxSize:         s.InboxSize,
		Strict:            s.StrictSessions,
		Language:          cfg.STT.Language,
		ModelSize:         cfg.STT.ModelSize,
	}
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Segment.MaxDuration <= 0 {
		c.Segment.MaxDuration = segment.DefaultMaxDuration
	}
	if c.HardCap < c.Segment.MaxDuration {
		c.HardCap = 2 * c.Segment.MaxDuration
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = 45 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.Language == "" {
		c.Language = "auto"
	}
	if c.ModelSize == "" {
		c.ModelSize = "base"
	}
	return c
}
