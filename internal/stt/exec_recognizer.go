package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/loqalabs/echo-stt/internal/audio"
	"github.com/loqalabs/echo-stt/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer shells out to a local whisper runner. The command receives
// a WAV path and prints {"text": "...", "confidence": 0.9} on stdout.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	file, err := os.CreateTemp("", "echo_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())

	if err := audio.WriteWAV(file, req.Samples, req.SampleRate); err != nil {
		file.Close()
		return TranscriptResult{}, err
	}
	if err := file.Close(); err != nil {
		return TranscriptResult{}, fmt.Errorf("close temp wav: %w", err)
	}

	command := exec.CommandContext(ctx, r.cmd[0], r.args(file.Name(), req)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return TranscriptResult{}, ctxErr
		}
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence, Language: resp.Language}, nil
}

func (r *execRecognizer) args(path string, req Request) []string {
	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", path)
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if req.ModelSize != "" {
		args = append(args, "--model-size", req.ModelSize)
	}
	if lang := LanguageHint(req.Language); lang != "" {
		args = append(args, "--language", lang)
	}
	if !req.Final {
		args = append(args, "--partial")
	}
	return args
}
