package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/loqalabs/echo-stt/internal/audio"
	"github.com/loqalabs/echo-stt/internal/config"
)

// httpRecognizer posts segments to an OpenAI-compatible
// /v1/audio/transcriptions endpoint as multipart WAV uploads.
type httpRecognizer struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type httpResult struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func NewHTTPRecognizer(cfg config.STTConfig, client *http.Client) (Recognizer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("stt endpoint is empty")
	}
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
			},
		}
	}
	return &httpRecognizer{endpoint: cfg.Endpoint, apiKey: cfg.APIKey, client: client}, nil
}

func (r *httpRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	body, contentType, err := r.multipartBody(req)
	if err != nil {
		return TranscriptResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, body)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create stt request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("stt request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("read stt response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TranscriptResult{}, fmt.Errorf("stt endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var result httpResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: result.Text, Language: result.Language}, nil
}

func (r *httpRecognizer) multipartBody(req Request) (io.Reader, string, error) {
	wavBytes, err := encodeWAV(req.Samples, req.SampleRate)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(wavBytes); err != nil {
		return nil, "", fmt.Errorf("write audio: %w", err)
	}

	fields := map[string]string{"response_format": "json"}
	if req.ModelSize != "" {
		fields["model"] = req.ModelSize
	}
	if lang := LanguageHint(req.Language); lang != "" {
		fields["language"] = lang
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// encodeWAV renders samples through a temp file; the wav encoder needs a seeker.
func encodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	file, err := os.CreateTemp("", "echo_upload_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, samples, sampleRate); err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind temp wav: %w", err)
	}
	return io.ReadAll(file)
}
