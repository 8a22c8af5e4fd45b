package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/echo-stt/internal/audio"
	"github.com/loqalabs/echo-stt/internal/session"
)

type transcriptionResponse struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

type base64Request struct {
	AudioData string `json:"audio_data"`
	Language  string `json:"language"`
	ModelSize string `json:"model_size"`
}

func (s *Server) maxUpload() int64 {
	mb := s.cfg.HTTP.MaxUploadMB
	if mb <= 0 {
		mb = 25
	}
	return int64(mb) << 20
}

func (s *Server) handleTranscribeFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload())
	if err := r.ParseMultipartForm(s.maxUpload()); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Expected multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if !isAudioUpload(header) {
		writeError(w, http.StatusBadRequest, "File must be an audio format")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}

	s.transcribe(w, r, data, r.FormValue("language"), r.FormValue("model_size"))
}

func (s *Server) handleTranscribeBase64(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload()*4/3+1024)
	var req base64Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.AudioData == "" {
		writeError(w, http.StatusBadRequest, "audio_data field is required")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio_data is not valid base64")
		return
	}
	s.transcribe(w, r, data, req.Language, req.ModelSize)
}

// transcribe decodes a WAV file, or raw PCM16 at the configured rate, and
// runs it through the engine as one final.
func (s *Server) transcribe(w http.ResponseWriter, r *http.Request, data []byte, language, modelSize string) {
	samples, rate, err := decodeClip(data, s.cfg.STT.SampleRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid audio: %v", err))
		return
	}

	res, err := s.sessions.TranscribeOnce(r.Context(), samples, rate, session.Options{
		Language:  language,
		ModelSize: modelSize,
		Source:    "http",
	})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("transcription failed", slog.String("error", err.Error()))
		}
		writeError(w, status, fmt.Sprintf("Transcription failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, transcriptionResponse{
		Text:       strings.TrimSpace(res.Text),
		Language:   res.Language,
		Confidence: res.Confidence,
	})
}

func decodeClip(data []byte, defaultRate int) ([]float32, int, error) {
	if audio.IsWAV(data) {
		return audio.ReadWAV(bytes.NewReader(data))
	}
	samples, err := audio.DecodePCM16(data)
	if err != nil {
		return nil, 0, err
	}
	return samples, defaultRate, nil
}

func isAudioUpload(h *multipart.FileHeader) bool {
	ct := h.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		name := strings.ToLower(h.Filename)
		return strings.HasSuffix(name, ".wav") || strings.HasSuffix(name, ".pcm") || strings.HasSuffix(name, ".raw")
	}
	return strings.HasPrefix(ct, "audio/")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, audio.ErrInvalidAudio), errors.Is(err, session.ErrUnknownModelSize):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrBufferOverflow):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.sessions.Finish(r.Context(), id); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionEvents returns the recorded transcript timeline of a session,
// live or past.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "event store disabled")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	id := r.PathValue("id")
	evts, err := s.store.ListSessionEvents(r.Context(), id, limit)
	if err != nil {
		s.log.Error("failed to list session events", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": evts})
}
