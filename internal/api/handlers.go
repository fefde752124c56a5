// Package api exposes the transcription service over HTTP: session commands
// as JSON endpoints and live session events over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meet-transcriber/internal/assistant"
	"github.com/lexiqai/meet-transcriber/internal/broadcast"
	"github.com/lexiqai/meet-transcriber/internal/observability"
	"github.com/lexiqai/meet-transcriber/internal/store"
	"github.com/lexiqai/meet-transcriber/internal/transcription"
)

const (
	maxBodyBytes = 1 << 20
	stopTimeout  = 10 * time.Second
)

// Sessions is the command surface of the transcription service
type Sessions interface {
	Start(cfg transcription.StartConfig) (string, error)
	Stop(ctx context.Context, id string) error
	Status(id string) (transcription.SessionInfo, error)
	Sessions() []transcription.SessionInfo
	UpdateSettings(id string, patch transcription.SettingsPatch) (transcription.AISettings, error)
	AskQuestion(ctx context.Context, id, question, askedBy string) (assistant.Response, error)
	Summary(ctx context.Context, id, askedBy string) (assistant.Response, error)
}

// TranscriptReader reads persisted transcripts
type TranscriptReader interface {
	Lines(ctx context.Context, sessionID string) ([]store.LineRecord, error)
	AIResponses(ctx context.Context, sessionID string) ([]store.AIResponseRecord, error)
}

// Response is the envelope of every JSON answer
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// StartResponse is returned by POST /api/sessions
type StartResponse struct {
	SessionID string               `json:"sessionId"`
	Status    transcription.Status `json:"status"`
}

// QuestionRequest is the body of POST /api/sessions/{id}/questions
type QuestionRequest struct {
	Question string `json:"question"`
	AskedBy  string `json:"askedBy"`
}

// TranscriptResponse is returned by GET /api/sessions/{id}/transcript
type TranscriptResponse struct {
	SessionID   string                   `json:"sessionId"`
	Lines       []store.LineRecord       `json:"lines"`
	AIResponses []store.AIResponseRecord `json:"aiResponses"`
}

// Handler serves the HTTP API
type Handler struct {
	sessions    Sessions
	broadcaster *broadcast.Broadcaster
	transcripts TranscriptReader
	logger      zerolog.Logger
}

// NewHandler creates a Handler. transcripts may be nil when no readable
// store is configured.
func NewHandler(sessions Sessions, broadcaster *broadcast.Broadcaster, transcripts TranscriptReader) *Handler {
	return &Handler{
		sessions:    sessions,
		broadcaster: broadcaster,
		transcripts: transcripts,
		logger:      observability.WithComponent("api"),
	}
}

// Register adds every route to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.handleStart)
	mux.HandleFunc("GET /api/sessions", h.handleList)
	mux.HandleFunc("GET /api/sessions/{id}", h.handleStatus)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.handleStop)
	mux.HandleFunc("POST /api/sessions/{id}/questions", h.handleQuestion)
	mux.HandleFunc("GET /api/sessions/{id}/summary", h.handleSummary)
	mux.HandleFunc("PATCH /api/sessions/{id}/settings", h.handleSettings)
	mux.HandleFunc("GET /api/sessions/{id}/transcript", h.handleTranscript)
	mux.HandleFunc("GET /ws", h.handleObserver)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var cfg transcription.StartConfig
	if err := decodeBody(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := h.sessions.Start(cfg)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, StartResponse{SessionID: id, Status: transcription.StatusStarting})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Sessions())
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Status(r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()

	if err := h.sessions.Stop(ctx, id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	info, err := h.sessions.Status(id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleQuestion(w http.ResponseWriter, r *http.Request) {
	var req QuestionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := h.sessions.AskQuestion(r.Context(), r.PathValue("id"), req.Question, req.AskedBy)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	resp, err := h.sessions.Summary(r.Context(), r.PathValue("id"), r.URL.Query().Get("askedBy"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	var patch transcription.SettingsPatch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	settings, err := h.sessions.UpdateSettings(r.PathValue("id"), patch)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if h.transcripts == nil {
		writeError(w, http.StatusNotImplemented, "transcript storage is not configured")
		return
	}

	id := r.PathValue("id")
	lines, err := h.transcripts.Lines(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", id).Msg("Failed to read transcript")
		writeError(w, http.StatusInternalServerError, "failed to read transcript")
		return
	}
	responses, err := h.transcripts.AIResponses(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", id).Msg("Failed to read AI responses")
		writeError(w, http.StatusInternalServerError, "failed to read AI responses")
		return
	}
	if len(lines) == 0 && len(responses) == 0 {
		if _, err := h.sessions.Status(id); err != nil {
			h.writeServiceError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, TranscriptResponse{SessionID: id, Lines: lines, AIResponses: responses})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("Request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, transcription.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, transcription.ErrSessionNotActive):
		return http.StatusConflict
	case errors.Is(err, transcription.ErrInvalidConfig), errors.Is(err, transcription.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, transcription.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		Success:   false,
		Error:     message,
		Timestamp: time.Now().UTC(),
	})
}
