package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/harveyng/polly/internal/insurance"
	"github.com/harveyng/polly/internal/log"
	"github.com/harveyng/polly/internal/store"
)

// ChatHandler serves the inquiry endpoint and thread history.
type ChatHandler struct {
	service *insurance.Service
	history *store.History
	logger  log.Logger
}

// NewChatHandler creates a chat handler. history may be nil; thread
// endpoints then answer 503 and new inquiries run without a minted thread.
func NewChatHandler(service *insurance.Service, history *store.History, logger log.Logger) *ChatHandler {
	return &ChatHandler{service: service, history: history, logger: logger}
}

// RegisterRoutes registers chat routes on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", h.handleChat)
	mux.HandleFunc("GET /api/threads/{id}", h.handleThread)
}

// ChatRequest is the inquiry payload. ThreadID may be empty; a new thread
// is then minted for the user.
type ChatRequest struct {
	UserID   int    `json:"user_id"`
	ThreadID string `json:"thread_id,omitempty"`
	Question string `json:"question"`
}

func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "inquiry service not configured")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "question is required")
		return
	}

	if req.ThreadID == "" && h.history != nil {
		threadID, err := h.history.NewThreadID(r.Context(), req.UserID)
		if err != nil {
			h.logger.Warn("minting thread failed, continuing without one",
				"user_id", req.UserID, "error", err)
		} else {
			req.ThreadID = threadID
		}
	}

	resp, err := h.service.ProcessInquiry(r.Context(), insurance.InquiryRequest{
		UserID:   req.UserID,
		ThreadID: req.ThreadID,
		Question: req.Question,
	})
	if err != nil {
		h.logger.Error("inquiry failed", "thread_id", req.ThreadID, "error", err)
		writeError(w, http.StatusInternalServerError, "inquiry_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// threadMessage is the wire form of one stored exchange.
type threadMessage struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	CreatedAt string `json:"created_at"`
}

func (h *ChatHandler) handleThread(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "history store not configured")
		return
	}

	threadID := r.PathValue("id")
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	messages, err := h.history.Recent(r.Context(), threadID, limit, 0)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("thread lookup failed", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup_failed", "could not load thread")
		return
	}

	out := make([]threadMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, threadMessage{
			ID:        m.ID,
			Question:  m.Question,
			Answer:    m.Answer,
			CreatedAt: m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"messages":  out,
	})
}
