package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/streamlane/chat-relay/internal/middleware"
	"github.com/streamlane/chat-relay/internal/model"
	"github.com/streamlane/chat-relay/internal/service"
	"github.com/streamlane/chat-relay/internal/store"
	"github.com/streamlane/chat-relay/pkg/logger"
	"github.com/streamlane/chat-relay/pkg/metrics"
)

// StreamHandler handles the streaming turn endpoint.
type StreamHandler struct {
	turnService *service.TurnService
	logger      *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(turnSvc *service.TurnService, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		turnService: turnSvc,
		logger:      log,
	}
}

// Turn handles POST /api/v1/conversations/{id}/stream
//
// Validation and authorization failures answer with a plain HTTP status; once
// the SSE stream is open every outcome is delivered in-band, ending with the
// [DONE] sentinel.
func (h *StreamHandler) Turn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.turnService.Begin(ctx, userID, conversationID, &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		default:
			h.logger.Error("failed to begin turn", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to begin turn")
		}
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sink := &sseSink{w: w, flusher: flusher}
	if err := h.turnService.Run(ctx, conv, &req, sink); err != nil {
		h.logger.Warn("turn ended with error",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// sseSink writes relay events as server-sent events, flushing after each one.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) End() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
