// Package handler exposes the chatbot over HTTP and maps usecase errors to
// wire responses.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"bookshop-agent/internal/domain"
	"bookshop-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	noQueryMessage    = "No query provided"
)

// ChatUseCase is the dispatch entry point the handler delegates to.
type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type chatRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

type chatResponse struct {
	Response  string        `json:"response"`
	Books     []domain.Book `json:"books"` // null unless a recommendation occurred
	SessionID string        `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	chat ChatUseCase
}

func NewHandler(chat ChatUseCase) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat usecase must not be nil")
	}
	return &Handler{chat: chat}, nil
}

// Routes returns the HTTP surface: POST /chatbot plus CORS preflight.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chatbot", h.handleChatbot)
	return mux
}

func (h *Handler) handleChatbot(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w.Header())
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	// Header lookup is case-insensitive, so any inbound casing is honored.
	correlationID := r.Header.Get(correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: noQueryMessage})
		return
	}

	out, err := h.chat.Chat(r.Context(), usecase.ChatInput{
		Query:     req.Query,
		SessionID: req.SessionID,
	})
	if err != nil {
		status, msg := mapError(err)
		if status >= http.StatusInternalServerError {
			slog.Error("chatbot request failed", "correlation_id", correlationID, "err", err)
		}
		writeJSON(w, status, errorResponse{Error: msg})
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Response:  out.Response,
		Books:     out.Books,
		SessionID: out.SessionID,
	})
}

// mapError converts a usecase failure to a wire status and message. Missing
// input keeps the fixed wire message; everything else surfaces the error
// text in the response body.
func mapError(err error) (int, string) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, err.Error()
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, noQueryMessage
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, err.Error()
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, "+correlationHeader)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encode response", "err", err)
	}
}
