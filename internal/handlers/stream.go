package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coinwise-ai/coinwise/internal/auth"
	"github.com/coinwise-ai/coinwise/internal/metrics"
	"github.com/go-chi/chi/v5"
)

type submitRequest struct {
	Content string `json:"content"`
}

// HandleStream relays the upstream advisor's event stream to the caller
// byte for byte. The stream is only opened toward the client once the
// upstream connection succeeds, so failures always surface as a JSON error
// response, never a half-open stream.
func (m *Main) HandleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if _, ok := m.authorize(w, r, conversationID); !ok {
		metrics.StreamRequestsTotal.WithLabelValues("rejected").Inc()
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.StreamRequestsTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		metrics.StreamRequestsTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "content must not be empty")
		return
	}
	if len(req.Content) > m.maxContent {
		metrics.StreamRequestsTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "content exceeds maximum length")
		return
	}

	if m.opener == nil {
		metrics.StreamRequestsTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusServiceUnavailable, "streaming relay requires the hosted advisor provider")
		return
	}

	// The request context cancels the upstream call when the client goes
	// away mid-stream.
	resp, err := m.opener.Open(r.Context(), conversationID, req.Content)
	if err != nil {
		m.logger.Error("Failed to reach upstream advisor",
			slog.String("conversationId", conversationID),
			slog.String("err", err.Error()))
		metrics.StreamRequestsTotal.WithLabelValues("upstream_error").Inc()
		writeError(w, http.StatusBadGateway, "failed to reach advisor backend")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.StreamRequestsTotal.WithLabelValues("upstream_error").Inc()
		writeError(w, resp.StatusCode, upstreamErrorMessage(resp))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		metrics.StreamRequestsTotal.WithLabelValues("upstream_error").Inc()
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				m.logger.Debug("Client disconnected mid-stream",
					slog.String("conversationId", conversationID))
				metrics.StreamRequestsTotal.WithLabelValues("client_closed").Inc()
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF && r.Context().Err() == nil {
				m.logger.Warn("Upstream stream ended with error",
					slog.String("conversationId", conversationID),
					slog.String("err", err.Error()))
			}
			break
		}
	}

	metrics.StreamRequestsTotal.WithLabelValues("relayed").Inc()
}

// upstreamErrorMessage extracts a human-readable message from a non-200
// upstream response, falling back to the status text.
func upstreamErrorMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(body) == 0 {
		return fmt.Sprintf("advisor backend returned %s", resp.Status)
	}

	var envelope errorResponse
	if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil && envelope.Error != "" {
		return envelope.Error
	}
	return fmt.Sprintf("advisor backend returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
}

// authorize loads the conversation and checks it belongs to the
// authenticated user. Foreign conversations are reported as not found so
// their existence is not leaked. Returns false after writing the error.
func (m *Main) authorize(w http.ResponseWriter, r *http.Request, conversationID string) (string, bool) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}

	conv, err := m.store.Conversation(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return "", false
	}
	if conv.UserID != userID {
		writeError(w, http.StatusNotFound, "conversation not found")
		return "", false
	}
	return userID, true
}
