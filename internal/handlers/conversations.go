package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coinwise-ai/coinwise/internal/auth"
	"github.com/coinwise-ai/coinwise/internal/conversation"
	"github.com/coinwise-ai/coinwise/internal/models"
	"github.com/coinwise-ai/coinwise/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type createConversationRequest struct {
	Title string `json:"title"`
}

// HandleCreateConversation creates an empty conversation owned by the
// authenticated user.
func (m *Main) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	// The body is optional; a bare POST creates an untitled conversation,
	// but a malformed body is still rejected.
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv := models.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     req.Title,
		CreatedAt: time.Now(),
	}

	id, err := m.store.AddConversation(r.Context(), conv)
	if err != nil {
		m.logger.Error("Failed to create conversation", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	conv.ID = id

	writeJSON(w, http.StatusCreated, conv)
}

// HandleListConversations lists the authenticated user's conversations,
// newest first.
func (m *Main) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	convs, err := m.store.Conversations(r.Context(), userID)
	if err != nil {
		m.logger.Error("Failed to list conversations", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}

	writeJSON(w, http.StatusOK, convs)
}

// renderedMessage is a persisted message plus its markdown rendered to HTML
// for clients that display rich content.
type renderedMessage struct {
	models.Message
	ContentHTML string `json:"contentHtml,omitempty"`
}

// HandleListMessages returns the persisted message history of a
// conversation with markdown content rendered to HTML.
func (m *Main) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if _, ok := m.authorize(w, r, conversationID); !ok {
		return
	}

	messages, err := m.store.Messages(r.Context(), conversationID)
	if err != nil {
		m.logger.Error("Failed to load messages",
			slog.String("conversationId", conversationID),
			slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	rendered := make([]renderedMessage, 0, len(messages))
	for _, msg := range messages {
		rm := renderedMessage{Message: msg}
		if msg.Content != "" {
			html, err := models.RenderHTML(msg.Content)
			if err != nil {
				m.logger.Warn("Failed to render message",
					slog.String("messageId", msg.ID),
					slog.String("err", err.Error()))
			} else {
				rm.ContentHTML = html
			}
		}
		rendered = append(rendered, rm)
	}

	writeJSON(w, http.StatusOK, rendered)
}

// HandleConversationState reports the live state of a conversation: machine
// state, last error, and the in-memory message list of the current session.
func (m *Main) HandleConversationState(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if _, ok := m.authorize(w, r, conversationID); !ok {
		return
	}

	snapshot := conversationSnapshot{
		ConversationID: conversationID,
		State:          conversation.StateIdle,
		Messages:       []models.Message{},
	}
	if sess, ok := m.lookup(conversationID); ok {
		snapshot.State = sess.machine.State()
		snapshot.Error = sess.machine.LastError()
		snapshot.Messages = sess.machine.Messages()
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// HandleStop aborts the in-progress turn, discarding partial assistant
// content. A no-op when nothing is in flight.
func (m *Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if _, ok := m.authorize(w, r, conversationID); !ok {
		return
	}

	sess, ok := m.lookup(conversationID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]conversation.State{"state": conversation.StateIdle})
		return
	}

	sess.cancelTurn()
	sess.machine.Stop()
	m.publishState(conversationID, sess)

	writeJSON(w, http.StatusOK, map[string]conversation.State{"state": sess.machine.State()})
}

// HandleClearError acknowledges a surfaced error and returns the
// conversation to idle so new submissions are accepted again.
func (m *Main) HandleClearError(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if _, ok := m.authorize(w, r, conversationID); !ok {
		return
	}

	sess, ok := m.lookup(conversationID)
	if !ok {
		writeError(w, http.StatusConflict, "conversation is not in error state")
		return
	}

	if err := sess.machine.ClearError(); err != nil {
		writeError(w, http.StatusConflict, "conversation is not in error state")
		return
	}
	m.publishState(conversationID, sess)

	writeJSON(w, http.StatusOK, map[string]conversation.State{"state": sess.machine.State()})
}

// HandleReset tears down the conversation's session: the active turn is
// cancelled and the delivery queue is flushed and closed. Persisted history
// is untouched.
func (m *Main) HandleReset(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if _, ok := m.authorize(w, r, conversationID); !ok {
		return
	}

	m.dropSession(r.Context(), conversationID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleQueueStatus reports the conversation's delivery queue depth and any
// dead-lettered messages.
func (m *Main) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if _, ok := m.authorize(w, r, conversationID); !ok {
		return
	}

	sess, ok := m.lookup(conversationID)
	if !ok {
		writeJSON(w, http.StatusOK, queue.Status{})
		return
	}

	writeJSON(w, http.StatusOK, sess.queue.Status())
}

// HandleQueueFlush drains the conversation's delivery queue immediately,
// giving dead-lettered messages another full round of attempts.
func (m *Main) HandleQueueFlush(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if _, ok := m.authorize(w, r, conversationID); !ok {
		return
	}

	sess, ok := m.lookup(conversationID)
	if !ok {
		writeJSON(w, http.StatusOK, queue.Status{})
		return
	}

	if err := sess.queue.Flush(r.Context()); err != nil {
		m.logger.Error("Queue flush failed",
			slog.String("conversationId", conversationID),
			slog.String("err", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sess.queue.Status())
}
