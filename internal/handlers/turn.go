package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coinwise-ai/coinwise/internal/conversation"
	"github.com/coinwise-ai/coinwise/internal/dispatch"
	"github.com/coinwise-ai/coinwise/internal/metrics"
	"github.com/coinwise-ai/coinwise/internal/models"
	"github.com/go-chi/chi/v5"
)

// titleTimeout bounds the background title generation call.
const titleTimeout = 30 * time.Second

type submitResponse struct {
	MessageID string             `json:"messageId"`
	State     conversation.State `json:"state"`
}

// HandleSubmitMessage starts an orchestrated turn: the user message is
// recorded and queued for persistence, and the advisor stream is consumed
// server-side with progress published over SSE. Responds 202 immediately.
func (m *Main) HandleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if _, ok := m.authorize(w, r, conversationID); !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m.startTurn(w, r, conversationID, strings.TrimSpace(req.Content), true)
}

type componentResponseRequest struct {
	ComponentID string            `json:"componentId"`
	Response    map[string]string `json:"response"`
}

// HandleComponentResponse accepts the user's interaction with a rendered
// component and opens a fresh turn carrying the serialized response.
func (m *Main) HandleComponentResponse(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if _, ok := m.authorize(w, r, conversationID); !ok {
		return
	}

	var req componentResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ComponentID == "" {
		writeError(w, http.StatusBadRequest, "componentId must not be empty")
		return
	}

	content, err := json.Marshal(map[string]any{
		"componentResponse": req,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode component response")
		return
	}

	m.startTurn(w, r, conversationID, string(content), false)
}

// startTurn submits content to the conversation's machine and, on success,
// launches the turn goroutine. generateTitle controls whether a missing
// conversation title is filled in from this content.
func (m *Main) startTurn(w http.ResponseWriter, r *http.Request, conversationID, content string, generateTitle bool) {
	sess := m.session(conversationID)

	userMsg, err := sess.machine.Submit(content)
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrEmptyContent), errors.Is(err, conversation.ErrContentTooLong):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, conversation.ErrSubmissionInProgress), errors.Is(err, conversation.ErrConversationErrored):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	m.publishState(conversationID, sess)

	turnCtx, cancel := context.WithCancel(context.Background())
	sess.setCancel(cancel)
	go m.runTurn(turnCtx, conversationID, sess)

	if generateTitle && m.titleGen != nil {
		go m.maybeGenerateTitle(conversationID, content)
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		MessageID: userMsg.ID,
		State:     sess.machine.State(),
	})
}

// runTurn drives one turn to completion: it consumes advisor streams,
// resolves tool calls between them, and sends follow-up messages until the
// advisor finishes without requesting more data.
func (m *Main) runTurn(ctx context.Context, conversationID string, sess *session) {
	defer sess.setCancel(nil)

	outcome := "completed"
	defer func() {
		metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	}()

	for {
		var calls []dispatch.Call
		var done bool

		for ev, err := range m.advisor.Stream(ctx, conversationID, sess.machine.Messages()) {
			if err != nil {
				if ctx.Err() != nil {
					// Stop already reset the machine; the stream just noticed.
					outcome = "stopped"
					return
				}
				sess.machine.Fail(err.Error())
				m.publishState(conversationID, sess)
				outcome = "errored"
				return
			}

			if ev.Kind == models.EventToolCall {
				calls = append(calls, dispatch.Call{ToolID: ev.ToolID, Arguments: ev.Arguments})
			}
			// A done with pending tool calls is held back: whether the turn
			// actually ends depends on what the dispatcher resolves.
			if ev.Kind == models.EventDone && len(calls) > 0 {
				done = true
				break
			}

			sess.machine.Apply(ev)
			m.publishState(conversationID, sess)

			if ev.Kind == models.EventError {
				outcome = "errored"
				return
			}
			if ev.Kind == models.EventDone {
				return
			}
		}

		if ctx.Err() != nil {
			outcome = "stopped"
			return
		}
		if !done {
			// Stream ended without a terminal event.
			sess.machine.Fail("advisor stream ended unexpectedly")
			m.publishState(conversationID, sess)
			outcome = "errored"
			return
		}

		if !m.resolveCalls(ctx, conversationID, sess, calls, &outcome) {
			return
		}
		if sess.machine.State() == conversation.StateIdle {
			// All calls were UI actions; the held done closed the turn.
			return
		}
	}
}

// resolveCalls dispatches the collected tool calls. UI actions are published
// immediately; data fetches produce a follow-up message that keeps the turn
// going. Returns false when the turn is over (completed or errored).
func (m *Main) resolveCalls(ctx context.Context, conversationID string, sess *session, calls []dispatch.Call, outcome *string) bool {
	results, err := m.dispatcher.Resolve(ctx, calls)
	if err != nil {
		if ctx.Err() != nil {
			*outcome = "stopped"
			return false
		}
		sess.machine.Fail(err.Error())
		m.publishState(conversationID, sess)
		*outcome = "errored"
		return false
	}

	var actions []dispatch.Result
	needsFollowUp := false
	for _, res := range results {
		if res.NeedsFollowUp() {
			needsFollowUp = true
			metrics.ToolCallsTotal.WithLabelValues("data_fetch").Inc()
			continue
		}
		actions = append(actions, res)
		metrics.ToolCallsTotal.WithLabelValues("ui_action").Inc()
	}

	if len(actions) > 0 {
		m.publishActions(conversationID, actions)
	}

	if !needsFollowUp {
		sess.machine.Apply(models.StreamEvent{Kind: models.EventDone})
		m.publishState(conversationID, sess)
		return false
	}

	followUp, err := dispatch.FollowUp(results)
	if err != nil {
		sess.machine.Fail(err.Error())
		m.publishState(conversationID, sess)
		*outcome = "errored"
		return false
	}
	if _, err := sess.machine.AddFollowUp(followUp); err != nil {
		sess.machine.Fail(err.Error())
		m.publishState(conversationID, sess)
		*outcome = "errored"
		return false
	}
	m.publishState(conversationID, sess)
	return true
}

// maybeGenerateTitle fills in the conversation title from its first message.
func (m *Main) maybeGenerateTitle(conversationID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	conv, err := m.store.Conversation(ctx, conversationID)
	if err != nil || conv.Title != "" {
		return
	}

	title, err := m.titleGen.GenerateTitle(ctx, content)
	if err != nil {
		m.logger.Warn("Failed to generate title",
			slog.String("conversationId", conversationID),
			slog.String("err", err.Error()))
		title = fallbackTitle(content)
	}

	conv.Title = title
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		m.logger.Error("Failed to store title",
			slog.String("conversationId", conversationID),
			slog.String("err", err.Error()))
		return
	}

	payload, err := json.Marshal(map[string]string{
		"conversationId": conversationID,
		"title":          title,
	})
	if err != nil {
		return
	}
	m.publishTitle(conversationID, string(payload))
}

func fallbackTitle(content string) string {
	const maxTitle = 40
	title := strings.TrimSpace(content)
	if len(title) > maxTitle {
		title = title[:maxTitle] + "..."
	}
	return title
}
