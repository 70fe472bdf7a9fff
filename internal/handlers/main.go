// Package handlers wires the HTTP surface of the advisor service: the
// streaming transport proxy, the orchestrated conversation endpoints, and
// the SSE fan-out extension clients subscribe to.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coinwise-ai/coinwise/internal/conversation"
	"github.com/coinwise-ai/coinwise/internal/dispatch"
	"github.com/coinwise-ai/coinwise/internal/models"
	"github.com/coinwise-ai/coinwise/internal/queue"
	"github.com/tmaxmax/go-sse"
)

// Advisor streams the AI response to a conversation as decoded events.
type Advisor interface {
	Stream(ctx context.Context, conversationID string, messages []models.Message) iter.Seq2[models.StreamEvent, error]
}

// StreamOpener opens a raw upstream stream for byte-for-byte relaying.
// Only the hosted advisor provides one.
type StreamOpener interface {
	Open(ctx context.Context, conversationID, content string) (*http.Response, error)
}

// TitleGenerator produces a conversation title from its opening message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Store defines the durable conversation and message storage the handlers
// and the delivery queue depend on. CreateMessage must be idempotent under
// retries.
type Store interface {
	AddConversation(ctx context.Context, conv models.Conversation) (string, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	Conversations(ctx context.Context, userID string) ([]models.Conversation, error)
	UpdateConversation(ctx context.Context, conv models.Conversation) error

	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	CreateMessage(ctx context.Context, conversationID string, msg models.Message) error
}

// Config collects the dependencies of Main.
type Config struct {
	Advisor        Advisor
	Opener         StreamOpener
	TitleGenerator TitleGenerator
	Store          Store
	Dispatcher     *dispatch.Dispatcher

	MaxContentLength int
	Queue            queue.Config

	Logger *slog.Logger
}

// SSE event types for real-time updates.
var (
	conversationSSEType = sse.Type("conversation")
	uiActionSSEType     = sse.Type("ui_action")
	titleSSEType        = sse.Type("title")
)

// Main handles the core functionality of the advisor service, holding one
// state machine and one delivery queue per active conversation.
type Main struct {
	sseSrv *sse.Server
	logger *slog.Logger

	advisor    Advisor
	opener     StreamOpener
	titleGen   TitleGenerator
	store      Store
	dispatcher *dispatch.Dispatcher

	maxContent int
	queueCfg   queue.Config

	mu       sync.Mutex
	sessions map[string]*session
}

// session pairs a conversation's state machine with its delivery queue and
// tracks the cancel function of the turn currently in flight.
type session struct {
	machine *conversation.Machine
	queue   *queue.Queue

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

func (s *session) cancelTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

const defaultMaxContentLength = 8192

// NewMain creates a Main instance. The SSE server subscribes each client to
// the default topic plus, when requested, one conversation's topic.
func NewMain(cfg Config) (*Main, error) {
	if cfg.Advisor == nil {
		return nil, errors.New("advisor is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = defaultMaxContentLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				if conversationID := s.Req.URL.Query().Get("conversation_id"); conversationID != "" {
					topics = append(topics, conversationTopic(conversationID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		logger:     cfg.Logger.With(slog.String("module", "handlers")),
		advisor:    cfg.Advisor,
		opener:     cfg.Opener,
		titleGen:   cfg.TitleGenerator,
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		maxContent: cfg.MaxContentLength,
		queueCfg:   cfg.Queue,
		sessions:   map[string]*session{},
	}, nil
}

func conversationTopic(conversationID string) string {
	return fmt.Sprintf("conversation-%s", conversationID)
}

// session returns the machine/queue pair for a conversation, creating it on
// first use. Queues are scoped per conversation so one stuck backend entry
// never blocks another conversation's deliveries.
func (m *Main) session(conversationID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[conversationID]; ok {
		return s
	}

	q := queue.New(conversationID, m.store, m.queueCfg, m.logger)
	s := &session{
		machine: conversation.NewMachine(q, m.maxContent, m.logger),
		queue:   q,
	}
	m.sessions[conversationID] = s
	return s
}

// lookup returns an existing session without creating one.
func (m *Main) lookup(conversationID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[conversationID]
	return s, ok
}

// dropSession removes and tears down a conversation's session: the active
// turn is cancelled and the queue is flushed before closing so buffered
// messages still reach the store.
func (m *Main) dropSession(ctx context.Context, conversationID string) {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	delete(m.sessions, conversationID)
	m.mu.Unlock()
	if !ok {
		return
	}

	s.cancelTurn()
	s.machine.Stop()
	if err := s.queue.Flush(ctx); err != nil {
		m.logger.Error("Failed to flush queue on session teardown",
			slog.String("conversationId", conversationID),
			slog.String("err", err.Error()))
	}
	s.queue.Close()
}

// HandleSSE serves the event-stream subscription endpoint.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the SSE server and tears down every active
// session, flushing delivery queues on the way out.
func (m *Main) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.dropSession(ctx, id)
	}

	e := &sse.Message{Type: sse.Type("close")}
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// conversationSnapshot is the payload published on every state change.
type conversationSnapshot struct {
	ConversationID string             `json:"conversationId"`
	State          conversation.State `json:"state"`
	Error          string             `json:"error,omitempty"`
	Messages       []models.Message   `json:"messages"`
}

func (m *Main) publishState(conversationID string, s *session) {
	snapshot := conversationSnapshot{
		ConversationID: conversationID,
		State:          s.machine.State(),
		Error:          s.machine.LastError(),
		Messages:       s.machine.Messages(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		m.logger.Error("Failed to marshal snapshot", slog.String("err", err.Error()))
		return
	}

	msg := &sse.Message{Type: conversationSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(msg, conversationTopic(conversationID)); err != nil {
		m.logger.Error("Failed to publish snapshot",
			slog.String("conversationId", conversationID),
			slog.String("err", err.Error()))
	}
}

func (m *Main) publishTitle(conversationID, payload string) {
	msg := &sse.Message{Type: titleSSEType}
	msg.AppendData(payload)
	if err := m.sseSrv.Publish(msg, conversationTopic(conversationID)); err != nil {
		m.logger.Error("Failed to publish title",
			slog.String("conversationId", conversationID),
			slog.String("err", err.Error()))
	}
}

func (m *Main) publishActions(conversationID string, actions []dispatch.Result) {
	data, err := json.Marshal(actions)
	if err != nil {
		m.logger.Error("Failed to marshal actions", slog.String("err", err.Error()))
		return
	}

	msg := &sse.Message{Type: uiActionSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(msg, conversationTopic(conversationID)); err != nil {
		m.logger.Error("Failed to publish actions",
			slog.String("conversationId", conversationID),
			slog.String("err", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
