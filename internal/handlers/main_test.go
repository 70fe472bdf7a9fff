package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coinwise-ai/coinwise/internal/auth"
	"github.com/coinwise-ai/coinwise/internal/dispatch"
	"github.com/coinwise-ai/coinwise/internal/handlers"
	"github.com/coinwise-ai/coinwise/internal/models"
	"github.com/coinwise-ai/coinwise/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

const testUserID = "user-1"

// memoryStore is an in-memory Store with the same idempotency contract as
// the bolt-backed one.
type memoryStore struct {
	mu       sync.Mutex
	convs    map[string]models.Conversation
	messages map[string]map[string]models.Message
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		convs:    map[string]models.Conversation{},
		messages: map[string]map[string]models.Message{},
	}
}

func (s *memoryStore) AddConversation(_ context.Context, conv models.Conversation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv
	s.messages[conv.ID] = map[string]models.Message{}
	return conv.ID, nil
}

func (s *memoryStore) Conversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %s not found", id)
	}
	return conv, nil
}

func (s *memoryStore) Conversations(_ context.Context, userID string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, conv := range s.convs {
		if conv.UserID == userID {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (s *memoryStore) UpdateConversation(_ context.Context, conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ID]; ok {
		s.convs[conv.ID] = conv
	}
	return nil
}

func (s *memoryStore) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.messages[conversationID]
	out := make([]models.Message, 0, len(byID))
	for _, msg := range byID {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *memoryStore) CreateMessage(_ context.Context, conversationID string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages[conversationID] == nil {
		s.messages[conversationID] = map[string]models.Message{}
	}
	s.messages[conversationID][msg.ID] = msg
	return nil
}

// scriptedAdvisor replays one event script per Stream call. An optional gate
// channel holds the stream open until released, for stop/conflict tests.
type scriptedAdvisor struct {
	mu      sync.Mutex
	scripts [][]models.StreamEvent
	calls   int

	gate chan struct{}
	err  error
}

func (a *scriptedAdvisor) Stream(
	ctx context.Context,
	_ string,
	_ []models.Message,
) iter.Seq2[models.StreamEvent, error] {
	a.mu.Lock()
	idx := a.calls
	a.calls++
	a.mu.Unlock()

	return func(yield func(models.StreamEvent, error) bool) {
		if a.gate != nil {
			select {
			case <-a.gate:
			case <-ctx.Done():
				yield(models.StreamEvent{}, ctx.Err())
				return
			}
		}
		if a.err != nil {
			yield(models.StreamEvent{}, a.err)
			return
		}
		if idx >= len(a.scripts) {
			yield(models.StreamEvent{}, fmt.Errorf("unexpected stream call %d", idx))
			return
		}
		for _, ev := range a.scripts[idx] {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (a *scriptedAdvisor) streamCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// fakeCaller serves data-fetch tools from a static result map.
type fakeCaller struct {
	results map[string]string
}

func (c *fakeCaller) CallTool(_ context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
	res, ok := c.results[name]
	if !ok {
		return nil, fmt.Errorf("no backend for tool %s", name)
	}
	return json.RawMessage(res), nil
}

// fakeOpener returns a canned upstream response for the transport proxy.
type fakeOpener struct {
	status int
	body   string
	err    error
}

func (f *fakeOpener) Open(_ context.Context, _, _ string) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: f.status,
		Status:     fmt.Sprintf("%d %s", f.status, http.StatusText(f.status)),
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

type testEnv struct {
	main   *handlers.Main
	store  *memoryStore
	router http.Handler
}

func newTestEnv(t *testing.T, advisor handlers.Advisor, opener handlers.StreamOpener, caller dispatch.ToolCaller) testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemoryStore()

	m, err := handlers.NewMain(handlers.Config{
		Advisor:    advisor,
		Opener:     opener,
		Store:      store,
		Dispatcher: dispatch.NewDispatcher(dispatch.DefaultRegistry(), caller, logger),
		Queue: queue.Config{
			MaxRetries:  3,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
		},
		MaxContentLength: 1024,
		Logger:           logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), testUserID)))
		})
	})
	router.Route("/api/conversations", func(r chi.Router) {
		r.Post("/", m.HandleCreateConversation)
		r.Get("/", m.HandleListConversations)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Post("/stream", m.HandleStream)
			r.Post("/messages", m.HandleSubmitMessage)
			r.Get("/messages", m.HandleListMessages)
			r.Get("/state", m.HandleConversationState)
			r.Post("/component-response", m.HandleComponentResponse)
			r.Post("/stop", m.HandleStop)
			r.Post("/clear-error", m.HandleClearError)
			r.Post("/reset", m.HandleReset)
			r.Get("/queue", m.HandleQueueStatus)
			r.Post("/queue/flush", m.HandleQueueFlush)
		})
	})

	return testEnv{main: m, store: store, router: router}
}

func (e testEnv) addConversation(t *testing.T, userID string) string {
	t.Helper()
	id := fmt.Sprintf("conv-%d", time.Now().UnixNano())
	_, err := e.store.AddConversation(context.Background(), models.Conversation{
		ID:        id,
		UserID:    userID,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	return id
}

func (e testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// state polls the live-state endpoint; non-fatal so it can run inside
// Eventually conditions.
func (e testEnv) state(t *testing.T, conversationID string) (string, string) {
	t.Helper()
	w := e.do(t, http.MethodGet, "/api/conversations/"+conversationID+"/state", "")
	if w.Code != http.StatusOK {
		return "", ""
	}

	var res struct {
		State string `json:"state"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		return "", ""
	}
	return res.State, res.Error
}

func textDelta(text string) models.StreamEvent {
	return models.StreamEvent{Kind: models.EventTextDelta, Text: text}
}

func toolCall(toolID, args string) models.StreamEvent {
	return models.StreamEvent{Kind: models.EventToolCall, ToolID: toolID, Arguments: json.RawMessage(args)}
}

func doneEvent() models.StreamEvent {
	return models.StreamEvent{Kind: models.EventDone}
}
