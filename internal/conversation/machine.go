// Package conversation holds the per-conversation state machine that turns
// decoded stream events into a visible message list and state transitions.
package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coinwise-ai/coinwise/internal/models"
	"github.com/google/uuid"
)

// State is the visible state of a conversation. A turn is a full
// idle-to-idle cycle; the conversation itself never terminates.
type State string

const (
	// StateIdle accepts new submissions. Initial state and the end of every
	// completed turn.
	StateIdle State = "idle"
	// StateAwaitingResponse means a submission is in flight but no response
	// event has arrived yet.
	StateAwaitingResponse State = "awaiting_response"
	// StateStreaming means response events are arriving.
	StateStreaming State = "streaming"
	// StatePreparingTool means the advisor requested a tool call and the
	// dispatcher is resolving it.
	StatePreparingTool State = "preparing_tool"
	// StateError is entered on any stream or transport failure and is left
	// only through an explicit ClearError.
	StateError State = "error"
)

// Submission and event errors.
var (
	ErrSubmissionInProgress = errors.New("submission already in progress")
	ErrEmptyContent         = errors.New("content is empty")
	ErrContentTooLong       = errors.New("content exceeds maximum length")
	ErrConversationErrored  = errors.New("conversation is in error state")
)

// Sink receives finalized messages for durable persistence. Enqueue must not
// block; the machine calls it while holding its own lock.
type Sink interface {
	Enqueue(msg models.Message)
}

// Machine owns the in-memory message list and state for one conversation.
// It is the sole mutator of both: the parser and dispatcher only feed it
// events and results through its methods. Safe for concurrent use.
type Machine struct {
	mu sync.Mutex

	state    State
	messages []models.Message
	// streaming indexes the in-progress assistant message in messages, or -1.
	streaming int
	lastError string

	sink       Sink
	maxContent int
	logger     *slog.Logger
}

// NewMachine creates an idle machine. maxContent bounds the length of user
// submissions in bytes.
func NewMachine(sink Sink, maxContent int, logger *slog.Logger) *Machine {
	return &Machine{
		state:      StateIdle,
		streaming:  -1,
		sink:       sink,
		maxContent: maxContent,
		logger:     logger.With(slog.String("module", "conversation")),
	}
}

// Submit validates a user submission and starts a new turn. The user message
// is finalized immediately and handed to the sink. Returns the created
// message, or an error without altering state when validation fails or a
// turn is already active.
func (m *Machine) Submit(content string) (models.Message, error) {
	if content == "" {
		return models.Message{}, ErrEmptyContent
	}
	if len(content) > m.maxContent {
		return models.Message{}, fmt.Errorf("%w: %d bytes over limit of %d", ErrContentTooLong, len(content), m.maxContent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
	case StateError:
		return models.Message{}, ErrConversationErrored
	default:
		return models.Message{}, ErrSubmissionInProgress
	}

	msg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
	m.messages = append(m.messages, msg)
	m.sink.Enqueue(msg)
	m.state = StateAwaitingResponse

	return msg, nil
}

// Apply consumes one stream event and performs the corresponding transition.
// Events arriving outside an active turn are dropped with a warning; the
// stream they came from was already abandoned by Stop or an error.
func (m *Machine) Apply(ev models.StreamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case models.EventTextDelta:
		m.applyTextDelta(ev.Text)
	case models.EventComponent:
		m.applyComponent(ev)
	case models.EventToolCall:
		m.applyToolCall(ev)
	case models.EventDone:
		m.applyDone()
	case models.EventError:
		m.failLocked(ev.Reason)
	case models.EventIgnored:
		// No-op by definition.
	}
}

func (m *Machine) applyTextDelta(text string) {
	switch m.state {
	case StateAwaitingResponse, StatePreparingTool:
		m.state = StateStreaming
	case StateStreaming:
	default:
		m.logger.Warn("Dropping text delta outside active turn", slog.String("state", string(m.state)))
		return
	}

	if m.streaming < 0 {
		m.messages = append(m.messages, models.Message{
			ID:          uuid.New().String(),
			Role:        models.RoleAssistant,
			Timestamp:   time.Now(),
			IsStreaming: true,
		})
		m.streaming = len(m.messages) - 1
	}
	// Deltas are appended, never replaced.
	m.messages[m.streaming].Content += text
}

func (m *Machine) applyComponent(ev models.StreamEvent) {
	switch m.state {
	case StateAwaitingResponse, StateStreaming, StatePreparingTool:
		m.state = StateStreaming
	default:
		m.logger.Warn("Dropping component outside active turn", slog.String("state", string(m.state)))
		return
	}

	ctx := make(map[string]string, len(ev.Context))
	for k, v := range ev.Context {
		ctx[k] = v
	}
	msg := models.Message{
		ID:   uuid.New().String(),
		Role: models.RoleAssistant,
		Component: &models.Component{
			ID:      ev.ComponentID,
			Context: ctx,
		},
		Timestamp: time.Now(),
	}
	m.messages = append(m.messages, msg)
	// Component messages carry no streamed content; they are final on
	// arrival and persisted right away.
	m.sink.Enqueue(msg)
}

func (m *Machine) applyToolCall(ev models.StreamEvent) {
	switch m.state {
	case StateAwaitingResponse, StateStreaming:
		m.state = StatePreparingTool
	case StatePreparingTool:
	default:
		m.logger.Warn("Dropping tool call outside active turn",
			slog.String("state", string(m.state)),
			slog.String("toolId", ev.ToolID))
	}
}

func (m *Machine) applyDone() {
	switch m.state {
	case StateAwaitingResponse, StateStreaming, StatePreparingTool:
	default:
		m.logger.Warn("Dropping done outside active turn", slog.String("state", string(m.state)))
		return
	}

	if m.streaming >= 0 {
		m.messages[m.streaming].IsStreaming = false
		m.sink.Enqueue(m.messages[m.streaming])
		m.streaming = -1
	}
	m.state = StateIdle
}

// AddFollowUp appends the combined tool-result message that resumes a turn
// after data-fetch dispatch. Valid while a tool call is being prepared or
// while text is still streaming around it; the turn stays active, any
// in-progress assistant message is kept, and the next stream continues both.
func (m *Machine) AddFollowUp(content string) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StatePreparingTool, StateStreaming:
	default:
		return models.Message{}, fmt.Errorf("follow-up in state %s", m.state)
	}

	msg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleSystem,
		Content:   content,
		Timestamp: time.Now(),
	}
	m.messages = append(m.messages, msg)
	m.sink.Enqueue(msg)
	m.state = StateAwaitingResponse

	return msg, nil
}

// Fail forces the machine into the error state; used by the transport layer
// so local failures follow the same path as upstream error events.
func (m *Machine) Fail(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked(reason)
}

func (m *Machine) failLocked(reason string) {
	// A partial message never survives a failure.
	m.discardStreamingLocked()
	m.state = StateError
	m.lastError = reason
	m.logger.Error("Conversation errored", slog.String("reason", reason))
}

// Stop aborts an in-progress turn and returns to idle. Partial assistant
// content gathered so far is discarded, never persisted; the user message
// that opened the turn has already been handed to the sink and stays.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle || m.state == StateError {
		return
	}
	m.discardStreamingLocked()
	m.state = StateIdle
}

func (m *Machine) discardStreamingLocked() {
	if m.streaming < 0 {
		return
	}
	m.messages = append(m.messages[:m.streaming], m.messages[m.streaming+1:]...)
	m.streaming = -1
}

// ClearError acknowledges a surfaced error and returns the machine to idle.
func (m *Machine) ClearError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateError {
		return fmt.Errorf("clear error in state %s", m.state)
	}
	m.state = StateIdle
	m.lastError = ""
	return nil
}

// State returns the current conversation state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the reason recorded by the most recent failure, empty
// when the machine is not errored.
func (m *Machine) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// Messages returns a copy of the in-memory message list.
func (m *Machine) Messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Message, len(m.messages))
	copy(out, m.messages)
	return out
}
