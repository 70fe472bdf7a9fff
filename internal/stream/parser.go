// Package stream decodes the advisor's server-sent event stream into an
// ordered sequence of semantic events.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/coinwise-ai/coinwise/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Frame payload shapes, one per event type the advisor emits.
type textDeltaFrame struct {
	Text string `json:"text"`
}

type toolCallFrame struct {
	ToolID    string          `json:"toolId"`
	Arguments json.RawMessage `json:"arguments"`
}

type componentFrame struct {
	ComponentID string            `json:"componentId"`
	Context     map[string]string `json:"context"`
}

type errorFrame struct {
	Reason string `json:"reason"`
}

// Parser turns one advisor connection into a lazy sequence of stream events.
// A parser belongs to exactly one connection: once its sequence has ended,
// either by a terminal event or a read failure, Events yields nothing more
// and the underlying reader is not touched again.
type Parser struct {
	r      io.Reader
	logger *slog.Logger

	done bool
}

// NewParser creates a parser over the raw response body of an advisor stream.
func NewParser(r io.Reader, logger *slog.Logger) *Parser {
	return &Parser{
		r:      r,
		logger: logger.With(slog.String("module", "stream")),
	}
}

// Events returns an iterator over the decoded events in emission order.
// Partial frames split across network reads are buffered by the SSE reader
// until a full logical unit is available. Frames of unknown type are yielded
// as no-op ignored events; frames of a known type whose payload fails to
// decode are skipped so a single malformed frame cannot kill the stream.
// The sequence ends at the first done or error event.
func (p *Parser) Events() iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		if p.done {
			return
		}
		defer func() { p.done = true }()

		for ev, err := range sse.Read(p.r, nil) {
			if err != nil {
				yield(models.StreamEvent{}, fmt.Errorf("error reading stream: %w", err))
				return
			}

			event, err := p.decode(ev)
			if err != nil {
				p.logger.Warn("Skipping malformed frame",
					slog.String("type", ev.Type),
					slog.String("err", err.Error()))
				continue
			}

			if !yield(event, nil) {
				return
			}
			if event.Terminal() {
				return
			}
		}
	}
}

func (p *Parser) decode(ev sse.Event) (models.StreamEvent, error) {
	switch models.EventKind(ev.Type) {
	case models.EventTextDelta:
		var f textDeltaFrame
		if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
			return models.StreamEvent{}, fmt.Errorf("error unmarshaling text delta: %w", err)
		}
		return models.StreamEvent{Kind: models.EventTextDelta, Text: f.Text}, nil
	case models.EventToolCall:
		var f toolCallFrame
		if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
			return models.StreamEvent{}, fmt.Errorf("error unmarshaling tool call: %w", err)
		}
		if f.ToolID == "" {
			return models.StreamEvent{}, fmt.Errorf("tool call frame without toolId")
		}
		args := f.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return models.StreamEvent{Kind: models.EventToolCall, ToolID: f.ToolID, Arguments: args}, nil
	case models.EventComponent:
		var f componentFrame
		if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
			return models.StreamEvent{}, fmt.Errorf("error unmarshaling component: %w", err)
		}
		if f.ComponentID == "" {
			return models.StreamEvent{}, fmt.Errorf("component frame without componentId")
		}
		return models.StreamEvent{Kind: models.EventComponent, ComponentID: f.ComponentID, Context: f.Context}, nil
	case models.EventDone:
		return models.StreamEvent{Kind: models.EventDone}, nil
	case models.EventError:
		var f errorFrame
		if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
			// The reason is best-effort; a broken error payload still has
			// to terminate the stream.
			f.Reason = ev.Data
		}
		return models.StreamEvent{Kind: models.EventError, Reason: f.Reason}, nil
	default:
		return models.StreamEvent{Kind: models.EventIgnored}, nil
	}
}
