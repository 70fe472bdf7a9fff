package models

import "encoding/json"

// EventKind classifies a decoded frame from the advisor stream.
type EventKind string

const (
	// EventTextDelta carries an incremental chunk of assistant text.
	EventTextDelta EventKind = "text_delta"
	// EventToolCall asks the client side to invoke a tool.
	EventToolCall EventKind = "tool_call"
	// EventComponent suggests rendering a specific UI component.
	EventComponent EventKind = "component"
	// EventDone terminates the stream successfully.
	EventDone EventKind = "done"
	// EventError terminates the stream with a failure reason.
	EventError EventKind = "error"
	// EventIgnored is the mapping for frame types this version does not
	// understand. Consumers treat it as a no-op.
	EventIgnored EventKind = "ignored"
)

// StreamEvent is one decoded unit of the advisor event stream. Exactly the
// fields matching Kind are populated; the value is never mutated after the
// parser constructs it.
type StreamEvent struct {
	Kind EventKind

	// Text would be filled if Kind is EventTextDelta.
	Text string

	// ToolID and Arguments would be filled if Kind is EventToolCall.
	ToolID    string
	Arguments json.RawMessage

	// ComponentID and Context would be filled if Kind is EventComponent.
	ComponentID string
	Context     map[string]string

	// Reason would be filled if Kind is EventError.
	Reason string
}

// Terminal reports whether the event ends its stream.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}
