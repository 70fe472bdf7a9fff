package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnknownTool is returned when the advisor names a tool id the registry
// does not know.
var ErrUnknownTool = errors.New("unknown tool id")

// ToolCaller invokes a backend data-fetch tool by name.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Call is one tool call collected from an assistant turn.
type Call struct {
	ToolID    string          `json:"toolId"`
	Arguments json.RawMessage `json:"arguments"`
}

// UIAction tells the client to open a screen.
type UIAction struct {
	Screen  string            `json:"screen"`
	Context map[string]string `json:"context,omitempty"`
}

// Result is the resolution of one call.
type Result struct {
	ToolID string          `json:"toolId"`
	Action *UIAction       `json:"action,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NeedsFollowUp reports whether this result must be sent back to the advisor
// before the conversation can resume.
func (r Result) NeedsFollowUp() bool {
	return r.Data != nil
}

// Dispatcher resolves collected tool calls against the registry.
type Dispatcher struct {
	registry *Registry
	caller   ToolCaller
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. caller may be nil when the registry
// holds only UI actions.
func NewDispatcher(registry *Registry, caller ToolCaller, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		caller:   caller,
		logger:   logger.With(slog.String("module", "dispatch")),
	}
}

// Resolve resolves the calls of one assistant turn, strictly in the order
// received. The first failure aborts resolution and is returned; the caller
// surfaces it instead of proceeding with partial results.
func (d *Dispatcher) Resolve(ctx context.Context, calls []Call) ([]Result, error) {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		res, err := d.resolveOne(ctx, call)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (d *Dispatcher) resolveOne(ctx context.Context, call Call) (Result, error) {
	handler, ok := d.registry.Lookup(call.ToolID)
	if !ok {
		d.logger.Error("Tool not found", slog.String("toolId", call.ToolID))
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, call.ToolID)
	}

	switch handler.Kind {
	case KindUIAction:
		action, err := uiAction(handler, call)
		if err != nil {
			return Result{}, err
		}
		return Result{ToolID: call.ToolID, Action: action}, nil
	case KindDataFetch:
		if d.caller == nil {
			return Result{}, fmt.Errorf("tool %s needs a data fetch but no tool backend is configured", call.ToolID)
		}
		data, err := d.caller.CallTool(ctx, handler.Tool, call.Arguments)
		if err != nil {
			d.logger.Error("Tool call failed",
				slog.String("toolId", call.ToolID),
				slog.String("tool", handler.Tool),
				slog.String("err", err.Error()))
			return Result{}, fmt.Errorf("tool %s failed: %w", call.ToolID, err)
		}
		return Result{ToolID: call.ToolID, Data: data}, nil
	default:
		return Result{}, fmt.Errorf("tool %s has unsupported kind %q", call.ToolID, handler.Kind)
	}
}

// uiAction builds the client action for a UI handler. show_component derives
// its screen from the call arguments; every other handler names its screen
// statically.
func uiAction(handler Handler, call Call) (*UIAction, error) {
	screen := handler.Screen
	ctx := map[string]string{}

	if len(call.Arguments) > 0 {
		var args map[string]string
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, fmt.Errorf("tool %s has malformed arguments: %w", call.ToolID, err)
		}
		for k, v := range args {
			if k == "componentId" {
				screen = v
				continue
			}
			ctx[k] = v
		}
	}

	if screen == "" {
		return nil, fmt.Errorf("tool %s resolved to no screen", call.ToolID)
	}
	if len(ctx) == 0 {
		ctx = nil
	}
	return &UIAction{Screen: screen, Context: ctx}, nil
}

// FollowUp encodes the combined result set of one turn as the body of the
// single follow-up message sent back to the advisor.
func FollowUp(results []Result) (string, error) {
	fetched := make([]Result, 0, len(results))
	for _, r := range results {
		if r.NeedsFollowUp() {
			fetched = append(fetched, r)
		}
	}
	body, err := json.Marshal(struct {
		ToolResults []Result `json:"toolResults"`
	}{ToolResults: fetched})
	if err != nil {
		return "", fmt.Errorf("error marshaling tool results: %w", err)
	}
	return string(body), nil
}
