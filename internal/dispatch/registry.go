// Package dispatch resolves tool and component directives from the advisor
// into concrete client actions or data fetches.
package dispatch

// Kind distinguishes what resolving a tool id involves.
type Kind string

const (
	// KindUIAction opens a client screen; no network interaction.
	KindUIAction Kind = "ui_action"
	// KindDataFetch fetches supplementary data that must be attached to the
	// follow-up before the conversation can resume.
	KindDataFetch Kind = "data_fetch"
)

// Handler describes how one tool id is resolved.
type Handler struct {
	Kind Kind

	// Screen is the client screen opened when Kind is KindUIAction.
	Screen string

	// Tool is the backend tool invoked when Kind is KindDataFetch.
	Tool string

	Description string
}

// Registry is a static, read-only mapping from tool ids to handlers. Lookups
// of unknown ids are an explicit error path, never a silent no-op.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates a registry over the given handler set.
func NewRegistry(handlers map[string]Handler) *Registry {
	hs := make(map[string]Handler, len(handlers))
	for id, h := range handlers {
		hs[id] = h
	}
	return &Registry{handlers: hs}
}

// Lookup returns the handler for the given tool id.
func (r *Registry) Lookup(id string) (Handler, bool) {
	h, ok := r.handlers[id]
	return h, ok
}

// DefaultRegistry returns the built-in finance assistant tool set.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]Handler{
		"show_component": {
			Kind:        KindUIAction,
			Description: "render the component named in the call arguments",
		},
		"open_budget": {
			Kind:        KindUIAction,
			Screen:      "budget-overview",
			Description: "open the budget overview screen",
		},
		"open_goals": {
			Kind:        KindUIAction,
			Screen:      "goal-overview",
			Description: "open the goals overview screen",
		},
		"open_debts": {
			Kind:        KindUIAction,
			Screen:      "debt-overview",
			Description: "open the debt overview screen",
		},
		"fetch_budget_summary": {
			Kind:        KindDataFetch,
			Tool:        "budget_summary",
			Description: "fetch the user's current budget summary",
		},
		"fetch_goal_progress": {
			Kind:        KindDataFetch,
			Tool:        "goal_progress",
			Description: "fetch progress across the user's savings goals",
		},
		"fetch_debt_plan": {
			Kind:        KindDataFetch,
			Tool:        "debt_plan",
			Description: "fetch the user's debt payoff plan",
		},
		"fetch_income_overview": {
			Kind:        KindDataFetch,
			Tool:        "income_overview",
			Description: "fetch the user's income sources",
		},
	})
}
