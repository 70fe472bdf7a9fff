package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sort"

	"github.com/coinwise-ai/coinwise/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// ToolDef describes one advisor-callable tool for providers that take tool
// definitions in the request.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// OpenAI provides an advisor implementation backed by the OpenAI chat
// completion API, or any compatible endpoint via a custom base URL.
type OpenAI struct {
	model        string
	systemPrompt string
	tools        []goopenai.Tool

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates an OpenAI advisor. baseURL may be empty for the default
// endpoint; setting it points the same client at OpenAI-compatible gateways.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, tools []ToolDef, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	oTools := make([]goopenai.Tool, len(tools))
	for i, tool := range tools {
		oTools[i] = goopenai.Tool{
			Type: "function",
			Function: &goopenai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}

	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		tools:        oTools,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		content := msg.Content
		if msg.Component != nil {
			directive, _ := json.Marshal(msg.Component)
			content = fmt.Sprintf("[component directive] %s", directive)
		}
		if content == "" {
			continue
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: content,
		})
	}
	return msgs
}

// Stream runs a streaming chat completion over the conversation history and
// yields the response as stream events: text deltas as they arrive, any tool
// calls once their arguments are complete, then a final done event.
func (o OpenAI) Stream(
	ctx context.Context,
	_ string,
	messages []models.Message,
) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		msgs := openAIMessages(messages)
		msgs = slices.Insert(msgs, 0, goopenai.ChatCompletionMessage{
			Role:    "system",
			Content: o.systemPrompt,
		})

		req := goopenai.ChatCompletionRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   true,
			Tools:    o.tools,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		completion, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer completion.Close()

		// Tool call arguments stream in fragments keyed by index; they are
		// only complete at end of stream.
		type pendingCall struct {
			id   string
			name string
			args string
		}
		pending := map[int]*pendingCall{}

		for {
			response, err := completion.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.StreamEvent{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta
			if delta.Content != "" {
				if !yield(models.StreamEvent{Kind: models.EventTextDelta, Text: delta.Content}, nil) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := pending[idx]
				if !ok {
					call = &pendingCall{}
					pending[idx] = call
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				call.args += tc.Function.Arguments
			}
		}

		indexes := make([]int, 0, len(pending))
		for idx := range pending {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			call := pending[idx]
			args := call.args
			if args == "" {
				args = "{}"
			}
			o.logger.Debug("Tool call",
				slog.String("name", call.name),
				slog.String("args", args))
			if !yield(models.StreamEvent{
				Kind:      models.EventToolCall,
				ToolID:    call.name,
				Arguments: json.RawMessage(args),
			}, nil) {
				return
			}
		}

		yield(models.StreamEvent{Kind: models.EventDone}, nil)
	}
}

// GenerateTitle asks for a short conversation title in a single non-streaming
// completion.
func (o OpenAI) GenerateTitle(ctx context.Context, message string) (string, error) {
	req := goopenai.ChatCompletionRequest{
		Model: o.model,
		Messages: []goopenai.ChatCompletionMessage{
			{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: "Generate a short title, five words at most, for a conversation opening with the following message. Reply with the title only.",
			},
			{
				Role:    goopenai.ChatMessageRoleUser,
				Content: message,
			},
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return resp.Choices[0].Message.Content, nil
}
