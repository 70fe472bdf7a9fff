package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/coinwise-ai/coinwise/internal/models"
	"github.com/coinwise-ai/coinwise/internal/stream"
)

// Advisor is the client for the hosted advisor event source. It serves two
// callers: the transport proxy relays Open's raw response body untouched,
// and the orchestrator consumes Stream's decoded events.
type Advisor struct {
	baseURL string
	apiKey  string

	client *http.Client
	logger *slog.Logger
}

type advisorRequest struct {
	Content string `json:"content"`
}

type advisorErrorResponse struct {
	Error string `json:"error"`
}

// NewAdvisor creates an advisor client. headerTimeout bounds how long the
// upstream may take to start responding; it deliberately does not bound the
// stream itself.
func NewAdvisor(baseURL, apiKey string, headerTimeout time.Duration, logger *slog.Logger) Advisor {
	return Advisor{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: headerTimeout,
			},
		},
		logger: logger.With(slog.String("module", "advisor")),
	}
}

// Open sends content for a conversation and returns the streaming response
// without reading its body. The caller owns resp.Body, including on non-2xx
// statuses. Cancelling ctx terminates the upstream request.
func (a Advisor) Open(ctx context.Context, conversationID, content string) (*http.Response, error) {
	body, err := json.Marshal(advisorRequest{Content: content})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/conversations/%s/stream", a.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	return resp, nil
}

// Stream sends the newest message of the conversation upstream and yields
// the decoded events of the response. The hosted advisor keeps conversation
// history server-side, so only the latest content travels.
func (a Advisor) Stream(
	ctx context.Context,
	conversationID string,
	messages []models.Message,
) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		if len(messages) == 0 {
			yield(models.StreamEvent{}, errors.New("no messages to send"))
			return
		}

		resp, err := a.Open(ctx, conversationID, messages[len(messages)-1].Content)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamEvent{}, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(models.StreamEvent{}, fmt.Errorf("advisor returned status %d: %s", resp.StatusCode, readErrorBody(resp.Body)))
			return
		}

		parser := stream.NewParser(resp.Body, a.logger)
		for ev, err := range parser.Events() {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.StreamEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// readErrorBody extracts the upstream error envelope, falling back to the
// raw body, capped so a misbehaving upstream can't balloon memory.
func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no error detail"
	}
	var envelope advisorErrorResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return string(raw)
}
