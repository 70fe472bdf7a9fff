package stream_test

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/coinwise-ai/coinwise/internal/models"
	"github.com/coinwise-ai/coinwise/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, p *stream.Parser) ([]models.StreamEvent, error) {
	t.Helper()
	var events []models.StreamEvent
	for ev, err := range p.Events() {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestParserTextOnlyStream(t *testing.T) {
	body := strings.Join([]string{
		"event: text_delta",
		`data: {"text":"Your"}`,
		"",
		"event: text_delta",
		`data: {"text":" budget is on track."}`,
		"",
		"event: done",
		"data: {}",
		"",
		"",
	}, "\n")

	p := stream.NewParser(strings.NewReader(body), discardLogger())
	events, err := collect(t, p)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, models.EventTextDelta, events[0].Kind)
	assert.Equal(t, "Your", events[0].Text)
	assert.Equal(t, " budget is on track.", events[1].Text)
	assert.Equal(t, models.EventDone, events[2].Kind)
}

func TestParserToolCallAndComponent(t *testing.T) {
	body := strings.Join([]string{
		"event: tool_call",
		`data: {"toolId":"fetch_budget_summary","arguments":{"month":"2026-01"}}`,
		"",
		"event: component",
		`data: {"componentId":"goal-overview","context":{"goalId":"g1"}}`,
		"",
		"event: done",
		"data: {}",
		"",
		"",
	}, "\n")

	p := stream.NewParser(strings.NewReader(body), discardLogger())
	events, err := collect(t, p)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, models.EventToolCall, events[0].Kind)
	assert.Equal(t, "fetch_budget_summary", events[0].ToolID)
	assert.JSONEq(t, `{"month":"2026-01"}`, string(events[0].Arguments))
	assert.Equal(t, models.EventComponent, events[1].Kind)
	assert.Equal(t, "goal-overview", events[1].ComponentID)
	assert.Equal(t, map[string]string{"goalId": "g1"}, events[1].Context)
}

func TestParserUnknownTypeIsIgnoredEvent(t *testing.T) {
	body := strings.Join([]string{
		"event: usage_report",
		`data: {"tokens":42}`,
		"",
		"event: done",
		"data: {}",
		"",
		"",
	}, "\n")

	p := stream.NewParser(strings.NewReader(body), discardLogger())
	events, err := collect(t, p)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, models.EventIgnored, events[0].Kind)
	assert.Equal(t, models.EventDone, events[1].Kind)
}

func TestParserSkipsMalformedFrame(t *testing.T) {
	body := strings.Join([]string{
		"event: text_delta",
		`data: {not json`,
		"",
		"event: text_delta",
		`data: {"text":"ok"}`,
		"",
		"event: done",
		"data: {}",
		"",
		"",
	}, "\n")

	p := stream.NewParser(strings.NewReader(body), discardLogger())
	events, err := collect(t, p)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "ok", events[0].Text)
	assert.Equal(t, models.EventDone, events[1].Kind)
}

func TestParserErrorEventTerminates(t *testing.T) {
	body := strings.Join([]string{
		"event: error",
		`data: {"reason":"advisor unavailable"}`,
		"",
		"event: text_delta",
		`data: {"text":"never delivered"}`,
		"",
		"",
	}, "\n")

	p := stream.NewParser(strings.NewReader(body), discardLogger())
	events, err := collect(t, p)
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Kind)
	assert.Equal(t, "advisor unavailable", events[0].Reason)
}

func TestParserStopsReadingAfterTerminalEvent(t *testing.T) {
	body := strings.Join([]string{
		"event: done",
		"data: {}",
		"",
		"",
	}, "\n")

	// A reader that fails after the terminal frame proves the parser does
	// not keep reading past it.
	r := io.MultiReader(strings.NewReader(body), failingReader{})

	p := stream.NewParser(r, discardLogger())
	events, err := collect(t, p)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDone, events[0].Kind)
}

func TestParserNotReusable(t *testing.T) {
	body := "event: done\ndata: {}\n\n"
	p := stream.NewParser(strings.NewReader(body), discardLogger())

	first, err := collect(t, p)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := collect(t, p)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestParserSurfacesReadFailure(t *testing.T) {
	r := io.MultiReader(
		strings.NewReader("event: text_delta\ndata: {\"text\":\"partial\"}\n\n"),
		failingReader{},
	)

	p := stream.NewParser(r, discardLogger())
	events, err := collect(t, p)
	require.Error(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "partial", events[0].Text)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
