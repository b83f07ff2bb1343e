package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parlorhq/parlor/internal/llm"
	"github.com/parlorhq/parlor/internal/mcp"
	"github.com/parlorhq/parlor/internal/store"
)

// scriptedGateway returns one canned stream per call, recording the request
// each time. After the script runs out it repeats the last entry.
type scriptedGateway struct {
	script   [][]llm.Event
	requests []llm.Request
}

func (g *scriptedGateway) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	g.requests = append(g.requests, req)
	idx := len(g.requests) - 1
	if idx >= len(g.script) {
		idx = len(g.script) - 1
	}
	return &scriptedStream{ctx: ctx, events: g.script[idx]}, nil
}

type scriptedStream struct {
	ctx    context.Context
	events []llm.Event
	pos    int
	block  bool
}

func (s *scriptedStream) Recv() (llm.Event, error) {
	if s.pos >= len(s.events) {
		if s.block {
			<-s.ctx.Done()
			return llm.Event{}, s.ctx.Err()
		}
		return llm.Event{}, io.EOF
	}
	select {
	case <-s.ctx.Done():
		return llm.Event{}, s.ctx.Err()
	default:
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

// fakeTools serves a static catalog and records calls.
type fakeTools struct {
	catalog []mcp.ServerTools
	results map[string]string
	failing map[string]error
	calls   []string
}

func (f *fakeTools) GetAllTools(ctx context.Context) []mcp.ServerTools {
	return f.catalog
}

func (f *fakeTools) CallToolByName(ctx context.Context, tool string, args map[string]any) (*mcp.CallResult, error) {
	f.calls = append(f.calls, tool)
	if err, ok := f.failing[tool]; ok {
		return nil, err
	}
	text, ok := f.results[tool]
	if !ok {
		return nil, mcp.ErrToolNotFound
	}
	return &mcp.CallResult{Content: []mcp.ToolContent{{Type: "text", Text: text}}}, nil
}

func textEvents(parts ...string) []llm.Event {
	var events []llm.Event
	for _, p := range parts {
		events = append(events, llm.Event{Type: llm.EventTextDelta, Text: p})
	}
	events = append(events, llm.Event{Type: llm.EventDone})
	return events
}

func toolCallEvents(name, args string) []llm.Event {
	return []llm.Event{
		{Type: llm.EventToolCall, Tool: &llm.ToolCall{ID: "call_1", Name: name, Arguments: args}},
		{Type: llm.EventDone},
	}
}

func newTestOrchestrator(t *testing.T, gw Gateway, tools ToolSource, opts Options) (*Orchestrator, *store.Store, *Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	bus := NewBus()
	if opts.DefaultModel == "" {
		opts.DefaultModel = "test/model"
	}
	return NewOrchestrator(gw, tools, nil, st, bus, opts), st, bus
}

// waitTurnDone consumes bus events until the turn finishes.
func waitTurnDone(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var seen []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			seen = append(seen, ev)
			if ev.Type == EventTurnDone {
				return seen
			}
		case <-deadline:
			t.Fatalf("turn did not finish; saw %d events", len(seen))
		}
	}
}

func TestRunTurnStreamsAndPersists(t *testing.T) {
	gw := &scriptedGateway{}
	gw.script = [][]llm.Event{{
		{Type: llm.EventTextDelta, Text: "Hello"},
		{Type: llm.EventTextDelta, Text: ", world"},
		{Type: llm.EventUsage, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 2, Cost: 0.001}},
		{Type: llm.EventDone},
	}}

	orch, st, bus := newTestOrchestrator(t, gw, &fakeTools{}, Options{})
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	conv, err := st.CreateConversation(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	msgID, err := orch.RunTurn(context.Background(), conv.ID, "hi there", "", false)
	if err != nil {
		t.Fatal(err)
	}

	seen := waitTurnDone(t, events)

	var deltas strings.Builder
	for _, ev := range seen {
		if ev.Type == EventDelta {
			deltas.WriteString(ev.Text)
		}
	}
	if deltas.String() != "Hello, world" {
		t.Errorf("streamed %q", deltas.String())
	}

	msgs, err := st.ListMessages(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hi there" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].ID != msgID || msgs[1].Content != "Hello, world" {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	var meta turnMetadata
	if err := json.Unmarshal([]byte(msgs[1].Metadata), &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Usage == nil || meta.Usage.InputTokens != 10 {
		t.Errorf("usage = %+v", meta.Usage)
	}

	conv2, err := st.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if conv2.Title != "hi there" {
		t.Errorf("title = %q", conv2.Title)
	}
}

func TestRunTurnToolLoop(t *testing.T) {
	gw := &scriptedGateway{script: [][]llm.Event{
		toolCallEvents("read_file", `{"path":"/tmp/x"}`),
		textEvents("file says hi"),
	}}
	tools := &fakeTools{
		catalog: []mcp.ServerTools{{ServerName: "files", Tools: []mcp.ToolDescriptor{{Name: "read_file"}}}},
		results: map[string]string{"read_file": "hi from file"},
	}
	orch, st, bus := newTestOrchestrator(t, gw, tools, Options{})
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	conv, _ := st.CreateConversation(context.Background(), "")
	if _, err := orch.RunTurn(context.Background(), conv.ID, "read it", "", false); err != nil {
		t.Fatal(err)
	}
	seen := waitTurnDone(t, events)

	if len(tools.calls) != 1 || tools.calls[0] != "read_file" {
		t.Errorf("tool calls = %v", tools.calls)
	}

	// The second request must carry the folded tool exchange.
	if len(gw.requests) != 2 {
		t.Fatalf("made %d requests", len(gw.requests))
	}
	second := gw.requests[1].Messages
	joined := ""
	for _, m := range second {
		joined += string(m.Role) + ": " + m.Content + "\n"
	}
	if !strings.Contains(joined, "[Called read_file]") {
		t.Errorf("missing call marker in history:\n%s", joined)
	}
	if !strings.Contains(joined, "Tool result for read_file:\nhi from file") {
		t.Errorf("missing tool result in history:\n%s", joined)
	}

	sawStart, sawResult := false, false
	for _, ev := range seen {
		switch ev.Type {
		case EventToolCallStart:
			sawStart = ev.ToolName == "read_file"
		case EventToolCallResult:
			sawResult = ev.ToolResult == "hi from file"
		}
	}
	if !sawStart || !sawResult {
		t.Errorf("missing tool events: start=%v result=%v", sawStart, sawResult)
	}

	msgs, _ := st.ListMessages(context.Background(), conv.ID)
	final := msgs[len(msgs)-1]
	if final.Content != "file says hi" {
		t.Errorf("final content = %q", final.Content)
	}
	var meta turnMetadata
	json.Unmarshal([]byte(final.Metadata), &meta)
	if len(meta.ToolCalls) != 1 || meta.ToolCalls[0].Name != "read_file" {
		t.Errorf("metadata tool calls = %+v", meta.ToolCalls)
	}
}

func TestRunTurnToolErrorRecovered(t *testing.T) {
	gw := &scriptedGateway{script: [][]llm.Event{
		toolCallEvents("broken", `{}`),
		textEvents("sorry, that failed"),
	}}
	tools := &fakeTools{failing: map[string]error{"broken": fmt.Errorf("backend exploded")}}
	orch, st, bus := newTestOrchestrator(t, gw, tools, Options{})
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	conv, _ := st.CreateConversation(context.Background(), "")
	if _, err := orch.RunTurn(context.Background(), conv.ID, "try it", "", false); err != nil {
		t.Fatal(err)
	}
	waitTurnDone(t, events)

	// The error reached the model as result text, not a failed turn.
	second := gw.requests[1].Messages
	found := false
	for _, m := range second {
		if strings.Contains(m.Content, "Error: backend exploded") {
			found = true
		}
	}
	if !found {
		t.Error("tool error not folded into history")
	}

	msgs, _ := st.ListMessages(context.Background(), conv.ID)
	final := msgs[len(msgs)-1]
	if final.Content != "sorry, that failed" {
		t.Errorf("final content = %q", final.Content)
	}
	var meta turnMetadata
	json.Unmarshal([]byte(final.Metadata), &meta)
	if len(meta.ToolCalls) != 1 || !meta.ToolCalls[0].IsError {
		t.Errorf("metadata = %+v", meta.ToolCalls)
	}
}

func TestRunTurnToolCallLimit(t *testing.T) {
	// The model never stops calling tools; the loop must cut it off.
	gw := &scriptedGateway{script: [][]llm.Event{
		toolCallEvents("loop_forever", `{}`),
	}}
	tools := &fakeTools{results: map[string]string{"loop_forever": "again"}}
	orch, st, bus := newTestOrchestrator(t, gw, tools, Options{})
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	conv, _ := st.CreateConversation(context.Background(), "")
	if _, err := orch.RunTurn(context.Background(), conv.ID, "go", "", false); err != nil {
		t.Fatal(err)
	}
	seen := waitTurnDone(t, events)

	if len(tools.calls) != maxToolCalls {
		t.Errorf("executed %d calls, want %d", len(tools.calls), maxToolCalls)
	}

	// Every announced call must have a matching result, including the final
	// round where the limit cuts the batch off.
	starts, results := 0, 0
	for _, ev := range seen {
		switch ev.Type {
		case EventToolCallStart:
			starts++
		case EventToolCallResult:
			results++
		}
	}
	if starts != maxToolCalls || results != maxToolCalls {
		t.Errorf("starts=%d results=%d, want %d each", starts, results, maxToolCalls)
	}

	msgs, _ := st.ListMessages(context.Background(), conv.ID)
	final := msgs[len(msgs)-1]
	if !strings.Contains(final.Content, "[maximum tool calls reached]") {
		t.Errorf("missing limit marker: %q", final.Content)
	}
}

func TestStopTurnKeepsPartialContent(t *testing.T) {
	gw := &scriptedGateway{}
	gw.script = [][]llm.Event{{
		{Type: llm.EventTextDelta, Text: "partial answ"},
		{Type: llm.EventUsage, Usage: &llm.Usage{InputTokens: 5, OutputTokens: 1}},
	}}
	orch, st, bus := newTestOrchestrator(t, gw, &fakeTools{}, Options{})
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	// Make the stream hang after its deltas so the stop races nothing.
	conv, _ := st.CreateConversation(context.Background(), "")
	blockingGw := &blockingGateway{inner: gw}
	orch.gateway = blockingGw

	if _, err := orch.RunTurn(context.Background(), conv.ID, "question", "", false); err != nil {
		t.Fatal(err)
	}

	// Wait for the delta to prove streaming started, then stop.
	deadline := time.After(5 * time.Second)
	for stopped := false; !stopped; {
		select {
		case ev := <-events:
			if ev.Type == EventDelta {
				if !orch.StopTurn(conv.ID) {
					t.Fatal("no active turn to stop")
				}
				stopped = true
			}
		case <-deadline:
			t.Fatal("never saw a delta")
		}
	}
	seen := waitTurnDone(t, events)

	// A cancelled turn's done event carries no usage.
	done := seen[len(seen)-1]
	if done.Usage != nil {
		t.Errorf("done usage = %+v, want none", done.Usage)
	}

	msgs, _ := st.ListMessages(context.Background(), conv.ID)
	final := msgs[len(msgs)-1]
	if final.Content != "partial answ" {
		t.Errorf("content = %q, want partial text kept", final.Content)
	}
	var meta turnMetadata
	json.Unmarshal([]byte(final.Metadata), &meta)
	if !meta.Stopped {
		t.Error("metadata should record the stop")
	}
}

// blockingGateway wraps scripted streams so they hang after their events
// instead of ending.
type blockingGateway struct {
	inner *scriptedGateway
}

func (g *blockingGateway) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	s, err := g.inner.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	scripted := s.(*scriptedStream)
	scripted.block = true
	return scripted, nil
}

func TestRunTurnRejectsConcurrentTurn(t *testing.T) {
	gw := &scriptedGateway{script: [][]llm.Event{{
		{Type: llm.EventTextDelta, Text: "x"},
	}}}
	orch, st, bus := newTestOrchestrator(t, gw, &fakeTools{}, Options{})
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	blockingGw := &blockingGateway{inner: gw}
	orch.gateway = blockingGw

	conv, _ := st.CreateConversation(context.Background(), "")
	if _, err := orch.RunTurn(context.Background(), conv.ID, "first", "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.RunTurn(context.Background(), conv.ID, "second", "", false); err != ErrTurnActive {
		t.Errorf("err = %v, want ErrTurnActive", err)
	}
	orch.StopTurn(conv.ID)
	waitTurnDone(t, events)
}

func TestGatewayErrorFinalizesWithBanner(t *testing.T) {
	orch, st, bus := newTestOrchestrator(t, &erroringGateway{}, &fakeTools{}, Options{})
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	conv, _ := st.CreateConversation(context.Background(), "")
	if _, err := orch.RunTurn(context.Background(), conv.ID, "q", "", false); err != nil {
		t.Fatal(err)
	}
	seen := waitTurnDone(t, events)

	sawError := false
	for _, ev := range seen {
		if ev.Type == EventTurnError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("missing turn error event")
	}
	msgs, _ := st.ListMessages(context.Background(), conv.ID)
	final := msgs[len(msgs)-1]
	if !strings.Contains(final.Content, "[error: gateway unreachable]") {
		t.Errorf("content = %q, want error banner", final.Content)
	}
}

type erroringGateway struct{}

func (g *erroringGateway) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	return &erroringStream{}, nil
}

type erroringStream struct{ sent bool }

func (s *erroringStream) Recv() (llm.Event, error) {
	if !s.sent {
		s.sent = true
		return llm.Event{Type: llm.EventTextDelta, Text: "partial"}, nil
	}
	return llm.Event{}, fmt.Errorf("gateway unreachable")
}

func (s *erroringStream) Close() error { return nil }
