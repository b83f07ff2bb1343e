package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/parlorhq/parlor/internal/llm"
	"github.com/parlorhq/parlor/internal/mcp"
	"github.com/parlorhq/parlor/internal/store"
)

// maxToolCalls bounds the tool loop of a single turn so a model stuck in a
// call cycle cannot run forever.
const maxToolCalls = 30

// resultDisplayLimit truncates tool results for events and metadata. The
// model always sees the full result.
const resultDisplayLimit = 2048

// ErrTurnActive is returned when a conversation already has a live turn.
var ErrTurnActive = errors.New("chat: turn already running for conversation")

// Gateway streams model completions.
type Gateway interface {
	Stream(ctx context.Context, req llm.Request) (llm.Stream, error)
}

// ToolSource supplies the MCP tool surface.
type ToolSource interface {
	GetAllTools(ctx context.Context) []mcp.ServerTools
	CallToolByName(ctx context.Context, tool string, args map[string]any) (*mcp.CallResult, error)
}

// CodeRunner executes model-written scripts against the tool bridge.
type CodeRunner interface {
	Execute(ctx context.Context, code string) (string, error)
}

// Options configures an Orchestrator.
type Options struct {
	DefaultModel string
	SystemPrompt string
}

// Orchestrator runs chat turns: it streams the model, executes requested
// tools, folds results back into the request, and persists the outcome.
type Orchestrator struct {
	gateway Gateway
	tools   ToolSource
	runner  CodeRunner
	store   *store.Store
	bus     *Bus
	logger  *slog.Logger
	opts    Options

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewOrchestrator(gateway Gateway, tools ToolSource, runner CodeRunner, st *store.Store, bus *Bus, opts Options) *Orchestrator {
	return &Orchestrator{
		gateway: gateway,
		tools:   tools,
		runner:  runner,
		store:   st,
		bus:     bus,
		logger:  slog.Default().With("component", "chat"),
		opts:    opts,
		active:  make(map[string]context.CancelFunc),
	}
}

// toolRecord is the per-call entry stored in message metadata.
type toolRecord struct {
	Name    string `json:"name"`
	Args    string `json:"args"`
	Result  string `json:"result"`
	IsError bool   `json:"isError,omitempty"`
}

// turnMetadata is the JSON document stored alongside the assistant message.
type turnMetadata struct {
	Model     string       `json:"model,omitempty"`
	Usage     *llm.Usage   `json:"usage,omitempty"`
	ToolCalls []toolRecord `json:"toolCalls,omitempty"`
	Stopped   bool         `json:"stopped,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// RunTurn persists the user message, creates the assistant placeholder, and
// runs the turn in the background. It returns the placeholder message id.
// A conversation can have at most one live turn. codeMode selects the tool
// surface for this turn only.
func (o *Orchestrator) RunTurn(ctx context.Context, conversationID, userText, model string, codeMode bool) (string, error) {
	if model == "" {
		model = o.opts.DefaultModel
	}

	o.mu.Lock()
	if _, running := o.active[conversationID]; running {
		o.mu.Unlock()
		return "", ErrTurnActive
	}
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.active[conversationID] = cancel
	o.mu.Unlock()

	fail := func(err error) (string, error) {
		o.mu.Lock()
		delete(o.active, conversationID)
		o.mu.Unlock()
		cancel()
		return "", err
	}

	if _, err := o.store.AppendMessage(ctx, store.Message{
		ConversationID: conversationID,
		Role:           "user",
		Content:        userText,
	}); err != nil {
		return fail(err)
	}
	if err := o.store.EnsureTitle(ctx, conversationID, userText); err != nil {
		o.logger.Warn("title derivation failed", "error", err)
	}

	placeholder, err := o.store.AppendMessage(ctx, store.Message{
		ConversationID: conversationID,
		Role:           "assistant",
		Model:          model,
	})
	if err != nil {
		return fail(err)
	}

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.active, conversationID)
			o.mu.Unlock()
			cancel()
		}()
		o.runLoop(turnCtx, conversationID, placeholder.ID, model, codeMode)
	}()

	return placeholder.ID, nil
}

// StopTurn cancels the live turn of a conversation, if any. The partial
// content streamed so far is kept.
func (o *Orchestrator) StopTurn(conversationID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[conversationID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) runLoop(ctx context.Context, conversationID, messageID, model string, codeMode bool) {
	o.bus.Publish(Event{Type: EventTurnStart, ConversationID: conversationID, MessageID: messageID})

	messages, err := o.buildHistory(ctx, conversationID, messageID)
	if err != nil {
		o.finalize(ctx, conversationID, messageID, "", turnMetadata{Model: model, Error: err.Error()})
		return
	}
	specs := o.toolSpecs(ctx, codeMode)

	var content strings.Builder
	meta := turnMetadata{Model: model}
	callsUsed := 0

	for {
		stream, err := o.gateway.Stream(ctx, llm.Request{
			Model:    model,
			Messages: messages,
			Tools:    specs,
		})
		if err != nil {
			o.failTurn(ctx, conversationID, messageID, &content, meta, err)
			return
		}

		var calls []llm.ToolCall
		streamErr := o.consume(stream, conversationID, messageID, &content, &meta, &calls)
		stream.Close()

		if streamErr != nil {
			if ctx.Err() != nil {
				// User stop: keep what streamed so far.
				meta.Stopped = true
				o.finalize(ctx, conversationID, messageID, content.String(), meta)
				return
			}
			o.failTurn(ctx, conversationID, messageID, &content, meta, streamErr)
			return
		}

		if len(calls) == 0 {
			o.finalize(ctx, conversationID, messageID, content.String(), meta)
			return
		}

		for _, call := range calls {
			if callsUsed >= maxToolCalls {
				content.WriteString("\n\n[maximum tool calls reached]")
				o.finalize(ctx, conversationID, messageID, content.String(), meta)
				return
			}
			callsUsed++

			// Start is announced here, not during stream consumption, so a
			// call dropped by the limit never gets an unmatched start event.
			o.bus.Publish(Event{
				Type: EventToolCallStart, ConversationID: conversationID, MessageID: messageID,
				ToolName: call.Name, ToolArgs: truncateResult(call.Arguments),
			})

			resultText, isErr := o.executeCall(ctx, call, codeMode)
			if ctx.Err() != nil {
				meta.Stopped = true
				o.finalize(ctx, conversationID, messageID, content.String(), meta)
				return
			}

			display := truncateResult(resultText)
			meta.ToolCalls = append(meta.ToolCalls, toolRecord{
				Name: call.Name, Args: call.Arguments, Result: display, IsError: isErr,
			})
			o.bus.Publish(Event{
				Type: EventToolCallResult, ConversationID: conversationID, MessageID: messageID,
				ToolName: call.Name, ToolResult: display, ToolIsError: isErr,
			})

			// Fold the call into the history as plain text so the next
			// request carries it regardless of provider tool-message quirks.
			messages = append(messages,
				llm.AssistantText(fmt.Sprintf("[Called %s]", call.Name)),
				llm.UserText(fmt.Sprintf("Tool result for %s:\n%s", call.Name, resultText)),
			)
		}
	}
}

// consume drains one stream, publishing deltas and collecting tool calls.
func (o *Orchestrator) consume(stream llm.Stream, conversationID, messageID string, content *strings.Builder, meta *turnMetadata, calls *[]llm.ToolCall) error {
	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch ev.Type {
		case llm.EventTextDelta:
			content.WriteString(ev.Text)
			o.bus.Publish(Event{Type: EventDelta, ConversationID: conversationID, MessageID: messageID, Text: ev.Text})
		case llm.EventReasoningDelta:
			o.bus.Publish(Event{Type: EventReasoning, ConversationID: conversationID, MessageID: messageID, Text: ev.Text})
		case llm.EventToolCall:
			if ev.Tool != nil {
				*calls = append(*calls, *ev.Tool)
			}
		case llm.EventUsage:
			if ev.Usage != nil {
				meta.Usage = addUsage(meta.Usage, ev.Usage)
			}
		case llm.EventDone:
			return nil
		}
	}
}

// executeCall dispatches one tool call. Failures become result text so the
// model can recover instead of aborting the turn.
func (o *Orchestrator) executeCall(ctx context.Context, call llm.ToolCall, codeMode bool) (string, bool) {
	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return fmt.Sprintf("Error: invalid tool arguments: %v", err), true
		}
	}

	if codeMode {
		text, err := o.executeCodeModeCall(ctx, call.Name, args)
		if err != nil {
			return "Error: " + err.Error(), true
		}
		return text, false
	}

	result, err := o.tools.CallToolByName(ctx, call.Name, args)
	if err != nil {
		return "Error: " + err.Error(), true
	}
	return result.Text(), result.IsError
}

// buildHistory converts the persisted conversation into request messages,
// skipping the still-empty placeholder.
func (o *Orchestrator) buildHistory(ctx context.Context, conversationID, placeholderID string) ([]llm.Message, error) {
	persisted, err := o.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var messages []llm.Message
	if o.opts.SystemPrompt != "" {
		messages = append(messages, llm.SystemText(o.opts.SystemPrompt))
	}
	for _, msg := range persisted {
		if msg.ID == placeholderID || msg.Content == "" {
			continue
		}
		messages = append(messages, llm.Message{Role: llm.Role(msg.Role), Content: msg.Content})
	}
	return messages, nil
}

// toolSpecs builds the tool surface for the request: the full MCP catalog
// normally, or the two code-mode tools when code mode is on.
func (o *Orchestrator) toolSpecs(ctx context.Context, codeMode bool) []llm.ToolSpec {
	if codeMode {
		return codeModeSpecs()
	}
	var specs []llm.ToolSpec
	for _, server := range o.tools.GetAllTools(ctx) {
		for _, tool := range server.Tools {
			specs = append(specs, llm.ToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Schema:      tool.InputSchema,
			})
		}
	}
	return specs
}

func (o *Orchestrator) failTurn(ctx context.Context, conversationID, messageID string, content *strings.Builder, meta turnMetadata, err error) {
	o.logger.Error("turn failed", "conversation", conversationID, "error", err)
	meta.Error = err.Error()
	if content.Len() > 0 {
		content.WriteString("\n\n")
	}
	content.WriteString("[error: " + err.Error() + "]")
	o.bus.Publish(Event{Type: EventTurnError, ConversationID: conversationID, MessageID: messageID, Error: err.Error()})
	o.finalize(ctx, conversationID, messageID, content.String(), meta)
}

func (o *Orchestrator) finalize(ctx context.Context, conversationID, messageID, content string, meta turnMetadata) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}
	// Persist even when the turn context is gone.
	if err := o.store.UpdateMessage(context.WithoutCancel(ctx), messageID, content, string(metaJSON)); err != nil {
		o.logger.Error("failed to persist assistant message", "message", messageID, "error", err)
	}
	// A stopped turn's accounting is partial; metadata keeps it but the
	// done event reports none.
	usage := meta.Usage
	if meta.Stopped {
		usage = nil
	}
	o.bus.Publish(Event{
		Type: EventTurnDone, ConversationID: conversationID, MessageID: messageID,
		Text: content, Usage: usage,
	})
}

func truncateResult(s string) string {
	if len(s) <= resultDisplayLimit {
		return s
	}
	return s[:resultDisplayLimit] + "\n[truncated]"
}

func addUsage(total, u *llm.Usage) *llm.Usage {
	if total == nil {
		copied := *u
		return &copied
	}
	total.InputTokens += u.InputTokens
	total.OutputTokens += u.OutputTokens
	total.TotalTokens += u.TotalTokens
	total.ReasoningTokens += u.ReasoningTokens
	total.Cost += u.Cost
	return total
}
