package llm

import "encoding/json"

// Role identifies a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the chat history sent to the gateway.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes one callable tool in function-calling form. Schema is
// the JSON Schema of the arguments object.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolCall is a fully assembled model-requested tool invocation. Arguments is
// the concatenation of streamed fragments; it is not parsed until execution.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Request is a single streaming completion request.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolSpec
}

// EventType discriminates streamed events.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventToolCall       EventType = "tool_call"
	EventUsage          EventType = "usage"
	EventDone           EventType = "done"
)

// Event is one streamed output update. Tool-call events are emitted only
// after the stream body ends, once every argument fragment has arrived.
type Event struct {
	Type  EventType
	Text  string
	Tool  *ToolCall
	Usage *Usage
}

// Usage is the token accounting from the stream's trailing usage frame.
// Cost is in dollars when the gateway reports it, zero otherwise.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	ReasoningTokens int
	Cost            float64
}

// FinishReason is the terminal state of a completion choice.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
)

// ModelInfo is one entry of the gateway's model catalog.
type ModelInfo struct {
	ID            string
	Name          string
	ContextLength int
	// Prices per token as reported by the gateway, in dollars.
	PromptPrice     float64
	CompletionPrice float64
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

func SystemText(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func UserText(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}
