package chat

import (
	"sync"

	"github.com/parlorhq/parlor/internal/llm"
)

// EventType describes turn lifecycle events pushed to UI subscribers.
type EventType string

const (
	EventTurnStart      EventType = "turn_start"
	EventDelta          EventType = "delta"
	EventReasoning      EventType = "reasoning"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallResult EventType = "tool_call_result"
	EventTurnDone       EventType = "turn_done"
	EventTurnError      EventType = "turn_error"
)

// Event is one turn update. MessageID identifies the assistant message being
// streamed into. Tool result text is truncated for display; the model sees
// the full result.
type Event struct {
	Type           EventType  `json:"type"`
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId,omitempty"`
	Text           string     `json:"text,omitempty"`
	ToolName       string     `json:"toolName,omitempty"`
	ToolArgs       string     `json:"toolArgs,omitempty"`
	ToolResult     string     `json:"toolResult,omitempty"`
	ToolIsError    bool       `json:"toolIsError,omitempty"`
	Error          string     `json:"error,omitempty"`
	Usage          *llm.Usage `json:"usage,omitempty"`
}

// subscriberBuffer sizes each subscriber channel. A subscriber that falls
// this far behind starts losing events rather than stalling the turn.
const subscriberBuffer = 256

// Bus fans turn events out to subscribers. Publishing never blocks.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers an event to every subscriber, dropping it for any whose
// buffer is full.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}
