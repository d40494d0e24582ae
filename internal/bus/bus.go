// Package bus provides the async message bus between platform adapters and
// the orchestrator runtime.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InboundMessage is the adapter-to-runtime contract: one raw message as it
// arrived on a platform, before any routing decision.
type InboundMessage struct {
	ConversationID string    `json:"conversation_id"`
	CallerID       string    `json:"caller_id"`
	AuthorName     string    `json:"author_name,omitempty"`
	RawText        string    `json:"raw_text"`
	IsDirect       bool      `json:"is_direct"`
	Source         string    `json:"source"`
	Attachments    []string  `json:"attachments,omitempty"`
	TraceID        string    `json:"trace_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// OutboundMessage is a reply the runtime wants delivered to a platform.
// Source selects which adapter's send handlers receive it.
type OutboundMessage struct {
	ConversationID string `json:"conversation_id"`
	Source         string `json:"source"`
	TraceID        string `json:"trace_id,omitempty"`
	Text           string `json:"text"`
}

// MessageBus decouples platform adapters from the runtime core.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage
	subs     map[string][]func(*OutboundMessage)
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *InboundMessage, 100),
		outbound: make(chan *OutboundMessage, 100),
		subs:     make(map[string][]func(*OutboundMessage)),
	}
}

// PublishInbound sends a message from an adapter to the runtime. A missing
// timestamp or trace id is filled in here so downstream code can rely on both.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.TraceID == "" {
		msg.TraceID = uuid.NewString()
	}
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound sends a reply from the runtime to the adapters.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	b.outbound <- msg
}

// Subscribe registers a send handler for outbound messages from one source.
func (b *MessageBus) Subscribe(source string, handler func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[source] = append(b.subs[source], handler)
}

// DispatchOutbound runs the outbound message dispatcher.
// This should be run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			handlers := b.subs[msg.Source]
			b.mu.RUnlock()

			for _, h := range handlers {
				h(msg)
			}
		}
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}
