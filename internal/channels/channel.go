// Package channels holds the platform adapters. Each adapter turns platform
// events into bus.InboundMessage values and delivers bus.OutboundMessage
// replies back to its platform.
package channels

import (
	"context"

	"github.com/sandclaw/sandclaw/internal/bus"
)

// Channel defines the interface for chat platforms (Slack, WhatsApp, etc).
type Channel interface {
	// Name returns the channel name (e.g. "slack").
	Name() string
	// Start starts the channel listener.
	Start(ctx context.Context) error
	// Stop stops the channel listener.
	Stop() error
	// Send sends a message to a specific conversation.
	Send(ctx context.Context, msg *bus.OutboundMessage) error
}

// BaseChannel provides common functionality for channels.
type BaseChannel struct {
	Bus *bus.MessageBus
}
