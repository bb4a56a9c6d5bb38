// Package messaging adapts WhatsApp transports to one delivery abstraction: outbound
// text plus the composing indicator, and a channel of inbound user messages.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the inbound channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines how long an inbound message may wait for buffer space
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// SendText sends a text message to a conversation.
	SendText(ctx context.Context, to string, text string) error

	// SetComposing shows or clears the typing indicator. Transports without one treat it as a no-op.
	SetComposing(ctx context.Context, to string, on bool) error

	// Start begins background processing (event handlers, webhooks).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the inbound channel.
	Stop() error

	// Inbound returns the channel of incoming user messages.
	Inbound() <-chan models.InboundMessage

	// OwnerID identifies the bot account behind this service.
	OwnerID() string
}

// Transcriber turns a voice note into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// inbox is the inbound channel shared by the services. Emission after close is a
// dropped message, never a panic.
type inbox struct {
	name    string
	mu      sync.RWMutex
	ch      chan models.InboundMessage
	stopped bool
}

func newInbox(name string) *inbox {
	return &inbox{name: name, ch: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

// emit forwards msg, waiting up to DefaultChannelTimeout for buffer space.
func (b *inbox) emit(msg models.InboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+" dropping inbound message (service stopped)", "conversationID", msg.ConversationID)
		return false
	}
	select {
	case b.ch <- msg:
		slog.Debug(b.name+" inbound message forwarded", "conversationID", msg.ConversationID, "externalID", msg.ExternalID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+" inbound channel blocked, dropping message", "conversationID", msg.ConversationID, "timeout", DefaultChannelTimeout)
		return false
	}
}

// close marks the inbox stopped and closes the channel once.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.ch)
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}
