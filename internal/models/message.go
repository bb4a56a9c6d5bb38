package models

import (
	"strings"
	"time"
)

// Direction of a stored message.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// InboundMessage is one transport-delivered user message.
type InboundMessage struct {
	// ExternalID is the transport's message identifier, used for idempotency.
	ExternalID     string `json:"external_id"`
	ConversationID string `json:"conversation_id"`
	// OwnerID identifies the bot account that received the message.
	OwnerID    string `json:"owner_id"`
	Text       string `json:"text"`
	MediaText  string `json:"media_text,omitempty"` // transcribed voice/audio
	SenderName string `json:"sender_name,omitempty"`
	// SenderPhone is the sender's number in +E.164 form when the transport exposes it.
	SenderPhone string    `json:"sender_phone,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Body returns the text to process: the trimmed text, or the transcript when the text is empty.
func (m InboundMessage) Body() string {
	if t := strings.TrimSpace(m.Text); t != "" {
		return t
	}
	return strings.TrimSpace(m.MediaText)
}

// OutboundChunk is one paced fragment of a reply.
type OutboundChunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	// ReadDelay is waited without any indicator before the first chunk only.
	ReadDelay time.Duration `json:"read_delay,omitempty"`
	// TypeDelay is waited (with the composing indicator shown) before the chunk is sent.
	TypeDelay time.Duration `json:"type_delay"`
	// Pause is waited after the chunk when more chunks follow.
	Pause time.Duration `json:"pause"`
}

// PreSend returns the total wait before the chunk is sent.
func (c OutboundChunk) PreSend() time.Duration {
	return c.ReadDelay + c.TypeDelay
}

// MessageRecord is a persisted incoming or outgoing message.
type MessageRecord struct {
	ExternalID     string    `json:"external_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	Direction      Direction `json:"direction"`
	Content        string    `json:"content"`
	SenderName     string    `json:"sender_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HandoffStatus tracks the operator side of a handoff.
type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "pending"
	HandoffConfirmed HandoffStatus = "confirmed"
	HandoffCompleted HandoffStatus = "completed"
	HandoffCancelled HandoffStatus = "cancelled"
)

// HandoffRecord marks a conversation ready for a human operator.
type HandoffRecord struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	OwnerID        string        `json:"owner_id"`
	Subject        string        `json:"subject"`
	Status         HandoffStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Owner is a bot identity (one connected transport account).
type Owner struct {
	ID            string `json:"id"`
	Frozen        bool   `json:"frozen"`
	FrozenMessage string `json:"frozen_message,omitempty"`
	RedirectPhone string `json:"redirect_phone,omitempty"`
}

// MatchType selects how a keyword is compared against a message.
type MatchType string

const (
	MatchContains   MatchType = "contains"
	MatchExact      MatchType = "exact"
	MatchStartsWith MatchType = "starts_with"
	MatchEndsWith   MatchType = "ends_with"
	MatchRegex      MatchType = "regex"
)

// KeywordResponse is a static canned reply consulted before the state machine.
type KeywordResponse struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Keyword   string    `json:"keyword"`
	MatchType MatchType `json:"match_type"`
	Response  string    `json:"response"`
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
}
