// Package models defines the core data structures for PacePipe.
//
// It includes the conversation record, inbound/outbound message types and the
// handoff and keyword records shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// FieldKey names one of the structured data points collected before handoff.
type FieldKey string

const (
	// FieldName is the user's full name.
	FieldName FieldKey = "full_name"
	// FieldPhone is a callback phone number.
	FieldPhone FieldKey = "phone"
	// FieldCity is the city the user lives in.
	FieldCity FieldKey = "city"
	// FieldMotherName is the secondary contact name (mother's name).
	FieldMotherName FieldKey = "mother_name"
	// FieldBirthDate holds a birth date, birth year or an age converted to a birth year.
	FieldBirthDate FieldKey = "birth_date"
	// FieldSubject is the free-text topic the user wants help with.
	FieldSubject FieldKey = "subject"
)

// fieldPriority orders fields for asking. Lower values are asked first.
var fieldPriority = map[FieldKey]int{
	FieldName:       1,
	FieldPhone:      2,
	FieldCity:       3,
	FieldMotherName: 4,
	FieldBirthDate:  5,
	FieldSubject:    6,
}

// DefaultRequiredFields is the full required-field set in priority order.
var DefaultRequiredFields = []FieldKey{
	FieldName,
	FieldPhone,
	FieldCity,
	FieldMotherName,
	FieldBirthDate,
	FieldSubject,
}

// Priority returns the fixed asking priority of the field, or 0 for unknown keys.
func (f FieldKey) Priority() int {
	return fieldPriority[f]
}

// IsValidFieldKey checks if the given key is one of the known fields.
func IsValidFieldKey(f FieldKey) bool {
	_, ok := fieldPriority[f]
	return ok
}

// ParseFieldKeys parses a comma separated list of field keys.
// Unknown or duplicate keys are rejected.
func ParseFieldKeys(csv string) ([]FieldKey, error) {
	var keys []FieldKey
	seen := make(map[FieldKey]bool)
	for _, part := range strings.Split(csv, ",") {
		k := FieldKey(strings.TrimSpace(part))
		if k == "" {
			continue
		}
		if !IsValidFieldKey(k) {
			return nil, ErrUnknownField
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, ErrNoRequiredFields
	}
	return keys, nil
}

// FieldMap maps collected field keys to their values.
type FieldMap map[FieldKey]string

// Has reports whether the field is present with a non-blank value.
func (m FieldMap) Has(k FieldKey) bool {
	return strings.TrimSpace(m[k]) != ""
}

// ConversationStatus tracks where a conversation is in the intake lifecycle.
type ConversationStatus string

const (
	// StatusNew is set on creation, before any field has been asked or collected.
	StatusNew ConversationStatus = "new"
	// StatusCollecting means required fields are being collected.
	StatusCollecting ConversationStatus = "collecting"
	// StatusWaitingHandoff means every required field is present and a human operator takes over.
	StatusWaitingHandoff ConversationStatus = "waiting_handoff"
	// StatusClosed is set by an operator outside the core; the bot stays silent.
	StatusClosed ConversationStatus = "closed"
)

// IsValidStatus checks if the given status is supported.
func IsValidStatus(s ConversationStatus) bool {
	switch s {
	case StatusNew, StatusCollecting, StatusWaitingHandoff, StatusClosed:
		return true
	default:
		return false
	}
}

var statusRank = map[ConversationStatus]int{
	StatusNew:            0,
	StatusCollecting:     1,
	StatusWaitingHandoff: 2,
	StatusClosed:         3,
}

// CanTransitionTo reports whether moving from s to next keeps the status monotonic.
// Staying in the same status is allowed.
func (s ConversationStatus) CanTransitionTo(next ConversationStatus) bool {
	if !IsValidStatus(next) {
		return false
	}
	return statusRank[next] >= statusRank[s]
}

// Error variables for better error handling and testability
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrDuplicateMessage     = errors.New("message already recorded")
	ErrUnknownField         = errors.New("unknown field key")
	ErrNoRequiredFields     = errors.New("at least one required field must be configured")
	ErrInvalidTransition    = errors.New("invalid conversation status transition")
)

// Conversation is the per-user intake record, keyed by a stable conversation identifier.
type Conversation struct {
	ID      string             `json:"id"`
	OwnerID string             `json:"owner_id"`
	Fields  FieldMap           `json:"fields"`
	Status  ConversationStatus `json:"status"`

	// LastQuestionKey and LastQuestionAt form the anti-repeat token.
	LastQuestionKey FieldKey  `json:"last_question_key,omitempty"`
	LastQuestionAt  time.Time `json:"last_question_at,omitempty"`
	// QuestionRepeats counts alternative phrasings sent for LastQuestionKey.
	QuestionRepeats int `json:"question_repeats"`

	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewConversation returns a fresh conversation in StatusNew.
func NewConversation(id, ownerID string, now time.Time) *Conversation {
	return &Conversation{
		ID:        id,
		OwnerID:   ownerID,
		Fields:    make(FieldMap),
		Status:    StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy, so callers can mutate without affecting shared state.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Fields = make(FieldMap, len(c.Fields))
	for k, v := range c.Fields {
		cp.Fields[k] = v
	}
	return &cp
}

// AntiRepeatFresh reports whether the last-question token is still valid at now.
func (c *Conversation) AntiRepeatFresh(now time.Time, window time.Duration) bool {
	if c.LastQuestionKey == "" || c.LastQuestionAt.IsZero() {
		return false
	}
	if c.Fields.Has(c.LastQuestionKey) {
		return false
	}
	return now.Sub(c.LastQuestionAt) < window
}

// ClearQuestion invalidates the anti-repeat token.
func (c *Conversation) ClearQuestion() {
	c.LastQuestionKey = ""
	c.LastQuestionAt = time.Time{}
	c.QuestionRepeats = 0
}

// SetStatus moves the conversation to next if the transition is monotonic.
func (c *Conversation) SetStatus(next ConversationStatus) error {
	if !c.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	c.Status = next
	return nil
}

// FirstName returns the first word of the collected name, or "".
func (c *Conversation) FirstName() string {
	parts := strings.Fields(c.Fields[FieldName])
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
