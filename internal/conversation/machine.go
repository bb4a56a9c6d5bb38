// Package conversation implements the intake state machine: greet, collect the required
// fields one question at a time without repeating itself, hand off once complete, and
// answer freely afterwards.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/PacePipe/internal/extract"
	"github.com/BTreeMap/PacePipe/internal/genai"
	"github.com/BTreeMap/PacePipe/internal/models"
)

// Action is what the machine decided to do with a message.
type Action string

const (
	ActionNone          Action = "none"
	ActionGreeting      Action = "greeting"
	ActionAskField      Action = "ask_field"
	ActionAskFieldAgain Action = "ask_field_again"
	ActionComplete      Action = "complete"
	ActionAnswer        Action = "answer"
	ActionAcknowledge   Action = "acknowledge"
)

// Decision is the outcome of one Next call.
type Decision struct {
	Action      Action
	TemplateKey string
	Field       models.FieldKey
	Reply       string
}

// Settings keys read by the machine.
const (
	SettingGreeting         = "greeting"
	SettingCompleteMessage  = "profile_complete_message"
	SettingBotName          = "bot_name"
	SettingAISystemPrompt   = "ai_system_prompt"
	defaultBotName          = "Hocanın Yardımcısı"
	DefaultAntiRepeatWindow = 60 * time.Second
	MinAntiRepeatWindow     = 60 * time.Second
	MaxAntiRepeatWindow     = 180 * time.Second
	DefaultHistoryLimit     = 6
)

// Store is the persistence the machine needs.
type Store interface {
	UpdateConversation(ctx context.Context, conv *models.Conversation) error
	CreateHandoffRecord(ctx context.Context, conversationID, ownerID, subject string) (*models.HandoffRecord, error)
	ChatHistory(ctx context.Context, conversationID string, limit int) ([]models.MessageRecord, error)
	GetSettings(ctx context.Context) (map[string]string, error)
}

// Completer produces free-form replies after handoff.
type Completer interface {
	GenerateReply(ctx context.Context, rc genai.ReplyContext, userMessage string) (string, error)
}

// Machine drives one conversation per Next call. It holds no per-conversation state and
// is safe for concurrent use across conversations.
type Machine struct {
	store        Store
	completer    Completer
	style        Style
	required     []models.FieldKey
	window       time.Duration
	historyLimit int
	now          func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithRequiredFields sets the fields to collect. Unknown keys are ignored; the fields are
// always asked in fixed priority order.
func WithRequiredFields(fields ...models.FieldKey) Option {
	return func(m *Machine) {
		var keep []models.FieldKey
		seen := make(map[models.FieldKey]bool)
		for _, f := range fields {
			if models.IsValidFieldKey(f) && !seen[f] {
				seen[f] = true
				keep = append(keep, f)
			}
		}
		if len(keep) > 0 {
			m.required = keep
		}
	}
}

// WithAntiRepeatWindow sets the freshness window, clamped to [60s, 180s].
func WithAntiRepeatWindow(d time.Duration) Option {
	return func(m *Machine) { m.window = ClampWindow(d) }
}

// WithStyle replaces the default WarmStyle.
func WithStyle(s Style) Option {
	return func(m *Machine) {
		if s != nil {
			m.style = s
		}
	}
}

// WithCompleter enables completion-service answers after handoff.
func WithCompleter(c Completer) Option {
	return func(m *Machine) { m.completer = c }
}

// WithHistoryLimit sets how many recent messages are passed to the completer.
func WithHistoryLimit(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a Machine with the default required fields and a 60s window.
func NewMachine(store Store, opts ...Option) *Machine {
	m := &Machine{
		store:        store,
		style:        WarmStyle{},
		required:     append([]models.FieldKey(nil), models.DefaultRequiredFields...),
		window:       DefaultAntiRepeatWindow,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	sort.SliceStable(m.required, func(i, j int) bool {
		return m.required[i].Priority() < m.required[j].Priority()
	})
	return m
}

// ClampWindow bounds an anti-repeat window to [60s, 180s]; zero means the default.
func ClampWindow(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultAntiRepeatWindow
	case d < MinAntiRepeatWindow:
		return MinAntiRepeatWindow
	case d > MaxAntiRepeatWindow:
		return MaxAntiRepeatWindow
	}
	return d
}

// Window returns the effective anti-repeat window.
func (m *Machine) Window() time.Duration { return m.window }

// RequiredFields returns the configured fields in priority order.
func (m *Machine) RequiredFields() []models.FieldKey {
	return append([]models.FieldKey(nil), m.required...)
}

// Missing returns the required fields conv still lacks, in priority order.
func (m *Machine) Missing(conv *models.Conversation) []models.FieldKey {
	var missing []models.FieldKey
	for _, f := range m.required {
		if !conv.Fields.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// Next applies one incoming message to conv and decides the reply. conv is mutated and
// persisted; on a persistence error no reply is produced and the error is returned.
func (m *Machine) Next(ctx context.Context, conv *models.Conversation, rawText string, extracted models.FieldMap) (Decision, error) {
	if conv.Status == models.StatusClosed {
		return Decision{Action: ActionNone}, nil
	}
	now := m.now()
	if conv.Fields == nil {
		conv.Fields = make(models.FieldMap)
	}
	settings := m.settings(ctx)

	if extract.IsGreeting(rawText) && !conv.Fields.Has(models.FieldName) {
		conv.UpdatedAt = now
		if err := m.save(ctx, conv); err != nil {
			return Decision{}, err
		}
		reply := m.style.Greeting(conv.FirstName())
		if tpl := strings.TrimSpace(settings[SettingGreeting]); tpl != "" {
			reply = fillName(tpl, conv.FirstName())
		}
		slog.Debug("conversation.Next greeting", "conversationID", conv.ID)
		return Decision{Action: ActionGreeting, TemplateKey: "greeting", Reply: reply}, nil
	}

	for k, v := range extracted {
		if models.IsValidFieldKey(k) && !conv.Fields.Has(k) && strings.TrimSpace(v) != "" {
			conv.Fields[k] = strings.TrimSpace(v)
		}
	}
	if conv.LastQuestionKey != "" && conv.Fields.Has(conv.LastQuestionKey) {
		conv.ClearQuestion()
	}
	if conv.Status == models.StatusNew {
		if err := conv.SetStatus(models.StatusCollecting); err != nil {
			return Decision{}, err
		}
	}
	conv.UpdatedAt = now

	missing := m.Missing(conv)
	if len(missing) == 0 {
		if conv.Status != models.StatusWaitingHandoff {
			return m.complete(ctx, conv, settings)
		}
		if err := m.save(ctx, conv); err != nil {
			return Decision{}, err
		}
		return m.answer(ctx, conv, rawText, settings), nil
	}

	field := missing[0]
	name := conv.FirstName()
	if conv.LastQuestionKey == field && conv.AntiRepeatFresh(now, m.window) {
		conv.QuestionRepeats++
		if err := m.save(ctx, conv); err != nil {
			return Decision{}, err
		}
		slog.Debug("conversation.Next asking again with alternative wording", "conversationID", conv.ID, "field", field, "repeats", conv.QuestionRepeats)
		return Decision{
			Action:      ActionAskFieldAgain,
			TemplateKey: fmt.Sprintf("alternative.%s.%d", field, conv.QuestionRepeats),
			Field:       field,
			Reply:       m.style.Alternative(field, name, conv.QuestionRepeats),
		}, nil
	}

	conv.LastQuestionKey = field
	conv.LastQuestionAt = now
	conv.QuestionRepeats = 0
	if err := m.save(ctx, conv); err != nil {
		return Decision{}, err
	}
	slog.Debug("conversation.Next asking field", "conversationID", conv.ID, "field", field, "missing", len(missing))
	return Decision{
		Action:      ActionAskField,
		TemplateKey: "question." + string(field),
		Field:       field,
		Reply:       m.style.Question(field, name),
	}, nil
}

// complete records the handoff and moves the conversation to waiting_handoff.
// The handoff store call is idempotent per conversation, so a retry after a failed
// status update does not create a second record.
func (m *Machine) complete(ctx context.Context, conv *models.Conversation, settings map[string]string) (Decision, error) {
	rec, err := m.store.CreateHandoffRecord(ctx, conv.ID, conv.OwnerID, conv.Fields[models.FieldSubject])
	if err != nil {
		slog.Error("conversation.complete failed to create handoff record", "conversationID", conv.ID, "error", err)
		return Decision{}, fmt.Errorf("failed to create handoff record: %w", err)
	}
	if err := conv.SetStatus(models.StatusWaitingHandoff); err != nil {
		return Decision{}, err
	}
	conv.ClearQuestion()
	if err := m.save(ctx, conv); err != nil {
		return Decision{}, err
	}

	reply := m.style.Completion(conv.FirstName())
	if tpl := strings.TrimSpace(settings[SettingCompleteMessage]); tpl != "" {
		reply = fillName(tpl, conv.FirstName())
	}
	slog.Info("conversation.complete handed off", "conversationID", conv.ID, "handoffID", rec.ID)
	return Decision{Action: ActionComplete, TemplateKey: "completion", Reply: reply}, nil
}

// answer asks the completion service, falling back to the scripted acknowledgement.
func (m *Machine) answer(ctx context.Context, conv *models.Conversation, rawText string, settings map[string]string) Decision {
	ack := Decision{Action: ActionAcknowledge, TemplateKey: "acknowledge", Reply: m.style.Acknowledgement(conv.FirstName())}
	if m.completer == nil {
		return ack
	}

	history, err := m.store.ChatHistory(ctx, conv.ID, m.historyLimit)
	if err != nil {
		slog.Warn("conversation.answer failed to load history, continuing without", "conversationID", conv.ID, "error", err)
		history = nil
	}
	rc := genai.ReplyContext{
		ConversationID: conv.ID,
		SystemPrompt:   m.systemPrompt(conv, settings),
		History:        history,
	}
	reply, err := m.completer.GenerateReply(ctx, rc, rawText)
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Warn("conversation.answer completion unavailable, using scripted reply", "conversationID", conv.ID, "error", err)
		return ack
	}
	return Decision{Action: ActionAnswer, TemplateKey: "answer", Reply: reply}
}

func (m *Machine) systemPrompt(conv *models.Conversation, settings map[string]string) string {
	tpl := m.style.Persona()
	if custom := strings.TrimSpace(settings[SettingAISystemPrompt]); custom != "" {
		tpl = custom
	}
	botName := strings.TrimSpace(settings[SettingBotName])
	if botName == "" {
		botName = defaultBotName
	}
	orUnknown := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "Bilinmiyor"
		}
		return s
	}
	return strings.NewReplacer(
		"{bot_name}", botName,
		"{full_name}", orUnknown(conv.Fields[models.FieldName]),
		"{city}", orUnknown(conv.Fields[models.FieldCity]),
		"{phone}", orUnknown(conv.Fields[models.FieldPhone]),
	).Replace(tpl)
}

func (m *Machine) settings(ctx context.Context) map[string]string {
	s, err := m.store.GetSettings(ctx)
	if err != nil {
		slog.Warn("conversation.settings failed to load, using built-in templates", "error", err)
		return nil
	}
	return s
}

func (m *Machine) save(ctx context.Context, conv *models.Conversation) error {
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		slog.Error("conversation.save failed", "conversationID", conv.ID, "error", err)
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}
