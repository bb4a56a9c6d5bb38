// Package engine wires the message pipeline together. Each inbound message is admitted
// by the sequencer and then processed inside its conversation's lane: owner freeze,
// conversation load, keyword replies, field extraction, the state machine and finally
// the paced dispatch of the reply.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/BTreeMap/PacePipe/internal/conversation"
	"github.com/BTreeMap/PacePipe/internal/dispatch"
	"github.com/BTreeMap/PacePipe/internal/extract"
	"github.com/BTreeMap/PacePipe/internal/humanize"
	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/sequencer"
	"github.com/BTreeMap/PacePipe/internal/store"
	"github.com/BTreeMap/PacePipe/internal/util"
)

const (
	// SettingFrozenMessage is the global fallback for owners frozen without a message.
	SettingFrozenMessage = "frozen_message"
	defaultFrozenMessage = "Şu an müsait değilim, lütfen daha sonra tekrar deneyin."
	redirectPrefix       = "Güncel numara: "
)

// Processor runs the pipeline for every inbound message.
type Processor struct {
	store      store.Store
	seq        *sequencer.Sequencer
	machine    *conversation.Machine
	dispatcher *dispatch.Dispatcher

	ownerID         string
	prefillPhone    bool
	humanizeDefault map[string]string
	now             func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithSequencer replaces the default sequencer, e.g. one bound to a shutdown context.
func WithSequencer(s *sequencer.Sequencer) Option {
	return func(p *Processor) { p.seq = s }
}

// WithOwnerID sets the owner used for messages that do not carry one.
func WithOwnerID(id string) Option {
	return func(p *Processor) { p.ownerID = id }
}

// WithPhonePrefill fills the phone field of new conversations from the sender's number.
func WithPhonePrefill(enabled bool) Option {
	return func(p *Processor) { p.prefillPhone = enabled }
}

// WithHumanizeDefaults sets pacing settings that apply below the stored global and
// owner settings.
func WithHumanizeDefaults(settings map[string]string) Option {
	return func(p *Processor) { p.humanizeDefault = maps.Clone(settings) }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a Processor. Without WithSequencer a sequencer backed by st is created.
func New(st store.Store, machine *conversation.Machine, d *dispatch.Dispatcher, opts ...Option) *Processor {
	p := &Processor{
		store:      st,
		machine:    machine,
		dispatcher: d,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.seq == nil {
		p.seq = sequencer.New(st)
	}
	return p
}

// Active returns the number of conversations with queued or running work.
func (p *Processor) Active() int {
	return p.seq.Active()
}

// Wait blocks until all admitted messages have been processed.
func (p *Processor) Wait() {
	p.seq.Wait()
}

// Close stops accepting messages and waits for in-flight work.
func (p *Processor) Close() {
	p.seq.Close()
}

// HandleInbound admits msg and queues it on its conversation's lane. It returns once the
// message is queued or dropped; processing happens asynchronously. Duplicates are not
// an error.
func (p *Processor) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	if msg.ConversationID == "" {
		slog.Warn("Engine dropping message without conversation", "externalID", msg.ExternalID)
		return nil
	}
	if msg.Body() == "" {
		slog.Debug("Engine dropping empty message", "conversationID", msg.ConversationID, "externalID", msg.ExternalID)
		return nil
	}
	if msg.OwnerID == "" {
		msg.OwnerID = p.ownerID
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.now()
	}

	adm, err := p.seq.Submit(ctx, msg.ConversationID, msg.ExternalID, func(ctx context.Context) error {
		return p.process(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to admit message %s: %w", msg.ExternalID, err)
	}
	if adm == sequencer.Duplicate {
		slog.Debug("Engine duplicate dropped", "conversationID", msg.ConversationID, "externalID", msg.ExternalID)
	}
	return nil
}

// Run feeds messages from in to HandleInbound until ctx is done or in is closed.
func (p *Processor) Run(ctx context.Context, in <-chan models.InboundMessage) error {
	slog.Info("Engine inbound loop started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine inbound loop stopping", "reason", ctx.Err())
			return nil
		case msg, ok := <-in:
			if !ok {
				slog.Info("Engine inbound channel closed")
				return nil
			}
			if err := p.HandleInbound(ctx, msg); err != nil {
				slog.Error("Engine HandleInbound failed", "conversationID", msg.ConversationID, "externalID", msg.ExternalID, "error", err)
			}
		}
	}
}

// process runs inside the conversation lane.
func (p *Processor) process(ctx context.Context, msg models.InboundMessage) error {
	body := msg.Body()
	if msg.ExternalID != "" {
		exists, err := p.store.MessageExists(ctx, msg.ExternalID)
		if err != nil {
			return fmt.Errorf("failed to re-check message: %w", err)
		}
		if exists {
			slog.Debug("Engine duplicate dropped in lane", "conversationID", msg.ConversationID, "externalID", msg.ExternalID)
			return nil
		}
	}

	owner, err := p.store.GetOwner(ctx, msg.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to load owner: %w", err)
	}
	if owner.Frozen {
		return p.replyFrozen(ctx, msg, owner)
	}

	conv, err := p.loadConversation(ctx, msg)
	if err != nil {
		return err
	}
	if saved, err := p.saveInbound(ctx, msg); err != nil || !saved {
		return err
	}
	conv.MessageCount++

	if conv.Status == models.StatusClosed {
		slog.Debug("Engine conversation closed, staying silent", "conversationID", conv.ID)
		return p.touch(ctx, conv)
	}

	kw, err := p.store.MatchKeyword(ctx, msg.OwnerID, body)
	if err != nil {
		slog.Warn("Engine keyword lookup failed, continuing", "conversationID", conv.ID, "error", err)
	}
	if kw != nil {
		slog.Info("Engine keyword matched", "conversationID", conv.ID, "keywordID", kw.ID)
		if err := p.touch(ctx, conv); err != nil {
			return err
		}
		return p.reply(ctx, msg, kw.Response)
	}

	fields := extract.Extract(body, conv, p.now(), extract.Options{Window: p.machine.Window()})
	decision, err := p.machine.Next(ctx, conv, body, fields)
	if err != nil {
		return fmt.Errorf("state machine failed: %w", err)
	}
	slog.Debug("Engine decision", "conversationID", conv.ID, "action", decision.Action, "template", decision.TemplateKey, "extracted", len(fields))
	if strings.TrimSpace(decision.Reply) == "" {
		return nil
	}
	return p.reply(ctx, msg, decision.Reply)
}

func (p *Processor) loadConversation(ctx context.Context, msg models.InboundMessage) (*models.Conversation, error) {
	conv, err := p.store.GetConversation(ctx, msg.ConversationID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, models.ErrConversationNotFound) {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	conv = models.NewConversation(msg.ConversationID, msg.OwnerID, p.now())
	if p.prefillPhone && msg.SenderPhone != "" {
		conv.Fields[models.FieldPhone] = msg.SenderPhone
	}
	if err := p.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	slog.Info("Engine conversation created", "conversationID", conv.ID, "ownerID", conv.OwnerID, "phonePrefilled", conv.Fields.Has(models.FieldPhone))
	return conv, nil
}

// saveInbound records the message. It reports false for a duplicate that slipped past
// admission.
func (p *Processor) saveInbound(ctx context.Context, msg models.InboundMessage) (bool, error) {
	err := p.store.SaveMessage(ctx, models.MessageRecord{
		ExternalID:     msg.ExternalID,
		ConversationID: msg.ConversationID,
		OwnerID:        msg.OwnerID,
		Direction:      models.DirectionIncoming,
		Content:        msg.Body(),
		SenderName:     msg.SenderName,
		CreatedAt:      msg.ReceivedAt,
	})
	if errors.Is(err, models.ErrDuplicateMessage) {
		slog.Debug("Engine duplicate detected on save", "conversationID", msg.ConversationID, "externalID", msg.ExternalID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to save inbound message: %w", err)
	}
	return true, nil
}

func (p *Processor) touch(ctx context.Context, conv *models.Conversation) error {
	conv.UpdatedAt = p.now()
	if err := p.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

// replyFrozen answers for a frozen owner without creating or changing the conversation.
func (p *Processor) replyFrozen(ctx context.Context, msg models.InboundMessage, owner *models.Owner) error {
	if saved, err := p.saveInbound(ctx, msg); err != nil || !saved {
		return err
	}
	text := strings.TrimSpace(owner.FrozenMessage)
	if text == "" {
		if settings, err := p.store.GetSettings(ctx); err == nil {
			text = strings.TrimSpace(settings[SettingFrozenMessage])
		}
	}
	if text == "" {
		text = defaultFrozenMessage
	}
	if phone := strings.TrimSpace(owner.RedirectPhone); phone != "" {
		text += "\n\n" + redirectPrefix + phone
	}
	slog.Info("Engine owner frozen, sending frozen message", "conversationID", msg.ConversationID, "ownerID", owner.ID)
	return p.reply(ctx, msg, text)
}

// reply paces and sends text, then logs whatever was delivered.
func (p *Processor) reply(ctx context.Context, msg models.InboundMessage, text string) error {
	cfg := p.pacing(ctx, msg.OwnerID)
	sent, dispatchErr := p.dispatcher.Dispatch(ctx, msg.ConversationID, text, msg.Body(), cfg)
	if len(sent) > 0 {
		parts := make([]string, len(sent))
		for i, c := range sent {
			parts[i] = c.Text
		}
		err := p.store.SaveMessage(ctx, models.MessageRecord{
			ExternalID:     util.GenerateMessageID(),
			ConversationID: msg.ConversationID,
			OwnerID:        msg.OwnerID,
			Direction:      models.DirectionOutgoing,
			Content:        strings.Join(parts, " "),
			CreatedAt:      p.now(),
		})
		if err != nil {
			slog.Error("Engine failed to save outbound message", "conversationID", msg.ConversationID, "error", err)
		}
	}
	if dispatchErr != nil {
		return fmt.Errorf("failed to dispatch reply (%d chunks sent): %w", len(sent), dispatchErr)
	}
	slog.Info("Engine reply sent", "conversationID", msg.ConversationID, "chunks", len(sent), "length", len(text))
	return nil
}

// pacing layers stored global and owner settings over the configured defaults.
// Lookup failures fall back to what is available.
func (p *Processor) pacing(ctx context.Context, ownerID string) humanize.Config {
	global := maps.Clone(p.humanizeDefault)
	if global == nil {
		global = make(map[string]string)
	}
	if stored, err := p.store.GetSettings(ctx); err != nil {
		slog.Warn("Engine failed to load global settings", "error", err)
	} else {
		maps.Copy(global, stored)
	}
	owner, err := p.store.GetOwnerSettings(ctx, ownerID)
	if err != nil {
		slog.Warn("Engine failed to load owner settings", "ownerID", ownerID, "error", err)
		owner = nil
	}
	return humanize.Resolve(global, owner)
}
