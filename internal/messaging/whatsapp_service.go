package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/sequencer"
	"github.com/BTreeMap/PacePipe/internal/whatsapp"
)

// DefaultTranscriptionTimeout bounds download plus transcription of one voice note.
const DefaultTranscriptionTimeout = 45 * time.Second

// AudioDownloader fetches the bytes of an audio attachment.
type AudioDownloader interface {
	DownloadAudio(ctx context.Context, audio *waE2E.AudioMessage) ([]byte, error)
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client      whatsapp.WhatsAppSender
	waClient    *whatsapp.Client // access to the underlying client for event handling
	downloader  AudioDownloader
	transcriber Transcriber
	ownerID     string
	inbox       *inbox
	chats       *sequencer.Sequencer // keeps each chat's messages in arrival order
	ctx         context.Context
	handlerID   uint32
	hasHandler  bool
}

// WhatsAppOption configures a WhatsAppService.
type WhatsAppOption func(*WhatsAppService)

// WithTranscriber enables voice-note transcription.
func WithTranscriber(t Transcriber) WhatsAppOption {
	return func(s *WhatsAppService) { s.transcriber = t }
}

// WithAudioDownloader overrides the downloader taken from the client.
func WithAudioDownloader(d AudioDownloader) WhatsAppOption {
	return func(s *WhatsAppService) { s.downloader = d }
}

// WithOwnerID overrides the owner id taken from the logged-in account.
func WithOwnerID(id string) WhatsAppOption {
	return func(s *WhatsAppService) { s.ownerID = id }
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender, opts ...WhatsAppOption) *WhatsAppService {
	s := &WhatsAppService{
		client: client,
		inbox:  newInbox("WhatsAppService"),
		chats:  sequencer.New(nil),
		ctx:    context.Background(),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
		s.downloader = waClient
		s.ownerID = waClient.OwnerID()
	}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("WhatsAppService created", "ownerID", s.ownerID, "eventHandling", s.waClient != nil, "transcription", s.transcriber != nil)
	return s
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.ctx = ctx
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	s.hasHandler = true
	slog.Info("WhatsAppService event handler registered", "ownerID", s.ownerID)
	return nil
}

// Stop removes the event handler and closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	if s.hasHandler {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
		s.hasHandler = false
	}
	s.chats.Close()
	s.inbox.close()
	slog.Info("WhatsAppService stopped")
	return nil
}

func (s *WhatsAppService) SendText(ctx context.Context, to string, text string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, to, text); err != nil {
		slog.Error("WhatsAppService SendText error", "error", err, "to", to)
		return err
	}
	return nil
}

func (s *WhatsAppService) SetComposing(ctx context.Context, to string, on bool) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	return s.client.SendComposing(ctx, to, on)
}

func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbox.ch
}

func (s *WhatsAppService) OwnerID() string {
	return s.ownerID
}

func (s *WhatsAppService) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Disconnected:
		slog.Warn("WhatsAppService disconnected", "ownerID", s.ownerID)
	case *events.LoggedOut:
		slog.Error("WhatsAppService logged out; a new QR login is required", "ownerID", s.ownerID)
	}
}

// handleIncomingMessage queues the message on its chat's lane, off the event goroutine.
// A voice note is transcribed inside the lane, so text sent after it waits for the
// transcript and the chat's order is kept.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	msg, audio, ok := toInbound(evt, s.ownerID)
	if !ok {
		return
	}
	if audio != nil && (s.transcriber == nil || s.downloader == nil) {
		slog.Debug("WhatsAppService ignoring voice note (no transcriber)", "conversationID", msg.ConversationID)
		return
	}
	err := s.chats.Enqueue(msg.ConversationID, func(context.Context) error {
		if audio != nil {
			text, ok := s.transcribe(msg, audio)
			if !ok {
				return nil
			}
			msg.MediaText = text
		}
		s.inbox.emit(msg)
		return nil
	})
	if err != nil {
		slog.Warn("WhatsAppService dropping message (service stopped)", "conversationID", msg.ConversationID, "externalID", msg.ExternalID)
	}
}

func (s *WhatsAppService) transcribe(msg models.InboundMessage, audio *waE2E.AudioMessage) (string, bool) {
	ctx, cancel := context.WithTimeout(s.ctx, DefaultTranscriptionTimeout)
	defer cancel()

	data, err := s.downloader.DownloadAudio(ctx, audio)
	if err != nil {
		slog.Error("WhatsAppService voice download failed", "conversationID", msg.ConversationID, "error", err)
		return "", false
	}
	text, err := s.transcriber.Transcribe(ctx, data, audio.GetMimetype())
	if err != nil {
		slog.Error("WhatsAppService transcription failed", "conversationID", msg.ConversationID, "error", err)
		return "", false
	}
	if strings.TrimSpace(text) == "" {
		slog.Debug("WhatsAppService empty transcript dropped", "conversationID", msg.ConversationID)
		return "", false
	}
	return text, true
}

// toInbound converts a whatsmeow message event. It rejects own messages, group and
// broadcast chats, and media other than audio.
func toInbound(evt *events.Message, ownerID string) (models.InboundMessage, *waE2E.AudioMessage, bool) {
	if evt == nil || evt.Message == nil {
		return models.InboundMessage{}, nil, false
	}
	info := evt.Info
	if info.IsFromMe || info.IsGroup || info.Chat.Server == types.BroadcastServer {
		return models.InboundMessage{}, nil, false
	}

	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	audio := evt.Message.GetAudioMessage()
	if strings.TrimSpace(text) == "" && audio == nil {
		slog.Debug("WhatsAppService ignoring unsupported message", "chat", info.Chat.String())
		return models.InboundMessage{}, nil, false
	}

	chat := info.Chat.ToNonAD()
	msg := models.InboundMessage{
		ExternalID:     string(info.ID),
		ConversationID: chat.String(),
		OwnerID:        ownerID,
		Text:           text,
		SenderName:     info.PushName,
		ReceivedAt:     info.Timestamp,
	}
	if chat.Server == types.DefaultUserServer {
		msg.SenderPhone = "+" + chat.User
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	if strings.TrimSpace(text) != "" {
		audio = nil
	}
	return msg, audio, true
}
