package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a webhook without an immediate reply; replies are sent
// through the REST API after pacing.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioService implements Service on top of the Twilio REST API and its inbound webhook.
type TwilioService struct {
	client     twiliowhatsapp.Sender
	validator  twiliowhatsapp.SignatureValidator
	webhookURL string
	inbox      *inbox
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidator enables X-Twilio-Signature verification.
func WithSignatureValidator(v twiliowhatsapp.SignatureValidator) TwilioOption {
	return func(s *TwilioService) { s.validator = v }
}

// WithWebhookURL pins the public URL used for signature verification. Without it the
// URL is rebuilt from the request, which breaks behind rewriting proxies.
func WithWebhookURL(url string) TwilioOption {
	return func(s *TwilioService) { s.webhookURL = url }
}

// NewTwilioService creates a TwilioService around a Twilio sender.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, inbox: newInbox("TwilioService")}
	for _, opt := range opts {
		opt(s)
	}
	if s.validator == nil {
		slog.Warn("TwilioService webhook signature verification disabled")
	}
	return s
}

// Start is a no-op; inbound traffic arrives through WebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

func (s *TwilioService) Stop() error {
	s.inbox.close()
	slog.Info("TwilioService stopped")
	return nil
}

func (s *TwilioService) SendText(ctx context.Context, to string, text string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	return s.client.SendMessage(ctx, to, text)
}

// SetComposing is a no-op: Twilio exposes no typing indicator for WhatsApp.
func (s *TwilioService) SetComposing(ctx context.Context, to string, on bool) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	return nil
}

func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbox.ch
}

func (s *TwilioService) OwnerID() string {
	return s.client.FromNumber()
}

// WebhookHandler accepts Twilio's form-encoded inbound message callbacks.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService failed to parse webhook form", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.validator.Validate(s.requestURL(r), params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService rejected webhook with invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	msg, ok := s.formToInbound(r)
	if ok {
		s.inbox.emit(msg)
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

func (s *TwilioService) formToInbound(r *http.Request) (models.InboundMessage, bool) {
	from := twiliowhatsapp.Number(r.PostFormValue("From"))
	body := r.PostFormValue("Body")
	if from == "" || strings.TrimSpace(body) == "" {
		slog.Debug("TwilioService ignoring webhook without sender or text", "from", from, "numMedia", r.PostFormValue("NumMedia"))
		return models.InboundMessage{}, false
	}
	msg := models.InboundMessage{
		ExternalID:     r.PostFormValue("MessageSid"),
		ConversationID: from,
		OwnerID:        s.client.FromNumber(),
		Text:           body,
		SenderName:     r.PostFormValue("ProfileName"),
		ReceivedAt:     time.Now(),
	}
	if strings.HasPrefix(from, "+") {
		msg.SenderPhone = from
	}
	return msg, true
}

func (s *TwilioService) requestURL(r *http.Request) string {
	if s.webhookURL != "" {
		return s.webhookURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
