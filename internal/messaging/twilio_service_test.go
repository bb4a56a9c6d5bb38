package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/PacePipe/internal/twiliowhatsapp"
)

type fakeValidator struct {
	ok      bool
	gotURL  string
	gotForm map[string]string
}

func (f *fakeValidator) Validate(u string, params map[string]string, signature string) bool {
	f.gotURL = u
	f.gotForm = params
	return f.ok && signature != ""
}

func postWebhook(svc *TwilioService, form url.Values, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "http://bot.example.com/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)
	return rec
}

func inboundForm() url.Values {
	return url.Values{
		"MessageSid":  {"SM123"},
		"From":        {"whatsapp:+905551112233"},
		"To":          {"whatsapp:+15550001111"},
		"Body":        {"Merhaba, ben Ali"},
		"ProfileName": {"Ali"},
	}
}

func TestTwilioWebhook_MapsInbound(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("whatsapp:+15550001111"))
	rec := postWebhook(svc, inboundForm(), "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Response></Response>") {
		t.Errorf("expected empty TwiML, got %q", rec.Body.String())
	}
	select {
	case msg := <-svc.Inbound():
		if msg.ExternalID != "SM123" || msg.ConversationID != "+905551112233" || msg.SenderPhone != "+905551112233" {
			t.Errorf("unexpected ids: %+v", msg)
		}
		if msg.OwnerID != "+15550001111" || msg.SenderName != "Ali" || msg.Text != "Merhaba, ben Ali" {
			t.Errorf("unexpected fields: %+v", msg)
		}
	default:
		t.Fatal("expected inbound message")
	}
}

func TestTwilioWebhook_Signature(t *testing.T) {
	tests := []struct {
		name       string
		valid      bool
		signature  string
		wantStatus int
		wantMsg    bool
	}{
		{"valid", true, "sig", http.StatusOK, true},
		{"invalid", false, "sig", http.StatusForbidden, false},
		{"missing header", true, "", http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &fakeValidator{ok: tt.valid}
			svc := NewTwilioService(twiliowhatsapp.NewMockClient("+1"),
				WithSignatureValidator(v),
				WithWebhookURL("https://public.example.com/twilio/webhook"))
			rec := postWebhook(svc, inboundForm(), tt.signature)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if v.gotURL != "https://public.example.com/twilio/webhook" {
				t.Errorf("validated against %q", v.gotURL)
			}
			if v.gotForm["Body"] != "Merhaba, ben Ali" {
				t.Errorf("validated params = %v", v.gotForm)
			}
			got := len(svc.Inbound()) == 1
			if got != tt.wantMsg {
				t.Errorf("message emitted = %v, want %v", got, tt.wantMsg)
			}
		})
	}
}

func TestTwilioWebhook_RebuildsURL(t *testing.T) {
	v := &fakeValidator{ok: true}
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+1"), WithSignatureValidator(v))
	req := httptest.NewRequest(http.MethodPost, "http://bot.example.com/twilio/webhook?x=1", strings.NewReader(inboundForm().Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Twilio-Signature", "sig")
	svc.WebhookHandler(httptest.NewRecorder(), req)

	if v.gotURL != "https://bot.example.com/twilio/webhook?x=1" {
		t.Errorf("rebuilt URL = %q", v.gotURL)
	}
}

func TestTwilioWebhook_IgnoresEmptyAndRejectsGet(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient("+1"))
	form := inboundForm()
	form.Set("Body", "")
	form.Set("NumMedia", "1")
	if rec := postWebhook(svc, form, ""); rec.Code != http.StatusOK {
		t.Errorf("media-only webhook status = %d", rec.Code)
	}
	if len(svc.Inbound()) != 0 {
		t.Error("media-only webhook must not emit")
	}

	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, httptest.NewRequest(http.MethodGet, "/twilio/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rec.Code)
	}
}

func TestTwilioService_Send(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient("+1")
	svc := NewTwilioService(mock)
	ctx := context.Background()

	if err := svc.SetComposing(ctx, "+90", true); err != nil {
		t.Errorf("SetComposing should be a no-op, got %v", err)
	}
	if err := svc.SendText(ctx, "+90", "selam"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if sent := mock.Sent(); len(sent) != 1 || sent[0].Body != "selam" {
		t.Errorf("sent = %v", sent)
	}

	_ = svc.Stop()
	if err := svc.SendText(ctx, "+90", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if rec := postWebhook(svc, inboundForm(), ""); rec.Code != http.StatusOK {
		t.Errorf("webhook after stop status = %d", rec.Code)
	}
}
