package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

var (
	_ Service = (*WhatsAppService)(nil)
	_ Service = (*TwilioService)(nil)
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []string
	composing []bool
	err       error
}

func (f *fakeSender) SendMessage(ctx context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to+"|"+body)
	return nil
}

func (f *fakeSender) SendComposing(ctx context.Context, to string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.composing = append(f.composing, on)
	return nil
}

type fakeDownloader struct{ err error }

func (f fakeDownloader) DownloadAudio(ctx context.Context, audio *waE2E.AudioMessage) ([]byte, error) {
	return []byte("ogg"), f.err
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return f.text, f.err
}

func ptr[T any](v T) *T { return &v }

var (
	userJID  = types.NewJID("905551112233", types.DefaultUserServer)
	groupJID = types.NewJID("120363000000000000", types.GroupServer)
)

func messageEvent(chat types.JID, msg *waE2E.Message, mutate func(*types.MessageInfo)) *events.Message {
	info := types.MessageInfo{
		MessageSource: types.MessageSource{Chat: chat, Sender: chat},
		ID:            "3EB0ABC",
		PushName:      "Ayşe",
		Timestamp:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(&info)
	}
	return &events.Message{Info: info, Message: msg}
}

func TestToInbound(t *testing.T) {
	text := &waE2E.Message{Conversation: ptr("Merhaba")}
	tests := []struct {
		name      string
		evt       *events.Message
		wantOK    bool
		wantText  string
		wantAudio bool
	}{
		{"plain text", messageEvent(userJID, text, nil), true, "Merhaba", false},
		{"extended text", messageEvent(userJID, &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: ptr("link https://x")}}, nil), true, "link https://x", false},
		{"voice note", messageEvent(userJID, &waE2E.Message{AudioMessage: &waE2E.AudioMessage{Mimetype: ptr("audio/ogg; codecs=opus")}}, nil), true, "", true},
		{"from me", messageEvent(userJID, text, func(i *types.MessageInfo) { i.IsFromMe = true }), false, "", false},
		{"group", messageEvent(groupJID, text, func(i *types.MessageInfo) { i.IsGroup = true }), false, "", false},
		{"status broadcast", messageEvent(types.StatusBroadcastJID, text, nil), false, "", false},
		{"image only", messageEvent(userJID, &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, nil), false, "", false},
		{"nil message", &events.Message{}, false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, audio, ok := toInbound(tt.evt, "905559998877")
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if msg.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", msg.Text, tt.wantText)
			}
			if (audio != nil) != tt.wantAudio {
				t.Errorf("audio present = %v, want %v", audio != nil, tt.wantAudio)
			}
			if msg.ConversationID != userJID.String() {
				t.Errorf("ConversationID = %q", msg.ConversationID)
			}
			if msg.SenderPhone != "+905551112233" {
				t.Errorf("SenderPhone = %q", msg.SenderPhone)
			}
			if msg.ExternalID != "3EB0ABC" || msg.OwnerID != "905559998877" || msg.SenderName != "Ayşe" {
				t.Errorf("unexpected identity fields: %+v", msg)
			}
		})
	}
}

func receive(t *testing.T, svc Service) (string, bool) {
	t.Helper()
	select {
	case msg := <-svc.Inbound():
		return msg.Body(), true
	case <-time.After(500 * time.Millisecond):
		return "", false
	}
}

func TestWhatsAppService_ForwardsText(t *testing.T) {
	svc := NewWhatsAppService(&fakeSender{}, WithOwnerID("owner"))
	svc.handleEvent(messageEvent(userJID, &waE2E.Message{Conversation: ptr("selam")}, nil))

	body, ok := receive(t, svc)
	if !ok || body != "selam" {
		t.Fatalf("got %q (ok=%v), want selam", body, ok)
	}
}

func TestWhatsAppService_VoiceNotes(t *testing.T) {
	voice := &waE2E.Message{AudioMessage: &waE2E.AudioMessage{Mimetype: ptr("audio/ogg")}}
	tests := []struct {
		name     string
		opts     []WhatsAppOption
		wantBody string
		wantMsg  bool
	}{
		{"transcribed", []WhatsAppOption{WithAudioDownloader(fakeDownloader{}), WithTranscriber(fakeTranscriber{text: "ben Ali"})}, "ben Ali", true},
		{"no transcriber", []WhatsAppOption{WithAudioDownloader(fakeDownloader{})}, "", false},
		{"download fails", []WhatsAppOption{WithAudioDownloader(fakeDownloader{err: errors.New("cdn")}), WithTranscriber(fakeTranscriber{text: "x"})}, "", false},
		{"transcription fails", []WhatsAppOption{WithAudioDownloader(fakeDownloader{}), WithTranscriber(fakeTranscriber{err: errors.New("api")})}, "", false},
		{"blank transcript", []WhatsAppOption{WithAudioDownloader(fakeDownloader{}), WithTranscriber(fakeTranscriber{text: "  "})}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewWhatsAppService(&fakeSender{}, tt.opts...)
			svc.handleEvent(messageEvent(userJID, voice, nil))
			body, ok := receive(t, svc)
			if ok != tt.wantMsg || body != tt.wantBody {
				t.Errorf("got %q (ok=%v), want %q (ok=%v)", body, ok, tt.wantBody, tt.wantMsg)
			}
		})
	}
}

// gatedTranscriber blocks until release is closed.
type gatedTranscriber struct {
	started chan struct{}
	release chan struct{}
}

func (g gatedTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	close(g.started)
	select {
	case <-g.release:
		return "sesli mesaj", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestWhatsAppService_VoiceNoteKeepsChatOrder(t *testing.T) {
	gate := gatedTranscriber{started: make(chan struct{}), release: make(chan struct{})}
	svc := NewWhatsAppService(&fakeSender{}, WithAudioDownloader(fakeDownloader{}), WithTranscriber(gate))
	voice := &waE2E.Message{AudioMessage: &waE2E.AudioMessage{Mimetype: ptr("audio/ogg")}}

	svc.handleEvent(messageEvent(userJID, voice, func(i *types.MessageInfo) { i.ID = "voice" }))
	<-gate.started
	svc.handleEvent(messageEvent(userJID, &waE2E.Message{Conversation: ptr("sonra yazdım")}, func(i *types.MessageInfo) { i.ID = "text" }))

	// Another chat is not held up by the pending transcript.
	other := types.NewJID("905559998877", types.DefaultUserServer)
	svc.handleEvent(messageEvent(other, &waE2E.Message{Conversation: ptr("başka sohbet")}, nil))
	if body, ok := receive(t, svc); !ok || body != "başka sohbet" {
		t.Fatalf("other chat: got %q (ok=%v)", body, ok)
	}
	if body, ok := receive(t, svc); ok {
		t.Fatalf("text overtook the pending voice note: %q", body)
	}

	close(gate.release)
	for _, want := range []string{"sesli mesaj", "sonra yazdım"} {
		if body, ok := receive(t, svc); !ok || body != want {
			t.Fatalf("got %q (ok=%v), want %q", body, ok, want)
		}
	}
	_ = svc.Stop()
}

func TestWhatsAppService_SendDelegates(t *testing.T) {
	sender := &fakeSender{}
	svc := NewWhatsAppService(sender)
	ctx := context.Background()

	if err := svc.SendText(ctx, "+905551112233", "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := svc.SetComposing(ctx, "+905551112233", true); err != nil {
		t.Fatalf("SetComposing: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "+905551112233|hello" {
		t.Errorf("sent = %v", sender.sent)
	}
	if len(sender.composing) != 1 || !sender.composing[0] {
		t.Errorf("composing = %v", sender.composing)
	}

	sender.err = errors.New("socket closed")
	if err := svc.SendText(ctx, "+1", "x"); err == nil {
		t.Error("expected send error to propagate")
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(&fakeSender{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("expected inbound channel closed")
	}
	if err := svc.SendText(context.Background(), "+1", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	// late events after Stop are dropped, not panics
	svc.handleEvent(messageEvent(userJID, &waE2E.Message{Conversation: ptr("late")}, nil))
}
