package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PacePipe/internal/conversation"
	"github.com/BTreeMap/PacePipe/internal/dispatch"
	"github.com/BTreeMap/PacePipe/internal/genai"
	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/store"
)

// recordingTransport collects sent texts per conversation.
type recordingTransport struct {
	mu      sync.Mutex
	sent    map[string][]string
	failFor string
}

func (r *recordingTransport) SendText(ctx context.Context, to, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if to == r.failFor {
		return errors.New("transport down")
	}
	if r.sent == nil {
		r.sent = make(map[string][]string)
	}
	r.sent[to] = append(r.sent[to], text)
	return nil
}

func (r *recordingTransport) SetComposing(ctx context.Context, to string, on bool) error { return nil }

func (r *recordingTransport) texts(to string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent[to]...)
}

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type failingCompleter struct{ calls int }

func (f *failingCompleter) GenerateReply(ctx context.Context, rc genai.ReplyContext, userMessage string) (string, error) {
	f.calls++
	return "", errors.New("completion backend unavailable")
}

// flakyStore fails selected calls on top of the in-memory store.
type flakyStore struct {
	*store.InMemoryStore
	failGetConversation bool
}

func (f *flakyStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	if f.failGetConversation {
		return nil, errors.New("connection reset")
	}
	return f.InMemoryStore.GetConversation(ctx, id)
}

type harness struct {
	st        store.Store
	mem       *store.InMemoryStore
	transport *recordingTransport
	proc      *Processor
	now       time.Time
	seq       int
}

func newHarness(t *testing.T, st store.Store, mem *store.InMemoryStore, machineOpts []conversation.Option, opts ...Option) *harness {
	t.Helper()
	h := &harness{st: st, mem: mem, transport: &recordingTransport{}, now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	machine := conversation.NewMachine(st, append([]conversation.Option{conversation.WithClock(clock)}, machineOpts...)...)
	d := dispatch.New(h.transport, dispatch.WithSleeper(noSleep{}))
	base := []Option{WithClock(clock), WithOwnerID("bot"), WithHumanizeDefaults(map[string]string{"enabled": "false"})}
	h.proc = New(st, machine, d, append(base, opts...)...)
	t.Cleanup(h.proc.Close)
	return h
}

func newMemHarness(t *testing.T, machineOpts []conversation.Option, opts ...Option) *harness {
	mem := store.NewInMemoryStore()
	return newHarness(t, mem, mem, machineOpts, opts...)
}

// send delivers text from conversation id and waits for processing.
func (h *harness) send(t *testing.T, id, text string) {
	t.Helper()
	h.seq++
	h.now = h.now.Add(5 * time.Second)
	msg := models.InboundMessage{
		ExternalID:     id + "-" + string(rune('a'+h.seq)),
		ConversationID: id,
		Text:           text,
		ReceivedAt:     h.now,
	}
	if err := h.proc.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("HandleInbound(%q): %v", text, err)
	}
	h.proc.Wait()
}

func TestProcessor_ExampleScenario(t *testing.T) {
	h := newMemHarness(t, []conversation.Option{conversation.WithRequiredFields(models.FieldName, models.FieldCity)})
	ctx := context.Background()

	h.send(t, "C1", "merhaba")
	h.send(t, "C1", "Ahmet")
	h.send(t, "C1", "Istanbul")
	h.send(t, "C1", "teşekkürler")

	replies := h.transport.texts("C1")
	if len(replies) != 4 {
		t.Fatalf("expected 4 replies, got %d: %q", len(replies), replies)
	}
	if !strings.Contains(replies[1], "Ahmet") {
		t.Errorf("city question should address Ahmet: %q", replies[1])
	}

	conv, err := h.st.GetConversation(ctx, "C1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != models.StatusWaitingHandoff {
		t.Errorf("status = %s, want waiting_handoff", conv.Status)
	}
	if conv.Fields[models.FieldName] != "Ahmet" || conv.Fields[models.FieldCity] == "" {
		t.Errorf("fields = %v", conv.Fields)
	}
	if conv.MessageCount != 4 {
		t.Errorf("MessageCount = %d, want 4", conv.MessageCount)
	}
	if _, err := h.st.GetHandoffRecord(ctx, "C1"); err != nil {
		t.Errorf("expected handoff record: %v", err)
	}

	history, _ := h.st.ChatHistory(ctx, "C1", 100)
	if len(history) != 8 {
		t.Errorf("expected 4 incoming + 4 outgoing records, got %d", len(history))
	}
}

func TestProcessor_DuplicateDelivery(t *testing.T) {
	h := newMemHarness(t, nil)
	msg := models.InboundMessage{ExternalID: "wamid-1", ConversationID: "C1", Text: "merhaba"}

	for i := 0; i < 3; i++ {
		if err := h.proc.HandleInbound(context.Background(), msg); err != nil {
			t.Fatalf("HandleInbound: %v", err)
		}
		h.proc.Wait()
	}
	if got := len(h.transport.texts("C1")); got != 1 {
		t.Errorf("redelivered message must be answered once, got %d replies", got)
	}
}

func TestProcessor_FrozenOwner(t *testing.T) {
	h := newMemHarness(t, nil)
	ctx := context.Background()
	if err := h.st.SaveOwner(ctx, models.Owner{ID: "bot", Frozen: true, FrozenMessage: "Tatildeyim.", RedirectPhone: "+905550000000"}); err != nil {
		t.Fatal(err)
	}

	h.send(t, "C1", "Adım Ahmet")

	replies := h.transport.texts("C1")
	if len(replies) != 1 || replies[0] != "Tatildeyim.\n\nGüncel numara: +905550000000" {
		t.Fatalf("unexpected frozen reply: %q", replies)
	}
	if _, err := h.st.GetConversation(ctx, "C1"); !errors.Is(err, models.ErrConversationNotFound) {
		t.Errorf("frozen owner must not create conversation state, got %v", err)
	}
}

func TestProcessor_FrozenOwnerGlobalMessage(t *testing.T) {
	h := newMemHarness(t, nil)
	ctx := context.Background()
	_ = h.st.SaveOwner(ctx, models.Owner{ID: "bot", Frozen: true})
	_ = h.st.SetSetting(ctx, SettingFrozenMessage, "Yakında döneceğim.")

	h.send(t, "C1", "selam")
	if replies := h.transport.texts("C1"); len(replies) != 1 || replies[0] != "Yakında döneceğim." {
		t.Errorf("unexpected frozen reply: %q", replies)
	}
}

func TestProcessor_ClosedConversationIsSilent(t *testing.T) {
	h := newMemHarness(t, nil)
	ctx := context.Background()
	conv := models.NewConversation("C1", "bot", h.now)
	conv.Status = models.StatusClosed
	if err := h.st.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	h.send(t, "C1", "Adım Ahmet")

	if replies := h.transport.texts("C1"); len(replies) != 0 {
		t.Errorf("closed conversation must get no reply, got %q", replies)
	}
	got, _ := h.st.GetConversation(ctx, "C1")
	if got.MessageCount != 1 || got.Fields.Has(models.FieldName) {
		t.Errorf("closed conversation: count=%d fields=%v", got.MessageCount, got.Fields)
	}
}

func TestProcessor_KeywordBypassesMachine(t *testing.T) {
	h := newMemHarness(t, nil)
	ctx := context.Background()
	kw := &models.KeywordResponse{OwnerID: "bot", Keyword: "adres", MatchType: models.MatchContains, Response: "Adresimiz Fatih, İstanbul.", Active: true}
	if err := h.st.AddKeyword(ctx, kw); err != nil {
		t.Fatal(err)
	}

	h.send(t, "C1", "Adresiniz nedir?")

	replies := h.transport.texts("C1")
	if len(replies) != 1 || replies[0] != kw.Response {
		t.Fatalf("expected canned reply, got %q", replies)
	}
	conv, _ := h.st.GetConversation(ctx, "C1")
	if conv.Status != models.StatusNew || conv.LastQuestionKey != "" {
		t.Errorf("keyword reply must not advance the machine: %+v", conv)
	}
}

func TestProcessor_CompletionFailureUsesScriptedReply(t *testing.T) {
	completer := &failingCompleter{}
	h := newMemHarness(t, []conversation.Option{
		conversation.WithRequiredFields(models.FieldName),
		conversation.WithCompleter(completer),
	})

	h.send(t, "C1", "Adım Ahmet Yılmaz")
	h.send(t, "C1", "Hocam ne zaman müsait?")

	replies := h.transport.texts("C1")
	if len(replies) != 2 {
		t.Fatalf("expected 2 replies, got %q", replies)
	}
	if completer.calls != 1 {
		t.Errorf("completer calls = %d, want 1", completer.calls)
	}
	if replies[1] != (conversation.WarmStyle{}).Acknowledgement("Ahmet") {
		t.Errorf("expected scripted acknowledgement, got %q", replies[1])
	}
}

func TestProcessor_PhonePrefill(t *testing.T) {
	h := newMemHarness(t, nil, WithPhonePrefill(true))
	msg := models.InboundMessage{ExternalID: "x1", ConversationID: "905321234567@s.whatsapp.net", SenderPhone: "+905321234567", Text: "Adım Ahmet"}
	if err := h.proc.HandleInbound(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	h.proc.Wait()

	conv, err := h.st.GetConversation(context.Background(), msg.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Fields[models.FieldPhone] != "+905321234567" {
		t.Errorf("phone not prefilled: %v", conv.Fields)
	}
	if conv.LastQuestionKey != models.FieldCity {
		t.Errorf("phone must be skipped, asked %s", conv.LastQuestionKey)
	}
}

func TestProcessor_ProvinceNamedPerson(t *testing.T) {
	h := newMemHarness(t, []conversation.Option{conversation.WithRequiredFields(models.FieldName, models.FieldCity)})
	ctx := context.Background()

	h.send(t, "C1", "Adım Aydın Yılmaz")

	conv, err := h.st.GetConversation(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Fields[models.FieldName] != "Aydın Yılmaz" || conv.Fields.Has(models.FieldCity) {
		t.Fatalf("name must not leak into city: %v", conv.Fields)
	}
	if conv.LastQuestionKey != models.FieldCity {
		t.Errorf("expected the city question next, asked %q", conv.LastQuestionKey)
	}

	h.send(t, "C1", "İzmir'deyim")
	conv, _ = h.st.GetConversation(ctx, "C1")
	if conv.Fields[models.FieldCity] != "İzmir" || conv.Status != models.StatusWaitingHandoff {
		t.Errorf("city answer: status=%s fields=%v", conv.Status, conv.Fields)
	}
}

func TestProcessor_TransientErrorSendsNothing(t *testing.T) {
	mem := store.NewInMemoryStore()
	flaky := &flakyStore{InMemoryStore: mem, failGetConversation: true}
	h := newHarness(t, flaky, mem, nil)

	h.send(t, "C1", "merhaba")
	if replies := h.transport.texts("C1"); len(replies) != 0 {
		t.Errorf("no reply expected on persistence failure, got %q", replies)
	}

	// The lane keeps working once the store recovers.
	flaky.failGetConversation = false
	h.send(t, "C1", "merhaba")
	if replies := h.transport.texts("C1"); len(replies) != 1 {
		t.Errorf("expected recovery reply, got %q", replies)
	}
}

func TestProcessor_TransportFailureKeepsPartialLog(t *testing.T) {
	h := newMemHarness(t, nil)
	h.transport.failFor = "C1"

	h.send(t, "C1", "merhaba")
	history, _ := h.st.ChatHistory(context.Background(), "C1", 10)
	if len(history) != 1 || history[0].Direction != models.DirectionIncoming {
		t.Errorf("only the inbound message should be logged, got %+v", history)
	}
}

func TestProcessor_IgnoresEmptyAndAnonymous(t *testing.T) {
	h := newMemHarness(t, nil)
	ctx := context.Background()
	_ = h.proc.HandleInbound(ctx, models.InboundMessage{ExternalID: "e1", ConversationID: "C1", Text: "   "})
	_ = h.proc.HandleInbound(ctx, models.InboundMessage{ExternalID: "e2", Text: "merhaba"})
	h.proc.Wait()
	if replies := h.transport.texts("C1"); len(replies) != 0 {
		t.Errorf("unexpected replies %q", replies)
	}
}

func TestProcessor_Run(t *testing.T) {
	h := newMemHarness(t, nil)
	in := make(chan models.InboundMessage, 2)
	in <- models.InboundMessage{ExternalID: "r1", ConversationID: "A", Text: "merhaba"}
	in <- models.InboundMessage{ExternalID: "r2", ConversationID: "B", Text: "selam"}
	close(in)

	if err := h.proc.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.proc.Wait()
	if len(h.transport.texts("A")) != 1 || len(h.transport.texts("B")) != 1 {
		t.Errorf("expected one reply per conversation, got A=%q B=%q", h.transport.texts("A"), h.transport.texts("B"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.proc.Run(ctx, make(chan models.InboundMessage)); err != nil {
		t.Errorf("Run on cancelled context: %v", err)
	}
}
