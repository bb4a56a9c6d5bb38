package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PacePipe/internal/extract"
	"github.com/BTreeMap/PacePipe/internal/genai"
	"github.com/BTreeMap/PacePipe/internal/models"
)

// fakeStore records machine writes in memory.
type fakeStore struct {
	saved       []*models.Conversation
	handoffs    []models.HandoffRecord
	history     []models.MessageRecord
	settings    map[string]string
	updateErr   error
	handoffErr  error
	settingsErr error
}

func (f *fakeStore) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.saved = append(f.saved, conv.Clone())
	return nil
}

func (f *fakeStore) CreateHandoffRecord(ctx context.Context, conversationID, ownerID, subject string) (*models.HandoffRecord, error) {
	if f.handoffErr != nil {
		return nil, f.handoffErr
	}
	for i := range f.handoffs {
		if f.handoffs[i].ConversationID == conversationID {
			return &f.handoffs[i], nil
		}
	}
	rec := models.HandoffRecord{ID: "h1", ConversationID: conversationID, OwnerID: ownerID, Subject: subject, Status: models.HandoffPending}
	f.handoffs = append(f.handoffs, rec)
	return &rec, nil
}

func (f *fakeStore) ChatHistory(ctx context.Context, conversationID string, limit int) ([]models.MessageRecord, error) {
	return f.history, nil
}

func (f *fakeStore) GetSettings(ctx context.Context) (map[string]string, error) {
	return f.settings, f.settingsErr
}

// scriptedCompleter returns a fixed reply or error.
type scriptedCompleter struct {
	reply string
	err   error
	calls int
	last  genai.ReplyContext
}

func (s *scriptedCompleter) GenerateReply(ctx context.Context, rc genai.ReplyContext, userMessage string) (string, error) {
	s.calls++
	s.last = rc
	return s.reply, s.err
}

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

// step extracts and applies one message, as the engine does.
func step(t *testing.T, m *Machine, conv *models.Conversation, c *clock, text string) Decision {
	t.Helper()
	fields := extract.Extract(text, conv, c.Now(), extract.Options{Window: m.Window()})
	d, err := m.Next(context.Background(), conv, text, fields)
	if err != nil {
		t.Fatalf("Next(%q) returned error: %v", text, err)
	}
	return d
}

func TestMachine_ExampleScenario(t *testing.T) {
	store := &fakeStore{}
	c := newClock()
	m := NewMachine(store, WithRequiredFields(models.FieldName, models.FieldCity), WithClock(c.Now))
	conv := models.NewConversation("C1", "bot", c.Now())

	d := step(t, m, conv, c, "merhaba")
	if d.Action != ActionGreeting {
		t.Fatalf("expected greeting, got %s", d.Action)
	}
	if conv.Status != models.StatusNew || conv.LastQuestionKey != "" || len(conv.Fields) != 0 {
		t.Errorf("greeting must not advance collection: %+v", conv)
	}

	c.Advance(5 * time.Second)
	d = step(t, m, conv, c, "Ahmet")
	if conv.Fields[models.FieldName] != "Ahmet" {
		t.Fatalf("expected name Ahmet, got %v", conv.Fields)
	}
	if conv.Status != models.StatusCollecting {
		t.Errorf("expected collecting, got %s", conv.Status)
	}
	if d.Action != ActionAskField || d.Field != models.FieldCity {
		t.Errorf("expected to ask city, got %s %s", d.Action, d.Field)
	}
	if !strings.Contains(d.Reply, "Ahmet") {
		t.Errorf("question should address the user by name: %q", d.Reply)
	}

	c.Advance(5 * time.Second)
	d = step(t, m, conv, c, "Istanbul")
	if d.Action != ActionComplete {
		t.Fatalf("expected completion, got %s", d.Action)
	}
	if conv.Status != models.StatusWaitingHandoff {
		t.Errorf("expected waiting_handoff, got %s", conv.Status)
	}
	if len(store.handoffs) != 1 {
		t.Errorf("expected one handoff record, got %d", len(store.handoffs))
	}

	for _, text := range []string{"teşekkürler", "Istanbul", "Mehmet Yılmaz"} {
		c.Advance(time.Second)
		d = step(t, m, conv, c, text)
		if d.Action == ActionComplete {
			t.Errorf("completion fired again on %q", text)
		}
		if d.Action != ActionAcknowledge {
			t.Errorf("expected acknowledgement without completer, got %s", d.Action)
		}
	}
	if len(store.handoffs) != 1 {
		t.Errorf("handoff must be created exactly once, got %d", len(store.handoffs))
	}
}

func TestMachine_AntiRepeat(t *testing.T) {
	store := &fakeStore{}
	c := newClock()
	m := NewMachine(store, WithClock(c.Now))
	conv := models.NewConversation("c1", "bot", c.Now())
	conv.Fields[models.FieldName] = "Ahmet"

	first := step(t, m, conv, c, "hmm")
	if first.Action != ActionAskField || first.Field != models.FieldPhone {
		t.Fatalf("expected canonical phone question, got %s %s", first.Action, first.Field)
	}

	seen := map[string]bool{first.Reply: true}
	for i := 1; i <= 2; i++ {
		c.Advance(10 * time.Second)
		d := step(t, m, conv, c, "hmm")
		if d.Action != ActionAskFieldAgain || d.Field != models.FieldPhone {
			t.Fatalf("repeat %d: expected ask_field_again for phone, got %s %s", i, d.Action, d.Field)
		}
		if d.Reply == first.Reply {
			t.Errorf("repeat %d: alternative must differ from the canonical question", i)
		}
		if seen[d.Reply] {
			t.Errorf("repeat %d: alternative %q already used", i, d.Reply)
		}
		seen[d.Reply] = true
	}

	// The window is measured from the canonical question, not from the alternatives.
	c.Advance(m.Window())
	d := step(t, m, conv, c, "hmm")
	if d.Action != ActionAskField || d.Reply != first.Reply {
		t.Errorf("after the window the canonical question resumes, got %s %q", d.Action, d.Reply)
	}
}

func TestMachine_TwoFieldsInOneMessage(t *testing.T) {
	store := &fakeStore{}
	c := newClock()
	m := NewMachine(store, WithClock(c.Now))
	conv := models.NewConversation("c1", "bot", c.Now())

	d := step(t, m, conv, c, "Adım Ahmet Yılmaz, numaram 0532 123 45 67")
	if d.Field != models.FieldCity {
		t.Errorf("expected to ask the next remaining field (city), got %s", d.Field)
	}
	if conv.Fields[models.FieldPhone] != "+905321234567" {
		t.Errorf("phone not merged: %v", conv.Fields)
	}
}

func TestMachine_AnsweredFieldClearsToken(t *testing.T) {
	store := &fakeStore{}
	c := newClock()
	m := NewMachine(store, WithRequiredFields(models.FieldName, models.FieldMotherName, models.FieldSubject), WithClock(c.Now))
	conv := models.NewConversation("c1", "bot", c.Now())
	conv.Fields[models.FieldName] = "Ahmet"

	d := step(t, m, conv, c, "tamam")
	if d.Field != models.FieldMotherName {
		t.Fatalf("expected mother name question, got %s", d.Field)
	}
	c.Advance(5 * time.Second)
	d = step(t, m, conv, c, "Ayten")
	if conv.Fields[models.FieldMotherName] != "Ayten" {
		t.Fatalf("context bias should take the bare word as mother name: %v", conv.Fields)
	}
	if d.Action != ActionAskField || d.Field != models.FieldSubject {
		t.Errorf("expected canonical subject question, got %s %s", d.Action, d.Field)
	}
}

func TestMachine_PriorityIgnoresConfigurationOrder(t *testing.T) {
	c := newClock()
	m := NewMachine(&fakeStore{}, WithRequiredFields(models.FieldSubject, models.FieldCity, models.FieldName), WithClock(c.Now))
	want := []models.FieldKey{models.FieldName, models.FieldCity, models.FieldSubject}
	got := m.RequiredFields()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RequiredFields() = %v, want %v", got, want)
		}
	}
	conv := models.NewConversation("c1", "bot", c.Now())
	if d := step(t, m, conv, c, "hmm"); d.Field != models.FieldName {
		t.Errorf("expected name first, got %s", d.Field)
	}
}

func TestMachine_CompletionServiceAfterHandoff(t *testing.T) {
	c := newClock()
	store := &fakeStore{settings: map[string]string{SettingBotName: "Yardımcı"}}
	comp := &scriptedCompleter{reply: "Allah kolaylık versin."}
	m := NewMachine(store, WithRequiredFields(models.FieldName), WithCompleter(comp), WithClock(c.Now))
	conv := models.NewConversation("c1", "bot", c.Now())
	conv.Fields[models.FieldName] = "Ahmet"
	conv.Status = models.StatusWaitingHandoff

	d := step(t, m, conv, c, "namaz hakkında bir sorum var")
	if d.Action != ActionAnswer || d.Reply != "Allah kolaylık versin." {
		t.Errorf("expected completion answer, got %s %q", d.Action, d.Reply)
	}
	if !strings.Contains(comp.last.SystemPrompt, "Yardımcı") || !strings.Contains(comp.last.SystemPrompt, "Ahmet") {
		t.Errorf("system prompt placeholders not filled: %q", comp.last.SystemPrompt)
	}

	comp.err = errors.New("timeout")
	d = step(t, m, conv, c, "bir sorum daha var")
	if d.Action != ActionAcknowledge || d.Reply == "" {
		t.Errorf("expected scripted acknowledgement on failure, got %s %q", d.Action, d.Reply)
	}
}

func TestMachine_PersistenceErrors(t *testing.T) {
	c := newClock()

	store := &fakeStore{updateErr: errors.New("db down")}
	m := NewMachine(store, WithClock(c.Now))
	conv := models.NewConversation("c1", "bot", c.Now())
	d, err := m.Next(context.Background(), conv, "hmm", nil)
	if err == nil || d.Reply != "" {
		t.Errorf("expected error and no reply, got %v %q", err, d.Reply)
	}

	store = &fakeStore{handoffErr: errors.New("db down")}
	m = NewMachine(store, WithRequiredFields(models.FieldName), WithClock(c.Now))
	conv = models.NewConversation("c2", "bot", c.Now())
	d, err = m.Next(context.Background(), conv, "Ahmet", models.FieldMap{models.FieldName: "Ahmet"})
	if err == nil || d.Reply != "" {
		t.Errorf("expected handoff error and no reply, got %v %q", err, d.Reply)
	}
}

func TestMachine_SettingsOverrides(t *testing.T) {
	c := newClock()
	store := &fakeStore{settings: map[string]string{
		SettingGreeting:        "Selam {name}, hoş geldin!",
		SettingCompleteMessage: "{name} kardeşim, sizi arayacağız.",
	}}
	m := NewMachine(store, WithRequiredFields(models.FieldName), WithClock(c.Now))
	conv := models.NewConversation("c1", "bot", c.Now())

	if d := step(t, m, conv, c, "merhaba"); d.Reply != "Selam, hoş geldin!" {
		t.Errorf("greeting override = %q", d.Reply)
	}
	if d := step(t, m, conv, c, "Ahmet"); d.Reply != "Ahmet kardeşim, sizi arayacağız." {
		t.Errorf("completion override = %q", d.Reply)
	}

	store.settingsErr = errors.New("unavailable")
	conv2 := models.NewConversation("c2", "bot", c.Now())
	if d := step(t, m, conv2, c, "merhaba"); d.Reply != (WarmStyle{}).Greeting("") {
		t.Errorf("expected built-in greeting when settings fail, got %q", d.Reply)
	}
}

func TestMachine_ClosedIsSilent(t *testing.T) {
	c := newClock()
	store := &fakeStore{}
	m := NewMachine(store, WithClock(c.Now))
	conv := models.NewConversation("c1", "bot", c.Now())
	conv.Status = models.StatusClosed
	d, err := m.Next(context.Background(), conv, "merhaba", nil)
	if err != nil || d.Action != ActionNone || d.Reply != "" {
		t.Errorf("closed conversation should produce nothing, got %+v %v", d, err)
	}
	if len(store.saved) != 0 {
		t.Error("closed conversation must not be written")
	}
}

func TestClampWindow(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, 60 * time.Second},
		{-time.Second, 60 * time.Second},
		{10 * time.Second, 60 * time.Second},
		{90 * time.Second, 90 * time.Second},
		{10 * time.Minute, 180 * time.Second},
	}
	for _, tt := range tests {
		if got := ClampWindow(tt.in); got != tt.want {
			t.Errorf("ClampWindow(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWarmStyle_AlternativesDifferFromQuestions(t *testing.T) {
	s := WarmStyle{}
	for _, f := range models.DefaultRequiredFields {
		for _, name := range []string{"", "Ahmet"} {
			q := s.Question(f, name)
			for n := 1; n <= 4; n++ {
				if alt := s.Alternative(f, name, n); alt == q {
					t.Errorf("alternative %d for %s equals the question", n, f)
				}
			}
		}
	}
}

func TestFillName(t *testing.T) {
	tests := []struct{ tpl, name, want string }{
		{"Merhaba {name} kardeşim", "Ahmet", "Merhaba Ahmet kardeşim"},
		{"Merhaba {name} kardeşim", "", "Merhaba kardeşim"},
		{"Selam {name}, hoş geldin", "", "Selam, hoş geldin"},
	}
	for _, tt := range tests {
		if got := fillName(tt.tpl, tt.name); got != tt.want {
			t.Errorf("fillName(%q, %q) = %q, want %q", tt.tpl, tt.name, got, tt.want)
		}
	}
}
