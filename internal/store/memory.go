package store

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/util"
)

// InMemoryStore keeps everything in process memory. Reads return copies.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      []models.MessageRecord
	externalIDs   map[string]struct{}
	handoffs      map[string]models.HandoffRecord
	owners        map[string]models.Owner
	settings      map[string]string
	ownerSettings map[string]map[string]string
	keywords      []models.KeywordResponse
	nextKeywordID int64
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.Conversation),
		externalIDs:   make(map[string]struct{}),
		handoffs:      make(map[string]models.HandoffRecord),
		owners:        make(map[string]models.Owner),
		settings:      make(map[string]string),
		ownerSettings: make(map[string]map[string]string),
	}
}

func (s *InMemoryStore) MessageExists(ctx context.Context, externalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.externalIDs[externalID]
	return ok, nil
}

func (s *InMemoryStore) SaveMessage(ctx context.Context, rec models.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ExternalID != "" {
		if _, dup := s.externalIDs[rec.ExternalID]; dup {
			return models.ErrDuplicateMessage
		}
		s.externalIDs[rec.ExternalID] = struct{}{}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, rec)
	return nil
}

func (s *InMemoryStore) ChatHistory(ctx context.Context, conversationID string, limit int) ([]models.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MessageRecord
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, models.ErrConversationNotFound
	}
	return c.Clone(), nil
}

func (s *InMemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		slog.Debug("InMemoryStore CreateConversation already exists", "conversationID", conv.ID)
		return nil
	}
	s.conversations[conv.ID] = conv.Clone()
	return nil
}

func (s *InMemoryStore) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; !exists {
		return models.ErrConversationNotFound
	}
	cp := conv.Clone()
	cp.UpdatedAt = time.Now()
	s.conversations[conv.ID] = cp
	return nil
}

func (s *InMemoryStore) CreateHandoffRecord(ctx context.Context, conversationID, ownerID, subject string) (*models.HandoffRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handoffs[conversationID]; ok {
		return &h, nil
	}
	h := models.HandoffRecord{
		ID:             util.GenerateHandoffID(),
		ConversationID: conversationID,
		OwnerID:        ownerID,
		Subject:        subject,
		Status:         models.HandoffPending,
		CreatedAt:      time.Now(),
	}
	s.handoffs[conversationID] = h
	return &h, nil
}

func (s *InMemoryStore) GetHandoffRecord(ctx context.Context, conversationID string) (*models.HandoffRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handoffs[conversationID]
	if !ok {
		return nil, ErrHandoffNotFound
	}
	return &h, nil
}

func (s *InMemoryStore) GetOwner(ctx context.Context, ownerID string) (*models.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.owners[ownerID]; ok {
		return &o, nil
	}
	return &models.Owner{ID: ownerID}, nil
}

func (s *InMemoryStore) SaveOwner(ctx context.Context, owner models.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[owner.ID] = owner
	return nil
}

func (s *InMemoryStore) GetSettings(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.settings), nil
}

func (s *InMemoryStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *InMemoryStore) GetOwnerSettings(ctx context.Context, ownerID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := maps.Clone(s.ownerSettings[ownerID])
	if out == nil {
		out = make(map[string]string)
	}
	return out, nil
}

func (s *InMemoryStore) SetOwnerSetting(ctx context.Context, ownerID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.ownerSettings[ownerID]
	if !ok {
		m = make(map[string]string)
		s.ownerSettings[ownerID] = m
	}
	m[key] = value
	return nil
}

func (s *InMemoryStore) AddKeyword(ctx context.Context, kw *models.KeywordResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextKeywordID++
	kw.ID = s.nextKeywordID
	if kw.MatchType == "" {
		kw.MatchType = models.MatchContains
	}
	s.keywords = append(s.keywords, *kw)
	return nil
}

func (s *InMemoryStore) MatchKeyword(ctx context.Context, ownerID, text string) (*models.KeywordResponse, error) {
	s.mu.RLock()
	var candidates []models.KeywordResponse
	for _, kw := range s.keywords {
		if kw.OwnerID == ownerID {
			candidates = append(candidates, kw)
		}
	}
	s.mu.RUnlock()
	return matchKeyword(candidates, text), nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
