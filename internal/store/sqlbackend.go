package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/util"
)

// sqlBackend implements Store over database/sql. Queries are written with ?
// placeholders; rebind rewrites them for drivers that use $n.
type sqlBackend struct {
	db     *sql.DB
	name   string
	dollar bool
}

func (b *sqlBackend) rebind(query string) string {
	if !b.dollar {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (b *sqlBackend) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.db.ExecContext(ctx, b.rebind(query), args...)
}

func (b *sqlBackend) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return b.db.QueryRowContext(ctx, b.rebind(query), args...)
}

func (b *sqlBackend) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.db.QueryContext(ctx, b.rebind(query), args...)
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (b *sqlBackend) MessageExists(ctx context.Context, externalID string) (bool, error) {
	var one int
	err := b.queryRow(ctx, `SELECT 1 FROM messages WHERE external_id = ?`, externalID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("message lookup failed: %w", err)
	}
	return true, nil
}

func (b *sqlBackend) SaveMessage(ctx context.Context, rec models.MessageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := b.exec(ctx,
		`INSERT INTO messages (external_id, conversation_id, owner_id, direction, content, sender_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (external_id) DO NOTHING`,
		nilIfEmpty(rec.ExternalID), rec.ConversationID, rec.OwnerID, string(rec.Direction), rec.Content, rec.SenderName, rec.CreatedAt.UTC())
	if err != nil {
		slog.Error(b.name+" SaveMessage failed", "error", err, "conversationID", rec.ConversationID)
		return fmt.Errorf("failed to save message for %s: %w", rec.ConversationID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrDuplicateMessage
	}
	return nil
}

func (b *sqlBackend) ChatHistory(ctx context.Context, conversationID string, limit int) ([]models.MessageRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := b.query(ctx,
		`SELECT external_id, conversation_id, owner_id, direction, content, sender_name, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []models.MessageRecord
	for rows.Next() {
		var m models.MessageRecord
		var ext, sender sql.NullString
		var dir string
		if err := rows.Scan(&ext, &m.ConversationID, &m.OwnerID, &dir, &m.Content, &sender, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.ExternalID = ext.String
		m.SenderName = sender.String
		m.Direction = models.Direction(dir)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	// Newest first from the query; callers want oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (b *sqlBackend) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	var fieldsJSON, status string
	var lastKey sql.NullString
	var lastAt sql.NullTime
	err := b.queryRow(ctx,
		`SELECT id, owner_id, fields, status, last_question_key, last_question_at, question_repeats,
		        message_count, created_at, updated_at
		 FROM conversations WHERE id = ?`, id).Scan(
		&c.ID, &c.OwnerID, &fieldsJSON, &status, &lastKey, &lastAt, &c.QuestionRepeats,
		&c.MessageCount, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrConversationNotFound
	}
	if err != nil {
		slog.Error(b.name+" GetConversation failed", "error", err, "conversationID", id)
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	c.Status = models.ConversationStatus(status)
	c.LastQuestionKey = models.FieldKey(lastKey.String)
	if lastAt.Valid {
		c.LastQuestionAt = lastAt.Time
	}
	c.Fields = make(models.FieldMap)
	if fieldsJSON != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &c.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields of %s: %w", id, err)
		}
	}
	return &c, nil
}

func (b *sqlBackend) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	fieldsJSON, err := json.Marshal(conv.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	_, err = b.exec(ctx,
		`INSERT INTO conversations (id, owner_id, fields, status, last_question_key, last_question_at,
		                            question_repeats, message_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		conv.ID, conv.OwnerID, string(fieldsJSON), string(conv.Status), nilIfEmpty(string(conv.LastQuestionKey)),
		nullTime(conv.LastQuestionAt), conv.QuestionRepeats, conv.MessageCount, conv.CreatedAt.UTC(), conv.UpdatedAt.UTC())
	if err != nil {
		slog.Error(b.name+" CreateConversation failed", "error", err, "conversationID", conv.ID)
		return fmt.Errorf("failed to create conversation %s: %w", conv.ID, err)
	}
	slog.Debug(b.name+" CreateConversation succeeded", "conversationID", conv.ID)
	return nil
}

func (b *sqlBackend) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	fieldsJSON, err := json.Marshal(conv.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	res, err := b.exec(ctx,
		`UPDATE conversations SET fields = ?, status = ?, last_question_key = ?, last_question_at = ?,
		        question_repeats = ?, message_count = ?, updated_at = ?
		 WHERE id = ?`,
		string(fieldsJSON), string(conv.Status), nilIfEmpty(string(conv.LastQuestionKey)), nullTime(conv.LastQuestionAt),
		conv.QuestionRepeats, conv.MessageCount, time.Now().UTC(), conv.ID)
	if err != nil {
		slog.Error(b.name+" UpdateConversation failed", "error", err, "conversationID", conv.ID)
		return fmt.Errorf("failed to update conversation %s: %w", conv.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrConversationNotFound
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func (b *sqlBackend) CreateHandoffRecord(ctx context.Context, conversationID, ownerID, subject string) (*models.HandoffRecord, error) {
	_, err := b.exec(ctx,
		`INSERT INTO handoffs (id, conversation_id, owner_id, subject, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (conversation_id) DO NOTHING`,
		util.GenerateHandoffID(), conversationID, ownerID, subject, string(models.HandoffPending), time.Now().UTC())
	if err != nil {
		slog.Error(b.name+" CreateHandoffRecord failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to create handoff for %s: %w", conversationID, err)
	}
	return b.GetHandoffRecord(ctx, conversationID)
}

func (b *sqlBackend) GetHandoffRecord(ctx context.Context, conversationID string) (*models.HandoffRecord, error) {
	var h models.HandoffRecord
	var status string
	err := b.queryRow(ctx,
		`SELECT id, conversation_id, owner_id, subject, status, created_at FROM handoffs WHERE conversation_id = ?`,
		conversationID).Scan(&h.ID, &h.ConversationID, &h.OwnerID, &h.Subject, &status, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHandoffNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load handoff for %s: %w", conversationID, err)
	}
	h.Status = models.HandoffStatus(status)
	return &h, nil
}

func (b *sqlBackend) GetOwner(ctx context.Context, ownerID string) (*models.Owner, error) {
	o := models.Owner{ID: ownerID}
	var msg, redirect sql.NullString
	err := b.queryRow(ctx, `SELECT frozen, frozen_message, redirect_phone FROM owners WHERE id = ?`, ownerID).
		Scan(&o.Frozen, &msg, &redirect)
	if errors.Is(err, sql.ErrNoRows) {
		return &o, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load owner %s: %w", ownerID, err)
	}
	o.FrozenMessage = msg.String
	o.RedirectPhone = redirect.String
	return &o, nil
}

func (b *sqlBackend) SaveOwner(ctx context.Context, owner models.Owner) error {
	_, err := b.exec(ctx,
		`INSERT INTO owners (id, frozen, frozen_message, redirect_phone) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET frozen = excluded.frozen, frozen_message = excluded.frozen_message,
		 redirect_phone = excluded.redirect_phone`,
		owner.ID, owner.Frozen, nilIfEmpty(owner.FrozenMessage), nilIfEmpty(owner.RedirectPhone))
	if err != nil {
		return fmt.Errorf("failed to save owner %s: %w", owner.ID, err)
	}
	return nil
}

func (b *sqlBackend) readSettings(ctx context.Context, query string, args ...any) (map[string]string, error) {
	rows, err := b.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate setting rows: %w", err)
	}
	return out, nil
}

func (b *sqlBackend) GetSettings(ctx context.Context) (map[string]string, error) {
	return b.readSettings(ctx, `SELECT name, value FROM settings`)
}

func (b *sqlBackend) SetSetting(ctx context.Context, key, value string) error {
	_, err := b.exec(ctx,
		`INSERT INTO settings (name, value) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

func (b *sqlBackend) GetOwnerSettings(ctx context.Context, ownerID string) (map[string]string, error) {
	return b.readSettings(ctx, `SELECT name, value FROM owner_settings WHERE owner_id = ?`, ownerID)
}

func (b *sqlBackend) SetOwnerSetting(ctx context.Context, ownerID, key, value string) error {
	_, err := b.exec(ctx,
		`INSERT INTO owner_settings (owner_id, name, value) VALUES (?, ?, ?)
		 ON CONFLICT (owner_id, name) DO UPDATE SET value = excluded.value`,
		ownerID, key, value)
	if err != nil {
		return fmt.Errorf("failed to save owner setting %s/%s: %w", ownerID, key, err)
	}
	return nil
}

func (b *sqlBackend) AddKeyword(ctx context.Context, kw *models.KeywordResponse) error {
	if kw.MatchType == "" {
		kw.MatchType = models.MatchContains
	}
	err := b.queryRow(ctx,
		`INSERT INTO keyword_responses (owner_id, keyword, match_type, response, priority, active)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		kw.OwnerID, kw.Keyword, string(kw.MatchType), kw.Response, kw.Priority, kw.Active).Scan(&kw.ID)
	if err != nil {
		return fmt.Errorf("failed to add keyword %q: %w", kw.Keyword, err)
	}
	return nil
}

func (b *sqlBackend) MatchKeyword(ctx context.Context, ownerID, text string) (*models.KeywordResponse, error) {
	rows, err := b.query(ctx,
		`SELECT id, owner_id, keyword, match_type, response, priority, active
		 FROM keyword_responses WHERE owner_id = ? AND active = ?`, ownerID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query keywords: %w", err)
	}
	defer rows.Close()
	var kws []models.KeywordResponse
	for rows.Next() {
		var kw models.KeywordResponse
		var mt string
		if err := rows.Scan(&kw.ID, &kw.OwnerID, &kw.Keyword, &mt, &kw.Response, &kw.Priority, &kw.Active); err != nil {
			return nil, fmt.Errorf("failed to scan keyword row: %w", err)
		}
		kw.MatchType = models.MatchType(mt)
		kws = append(kws, kw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keyword rows: %w", err)
	}
	return matchKeyword(kws, text), nil
}

func (b *sqlBackend) Close() error {
	slog.Debug(b.name + " closing database")
	return b.db.Close()
}
