package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brigade-ai/brigade/pkg/models"
)

// Cache namespaces. Kept here so every component addresses the same keys.
const (
	NSSession      = "session"
	NSConversation = "conversation"
	NSSkills       = "skills"
	NSTraces       = "traces"
	NSProposals    = "proposals"
)

// GetConversation returns the message history for a user, or an empty
// record when none exists.
func (m *Manager) GetConversation(ctx context.Context, userID string) *models.ConversationRecord {
	var rec models.ConversationRecord
	if m.GetJSON(ctx, NSConversation, userID, m.cfg.ConversationTTL, &rec) {
		return &rec
	}
	return &models.ConversationRecord{UserID: userID}
}

// SaveConversation persists a user's history, trimming it to the
// configured maximum message count first.
func (m *Manager) SaveConversation(ctx context.Context, rec *models.ConversationRecord) {
	max := m.cfg.MaxMessages
	if max <= 0 {
		max = 20
	}
	if len(rec.Messages) > max {
		rec.Messages = rec.Messages[len(rec.Messages)-max:]
	}
	rec.UpdatedAt = time.Now().UTC()
	m.SetJSON(ctx, NSConversation, rec.UserID, rec, m.cfg.ConversationTTL, true)
}

// AppendMessage adds one turn to a user's history and saves it. Content
// that is not already text is sanitized to a compact serializable summary.
func (m *Manager) AppendMessage(ctx context.Context, userID, role string, content any) {
	rec := m.GetConversation(ctx, userID)
	rec.Messages = append(rec.Messages, models.ChatMessage{
		Role:    role,
		Content: SanitizeContent(content),
	})
	m.SaveConversation(ctx, rec)
}

// SanitizeContent flattens structured message content (tool-call payloads,
// nested maps) into a compact text summary safe to persist.
func SanitizeContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		const maxSanitized = 1000
		if len(raw) > maxSanitized {
			return string(raw[:maxSanitized]) + "…"
		}
		return string(raw)
	}
}
