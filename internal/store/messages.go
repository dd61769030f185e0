package store

import (
	"context"
	"time"
)

// CreateMessage persists a newly ingested message.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	return s.db.WithContext(ctx).Create(m).Error
}

// MessagesInWindow returns the non-deleted messages one account stored for
// a chat within [start, end], ordered by creation time. Deleted messages
// are excluded so repeated reconciliation of the same window is a no-op.
func (s *Store) MessagesInWindow(ctx context.Context, chatID int64, accountID string, start, end time.Time) ([]Message, error) {
	var out []Message
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND account_id = ? AND created_at >= ? AND created_at <= ? AND is_deleted = ?",
			chatID, accountID, start, end, false).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkMessagesDeleted flags the given messages as deleted and returns the
// refreshed records.
func (s *Store) MarkMessagesDeleted(ctx context.Context, ids []uint64) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.db.WithContext(ctx).Model(&Message{}).
		Where("id IN ?", ids).
		Update("is_deleted", true).Error; err != nil {
		return nil, err
	}

	var out []Message
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// RecordMessageEdit replaces a message's text, preserving the prior text,
// and returns the refreshed record.
func (s *Store) RecordMessageEdit(ctx context.Context, id uint64, newText string) (*Message, error) {
	var m Message
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_updated":         true,
			"before_update_text": m.Text,
			"text":               newText,
		}).Error
	if err != nil {
		return nil, err
	}

	var fresh Message
	if err := s.db.WithContext(ctx).First(&fresh, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &fresh, nil
}
