package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// EnsureChat creates the chat if it does not exist yet and reports whether
// it was created. An existing chat short-circuits untouched.
func (s *Store) EnsureChat(ctx context.Context, c Chat) (*Chat, bool, error) {
	var existing Chat
	err := s.db.WithContext(ctx).First(&existing, "id = ?", c.ID).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		// Lost a race with a concurrent create; re-read.
		var again Chat
		if rerr := s.db.WithContext(ctx).First(&again, "id = ?", c.ID).Error; rerr == nil {
			return &again, false, nil
		}
		return nil, false, err
	}
	return &c, true, nil
}

// GetChat loads a chat by its protocol id.
func (s *Store) GetChat(ctx context.Context, id int64) (*Chat, error) {
	var c Chat
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// AddAccountToChat records the account's membership in the chat. Adding an
// existing membership is a no-op.
func (s *Store) AddAccountToChat(ctx context.Context, chatID int64, accountID string) error {
	var n int64
	err := s.db.WithContext(ctx).
		Table("account_chats").
		Where("chat_id = ? AND account_id = ?", chatID, accountID).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Exec("INSERT INTO account_chats (chat_id, account_id) VALUES (?, ?)", chatID, accountID).Error
}

// ChatsForAccount returns the chats an account is a member of.
func (s *Store) ChatsForAccount(ctx context.Context, accountID string) ([]Chat, error) {
	var out []Chat
	err := s.db.WithContext(ctx).
		Joins("JOIN account_chats ON account_chats.chat_id = chats.id").
		Where("account_chats.account_id = ?", accountID).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
