package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// CreateAccount persists a new account record.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	return s.db.WithContext(ctx).Create(a).Error
}

// GetAccount loads an account by phone id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// SetAccountActive toggles the monitoring flag.
func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) error {
	return s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", id).
		Update("active", active).Error
}

// ListActiveAccounts returns all accounts marked active.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	var out []Account
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// AssignProxy binds a proxy to the account.
func (s *Store) AssignProxy(ctx context.Context, accountID string, proxyID uint64) error {
	return s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", accountID).
		Update("proxy_id", proxyID).Error
}

// DeleteAccountCascade removes an account together with its messages and
// chat memberships. Chats themselves stay; other accounts may share them.
func (s *Store) DeleteAccountCascade(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", id).Delete(&Message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Exec("DELETE FROM account_chats WHERE account_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete memberships: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&Account{}).Error; err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		return nil
	})
}
