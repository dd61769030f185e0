package store

import "context"

// CreateUser persists a user record.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	return s.db.WithContext(ctx).Create(u).Error
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id uint64) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// SetNotificationsEnabled toggles whether the user receives delivered
// notifications.
func (s *Store) SetNotificationsEnabled(ctx context.Context, userID uint64, enabled bool) error {
	return s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("tg_notifications", enabled).Error
}

// CreateNotification stores a notification record.
func (s *Store) CreateNotification(ctx context.Context, n *Notification) error {
	return s.db.WithContext(ctx).Create(n).Error
}

// NotificationsByUser returns a user's notifications, newest first.
func (s *Store) NotificationsByUser(ctx context.Context, userID uint64) ([]Notification, error) {
	var out []Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
