package store

import (
	"context"
	"slices"

	"gorm.io/gorm"

	"github.com/sentinelhq/tgsentinel/internal/rules"
)

// Rule converts the stored filter into the matcher's representation.
func (f Filter) Rule() rules.Rule {
	return rules.Rule{
		ID:     f.ID,
		UserID: f.UserID,
		Criteria: rules.Criteria{
			Username:   f.Username,
			ChatTitle:  f.ChatTitle,
			Content:    f.Content,
			StartsWith: f.StartsWith,
		},
	}
}

// Rule converts the stored event into the matcher's representation.
func (e Event) Rule() rules.Rule {
	return rules.Rule{
		ID:     e.ID,
		UserID: e.UserID,
		Criteria: rules.Criteria{
			Username:   e.Username,
			ChatTitle:  e.ChatTitle,
			Content:    e.Content,
			StartsWith: e.StartsWith,
		},
	}
}

func sameCriteria(a, b rules.Criteria) bool {
	return slices.Equal(a.Username, b.Username) &&
		slices.Equal(a.ChatTitle, b.ChatTitle) &&
		slices.Equal(a.Content, b.Content) &&
		slices.Equal(a.StartsWith, b.StartsWith)
}

// CreateFilter saves a new filter. A filter duplicating an existing one's
// criteria is rejected with ErrDuplicateRule. A user holds at most ten
// filters; creating an eleventh evicts the oldest by creation time.
func (s *Store) CreateFilter(ctx context.Context, f *Filter) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []Filter
		if err := tx.Where("user_id = ?", f.UserID).
			Order("created_at ASC").
			Find(&existing).Error; err != nil {
			return err
		}

		for _, e := range existing {
			if sameCriteria(e.Rule().Criteria, f.Rule().Criteria) && e.ScrapeAndForward == f.ScrapeAndForward {
				return ErrDuplicateRule
			}
		}

		if len(existing) >= maxFiltersPerUser {
			if err := tx.Delete(&Filter{}, "id = ?", existing[0].ID).Error; err != nil {
				return err
			}
		}

		return tx.Create(f).Error
	})
}

// CreateEvent saves a new event rule, rejecting duplicates.
func (s *Store) CreateEvent(ctx context.Context, e *Event) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []Event
		if err := tx.Where("user_id = ?", e.UserID).Find(&existing).Error; err != nil {
			return err
		}

		for _, x := range existing {
			if sameCriteria(x.Rule().Criteria, e.Rule().Criteria) {
				return ErrDuplicateRule
			}
		}

		return tx.Create(e).Error
	})
}

// EventsByUser returns all event rules of a user in creation order.
func (s *Store) EventsByUser(ctx context.Context, userID uint64) ([]Event, error) {
	var out []Event
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FiltersByUser returns all filters of a user in creation order.
func (s *Store) FiltersByUser(ctx context.Context, userID uint64) ([]Filter, error) {
	var out []Filter
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScrapeForwardFiltersByUser returns the user's filters with the
// scrape-and-forward flag set.
func (s *Store) ScrapeForwardFiltersByUser(ctx context.Context, userID uint64) ([]Filter, error) {
	var out []Filter
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND scrape_and_forward = ?", userID, true).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IncrementEventTriggers bumps the trigger counter of an event rule.
func (s *Store) IncrementEventTriggers(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Model(&Event{}).
		Where("id = ?", id).
		Update("trigger_count", gorm.Expr("trigger_count + 1")).Error
}

// IncrementFilterTriggers bumps the trigger counter of a filter.
func (s *Store) IncrementFilterTriggers(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Model(&Filter{}).
		Where("id = ?", id).
		Update("trigger_count", gorm.Expr("trigger_count + 1")).Error
}
