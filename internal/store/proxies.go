package store

import "context"

// CreateProxy registers a proxy in the inventory.
func (s *Store) CreateProxy(ctx context.Context, p *Proxy) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// GetProxy loads a proxy by id.
func (s *Store) GetProxy(ctx context.Context, id uint64) (*Proxy, error) {
	var p Proxy
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// AllocateProxy picks an unused proxy for the location and marks it in use
// in one step. The conditional update makes allocation atomic: two
// concurrent callers cannot claim the same proxy.
func (s *Store) AllocateProxy(ctx context.Context, location string) (*Proxy, error) {
	for {
		var candidates []Proxy
		err := s.db.WithContext(ctx).
			Where("in_use = ? AND location = ?", false, location).
			Order("id ASC").
			Limit(10).
			Find(&candidates).Error
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, ErrNoProxy
		}

		for _, c := range candidates {
			res := s.db.WithContext(ctx).Model(&Proxy{}).
				Where("id = ? AND in_use = ?", c.ID, false).
				Update("in_use", true)
			if res.Error != nil {
				return nil, res.Error
			}
			if res.RowsAffected == 1 {
				c.InUse = true
				return &c, nil
			}
		}
		// Every candidate was claimed concurrently; fetch a fresh batch.
	}
}

// ReleaseProxy returns a proxy to the pool.
func (s *Store) ReleaseProxy(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Model(&Proxy{}).
		Where("id = ?", id).
		Update("in_use", false).Error
}
