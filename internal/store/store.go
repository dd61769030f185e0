// Package store is the persistence collaborator: GORM-backed repositories
// for accounts, chats, messages, rules, proxies and notifications.
package store

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateRule reports that a rule with identical criteria already
	// exists for the user.
	ErrDuplicateRule = errors.New("duplicate rule")
	// ErrNoProxy reports that no unused proxy exists for the requested
	// location.
	ErrNoProxy = errors.New("no proxy available")
	// ErrNotFound wraps gorm's record-not-found for callers outside the
	// package.
	ErrNotFound = gorm.ErrRecordNotFound
)

// maxFiltersPerUser caps saved filters; creating one past the cap evicts
// the user's oldest filter.
const maxFiltersPerUser = 10

// Store bundles all repositories over one database handle.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db)
}

// New wraps an existing database handle, migrating the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&User{}, &Account{}, &Chat{}, &Message{},
		&Filter{}, &Event{}, &Proxy{}, &Notification{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}
