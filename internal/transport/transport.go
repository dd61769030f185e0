// Package transport defines the capability the engine uses to talk to the
// messaging network. The wire protocol itself lives behind the Handle
// interface; the engine only orchestrates connections, authentication and
// history replay through it.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/sentinelhq/tgsentinel/internal/domain"
)

var (
	// ErrNumberBanned reports that the network refuses the phone number.
	ErrNumberBanned = errors.New("phone number banned")
	// ErrPasswordRequired reports that two-factor authentication is enabled
	// and a password must be submitted to finish signing in.
	ErrPasswordRequired = errors.New("password required")
	// ErrCodeUnavailable reports that the network cannot deliver a login
	// code to this number right now.
	ErrCodeUnavailable = errors.New("login code unavailable")
	// ErrNotAuthorized reports that the underlying identity is not signed
	// in and the handle cannot be used.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrStopIteration stops a history or dialog iteration early without
	// reporting a failure.
	ErrStopIteration = errors.New("stop iteration")
)

// Proxy describes the egress proxy a connection should be opened through.
type Proxy struct {
	Type     string // "socks5"
	Host     string
	Port     int
	User     string
	Password string
}

// Identity describes the account behind an authorized handle.
type Identity struct {
	Phone     string
	Username  string
	FirstName string
}

// Event is one element of an account's live event stream. Chat or Sender
// are nil when the corresponding entity could not be resolved; the consumer
// decides whether to drop the event.
type Event struct {
	Message domain.RawMessage
	Chat    *domain.RawChat
	Sender  *domain.RawSender
}

// Transport opens connections to the messaging network.
type Transport interface {
	// Connect opens a connection for the given phone number, reusing any
	// stored credential material, optionally through a proxy. The returned
	// handle may be unauthorized; callers check Authorized before use.
	Connect(ctx context.Context, phone string, proxy *Proxy) (Handle, error)

	// Forget discards stored credential material for the phone number.
	Forget(phone string) error
}

// Handle is one live connection bound to a phone number.
type Handle interface {
	// RequestCode asks the network to send a one-time login code and
	// returns the challenge token needed to complete authentication.
	RequestCode(ctx context.Context) (challenge string, err error)

	// CompleteAuth finishes authentication with a one-time code or a
	// two-factor password. Exactly one of code/password is used: a
	// non-empty password takes the password path.
	CompleteAuth(ctx context.Context, code, password string) (Identity, error)

	// Authorized reports whether the underlying identity is signed in.
	Authorized(ctx context.Context) (bool, error)

	// Self returns the identity behind the handle.
	Self(ctx context.Context) (Identity, error)

	// Subscribe returns the live event stream for this connection. The
	// channel closes when the connection terminates.
	Subscribe(ctx context.Context) (<-chan Event, error)

	// IterDialogs walks the account's full chat list, invoking fn per
	// entity. Returning ErrStopIteration from fn ends the walk cleanly.
	IterDialogs(ctx context.Context, fn func(domain.RawChat) error) error

	// IterHistory replays a chat's messages with date >= since in
	// chronological order. Returning ErrStopIteration from fn ends the
	// replay cleanly.
	IterHistory(ctx context.Context, chatID int64, since time.Time, fn func(domain.RawMessage) error) error

	// Forward relays an existing message verbatim to another chat.
	Forward(ctx context.Context, fromChat int64, messageID int, toChat int64) error

	// Close tears the connection down.
	Close() error
}
