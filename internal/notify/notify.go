// Package notify is the boundary to the external notification delivery
// channel. The engine hands rendered notifications over and does not learn
// whether delivery succeeded, except for the unreachable-recipient signal.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrRecipientUnreachable reports that the delivery channel cannot reach
// the user (for example the user blocked the delivery bot). The engine
// reacts by disabling the user's notifications.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// Dispatcher delivers a triggered-event notification to a user.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, eventID uint64, text string) error
}

// LogDispatcher logs notifications instead of delivering them. Used when no
// delivery channel is configured, and in tests.
type LogDispatcher struct {
	Logger *zap.Logger
}

func (d *LogDispatcher) Dispatch(ctx context.Context, userID, eventID uint64, text string) error {
	d.Logger.Info("notification",
		zap.Uint64("user_id", userID),
		zap.Uint64("event_id", eventID),
		zap.String("text", text))
	return nil
}
