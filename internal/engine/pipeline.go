package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sentinelhq/tgsentinel/internal/domain"
	"github.com/sentinelhq/tgsentinel/internal/notify"
	"github.com/sentinelhq/tgsentinel/internal/rules"
	"github.com/sentinelhq/tgsentinel/internal/store"
	"github.com/sentinelhq/tgsentinel/internal/transport"
)

// handleEvent runs one inbound event through the ingestion pipeline:
// normalize, upsert chat and membership, evaluate rules, persist.
func (r *Registry) handleEvent(ctx context.Context, phone string, h transport.Handle, ev transport.Event) error {
	if ev.Chat == nil {
		r.log.Debug("dropping event without chat entity",
			zap.String("phone", phone), zap.Int("message_id", ev.Message.ID))
		return nil
	}

	chat, err := domain.NormalizeChat(*ev.Chat)
	if err != nil {
		r.log.Debug("dropping event with unresolvable chat",
			zap.String("phone", phone), zap.Int64("chat_id", ev.Chat.ID), zap.Error(err))
		return nil
	}

	if _, _, err := r.store.EnsureChat(ctx, store.Chat{
		ID:       chat.ID,
		Title:    chat.Title,
		Username: chat.Username,
		Kind:     chat.Kind.String(),
	}); err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}
	if err := r.store.AddAccountToChat(ctx, chat.ID, phone); err != nil {
		return fmt.Errorf("add membership: %w", err)
	}

	if ev.Sender == nil {
		r.log.Debug("dropping event without sender",
			zap.String("phone", phone), zap.Int64("chat_id", chat.ID))
		return nil
	}

	senderUsername := ev.Sender.Username
	if senderUsername == "" {
		senderUsername = ev.Sender.FirstName
	}
	if senderUsername == "" {
		senderUsername = chat.Username
	}

	// Stored and compared as a single line.
	text := strings.ReplaceAll(ev.Message.Text, "\n", "")
	if text == "" {
		return nil
	}

	msg := domain.Message{
		MessageID:      ev.Message.ID,
		ChatID:         chat.ID,
		ChatTitle:      chat.Title,
		SenderID:       ev.Sender.ID,
		SenderUsername: senderUsername,
		Text:           text,
		Timestamp:      ev.Message.Date,
	}

	acc, err := r.store.GetAccount(ctx, phone)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	user, err := r.store.GetUser(ctx, acc.CreatedBy)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load owner: %w", err)
	}

	if user != nil {
		if user.ScrapeForwardMode {
			r.scrapeForward(ctx, h, user, msg)
		}
		r.evaluateEvents(ctx, user, msg)
	}

	if err := r.store.CreateMessage(ctx, &store.Message{
		MessageID:      msg.MessageID,
		ChatID:         msg.ChatID,
		ChatTitle:      msg.ChatTitle,
		AccountID:      phone,
		SenderID:       msg.SenderID,
		SenderUsername: msg.SenderUsername,
		Text:           msg.Text,
	}); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	return nil
}

// scrapeForward relays a message matching any scrape-and-forward filter to
// each of the user's target chats.
func (r *Registry) scrapeForward(ctx context.Context, h transport.Handle, user *store.User, msg domain.Message) {
	filters, err := r.store.ScrapeForwardFiltersByUser(ctx, user.ID)
	if err != nil {
		r.log.Error("load forward filters failed", zap.Uint64("user_id", user.ID), zap.Error(err))
		return
	}

	rs := make([]rules.Rule, 0, len(filters))
	for _, f := range filters {
		rs = append(rs, f.Rule())
	}

	matches := rules.Evaluate(msg, rs)
	if len(matches) == 0 {
		return
	}

	for _, m := range matches {
		if err := r.store.IncrementFilterTriggers(ctx, m.Rule.ID); err != nil {
			r.log.Error("bump filter trigger failed", zap.Uint64("filter_id", m.Rule.ID), zap.Error(err))
		}
	}

	for _, target := range parseTargetChats(user.TargetChats) {
		if err := h.Forward(ctx, msg.ChatID, msg.MessageID, target); err != nil {
			r.log.Error("forward failed",
				zap.Int64("from_chat", msg.ChatID),
				zap.Int64("to_chat", target),
				zap.Int("message_id", msg.MessageID),
				zap.Error(err))
		}
	}
}

func parseTargetChats(s string) []int64 {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// evaluateEvents checks the message against the user's event rules and
// dispatches a notification for each triggered one.
func (r *Registry) evaluateEvents(ctx context.Context, user *store.User, msg domain.Message) {
	events, err := r.store.EventsByUser(ctx, user.ID)
	if err != nil {
		r.log.Error("load events failed", zap.Uint64("user_id", user.ID), zap.Error(err))
		return
	}

	rs := make([]rules.Rule, 0, len(events))
	for _, e := range events {
		rs = append(rs, e.Rule())
	}

	for _, m := range rules.Evaluate(msg, rs) {
		if err := r.store.IncrementEventTriggers(ctx, m.Rule.ID); err != nil {
			r.log.Error("bump event trigger failed", zap.Uint64("event_id", m.Rule.ID), zap.Error(err))
		}

		text := renderNotification(m)
		eventID := m.Rule.ID
		n := &store.Notification{UserID: user.ID, EventID: &eventID, Text: text}
		if err := r.store.CreateNotification(ctx, n); err != nil {
			r.log.Error("store notification failed", zap.Uint64("user_id", user.ID), zap.Error(err))
			continue
		}

		if !user.NotificationsEnabled {
			continue
		}
		if err := r.notifier.Dispatch(ctx, user.ID, n.ID, text); err != nil {
			if errors.Is(err, notify.ErrRecipientUnreachable) {
				r.disableNotifications(ctx, user)
				continue
			}
			r.log.Error("dispatch failed", zap.Uint64("user_id", user.ID), zap.Error(err))
		}
	}
}

// disableNotifications flips the user's notification flag after the delivery
// channel reported them unreachable, leaving a record they will see once
// they return.
func (r *Registry) disableNotifications(ctx context.Context, user *store.User) {
	if err := r.store.SetNotificationsEnabled(ctx, user.ID, false); err != nil {
		r.log.Error("disable notifications failed", zap.Uint64("user_id", user.ID), zap.Error(err))
		return
	}
	user.NotificationsEnabled = false

	n := &store.Notification{UserID: user.ID, Text: "You have blocked bot for notifications."}
	if err := r.store.CreateNotification(ctx, n); err != nil {
		r.log.Error("store notification failed", zap.Uint64("user_id", user.ID), zap.Error(err))
	}
	r.log.Warn("recipient unreachable, notifications disabled", zap.Uint64("user_id", user.ID))
}

func renderNotification(m rules.Match) string {
	return fmt.Sprintf("<b>Event Triggered:</b> %s\n\n<b>Message:</b>\n[%s]: %s",
		strings.Join(m.Details, " | "), m.Message.SenderUsername, m.Message.Text)
}

// importChats walks the account's dialog list and records every chat and
// membership. Entities that cannot be normalized are skipped.
func (r *Registry) importChats(ctx context.Context, phone string, h transport.Handle) error {
	var imported int
	err := h.IterDialogs(ctx, func(raw domain.RawChat) error {
		chat, err := domain.NormalizeChat(raw)
		if err != nil {
			return nil
		}
		if _, _, err := r.store.EnsureChat(ctx, store.Chat{
			ID:       chat.ID,
			Title:    chat.Title,
			Username: chat.Username,
			Kind:     chat.Kind.String(),
		}); err != nil {
			return err
		}
		if err := r.store.AddAccountToChat(ctx, chat.ID, phone); err != nil {
			return err
		}
		imported++
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate dialogs: %w", err)
	}

	r.log.Info("chats imported", zap.String("phone", phone), zap.Int("count", imported))
	return nil
}
