package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelhq/tgsentinel/internal/domain"
	"github.com/sentinelhq/tgsentinel/internal/rules"
	"github.com/sentinelhq/tgsentinel/internal/store"
	"github.com/sentinelhq/tgsentinel/internal/transport"
)

// Report is the outcome of one reconciliation run, keyed by chat id. Failed
// holds the chats whose history could not be replayed; the rest of the run
// is unaffected by them.
type Report struct {
	Deleted  map[int64][]store.Message
	Modified map[int64][]store.Message
	Failed   map[int64]error
}

func newReport() *Report {
	return &Report{
		Deleted:  make(map[int64][]store.Message),
		Modified: make(map[int64][]store.Message),
		Failed:   make(map[int64]error),
	}
}

// Reconcile compares the messages an account stored within [start, end]
// against a live history replay. chatIDs restricts the run to those chats;
// nil means every chat the account is a member of. criteria restricts which
// stored messages are considered; nil considers everything. Stored messages
// missing from the live history are marked deleted; stored messages whose
// live text differs are recorded as edits. Running the same window twice is
// a no-op: already-marked deletions are out of scope on the second pass.
func (r *Registry) Reconcile(ctx context.Context, phone string, chatIDs []int64, start, end time.Time, criteria []rules.Criteria) (*Report, error) {
	h, err := r.AcquireHandle(ctx, phone)
	if err != nil {
		return nil, err
	}

	memberships, err := r.store.ChatsForAccount(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("load chats: %w", err)
	}

	report := newReport()
	chats := memberships
	if len(chatIDs) > 0 {
		byID := make(map[int64]store.Chat, len(memberships))
		for _, c := range memberships {
			byID[c.ID] = c
		}
		chats = make([]store.Chat, 0, len(chatIDs))
		for _, id := range chatIDs {
			c, ok := byID[id]
			if !ok {
				report.Failed[id] = fmt.Errorf("account is not a member of chat %d", id)
				continue
			}
			chats = append(chats, c)
		}
	}

	// Replay from the start of the window's day so edits made to messages
	// earlier the same day are still visible.
	dayStart := start.UTC().Truncate(24 * time.Hour)

	for _, chat := range chats {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.reconcileChat(ctx, h, phone, chat, criteria, dayStart, start, end, report); err != nil {
			report.Failed[chat.ID] = err
			r.log.Error("chat reconciliation failed",
				zap.String("phone", phone), zap.Int64("chat_id", chat.ID), zap.Error(err))
		}
	}

	r.log.Info("reconciliation finished",
		zap.String("phone", phone),
		zap.Int("chats", len(chats)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

func (r *Registry) reconcileChat(ctx context.Context, h transport.Handle, phone string, chat store.Chat,
	criteria []rules.Criteria, dayStart, start, end time.Time, report *Report) error {
	stored, err := r.store.MessagesInWindow(ctx, chat.ID, phone, start, end)
	if err != nil {
		return fmt.Errorf("load stored messages: %w", err)
	}

	var considered []store.Message
	for _, m := range stored {
		v := rules.MessageView{
			SenderUsername: m.SenderUsername,
			ChatTitle:      m.ChatTitle,
			Text:           m.Text,
		}
		if !rules.AllowedByAny(v, criteria) {
			continue
		}
		considered = append(considered, m)
	}
	if len(considered) == 0 {
		return nil
	}

	live := make(map[int]string)
	err = h.IterHistory(ctx, chat.ID, dayStart, func(raw domain.RawMessage) error {
		live[raw.ID] = strings.ReplaceAll(raw.Text, "\n", "")
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay history: %w", err)
	}

	var deletedIDs []uint64
	for _, m := range considered {
		if _, ok := live[m.MessageID]; !ok {
			deletedIDs = append(deletedIDs, m.ID)
		}
	}
	if len(deletedIDs) > 0 {
		marked, err := r.store.MarkMessagesDeleted(ctx, deletedIDs)
		if err != nil {
			return fmt.Errorf("mark deleted: %w", err)
		}
		report.Deleted[chat.ID] = append(report.Deleted[chat.ID], marked...)
	}

	for _, m := range considered {
		text, ok := live[m.MessageID]
		if !ok || text == m.Text {
			continue
		}
		fresh, err := r.store.RecordMessageEdit(ctx, m.ID, text)
		if err != nil {
			return fmt.Errorf("record edit: %w", err)
		}
		report.Modified[chat.ID] = append(report.Modified[chat.ID], *fresh)
	}

	return nil
}
