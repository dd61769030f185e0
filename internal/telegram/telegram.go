// Package telegram implements the transport capability on top of gotd/td.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	xproxy "golang.org/x/net/proxy"

	"github.com/sentinelhq/tgsentinel/internal/domain"
	"github.com/sentinelhq/tgsentinel/internal/transport"
)

// Options configures the Telegram transport.
type Options struct {
	APIID      int
	APIHash    string
	SessionDir string
	Logger     *zap.Logger
}

// Transport opens gotd-backed connections, one per phone number. Credential
// material is kept in per-phone session files under SessionDir.
type Transport struct {
	opts Options
}

func New(opts Options) *Transport {
	return &Transport{opts: opts}
}

func (t *Transport) sessionPath(phone string) string {
	return filepath.Join(t.opts.SessionDir, phone+".json")
}

// Forget removes the stored session file for a phone number.
func (t *Transport) Forget(phone string) error {
	err := os.Remove(t.sessionPath(phone))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// Connect opens a connection for the phone number, optionally through a
// SOCKS5 proxy, and blocks until the client is running or ctx expires.
func (t *Transport) Connect(ctx context.Context, phone string, pr *transport.Proxy) (transport.Handle, error) {
	if err := os.MkdirAll(t.opts.SessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}

	h := &handle{
		phone:  phone,
		logger: t.opts.Logger.Named("tg").With(zap.String("phone", phone)),
		events: make(chan transport.Event, 256),
		peers:  make(map[int64]tg.InputPeerClass),
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		if m, ok := u.Message.(*tg.Message); ok {
			h.emit(h.convertUpdate(m, e))
		}
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		if m, ok := u.Message.(*tg.Message); ok {
			h.emit(h.convertUpdate(m, e))
		}
		return nil
	})

	clientOpts := telegram.Options{
		Logger:         h.logger,
		UpdateHandler:  dispatcher,
		SessionStorage: &session.FileStorage{Path: t.sessionPath(phone)},
	}

	if pr != nil {
		dial, err := proxyDialer(pr)
		if err != nil {
			return nil, err
		}
		clientOpts.Resolver = dcs.Plain(dcs.PlainOptions{Dial: dial})
	}

	h.client = telegram.NewClient(t.opts.APIID, t.opts.APIHash, clientOpts)

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	ready := make(chan struct{})

	go func() {
		defer close(h.done)
		err := h.client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Error("connection terminated", zap.Error(err))
		}
		h.closeEvents()
	}()

	select {
	case <-ready:
		return h, nil
	case <-h.done:
		cancel()
		return nil, fmt.Errorf("connect %s: connection closed during startup", phone)
	case <-ctx.Done():
		cancel()
		<-h.done
		return nil, ctx.Err()
	}
}

func proxyDialer(pr *transport.Proxy) (dcs.DialFunc, error) {
	switch pr.Type {
	case "socks5", "socks":
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", pr.Type)
	}

	var pauth *xproxy.Auth
	if pr.User != "" {
		pauth = &xproxy.Auth{User: pr.User, Password: pr.Password}
	}
	d, err := xproxy.SOCKS5("tcp", net.JoinHostPort(pr.Host, strconv.Itoa(pr.Port)), pauth, xproxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support context")
	}
	return cd.DialContext, nil
}

// handle is one live gotd connection.
type handle struct {
	phone  string
	logger *zap.Logger
	client *telegram.Client
	cancel context.CancelFunc
	done   chan struct{}

	events    chan transport.Event
	closeOnce sync.Once

	mu       sync.Mutex
	peers    map[int64]tg.InputPeerClass
	self     *tg.User
	codeHash string
}

func (h *handle) Close() error {
	h.cancel()
	<-h.done
	return nil
}

func (h *handle) closeEvents() {
	h.closeOnce.Do(func() { close(h.events) })
}

func (h *handle) emit(ev transport.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("event buffer full, dropping event",
			zap.Int64("chat_id", ev.Message.ChatID),
			zap.Int("message_id", ev.Message.ID))
	}
}

func (h *handle) RequestCode(ctx context.Context) (string, error) {
	sent, err := h.client.Auth().SendCode(ctx, h.phone, auth.SendCodeOptions{})
	if err != nil {
		if tgerr.Is(err, "PHONE_NUMBER_BANNED") {
			return "", transport.ErrNumberBanned
		}
		if tgerr.Is(err, "SEND_CODE_UNAVAILABLE") {
			return "", transport.ErrCodeUnavailable
		}
		return "", fmt.Errorf("send code: %w", err)
	}

	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", fmt.Errorf("unexpected sent code type %T", sent)
	}

	h.mu.Lock()
	h.codeHash = code.PhoneCodeHash
	h.mu.Unlock()
	return code.PhoneCodeHash, nil
}

func (h *handle) CompleteAuth(ctx context.Context, code, password string) (transport.Identity, error) {
	var err error
	if password != "" {
		_, err = h.client.Auth().Password(ctx, password)
	} else {
		h.mu.Lock()
		hash := h.codeHash
		h.mu.Unlock()
		_, err = h.client.Auth().SignIn(ctx, h.phone, code, hash)
	}

	if err != nil {
		switch {
		case errors.Is(err, auth.ErrPasswordAuthNeeded):
			return transport.Identity{}, transport.ErrPasswordRequired
		case tgerr.Is(err, "SEND_CODE_UNAVAILABLE"):
			return transport.Identity{}, transport.ErrCodeUnavailable
		case tgerr.Is(err, "PHONE_NUMBER_BANNED"):
			return transport.Identity{}, transport.ErrNumberBanned
		default:
			return transport.Identity{}, fmt.Errorf("sign in: %w", err)
		}
	}

	return h.Self(ctx)
}

func (h *handle) Authorized(ctx context.Context) (bool, error) {
	status, err := h.client.Auth().Status(ctx)
	if err != nil {
		return false, fmt.Errorf("auth status: %w", err)
	}
	return status.Authorized, nil
}

func (h *handle) Self(ctx context.Context) (transport.Identity, error) {
	u, err := h.client.Self(ctx)
	if err != nil {
		return transport.Identity{}, fmt.Errorf("get self: %w", err)
	}

	h.mu.Lock()
	h.self = u
	h.mu.Unlock()

	phone := u.Phone
	if phone == "" {
		phone = h.phone
	}
	return transport.Identity{Phone: phone, Username: u.Username, FirstName: u.FirstName}, nil
}

func (h *handle) Subscribe(ctx context.Context) (<-chan transport.Event, error) {
	return h.events, nil
}

func (h *handle) IterDialogs(ctx context.Context, fn func(domain.RawChat) error) error {
	iter := dialogs.NewQueryBuilder(h.client.API()).GetDialogs().BatchSize(100).Iter()
	for iter.Next(ctx) {
		elem := iter.Value()

		rc, ok := h.rawChatFromDialog(elem)
		if !ok {
			continue
		}
		if elem.Peer != nil {
			h.cachePeer(rc.ID, elem.Peer)
		}

		if err := fn(rc); err != nil {
			if errors.Is(err, transport.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("iterate dialogs: %w", err)
	}
	return nil
}

func (h *handle) rawChatFromDialog(elem dialogs.Elem) (domain.RawChat, bool) {
	switch p := elem.Dialog.GetPeer().(type) {
	case *tg.PeerUser:
		if u, ok := elem.Entities.User(p.UserID); ok {
			return domain.RawChat{
				ID:        u.ID,
				Class:     domain.PeerUser,
				FirstName: u.FirstName,
				Username:  u.Username,
			}, true
		}
	case *tg.PeerChat:
		if c, ok := elem.Entities.Chat(p.ChatID); ok {
			return domain.RawChat{ID: c.ID, Class: domain.PeerGroup, Title: c.Title}, true
		}
	case *tg.PeerChannel:
		if c, ok := elem.Entities.Channel(p.ChannelID); ok {
			return domain.RawChat{
				ID:        c.ID,
				Class:     domain.PeerChannel,
				Title:     c.Title,
				Username:  c.Username,
				Megagroup: c.Megagroup,
			}, true
		}
	}
	return domain.RawChat{}, false
}

// IterHistory pages a chat's history backwards until messages fall before
// since, then replays the collected window in chronological order.
func (h *handle) IterHistory(ctx context.Context, chatID int64, since time.Time, fn func(domain.RawMessage) error) error {
	peer, err := h.resolvePeer(ctx, chatID)
	if err != nil {
		return err
	}

	var window []domain.RawMessage
	offsetID := 0
pages:
	for {
		res, err := h.client.API().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: offsetID,
			Limit:    100,
		})
		if err != nil {
			return fmt.Errorf("get history: %w", err)
		}

		msgs, full := extractMessages(res)
		if len(msgs) == 0 {
			break
		}

		for _, mc := range msgs {
			m, ok := mc.(*tg.Message)
			if !ok {
				continue
			}
			date := time.Unix(int64(m.Date), 0).UTC()
			if date.Before(since) {
				break pages
			}
			window = append(window, h.convertMessage(m, chatID))
		}

		last, ok := msgs[len(msgs)-1].(*tg.Message)
		if !ok || last.ID == offsetID || full {
			break
		}
		offsetID = last.ID
	}

	// Pages arrive newest first; replay oldest to newest.
	for i := len(window) - 1; i >= 0; i-- {
		if err := fn(window[i]); err != nil {
			if errors.Is(err, transport.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

// extractMessages unpacks a history response and reports whether it was the
// final (non-sliced) page.
func extractMessages(res tg.MessagesMessagesClass) ([]tg.MessageClass, bool) {
	switch r := res.(type) {
	case *tg.MessagesMessages:
		return r.Messages, true
	case *tg.MessagesMessagesSlice:
		return r.Messages, false
	case *tg.MessagesChannelMessages:
		return r.Messages, false
	default:
		return nil, true
	}
}

func (h *handle) Forward(ctx context.Context, fromChat int64, messageID int, toChat int64) error {
	from, err := h.resolvePeer(ctx, fromChat)
	if err != nil {
		return err
	}
	to, err := h.resolvePeer(ctx, toChat)
	if err != nil {
		return err
	}

	_, err = h.client.API().MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: from,
		ID:       []int{messageID},
		RandomID: []int64{rand.Int63()},
		ToPeer:   to,
	})
	if err != nil {
		return fmt.Errorf("forward message: %w", err)
	}
	return nil
}

// resolvePeer returns the cached input peer for a chat, warming the cache
// from the dialog list when the chat has not been seen yet.
func (h *handle) resolvePeer(ctx context.Context, chatID int64) (tg.InputPeerClass, error) {
	if p := h.findPeer(chatID); p != nil {
		return p, nil
	}
	if err := h.IterDialogs(ctx, func(domain.RawChat) error { return nil }); err != nil {
		return nil, err
	}
	if p := h.findPeer(chatID); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("unknown peer: %d", chatID)
}

func (h *handle) findPeer(chatID int64) tg.InputPeerClass {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[chatID]
}

func (h *handle) cachePeer(chatID int64, peer tg.InputPeerClass) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[chatID] = peer
}

// convertUpdate builds a transport event from an inbound message and the
// entity maps delivered with the update.
func (h *handle) convertUpdate(m *tg.Message, e tg.Entities) transport.Event {
	ev := transport.Event{}

	switch p := m.PeerID.(type) {
	case *tg.PeerUser:
		if u, ok := e.Users[p.UserID]; ok {
			ev.Chat = &domain.RawChat{
				ID:        u.ID,
				Class:     domain.PeerUser,
				FirstName: u.FirstName,
				Username:  u.Username,
			}
			h.cachePeer(u.ID, &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash})
		}
	case *tg.PeerChat:
		if c, ok := e.Chats[p.ChatID]; ok {
			ev.Chat = &domain.RawChat{ID: c.ID, Class: domain.PeerGroup, Title: c.Title}
			h.cachePeer(c.ID, &tg.InputPeerChat{ChatID: c.ID})
		}
	case *tg.PeerChannel:
		if c, ok := e.Channels[p.ChannelID]; ok {
			ev.Chat = &domain.RawChat{
				ID:        c.ID,
				Class:     domain.PeerChannel,
				Title:     c.Title,
				Username:  c.Username,
				Megagroup: c.Megagroup,
			}
			h.cachePeer(c.ID, &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: c.AccessHash})
		}
	}

	var chatID int64
	if ev.Chat != nil {
		chatID = ev.Chat.ID
	}
	ev.Message = h.convertMessage(m, chatID)
	ev.Sender = h.resolveSender(m, e)
	return ev
}

func (h *handle) resolveSender(m *tg.Message, e tg.Entities) *domain.RawSender {
	if p, ok := m.FromID.(*tg.PeerUser); ok {
		if u, ok := e.Users[p.UserID]; ok {
			return &domain.RawSender{ID: u.ID, Username: u.Username, FirstName: u.FirstName}
		}
		return &domain.RawSender{ID: p.UserID}
	}

	// In direct chats FromID is often absent: the counterpart is the peer
	// for inbound messages, ourselves for outbound ones.
	if p, ok := m.PeerID.(*tg.PeerUser); ok && !m.Out {
		if u, ok := e.Users[p.UserID]; ok {
			return &domain.RawSender{ID: u.ID, Username: u.Username, FirstName: u.FirstName}
		}
	}
	if m.Out {
		h.mu.Lock()
		self := h.self
		h.mu.Unlock()
		if self != nil {
			return &domain.RawSender{ID: self.ID, Username: self.Username, FirstName: self.FirstName}
		}
	}

	// Channel broadcasts carry no user sender; the caller falls back to
	// the chat identity.
	if p, ok := m.PeerID.(*tg.PeerChannel); ok {
		if c, ok := e.Channels[p.ChannelID]; ok {
			return &domain.RawSender{ID: c.ID, Username: c.Username, FirstName: c.Title}
		}
	}
	return nil
}

func (h *handle) convertMessage(m *tg.Message, chatID int64) domain.RawMessage {
	if chatID == 0 {
		switch p := m.PeerID.(type) {
		case *tg.PeerUser:
			chatID = p.UserID
		case *tg.PeerChat:
			chatID = p.ChatID
		case *tg.PeerChannel:
			chatID = p.ChannelID
		}
	}

	var senderID int64
	if p, ok := m.FromID.(*tg.PeerUser); ok {
		senderID = p.UserID
	}

	return domain.RawMessage{
		ID:       m.ID,
		ChatID:   chatID,
		SenderID: senderID,
		Text:     m.Message,
		Date:     time.Unix(int64(m.Date), 0).UTC(),
		Out:      m.Out,
	}
}
