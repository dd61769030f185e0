package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sentinelhq/tgsentinel/internal/domain"
	"github.com/sentinelhq/tgsentinel/internal/notify"
	"github.com/sentinelhq/tgsentinel/internal/rules"
	"github.com/sentinelhq/tgsentinel/internal/store"
	"github.com/sentinelhq/tgsentinel/internal/transport"
)

type fakeTransport struct {
	mu         sync.Mutex
	handle     *fakeHandle
	connects   int
	forgotten  []string
	blockPhone string
	blockCh    chan struct{}
}

func (t *fakeTransport) Connect(ctx context.Context, phone string, pr *transport.Proxy) (transport.Handle, error) {
	t.mu.Lock()
	t.connects++
	h := t.handle
	block := t.blockCh
	blocked := block != nil && phone == t.blockPhone
	t.mu.Unlock()

	if blocked {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h, nil
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *fakeTransport) setHandle(h *fakeHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handle = h
}

func (t *fakeTransport) Forget(phone string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forgotten = append(t.forgotten, phone)
	return nil
}

type forwardCall struct {
	fromChat  int64
	messageID int
	toChat    int64
}

type fakeHandle struct {
	mu              sync.Mutex
	authorized      bool
	challenge       string
	identity        transport.Identity
	requirePassword bool
	events          chan transport.Event
	history         map[int64][]domain.RawMessage
	historyErr      map[int64]error
	dialogs         []domain.RawChat
	forwards        []forwardCall
	subscribes      int
	closed          bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		challenge: "challenge-1",
		identity:  transport.Identity{Phone: "+15551234567", Username: "watcher", FirstName: "Watcher"},
		events:    make(chan transport.Event, 16),
		history:   make(map[int64][]domain.RawMessage),
	}
}

func (h *fakeHandle) RequestCode(ctx context.Context) (string, error) {
	return h.challenge, nil
}

func (h *fakeHandle) CompleteAuth(ctx context.Context, code, password string) (transport.Identity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.requirePassword && password == "" {
		return transport.Identity{}, transport.ErrPasswordRequired
	}
	h.authorized = true
	return h.identity, nil
}

func (h *fakeHandle) Authorized(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authorized, nil
}

func (h *fakeHandle) Self(ctx context.Context) (transport.Identity, error) {
	return h.identity, nil
}

func (h *fakeHandle) Subscribe(ctx context.Context) (<-chan transport.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribes++
	return h.events, nil
}

func (h *fakeHandle) IterDialogs(ctx context.Context, fn func(domain.RawChat) error) error {
	for _, d := range h.dialogs {
		if err := fn(d); err != nil {
			if errors.Is(err, transport.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (h *fakeHandle) IterHistory(ctx context.Context, chatID int64, since time.Time, fn func(domain.RawMessage) error) error {
	if err := h.historyErr[chatID]; err != nil {
		return err
	}
	for _, m := range h.history[chatID] {
		if err := fn(m); err != nil {
			if errors.Is(err, transport.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (h *fakeHandle) Forward(ctx context.Context, fromChat int64, messageID int, toChat int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwards = append(h.forwards, forwardCall{fromChat, messageID, toChat})
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

type dispatchCall struct {
	userID  uint64
	eventID uint64
	text    string
}

type recordDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (d *recordDispatcher) Dispatch(ctx context.Context, userID, eventID uint64, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, dispatchCall{userID, eventID, text})
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *fakeTransport, *fakeHandle, *recordDispatcher) {
	t.Helper()

	dsn := fmt.Sprintf("file:engine_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	st, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	h := newFakeHandle()
	tr := &fakeTransport{handle: h}
	d := &recordDispatcher{}
	return NewRegistry(zap.NewNop(), st, tr, d), st, tr, h, d
}

func seedUser(t *testing.T, st *store.Store, u *store.User) *store.User {
	t.Helper()
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func seedAccount(t *testing.T, st *store.Store, phone string, ownerID uint64) {
	t.Helper()
	err := st.CreateAccount(context.Background(), &store.Account{ID: phone, Active: true, CreatedBy: ownerID})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func TestAuthenticationFlow(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	user := seedUser(t, st, &store.User{Username: "owner"})

	challenge, err := r.RequestAuthentication(ctx, "+15551234567", user.ID)
	if err != nil {
		t.Fatalf("request authentication: %v", err)
	}
	if challenge != "challenge-1" {
		t.Fatalf("challenge = %q, want challenge-1", challenge)
	}

	id, err := r.SubmitCredential(ctx, "+15551234567", "12345", "")
	if err != nil {
		t.Fatalf("submit credential: %v", err)
	}
	if id.Username != "watcher" {
		t.Fatalf("identity username = %q, want watcher", id.Username)
	}

	acc, err := st.GetAccount(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("account not created: %v", err)
	}
	if !acc.Active {
		t.Fatalf("account not active")
	}
	if acc.CreatedBy != user.ID {
		t.Fatalf("account owner = %d, want %d", acc.CreatedBy, user.ID)
	}

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.subscribes == 1
	})
	r.Shutdown(ctx)
}

func TestRequestAuthenticationRejectsExisting(t *testing.T) {
	r, st, _, _, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAccount(t, st, "+15551234567", 1)

	if _, err := r.RequestAuthentication(ctx, "+15551234567", 1); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("err = %v, want ErrAccountExists", err)
	}
}

func TestSubmitCredentialWithoutPending(t *testing.T) {
	r, _, _, _, _ := newTestRegistry(t)

	_, err := r.SubmitCredential(context.Background(), "+15550000000", "12345", "")
	if !errors.Is(err, ErrNoPendingAuth) {
		t.Fatalf("err = %v, want ErrNoPendingAuth", err)
	}
}

func TestSubmitCredentialPasswordRequired(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	user := seedUser(t, st, &store.User{Username: "owner"})
	h.requirePassword = true

	if _, err := r.RequestAuthentication(ctx, "+15551234567", user.ID); err != nil {
		t.Fatalf("request authentication: %v", err)
	}

	_, err := r.SubmitCredential(ctx, "+15551234567", "12345", "")
	if !errors.Is(err, transport.ErrPasswordRequired) {
		t.Fatalf("err = %v, want ErrPasswordRequired", err)
	}

	// The flow stays pending; resubmitting with the password succeeds.
	if _, err := r.SubmitCredential(ctx, "+15551234567", "", "hunter2"); err != nil {
		t.Fatalf("submit password: %v", err)
	}
	if _, err := st.GetAccount(ctx, "+15551234567"); err != nil {
		t.Fatalf("account not created: %v", err)
	}
	r.Shutdown(ctx)
}

func TestStartMonitoringIsIdempotent(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAccount(t, st, "+15551234567", 1)
	h.authorized = true

	if err := r.StartMonitoring(ctx, "+15551234567"); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}
	if err := r.StartMonitoring(ctx, "+15551234567"); err != nil {
		t.Fatalf("second start: %v", err)
	}

	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.subscribes >= 1
	})
	time.Sleep(20 * time.Millisecond)

	h.mu.Lock()
	n := h.subscribes
	h.mu.Unlock()
	if n != 1 {
		t.Fatalf("subscribes = %d, want 1", n)
	}
	r.Shutdown(ctx)
}

func TestStopMonitoringMarksInactive(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAccount(t, st, "+15551234567", 1)
	h.authorized = true

	if err := r.StartMonitoring(ctx, "+15551234567"); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}
	if err := r.StopMonitoring(ctx, "+15551234567"); err != nil {
		t.Fatalf("stop monitoring: %v", err)
	}

	acc, err := st.GetAccount(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.Active {
		t.Fatalf("account still active after stop")
	}

	// Stopping again is a no-op.
	if err := r.StopMonitoring(ctx, "+15551234567"); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestRemoveSessionForgetsCredentials(t *testing.T) {
	r, st, tr, h, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAccount(t, st, "+15551234567", 1)
	h.authorized = true

	if err := r.StartMonitoring(ctx, "+15551234567"); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}
	if err := r.RemoveSession(ctx, "+15551234567"); err != nil {
		t.Fatalf("remove session: %v", err)
	}

	if _, err := st.GetAccount(ctx, "+15551234567"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("account still present: %v", err)
	}
	tr.mu.Lock()
	forgotten := len(tr.forgotten)
	tr.mu.Unlock()
	if forgotten != 1 {
		t.Fatalf("forgotten sessions = %d, want 1", forgotten)
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if !closed {
		t.Fatalf("handle not closed")
	}
}

func TestBootstrapSessionsStartsActiveAccounts(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAccount(t, st, "+15551234567", 1)
	h.authorized = true

	if err := r.BootstrapSessions(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.subscribes == 1
	})
	r.Shutdown(ctx)
}

func groupEvent(chatID int64, msgID int, text string) transport.Event {
	return transport.Event{
		Message: domain.RawMessage{ID: msgID, ChatID: chatID, SenderID: 42, Text: text, Date: time.Now()},
		Chat:    &domain.RawChat{ID: chatID, Class: domain.PeerGroup, Title: "go-devs"},
		Sender:  &domain.RawSender{ID: 42, Username: "gopher", FirstName: "Gopher"},
	}
}

func TestHandleEventPersistsMessage(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	user := seedUser(t, st, &store.User{Username: "owner"})
	seedAccount(t, st, "+15551234567", user.ID)

	ev := groupEvent(100, 1, "hello\nworld")
	if err := r.handleEvent(ctx, "+15551234567", h, ev); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	chat, err := st.GetChat(ctx, 100)
	if err != nil {
		t.Fatalf("chat not created: %v", err)
	}
	if chat.Kind != "group" {
		t.Fatalf("chat kind = %q, want group", chat.Kind)
	}

	chats, err := st.ChatsForAccount(ctx, "+15551234567")
	if err != nil || len(chats) != 1 {
		t.Fatalf("memberships = %d (%v), want 1", len(chats), err)
	}

	msgs, err := st.MessagesInWindow(ctx, 100, "+15551234567",
		time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil || len(msgs) != 1 {
		t.Fatalf("messages = %d (%v), want 1", len(msgs), err)
	}
	if msgs[0].Text != "helloworld" {
		t.Fatalf("text = %q, want newline stripped", msgs[0].Text)
	}
	if msgs[0].SenderUsername != "gopher" {
		t.Fatalf("sender = %q, want gopher", msgs[0].SenderUsername)
	}
}

func TestHandleEventDrops(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	user := seedUser(t, st, &store.User{Username: "owner"})
	seedAccount(t, st, "+15551234567", user.ID)

	noChat := groupEvent(100, 1, "hi")
	noChat.Chat = nil
	noSender := groupEvent(100, 2, "hi")
	noSender.Sender = nil
	empty := groupEvent(100, 3, "\n\n")

	for _, ev := range []transport.Event{noChat, noSender, empty} {
		if err := r.handleEvent(ctx, "+15551234567", h, ev); err != nil {
			t.Fatalf("handle event: %v", err)
		}
	}

	msgs, err := st.MessagesInWindow(ctx, 100, "+15551234567",
		time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %d, want 0", len(msgs))
	}
}

func TestHandleEventDispatchesNotification(t *testing.T) {
	r, st, _, h, d := newTestRegistry(t)
	ctx := context.Background()
	user := seedUser(t, st, &store.User{Username: "owner", NotificationsEnabled: true})
	seedAccount(t, st, "+15551234567", user.ID)

	err := st.CreateEvent(ctx, &store.Event{UserID: user.ID, Content: store.StringList{"deploy"}})
	if err != nil {
		t.Fatalf("create event rule: %v", err)
	}

	if err := r.handleEvent(ctx, "+15551234567", h, groupEvent(100, 1, "deploy finished")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	d.mu.Lock()
	calls := len(d.calls)
	var text string
	if calls > 0 {
		text = d.calls[0].text
	}
	d.mu.Unlock()
	if calls != 1 {
		t.Fatalf("dispatches = %d, want 1", calls)
	}
	if text != "<b>Event Triggered:</b> content match: deploy in message\n\n<b>Message:</b>\n[gopher]: deploy finished" {
		t.Fatalf("unexpected notification text: %q", text)
	}

	ns, err := st.NotificationsByUser(ctx, user.ID)
	if err != nil || len(ns) != 1 {
		t.Fatalf("notifications = %d (%v), want 1", len(ns), err)
	}

	evs, err := st.EventsByUser(ctx, user.ID)
	if err != nil || len(evs) != 1 {
		t.Fatalf("events: %v", err)
	}
	if evs[0].TriggerCount != 1 {
		t.Fatalf("trigger count = %d, want 1", evs[0].TriggerCount)
	}
}

func TestHandleEventUnreachableRecipient(t *testing.T) {
	r, st, _, h, d := newTestRegistry(t)
	ctx := context.Background()
	user := seedUser(t, st, &store.User{Username: "owner", NotificationsEnabled: true})
	seedAccount(t, st, "+15551234567", user.ID)
	d.err = notify.ErrRecipientUnreachable

	err := st.CreateEvent(ctx, &store.Event{UserID: user.ID, Content: store.StringList{"deploy"}})
	if err != nil {
		t.Fatalf("create event rule: %v", err)
	}

	if err := r.handleEvent(ctx, "+15551234567", h, groupEvent(100, 1, "deploy finished")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	fresh, err := st.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if fresh.NotificationsEnabled {
		t.Fatalf("notifications still enabled")
	}

	ns, err := st.NotificationsByUser(ctx, user.ID)
	if err != nil || len(ns) != 2 {
		t.Fatalf("notifications = %d (%v), want 2", len(ns), err)
	}
	if ns[0].Text != "You have blocked bot for notifications." {
		t.Fatalf("fallback text = %q", ns[0].Text)
	}
}

func TestHandleEventScrapeForward(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	user := seedUser(t, st, &store.User{
		Username:          "owner",
		ScrapeForwardMode: true,
		TargetChats:       "111, 222",
	})
	seedAccount(t, st, "+15551234567", user.ID)

	err := st.CreateFilter(ctx, &store.Filter{
		UserID:           user.ID,
		Content:          store.StringList{"deploy"},
		ScrapeAndForward: true,
	})
	if err != nil {
		t.Fatalf("create filter: %v", err)
	}

	if err := r.handleEvent(ctx, "+15551234567", h, groupEvent(100, 7, "deploy finished")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	h.mu.Lock()
	forwards := append([]forwardCall(nil), h.forwards...)
	h.mu.Unlock()
	if len(forwards) != 2 {
		t.Fatalf("forwards = %d, want 2", len(forwards))
	}
	want := []forwardCall{{100, 7, 111}, {100, 7, 222}}
	for i := range want {
		if forwards[i] != want[i] {
			t.Fatalf("forward[%d] = %+v, want %+v", i, forwards[i], want[i])
		}
	}

	fs, err := st.FiltersByUser(ctx, user.ID)
	if err != nil || len(fs) != 1 {
		t.Fatalf("filters: %v", err)
	}
	if fs[0].TriggerCount != 1 {
		t.Fatalf("trigger count = %d, want 1", fs[0].TriggerCount)
	}
}

func seedReconcileChat(t *testing.T, st *store.Store, phone string, chatID int64, texts map[int]string) {
	t.Helper()
	ctx := context.Background()

	_, _, err := st.EnsureChat(ctx, store.Chat{ID: chatID, Title: "watched", Kind: "group"})
	if err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	if err := st.AddAccountToChat(ctx, chatID, phone); err != nil {
		t.Fatalf("add membership: %v", err)
	}
	for id, text := range texts {
		err := st.CreateMessage(ctx, &store.Message{
			MessageID: id,
			ChatID:    chatID,
			ChatTitle: "watched",
			AccountID: phone,
			SenderID:  42,
			Text:      text,
		})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
	}
}

func TestReconcileDetectsDeletionsAndEdits(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	user := seedUser(t, st, &store.User{Username: "owner"})
	seedAccount(t, st, "+15551234567", user.ID)
	h.authorized = true

	seedReconcileChat(t, st, "+15551234567", 100, map[int]string{1: "hi", 2: "bye"})
	h.history[100] = []domain.RawMessage{
		{ID: 2, ChatID: 100, Text: "bye-edited", Date: time.Now()},
	}

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	report, err := r.Reconcile(ctx, "+15551234567", nil, start, end, nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(report.Failed) != 0 {
		t.Fatalf("failed chats: %v", report.Failed)
	}
	if got := report.Deleted[100]; len(got) != 1 || got[0].MessageID != 1 || !got[0].IsDeleted {
		t.Fatalf("deleted = %+v, want message 1 marked deleted", got)
	}
	mod := report.Modified[100]
	if len(mod) != 1 || mod[0].MessageID != 2 {
		t.Fatalf("modified = %+v, want message 2", mod)
	}
	if mod[0].Text != "bye-edited" || mod[0].BeforeUpdateText != "bye" || !mod[0].IsUpdated {
		t.Fatalf("edit record = %+v", mod[0])
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	user := seedUser(t, st, &store.User{Username: "owner"})
	seedAccount(t, st, "+15551234567", user.ID)
	h.authorized = true

	seedReconcileChat(t, st, "+15551234567", 100, map[int]string{1: "hi", 2: "bye"})
	h.history[100] = []domain.RawMessage{
		{ID: 2, ChatID: 100, Text: "bye-edited", Date: time.Now()},
	}

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	if _, err := r.Reconcile(ctx, "+15551234567", nil, start, end, nil); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	report, err := r.Reconcile(ctx, "+15551234567", nil, start, end, nil)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(report.Deleted[100]) != 0 || len(report.Modified[100]) != 0 {
		t.Fatalf("second pass not a no-op: deleted=%d modified=%d",
			len(report.Deleted[100]), len(report.Modified[100]))
	}
}

func TestReconcileRespectsFilters(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	user := seedUser(t, st, &store.User{Username: "owner"})
	seedAccount(t, st, "+15551234567", user.ID)
	h.authorized = true

	// Only messages mentioning "keep" are in scope; the other deleted
	// message must survive untouched.
	criteria := []rules.Criteria{{Content: []string{"keep"}}}
	seedReconcileChat(t, st, "+15551234567", 100, map[int]string{1: "keep me", 2: "ignore me"})
	h.history[100] = nil

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	report, err := r.Reconcile(ctx, "+15551234567", nil, start, end, criteria)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if got := report.Deleted[100]; len(got) != 1 || got[0].MessageID != 1 {
		t.Fatalf("deleted = %+v, want only message 1", got)
	}
}

func TestReconcileIsolatesChatFailures(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	user := seedUser(t, st, &store.User{Username: "owner"})
	seedAccount(t, st, "+15551234567", user.ID)
	h.authorized = true

	seedReconcileChat(t, st, "+15551234567", 100, map[int]string{1: "hi"})
	seedReconcileChat(t, st, "+15551234567", 200, map[int]string{5: "there"})
	h.historyErr = map[int64]error{100: errors.New("flood wait")}
	h.history[200] = nil

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	report, err := r.Reconcile(ctx, "+15551234567", nil, start, end, nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, ok := report.Failed[100]; !ok {
		t.Fatalf("chat 100 not reported failed")
	}
	if got := report.Deleted[200]; len(got) != 1 || got[0].MessageID != 5 {
		t.Fatalf("deleted = %+v, want message 5 from healthy chat", got)
	}
}

func TestImportChats(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAccount(t, st, "+15551234567", 1)
	h.dialogs = []domain.RawChat{
		{ID: 100, Class: domain.PeerGroup, Title: "go-devs"},
		{ID: 200, Class: domain.PeerChannel, Title: "announcements", Username: "ann"},
		{ID: 300, Class: domain.PeerUnknown},
	}

	if err := r.importChats(ctx, "+15551234567", h); err != nil {
		t.Fatalf("import chats: %v", err)
	}

	chats, err := st.ChatsForAccount(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("chats for account: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("chats = %d, want 2 (unknown entity skipped)", len(chats))
	}
}

func TestAcquireHandleDoesNotBlockOtherAccounts(t *testing.T) {
	r, st, tr, h, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAccount(t, st, "+15551111111", 1)
	seedAccount(t, st, "+15552222222", 1)
	h.authorized = true

	if err := r.StartMonitoring(ctx, "+15552222222"); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}

	// Wedge the first account's connect; operations on the second account
	// must still go through.
	tr.mu.Lock()
	tr.blockPhone = "+15551111111"
	tr.blockCh = make(chan struct{})
	tr.mu.Unlock()
	defer close(tr.blockCh)

	before := tr.connectCount()
	go r.AcquireHandle(ctx, "+15551111111")
	waitFor(t, func() bool { return tr.connectCount() > before })

	stopped := make(chan error, 1)
	go func() { stopped <- r.StopMonitoring(ctx, "+15552222222") }()

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop monitoring: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("stop of unrelated account blocked behind a pending connect")
	}
}

func TestStartMonitoringReconnectsAfterStreamClose(t *testing.T) {
	r, st, tr, h, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAccount(t, st, "+15551234567", 1)
	h.authorized = true

	if err := r.StartMonitoring(ctx, "+15551234567"); err != nil {
		t.Fatalf("start monitoring: %v", err)
	}
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.subscribes == 1
	})
	first := tr.connectCount()

	// Transport dies: the stream closes, the monitor exits and the dead
	// handle must leave the session table.
	close(h.events)
	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, monitoring := r.monitors["+15551234567"]
		_, cached := r.sessions["+15551234567"]
		return !monitoring && !cached
	})

	h2 := newFakeHandle()
	h2.authorized = true
	tr.setHandle(h2)

	if err := r.StartMonitoring(ctx, "+15551234567"); err != nil {
		t.Fatalf("restart monitoring: %v", err)
	}
	waitFor(t, func() bool {
		h2.mu.Lock()
		defer h2.mu.Unlock()
		return h2.subscribes == 1
	})
	if got := tr.connectCount(); got != first+1 {
		t.Fatalf("connects = %d, want %d (restart must reconnect)", got, first+1)
	}
	r.Shutdown(ctx)
}

func TestAcquireHandleReplacesStaleHandle(t *testing.T) {
	r, st, tr, h, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAccount(t, st, "+15551234567", 1)
	h.authorized = true

	if _, err := r.AcquireHandle(ctx, "+15551234567"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// The cached connection lost authorization; the next acquire must
	// detect it, close it and reconnect.
	h.mu.Lock()
	h.authorized = false
	h.mu.Unlock()
	h2 := newFakeHandle()
	h2.authorized = true
	tr.setHandle(h2)

	got, err := r.AcquireHandle(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if got != transport.Handle(h2) {
		t.Fatalf("stale handle was reused")
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if !closed {
		t.Fatalf("stale handle not closed")
	}
}

func TestReconcileScopedToRequestedChats(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	user := seedUser(t, st, &store.User{Username: "owner"})
	seedAccount(t, st, "+15551234567", user.ID)
	h.authorized = true

	seedReconcileChat(t, st, "+15551234567", 100, map[int]string{1: "hi"})
	seedReconcileChat(t, st, "+15551234567", 200, map[int]string{5: "there"})
	h.history[100] = nil
	h.history[200] = nil

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	report, err := r.Reconcile(ctx, "+15551234567", []int64{100, 999}, start, end, nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if got := report.Deleted[100]; len(got) != 1 || got[0].MessageID != 1 {
		t.Fatalf("deleted = %+v, want message 1 from requested chat", got)
	}
	if len(report.Deleted[200]) != 0 {
		t.Fatalf("chat 200 was reconciled but not requested")
	}
	if _, ok := report.Failed[999]; !ok {
		t.Fatalf("unknown requested chat 999 not reported failed")
	}

	// The unrequested chat's message is untouched.
	msgs, err := st.MessagesInWindow(ctx, 200, "+15551234567", start, end)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("messages in chat 200 = %d (%v), want 1", len(msgs), err)
	}
}

func TestBootstrapSessionsImportsChats(t *testing.T) {
	r, st, _, h, _ := newTestRegistry(t)
	ctx := context.Background()
	seedAccount(t, st, "+15551234567", 1)
	h.authorized = true
	h.dialogs = []domain.RawChat{
		{ID: 100, Class: domain.PeerGroup, Title: "go-devs"},
		{ID: 200, Class: domain.PeerChannel, Title: "announcements", Username: "ann"},
	}

	if err := r.BootstrapSessions(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	chats, err := st.ChatsForAccount(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("chats for account: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("chats = %d, want 2 imported on bootstrap", len(chats))
	}
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.subscribes == 1
	})
	r.Shutdown(ctx)
}
