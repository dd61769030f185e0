// Package engine orchestrates account sessions: authentication, live
// monitoring, rule evaluation and history reconciliation. All state lives in
// an injectable Registry so tests can run several isolated instances.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sentinelhq/tgsentinel/internal/geo"
	"github.com/sentinelhq/tgsentinel/internal/notify"
	"github.com/sentinelhq/tgsentinel/internal/store"
	"github.com/sentinelhq/tgsentinel/internal/transport"
)

// Registry tracks every live connection, pending authentication flow and
// monitoring task, keyed by phone number.
type Registry struct {
	log       *zap.Logger
	store     *store.Store
	transport transport.Transport
	notifier  notify.Dispatcher

	defaultLocation string

	mu       sync.Mutex // guards the maps below only, never held across I/O
	locks    map[string]*sync.Mutex
	sessions map[string]transport.Handle
	pending  map[string]*pendingAuth
	monitors map[string]*monitorTask
}

type pendingAuth struct {
	handle    transport.Handle
	challenge string
	proxyID   *uint64
	ownerID   uint64
}

type monitorTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry builds a registry over its collaborators.
func NewRegistry(log *zap.Logger, st *store.Store, tr transport.Transport, n notify.Dispatcher) *Registry {
	return &Registry{
		log:       log.Named("engine"),
		store:     st,
		transport: tr,
		notifier:  n,
		locks:     make(map[string]*sync.Mutex),
		sessions:  make(map[string]transport.Handle),
		pending:   make(map[string]*pendingAuth),
		monitors:  make(map[string]*monitorTask),
	}
}

// RequestAuthentication starts registering a new account: it allocates a
// proxy in the phone number's country, opens a connection through it and asks
// the network for a login code. The returned challenge is empty when the
// stored session is already authorized and no code is needed.
func (r *Registry) RequestAuthentication(ctx context.Context, phone string, ownerID uint64) (string, error) {
	if _, err := r.store.GetAccount(ctx, phone); err == nil {
		return "", ErrAccountExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("check account: %w", err)
	}

	r.mu.Lock()
	if _, ok := r.pending[phone]; ok {
		r.mu.Unlock()
		return "", ErrAccountExists
	}
	r.mu.Unlock()

	proxyID, pr := r.allocateProxy(ctx, phone)

	h, err := r.transport.Connect(ctx, phone, pr)
	if err != nil {
		r.releaseProxy(ctx, proxyID)
		return "", fmt.Errorf("connect: %w", err)
	}

	authorized, err := h.Authorized(ctx)
	if err != nil {
		_ = h.Close()
		r.releaseProxy(ctx, proxyID)
		return "", err
	}
	if authorized {
		// Session material from a previous registration is still valid.
		if err := r.finalizeAccount(ctx, phone, h, proxyID, ownerID); err != nil {
			_ = h.Close()
			r.releaseProxy(ctx, proxyID)
			return "", err
		}
		return "", nil
	}

	challenge, err := h.RequestCode(ctx)
	if err != nil {
		_ = h.Close()
		r.releaseProxy(ctx, proxyID)
		if errors.Is(err, transport.ErrNumberBanned) || errors.Is(err, transport.ErrCodeUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("request code: %w", err)
	}

	r.mu.Lock()
	r.pending[phone] = &pendingAuth{handle: h, challenge: challenge, proxyID: proxyID, ownerID: ownerID}
	r.mu.Unlock()

	r.log.Info("authentication started", zap.String("phone", phone))
	return challenge, nil
}

// SetDefaultProxyLocation sets the proxy pool to fall back to when a phone
// number cannot be geolocated.
func (r *Registry) SetDefaultProxyLocation(location string) {
	r.defaultLocation = location
}

// allocateProxy picks a proxy matching the phone number's country, falling
// back to the default location. Accounts run without a proxy when no pool
// matches or the matching pool is exhausted.
func (r *Registry) allocateProxy(ctx context.Context, phone string) (*uint64, *transport.Proxy) {
	country, err := geo.CountryForPhoneNumber(phone)
	if err != nil {
		if r.defaultLocation == "" {
			r.log.Warn("cannot geolocate number, connecting directly",
				zap.String("phone", phone), zap.Error(err))
			return nil, nil
		}
		country = r.defaultLocation
	}

	p, err := r.store.AllocateProxy(ctx, country)
	if err != nil {
		if errors.Is(err, store.ErrNoProxy) {
			r.log.Warn("no proxy for country, connecting directly",
				zap.String("phone", phone), zap.String("country", country))
		} else {
			r.log.Error("proxy allocation failed", zap.String("phone", phone), zap.Error(err))
		}
		return nil, nil
	}

	return &p.ID, &transport.Proxy{
		Type:     p.Type,
		Host:     p.Host,
		Port:     p.Port,
		User:     p.Login,
		Password: p.Password,
	}
}

func (r *Registry) releaseProxy(ctx context.Context, proxyID *uint64) {
	if proxyID == nil {
		return
	}
	if err := r.store.ReleaseProxy(ctx, *proxyID); err != nil {
		r.log.Error("release proxy failed", zap.Uint64("proxy_id", *proxyID), zap.Error(err))
	}
}

// SubmitCredential finishes a pending authentication with a login code or,
// when the account has two-factor auth, a password. On ErrPasswordRequired
// the flow stays pending and the caller resubmits with the password.
func (r *Registry) SubmitCredential(ctx context.Context, phone, code, password string) (transport.Identity, error) {
	r.mu.Lock()
	p, ok := r.pending[phone]
	r.mu.Unlock()
	if !ok {
		return transport.Identity{}, ErrNoPendingAuth
	}

	id, err := p.handle.CompleteAuth(ctx, code, password)
	if err != nil {
		if errors.Is(err, transport.ErrPasswordRequired) {
			return transport.Identity{}, err
		}
		if errors.Is(err, transport.ErrNumberBanned) {
			r.abortPending(ctx, phone, p)
			return transport.Identity{}, err
		}
		// Wrong code or transient failure: keep the flow pending so the
		// user can retry.
		return transport.Identity{}, err
	}

	r.mu.Lock()
	delete(r.pending, phone)
	r.mu.Unlock()

	if err := r.finalizeAccount(ctx, phone, p.handle, p.proxyID, p.ownerID); err != nil {
		_ = p.handle.Close()
		r.releaseProxy(ctx, p.proxyID)
		return transport.Identity{}, err
	}

	r.log.Info("account authenticated",
		zap.String("phone", phone), zap.String("username", id.Username))
	return id, nil
}

func (r *Registry) abortPending(ctx context.Context, phone string, p *pendingAuth) {
	r.mu.Lock()
	delete(r.pending, phone)
	r.mu.Unlock()

	_ = p.handle.Close()
	r.releaseProxy(ctx, p.proxyID)
	if err := r.transport.Forget(phone); err != nil {
		r.log.Error("forget session failed", zap.String("phone", phone), zap.Error(err))
	}
}

// finalizeAccount records the freshly authorized account, imports its chat
// list and starts monitoring.
func (r *Registry) finalizeAccount(ctx context.Context, phone string, h transport.Handle, proxyID *uint64, ownerID uint64) error {
	id, err := h.Self(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	acc := &store.Account{
		ID:        phone,
		Username:  id.Username,
		Active:    true,
		ProxyID:   proxyID,
		CreatedBy: ownerID,
	}
	if err := r.store.CreateAccount(ctx, acc); err != nil {
		return fmt.Errorf("create account: %w", err)
	}

	r.mu.Lock()
	r.sessions[phone] = h
	r.mu.Unlock()

	if err := r.importChats(ctx, phone, h); err != nil {
		r.log.Error("chat import failed", zap.String("phone", phone), zap.Error(err))
	}
	return r.StartMonitoring(ctx, phone)
}

// accountLock returns the mutex serializing connection management for one
// account. Connects and authorization checks run under it, so concurrent
// callers for the same account share one reconnect while other accounts
// proceed independently.
func (r *Registry) accountLock(phone string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[phone]
	if !ok {
		l = &sync.Mutex{}
		r.locks[phone] = l
	}
	return l
}

// AcquireHandle returns a live, authorized connection for an account,
// reconnecting from stored session material when the cached handle is
// missing or stale.
func (r *Registry) AcquireHandle(ctx context.Context, phone string) (transport.Handle, error) {
	l := r.accountLock(phone)
	l.Lock()
	defer l.Unlock()
	return r.acquireHandle(ctx, phone)
}

// acquireHandle does the work of AcquireHandle. The caller holds the
// account lock; the registry mutex is only taken for map access, never
// across network calls.
func (r *Registry) acquireHandle(ctx context.Context, phone string) (transport.Handle, error) {
	r.mu.Lock()
	cached, ok := r.sessions[phone]
	r.mu.Unlock()
	if ok {
		authorized, err := cached.Authorized(ctx)
		if err == nil && authorized {
			return cached, nil
		}
		r.log.Warn("cached handle is stale, reconnecting",
			zap.String("phone", phone), zap.Error(err))
		r.dropSession(phone, cached)
	}

	acc, err := r.store.GetAccount(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	var pr *transport.Proxy
	if acc.ProxyID != nil {
		p, err := r.store.GetProxy(ctx, *acc.ProxyID)
		if err != nil {
			return nil, fmt.Errorf("load proxy: %w", err)
		}
		pr = &transport.Proxy{Type: p.Type, Host: p.Host, Port: p.Port, User: p.Login, Password: p.Password}
	}

	h, err := r.transport.Connect(ctx, phone, pr)
	if err != nil {
		r.log.Warn("connect failed, retrying", zap.String("phone", phone), zap.Error(err))
		h, err = r.transport.Connect(ctx, phone, pr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
	}

	authorized, err := h.Authorized(ctx)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	if !authorized {
		_ = h.Close()
		return nil, transport.ErrNotAuthorized
	}

	r.mu.Lock()
	r.sessions[phone] = h
	r.mu.Unlock()
	return h, nil
}

// dropSession evicts a handle from the session table and closes it. The
// identity check keeps a concurrent replacement from being evicted.
func (r *Registry) dropSession(phone string, h transport.Handle) {
	r.mu.Lock()
	if r.sessions[phone] == h {
		delete(r.sessions, phone)
	}
	r.mu.Unlock()
	_ = h.Close()
}

// StartMonitoring subscribes to the account's live event stream and runs the
// ingestion loop until stopped. Starting an already monitored account is a
// no-op.
func (r *Registry) StartMonitoring(ctx context.Context, phone string) error {
	l := r.accountLock(phone)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	if _, ok := r.monitors[phone]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	h, err := r.acquireHandle(ctx, phone)
	if err != nil {
		return err
	}

	// The monitor outlives the caller's request context.
	monCtx, cancel := context.WithCancel(context.Background())
	task := &monitorTask{cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.monitors[phone] = task
	r.mu.Unlock()

	if err := r.store.SetAccountActive(ctx, phone, true); err != nil {
		r.log.Error("mark account active failed", zap.String("phone", phone), zap.Error(err))
	}

	go r.runMonitor(monCtx, phone, h, task)
	r.log.Info("monitoring started", zap.String("phone", phone))
	return nil
}

func (r *Registry) runMonitor(ctx context.Context, phone string, h transport.Handle, task *monitorTask) {
	defer close(task.done)
	defer func() {
		r.mu.Lock()
		if r.monitors[phone] == task {
			delete(r.monitors, phone)
		}
		r.mu.Unlock()
	}()

	events, err := h.Subscribe(ctx)
	if err != nil {
		r.log.Error("subscribe failed", zap.String("phone", phone), zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// The connection is gone; evict the handle so the next
				// StartMonitoring reconnects instead of reusing it.
				r.log.Warn("event stream closed", zap.String("phone", phone))
				r.dropSession(phone, h)
				return
			}
			if err := r.handleEvent(ctx, phone, h, ev); err != nil {
				r.log.Error("event handling failed",
					zap.String("phone", phone),
					zap.Int64("chat_id", ev.Message.ChatID),
					zap.Error(err))
			}
		}
	}
}

// StopMonitoring cancels the account's monitor and waits for the loop to
// terminate. Stopping an unmonitored account is a no-op.
func (r *Registry) StopMonitoring(ctx context.Context, phone string) error {
	r.mu.Lock()
	task, ok := r.monitors[phone]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	task.cancel()
	select {
	case <-task.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := r.store.SetAccountActive(ctx, phone, false); err != nil {
		return fmt.Errorf("mark account inactive: %w", err)
	}
	r.log.Info("monitoring stopped", zap.String("phone", phone))
	return nil
}

// RemoveSession tears an account down completely: monitor, connection,
// proxy, stored session material and database records.
func (r *Registry) RemoveSession(ctx context.Context, phone string) error {
	if err := r.StopMonitoring(ctx, phone); err != nil {
		return err
	}

	r.mu.Lock()
	h, hadSession := r.sessions[phone]
	delete(r.sessions, phone)
	p, hadPending := r.pending[phone]
	delete(r.pending, phone)
	r.mu.Unlock()

	if hadSession {
		_ = h.Close()
	}
	if hadPending {
		_ = p.handle.Close()
		r.releaseProxy(ctx, p.proxyID)
	}

	acc, err := r.store.GetAccount(ctx, phone)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load account: %w", err)
	}
	r.releaseProxy(ctx, acc.ProxyID)

	if err := r.transport.Forget(phone); err != nil {
		r.log.Error("forget session failed", zap.String("phone", phone), zap.Error(err))
	}
	if err := r.store.DeleteAccountCascade(ctx, phone); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	r.log.Info("session removed", zap.String("phone", phone))
	return nil
}

// BootstrapSessions reconnects every account marked active, refreshes its
// chat list and starts monitoring. Individual failures are logged; the rest
// of the accounts still come up.
func (r *Registry) BootstrapSessions(ctx context.Context) error {
	accounts, err := r.store.ListActiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	for _, acc := range accounts {
		h, err := r.AcquireHandle(ctx, acc.ID)
		if err != nil {
			r.log.Error("bootstrap failed", zap.String("phone", acc.ID), zap.Error(err))
			continue
		}
		if err := r.importChats(ctx, acc.ID, h); err != nil {
			r.log.Error("chat import failed", zap.String("phone", acc.ID), zap.Error(err))
		}
		if err := r.StartMonitoring(ctx, acc.ID); err != nil {
			r.log.Error("bootstrap failed", zap.String("phone", acc.ID), zap.Error(err))
		}
	}
	return nil
}

// Shutdown stops every monitor and closes every connection. Accounts stay
// marked active so the next bootstrap resumes them.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	tasks := make(map[string]*monitorTask, len(r.monitors))
	for phone, t := range r.monitors {
		tasks[phone] = t
	}
	r.mu.Unlock()

	for phone, t := range tasks {
		t.cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
			r.log.Warn("monitor did not stop in time", zap.String("phone", phone))
		}
	}

	r.mu.Lock()
	handles := make([]transport.Handle, 0, len(r.sessions)+len(r.pending))
	for phone, h := range r.sessions {
		handles = append(handles, h)
		delete(r.sessions, phone)
	}
	for phone, p := range r.pending {
		handles = append(handles, p.handle)
		delete(r.pending, phone)
	}
	r.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}

	r.log.Info("registry shut down")
}
