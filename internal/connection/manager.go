// Package connection owns the session lifecycle of a single account.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	appErrors "github.com/unclebandit/groupcast/internal/errors"
	"github.com/unclebandit/groupcast/internal/fsm"
	"github.com/unclebandit/groupcast/internal/logger"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/platform"
)

type CredentialStore interface {
	Save(ctx context.Context, accountID string, blob []byte) error
	Load(ctx context.Context, accountID string) ([]byte, error)
	Delete(ctx context.Context, accountID string) error
}

type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}

type event string

const (
	evConnect         event = "connect"
	evHandshakeOK     event = "handshake_ok"
	evHandshakeFailed event = "handshake_failed"
	evTransportLost   event = "transport_lost"
	evResumed         event = "resumed"
	evResumeFailed    event = "resume_failed"
	evLogout          event = "logout"
	evReset           event = "reset"
)

type outcome int

const (
	outcomeConnected outcome = iota
	outcomeFailed
	outcomeLoggedOut
	outcomeCancelled
)

type Options struct {
	Dialer      platform.Dialer
	Credentials CredentialStore
	Policy      Policy
	Notifier    Notifier
	Logger      *slog.Logger
	PairingTTL  time.Duration
	Now         func() time.Time
}

type Manager struct {
	id        string
	name      string
	createdAt time.Time

	dialer   platform.Dialer
	store    CredentialStore
	policy   Policy
	notifier Notifier
	log      *slog.Logger
	pairTTL  time.Duration
	now      func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// credMu serializes credential writes against purges.
	credMu sync.Mutex

	mu          sync.Mutex
	machine     *fsm.Machine[model.AccountState, event]
	gen         uint64
	cancel      context.CancelFunc
	session     platform.Session
	credentials []byte
	credsLoaded bool
	retryCount  int
	backoff     retry.Backoff
	lastErr     error
	pairCode    string
	pairExpires time.Time
	changed     chan struct{}
	closed      bool
}

func NewManager(account model.Account, o Options) *Manager {
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Policy.MaxRetries < 1 {
		o.Policy.MaxRetries = 1
	}
	if o.Policy.NewBackoff == nil {
		o.Policy.NewBackoff = BackoffFactory("exponential", time.Second, time.Minute, 0)
	}
	m := &Manager{
		id:        account.ID,
		name:      account.Name,
		createdAt: account.CreatedAt,
		dialer:    o.Dialer,
		store:     o.Credentials,
		policy:    o.Policy,
		notifier:  o.Notifier,
		log:       o.Logger.With(logger.Component("connection"), logger.AccountID(account.ID)),
		pairTTL:   o.PairingTTL,
		now:       o.Now,
		changed:   make(chan struct{}),
	}
	m.baseCtx, m.baseCancel = context.WithCancel(context.Background())
	m.machine = m.buildMachine()
	return m
}

func (m *Manager) buildMachine() *fsm.Machine[model.AccountState, event] {
	type act = fsm.Action[model.AccountState]
	resetRetries := act(func(_, _ model.AccountState) error { m.retryCount = 0; return nil })
	bumpRetries := act(func(_, _ model.AccountState) error { m.retryCount++; return nil })
	teardown := act(func(_, _ model.AccountState) error { m.teardownLocked(); return nil })
	underCap := func() bool { return m.retryCount < m.policy.MaxRetries }

	sm := fsm.New[model.AccountState, event](model.AccountUnlinked)
	add := func(from model.AccountState, ev event, to model.AccountState, guards []fsm.Guard, actions ...act) {
		sm.Add(fsm.Transition[model.AccountState, event]{From: from, To: to, Event: ev, Guards: guards, Actions: actions})
	}

	add(model.AccountUnlinked, evConnect, model.AccountLinking, nil, resetRetries)
	add(model.AccountLoggedOut, evConnect, model.AccountLinking, nil, resetRetries)
	add(model.AccountLinking, evHandshakeOK, model.AccountConnected, nil, resetRetries)
	// Linking has no edge to Reconnecting: a failed first pairing is never retried.
	add(model.AccountLinking, evHandshakeFailed, model.AccountUnlinked, nil, teardown)
	add(model.AccountConnected, evTransportLost, model.AccountReconnecting, nil, bumpRetries)
	add(model.AccountReconnecting, evResumed, model.AccountConnected, nil, resetRetries)
	add(model.AccountReconnecting, evResumeFailed, model.AccountReconnecting, []fsm.Guard{underCap}, bumpRetries)
	add(model.AccountReconnecting, evResumeFailed, model.AccountLoggedOut, nil, teardown)
	for _, s := range []model.AccountState{model.AccountUnlinked, model.AccountLinking, model.AccountConnected, model.AccountReconnecting, model.AccountLoggedOut} {
		add(s, evLogout, model.AccountLoggedOut, nil, teardown)
	}
	for _, s := range []model.AccountState{model.AccountConnected, model.AccountReconnecting, model.AccountLoggedOut} {
		add(s, evReset, model.AccountUnlinked, nil, teardown, resetRetries)
	}

	sm.OnChange(m.onTransition)
	return sm
}

func (m *Manager) ID() string { return m.id }

// Restore loads stored credentials without connecting.
func (m *Manager) Restore(ctx context.Context) error {
	blob, err := m.store.Load(ctx, m.id)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials = blob
	m.credsLoaded = true
	return nil
}

// RequestConnect starts a handshake, or returns the live session when already connected.
// A nil session with a nil error means the handshake is in progress; use State or
// WaitFor to observe the outcome.
func (m *Manager) RequestConnect(ctx context.Context) (platform.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, appErrors.NewAccountNotFound(m.id)
	}
	switch m.machine.Current() {
	case model.AccountLinking:
		return nil, appErrors.ErrAlreadyLinking
	case model.AccountConnected:
		if m.session != nil {
			return m.session, nil
		}
	case model.AccountReconnecting:
		if _, err := m.machine.Fire(evReset); err != nil {
			return nil, err
		}
	}

	if !m.credsLoaded {
		blob, err := m.store.Load(ctx, m.id)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		m.credentials, m.credsLoaded = blob, true
	}
	if _, err := m.machine.Fire(evConnect); err != nil {
		return nil, err
	}
	m.lastErr = nil
	m.startLocked()
	return nil, nil
}

// RequestLogout always ends in LoggedOut and purges the session and stored credentials.
func (m *Manager) RequestLogout(ctx context.Context) error {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	if _, err := m.machine.Fire(evLogout); err != nil {
		m.mu.Unlock()
		return err
	}
	m.credentials, m.credsLoaded = nil, true
	m.mu.Unlock()

	if sess != nil {
		if err := sess.Logout(ctx); err != nil {
			m.log.Warn("⚠️ platform logout failed", logger.Error(err))
		}
		_ = sess.Close()
	}
	return m.purge(ctx)
}

// Reset takes the explicit edge back to Unlinked, dropping the session and credentials
// so the next connect starts a fresh pairing.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	switch m.machine.Current() {
	case model.AccountUnlinked:
		m.mu.Unlock()
		return nil
	case model.AccountLinking:
		if _, err := m.machine.Fire(evHandshakeFailed); err != nil {
			m.mu.Unlock()
			return err
		}
	default:
		if _, err := m.machine.Fire(evReset); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.credentials, m.credsLoaded = nil, true
	m.mu.Unlock()
	return m.purge(ctx)
}

// Shutdown severs the live session without a platform logout. The manager refuses
// further connects afterwards. Credentials are deleted when purge is set.
func (m *Manager) Shutdown(ctx context.Context, purge bool) error {
	m.mu.Lock()
	m.closed = true
	switch m.machine.Current() {
	case model.AccountLinking:
		_, _ = m.machine.Fire(evHandshakeFailed)
	case model.AccountConnected, model.AccountReconnecting, model.AccountLoggedOut:
		_, _ = m.machine.Fire(evReset)
	default:
		m.teardownLocked()
	}
	if purge {
		m.credentials = nil
	}
	m.baseCancel()
	m.mu.Unlock()

	if purge {
		return m.purge(ctx)
	}
	return nil
}

// State returns the current state and a channel closed at the next transition.
func (m *Manager) State() (model.AccountState, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Current(), m.changed
}

// Session returns the live handle. It is only valid while Connected.
func (m *Manager) Session() (platform.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.machine.Current() != model.AccountConnected || m.session == nil {
		return nil, appErrors.ErrAccountNotConnected
	}
	return m.session, nil
}

// WaitFor blocks until the account is in one of states.
func (m *Manager) WaitFor(ctx context.Context, states ...model.AccountState) (model.AccountState, error) {
	for {
		st, changed := m.State()
		if slices.Contains(states, st) {
			return st, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// PairCode returns the pending handshake payload while it is fresh.
func (m *Manager) PairCode() (string, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.machine.Current() != model.AccountLinking || m.pairCode == "" {
		return "", time.Time{}, false
	}
	if m.pairTTL > 0 && m.now().After(m.pairExpires) {
		return "", time.Time{}, false
	}
	return m.pairCode, m.pairExpires, true
}

func (m *Manager) Snapshot() model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := model.Account{
		ID:             m.id,
		Name:           m.name,
		State:          m.machine.Current(),
		RetryCount:     m.retryCount,
		HasCredentials: len(m.credentials) > 0,
		PairCode:       m.pairCode,
		CreatedAt:      m.createdAt,
	}
	if m.lastErr != nil {
		acc.LastError = m.lastErr.Error()
	}
	if m.pairCode != "" {
		exp := m.pairExpires
		acc.PairExpiresAt = &exp
	}
	return acc
}

func (m *Manager) startLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.cancel = cancel
	creds := slices.Clone(m.credentials)
	go m.run(ctx, gen, creds)
}

func (m *Manager) teardownLocked() {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}
	m.pairCode = ""
	m.pairExpires = time.Time{}
}

func (m *Manager) run(ctx context.Context, gen uint64, creds []byte) {
	sess, res, err := m.establish(ctx, gen, creds)
	switch res {
	case outcomeConnected:
		if !m.commit(gen, evHandshakeOK, nil) {
			return
		}
	case outcomeLoggedOut:
		if m.commit(gen, evHandshakeFailed, err) {
			m.dropCredentials(ctx)
		}
		return
	case outcomeCancelled:
		return
	default:
		m.commit(gen, evHandshakeFailed, err)
		return
	}

	for {
		reason, loggedOut := m.watch(ctx, gen, sess)
		if ctx.Err() != nil {
			return
		}
		if loggedOut {
			m.loggedOut(ctx, gen, reason)
			return
		}
		if !m.lost(gen, reason) {
			return
		}
		var ok bool
		if sess, ok = m.reconnect(ctx, gen); !ok {
			return
		}
	}
}

// establish dials and waits for the first decisive event, bounded by the handshake timeout.
func (m *Manager) establish(ctx context.Context, gen uint64, creds []byte) (platform.Session, outcome, error) {
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if m.policy.HandshakeTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, m.policy.HandshakeTimeout)
	}
	defer cancel()

	sess, err := m.dialer.Dial(hctx, m.id, creds)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, outcomeCancelled, ctx.Err()
		case errors.Is(err, platform.ErrLoggedOut):
			return nil, outcomeLoggedOut, fmt.Errorf("%w: %v", appErrors.ErrLoggedOut, err)
		case hctx.Err() != nil:
			return nil, outcomeFailed, appErrors.ErrHandshakeTimeout
		}
		return nil, outcomeFailed, fmt.Errorf("%w: %v", appErrors.ErrHandshakeFailed, err)
	}
	if !m.adopt(gen, sess) {
		_ = sess.Close()
		return nil, outcomeCancelled, nil
	}

	for {
		select {
		case <-hctx.Done():
			m.release(gen, sess)
			if ctx.Err() != nil {
				return nil, outcomeCancelled, ctx.Err()
			}
			return nil, outcomeFailed, appErrors.ErrHandshakeTimeout
		case ev, ok := <-sess.Events():
			if !ok {
				m.release(gen, sess)
				if ctx.Err() != nil {
					return nil, outcomeCancelled, ctx.Err()
				}
				return nil, outcomeFailed, fmt.Errorf("%w: session closed", appErrors.ErrHandshakeFailed)
			}
			switch ev.Kind {
			case platform.EventPairCode:
				m.setPairCode(gen, ev.PairCode)
			case platform.EventCredentials:
				m.saveCredentials(ctx, gen, ev.Credentials)
			case platform.EventConnected:
				return sess, outcomeConnected, nil
			case platform.EventDisconnected:
				m.release(gen, sess)
				if platform.ClassifyClose(ev.Reason) == platform.CloseLoggedOut {
					return nil, outcomeLoggedOut, fmt.Errorf("%w: %s", appErrors.ErrLoggedOut, ev.Reason)
				}
				return nil, outcomeFailed, fmt.Errorf("%w: %s", appErrors.ErrHandshakeFailed, ev.Reason)
			case platform.EventLoggedOut:
				m.release(gen, sess)
				return nil, outcomeLoggedOut, fmt.Errorf("%w: %s", appErrors.ErrLoggedOut, ev.Reason)
			}
		}
	}
}

// watch follows a connected session until the transport goes away.
func (m *Manager) watch(ctx context.Context, gen uint64, sess platform.Session) (reason string, loggedOut bool) {
	for {
		select {
		case <-ctx.Done():
			return "", false
		case ev, ok := <-sess.Events():
			if !ok {
				return "stream closed", false
			}
			switch ev.Kind {
			case platform.EventCredentials:
				m.saveCredentials(ctx, gen, ev.Credentials)
			case platform.EventDisconnected:
				return ev.Reason, platform.ClassifyClose(ev.Reason) == platform.CloseLoggedOut
			case platform.EventLoggedOut:
				return ev.Reason, true
			}
		}
	}
}

func (m *Manager) reconnect(ctx context.Context, gen uint64) (platform.Session, bool) {
	for {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return nil, false
		}
		delay, _ := m.backoff.Next()
		attempt := m.retryCount
		creds := slices.Clone(m.credentials)
		m.mu.Unlock()

		m.log.Info("🔄 reconnecting", logger.Attempt(attempt), logger.Duration(delay))
		if !sleep(ctx, delay) {
			return nil, false
		}

		sess, res, err := m.establish(ctx, gen, creds)
		switch res {
		case outcomeConnected:
			if !m.commit(gen, evResumed, nil) {
				_ = sess.Close()
				return nil, false
			}
			return sess, true
		case outcomeCancelled:
			return nil, false
		case outcomeLoggedOut:
			m.loggedOut(ctx, gen, err.Error())
			return nil, false
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return nil, false
		}
		m.lastErr = err
		to, ferr := m.machine.Fire(evResumeFailed)
		retries := m.retryCount
		m.mu.Unlock()

		if ferr != nil || to == model.AccountLoggedOut {
			m.log.Error("❌ reconnect attempts exhausted", logger.Attempt(retries), logger.Error(err))
			m.notify(model.Notification{
				Topic:   "account.fatal",
				Title:   "Reconnect attempts exhausted",
				Message: fmt.Sprintf("account %s gave up after %d attempts: %v", m.id, retries, err),
				Level:   model.LevelCritical,
			})
			return nil, false
		}
	}
}

func (m *Manager) adopt(gen uint64, sess platform.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	if m.session != nil && m.session != sess {
		_ = m.session.Close()
	}
	m.session = sess
	return true
}

func (m *Manager) release(gen uint64, sess platform.Session) {
	m.mu.Lock()
	if gen == m.gen && m.session == sess {
		m.session = nil
	}
	m.mu.Unlock()
	_ = sess.Close()
}

func (m *Manager) commit(gen uint64, ev event, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	if cause != nil {
		m.lastErr = cause
	}
	if _, err := m.machine.Fire(ev); err != nil {
		m.log.Error("❌ rejected transition", slog.String("event", string(ev)), logger.Error(err))
		return false
	}
	if ev == evHandshakeOK || ev == evResumed {
		m.pairCode = ""
		m.lastErr = nil
	}
	return true
}

func (m *Manager) lost(gen uint64, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}
	m.lastErr = fmt.Errorf("transport closed: %s", reason)
	m.backoff = m.policy.NewBackoff()
	if _, err := m.machine.Fire(evTransportLost); err != nil {
		m.log.Error("❌ rejected transition", slog.String("event", string(evTransportLost)), logger.Error(err))
		return false
	}
	return true
}

func (m *Manager) loggedOut(ctx context.Context, gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.lastErr = fmt.Errorf("%w: %s", appErrors.ErrLoggedOut, reason)
	if _, err := m.machine.Fire(evLogout); err != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.dropCredentials(ctx)
}

// dropCredentials forgets the stored session after the platform invalidated it.
func (m *Manager) dropCredentials(ctx context.Context) {
	m.mu.Lock()
	m.credentials, m.credsLoaded = nil, true
	m.mu.Unlock()
	if err := m.purge(context.WithoutCancel(ctx)); err != nil {
		m.log.Error("❌ failed to purge credentials", logger.Error(err))
	}
}

func (m *Manager) purge(ctx context.Context) error {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	if err := m.store.Delete(ctx, m.id); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// saveCredentials persists blob before the in-memory copy is replaced.
func (m *Manager) saveCredentials(ctx context.Context, gen uint64, blob []byte) {
	m.credMu.Lock()
	defer m.credMu.Unlock()

	m.mu.Lock()
	current := gen == m.gen
	m.mu.Unlock()
	if !current {
		return
	}
	if err := m.store.Save(context.WithoutCancel(ctx), m.id, blob); err != nil {
		m.log.Error("❌ failed to persist credentials", logger.Error(err))
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	if gen == m.gen {
		m.credentials, m.credsLoaded = slices.Clone(blob), true
	}
	m.mu.Unlock()
}

func (m *Manager) setPairCode(gen uint64, code string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.pairCode = code
	m.pairExpires = m.now().Add(m.pairTTL)
	exp := m.pairExpires
	m.mu.Unlock()

	m.notify(model.Notification{
		Topic:    "account.pairing",
		Title:    "Pairing code ready",
		Message:  fmt.Sprintf("scan the pairing code for account %s", m.id),
		Level:    model.LevelInfo,
		Metadata: map[string]any{"expires_at": exp},
	})
}

// onTransition runs with m.mu held.
func (m *Manager) onTransition(from, to model.AccountState, ev event) {
	close(m.changed)
	m.changed = make(chan struct{})

	attrs := []any{slog.String("from", string(from)), logger.State(to), slog.String("event", string(ev)), slog.Int("retry_count", m.retryCount)}
	level := model.LevelInfo
	switch to {
	case model.AccountConnected:
		level = model.LevelSuccess
		m.log.Info("✅ account connected", attrs...)
	case model.AccountReconnecting:
		level = model.LevelWarning
		m.log.Warn("⚠️ transport lost", append(attrs, logger.Error(m.lastErr))...)
	case model.AccountLoggedOut:
		level = model.LevelWarning
		m.log.Warn("🚪 account logged out", append(attrs, logger.Error(m.lastErr))...)
	default:
		m.log.Info("account state changed", attrs...)
	}

	meta := map[string]any{"from": from, "to": to, "event": string(ev), "retry_count": m.retryCount}
	if m.lastErr != nil {
		meta["error"] = m.lastErr.Error()
	}
	m.notify(model.Notification{
		Topic:    "account.state",
		Title:    "Account " + string(to),
		Message:  fmt.Sprintf("account %s moved from %s to %s", m.id, from, to),
		Level:    level,
		Metadata: meta,
	})
}

func (m *Manager) notify(n model.Notification) {
	if m.notifier == nil {
		return
	}
	n.ID = uuid.NewString()
	n.Source = "connection"
	n.AccountID = m.id
	n.Timestamp = m.now()
	m.notifier.Notify(m.baseCtx, n)
}

// sleep waits for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
