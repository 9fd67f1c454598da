package connection_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/groupcast/internal/connection"
	appErrors "github.com/unclebandit/groupcast/internal/errors"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/platform"
	"github.com/unclebandit/groupcast/internal/platform/loopback"
)

// --- fakes ---

type MockCredentialStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	saves int
}

func newStore() *MockCredentialStore {
	return &MockCredentialStore{blobs: map[string][]byte{}}
}

func (s *MockCredentialStore) Save(_ context.Context, id string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = append([]byte(nil), blob...)
	s.saves++
	return nil
}

func (s *MockCredentialStore) Load(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[id], nil
}

func (s *MockCredentialStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, id)
	return nil
}

func (s *MockCredentialStore) get(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[id]
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []model.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n model.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recordingNotifier) states() []model.AccountState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AccountState
	for _, n := range r.items {
		if n.Topic == "account.state" {
			out = append(out, n.Metadata["to"].(model.AccountState))
		}
	}
	return out
}

func (r *recordingNotifier) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.items {
		out = append(out, n.Topic)
	}
	return out
}

type fixture struct {
	net      *loopback.Network
	store    *MockCredentialStore
	notifier *recordingNotifier
	mgr      *connection.Manager
}

func newFixture(t *testing.T, policy connection.Policy) *fixture {
	t.Helper()
	f := &fixture{
		net:      loopback.New(loopback.WithGroups(3)),
		store:    newStore(),
		notifier: &recordingNotifier{},
	}
	f.mgr = connection.NewManager(model.Account{ID: "acc1", CreatedAt: time.Now()}, connection.Options{
		Dialer:      f.net,
		Credentials: f.store,
		Policy:      policy,
		Notifier:    f.notifier,
		PairingTTL:  time.Minute,
	})
	t.Cleanup(func() { _ = f.mgr.Shutdown(context.Background(), false) })
	return f
}

func fastPolicy(maxRetries int) connection.Policy {
	return connection.Policy{
		HandshakeTimeout: 2 * time.Second,
		MaxRetries:       maxRetries,
		NewBackoff:       connection.BackoffFactory("fixed", 5*time.Millisecond, 0, 0),
	}
}

func wait(t *testing.T, m *connection.Manager, states ...model.AccountState) model.AccountState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st, err := m.WaitFor(ctx, states...)
	require.NoError(t, err, "still %s", st)
	return st
}

func (f *fixture) link(t *testing.T) {
	t.Helper()
	sess, err := f.mgr.RequestConnect(context.Background())
	require.NoError(t, err)
	require.Nil(t, sess)
	require.Eventually(t, func() bool { return f.net.Pair("acc1") }, time.Second, 5*time.Millisecond)
	wait(t, f.mgr, model.AccountConnected)
}

// --- tests ---

func TestHandshakeSucceeds(t *testing.T) {
	f := newFixture(t, fastPolicy(5))

	st, _ := f.mgr.State()
	assert.Equal(t, model.AccountUnlinked, st)

	f.link(t)

	snap := f.mgr.Snapshot()
	assert.Equal(t, model.AccountConnected, snap.State)
	assert.Equal(t, 0, snap.RetryCount)
	assert.True(t, snap.HasCredentials)
	assert.NotEmpty(t, f.store.get("acc1"))

	sess, err := f.mgr.Session()
	require.NoError(t, err)
	again, err := f.mgr.RequestConnect(context.Background())
	require.NoError(t, err)
	assert.Same(t, sess, again)
}

func TestRequestConnectWhileLinking(t *testing.T) {
	f := newFixture(t, fastPolicy(5))

	_, err := f.mgr.RequestConnect(context.Background())
	require.NoError(t, err)
	_, err = f.mgr.RequestConnect(context.Background())
	require.ErrorIs(t, err, appErrors.ErrAlreadyLinking)
}

func TestPairCodeExposedWhileLinking(t *testing.T) {
	f := newFixture(t, fastPolicy(5))

	_, err := f.mgr.RequestConnect(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, _, ok := f.mgr.PairCode()
		return ok
	}, time.Second, 5*time.Millisecond)

	code, exp, _ := f.mgr.PairCode()
	assert.Contains(t, code, "acc1")
	assert.True(t, exp.After(time.Now()))
	assert.Contains(t, f.notifier.topics(), "account.pairing")
}

func TestTransportCloseWhileLinkingNeverReconnects(t *testing.T) {
	f := newFixture(t, fastPolicy(5))

	_, err := f.mgr.RequestConnect(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, _, ok := f.mgr.PairCode()
		return ok
	}, time.Second, 5*time.Millisecond)

	require.True(t, f.net.Drop("acc1", "connection reset"))
	wait(t, f.mgr, model.AccountUnlinked)

	time.Sleep(30 * time.Millisecond)
	assert.NotContains(t, f.notifier.states(), model.AccountReconnecting)
	assert.Equal(t, 1, f.net.Dials("acc1"))

	snap := f.mgr.Snapshot()
	assert.Equal(t, model.AccountUnlinked, snap.State)
	assert.Contains(t, snap.LastError, appErrors.ErrHandshakeFailed.Error())
}

func TestHandshakeTimeout(t *testing.T) {
	policy := fastPolicy(5)
	policy.HandshakeTimeout = 40 * time.Millisecond
	f := newFixture(t, policy)

	_, err := f.mgr.RequestConnect(context.Background())
	require.NoError(t, err)
	wait(t, f.mgr, model.AccountUnlinked)

	assert.Equal(t, appErrors.ErrHandshakeTimeout.Error(), f.mgr.Snapshot().LastError)
	assert.NotContains(t, f.notifier.states(), model.AccountReconnecting)
}

func TestTransportLossEntersReconnecting(t *testing.T) {
	policy := fastPolicy(5)
	policy.NewBackoff = connection.BackoffFactory("fixed", time.Hour, 0, 0)
	f := newFixture(t, policy)
	f.link(t)

	require.True(t, f.net.Drop("acc1", "connection reset"))
	wait(t, f.mgr, model.AccountReconnecting)

	snap := f.mgr.Snapshot()
	assert.Equal(t, 1, snap.RetryCount)
	_, err := f.mgr.Session()
	require.ErrorIs(t, err, appErrors.ErrAccountNotConnected)
}

func TestReconnectResumes(t *testing.T) {
	f := newFixture(t, fastPolicy(5))
	f.link(t)

	require.True(t, f.net.Drop("acc1", "connection reset"))
	require.Eventually(t, func() bool { return f.net.Dials("acc1") == 2 }, time.Second, 5*time.Millisecond)
	wait(t, f.mgr, model.AccountConnected)

	assert.Equal(t, 0, f.mgr.Snapshot().RetryCount)
	assert.Contains(t, f.notifier.states(), model.AccountReconnecting)
}

func TestReconnectExhaustion(t *testing.T) {
	f := newFixture(t, fastPolicy(3))
	f.link(t)

	f.net.OnDial(func(string, []byte) error { return platform.ErrUnavailable })
	require.True(t, f.net.Drop("acc1", "connection reset"))
	wait(t, f.mgr, model.AccountLoggedOut)

	// one pairing dial plus exactly maxRetries resume attempts
	assert.Equal(t, 4, f.net.Dials("acc1"))
	assert.Contains(t, f.notifier.topics(), "account.fatal")
	assert.NotEmpty(t, f.store.get("acc1"), "credentials survive a network outage")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, f.net.Dials("acc1"))
}

func TestPlatformLogoutPurgesCredentials(t *testing.T) {
	f := newFixture(t, fastPolicy(5))
	f.link(t)

	f.net.Revoke("acc1")
	wait(t, f.mgr, model.AccountLoggedOut)

	assert.Eventually(t, func() bool { return f.store.get("acc1") == nil }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.net.Dials("acc1"))
}

func TestLogoutCloseReasonIsTerminal(t *testing.T) {
	f := newFixture(t, fastPolicy(5))
	f.link(t)

	require.True(t, f.net.Drop("acc1", "device logged out"))
	wait(t, f.mgr, model.AccountLoggedOut)
	assert.NotContains(t, f.notifier.states(), model.AccountReconnecting)
}

func TestRequestLogout(t *testing.T) {
	f := newFixture(t, fastPolicy(5))
	f.link(t)

	require.NoError(t, f.mgr.RequestLogout(context.Background()))

	st, _ := f.mgr.State()
	assert.Equal(t, model.AccountLoggedOut, st)
	assert.Nil(t, f.store.get("acc1"))
	assert.False(t, f.mgr.Snapshot().HasCredentials)

	time.Sleep(30 * time.Millisecond)
	st, _ = f.mgr.State()
	assert.Equal(t, model.AccountLoggedOut, st)
	assert.Equal(t, 1, f.net.Dials("acc1"))

	// idempotent
	require.NoError(t, f.mgr.RequestLogout(context.Background()))
}

func TestRelinkAfterLogout(t *testing.T) {
	f := newFixture(t, fastPolicy(5))
	f.link(t)
	require.NoError(t, f.mgr.RequestLogout(context.Background()))

	f.link(t)
	assert.Equal(t, 0, f.mgr.Snapshot().RetryCount)
}

func TestCredentialUpdatesPersistInOrder(t *testing.T) {
	f := newFixture(t, fastPolicy(5))
	f.link(t)

	require.True(t, f.net.RotateCredentials("acc1", []byte("v2")))
	require.True(t, f.net.RotateCredentials("acc1", []byte("v3")))

	assert.Eventually(t, func() bool { return string(f.store.get("acc1")) == "v3" }, time.Second, 5*time.Millisecond)
}

func TestResetReturnsToUnlinked(t *testing.T) {
	f := newFixture(t, fastPolicy(5))
	f.link(t)

	require.NoError(t, f.mgr.Reset(context.Background()))
	st, _ := f.mgr.State()
	assert.Equal(t, model.AccountUnlinked, st)
	assert.Nil(t, f.store.get("acc1"))

	_, err := f.mgr.RequestConnect(context.Background())
	require.NoError(t, err)
	st, _ = f.mgr.State()
	assert.Equal(t, model.AccountLinking, st)
}

func TestRestoredAccountResumesWithoutPairing(t *testing.T) {
	f := newFixture(t, fastPolicy(5))
	require.NoError(t, f.store.Save(context.Background(), "acc1", []byte("stored")))
	require.NoError(t, f.mgr.Restore(context.Background()))

	st, _ := f.mgr.State()
	assert.Equal(t, model.AccountUnlinked, st, "restore never connects")
	assert.Equal(t, 0, f.net.Dials("acc1"))

	_, err := f.mgr.RequestConnect(context.Background())
	require.NoError(t, err)
	wait(t, f.mgr, model.AccountConnected)
}

func TestShutdownRefusesConnect(t *testing.T) {
	f := newFixture(t, fastPolicy(5))
	f.link(t)

	require.NoError(t, f.mgr.Shutdown(context.Background(), true))
	assert.Nil(t, f.store.get("acc1"))

	_, err := f.mgr.RequestConnect(context.Background())
	require.True(t, errors.Is(err, appErrors.ErrAccountNotFound))
}
