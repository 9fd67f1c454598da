package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/groupcast/internal/connection"
	appErrors "github.com/unclebandit/groupcast/internal/errors"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/platform/loopback"
	"github.com/unclebandit/groupcast/internal/registry"
	"github.com/unclebandit/groupcast/internal/repository"
	"github.com/unclebandit/groupcast/internal/service"
)

type failingAccounts struct {
	repository.AccountRepositoryInterface
	err error
}

func (f failingAccounts) SaveAll(context.Context, []model.Account) error { return f.err }

type recordingAborter struct {
	calls []string
}

func (a *recordingAborter) Abort(_ context.Context, id string) (*model.Report, error) {
	a.calls = append(a.calls, id)
	return nil, nil
}

type fixture struct {
	net   *loopback.Network
	store *repository.MemoryStore
	reg   *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		net:   loopback.New(loopback.WithGroups(4)),
		store: repository.NewMemoryStore(),
	}
	f.reg = f.newRegistry()
	t.Cleanup(func() { _ = f.reg.Close(context.Background()) })
	return f
}

func (f *fixture) newRegistry() *registry.Registry {
	return registry.New(registry.Options{
		Accounts: f.store,
		Connection: connection.Options{
			Dialer:      f.net,
			Credentials: f.store,
			Policy: connection.Policy{
				HandshakeTimeout: 2 * time.Second,
				MaxRetries:       3,
				NewBackoff:       connection.BackoffFactory("fixed", 5*time.Millisecond, 0, 0),
			},
			PairingTTL: time.Minute,
		},
	})
}

func (f *fixture) link(t *testing.T, id string) *connection.Manager {
	t.Helper()
	mgr, err := f.reg.Manager(id)
	require.NoError(t, err)
	_, err = mgr.RequestConnect(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.net.Pair(id) }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = mgr.WaitFor(ctx, model.AccountConnected)
	require.NoError(t, err)
	return mgr
}

func TestCreatePersistsList(t *testing.T) {
	f := newFixture(t)

	a, err := f.reg.Create(context.Background(), "  sales ")
	require.NoError(t, err)
	b, err := f.reg.Create(context.Background(), "support")
	require.NoError(t, err)

	assert.Equal(t, "sales", a.Name)
	assert.Equal(t, model.AccountUnlinked, a.State)
	assert.NotEqual(t, a.ID, b.ID)

	stored, err := f.store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, a.ID, stored[0].ID)
	assert.Equal(t, b.ID, stored[1].ID)

	list := f.reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "support", list[1].Name)
}

func TestCreateRollsBackWhenPersistFails(t *testing.T) {
	store := repository.NewMemoryStore()
	reg := registry.New(registry.Options{
		Accounts:   failingAccounts{AccountRepositoryInterface: store, err: errors.New("disk full")},
		Connection: connection.Options{Dialer: loopback.New(), Credentials: store},
	})

	_, err := reg.Create(context.Background(), "x")
	require.Error(t, err)
	assert.Empty(t, reg.List())
}

func TestGetUnknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.Get("nope")
	assert.ErrorIs(t, err, appErrors.ErrAccountNotFound)
	_, err = f.reg.Connection("nope")
	assert.ErrorIs(t, err, appErrors.ErrAccountNotFound)
}

func TestRemovePurgesAndPersists(t *testing.T) {
	f := newFixture(t)
	aborter := &recordingAborter{}
	f.reg.SetAborter(aborter)

	acc, err := f.reg.Create(context.Background(), "a")
	require.NoError(t, err)
	keep, err := f.reg.Create(context.Background(), "b")
	require.NoError(t, err)
	f.link(t, acc.ID)

	creds, err := f.store.Load(context.Background(), acc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, creds)

	removed, err := f.reg.Remove(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []string{acc.ID}, aborter.calls)

	creds, err = f.store.Load(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Nil(t, creds)

	stored, err := f.store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, keep.ID, stored[0].ID)

	_, err = f.reg.Get(acc.ID)
	assert.ErrorIs(t, err, appErrors.ErrAccountNotFound)

	removed, err = f.reg.Remove(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRestoreAllDoesNotConnect(t *testing.T) {
	f := newFixture(t)
	acc, err := f.reg.Create(context.Background(), "a")
	require.NoError(t, err)
	f.link(t, acc.ID)
	require.NoError(t, f.reg.Close(context.Background()))
	dials := f.net.Dials(acc.ID)

	restarted := f.newRegistry()
	t.Cleanup(func() { _ = restarted.Close(context.Background()) })

	n, err := restarted.RestoreAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restarted.Get(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccountUnlinked, got.State)
	assert.True(t, got.HasCredentials)
	assert.Equal(t, dials, f.net.Dials(acc.ID))

	// stored credentials resume without a new pairing
	assert.Equal(t, 1, restarted.ConnectStored(context.Background()))
	mgr, err := restarted.Manager(acc.ID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st, err := mgr.WaitFor(ctx, model.AccountConnected)
	require.NoError(t, err)
	assert.Equal(t, model.AccountConnected, st)
}

func TestRemoveAbortsRunningCampaign(t *testing.T) {
	f := newFixture(t)
	svc := service.NewCampaignService(service.Options{
		Accounts:   f.reg,
		Campaigns:  f.store.Campaigns(),
		Deliveries: f.store,
		Settings:   service.Settings{SendDelay: time.Hour, SendTimeout: time.Second},
	})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	f.reg.SetAborter(svc)

	acc, err := f.reg.Create(context.Background(), "a")
	require.NoError(t, err)
	f.link(t, acc.ID)

	res, err := svc.Start(context.Background(), acc.ID, model.Content{Text: "hello {group}"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalTargets)
	require.Eventually(t, func() bool { return len(f.net.Sent(acc.ID)) == 1 }, 2*time.Second, 5*time.Millisecond)

	removed, err := f.reg.Remove(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	r, err := f.store.Campaigns().LoadReport(context.Background(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignPaused, r.Status)
	assert.Equal(t, "account removed", r.Reason)
	assert.Equal(t, 3, r.Pending)
	assert.Len(t, f.net.Sent(acc.ID), 1)
}
