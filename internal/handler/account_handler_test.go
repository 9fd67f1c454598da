package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/groupcast/internal/connection"
	appErrors "github.com/unclebandit/groupcast/internal/errors"
	"github.com/unclebandit/groupcast/internal/handler"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/pairing"
	"github.com/unclebandit/groupcast/internal/platform/loopback"
	"github.com/unclebandit/groupcast/internal/registry"
	"github.com/unclebandit/groupcast/internal/repository"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

type fixture struct {
	net *loopback.Network
	reg *registry.Registry
	h   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	f := &fixture{net: loopback.New()}
	f.reg = registry.New(registry.Options{
		Accounts: store,
		Connection: connection.Options{
			Dialer:      f.net,
			Credentials: store,
			Policy: connection.Policy{
				HandshakeTimeout: 5 * time.Second,
				MaxRetries:       2,
				NewBackoff:       connection.BackoffFactory("fixed", 5*time.Millisecond, 0, 0),
			},
			PairingTTL: time.Minute,
		},
	})
	t.Cleanup(func() { _ = f.reg.Close(context.Background()) })

	r := chi.NewRouter()
	handler.NewAccountHandler(f.reg, nil).Routes(r)
	f.h = r
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	return w
}

func (f *fixture) create(t *testing.T, name string) model.Account {
	t.Helper()
	w := f.do(http.MethodPost, "/accounts", `{"name":"`+name+`"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var acc model.Account
	require.NoError(t, json.NewDecoder(w.Body).Decode(&acc))
	return acc
}

func (f *fixture) awaitPairCode(t *testing.T, id string) {
	t.Helper()
	mgr, err := f.reg.Manager(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, _, ok := mgr.PairCode()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCreateAndList(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "sales")
	f.create(t, "support")

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, model.AccountUnlinked, a.State)

	w := f.do(http.MethodGet, "/accounts", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data  []model.Account `json:"data"`
		Count int             `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Equal(t, 2, list.Count)
	assert.Equal(t, "sales", list.Data[0].Name)

	w = f.do(http.MethodGet, "/accounts/"+a.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateWithoutBody(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/accounts", "")
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestUnknownAccount(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/accounts/nope"},
		{http.MethodDelete, "/accounts/nope"},
		{http.MethodPost, "/accounts/nope/connect"},
		{http.MethodPost, "/accounts/nope/logout"},
		{http.MethodPost, "/accounts/nope/reset"},
		{http.MethodGet, "/accounts/nope/pairing"},
	} {
		w := f.do(tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestConnectPairingFlow(t *testing.T) {
	f := newFixture(t)
	acc := f.create(t, "a")

	w := f.do(http.MethodGet, "/accounts/"+acc.ID+"/pairing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/accounts/"+acc.ID+"/connect", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(http.MethodPost, "/accounts/"+acc.ID+"/connect", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	f.awaitPairCode(t, acc.ID)

	w = f.do(http.MethodGet, "/accounts/"+acc.ID+"/pairing", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), pngMagic))

	w = f.do(http.MethodGet, "/accounts/"+acc.ID+"/pairing?format=json", "")
	require.Equal(t, http.StatusOK, w.Code)
	var ch pairing.Challenge
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ch))
	assert.Equal(t, acc.ID, ch.AccountID)
	assert.Contains(t, ch.Payload, acc.ID)
	assert.True(t, strings.HasPrefix(ch.Image, "data:image/png;base64,"))
	assert.Greater(t, ch.ExpiresIn, 0)

	require.True(t, f.net.Pair(acc.ID))
	mgr, err := f.reg.Manager(acc.ID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = mgr.WaitFor(ctx, model.AccountConnected)
	require.NoError(t, err)

	w = f.do(http.MethodPost, "/accounts/"+acc.ID+"/connect", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodGet, "/accounts/"+acc.ID+"/pairing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/accounts/"+acc.ID+"/logout", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out model.Account
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, model.AccountLoggedOut, out.State)
	assert.False(t, out.HasCredentials)

	w = f.do(http.MethodPost, "/accounts/"+acc.ID+"/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, model.AccountUnlinked, out.State)
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(t)
	acc := f.create(t, "a")

	w := f.do(http.MethodDelete, "/accounts/"+acc.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodDelete, "/accounts/"+acc.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, err := f.reg.Get(acc.ID)
	assert.ErrorIs(t, err, appErrors.ErrAccountNotFound)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, handler.StatusFor(appErrors.NewInvalidContent("x")))
	assert.Equal(t, http.StatusNotFound, handler.StatusFor(appErrors.NewCampaignNotFound("c")))
	assert.Equal(t, http.StatusConflict, handler.StatusFor(appErrors.ErrAlreadyLinking))
	assert.Equal(t, http.StatusConflict, handler.StatusFor(appErrors.ErrCampaignNotActive))
	assert.Equal(t, http.StatusPreconditionFailed, handler.StatusFor(appErrors.ErrAccountNotConnected))
	assert.Equal(t, http.StatusBadGateway, handler.StatusFor(appErrors.ErrNoTargets))
	assert.Equal(t, http.StatusInternalServerError, handler.StatusFor(context.Canceled))
}
