// internal/handler/account_handler.go
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/groupcast/internal/connection"
	"github.com/unclebandit/groupcast/internal/logger"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/pairing"
)

// AccountRegistry is the part of the registry the account routes use.
type AccountRegistry interface {
	Create(ctx context.Context, name string) (model.Account, error)
	Remove(ctx context.Context, id string) (bool, error)
	Get(id string) (model.Account, error)
	List() []model.Account
	Manager(id string) (*connection.Manager, error)
}

// AccountHandler holds the dependencies for account HTTP handlers
type AccountHandler struct {
	Registry AccountRegistry
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewAccountHandler(reg AccountRegistry, log *slog.Logger) *AccountHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &AccountHandler{Registry: reg, Logger: log.With(logger.Component("http")), Now: time.Now}
}

// Routes mounts the account endpoints on r.
func (h *AccountHandler) Routes(r chi.Router) {
	r.Post("/accounts", h.CreateAccountHandler)
	r.Get("/accounts", h.ListAccountsHandler)
	r.Get("/accounts/{id}", h.GetAccountHandler)
	r.Delete("/accounts/{id}", h.DeleteAccountHandler)
	r.Post("/accounts/{id}/connect", h.ConnectHandler)
	r.Post("/accounts/{id}/logout", h.LogoutHandler)
	r.Post("/accounts/{id}/reset", h.ResetHandler)
	r.Get("/accounts/{id}/pairing", h.PairingHandler)
}

func (h *AccountHandler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := DecodeJSON(r, &payload); err != nil {
		WriteError(w, h.Logger, err)
		return
	}

	acc, err := h.Registry.Create(r.Context(), payload.Name)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, acc)
}

func (h *AccountHandler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts := h.Registry.List()
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":  accounts,
		"count": len(accounts),
	})
}

func (h *AccountHandler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, acc)
}

func (h *AccountHandler) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := h.Registry.Remove(r.Context(), id)
	if !removed {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		// the account is gone; cleanup errors are only logged
		h.Logger.Warn("⚠️ Account removed with errors", logger.AccountID(id), logger.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConnectHandler starts a handshake. It answers 200 with the account when a
// session is already live and 202 while the handshake runs.
func (h *AccountHandler) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	mgr, err := h.Registry.Manager(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	sess, err := mgr.RequestConnect(r.Context())
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	status := http.StatusAccepted
	if sess != nil {
		status = http.StatusOK
	}
	WriteJSON(w, status, mgr.Snapshot())
}

func (h *AccountHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	mgr, err := h.Registry.Manager(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	if err := mgr.RequestLogout(r.Context()); err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, mgr.Snapshot())
}

func (h *AccountHandler) ResetHandler(w http.ResponseWriter, r *http.Request) {
	mgr, err := h.Registry.Manager(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	if err := mgr.Reset(r.Context()); err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, mgr.Snapshot())
}

// PairingHandler serves the pending pairing code as a QR PNG, or as JSON with
// an inline image when format=json.
func (h *AccountHandler) PairingHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mgr, err := h.Registry.Manager(id)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	code, expires, ok := mgr.PairCode()
	if !ok {
		http.Error(w, "no pending pairing code", http.StatusNotFound)
		return
	}

	if r.URL.Query().Get("format") == "json" {
		ch, err := pairing.NewChallenge(id, code, expires, h.Now())
		if err != nil {
			h.pairingError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ch)
		return
	}

	size := pairing.DefaultSize
	if s, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && s > 0 && s <= 1024 {
		size = s
	}
	png, err := pairing.Render(code, size)
	if err != nil {
		h.pairingError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if !expires.IsZero() {
		w.Header().Set("Expires", expires.UTC().Format(http.TimeFormat))
	}
	_, _ = w.Write(png)
}

func (h *AccountHandler) pairingError(w http.ResponseWriter, err error) {
	if errors.Is(err, pairing.ErrExpired) {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	h.Logger.Error("❌ Failed to render pairing code", logger.Error(err))
	http.Error(w, "failed to render pairing code", http.StatusInternalServerError)
}
