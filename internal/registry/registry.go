// Package registry owns the set of accounts and their connection managers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/groupcast/internal/connection"
	appErrors "github.com/unclebandit/groupcast/internal/errors"
	"github.com/unclebandit/groupcast/internal/logger"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/repository"
	"github.com/unclebandit/groupcast/internal/service"
)

// Aborter force-pauses an account's campaign before the account goes away.
type Aborter interface {
	Abort(ctx context.Context, accountID string) (*model.Report, error)
}

type Options struct {
	Accounts repository.AccountRepositoryInterface
	// Connection is the template every manager is built from.
	Connection connection.Options
	Logger     *slog.Logger
	Now        func() time.Time
}

type Registry struct {
	store    repository.AccountRepositoryInterface
	connOpts connection.Options
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	order    []string
	managers map[string]*connection.Manager
	aborter  Aborter
}

func New(o Options) *Registry {
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Connection.Logger == nil {
		o.Connection.Logger = o.Logger
	}
	return &Registry{
		store:    o.Accounts,
		connOpts: o.Connection,
		log:      o.Logger.With(logger.Component("registry")),
		now:      o.Now,
		managers: make(map[string]*connection.Manager),
	}
}

// SetAborter installs the hook called first on Remove.
func (r *Registry) SetAborter(a Aborter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborter = a
}

// Create registers a fresh Unlinked account and persists the list.
func (r *Registry) Create(ctx context.Context, name string) (model.Account, error) {
	acc := model.Account{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		State:     model.AccountUnlinked,
		CreatedAt: r.now().UTC(),
	}
	mgr := connection.NewManager(acc, r.connOpts)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, acc.ID)
	r.managers[acc.ID] = mgr
	if err := r.persistLocked(ctx); err != nil {
		r.order = r.order[:len(r.order)-1]
		delete(r.managers, acc.ID)
		_ = mgr.Shutdown(context.WithoutCancel(ctx), false)
		return model.Account{}, err
	}

	r.log.Info("🆕 Account created", logger.AccountID(acc.ID), "name", acc.Name)
	return mgr.Snapshot(), nil
}

// Remove aborts the account's campaign, severs its session, purges its
// credentials and persists the list. It reports whether the account existed.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	mgr, ok := r.managers[id]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.managers, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	aborter := r.aborter
	r.mu.Unlock()

	var errs []error
	if aborter != nil {
		if rep, err := aborter.Abort(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("abort campaign: %w", err))
		} else if rep != nil {
			r.log.Info("⏸️ Campaign aborted for removed account", logger.AccountID(id), logger.CampaignID(rep.CampaignID))
		}
	}
	if err := mgr.Shutdown(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("shutdown connection: %w", err))
	}

	r.mu.Lock()
	err := r.persistLocked(ctx)
	r.mu.Unlock()
	if err != nil {
		errs = append(errs, err)
	}

	r.log.Info("🗑️ Account removed", logger.AccountID(id))
	return true, errors.Join(errs...)
}

// Get returns a snapshot of one account.
func (r *Registry) Get(id string) (model.Account, error) {
	mgr, err := r.Manager(id)
	if err != nil {
		return model.Account{}, err
	}
	return mgr.Snapshot(), nil
}

// List returns snapshots in creation order.
func (r *Registry) List() []model.Account {
	r.mu.Lock()
	mgrs := make([]*connection.Manager, 0, len(r.order))
	for _, id := range r.order {
		mgrs = append(mgrs, r.managers[id])
	}
	r.mu.Unlock()

	out := make([]model.Account, 0, len(mgrs))
	for _, m := range mgrs {
		out = append(out, m.Snapshot())
	}
	return out
}

func (r *Registry) Manager(id string) (*connection.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mgr, ok := r.managers[id]
	if !ok {
		return nil, appErrors.NewAccountNotFound(id)
	}
	return mgr, nil
}

// Connection satisfies service.Accounts.
func (r *Registry) Connection(id string) (service.Connection, error) {
	mgr, err := r.Manager(id)
	if err != nil {
		return nil, err
	}
	return mgr, nil
}

// RestoreAll rebuilds managers from the stored list and loads their
// credentials. Nothing is connected.
func (r *Registry) RestoreAll(ctx context.Context) (int, error) {
	accounts, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load accounts: %w", err)
	}

	restored := 0
	for _, acc := range accounts {
		r.mu.Lock()
		if _, exists := r.managers[acc.ID]; exists {
			r.mu.Unlock()
			continue
		}
		mgr := connection.NewManager(acc, r.connOpts)
		r.managers[acc.ID] = mgr
		r.order = append(r.order, acc.ID)
		r.mu.Unlock()

		if err := mgr.Restore(ctx); err != nil {
			r.log.Warn("⚠️ Failed to load credentials", logger.AccountID(acc.ID), logger.Error(err))
		}
		restored++
	}
	r.log.Info("♻️ Accounts restored", "count", restored)
	return restored, nil
}

// ConnectStored requests a connect for every Unlinked account holding
// credentials and returns how many were started.
func (r *Registry) ConnectStored(ctx context.Context) int {
	n := 0
	for _, acc := range r.List() {
		if acc.State != model.AccountUnlinked || !acc.HasCredentials {
			continue
		}
		mgr, err := r.Manager(acc.ID)
		if err != nil {
			continue
		}
		if _, err := mgr.RequestConnect(ctx); err != nil {
			r.log.Warn("⚠️ Failed to resume session", logger.AccountID(acc.ID), logger.Error(err))
			continue
		}
		n++
	}
	return n
}

// Close severs every session and keeps stored credentials.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	mgrs := make([]*connection.Manager, 0, len(r.managers))
	for _, m := range r.managers {
		mgrs = append(mgrs, m)
	}
	r.mu.Unlock()

	var errs []error
	for _, m := range mgrs {
		if err := m.Shutdown(ctx, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) persistLocked(ctx context.Context) error {
	accounts := make([]model.Account, 0, len(r.order))
	for _, id := range r.order {
		accounts = append(accounts, r.managers[id].Snapshot())
	}
	if err := r.store.SaveAll(ctx, accounts); err != nil {
		return fmt.Errorf("persist accounts: %w", err)
	}
	return nil
}
