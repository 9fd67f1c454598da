package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/groupcast/internal/errors"
	"github.com/unclebandit/groupcast/internal/model"
)

// MemoryStore backs every repository interface with process memory. It is used
// when STORE_DRIVER=memory and by tests.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string][]byte
	accounts    []model.Account
	campaigns   map[string]*model.Campaign
	reports     map[string]*model.Report
	deliveries  map[string]time.Time
}

var (
	_ CredentialRepositoryInterface = (*MemoryStore)(nil)
	_ AccountRepositoryInterface    = (*MemoryStore)(nil)
	_ DeliveryRepositoryInterface   = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: map[string][]byte{},
		campaigns:   map[string]*model.Campaign{},
		reports:     map[string]*model.Report{},
		deliveries:  map[string]time.Time{},
	}
}

// Campaigns exposes the campaign half of the store. The method sets collide on
// Save/Load names otherwise.
func (s *MemoryStore) Campaigns() CampaignRepositoryInterface { return memoryCampaigns{s} }

// ---- credentials ----

func (s *MemoryStore) Save(_ context.Context, accountID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[accountID] = slices.Clone(blob)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, accountID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.credentials[accountID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(blob), nil
}

func (s *MemoryStore) Delete(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, accountID)
	return nil
}

// ---- accounts ----

func (s *MemoryStore) SaveAll(_ context.Context, accounts []model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = slices.Clone(accounts)
	return nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, model.Account{ID: a.ID, Name: a.Name, State: model.AccountUnlinked, CreatedAt: a.CreatedAt})
	}
	return out, nil
}

// ---- deliveries ----

func deliveryKey(accountID, fingerprint, destinationID string) string {
	return accountID + "\x00" + fingerprint + "\x00" + destinationID
}

func (s *MemoryStore) Has(_ context.Context, accountID, fingerprint, destinationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.deliveries[deliveryKey(accountID, fingerprint, destinationID)]
	return ok, nil
}

func (s *MemoryStore) Record(_ context.Context, accountID, fingerprint, destinationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deliveryKey(accountID, fingerprint, destinationID)
	if _, ok := s.deliveries[key]; !ok {
		s.deliveries[key] = at
	}
	return nil
}

// ---- campaigns ----

type memoryCampaigns struct{ s *MemoryStore }

func (m memoryCampaigns) SaveSnapshot(_ context.Context, c *model.Campaign) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c.UpdatedAt = time.Now().UTC()
	m.s.campaigns[c.ID] = c.Clone()
	return nil
}

func (m memoryCampaigns) LoadLatest(_ context.Context, id string) (*model.Campaign, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	c, ok := m.s.campaigns[id]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (m memoryCampaigns) ListByStatus(_ context.Context, status model.CampaignStatus) ([]*model.Campaign, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []*model.Campaign
	for _, c := range m.s.campaigns {
		if c.Status == status {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m memoryCampaigns) SaveReport(_ context.Context, r *model.Report) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *r
	cp.Failures = slices.Clone(r.Failures)
	m.s.reports[r.CampaignID] = &cp
	return nil
}

func (m memoryCampaigns) LoadReport(_ context.Context, campaignID string) (*model.Report, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	r, ok := m.s.reports[campaignID]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	cp := *r
	cp.Failures = slices.Clone(r.Failures)
	return &cp, nil
}
