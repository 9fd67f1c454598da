// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/groupcast/internal/errors"
	"github.com/unclebandit/groupcast/internal/logger"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/platform"
	"github.com/unclebandit/groupcast/internal/queue"
	"github.com/unclebandit/groupcast/internal/repository"
)

// Connection is the view of an account's connection manager the engine needs.
type Connection interface {
	State() (model.AccountState, <-chan struct{})
	Session() (platform.Session, error)
}

// Accounts resolves account ids to their connections.
type Accounts interface {
	Connection(accountID string) (Connection, error)
}

// RateLimiter grants send slots. A zero wait means the slot was taken.
type RateLimiter interface {
	Reserve(ctx context.Context, key string) (time.Duration, error)
}

type ReportArchiver interface {
	Archive(ctx context.Context, r *model.Report) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}

type Settings struct {
	MaxTargets    int
	SendDelay     time.Duration
	SendTimeout   time.Duration
	MaxRetries    int
	SnapshotEvery int
	SkipExisting  bool
}

func (s Settings) withDefaults() Settings {
	if s.MaxTargets <= 0 {
		s.MaxTargets = 200
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = 30 * time.Second
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	if s.SnapshotEvery <= 0 {
		s.SnapshotEvery = 10
	}
	return s
}

type Options struct {
	Accounts   Accounts
	Campaigns  repository.CampaignRepositoryInterface
	Deliveries repository.DeliveryRepositoryInterface
	Discovery  TargetDiscovery
	Limiter    RateLimiter
	Archiver   ReportArchiver
	Notifier   Notifier
	Logger     *slog.Logger
	Settings   Settings
	Now        func() time.Time
	Shuffle    func([]model.Destination)
}

// CampaignService runs at most one campaign per account.
type CampaignService struct {
	accounts   Accounts
	campaigns  repository.CampaignRepositoryInterface
	deliveries repository.DeliveryRepositoryInterface
	discovery  TargetDiscovery
	limiter    RateLimiter
	archiver   ReportArchiver
	notifier   Notifier
	log        *slog.Logger
	settings   Settings
	now        func() time.Time
	shuffle    func([]model.Destination)

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	byAccount map[string]*Worker
	byID      map[string]*Worker
	starting  map[string]bool
}

// StartResult is returned by Start.
type StartResult struct {
	CampaignID   string `json:"campaign_id"`
	TotalTargets int    `json:"total_targets"`
}

func NewCampaignService(o Options) *CampaignService {
	s := &CampaignService{
		accounts:   o.Accounts,
		campaigns:  o.Campaigns,
		deliveries: o.Deliveries,
		discovery:  o.Discovery,
		limiter:    o.Limiter,
		archiver:   o.Archiver,
		notifier:   o.Notifier,
		log:        o.Logger,
		settings:   o.Settings.withDefaults(),
		now:        o.Now,
		shuffle:    o.Shuffle,
		byAccount:  make(map[string]*Worker),
		byID:       make(map[string]*Worker),
		starting:   make(map[string]bool),
	}
	if s.discovery == nil {
		s.discovery = SessionDiscovery{Timeout: 30 * time.Second}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With(logger.Component("dispatch"))
	if s.now == nil {
		s.now = time.Now
	}
	if s.shuffle == nil {
		s.shuffle = func(d []model.Destination) {
			rand.Shuffle(len(d), func(i, j int) { d[i], d[j] = d[j], d[i] })
		}
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	return s
}

func newCampaignID() string {
	return "bcast_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Start validates content, discovers targets and launches the send loop.
func (s *CampaignService) Start(ctx context.Context, accountID string, content model.Content) (*StartResult, error) {
	s.mu.Lock()
	if w := s.byAccount[accountID]; (w != nil && w.status() == model.CampaignActive) || s.starting[accountID] {
		s.mu.Unlock()
		return nil, appErrors.ErrAlreadyActive
	}
	s.starting[accountID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.starting, accountID)
		s.mu.Unlock()
	}()

	if err := ValidateContent(&content); err != nil {
		return nil, err
	}

	conn, err := s.accounts.Connection(accountID)
	if err != nil {
		return nil, err
	}
	if state, _ := conn.State(); state != model.AccountConnected {
		return nil, appErrors.ErrAccountNotConnected
	}
	sess, err := conn.Session()
	if err != nil {
		return nil, appErrors.ErrAccountNotConnected
	}

	targets, err := s.discovery.DiscoverTargets(ctx, sess)
	if err != nil {
		if !errors.Is(err, appErrors.ErrNoTargets) {
			err = errors.Join(appErrors.ErrNoTargets, err)
		}
		return nil, err
	}
	if len(targets) == 0 {
		return nil, appErrors.ErrNoTargets
	}

	q := append([]model.Destination(nil), targets...)
	s.shuffle(q)
	if len(q) > s.settings.MaxTargets {
		q = q[:s.settings.MaxTargets]
	}

	now := s.now().UTC()
	c := &model.Campaign{
		ID:           newCampaignID(),
		AccountID:    accountID,
		Content:      content,
		Fingerprint:  Fingerprint(content),
		Status:       model.CampaignActive,
		TotalTargets: len(q),
		Queue:        q,
		Delivered:    map[string]bool{},
		Failed:       map[string]*model.FailureRecord{},
		Stats:        model.Stats{StartedAt: now},
	}
	if err := s.campaigns.SaveSnapshot(ctx, c.Clone()); err != nil {
		return nil, fmt.Errorf("persist campaign: %w", err)
	}

	w := newWorker(s, c)
	s.mu.Lock()
	s.byAccount[accountID] = w
	s.byID[c.ID] = w
	s.mu.Unlock()

	w.Start(conn)

	s.log.Info("🚀 Campaign started", logger.AccountID(accountID), logger.CampaignID(c.ID), "targets", len(q))
	s.notify(c, queue.TopicCampaignStarted, model.LevelInfo, "Campaign started",
		fmt.Sprintf("Broadcasting to %d groups", len(q)), nil)

	return &StartResult{CampaignID: c.ID, TotalTargets: len(q)}, nil
}

// Stop ends the account's campaign and returns its final report. Repeated
// calls return the same report.
func (s *CampaignService) Stop(ctx context.Context, accountID string) (*model.Report, error) {
	w := s.current(accountID)
	if w == nil {
		return nil, appErrors.ErrNoCampaign
	}
	return w.Stop(ctx)
}

// Pause halts the send loop and keeps queue, delivered and failed intact.
func (s *CampaignService) Pause(ctx context.Context, accountID string) (*model.Campaign, error) {
	w := s.current(accountID)
	if w == nil {
		return nil, appErrors.ErrNoCampaign
	}
	return w.Pause(ctx, "paused by operator")
}

// Resume restarts a paused campaign on a live session. Campaigns not held in
// memory are loaded from their latest snapshot. A paused campaign whose queue
// is already empty is completed instead.
func (s *CampaignService) Resume(ctx context.Context, campaignID string) (*model.Campaign, error) {
	w, err := s.lookup(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if w.status() != model.CampaignPaused {
		return nil, appErrors.ErrCampaignNotPaused
	}
	accountID := w.accountID()

	s.mu.Lock()
	if other := s.byAccount[accountID]; (other != nil && other != w && other.status() == model.CampaignActive) || s.starting[accountID] {
		s.mu.Unlock()
		return nil, appErrors.ErrAlreadyActive
	}
	s.starting[accountID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.starting, accountID)
		s.mu.Unlock()
	}()

	conn, err := s.accounts.Connection(accountID)
	if err != nil {
		return nil, err
	}
	if state, _ := conn.State(); state != model.AccountConnected {
		return nil, appErrors.ErrAccountNotConnected
	}
	if _, err := conn.Session(); err != nil {
		return nil, appErrors.ErrAccountNotConnected
	}

	s.mu.Lock()
	s.byAccount[accountID] = w
	s.mu.Unlock()

	if err := w.Resume(ctx, conn); err != nil {
		return nil, err
	}
	return w.Snapshot(), nil
}

// ResumeAccount resumes the account's current campaign.
func (s *CampaignService) ResumeAccount(ctx context.Context, accountID string) (*model.Campaign, error) {
	w := s.current(accountID)
	if w == nil {
		return nil, appErrors.ErrNoCampaign
	}
	return s.Resume(ctx, w.campaignID())
}

// Status returns a copy of the account's current campaign.
func (s *CampaignService) Status(accountID string) (*model.Campaign, error) {
	w := s.current(accountID)
	if w == nil {
		return nil, appErrors.ErrNoCampaign
	}
	return w.Snapshot(), nil
}

// Campaign returns a copy of a campaign by id, from memory or the store.
func (s *CampaignService) Campaign(ctx context.Context, campaignID string) (*model.Campaign, error) {
	s.mu.Lock()
	w := s.byID[campaignID]
	s.mu.Unlock()
	if w != nil {
		return w.Snapshot(), nil
	}
	c, err := s.campaigns.LoadLatest(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	return c, nil
}

// Report returns the last report produced for a campaign.
func (s *CampaignService) Report(ctx context.Context, campaignID string) (*model.Report, error) {
	s.mu.Lock()
	w := s.byID[campaignID]
	s.mu.Unlock()
	if w != nil {
		if r := w.lastReport(); r != nil {
			return r, nil
		}
	}
	return s.campaigns.LoadReport(ctx, campaignID)
}

// Abort force-pauses the account's campaign and reports it. It is used when
// the account is being removed. Accounts without a live campaign return nil.
func (s *CampaignService) Abort(ctx context.Context, accountID string) (*model.Report, error) {
	s.mu.Lock()
	w := s.byAccount[accountID]
	delete(s.byAccount, accountID)
	s.mu.Unlock()
	if w == nil {
		return nil, nil
	}
	return w.Abort(ctx, "account removed")
}

// Recover loads campaigns left Active by a previous process as Paused so an
// operator can resume them by id.
func (s *CampaignService) Recover(ctx context.Context) (int, error) {
	active, err := s.campaigns.ListByStatus(ctx, model.CampaignActive)
	if err != nil {
		return 0, fmt.Errorf("list active campaigns: %w", err)
	}
	n := 0
	for _, c := range active {
		s.mu.Lock()
		if s.byID[c.ID] != nil {
			s.mu.Unlock()
			continue
		}
		c.Status = model.CampaignPaused
		c.PauseReason = "interrupted by restart"
		w := newWorker(s, c)
		s.byID[c.ID] = w
		if cur := s.byAccount[c.AccountID]; cur == nil || cur.status() != model.CampaignActive {
			s.byAccount[c.AccountID] = w
		}
		s.mu.Unlock()

		if err := s.campaigns.SaveSnapshot(ctx, c.Clone()); err != nil {
			s.log.Error("❌ Failed to persist recovered campaign", logger.CampaignID(c.ID), logger.Error(err))
		}
		s.log.Info("♻️ Campaign recovered as paused", logger.CampaignID(c.ID), logger.AccountID(c.AccountID), "pending", len(c.Queue))
		n++
	}
	return n, nil
}

// Close halts every send loop. Campaigns keep their Active status in the
// store so Recover picks them up on the next start.
func (s *CampaignService) Close(ctx context.Context) error {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.byID))
	for _, w := range s.byID {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	s.baseCancel()
	for _, w := range workers {
		w.halt()
		if w.status() == model.CampaignActive {
			if err := s.campaigns.SaveSnapshot(ctx, w.Snapshot()); err != nil {
				s.log.Error("❌ Failed to persist campaign on shutdown", logger.CampaignID(w.campaignID()), logger.Error(err))
			}
		}
	}
	return nil
}

func (s *CampaignService) current(accountID string) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byAccount[accountID]
}

func (s *CampaignService) lookup(ctx context.Context, campaignID string) (*Worker, error) {
	s.mu.Lock()
	w := s.byID[campaignID]
	s.mu.Unlock()
	if w != nil {
		return w, nil
	}

	c, err := s.campaigns.LoadLatest(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	if c.Delivered == nil {
		c.Delivered = map[string]bool{}
	}
	if c.Failed == nil {
		c.Failed = map[string]*model.FailureRecord{}
	}
	// a snapshot left Active was interrupted mid-run
	if c.Status == model.CampaignActive {
		c.Status = model.CampaignPaused
		c.PauseReason = "interrupted by restart"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.byID[campaignID]; existing != nil {
		return existing, nil
	}
	w = newWorker(s, c)
	s.byID[campaignID] = w
	return w, nil
}

// finalize persists a report and archives terminal ones.
func (s *CampaignService) finalize(ctx context.Context, c *model.Campaign, r *model.Report) {
	if err := s.campaigns.SaveSnapshot(ctx, c); err != nil {
		s.log.Error("❌ Failed to persist campaign", logger.CampaignID(c.ID), logger.Error(err))
	}
	if err := s.campaigns.SaveReport(ctx, r); err != nil {
		s.log.Error("❌ Failed to persist report", logger.CampaignID(c.ID), logger.Error(err))
	}
	if s.archiver != nil && r.Status == model.CampaignCompleted {
		key, err := s.archiver.Archive(ctx, r)
		if err != nil {
			s.log.Warn("⚠️ Failed to archive report", logger.CampaignID(c.ID), logger.Error(err))
		} else {
			s.log.Info("🗄️ Report archived", logger.CampaignID(c.ID), "key", key)
		}
	}
}

func (s *CampaignService) notify(c *model.Campaign, topic string, level model.NotificationLevel, title, msg string, meta map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(context.Background(), model.Notification{
		ID:         uuid.NewString(),
		Topic:      topic,
		Title:      title,
		Message:    msg,
		Level:      level,
		Source:     "dispatch",
		AccountID:  c.AccountID,
		CampaignID: c.ID,
		Timestamp:  s.now().UTC(),
		Metadata:   meta,
	})
}
