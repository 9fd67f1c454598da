package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	appErrors "github.com/unclebandit/groupcast/internal/errors"
	"github.com/unclebandit/groupcast/internal/logger"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/platform"
	"github.com/unclebandit/groupcast/internal/queue"
)

// Worker owns one campaign. Only its send loop mutates the queue, delivered
// and failed sets; everything else reads copies.
type Worker struct {
	svc *CampaignService

	mu            sync.Mutex
	c             *model.Campaign
	report        *model.Report
	final         bool
	cancel        context.CancelFunc
	done          chan struct{}
	sinceSnapshot int
}

func newWorker(s *CampaignService, c *model.Campaign) *Worker {
	return &Worker{svc: s, c: c}
}

// Start launches the send loop on conn.
func (w *Worker) Start(conn Connection) {
	ctx, cancel := context.WithCancel(w.svc.baseCtx)
	done := make(chan struct{})

	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.run(ctx, conn)
	}()
}

// halt cancels the send loop and waits for an in-flight send to finish.
func (w *Worker) halt() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Worker) Stop(ctx context.Context) (*model.Report, error) {
	w.halt()

	w.mu.Lock()
	if w.final {
		r := cloneReport(w.report)
		w.mu.Unlock()
		return r, nil
	}
	c := w.c
	c.Status = model.CampaignCompleted
	c.PauseReason = "stopped by operator"
	end := w.svc.now().UTC()
	c.Stats.EndedAt = &end
	r := model.NewReport(c)
	w.report, w.final = r, true
	snap := c.Clone()
	w.mu.Unlock()

	w.svc.log.Info("🛑 Campaign stopped", logger.CampaignID(c.ID), logger.AccountID(c.AccountID),
		"succeeded", r.Succeeded, "failed", r.Failed, "pending", r.Pending)
	w.svc.finalize(ctx, snap, r)
	w.svc.notify(snap, queue.TopicCampaignCompleted, model.LevelInfo, "Campaign stopped",
		summary(r), reportMeta(r))
	return cloneReport(r), nil
}

func (w *Worker) Pause(ctx context.Context, reason string) (*model.Campaign, error) {
	w.halt()

	w.mu.Lock()
	switch w.c.Status {
	case model.CampaignPaused:
		snap := w.c.Clone()
		w.mu.Unlock()
		return snap, nil
	case model.CampaignCompleted:
		w.mu.Unlock()
		return nil, appErrors.ErrCampaignNotActive
	}
	w.c.Status = model.CampaignPaused
	w.c.PauseReason = reason
	snap := w.c.Clone()
	w.mu.Unlock()

	if err := w.svc.campaigns.SaveSnapshot(ctx, snap.Clone()); err != nil {
		w.svc.log.Error("❌ Failed to persist paused campaign", logger.CampaignID(snap.ID), logger.Error(err))
	}
	w.svc.log.Info("⏸️ Campaign paused", logger.CampaignID(snap.ID), "reason", reason, "pending", len(snap.Queue))
	w.svc.notify(snap, queue.TopicCampaignPaused, model.LevelInfo, "Campaign paused", reason, nil)
	return snap, nil
}

// Resume continues a paused campaign on conn.
func (w *Worker) Resume(ctx context.Context, conn Connection) error {
	w.mu.Lock()
	if w.c.Status != model.CampaignPaused {
		w.mu.Unlock()
		return appErrors.ErrCampaignNotPaused
	}
	if len(w.c.Queue) == 0 {
		w.mu.Unlock()
		w.complete(ctx)
		return nil
	}
	w.c.Status = model.CampaignActive
	w.c.PauseReason = ""
	w.report = nil
	snap := w.c.Clone()
	w.mu.Unlock()

	if err := w.svc.campaigns.SaveSnapshot(ctx, snap.Clone()); err != nil {
		w.svc.log.Error("❌ Failed to persist resumed campaign", logger.CampaignID(snap.ID), logger.Error(err))
	}
	w.Start(conn)

	w.svc.log.Info("▶️ Campaign resumed", logger.CampaignID(snap.ID), "pending", len(snap.Queue))
	w.svc.notify(snap, queue.TopicCampaignStarted, model.LevelInfo, "Campaign resumed",
		fmt.Sprintf("%d groups pending", len(snap.Queue)), nil)
	return nil
}

// Abort force-pauses the campaign and returns a report of where it stopped.
func (w *Worker) Abort(ctx context.Context, reason string) (*model.Report, error) {
	w.halt()

	w.mu.Lock()
	if w.final {
		r := cloneReport(w.report)
		w.mu.Unlock()
		return r, nil
	}
	w.mu.Unlock()

	r := w.forcePause(ctx, reason, true)
	return cloneReport(r), nil
}

func (w *Worker) Snapshot() *model.Campaign {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.Clone()
}

func (w *Worker) status() model.CampaignStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.Status
}

func (w *Worker) accountID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.AccountID
}

func (w *Worker) campaignID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.ID
}

func (w *Worker) lastReport() *model.Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return cloneReport(w.report)
}

// ====================== Send loop ======================

func (w *Worker) run(ctx context.Context, conn Connection) {
	s := w.svc
	snap := w.Snapshot()
	log := s.log.With(logger.CampaignID(snap.ID), logger.AccountID(snap.AccountID))

	for {
		if ctx.Err() != nil {
			return
		}

		dest, ok := w.head()
		if !ok {
			w.complete(context.WithoutCancel(ctx))
			return
		}

		if s.settings.SkipExisting && w.alreadyDelivered(ctx, snap, dest, log) {
			w.skip(dest)
			continue
		}

		sess, ok := w.awaitSession(ctx, conn, log)
		if !ok {
			return
		}

		if !w.reserveSlot(ctx, snap.AccountID, log) {
			return
		}

		err := w.send(ctx, sess, snap.Content, dest)
		if w.record(ctx, snap, dest, err, log) {
			w.checkpoint(context.WithoutCancel(ctx), log)
		}

		if !sleep(ctx, s.settings.SendDelay) {
			return
		}
	}
}

func (w *Worker) head() (model.Destination, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.c.Queue) == 0 {
		return model.Destination{}, false
	}
	return w.c.Queue[0], true
}

func (w *Worker) alreadyDelivered(ctx context.Context, snap *model.Campaign, dest model.Destination, log *slog.Logger) bool {
	w.mu.Lock()
	delivered := w.c.Delivered[dest.ID]
	w.mu.Unlock()
	if delivered {
		return true
	}
	if w.svc.deliveries == nil {
		return false
	}
	seen, err := w.svc.deliveries.Has(ctx, snap.AccountID, snap.Fingerprint, dest.ID)
	if err != nil {
		log.Warn("⚠️ Delivery history unavailable", logger.Error(err))
		return false
	}
	return seen
}

func (w *Worker) skip(dest model.Destination) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.Queue = w.c.Queue[1:]
	delete(w.c.Failed, dest.ID)
	w.c.Stats.Skipped++
}

// awaitSession returns the live session once the account is Connected. While
// the account is away the loop waits; only LoggedOut pauses the campaign.
func (w *Worker) awaitSession(ctx context.Context, conn Connection, log *slog.Logger) (platform.Session, bool) {
	suspended := false
	for {
		state, changed := conn.State()
		switch state {
		case model.AccountConnected:
			if sess, err := conn.Session(); err == nil {
				if suspended {
					log.Info("▶️ Account reconnected, sending resumed")
				}
				return sess, true
			}
		case model.AccountReconnecting, model.AccountUnlinked, model.AccountLinking:
			if !suspended {
				log.Warn("⏸️ Account not connected, sending suspended", logger.State(state))
				suspended = true
			}
		default:
			w.forcePause(context.WithoutCancel(ctx), "account "+state.String(), false)
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-changed:
		}
	}
}

func (w *Worker) reserveSlot(ctx context.Context, key string, log *slog.Logger) bool {
	if w.svc.limiter == nil {
		return true
	}
	for {
		wait, err := w.svc.limiter.Reserve(ctx, key)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return false
			}
			log.Warn("⚠️ Rate limiter unavailable, backing off", logger.Error(err))
			wait = time.Second
		case wait <= 0:
			return true
		default:
			log.Debug("rate ceiling reached, cooling down", logger.Duration(wait))
		}
		if !sleep(ctx, wait) {
			return false
		}
	}
}

// send runs on a context detached from stop so an in-flight send completes.
func (w *Worker) send(ctx context.Context, sess platform.Session, content model.Content, dest model.Destination) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.svc.settings.SendTimeout)
	defer cancel()
	return sess.Send(sendCtx, dest, RenderContent(content, dest))
}

// record applies a send outcome to the head of the queue and reports whether
// a progress snapshot is due.
func (w *Worker) record(ctx context.Context, snap *model.Campaign, dest model.Destination, err error, log *slog.Logger) bool {
	s := w.svc

	w.mu.Lock()
	c := w.c
	c.Queue = c.Queue[1:]
	c.Stats.Attempted++

	if err == nil {
		delete(c.Failed, dest.ID)
		c.Delivered[dest.ID] = true
		c.Stats.Succeeded++
	} else {
		recoverable := platform.IsRecoverable(err)
		rec := c.Failed[dest.ID]
		if rec == nil {
			rec = &model.FailureRecord{DisplayName: dest.DisplayName}
			c.Failed[dest.ID] = rec
		}
		rec.AttemptCount++
		rec.LastError = appErrors.NewSendError(dest.ID, recoverable, err).Error()
		if recoverable && rec.AttemptCount < s.settings.MaxRetries {
			c.Queue = append(c.Queue, dest)
			log.Warn("🔁 Send failed, requeued", "destination", dest.ID, logger.Attempt(rec.AttemptCount), logger.Error(err))
		} else {
			rec.Permanent = true
			c.Stats.Failed++
			log.Warn("❌ Send failed permanently", "destination", dest.ID, logger.Attempt(rec.AttemptCount), logger.Error(err))
		}
	}

	w.sinceSnapshot++
	due := w.sinceSnapshot >= s.settings.SnapshotEvery
	if due {
		w.sinceSnapshot = 0
	}
	w.mu.Unlock()

	if err == nil && s.deliveries != nil {
		if herr := s.deliveries.Record(context.WithoutCancel(ctx), snap.AccountID, snap.Fingerprint, dest.ID, s.now().UTC()); herr != nil {
			log.Warn("⚠️ Failed to record delivery", "destination", dest.ID, logger.Error(herr))
		}
	}
	return due
}

func (w *Worker) checkpoint(ctx context.Context, log *slog.Logger) {
	snap := w.Snapshot()
	if err := w.svc.campaigns.SaveSnapshot(ctx, snap); err != nil {
		log.Error("❌ Failed to persist progress", logger.Error(err))
	}
}

func (w *Worker) complete(ctx context.Context) {
	w.mu.Lock()
	if w.final {
		w.mu.Unlock()
		return
	}
	c := w.c
	c.Status = model.CampaignCompleted
	c.PauseReason = ""
	end := w.svc.now().UTC()
	c.Stats.EndedAt = &end
	r := model.NewReport(c)
	w.report, w.final = r, true
	snap := c.Clone()
	w.mu.Unlock()

	w.svc.log.Info("✅ Campaign completed", logger.CampaignID(snap.ID), logger.AccountID(snap.AccountID),
		"succeeded", r.Succeeded, "failed", r.Failed, "skipped", r.Skipped)
	w.svc.finalize(ctx, snap, r)
	w.svc.notify(snap, queue.TopicCampaignCompleted, model.LevelSuccess, "Campaign completed",
		summary(r), reportMeta(r))
}

// forcePause moves an Active (or, when includePaused, a Paused) campaign to
// Paused with reason and reports it.
func (w *Worker) forcePause(ctx context.Context, reason string, includePaused bool) *model.Report {
	w.mu.Lock()
	c := w.c
	if c.Status == model.CampaignCompleted || (c.Status == model.CampaignPaused && !includePaused) {
		r := w.report
		w.mu.Unlock()
		return r
	}
	c.Status = model.CampaignPaused
	c.PauseReason = reason
	r := model.NewReport(c)
	w.report = r
	snap := c.Clone()
	w.mu.Unlock()

	w.svc.log.Warn("⏸️ Campaign paused", logger.CampaignID(snap.ID), logger.AccountID(snap.AccountID),
		"reason", reason, "pending", r.Pending)
	w.svc.finalize(ctx, snap, r)
	w.svc.notify(snap, queue.TopicCampaignPaused, model.LevelWarning, "Campaign paused", reason, reportMeta(r))
	return r
}

func cloneReport(r *model.Report) *model.Report {
	if r == nil {
		return nil
	}
	out := *r
	out.Failures = slices.Clone(r.Failures)
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func summary(r *model.Report) string {
	return fmt.Sprintf("%d sent, %d failed, %d skipped, %d pending (%.0f%% success)",
		r.Succeeded, r.Failed, r.Skipped, r.Pending, r.SuccessRate*100)
}

func reportMeta(r *model.Report) map[string]any {
	return map[string]any{
		"attempted":    r.Attempted,
		"succeeded":    r.Succeeded,
		"failed":       r.Failed,
		"skipped":      r.Skipped,
		"pending":      r.Pending,
		"success_rate": r.SuccessRate,
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
