// Package notify turns lifecycle events into notifications on the event bus
// and forwards them to an operator webhook.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/groupcast/internal/logger"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/queue"
)

const defaultBuffer = 256

// Notifier publishes notifications from a background pump so callers holding
// locks never wait on the bus. When the buffer is full the notification is dropped.
type Notifier struct {
	q      queue.Queue
	log    *slog.Logger
	buf    chan model.Notification
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

type Option func(*Notifier)

func WithBuffer(n int) Option {
	return func(nt *Notifier) {
		if n > 0 {
			nt.buf = make(chan model.Notification, n)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(nt *Notifier) { nt.log = l }
}

// New starts the pump. Close stops it.
func New(q queue.Queue, opts ...Option) *Notifier {
	n := &Notifier{
		q:    q,
		log:  slog.Default(),
		buf:  make(chan model.Notification, defaultBuffer),
		done: make(chan struct{}),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(logger.Component("notify"))
	go n.pump()
	return n
}

// Notify never blocks.
func (n *Notifier) Notify(_ context.Context, nt model.Notification) {
	if nt.ID == "" {
		nt.ID = uuid.NewString()
	}
	if nt.Timestamp.IsZero() {
		nt.Timestamp = n.now().UTC()
	}
	if nt.Level == "" {
		nt.Level = model.LevelInfo
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.buf <- nt:
	default:
		n.log.Warn("⚠️ Notification dropped, buffer full", "topic", nt.Topic, "title", nt.Title)
	}
}

func (n *Notifier) pump() {
	defer close(n.done)
	for nt := range n.buf {
		err := n.q.Publish(nt.Topic, nt)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrNoSubscribers):
			n.log.Debug("no subscribers", "topic", nt.Topic)
		default:
			n.log.Error("❌ Failed to publish notification", "topic", nt.Topic, logger.Error(err))
		}
	}
}

// Close flushes buffered notifications to the bus, or gives up when ctx is done.
func (n *Notifier) Close(ctx context.Context) error {
	n.once.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.buf)
		n.mu.Unlock()
	})
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emoji returns the marker used for a level in operator-facing text.
func Emoji(level model.NotificationLevel) string {
	switch level {
	case model.LevelSuccess:
		return "✅"
	case model.LevelWarning:
		return "⚠️"
	case model.LevelError:
		return "❌"
	case model.LevelCritical:
		return "🚨"
	default:
		return "ℹ️"
	}
}
