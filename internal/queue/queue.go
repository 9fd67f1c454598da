package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Topics published by the service.
const (
	TopicAccountState      = "account.state"
	TopicAccountPairing    = "account.pairing"
	TopicAccountFatal      = "account.fatal"
	TopicCampaignStarted   = "campaign.started"
	TopicCampaignPaused    = "campaign.paused"
	TopicCampaignCompleted = "campaign.completed"

	// TopicAll subscribes to every topic.
	TopicAll = "#"
)

var ErrNoSubscribers = errors.New("no subscribers for topic")

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// InMemoryQueue delivers each message to every handler of its topic on its own
// goroutine, retrying failed handlers with backoff.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]func(payload any) error
	maxRetries uint64
	backoff    func() retry.Backoff
	log        *slog.Logger
	inflight   sync.WaitGroup
}

type Option func(*InMemoryQueue)

func WithMaxRetries(n uint64) Option {
	return func(q *InMemoryQueue) { q.maxRetries = n }
}

// WithBackoff sets the delay policy between handler retries.
func WithBackoff(fn func() retry.Backoff) Option {
	return func(q *InMemoryQueue) { q.backoff = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *InMemoryQueue) { q.log = l }
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		handlers:   make(map[string][]func(payload any) error),
		maxRetries: 3,
		backoff: func() retry.Backoff {
			return retry.NewExponential(500 * time.Millisecond)
		},
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish sends a message to all subscribers of topic and of TopicAll.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := append([]func(any) error{}, q.handlers[topic]...)
	handlers = append(handlers, q.handlers[TopicAll]...)
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w %s", ErrNoSubscribers, topic)
	}

	for _, handler := range handlers {
		q.inflight.Add(1)
		go q.processJob(topic, handler, payload)
	}
	return nil
}

func (q *InMemoryQueue) processJob(topic string, handler func(payload any) error, payload any) {
	defer q.inflight.Done()

	attempt := 0
	b := retry.WithMaxRetries(q.maxRetries, q.backoff())
	err := retry.Do(context.Background(), b, func(_ context.Context) error {
		attempt++
		if err := handler(payload); err != nil {
			q.log.Warn("⚠️ Job failed", "topic", topic, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		q.log.Error("❌ Job permanently failed", "topic", topic, "attempts", attempt, "error", err)
		return
	}
	q.log.Debug("Job processed", "topic", topic, "attempts", attempt)
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Drain waits for in-flight jobs, including their retries, or until ctx is done.
func (q *InMemoryQueue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
