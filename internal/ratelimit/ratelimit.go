// Package ratelimit enforces a per-key ceiling of N events in any sliding window.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidLimit  = errors.New("ratelimit: limit must be positive")
	ErrInvalidWindow = errors.New("ratelimit: window must be positive")
	ErrStoreRequired = errors.New("ratelimit: store is required")
	ErrKeyRequired   = errors.New("ratelimit: key is required")
)

// Store records event timestamps. Reserve is atomic: it either records an
// event at now and returns zero, or records nothing and returns how long the
// caller must wait for the oldest event to leave the window.
type Store interface {
	Reserve(ctx context.Context, key string, now time.Time, limit int, window time.Duration) (time.Duration, error)
	Reset(ctx context.Context, key string) error
}

// SlidingWindow binds a Store to a fixed limit and window.
type SlidingWindow struct {
	store  Store
	limit  int
	window time.Duration
	now    func() time.Time
}

type Option func(*SlidingWindow)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(sw *SlidingWindow) { sw.now = now }
}

func NewSlidingWindow(store Store, limit int, window time.Duration, opts ...Option) (*SlidingWindow, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	sw := &SlidingWindow{store: store, limit: limit, window: window, now: time.Now}
	for _, opt := range opts {
		opt(sw)
	}
	return sw, nil
}

// Reserve takes a slot for key. A zero wait means the slot was taken.
func (sw *SlidingWindow) Reserve(ctx context.Context, key string) (time.Duration, error) {
	if key == "" {
		return 0, ErrKeyRequired
	}
	return sw.store.Reserve(ctx, key, sw.now(), sw.limit, sw.window)
}

// Wait blocks until a slot for key is taken or ctx is done.
func (sw *SlidingWindow) Wait(ctx context.Context, key string) error {
	for {
		wait, err := sw.Reserve(ctx, key)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (sw *SlidingWindow) Reset(ctx context.Context, key string) error {
	if key == "" {
		return ErrKeyRequired
	}
	return sw.store.Reset(ctx, key)
}

func (sw *SlidingWindow) Limit() int            { return sw.limit }
func (sw *SlidingWindow) Window() time.Duration { return sw.window }
