package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/groupcast/internal/errors"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/platform"
)

// TargetDiscovery lists the destinations a session can broadcast to.
type TargetDiscovery interface {
	DiscoverTargets(ctx context.Context, sess platform.Session) ([]model.Destination, error)
}

// SessionDiscovery asks the session itself, bounded by Timeout.
type SessionDiscovery struct {
	Timeout time.Duration
}

func (d SessionDiscovery) DiscoverTargets(ctx context.Context, sess platform.Session) ([]model.Destination, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	targets, err := sess.Targets(ctx)
	if err != nil {
		return nil, errors.Join(appErrors.ErrNoTargets, fmt.Errorf("discover targets: %w", err))
	}

	// platforms may list a group twice
	seen := make(map[string]bool, len(targets))
	out := targets[:0:0]
	for _, t := range targets {
		if t.ID == "" || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, appErrors.ErrNoTargets
	}
	return out, nil
}
