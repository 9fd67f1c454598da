package connection

import (
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/unclebandit/groupcast/internal/config"
)

// Policy bounds the handshake wait and the reconnection attempts of a Manager.
type Policy struct {
	HandshakeTimeout time.Duration
	MaxRetries       int
	// NewBackoff is called each time the account enters Reconnecting from Connected.
	NewBackoff func() retry.Backoff
}

func PolicyFromConfig(cfg config.ConnectionConfig) Policy {
	return Policy{
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxRetries:       cfg.MaxRetries,
		NewBackoff:       BackoffFactory(cfg.Backoff, cfg.BackoffBase, cfg.BackoffMax, cfg.JitterPercent),
	}
}

// BackoffFactory returns fresh exponential or fixed backoffs.
func BackoffFactory(kind string, base, max time.Duration, jitter uint64) func() retry.Backoff {
	if base <= 0 {
		base = time.Second
	}
	return func() retry.Backoff {
		var b retry.Backoff
		if kind == "fixed" {
			b = retry.NewConstant(base)
		} else {
			b = retry.NewExponential(base)
			if max > 0 {
				b = retry.WithCappedDuration(max, b)
			}
		}
		if jitter > 0 {
			b = retry.WithJitterPercent(jitter, b)
		}
		return b
	}
}
