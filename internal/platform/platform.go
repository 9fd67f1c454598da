// Package platform is the boundary to the messaging network.
//
// A Dialer opens a Session for an account. A session reports its lifecycle on
// Events(): pairing codes and credential updates during a handshake, then
// Connected, and finally Disconnected or LoggedOut. The channel is closed when
// the session is closed.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/unclebandit/groupcast/internal/model"
)

type EventKind string

const (
	EventPairCode     EventKind = "pair_code"
	EventCredentials  EventKind = "credentials"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventLoggedOut    EventKind = "logged_out"
)

type Event struct {
	Kind        EventKind
	PairCode    string
	Credentials []byte
	Reason      string
	At          time.Time
}

type Dialer interface {
	// Dial opens a transport for accountID. A nil credentials blob starts a
	// fresh pairing; otherwise the stored session is resumed.
	Dial(ctx context.Context, accountID string, credentials []byte) (Session, error)
}

type Session interface {
	Events() <-chan Event
	Send(ctx context.Context, dest model.Destination, content model.Content) error
	Targets(ctx context.Context) ([]model.Destination, error)
	Logout(ctx context.Context) error
	Close() error
}

// Errors a platform implementation may return from Dial or Send.
var (
	ErrLoggedOut    = errors.New("session logged out")
	ErrRateLimited  = errors.New("rate limited")
	ErrTimeout      = errors.New("request timed out")
	ErrUnavailable  = errors.New("service unavailable")
	ErrNotConnected = errors.New("not connected")
	ErrNotAllowed   = errors.New("not allowed to post in this group")
	ErrNotMember    = errors.New("not a member of this group")
	ErrClosed       = errors.New("session closed")
)
