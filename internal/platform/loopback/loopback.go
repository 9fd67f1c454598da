// Package loopback is an in-process messaging network. The sandbox server runs
// on it, and tests drive it to script handshakes, drops and send failures.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/platform"
)

type Sent struct {
	AccountID   string
	Destination model.Destination
	Content     model.Content
	At          time.Time
}

type Option func(*Network)

// WithAutoPair completes a fresh pairing after delay. Without it, Pair must be called.
func WithAutoPair(delay time.Duration) Option {
	return func(n *Network) { n.autoPair, n.pairDelay = true, delay }
}

// WithGroups gives every account count generated groups.
func WithGroups(count int) Option {
	return func(n *Network) { n.defaultGroups = count }
}

// WithFailRate makes sends fail with a timeout at the given probability.
func WithFailRate(rate float64) Option {
	return func(n *Network) { n.failRate = rate }
}

func WithLatency(d time.Duration) Option {
	return func(n *Network) { n.latency = d }
}

type Network struct {
	mu            sync.Mutex
	autoPair      bool
	pairDelay     time.Duration
	defaultGroups int
	failRate      float64
	latency       time.Duration

	groups   map[string][]model.Destination
	sessions map[string]*Session
	revoked  map[string]bool
	sent     []Sent
	dials    map[string]int

	sendHook func(accountID string, dest model.Destination) error
	dialHook func(accountID string, credentials []byte) error
}

var _ platform.Dialer = (*Network)(nil)

func New(opts ...Option) *Network {
	n := &Network{
		groups:   make(map[string][]model.Destination),
		sessions: make(map[string]*Session),
		revoked:  make(map[string]bool),
		dials:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Network) Dial(ctx context.Context, accountID string, credentials []byte) (platform.Session, error) {
	n.mu.Lock()
	n.dials[accountID]++
	hook := n.dialHook
	n.mu.Unlock()

	if hook != nil {
		if err := hook(accountID, credentials); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Session{
		network:   n,
		accountID: accountID,
		events:    make(chan platform.Event, 32),
	}

	n.mu.Lock()
	if prev := n.sessions[accountID]; prev != nil {
		prev.shutdown()
	}
	n.sessions[accountID] = s
	revoked := n.revoked[accountID]
	autoPair, delay := n.autoPair, n.pairDelay
	n.mu.Unlock()

	switch {
	case credentials != nil && revoked:
		s.emit(platform.Event{Kind: platform.EventLoggedOut, Reason: "credentials revoked"})
	case credentials != nil:
		s.emit(platform.Event{Kind: platform.EventConnected})
	default:
		s.emit(platform.Event{Kind: platform.EventPairCode, PairCode: "loopback@" + accountID + "/" + uuid.NewString()})
		if autoPair {
			go func() {
				t := time.NewTimer(delay)
				defer t.Stop()
				select {
				case <-t.C:
					n.Pair(accountID)
				case <-s.done():
				}
			}()
		}
	}
	return s, nil
}

// Pair completes the handshake of the current session of accountID.
func (n *Network) Pair(accountID string) bool {
	s := n.current(accountID)
	if s == nil {
		return false
	}
	n.mu.Lock()
	delete(n.revoked, accountID)
	n.mu.Unlock()

	blob, _ := json.Marshal(map[string]string{"account": accountID, "device": uuid.NewString()})
	s.emit(platform.Event{Kind: platform.EventCredentials, Credentials: blob})
	s.emit(platform.Event{Kind: platform.EventConnected})
	return true
}

// Drop closes the transport of accountID with reason.
func (n *Network) Drop(accountID, reason string) bool {
	s := n.current(accountID)
	if s == nil {
		return false
	}
	s.emit(platform.Event{Kind: platform.EventDisconnected, Reason: reason})
	return true
}

// Revoke invalidates the stored credentials of accountID, as a logout from
// another device would.
func (n *Network) Revoke(accountID string) {
	n.mu.Lock()
	n.revoked[accountID] = true
	n.mu.Unlock()
	if s := n.current(accountID); s != nil {
		s.emit(platform.Event{Kind: platform.EventLoggedOut, Reason: "logged out from another device"})
	}
}

// RotateCredentials emits a credential update on the live session.
func (n *Network) RotateCredentials(accountID string, blob []byte) bool {
	s := n.current(accountID)
	if s == nil {
		return false
	}
	s.emit(platform.Event{Kind: platform.EventCredentials, Credentials: blob})
	return true
}

func (n *Network) SetGroups(accountID string, groups []model.Destination) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups[accountID] = groups
}

// OnSend intercepts every send. A non-nil error fails the send.
func (n *Network) OnSend(fn func(accountID string, dest model.Destination) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sendHook = fn
}

// OnDial intercepts every dial. A non-nil error fails the dial.
func (n *Network) OnDial(fn func(accountID string, credentials []byte) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dialHook = fn
}

func (n *Network) Sent(accountID string) []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Sent
	for _, s := range n.sent {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	return out
}

func (n *Network) Dials(accountID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[accountID]
}

func (n *Network) current(accountID string) *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[accountID]
}

func (n *Network) targets(accountID string) []model.Destination {
	n.mu.Lock()
	defer n.mu.Unlock()
	if g, ok := n.groups[accountID]; ok {
		return append([]model.Destination(nil), g...)
	}
	out := make([]model.Destination, 0, n.defaultGroups)
	for i := 1; i <= n.defaultGroups; i++ {
		out = append(out, model.Destination{
			ID:          fmt.Sprintf("%s-g%03d", accountID, i),
			DisplayName: fmt.Sprintf("Group %d", i),
			Size:        20 + (i*37)%230,
		})
	}
	return out
}

func (n *Network) send(ctx context.Context, accountID string, dest model.Destination, content model.Content) error {
	n.mu.Lock()
	hook, latency, failRate := n.sendHook, n.latency, n.failRate
	n.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if hook != nil {
		if err := hook(accountID, dest); err != nil {
			return err
		}
	}
	if failRate > 0 && rand.Float64() < failRate {
		return platform.ErrTimeout
	}

	n.mu.Lock()
	n.sent = append(n.sent, Sent{AccountID: accountID, Destination: dest, Content: content, At: time.Now()})
	n.mu.Unlock()
	return nil
}

type Session struct {
	network   *Network
	accountID string
	events    chan platform.Event

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
}

var _ platform.Session = (*Session)(nil)

func (s *Session) Events() <-chan platform.Event { return s.events }

func (s *Session) Send(ctx context.Context, dest model.Destination, content model.Content) error {
	if s.isClosed() {
		return platform.ErrClosed
	}
	return s.network.send(ctx, s.accountID, dest, content)
}

func (s *Session) Targets(ctx context.Context) ([]model.Destination, error) {
	if s.isClosed() {
		return nil, platform.ErrClosed
	}
	return s.network.targets(s.accountID), ctx.Err()
}

func (s *Session) Logout(ctx context.Context) error {
	n := s.network
	n.mu.Lock()
	n.revoked[s.accountID] = true
	n.mu.Unlock()
	return s.Close()
}

func (s *Session) Close() error {
	n := s.network
	n.mu.Lock()
	if n.sessions[s.accountID] == s {
		delete(n.sessions, s.accountID)
	}
	n.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *Session) emit(ev platform.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ev.At = time.Now()
	select {
	case s.events <- ev:
	default:
	}
	if ev.Kind == platform.EventDisconnected || ev.Kind == platform.EventLoggedOut {
		s.closeLocked()
	}
}

func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	if s.closedCh != nil {
		close(s.closedCh)
	}
}

func (s *Session) done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closedCh == nil {
		s.closedCh = make(chan struct{})
		if s.closed {
			close(s.closedCh)
		}
	}
	return s.closedCh
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
