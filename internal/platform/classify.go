package platform

import (
	"context"
	"errors"
	"net"
	"strings"
)

type CloseKind int

const (
	CloseRecoverable CloseKind = iota
	CloseLoggedOut
)

func (k CloseKind) String() string {
	if k == CloseLoggedOut {
		return "logged_out"
	}
	return "recoverable"
}

var loggedOutWords = []string{"logged out", "logout", "unpaired", "invalid credentials", "revoked", "401"}

var transientWords = []string{
	"timeout", "timed out", "rate limit", "rate-limit", "ratelimit", "too many", "connection", "temporar",
	"unavailable", "network", "reset", "eof", "try again",
}

// ClassifyClose decides whether a transport close reason invalidated the session.
func ClassifyClose(reason string) CloseKind {
	r := strings.ToLower(reason)
	for _, w := range loggedOutWords {
		if strings.Contains(r, w) {
			return CloseLoggedOut
		}
	}
	return CloseRecoverable
}

// IsRecoverable reports whether a send failure is worth retrying.
// Unknown failures are fatal.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNotAllowed), errors.Is(err, ErrNotMember), errors.Is(err, ErrLoggedOut):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrNotConnected), errors.Is(err, ErrClosed), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, w := range transientWords {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}
