// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// Lifecycle and dispatch failures returned at the action boundary.
var (
	ErrHandshakeTimeout    = errors.New("handshake timed out")
	ErrHandshakeFailed     = errors.New("handshake failed")
	ErrAlreadyLinking      = errors.New("account is already linking")
	ErrAlreadyActive       = errors.New("account already has an active campaign")
	ErrAccountNotConnected = errors.New("account is not connected")
	ErrInvalidContent      = errors.New("invalid content")
	ErrNoTargets           = errors.New("no targets discovered")
	ErrRecoverableSend     = errors.New("recoverable send error")
	ErrFatalSend           = errors.New("fatal send error")
	ErrLoggedOut           = errors.New("account logged out")
	ErrNoCampaign          = errors.New("account has no campaign")
	ErrCampaignNotPaused   = errors.New("campaign is not paused")
	ErrCampaignNotActive   = errors.New("campaign is not active")
	ErrAccountNotFound     = errors.New("account not found")
	ErrCampaignNotFound    = errors.New("campaign not found")
)

// ErrAccountNotFoundID carries the identifier that missed.
type ErrAccountNotFoundID struct {
	AccountID string
}

func (e *ErrAccountNotFoundID) Error() string {
	return fmt.Sprintf("account with ID %s not found", e.AccountID)
}

func (e *ErrAccountNotFoundID) Is(target error) bool { return target == ErrAccountNotFound }

// NewAccountNotFound returns an error matching ErrAccountNotFound.
func NewAccountNotFound(id string) error {
	return &ErrAccountNotFoundID{AccountID: id}
}

// ErrCampaignNotFoundID carries the identifier that missed.
type ErrCampaignNotFoundID struct {
	CampaignID string
}

func (e *ErrCampaignNotFoundID) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

func (e *ErrCampaignNotFoundID) Is(target error) bool { return target == ErrCampaignNotFound }

// NewCampaignNotFound returns an error matching ErrCampaignNotFound.
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFoundID{CampaignID: id}
}

// InvalidContentError lists the fields that failed validation.
type InvalidContentError struct {
	Fields []string
	Reason string
}

func (e *InvalidContentError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("invalid content: %s", e.Reason)
	}
	return fmt.Sprintf("invalid content: %s %v", e.Reason, e.Fields)
}

func (e *InvalidContentError) Is(target error) bool { return target == ErrInvalidContent }

func NewInvalidContent(reason string, fields ...string) error {
	return &InvalidContentError{Reason: reason, Fields: fields}
}

// SendError is a classified per-destination delivery failure.
type SendError struct {
	DestinationID string
	Recoverable   bool
	Err           error
}

func (e *SendError) Error() string {
	kind := "fatal"
	if e.Recoverable {
		kind = "recoverable"
	}
	return fmt.Sprintf("%s send error to %s: %v", kind, e.DestinationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool {
	if e.Recoverable {
		return target == ErrRecoverableSend
	}
	return target == ErrFatalSend
}

func NewSendError(destID string, recoverable bool, err error) error {
	return &SendError{DestinationID: destID, Recoverable: recoverable, Err: err}
}
