// internal/model/account.go
package model

import "time"

type AccountState string

const (
	AccountUnlinked     AccountState = "unlinked"
	AccountLinking      AccountState = "linking"
	AccountConnected    AccountState = "connected"
	AccountReconnecting AccountState = "reconnecting"
	AccountLoggedOut    AccountState = "logged_out"
)

func (s AccountState) String() string { return string(s) }

// Account is the externally visible view of one linked messaging account.
// Credentials never leave the connection manager, so they are not part of it.
type Account struct {
	ID             string       `db:"id" json:"id"`
	Name           string       `db:"name" json:"name"`
	State          AccountState `db:"-" json:"state"`
	RetryCount     int          `db:"-" json:"retry_count"`
	HasCredentials bool         `db:"-" json:"has_credentials"`
	LastError      string       `db:"-" json:"last_error,omitempty"`
	PairCode       string       `db:"-" json:"-"`
	PairExpiresAt  *time.Time   `db:"-" json:"pair_expires_at,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}
