// Package pairing renders handshake payloads as scannable QR codes.
package pairing

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

var (
	ErrEmptyPayload = errors.New("pairing payload is empty")
	ErrExpired      = errors.New("pairing payload has expired")
	ErrRender       = errors.New("failed to render pairing QR code")
)

const DefaultSize = 256

// Render encodes payload as a PNG QR code of size×size pixels.
func Render(payload string, size int) ([]byte, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, ErrEmptyPayload
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, errors.Join(ErrRender, err)
	}
	return png, nil
}

// DataURI is Render as an inline image URI.
func DataURI(payload string, size int) (string, error) {
	png, err := Render(payload, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Challenge is the JSON view of a pending pairing.
type Challenge struct {
	AccountID string    `json:"account_id"`
	Payload   string    `json:"payload"`
	Image     string    `json:"image"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int       `json:"expires_in"`
}

// NewChallenge renders payload unless it expired before now.
func NewChallenge(accountID, payload string, expiresAt, now time.Time) (*Challenge, error) {
	if !expiresAt.IsZero() && !now.Before(expiresAt) {
		return nil, ErrExpired
	}
	img, err := DataURI(payload, DefaultSize)
	if err != nil {
		return nil, err
	}
	c := &Challenge{AccountID: accountID, Payload: payload, Image: img, ExpiresAt: expiresAt}
	if !expiresAt.IsZero() {
		c.ExpiresIn = int(expiresAt.Sub(now).Seconds())
	}
	return c, nil
}
