// Package secrets encrypts account credential blobs at rest.
// Each account gets its own AES-256-GCM key derived with HKDF from the master key,
// so a leaked row cannot be replayed under a different account id.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32

	info = "groupcast-credentials-v1"
)

var (
	ErrInvalidKey          = errors.New("invalid master key: must be 32 bytes")
	ErrInvalidCiphertext   = errors.New("invalid ciphertext")
	ErrEncryptionFailed    = errors.New("encryption failed")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrKeyDerivationFailed = errors.New("key derivation failed")
)

// Cipher seals and opens credential blobs.
type Cipher struct {
	master []byte
}

func NewCipher(master []byte) (*Cipher, error) {
	if len(master) != KeySize {
		return nil, ErrInvalidKey
	}
	key := make([]byte, KeySize)
	copy(key, master)
	return &Cipher{master: key}, nil
}

// Seal returns nonce || ciphertext || tag.
func (c *Cipher) Seal(accountID string, plaintext []byte) ([]byte, error) {
	aead, err := c.aead(accountID)
	if err != nil {
		return nil, errors.Join(ErrEncryptionFailed, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Join(ErrEncryptionFailed, err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(accountID)), nil
}

func (c *Cipher) Open(accountID string, sealed []byte) ([]byte, error) {
	aead, err := c.aead(accountID)
	if err != nil {
		return nil, errors.Join(ErrDecryptionFailed, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, []byte(accountID))
	if err != nil {
		return nil, errors.Join(ErrDecryptionFailed, err)
	}
	return plain, nil
}

func (c *Cipher) aead(accountID string) (cipher.AEAD, error) {
	key := make([]byte, KeySize)
	defer clear(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, []byte(accountID), []byte(info)), key); err != nil {
		return nil, errors.Join(ErrKeyDerivationFailed, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// GenerateKey returns a random master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
