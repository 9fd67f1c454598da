package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/unclebandit/groupcast/internal/secrets"
)

type CredentialRepositoryInterface interface {
	Save(ctx context.Context, accountID string, blob []byte) error
	Load(ctx context.Context, accountID string) ([]byte, error)
	Delete(ctx context.Context, accountID string) error
}

// CredentialRepository stores session credential blobs, sealed when Cipher is set.
type CredentialRepository struct {
	DB     *sql.DB
	Cipher *secrets.Cipher
}

var _ CredentialRepositoryInterface = (*CredentialRepository)(nil)

func (r *CredentialRepository) Save(ctx context.Context, accountID string, blob []byte) error {
	stored := blob
	if r.Cipher != nil {
		sealed, err := r.Cipher.Seal(accountID, blob)
		if err != nil {
			return fmt.Errorf("seal credentials: %w", err)
		}
		stored = sealed
	}
	query := `
		INSERT INTO account_credentials (account_id, blob, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET blob = EXCLUDED.blob, updated_at = NOW()
	`
	_, err := r.DB.ExecContext(ctx, query, accountID, stored)
	return err
}

// Load returns nil without error when the account has no stored session.
func (r *CredentialRepository) Load(ctx context.Context, accountID string) ([]byte, error) {
	var stored []byte
	err := r.DB.QueryRowContext(ctx, `SELECT blob FROM account_credentials WHERE account_id=$1`, accountID).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if r.Cipher == nil {
		return stored, nil
	}
	blob, err := r.Cipher.Open(accountID, stored)
	if err != nil {
		return nil, fmt.Errorf("open credentials: %w", err)
	}
	return blob, nil
}

func (r *CredentialRepository) Delete(ctx context.Context, accountID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM account_credentials WHERE account_id=$1`, accountID)
	return err
}
