package repository

import (
	"context"
	"database/sql"
	"time"
)

// DeliveryRepositoryInterface remembers which destinations already received a given
// content fingerprint from an account.
type DeliveryRepositoryInterface interface {
	Has(ctx context.Context, accountID, fingerprint, destinationID string) (bool, error)
	Record(ctx context.Context, accountID, fingerprint, destinationID string, at time.Time) error
}

type DeliveryRepository struct {
	DB *sql.DB
}

var _ DeliveryRepositoryInterface = (*DeliveryRepository)(nil)

func (r *DeliveryRepository) Has(ctx context.Context, accountID, fingerprint, destinationID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM delivery_log
			WHERE account_id=$1 AND fingerprint=$2 AND destination_id=$3
		)
	`
	var exists bool
	err := r.DB.QueryRowContext(ctx, query, accountID, fingerprint, destinationID).Scan(&exists)
	return exists, err
}

// Record is idempotent.
func (r *DeliveryRepository) Record(ctx context.Context, accountID, fingerprint, destinationID string, at time.Time) error {
	query := `
		INSERT INTO delivery_log (account_id, fingerprint, destination_id, delivered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`
	_, err := r.DB.ExecContext(ctx, query, accountID, fingerprint, destinationID, at)
	return err
}
