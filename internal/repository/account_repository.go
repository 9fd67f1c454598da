package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/groupcast/internal/model"
)

type AccountRepositoryInterface interface {
	SaveAll(ctx context.Context, accounts []model.Account) error
	LoadAll(ctx context.Context) ([]model.Account, error)
}

// AccountRepository persists the list of known accounts. SaveAll replaces the list.
type AccountRepository struct {
	DB *sql.DB
}

var _ AccountRepositoryInterface = (*AccountRepository)(nil)

func (r *AccountRepository) SaveAll(ctx context.Context, accounts []model.Account) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE NOT (id = ANY($1))`, pq.Array(ids)); err != nil {
		return fmt.Errorf("prune accounts: %w", err)
	}

	query := `
		INSERT INTO accounts (id, name, position, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, position = EXCLUDED.position
	`
	for i, a := range accounts {
		if _, err := tx.ExecContext(ctx, query, a.ID, a.Name, i, a.CreatedAt); err != nil {
			return fmt.Errorf("upsert account %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

func (r *AccountRepository) LoadAll(ctx context.Context) ([]model.Account, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, name, created_at FROM accounts ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a := model.Account{State: model.AccountUnlinked}
		if err := rows.Scan(&a.ID, &a.Name, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
