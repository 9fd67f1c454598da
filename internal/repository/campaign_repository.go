package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/groupcast/internal/errors"
	"github.com/unclebandit/groupcast/internal/model"
)

type CampaignRepositoryInterface interface {
	// Snapshots
	SaveSnapshot(ctx context.Context, c *model.Campaign) error
	LoadLatest(ctx context.Context, id string) (*model.Campaign, error)
	ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error)

	// Reports
	SaveReport(ctx context.Context, r *model.Report) error
	LoadReport(ctx context.Context, campaignID string) (*model.Report, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

// ====================== Snapshots ======================

// SaveSnapshot stores the whole campaign as JSON so it round-trips without field loss.
func (r *CampaignRepository) SaveSnapshot(ctx context.Context, c *model.Campaign) error {
	c.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode campaign %s: %w", c.ID, err)
	}
	query := `
		INSERT INTO campaigns (id, account_id, status, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at
	`
	_, err = r.DB.ExecContext(ctx, query, c.ID, c.AccountID, string(c.Status), body, c.UpdatedAt)
	return err
}

// LoadLatest returns nil without error when the campaign was never saved.
func (r *CampaignRepository) LoadLatest(ctx context.Context, id string) (*model.Campaign, error) {
	var body []byte
	err := r.DB.QueryRowContext(ctx, `SELECT snapshot FROM campaigns WHERE id=$1`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var c model.Campaign
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("decode campaign %s: %w", id, err)
	}
	return &c, nil
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, status model.CampaignStatus) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT snapshot FROM campaigns WHERE status=$1 ORDER BY updated_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Campaign
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var c model.Campaign
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, fmt.Errorf("decode campaign: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ====================== Reports ======================

func (r *CampaignRepository) SaveReport(ctx context.Context, rep *model.Report) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report %s: %w", rep.CampaignID, err)
	}
	query := `
		INSERT INTO campaign_reports (campaign_id, account_id, report, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (campaign_id) DO UPDATE SET report = EXCLUDED.report, created_at = NOW()
	`
	_, err = r.DB.ExecContext(ctx, query, rep.CampaignID, rep.AccountID, body)
	return err
}

func (r *CampaignRepository) LoadReport(ctx context.Context, campaignID string) (*model.Report, error) {
	var body []byte
	err := r.DB.QueryRowContext(ctx, `SELECT report FROM campaign_reports WHERE campaign_id=$1`, campaignID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(campaignID)
		}
		return nil, err
	}
	var rep model.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", campaignID, err)
	}
	return &rep, nil
}
