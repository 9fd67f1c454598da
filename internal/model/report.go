// internal/model/report.go
package model

import (
	"sort"
	"time"
)

type FailureDetail struct {
	DestinationID string `json:"destination_id"`
	DisplayName   string `json:"display_name"`
	LastError     string `json:"last_error"`
	AttemptCount  int    `json:"attempt_count"`
	Permanent     bool   `json:"permanent"`
}

// Report is the final (or forced) account of a campaign run.
type Report struct {
	CampaignID   string          `json:"campaign_id"`
	AccountID    string          `json:"account_id"`
	Status       CampaignStatus  `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	TotalTargets int             `json:"total_targets"`
	Attempted    int             `json:"attempted"`
	Succeeded    int             `json:"succeeded"`
	Failed       int             `json:"failed"`
	Skipped      int             `json:"skipped"`
	Pending      int             `json:"pending"`
	SuccessRate  float64         `json:"success_rate"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	Duration     time.Duration   `json:"duration"`
	Failures     []FailureDetail `json:"failures"`
}

// NewReport summarizes the current state of c.
func NewReport(c *Campaign) *Report {
	r := &Report{
		CampaignID:   c.ID,
		AccountID:    c.AccountID,
		Status:       c.Status,
		Reason:       c.PauseReason,
		TotalTargets: c.TotalTargets,
		Attempted:    c.Stats.Attempted,
		Succeeded:    c.Stats.Succeeded,
		Failed:       c.Stats.Failed,
		Skipped:      c.Stats.Skipped,
		Pending:      len(c.Queue),
		StartedAt:    c.Stats.StartedAt,
		Failures:     make([]FailureDetail, 0, len(c.Failed)),
	}
	if c.Stats.Attempted > 0 {
		r.SuccessRate = float64(c.Stats.Succeeded) / float64(c.Stats.Attempted)
	}
	if c.Stats.EndedAt != nil {
		end := *c.Stats.EndedAt
		r.EndedAt = &end
		r.Duration = end.Sub(c.Stats.StartedAt)
	}
	for id, rec := range c.Failed {
		r.Failures = append(r.Failures, FailureDetail{
			DestinationID: id,
			DisplayName:   rec.DisplayName,
			LastError:     rec.LastError,
			AttemptCount:  rec.AttemptCount,
			Permanent:     rec.Permanent,
		})
	}
	sort.Slice(r.Failures, func(i, j int) bool {
		return r.Failures[i].DestinationID < r.Failures[j].DestinationID
	})
	return r
}
