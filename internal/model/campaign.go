// internal/model/campaign.go
package model

import (
	"maps"
	"slices"
	"time"
)

type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignPaused    CampaignStatus = "paused"
)

type Stats struct {
	Attempted int        `json:"attempted"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Campaign is one broadcast run of a single piece of content for one account.
type Campaign struct {
	ID           string                    `db:"id" json:"id"`
	AccountID    string                    `db:"account_id" json:"account_id"`
	Content      Content                   `db:"-" json:"content"`
	Fingerprint  string                    `db:"-" json:"fingerprint"`
	Status       CampaignStatus            `db:"status" json:"status"`
	PauseReason  string                    `db:"-" json:"pause_reason,omitempty"`
	TotalTargets int                       `db:"-" json:"total_targets"`
	Queue        []Destination             `db:"-" json:"queue"`
	Delivered    map[string]bool           `db:"-" json:"delivered"`
	Failed       map[string]*FailureRecord `db:"-" json:"failed"`
	Stats        Stats                     `db:"-" json:"stats"`
	UpdatedAt    time.Time                 `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers while the send loop keeps mutating c.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	out := *c
	out.Queue = slices.Clone(c.Queue)
	out.Delivered = maps.Clone(c.Delivered)
	if out.Delivered == nil {
		out.Delivered = map[string]bool{}
	}
	out.Failed = make(map[string]*FailureRecord, len(c.Failed))
	for id, rec := range c.Failed {
		r := *rec
		out.Failed[id] = &r
	}
	if c.Stats.EndedAt != nil {
		t := *c.Stats.EndedAt
		out.Stats.EndedAt = &t
	}
	return &out
}

// Pending is the number of destinations still waiting in the queue.
func (c *Campaign) Pending() int { return len(c.Queue) }
