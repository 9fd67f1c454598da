// internal/model/notification.go
package model

import "time"

type NotificationLevel string

const (
	LevelInfo     NotificationLevel = "info"
	LevelSuccess  NotificationLevel = "success"
	LevelWarning  NotificationLevel = "warning"
	LevelError    NotificationLevel = "error"
	LevelCritical NotificationLevel = "critical"
)

// Notification is an operator-facing event emitted by the lifecycle and dispatch components.
type Notification struct {
	ID         string            `json:"id"`
	Topic      string            `json:"topic"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Level      NotificationLevel `json:"level"`
	Source     string            `json:"source"`
	AccountID  string            `json:"account_id,omitempty"`
	CampaignID string            `json:"campaign_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}
