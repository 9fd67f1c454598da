// internal/model/destination.go
package model

// Destination is a broadcast target group as reported by target discovery.
type Destination struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Size        int    `json:"size"`
}

// FailureRecord tracks delivery attempts for one destination.
// Permanent records are no longer queued.
type FailureRecord struct {
	DisplayName  string `json:"display_name"`
	LastError    string `json:"last_error"`
	AttemptCount int    `json:"attempt_count"`
	Permanent    bool   `json:"permanent"`
}
