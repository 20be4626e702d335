package models

import "time"

// VerifyTask represents a queued payment verification job.
type VerifyTask struct {
	ID          int64      `json:"id"`
	Reference   string     `json:"reference"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}
