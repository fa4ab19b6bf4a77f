package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// WebhookLog is the durable record of one accepted delivery. Rows are never
// deleted by the pipeline.
type WebhookLog struct {
	ID              snowflake.ID  `gorm:"primaryKey" json:"id"`
	OrgID           *snowflake.ID `json:"organization_id,omitempty"`
	InstanceID      *snowflake.ID `json:"instance_id,omitempty"`
	Provider        string        `json:"provider"`
	EventType       string        `json:"event_type"`
	Payload         string        `json:"payload"`
	Signature       string        `json:"-"`
	SignatureValid  bool          `json:"signature_valid"`
	Processed       bool          `json:"processed"`
	RetryCount      int           `json:"retry_count"`
	LastRetryAt     *time.Time    `json:"last_retry_at,omitempty"`
	NextRetryAt     *time.Time    `json:"next_retry_at,omitempty"`
	ProcessingError *string       `json:"processing_error,omitempty"`
	ProcessedAt     *time.Time    `json:"processed_at,omitempty"`
	LockedUntil     *time.Time    `json:"-"`
	LockedBy        *string       `json:"-"`
	RemoteIP        string        `json:"remote_ip,omitempty"`
	CorrelationID   string        `json:"correlation_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (WebhookLog) TableName() string { return "webhook_logs" }

// Status is the derived lifecycle state used for filtering.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
	StatusInvalid   Status = "invalid"
)

// StatusOf derives the lifecycle state; failed means the retry ceiling was reached.
func StatusOf(log WebhookLog, maxRetries int) Status {
	switch {
	case !log.SignatureValid:
		return StatusInvalid
	case log.Processed:
		return StatusProcessed
	case log.RetryCount >= maxRetries:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Backoff computes the retry schedule: attempt n+1 is due (n+1)*Base after
// the row was created, so a 5 minute base yields 5/10/15 minutes.
type Backoff struct {
	Base       time.Duration
	MaxRetries int
}

// NextAttemptAt returns when a row with retryCount prior failures becomes due.
func (b Backoff) NextAttemptAt(createdAt time.Time, retryCount int) time.Time {
	return createdAt.Add(time.Duration(retryCount+1) * b.Base)
}

// Ready reports whether log may be retried at now.
func (b Backoff) Ready(now time.Time, log WebhookLog) bool {
	if log.Processed || !log.SignatureValid || log.RetryCount >= b.MaxRetries {
		return false
	}
	return now.Sub(log.CreatedAt) >= time.Duration(log.RetryCount+1)*b.Base
}

// Exhausted reports whether retryCount reached the ceiling.
func (b Backoff) Exhausted(retryCount int) bool {
	return retryCount >= b.MaxRetries
}
