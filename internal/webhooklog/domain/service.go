package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/pkg/db/pagination"
)

var (
	ErrNotFound       = errors.New("webhook_log_not_found")
	ErrInvalidStatus  = errors.New("invalid_webhook_log_status")
	ErrEmptyPayload   = errors.New("empty_payload")
	ErrInvalidLogID   = errors.New("invalid_webhook_log_id")
	ErrAlreadyInState = errors.New("webhook_log_state_unchanged")
)

type CreateRequest struct {
	Provider       string
	EventType      string
	Payload        []byte
	Signature      string
	SignatureValid bool
	RemoteIP       string
	CorrelationID  string
}

type ListRequest struct {
	Status    string
	OrgID     *snowflake.ID
	PageToken string
	PageSize  int32
}

type ListResponse struct {
	pagination.PageInfo
	Logs []*WebhookLog `json:"webhook_logs"`
}

// Service is the durable log acting as the dead-letter queue.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (WebhookLog, error)
	Get(ctx context.Context, id snowflake.ID) (WebhookLog, error)
	AssignOwner(ctx context.Context, id, orgID, instanceID snowflake.ID, eventType string) error
	MarkSignature(ctx context.Context, id snowflake.ID, valid bool) error
	MarkProcessed(ctx context.Context, id snowflake.ID) error
	// RecordError notes an inline failure without consuming a retry attempt.
	RecordError(ctx context.Context, id snowflake.ID, cause error) error
	// MarkFailed consumes one attempt and returns the updated row.
	MarkFailed(ctx context.Context, id snowflake.ID, cause error) (WebhookLog, error)
	// MarkExhausted spends the remaining attempts for failures a replay
	// cannot fix and returns the updated row.
	MarkExhausted(ctx context.Context, id snowflake.ID, cause error) (WebhookLog, error)
	ClaimDue(ctx context.Context, limit int, worker string) ([]WebhookLog, error)
	Release(ctx context.Context, id snowflake.ID, worker string) error
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Backoff() Backoff
}
