package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/pkg/db/pagination"
	"gorm.io/gorm"
)

type ClaimRequest struct {
	Now        time.Time
	Limit      int
	MaxRetries int
	LeaseUntil time.Time
	Worker     string
	SkipLocked bool
}

type ListFilter struct {
	Status     Status
	OrgID      *snowflake.ID
	MaxRetries int
}

type FailureUpdate struct {
	Error       string
	At          time.Time
	NextRetryAt *time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, log *WebhookLog) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*WebhookLog, error)
	AssignOwner(ctx context.Context, db *gorm.DB, id snowflake.ID, orgID, instanceID snowflake.ID, eventType string, at time.Time) error
	MarkSignature(ctx context.Context, db *gorm.DB, id snowflake.ID, valid bool, nextRetryAt *time.Time, at time.Time) (int64, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (int64, error)
	RecordError(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, at time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, update FailureUpdate) (int64, error)
	MarkExhausted(ctx context.Context, db *gorm.DB, id snowflake.ID, update FailureUpdate, maxRetries int) (int64, error)
	ClaimDue(ctx context.Context, db *gorm.DB, req ClaimRequest) ([]WebhookLog, error)
	ReleaseLease(ctx context.Context, db *gorm.DB, id snowflake.ID, worker string, at time.Time) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter, page pagination.Pagination) ([]*WebhookLog, error)
}
