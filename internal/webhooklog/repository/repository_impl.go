package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/internal/webhooklog/domain"
	"github.com/smallbiznis/waingest/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const logColumns = `id, org_id, instance_id, provider, event_type, payload, signature,
	signature_valid, processed, retry_count, last_retry_at, next_retry_at,
	processing_error, processed_at, locked_until, locked_by, remote_ip,
	correlation_id, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, log *domain.WebhookLog) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_logs (`+logColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID,
		log.OrgID,
		log.InstanceID,
		log.Provider,
		log.EventType,
		log.Payload,
		log.Signature,
		log.SignatureValid,
		log.Processed,
		log.RetryCount,
		log.LastRetryAt,
		log.NextRetryAt,
		log.ProcessingError,
		log.ProcessedAt,
		log.LockedUntil,
		log.LockedBy,
		log.RemoteIP,
		log.CorrelationID,
		log.CreatedAt,
		log.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.WebhookLog, error) {
	var log domain.WebhookLog
	err := db.WithContext(ctx).Raw(
		`SELECT `+logColumns+` FROM webhook_logs WHERE id = ?`,
		id,
	).Scan(&log).Error
	if err != nil {
		return nil, err
	}
	if log.ID == 0 {
		return nil, nil
	}
	return &log, nil
}

// AssignOwner records the resolved owner and event type. A zero orgID
// leaves the owner columns untouched.
func (r *repo) AssignOwner(ctx context.Context, db *gorm.DB, id snowflake.ID, orgID, instanceID snowflake.ID, eventType string, at time.Time) error {
	if orgID == 0 {
		return db.WithContext(ctx).Exec(
			`UPDATE webhook_logs SET event_type = ?, updated_at = ? WHERE id = ?`,
			eventType,
			at,
			id,
		).Error
	}
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_logs
		 SET org_id = ?, instance_id = ?, event_type = ?, updated_at = ?
		 WHERE id = ?`,
		orgID,
		instanceID,
		eventType,
		at,
		id,
	).Error
}

// MarkSignature also resets the schedule so a row that became valid is
// picked up by the retry drain.
func (r *repo) MarkSignature(ctx context.Context, db *gorm.DB, id snowflake.ID, valid bool, nextRetryAt *time.Time, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_logs
		 SET signature_valid = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		valid,
		nextRetryAt,
		at,
		id,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_logs
		 SET processed = ?, processed_at = ?, next_retry_at = NULL,
		     locked_until = NULL, locked_by = NULL, updated_at = ?
		 WHERE id = ? AND processed = ?`,
		true,
		at,
		at,
		id,
		false,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) RecordError(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_logs
		 SET processing_error = ?, updated_at = ?
		 WHERE id = ? AND processed = ?`,
		message,
		at,
		id,
		false,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.FailureUpdate) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_logs
		 SET retry_count = retry_count + 1, last_retry_at = ?, processing_error = ?,
		     next_retry_at = ?, locked_until = NULL, locked_by = NULL, updated_at = ?
		 WHERE id = ? AND processed = ?`,
		update.At,
		update.Error,
		update.NextRetryAt,
		update.At,
		id,
		false,
	)
	return res.RowsAffected, res.Error
}

// MarkExhausted closes the retry budget in one step. retry_count never
// decreases, so a row that already reached the ceiling keeps its count.
func (r *repo) MarkExhausted(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.FailureUpdate, maxRetries int) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_logs
		 SET retry_count = CASE WHEN retry_count < ? THEN ? ELSE retry_count END,
		     last_retry_at = ?, processing_error = ?,
		     next_retry_at = NULL, locked_until = NULL, locked_by = NULL, updated_at = ?
		 WHERE id = ? AND processed = ?`,
		maxRetries,
		maxRetries,
		update.At,
		update.Error,
		update.At,
		id,
		false,
	)
	return res.RowsAffected, res.Error
}

// ClaimDue selects due rows oldest-first and leases them to req.Worker. It
// must run inside a transaction so the row locks hold until the lease is written.
func (r *repo) ClaimDue(ctx context.Context, db *gorm.DB, req domain.ClaimRequest) ([]domain.WebhookLog, error) {
	query := `SELECT ` + logColumns + `
		 FROM webhook_logs
		 WHERE processed = ?
		   AND signature_valid = ?
		   AND retry_count < ?
		   AND next_retry_at IS NOT NULL
		   AND next_retry_at <= ?
		   AND (locked_until IS NULL OR locked_until <= ?)
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`
	if req.SkipLocked {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	var logs []domain.WebhookLog
	err := db.WithContext(ctx).Raw(
		query,
		false,
		true,
		req.MaxRetries,
		req.Now,
		req.Now,
		req.Limit,
	).Scan(&logs).Error
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return logs, nil
	}

	ids := make([]snowflake.ID, 0, len(logs))
	for _, l := range logs {
		ids = append(ids, l.ID)
	}
	err = db.WithContext(ctx).Exec(
		`UPDATE webhook_logs
		 SET locked_until = ?, locked_by = ?, updated_at = ?
		 WHERE id IN ?`,
		req.LeaseUntil,
		req.Worker,
		req.Now,
		ids,
	).Error
	if err != nil {
		return nil, err
	}

	worker := req.Worker
	leaseUntil := req.LeaseUntil
	for i := range logs {
		logs[i].LockedBy = &worker
		logs[i].LockedUntil = &leaseUntil
	}
	return logs, nil
}

func (r *repo) ReleaseLease(ctx context.Context, db *gorm.DB, id snowflake.ID, worker string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_logs
		 SET locked_until = NULL, locked_by = NULL, updated_at = ?
		 WHERE id = ? AND locked_by = ?`,
		at,
		id,
		worker,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter, page pagination.Pagination) ([]*domain.WebhookLog, error) {
	var (
		where []string
		args  []any
	)

	switch filter.Status {
	case domain.StatusInvalid:
		where = append(where, "signature_valid = ?")
		args = append(args, false)
	case domain.StatusProcessed:
		where = append(where, "signature_valid = ? AND processed = ?")
		args = append(args, true, true)
	case domain.StatusFailed:
		where = append(where, "signature_valid = ? AND processed = ? AND retry_count >= ?")
		args = append(args, true, false, filter.MaxRetries)
	case domain.StatusPending:
		where = append(where, "signature_valid = ? AND processed = ? AND retry_count < ?")
		args = append(args, true, false, filter.MaxRetries)
	}
	if filter.OrgID != nil {
		where = append(where, "org_id = ?")
		args = append(args, *filter.OrgID)
	}
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, err
		}
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, err
		}
		where = append(where, "id < ?")
		args = append(args, cursorID)
	}

	query := `SELECT ` + logColumns + ` FROM webhook_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, page.Size()+1)

	var logs []*domain.WebhookLog
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
