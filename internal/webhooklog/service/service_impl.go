package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/internal/clock"
	"github.com/smallbiznis/waingest/internal/config"
	"github.com/smallbiznis/waingest/internal/webhooklog/domain"
	"github.com/smallbiznis/waingest/pkg/db"
	"github.com/smallbiznis/waingest/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxErrorLength = 2000

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config
	Repo   domain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	backoff  domain.Backoff
	leaseTTL time.Duration
}

func New(p Params) domain.Service {
	backoff := domain.Backoff{
		Base:       p.Config.Retry.BaseInterval,
		MaxRetries: p.Config.Retry.MaxRetries,
	}
	if backoff.Base <= 0 {
		backoff.Base = 5 * time.Minute
	}
	if backoff.MaxRetries <= 0 {
		backoff.MaxRetries = 3
	}
	leaseTTL := p.Config.Retry.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("webhooklog.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		backoff:  backoff,
		leaseTTL: leaseTTL,
	}
}

func (s *Service) Backoff() domain.Backoff { return s.backoff }

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

// Create persists the payload before any processing happens. Rows with an
// invalid signature get no retry schedule and are never drained.
func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (domain.WebhookLog, error) {
	if len(req.Payload) == 0 {
		return domain.WebhookLog{}, domain.ErrEmptyPayload
	}
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		eventType = "unknown"
	}

	now := s.now()
	log := domain.WebhookLog{
		ID:             s.genID.Generate(),
		Provider:       req.Provider,
		EventType:      eventType,
		Payload:        string(req.Payload),
		Signature:      req.Signature,
		SignatureValid: req.SignatureValid,
		RemoteIP:       req.RemoteIP,
		CorrelationID:  req.CorrelationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if log.SignatureValid {
		next := s.backoff.NextAttemptAt(now, 0)
		log.NextRetryAt = &next
	}

	if err := s.repo.Insert(ctx, s.db, &log); err != nil {
		return domain.WebhookLog{}, fmt.Errorf("insert webhook log: %w", err)
	}
	return log, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.WebhookLog, error) {
	if id == 0 {
		return domain.WebhookLog{}, domain.ErrInvalidLogID
	}
	log, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.WebhookLog{}, err
	}
	if log == nil {
		return domain.WebhookLog{}, domain.ErrNotFound
	}
	return *log, nil
}

func (s *Service) AssignOwner(ctx context.Context, id, orgID, instanceID snowflake.ID, eventType string) error {
	return s.repo.AssignOwner(ctx, s.db, id, orgID, instanceID, eventType, s.now())
}

func (s *Service) MarkSignature(ctx context.Context, id snowflake.ID, valid bool) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	var next *time.Time
	if valid && !current.Processed {
		at := s.backoff.NextAttemptAt(current.CreatedAt, current.RetryCount)
		next = &at
	}
	rows, err := s.repo.MarkSignature(ctx, s.db, id, valid, next, s.now())
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Service) MarkProcessed(ctx context.Context, id snowflake.ID) error {
	rows, err := s.repo.MarkProcessed(ctx, s.db, id, s.now())
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either already processed by a concurrent run or missing.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return domain.ErrAlreadyInState
	}
	return nil
}

func (s *Service) RecordError(ctx context.Context, id snowflake.ID, cause error) error {
	return s.repo.RecordError(ctx, s.db, id, errorMessage(cause), s.now())
}

func (s *Service) MarkFailed(ctx context.Context, id snowflake.ID, cause error) (domain.WebhookLog, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.WebhookLog{}, err
	}
	if current.Processed {
		return current, domain.ErrAlreadyInState
	}

	now := s.now()
	attempts := current.RetryCount + 1
	update := domain.FailureUpdate{Error: errorMessage(cause), At: now}
	if !s.backoff.Exhausted(attempts) {
		next := s.backoff.NextAttemptAt(current.CreatedAt, attempts)
		update.NextRetryAt = &next
	}

	rows, err := s.repo.MarkFailed(ctx, s.db, id, update)
	if err != nil {
		return domain.WebhookLog{}, err
	}
	if rows == 0 {
		return current, domain.ErrAlreadyInState
	}

	current.RetryCount = attempts
	current.LastRetryAt = &now
	current.ProcessingError = &update.Error
	current.NextRetryAt = update.NextRetryAt
	current.LockedBy = nil
	current.LockedUntil = nil
	return current, nil
}

func (s *Service) MarkExhausted(ctx context.Context, id snowflake.ID, cause error) (domain.WebhookLog, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.WebhookLog{}, err
	}
	if current.Processed {
		return current, domain.ErrAlreadyInState
	}

	now := s.now()
	update := domain.FailureUpdate{Error: errorMessage(cause), At: now}
	rows, err := s.repo.MarkExhausted(ctx, s.db, id, update, s.backoff.MaxRetries)
	if err != nil {
		return domain.WebhookLog{}, err
	}
	if rows == 0 {
		return current, domain.ErrAlreadyInState
	}

	if current.RetryCount < s.backoff.MaxRetries {
		current.RetryCount = s.backoff.MaxRetries
	}
	current.LastRetryAt = &now
	current.ProcessingError = &update.Error
	current.NextRetryAt = nil
	current.LockedBy = nil
	current.LockedUntil = nil
	return current, nil
}

// ClaimDue leases due rows to worker. The readiness formula is checked again
// in Go so rows whose stored schedule drifted are released, not retried early.
func (s *Service) ClaimDue(ctx context.Context, limit int, worker string) ([]domain.WebhookLog, error) {
	now := s.now()
	req := domain.ClaimRequest{
		Now:        now,
		Limit:      limit,
		MaxRetries: s.backoff.MaxRetries,
		LeaseUntil: now.Add(s.leaseTTL),
		Worker:     worker,
		SkipLocked: db.SupportsSkipLocked(s.db),
	}

	var claimed []domain.WebhookLog
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		claimed, err = s.repo.ClaimDue(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	ready := claimed[:0]
	for _, log := range claimed {
		if s.backoff.Ready(now, log) {
			ready = append(ready, log)
			continue
		}
		if err := s.repo.ReleaseLease(ctx, s.db, log.ID, worker, now); err != nil {
			s.log.Warn("webhooklog.release_failed", zap.String("webhook_log_id", log.ID.String()), zap.Error(err))
		}
	}
	return ready, nil
}

func (s *Service) Release(ctx context.Context, id snowflake.ID, worker string) error {
	return s.repo.ReleaseLease(ctx, s.db, id, worker, s.now())
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	status := domain.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	switch status {
	case "", domain.StatusPending, domain.StatusProcessed, domain.StatusFailed, domain.StatusInvalid:
	default:
		return domain.ListResponse{}, domain.ErrInvalidStatus
	}

	page := pagination.Pagination{PageToken: req.PageToken, PageSize: int(req.PageSize)}
	logs, err := s.repo.List(ctx, s.db, domain.ListFilter{
		Status:     status,
		OrgID:      req.OrgID,
		MaxRetries: s.backoff.MaxRetries,
	}, page)
	if err != nil {
		return domain.ListResponse{}, err
	}

	logs, info := pagination.BuildCursorPageInfo(logs, page.Size(), func(l *domain.WebhookLog) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: l.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})
	return domain.ListResponse{PageInfo: *info, Logs: logs}, nil
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	if len(msg) <= maxErrorLength {
		return msg
	}
	msg = msg[:maxErrorLength]
	for !utf8.ValidString(msg) {
		msg = msg[:len(msg)-1]
	}
	return msg
}

