package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/internal/alert"
	alertdomain "github.com/smallbiznis/waingest/internal/alert/domain"
	"github.com/smallbiznis/waingest/internal/clock"
	"github.com/smallbiznis/waingest/internal/config"
	convdomain "github.com/smallbiznis/waingest/internal/conversation/domain"
	"github.com/smallbiznis/waingest/internal/inbound/domain"
	"github.com/smallbiznis/waingest/internal/inbound/normalizer"
	"github.com/smallbiznis/waingest/internal/inbound/signature"
	instancedomain "github.com/smallbiznis/waingest/internal/instance/domain"
	obscontext "github.com/smallbiznis/waingest/internal/observability/context"
	"github.com/smallbiznis/waingest/internal/observability/logger"
	"github.com/smallbiznis/waingest/internal/observability/metrics"
	"github.com/smallbiznis/waingest/internal/orgcontext"
	"github.com/smallbiznis/waingest/internal/realtime"
	webhooklogdomain "github.com/smallbiznis/waingest/internal/webhooklog/domain"
	"github.com/smallbiznis/waingest/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	outcomeAccepted         = "accepted"
	outcomeSignatureInvalid = "signature_invalid"
	outcomeSignatureMissing = "signature_missing"
	outcomeProcessed        = "processed"
	outcomeFailed           = "failed"
	outcomeDuplicate        = "duplicate"
	outcomeCreated          = "created"
	outcomeStatusApplied    = "status_applied"
	outcomeSkipped          = "skipped"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Config        config.Config
	Verifier      *signature.Verifier
	Normalizer    *normalizer.Normalizer
	Logs          webhooklogdomain.Service
	Instances     instancedomain.Service
	Conversations convdomain.Service
	Publisher     realtime.Publisher
	Metrics       *metrics.Metrics    `optional:"true"`
	Alerts        alertdomain.Notifier `optional:"true"`
}

type Service struct {
	log            *zap.Logger
	clock          clock.Clock
	verifier       *signature.Verifier
	normalizer     *normalizer.Normalizer
	logs           webhooklogdomain.Service
	instances      instancedomain.Service
	conversations  convdomain.Service
	publisher      realtime.Publisher
	metrics        *metrics.Metrics
	alerts         alertdomain.Notifier
	processTimeout time.Duration
	publishTimeout time.Duration
}

func New(p Params) domain.Service {
	processTimeout := p.Config.Webhook.ProcessTimeout
	if processTimeout <= 0 {
		processTimeout = 10 * time.Second
	}
	publishTimeout := p.Config.Realtime.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 2 * time.Second
	}
	return &Service{
		log:            p.Log.Named("inbound.service"),
		clock:          p.Clock,
		verifier:       p.Verifier,
		normalizer:     p.Normalizer,
		logs:           p.Logs,
		instances:      p.Instances,
		conversations:  p.Conversations,
		publisher:      p.Publisher,
		metrics:        p.Metrics,
		alerts:         p.Alerts,
		processTimeout: processTimeout,
		publishTimeout: publishTimeout,
	}
}

func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest) (domain.IngestResult, error) {
	if req.CorrelationID != "" {
		ctx = correlation.ContextWithCorrelationID(ctx, req.CorrelationID)
	}
	ctx, cid := correlation.EnsureCorrelationID(ctx)

	provider := req.Provider
	if provider == "" {
		detected, err := normalizer.DetectProvider(req.Body, req.Header)
		if err != nil {
			return domain.IngestResult{}, err
		}
		provider = detected
	}
	ctx = obscontext.WithProvider(ctx, string(provider))
	log := logger.WithContext(ctx, s.log)

	verdict, err := s.verifier.Verify(provider, req.Body, req.Header)
	if err != nil {
		s.metrics.RecordWebhookReceived(ctx, string(provider), outcomeSignatureMissing)
		log.Warn("webhook.signature.missing", zap.String("remote_ip", req.RemoteIP))
		return domain.IngestResult{Provider: provider}, err
	}

	row, err := s.logs.Create(ctx, webhooklogdomain.CreateRequest{
		Provider:       string(provider),
		Payload:        req.Body,
		Signature:      verdict.Header,
		SignatureValid: verdict.Valid,
		RemoteIP:       req.RemoteIP,
		CorrelationID:  cid,
	})
	if err != nil {
		return domain.IngestResult{Provider: provider}, domain.Transient("persist webhook", err)
	}

	res := domain.IngestResult{
		LogID:          row.ID,
		Provider:       provider,
		SignatureValid: verdict.Valid,
	}
	log = log.With(zap.String("webhook_log_id", row.ID.String()))

	if !verdict.Valid {
		s.metrics.RecordWebhookReceived(ctx, string(provider), outcomeSignatureInvalid)
		log.Warn("webhook.signature.invalid", zap.String("remote_ip", req.RemoteIP))
		return res, nil
	}
	s.metrics.RecordWebhookReceived(ctx, string(provider), outcomeAccepted)
	log.Info("webhook.received", zap.Int("bytes", len(req.Body)))

	procCtx, cancel := context.WithTimeout(ctx, s.processTimeout)
	defer cancel()
	res, err = s.process(procCtx, row, provider, req.Body, res)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, domain.ErrPermanentFailure) {
		s.abandon(ctx, row.ID, err, log)
		return res, nil
	}
	// Inline failures keep the retry budget; the scheduler picks the row up.
	log.Warn("webhook.processing.failed", zap.Error(err))
	if recErr := s.logs.RecordError(ctx, row.ID, err); recErr != nil {
		log.Error("webhook.record_error.failed", zap.Error(recErr))
	}
	return res, nil
}

// abandon spends the retry budget of a row no replay can fix and raises the
// critical alert straight away.
func (s *Service) abandon(ctx context.Context, id snowflake.ID, cause error, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	log.Error("webhook.processing.unrecoverable", zap.Error(cause))
	row, err := s.logs.MarkExhausted(ctx, id, cause)
	if err != nil {
		if !errors.Is(err, webhooklogdomain.ErrAlreadyInState) {
			log.Error("webhook.mark_exhausted.failed", zap.Error(err))
		}
		return
	}
	if s.alerts == nil {
		return
	}
	a := alert.WebhookFailure(
		alert.TitleUnrecoverable,
		fmt.Sprintf("webhook log %s cannot be processed and will not be retried", row.ID),
		row, cause, s.clock.Now(),
	)
	if err := s.alerts.Notify(ctx, a); err != nil {
		log.Error("webhook.alert.failed", zap.Error(err))
	}
}

func (s *Service) Reprocess(ctx context.Context, logID snowflake.ID) (domain.IngestResult, error) {
	row, err := s.logs.Get(ctx, logID)
	if err != nil {
		if errors.Is(err, webhooklogdomain.ErrNotFound) {
			return domain.IngestResult{}, domain.ErrLogNotFound
		}
		return domain.IngestResult{}, err
	}
	provider, err := domain.ParseProvider(row.Provider)
	if err != nil {
		return domain.IngestResult{}, err
	}

	res := domain.IngestResult{LogID: row.ID, Provider: provider, SignatureValid: row.SignatureValid}
	if !row.SignatureValid {
		return res, domain.ErrLogNotReplayable
	}
	if row.Processed {
		res.Processed = true
		return res, domain.ErrLogAlreadyHandled
	}

	if row.CorrelationID != "" {
		ctx = correlation.ContextWithCorrelationID(ctx, row.CorrelationID)
	}
	ctx = obscontext.WithProvider(ctx, row.Provider)

	procCtx, cancel := context.WithTimeout(ctx, s.processTimeout)
	defer cancel()
	return s.process(procCtx, row, provider, []byte(row.Payload), res)
}

func (s *Service) Reverify(ctx context.Context, logID snowflake.ID) (bool, error) {
	row, err := s.logs.Get(ctx, logID)
	if err != nil {
		if errors.Is(err, webhooklogdomain.ErrNotFound) {
			return false, domain.ErrLogNotFound
		}
		return false, err
	}
	provider, err := domain.ParseProvider(row.Provider)
	if err != nil {
		return false, err
	}

	verdict, err := s.verifier.VerifyHeader(provider, []byte(row.Payload), row.Signature)
	if err != nil {
		if !errors.Is(err, domain.ErrSignatureMissing) {
			return false, err
		}
		verdict.Valid = false
	}
	if err := s.logs.MarkSignature(ctx, row.ID, verdict.Valid); err != nil {
		return false, err
	}
	logger.WithContext(ctx, s.log).Info("webhook.signature.reverified",
		zap.String("webhook_log_id", row.ID.String()),
		zap.Bool("valid", verdict.Valid),
	)
	return verdict.Valid, nil
}

// process runs normalization and the resolution chain for a stored row.
// Each event is applied idempotently, so a failure part way through is safe
// to replay from the start. An outcome is published as soon as its own step
// commits; a replay sees Created=false for those and stays quiet.
func (s *Service) process(ctx context.Context, row webhooklogdomain.WebhookLog, provider domain.Provider, body []byte, res domain.IngestResult) (domain.IngestResult, error) {
	log := logger.WithContext(ctx, s.log).With(zap.String("webhook_log_id", row.ID.String()))

	result, err := s.normalizer.Normalize(provider, body)
	if err != nil {
		return res, fmt.Errorf("%w: %w", domain.ErrPermanentFailure, err)
	}
	res.EventType = result.EventType()
	res.Events = len(result.Events)
	res.Rejected = len(result.Rejected)

	if len(result.Rejected) > 0 {
		s.metrics.RecordEntriesRejected(ctx, string(provider), len(result.Rejected))
		for _, rej := range result.Rejected {
			log.Warn("webhook.entry.rejected", zap.Int("index", rej.Index), zap.String("reason", rej.Reason))
		}
	}
	for _, ev := range result.Events {
		s.metrics.RecordEventsNormalized(ctx, string(provider), string(ev.Kind), 1)
	}

	if len(result.Events) == 0 {
		if err := s.logs.AssignOwner(ctx, row.ID, 0, 0, res.EventType); err != nil {
			return res, domain.Transient("update webhook log", err)
		}
		return s.finish(ctx, row, res)
	}

	owned := make([]domain.InboundEvent, 0, len(result.Events))
	resolved := make(map[string]instancedomain.Instance)
	for _, ev := range result.Events {
		evProvider := ev.Provider
		if evProvider == "" {
			evProvider = provider
		}
		key := string(evProvider) + "|" + ev.Channel
		inst, ok := resolved[key]
		if !ok {
			inst, err = s.instances.Resolve(ctx, string(evProvider), ev.Channel)
			if err != nil {
				if typeErr := s.logs.AssignOwner(ctx, row.ID, 0, 0, res.EventType); typeErr != nil {
					log.Warn("webhook.event_type.update_failed", zap.Error(typeErr))
				}
				return res, err
			}
			resolved[key] = inst
		}
		owned = append(owned, ev.WithOwner(inst.OrgID, inst.ID))
	}

	first := owned[0]
	ctx = orgcontext.WithOrgID(ctx, first.OrganizationID)
	log = log.With(zap.String("org_id", first.OrganizationID.String()))
	if err := s.logs.AssignOwner(ctx, row.ID, first.OrganizationID, first.InstanceID, res.EventType); err != nil {
		return res, domain.Transient("update webhook log", err)
	}

	for _, ev := range owned {
		out, err := s.conversations.Apply(ctx, ev)
		if err != nil {
			s.metrics.RecordResolution(ctx, string(ev.Kind), outcomeFailed)
			return res, err
		}
		s.metrics.RecordResolution(ctx, string(ev.Kind), resolutionOutcome(out))
		if ev.Kind == domain.EventKindMessage && !out.Created {
			log.Info("resolution.message.duplicate", zap.String("provider_message_id", ev.ProviderMessageID()))
		}
		if s.publish(ctx, out) {
			res.Published++
		}
	}

	res, err = s.finish(ctx, row, res)
	if err != nil {
		return res, err
	}
	log.Info("webhook.processed",
		zap.String("event_type", res.EventType),
		zap.Int("events", res.Events),
		zap.Int("rejected", res.Rejected),
	)
	return res, nil
}

func (s *Service) finish(ctx context.Context, row webhooklogdomain.WebhookLog, res domain.IngestResult) (domain.IngestResult, error) {
	err := s.logs.MarkProcessed(ctx, row.ID)
	if err != nil && !errors.Is(err, webhooklogdomain.ErrAlreadyInState) {
		return res, domain.Transient("mark processed", err)
	}
	res.Processed = true
	s.metrics.RecordWebhookReceived(ctx, string(res.Provider), outcomeProcessed)
	return res, nil
}

// publish fans out one committed outcome. Its errors never propagate.
func (s *Service) publish(ctx context.Context, out convdomain.Outcome) bool {
	if out.Message == nil {
		return false
	}
	ev, ok := realtime.EventFromOutcome(out.Message.OrgID, out, s.clock.Now().UTC())
	if !ok {
		return false
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, ev); err != nil {
		fanOutErr := &domain.FanOutError{Channel: realtime.Channel(ev.OrganizationID), Err: err}
		s.metrics.RecordFanOutError(ctx, s.publisher.Driver())
		logger.WithContext(ctx, s.log).Warn("realtime.publish.failed", zap.Error(fanOutErr))
		return false
	}
	return true
}

func resolutionOutcome(out convdomain.Outcome) string {
	switch {
	case out.Created:
		return outcomeCreated
	case out.StatusChanged:
		return outcomeStatusApplied
	case out.Skipped:
		return outcomeSkipped
	default:
		return outcomeDuplicate
	}
}
