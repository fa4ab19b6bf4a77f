package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/internal/alert"
	alertdomain "github.com/smallbiznis/waingest/internal/alert/domain"
	"github.com/smallbiznis/waingest/internal/clock"
	inbounddomain "github.com/smallbiznis/waingest/internal/inbound/domain"
	obsmetrics "github.com/smallbiznis/waingest/internal/observability/metrics"
	webhooklogdomain "github.com/smallbiznis/waingest/internal/webhooklog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	jobDrain   = "webhook_retry"
	runLockKey = "waingest:lock:retry"
)

var (
	ErrInvalidConfig = errors.New("invalid_retry_config")
	// ErrRunInProgress is returned when another replica holds the run lock.
	ErrRunInProgress = errors.New("retry_run_in_progress")
)

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Logs    webhooklogdomain.Service
	Inbound inbounddomain.Service
	Alerts  alertdomain.Notifier
	RunLock *RunLock `optional:"true"`
	Config  Config   `optional:"true"`
}

// RunSummary reports the outcome of one drain.
type RunSummary struct {
	RunID     string `json:"run_id"`
	Claimed   int    `json:"claimed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Exhausted int    `json:"exhausted"`
	Skipped   int    `json:"skipped"`
}

// Worker drains webhook logs whose backoff elapsed, replaying each through
// the inbound pipeline and alerting once a log runs out of attempts.
type Worker struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	logs    webhooklogdomain.Service
	inbound inbounddomain.Service
	alerts  alertdomain.Notifier
	runLock *RunLock
	worker  string
}

func New(p Params) (*Worker, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Logs == nil || p.Inbound == nil || p.Alerts == nil {
		return nil, ErrInvalidConfig
	}
	return &Worker{
		log:     p.Log.Named("retry").With(zap.String("component", "retry")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		logs:    p.Logs,
		inbound: p.Inbound,
		alerts:  p.Alerts,
		runLock: p.RunLock,
		worker:  "retry-" + p.GenID.Generate().String(),
	}, nil
}

// RunOnce drains due logs until a short batch is returned or the batch cap
// is reached. With a run lock configured only one replica drains at a time.
func (w *Worker) RunOnce(parent context.Context) (RunSummary, error) {
	m := obsmetrics.Retry()
	start := w.clock.Now()

	ctx, cancel := context.WithTimeout(parent, w.cfg.JobTimeout)
	defer cancel()

	ctx, run := w.newJobRun(ctx, jobDrain)

	if w.runLock != nil {
		holder, ok, err := w.runLock.Acquire(ctx, w.worker)
		switch {
		case err != nil:
			w.logger(ctx).Warn("retry.lock.unavailable", zap.Error(err))
		case !ok:
			m.IncDeferred(jobDrain, obsmetrics.RetryDeferredRunLocked)
			owner, _ := w.runLock.Holder(ctx)
			w.logger(ctx).Info("retry.lock.held", zap.String("holder", owner))
			return run.summary, ErrRunInProgress
		default:
			defer func() {
				if err := w.runLock.Release(context.WithoutCancel(ctx), holder); err != nil {
					w.logger(ctx).Warn("retry.lock.release_failed", zap.Error(err))
				}
			}()
		}
	}

	w.logJobStart(ctx, run)
	m.IncJobRun(jobDrain)

	err := w.drain(ctx, run)
	m.ObserveJobDuration(jobDrain, w.clock.Now().Sub(start))
	w.logJobFinish(ctx, run)
	if err == nil {
		return run.summary, nil
	}

	m.IncJobError(jobDrain, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		m.IncJobTimeout(jobDrain)
		w.logger(ctx).Warn("job timed out", zap.Duration("timeout", w.cfg.JobTimeout), zap.Error(err))
		return run.summary, nil
	}
	return run.summary, fmt.Errorf("%s: %w", jobDrain, err)
}

func (w *Worker) drain(ctx context.Context, run *jobRun) error {
	m := obsmetrics.Retry()
	for batch := 0; batch < w.cfg.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lockStart := time.Now()
		claimed, err := w.logs.ClaimDue(ctx, w.cfg.BatchSize, w.worker)
		m.ObserveDBLockWait(obsmetrics.LockResourceWebhookLogsForRetry, time.Since(lockStart))
		if err != nil {
			return err
		}
		m.SetClaimed(len(claimed))
		if len(claimed) == 0 {
			if batch == 0 {
				m.IncDeferred(jobDrain, obsmetrics.RetryDeferredSkipLockedEmpty)
			}
			return nil
		}
		run.summary.Claimed += len(claimed)

		for _, row := range claimed {
			w.retryOne(ctx, run, row)
		}
		if len(claimed) < w.cfg.BatchSize {
			return nil
		}
	}
	return nil
}

func (w *Worker) retryOne(ctx context.Context, run *jobRun, row webhooklogdomain.WebhookLog) {
	m := obsmetrics.Retry()
	if row.OrgID != nil {
		ctx = w.withLogContext(ctx, *row.OrgID)
	}
	log := w.logger(ctx).With(
		zap.String("webhook_log_id", row.ID.String()),
		zap.String("provider", row.Provider),
		zap.Int("retry_count", row.RetryCount),
	)

	_, err := w.inbound.Reprocess(ctx, row.ID)
	switch {
	case err == nil:
		run.summary.Succeeded++
		m.AddProcessed(jobDrain, obsmetrics.RetryOutcomeSucceeded, 1)
		log.Info("retry.log.succeeded")
		return
	case errors.Is(err, inbounddomain.ErrLogAlreadyHandled),
		errors.Is(err, inbounddomain.ErrLogNotReplayable),
		errors.Is(err, inbounddomain.ErrLogNotFound):
		run.summary.Skipped++
		m.IncDeferred(jobDrain, obsmetrics.RetryDeferredAlreadyHandled)
		w.release(ctx, row.ID)
		return
	case errors.Is(err, inbounddomain.ErrPermanentFailure):
		w.abandon(ctx, run, row, err, log)
		return
	}

	updated, markErr := w.logs.MarkFailed(context.WithoutCancel(ctx), row.ID, err)
	if markErr != nil {
		if errors.Is(markErr, webhooklogdomain.ErrAlreadyInState) {
			run.summary.Skipped++
			return
		}
		run.summary.Failed++
		log.Error("retry.log.mark_failed", zap.Error(markErr), zap.NamedError("cause", err))
		w.release(ctx, row.ID)
		return
	}

	if !w.logs.Backoff().Exhausted(updated.RetryCount) {
		run.summary.Failed++
		m.AddProcessed(jobDrain, obsmetrics.RetryOutcomeFailed, 1)
		fields := []zap.Field{zap.Int("attempt", updated.RetryCount), zap.Error(err)}
		if updated.NextRetryAt != nil {
			fields = append(fields, zap.Time("next_retry_at", *updated.NextRetryAt))
		}
		log.Warn("retry.log.failed", fields...)
		return
	}

	run.summary.Exhausted++
	m.AddProcessed(jobDrain, obsmetrics.RetryOutcomeExhausted, 1)
	log.Error("retry.log.permanent_failure", zap.Int("attempt", updated.RetryCount), zap.Error(err))
	w.notify(ctx, alert.WebhookFailure(
		alert.TitleRetriesExhausted,
		fmt.Sprintf("webhook log %s failed %d times and will not be retried", updated.ID, updated.RetryCount),
		updated, err, w.clock.Now(),
	))
}

// abandon closes the retry budget of a log whose failure a replay cannot fix.
func (w *Worker) abandon(ctx context.Context, run *jobRun, row webhooklogdomain.WebhookLog, cause error, log *zap.Logger) {
	updated, err := w.logs.MarkExhausted(context.WithoutCancel(ctx), row.ID, cause)
	if err != nil {
		if errors.Is(err, webhooklogdomain.ErrAlreadyInState) {
			run.summary.Skipped++
			return
		}
		run.summary.Failed++
		log.Error("retry.log.mark_exhausted", zap.Error(err), zap.NamedError("cause", cause))
		w.release(ctx, row.ID)
		return
	}

	run.summary.Exhausted++
	obsmetrics.Retry().AddProcessed(jobDrain, obsmetrics.RetryOutcomeExhausted, 1)
	log.Error("retry.log.permanent_failure", zap.Bool("unrecoverable", true), zap.Error(cause))
	w.notify(ctx, alert.WebhookFailure(
		alert.TitleUnrecoverable,
		fmt.Sprintf("webhook log %s cannot be processed and will not be retried", updated.ID),
		updated, cause, w.clock.Now(),
	))
}

func (w *Worker) release(ctx context.Context, id snowflake.ID) {
	if err := w.logs.Release(context.WithoutCancel(ctx), id, w.worker); err != nil {
		w.logger(ctx).Warn("retry.log.release_failed", zap.String("webhook_log_id", id.String()), zap.Error(err))
	}
}

func (w *Worker) notify(ctx context.Context, a alertdomain.Alert) {
	if err := w.alerts.Notify(context.WithoutCancel(ctx), a); err != nil {
		w.logger(ctx).Error("retry.alert.failed", zap.String("log_id", a.Context["log_id"]), zap.Error(err))
	}
}

// RunForever drains on every tick until ctx is cancelled.
func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(w.cfg.RunInterval)
	m := obsmetrics.Retry()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if lag := time.Since(nextRun); lag > 0 {
			m.ObserveRunLoopLag(lag)
		}
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			w.log.Warn("retry run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(w.cfg.RunInterval)
	}
}
