package retry

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/waingest/internal/observability/context"
	obslogger "github.com/smallbiznis/waingest/internal/observability/logger"
	"go.uber.org/zap"
)

type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time
	summary   RunSummary
}

func (w *Worker) newJobRun(ctx context.Context, job string) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     w.genID.Generate().String(),
		batchSize: w.cfg.BatchSize,
		startedAt: time.Now(),
	}
	run.summary.RunID = run.runID
	return w.withLogContext(ctx, 0), run
}

func (w *Worker) withLogContext(ctx context.Context, orgID snowflake.ID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = obscontext.WithActor(ctx, "system", "retry")
	if orgID != 0 {
		ctx = obscontext.WithOrgID(ctx, orgID.String())
	}
	return ctx
}

func (w *Worker) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, w.log)
}

func (w *Worker) logJobStart(ctx context.Context, run *jobRun) {
	w.logger(ctx).Info("retry.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (w *Worker) logJobFinish(ctx context.Context, run *jobRun) {
	s := run.summary
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("claimed_count", s.Claimed),
		zap.Int("succeeded_count", s.Succeeded),
		zap.Int("failed_count", s.Failed),
		zap.Int("exhausted_count", s.Exhausted),
		zap.Int("skipped_count", s.Skipped),
	}
	log := w.logger(ctx)
	if s.Failed > 0 || s.Exhausted > 0 {
		log.Warn("retry.job.finish", fields...)
		return
	}
	log.Info("retry.job.finish", fields...)
}
