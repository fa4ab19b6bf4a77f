package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	RetryReasonDeadlineExceeded     = "deadline_exceeded"
	RetryReasonDBLockTimeout        = "db_lock_timeout"
	RetryReasonSerializationFailure = "serialization_failure"
	RetryReasonUniqueViolation      = "unique_violation"
	RetryReasonDB                   = "db"
	RetryReasonUnknown              = "unknown"

	RetryDeferredSkipLockedEmpty = "skip_locked_empty"
	RetryDeferredNotDue          = "not_due"
	RetryDeferredRunLocked       = "run_locked"
	RetryDeferredAlreadyHandled  = "already_handled"
)

const (
	RetryOutcomeSucceeded = "succeeded"
	RetryOutcomeFailed    = "failed"
	RetryOutcomeExhausted = "exhausted"
)

const LockResourceWebhookLogsForRetry = "webhook_logs_for_retry"

// RetryMetrics captures health of the webhook retry drain.
type RetryMetrics struct {
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobTimeouts   *prometheus.CounterVec
	jobErrors     *prometheus.CounterVec
	logsProcessed *prometheus.CounterVec
	logsDeferred  *prometheus.CounterVec
	runLoopLag    prometheus.Observer
	dbLockWait    *prometheus.HistogramVec
	pendingLogs   prometheus.Gauge
}

var (
	retryMetricsOnce sync.Once
	retryMetrics     *RetryMetrics
)

// Retry returns the singleton retry metrics registry.
func Retry() *RetryMetrics {
	return RetryWithConfig(Config{})
}

// RetryWithConfig returns the singleton retry metrics registry using config labels.
func RetryWithConfig(cfg Config) *RetryMetrics {
	retryMetricsOnce.Do(func() {
		retryMetrics = newRetryMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return retryMetrics
}

// ResetRetryMetricsForTest resets the retry metrics singleton for tests.
func ResetRetryMetricsForTest() {
	retryMetricsOnce = sync.Once{}
	retryMetrics = nil
}

func newRetryMetrics(registerer prometheus.Registerer, cfg Config) *RetryMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "waingest"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "waingest_retry_job_runs_total",
		Help:        "Retry drain runs by job.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "waingest_retry_job_duration_seconds",
		Help:        "Retry drain latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "waingest_retry_job_timeouts_total",
		Help:        "Retry drain runs that hit their deadline.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "waingest_retry_job_errors_total",
		Help:        "Retry drain errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	logsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "waingest_retry_logs_processed_total",
		Help:        "Webhook logs reprocessed by outcome.",
		ConstLabels: constLabels,
	}, []string{"job", "outcome"})
	logsDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "waingest_retry_logs_deferred_total",
		Help:        "Retry drain deferrals by reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "waingest_retry_runloop_lag_seconds",
		Help:        "Retry run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "waingest_retry_db_lock_wait_seconds",
		Help:        "Time spent claiming webhook logs with SELECT FOR UPDATE.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})
	pendingLogs := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "waingest_retry_claimed_logs",
		Help:        "Webhook logs claimed by the last drain.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		logsProcessed,
		logsDeferred,
		runLoopLag,
		dbLockWait,
		pendingLogs,
	)

	return &RetryMetrics{
		jobRuns:       jobRuns,
		jobDuration:   jobDuration,
		jobTimeouts:   jobTimeouts,
		jobErrors:     jobErrors,
		logsProcessed: logsProcessed,
		logsDeferred:  logsDeferred,
		runLoopLag:    runLoopLag,
		dbLockWait:    dbLockWait,
		pendingLogs:   pendingLogs,
	}
}

// IncJobRun increments the run counter for a retry job.
func (m *RetryMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records retry job latency in seconds.
func (m *RetryMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *RetryMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the job error counter with classification.
func (m *RetryMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyRetryReason(err)).Inc()
}

// AddProcessed increments processed logs for an outcome by count.
func (m *RetryMetrics) AddProcessed(job, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.logsProcessed.WithLabelValues(job, outcome).Add(float64(count))
}

func (m *RetryMetrics) IncDeferred(job, reason string) {
	if m == nil {
		return
	}
	m.logsDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *RetryMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *RetryMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

func (m *RetryMetrics) SetClaimed(count int) {
	if m == nil {
		return
	}
	m.pendingLogs.Set(float64(count))
}

// ClassifyRetryReason maps drain errors to low-cardinality reasons.
func ClassifyRetryReason(err error) string {
	if err == nil {
		return RetryReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return RetryReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return RetryReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return RetryReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return RetryReasonUniqueViolation
	}
	if isDBError(err) {
		return RetryReasonDB
	}
	return RetryReasonUnknown
}

// IsRetryableError reports whether the error is transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
