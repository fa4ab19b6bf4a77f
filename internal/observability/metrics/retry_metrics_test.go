package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyRetryReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: RetryReasonDeadlineExceeded},
		{name: "wrapped_deadline", err: fmt.Errorf("claim: %w", context.Canceled), want: RetryReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: RetryReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: RetryReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: RetryReasonUniqueViolation},
		{name: "db", err: &pgconn.PgError{Code: "08006"}, want: RetryReasonDB},
		{name: "unknown", err: errors.New("boom"), want: RetryReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyRetryReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newRetryMetrics(registry, Config{ServiceName: "waingest", Environment: "test"})

	m.AddProcessed("webhook_retry", RetryOutcomeSucceeded, 3)
	m.AddProcessed("webhook_retry", RetryOutcomeSucceeded, 0)

	got := testutil.ToFloat64(m.logsProcessed.WithLabelValues("webhook_retry", RetryOutcomeSucceeded))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	if IsRetryableError(nil) {
		t.Fatalf("nil must not be retryable")
	}
	if IsRetryableError(gorm.ErrRecordNotFound) {
		t.Fatalf("not found must not be retryable")
	}
	if !IsRetryableError(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("pg errors must be retryable")
	}
}
