package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	alertdomain "github.com/smallbiznis/waingest/internal/alert/domain"
	"github.com/smallbiznis/waingest/internal/clock"
	"github.com/smallbiznis/waingest/internal/config"
	inbounddomain "github.com/smallbiznis/waingest/internal/inbound/domain"
	obsmetrics "github.com/smallbiznis/waingest/internal/observability/metrics"
	webhooklogdomain "github.com/smallbiznis/waingest/internal/webhooklog/domain"
	webhooklogrepo "github.com/smallbiznis/waingest/internal/webhooklog/repository"
	webhooklogservice "github.com/smallbiznis/waingest/internal/webhooklog/service"
	"github.com/smallbiznis/waingest/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)

type fakeInbound struct {
	mu     sync.Mutex
	logs   webhooklogdomain.Service
	fail   error
	calls  []snowflake.ID
	result func(id snowflake.ID) error
}

func (f *fakeInbound) Ingest(context.Context, inbounddomain.IngestRequest) (inbounddomain.IngestResult, error) {
	return inbounddomain.IngestResult{}, errors.New("not used")
}

func (f *fakeInbound) Reverify(context.Context, snowflake.ID) (bool, error) {
	return false, errors.New("not used")
}

func (f *fakeInbound) Reprocess(ctx context.Context, id snowflake.ID) (inbounddomain.IngestResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return inbounddomain.IngestResult{LogID: id}, fail
	}
	if err := f.logs.MarkProcessed(ctx, id); err != nil {
		return inbounddomain.IngestResult{}, err
	}
	return inbounddomain.IngestResult{LogID: id, Processed: true}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alertdomain.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a alertdomain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

type harness struct {
	worker  *Worker
	clock   *clock.FakeClock
	logs    webhooklogdomain.Service
	inbound *fakeInbound
	alerts  *recordingNotifier
}

func newHarness(t *testing.T, runLock *RunLock) *harness {
	t.Helper()
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	conn := dbtest.Open(t)
	clk := clock.NewFakeClock(t0)
	log := zap.NewNop()
	cfg := config.Config{
		Retry: config.RetryConfig{BaseInterval: 5 * time.Minute, MaxRetries: 3, LeaseTTL: time.Minute},
	}

	logs := webhooklogservice.New(webhooklogservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Config: cfg, Repo: webhooklogrepo.Provide(),
	})
	inbound := &fakeInbound{logs: logs}
	alerts := &recordingNotifier{}

	w, err := New(Params{
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Logs:    logs,
		Inbound: inbound,
		Alerts:  alerts,
		RunLock: runLock,
		Config:  Config{BatchSize: 10},
	})
	require.NoError(t, err)
	return &harness{worker: w, clock: clk, logs: logs, inbound: inbound, alerts: alerts}
}

func (h *harness) createLog(t *testing.T) webhooklogdomain.WebhookLog {
	t.Helper()
	row, err := h.logs.Create(context.Background(), webhooklogdomain.CreateRequest{
		Provider:       "cloud_api",
		Payload:        []byte(`{"object":"whatsapp_business_account","entry":[]}`),
		SignatureValid: true,
	})
	require.NoError(t, err)
	return row
}

func TestRunOnceSkipsLogsBeforeBackoff(t *testing.T) {
	h := newHarness(t, nil)
	h.createLog(t)

	h.clock.Advance(4 * time.Minute)
	summary, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Claimed)
	assert.Empty(t, h.inbound.calls)
}

func TestRunOnceReprocessesDueLog(t *testing.T) {
	h := newHarness(t, nil)
	row := h.createLog(t)

	h.clock.Advance(5 * time.Minute)
	summary, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Claimed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.NotEmpty(t, summary.RunID)

	got, err := h.logs.Get(context.Background(), row.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Equal(t, 0, got.RetryCount)

	h.clock.Advance(10 * time.Minute)
	summary, err = h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Claimed)
	assert.Len(t, h.inbound.calls, 1)
}

func TestRetryBackoffThenAlertOnExhaustion(t *testing.T) {
	h := newHarness(t, nil)
	row := h.createLog(t)
	h.inbound.fail = inbounddomain.Transient("resolve_instance", errors.New("db down"))
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		h.clock.Set(t0.Add(time.Duration(attempt) * 5 * time.Minute))
		summary, err := h.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed, "attempt %d", attempt)

		got, err := h.logs.Get(ctx, row.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.RetryCount)
		require.NotNil(t, got.NextRetryAt)
		assert.True(t, got.NextRetryAt.Equal(t0.Add(time.Duration(attempt+1)*5*time.Minute)))
		require.NotNil(t, got.ProcessingError)
		assert.Contains(t, *got.ProcessingError, "db down")
	}
	assert.Empty(t, h.alerts.alerts)

	// Not due again until T+15.
	h.clock.Set(t0.Add(14 * time.Minute))
	summary, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Claimed)

	h.clock.Set(t0.Add(15 * time.Minute))
	summary, err = h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Exhausted)

	require.Len(t, h.alerts.alerts, 1)
	a := h.alerts.alerts[0]
	assert.Equal(t, alertdomain.SeverityCritical, a.Severity)
	assert.Equal(t, row.ID.String(), a.Context["log_id"])
	assert.Equal(t, "3", a.Context["retry_count"])
	assert.Equal(t, "cloud_api", a.Context["provider"])
	assert.Contains(t, a.Context["error"], "db down")

	got, err := h.logs.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, webhooklogdomain.StatusFailed, webhooklogdomain.StatusOf(got, 3))

	h.clock.Set(t0.Add(time.Hour))
	summary, err = h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Claimed)
	assert.Len(t, h.alerts.alerts, 1)
	assert.Len(t, h.inbound.calls, 3)
}

func TestInvalidSignatureLogsAreNeverRetried(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.logs.Create(context.Background(), webhooklogdomain.CreateRequest{
		Provider:       "gateway",
		Payload:        []byte(`{"type":"Message"}`),
		Signature:      "bogus",
		SignatureValid: false,
	})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	summary, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Claimed)
	assert.Empty(t, h.inbound.calls)
}

func TestRunOnceHonorsRunLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	runLock := NewRunLock(client, Config{})

	h := newHarness(t, runLock)
	h.createLog(t)
	h.clock.Advance(5 * time.Minute)

	holder, ok, err := runLock.Acquire(context.Background(), "retry-other")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.worker.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)
	assert.Empty(t, h.inbound.calls)

	require.NoError(t, runLock.Release(context.Background(), holder))
	summary, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.False(t, mr.Exists(runLockKey))
}

func TestUnrecoverableFailureAlertsWithoutBackoff(t *testing.T) {
	h := newHarness(t, nil)
	row := h.createLog(t)
	h.inbound.fail = fmt.Errorf("%w: %w", inbounddomain.ErrPermanentFailure, errors.New("missing_owner"))
	ctx := context.Background()

	h.clock.Set(t0.Add(5 * time.Minute))
	summary, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Exhausted)
	assert.Equal(t, 0, summary.Failed)

	require.Len(t, h.alerts.alerts, 1)
	a := h.alerts.alerts[0]
	assert.Equal(t, alertdomain.SeverityCritical, a.Severity)
	assert.Equal(t, row.ID.String(), a.Context["log_id"])
	assert.Equal(t, "3", a.Context["retry_count"])
	assert.Contains(t, a.Context["error"], "missing_owner")

	got, err := h.logs.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, webhooklogdomain.StatusFailed, webhooklogdomain.StatusOf(got, 3))

	// The 10 and 15 minute slots are never used.
	h.clock.Set(t0.Add(time.Hour))
	summary, err = h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Claimed)
	assert.Len(t, h.inbound.calls, 1)
	assert.Len(t, h.alerts.alerts, 1)
}

func deferredCount(t *testing.T, reason string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != "waingest_retry_logs_deferred_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "reason" && label.GetValue() == reason {
					total += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}

func TestHandledElsewhereIsCountedAsSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.createLog(t)
	h.inbound.fail = inbounddomain.ErrLogAlreadyHandled
	h.clock.Set(t0.Add(5 * time.Minute))

	handledBefore := deferredCount(t, obsmetrics.RetryDeferredAlreadyHandled)
	notDueBefore := deferredCount(t, obsmetrics.RetryDeferredNotDue)

	summary, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Empty(t, h.alerts.alerts)
	assert.Equal(t, handledBefore+1, deferredCount(t, obsmetrics.RetryDeferredAlreadyHandled))
	assert.Equal(t, notDueBefore, deferredCount(t, obsmetrics.RetryDeferredNotDue))
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
