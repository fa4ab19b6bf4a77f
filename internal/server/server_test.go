package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/waingest/internal/alert"
	"github.com/smallbiznis/waingest/internal/cache"
	"github.com/smallbiznis/waingest/internal/clock"
	"github.com/smallbiznis/waingest/internal/config"
	convrepo "github.com/smallbiznis/waingest/internal/conversation/repository"
	convservice "github.com/smallbiznis/waingest/internal/conversation/service"
	inbounddomain "github.com/smallbiznis/waingest/internal/inbound/domain"
	"github.com/smallbiznis/waingest/internal/inbound/normalizer"
	inboundservice "github.com/smallbiznis/waingest/internal/inbound/service"
	"github.com/smallbiznis/waingest/internal/inbound/signature"
	instancedomain "github.com/smallbiznis/waingest/internal/instance/domain"
	instancerepo "github.com/smallbiznis/waingest/internal/instance/repository"
	instanceservice "github.com/smallbiznis/waingest/internal/instance/service"
	"github.com/smallbiznis/waingest/internal/observability"
	"github.com/smallbiznis/waingest/internal/ratelimit"
	"github.com/smallbiznis/waingest/internal/realtime"
	"github.com/smallbiznis/waingest/internal/retry"
	webhooklogdomain "github.com/smallbiznis/waingest/internal/webhooklog/domain"
	webhooklogrepo "github.com/smallbiznis/waingest/internal/webhooklog/repository"
	webhooklogservice "github.com/smallbiznis/waingest/internal/webhooklog/service"
	"github.com/smallbiznis/waingest/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	appSecret   = "cloud-secret"
	verifyToken = "verify-me"
	adminToken  = "admin-secret"
	testOrgID   = snowflake.ID(777)
)

const cloudPayload = `{"object":"whatsapp_business_account","entry":[{"id":"WABA-1","changes":[{"field":"messages","value":{"messaging_product":"whatsapp","metadata":{"display_phone_number":"15550001111","phone_number_id":"PNID-1"},"contacts":[{"profile":{"name":"Budi"},"wa_id":"6281234"}],"messages":[{"from":"6281234","id":"wamid.SRV","timestamp":"1714000000","type":"text","text":{"body":"halo"}}]}}]}]}`

type testServer struct {
	srv       *Server
	engine    *gin.Engine
	db        *gorm.DB
	clock     *clock.FakeClock
	logs      webhooklogdomain.Service
	instances instancedomain.Service
	hub       *realtime.Hub
}

func defaultRateLimits() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled: true,
		Endpoints: map[string]config.EndpointPolicy{
			config.RateLimitEndpointWebhook: {
				FailOpen: true,
				Strategies: []config.StrategyPolicy{
					{Name: config.RateLimitStrategyIP, Limit: 1000, Window: time.Minute},
					{Name: config.RateLimitStrategyOrg, Limit: 1000, Window: time.Minute},
					{Name: config.RateLimitStrategyBurst, Limit: 50, Window: time.Minute},
				},
			},
			config.RateLimitEndpointAdmin: {
				Strategies: []config.StrategyPolicy{
					{Name: config.RateLimitStrategyIP, Limit: 100, Window: time.Minute},
				},
			},
		},
	}
}

func newTestServer(t *testing.T, limits config.RateLimitConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	conn := dbtest.Open(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Config{
		Retry:   config.RetryConfig{BaseInterval: 5 * time.Minute, MaxRetries: 3, LeaseTTL: time.Minute},
		Webhook: config.WebhookConfig{VerifyToken: verifyToken, CloudAppSecret: appSecret, ProcessTimeout: 5 * time.Second},
		Admin:   config.AdminConfig{Token: adminToken, TokenHash: string(hash)},
	}

	logs := webhooklogservice.New(webhooklogservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Config: cfg, Repo: webhooklogrepo.Provide(),
	})
	instances := instanceservice.New(instanceservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Config: cfg, Repo: instancerepo.Provide(),
		Cache: cache.NewInstanceCache(time.Minute),
	})
	conversations := convservice.New(convservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: convrepo.Provide(),
	})
	hub := realtime.NewHub()
	publisher := realtime.NewLocalPublisher(hub)

	inbound := inboundservice.New(inboundservice.Params{
		Log:           log,
		Clock:         clk,
		Config:        cfg,
		Verifier:      signature.New(cfg),
		Normalizer:    normalizer.New(clk),
		Logs:          logs,
		Instances:     instances,
		Conversations: conversations,
		Publisher:     publisher,
	})

	worker, err := retry.New(retry.Params{
		Log: log, GenID: node, Clock: clk, Logs: logs, Inbound: inbound, Alerts: alert.NewLogNotifier(log),
	})
	require.NoError(t, err)

	limiter := ratelimit.NewLimiter(
		ratelimit.NewMemoryStore(clk),
		config.NewStaticRateLimitConfigHolder(limits),
		clk, log, nil,
	)

	engine := NewEngine(observability.Config{}, nil)
	srv := NewServer(ServerParams{
		Gin:         engine,
		Cfg:         cfg,
		Log:         log,
		InboundSvc:  inbound,
		WebhookLogs: logs,
		InstanceSvc: instances,
		Limiter:     limiter,
		RetryWorker: worker,
		Hub:         hub,
		Publisher:   publisher,
	})

	return &testServer{srv: srv, engine: engine, db: conn, clock: clk, logs: logs, instances: instances, hub: hub}
}

func (ts *testServer) register(t *testing.T) {
	t.Helper()
	_, err := ts.instances.Register(context.Background(), instancedomain.RegisterRequest{
		OrgID: testOrgID, Provider: "cloud_api", ExternalID: "PNID-1",
	})
	require.NoError(t, err)
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	ts.engine.ServeHTTP(resp, req)
	return resp
}

func signedWebhook(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.HeaderCloudAPI, signature.Sign(inbounddomain.ProviderCloudAPI, appSecret, []byte(body)))
	return req
}

func adminRequest(method, path, token string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func TestVerifyWebhookHandshake(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())

	resp := ts.do(httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token="+verifyToken+"&hub.challenge=12345", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	assert.Equal(t, "12345", resp.Body.String())
	assert.Contains(t, resp.Header().Get("Content-Type"), "text/plain")

	resp = ts.do(httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil))
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", resp.Code)
	}

	resp = ts.do(httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=unsubscribe&hub.verify_token="+verifyToken+"&hub.challenge=1", nil))
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for wrong mode, got %d", resp.Code)
	}
}

func TestReceiveWebhookAcknowledgesAndPublishes(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())
	ts.register(t)

	sub, _, err := ts.hub.Subscribe(realtime.Channel(testOrgID))
	require.NoError(t, err)
	defer sub.Close()

	resp := ts.do(signedWebhook("/webhook", cloudPayload))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var body struct {
		Received bool   `json:"received"`
		LogID    string `json:"logId"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.True(t, body.Received)

	logID, err := snowflake.ParseString(body.LogID)
	require.NoError(t, err)
	row, err := ts.logs.Get(context.Background(), logID)
	require.NoError(t, err)
	assert.True(t, row.Processed)
	assert.True(t, row.SignatureValid)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, realtime.EventMessageCreated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a realtime event")
	}

	assert.Equal(t, "50", resp.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", resp.Header().Get("X-RateLimit-Current"))
}

func TestReceiveWebhookInvalidSignatureStillAcknowledged(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())
	ts.register(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/cloud", bytes.NewBufferString(cloudPayload))
	req.Header.Set(signature.HeaderCloudAPI, "sha256="+strings.Repeat("0", 64))
	resp := ts.do(req)
	require.Equal(t, http.StatusOK, resp.Code)

	var messages int64
	require.NoError(t, ts.db.Raw(`SELECT COUNT(1) FROM messages`).Scan(&messages).Error)
	assert.Zero(t, messages)

	list := ts.do(adminRequest(http.MethodGet, "/internal/webhook-logs?status=invalid", adminToken, nil))
	require.Equal(t, http.StatusOK, list.Code)
	var page webhooklogdomain.ListResponse
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &page))
	require.Len(t, page.Logs, 1)
	assert.False(t, page.Logs[0].SignatureValid)
}

func TestReceiveWebhookMissingSignatureRejected(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())

	req := httptest.NewRequest(http.MethodPost, "/webhook/cloud", bytes.NewBufferString(cloudPayload))
	resp := ts.do(req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}

	var count int64
	require.NoError(t, ts.db.Raw(`SELECT COUNT(1) FROM webhook_logs`).Scan(&count).Error)
	assert.Zero(t, count)
}

func TestReceiveWebhookUndetectableProviderNotStored(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())

	for _, body := range []string{`{"hello":"world"}`, `not json`} {
		resp := ts.do(httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body)))
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400 for %q, got %d", body, resp.Code)
		}
	}

	var count int64
	require.NoError(t, ts.db.Raw(`SELECT COUNT(1) FROM webhook_logs`).Scan(&count).Error)
	assert.Zero(t, count)
}

func TestReceiveWebhookEmptyBody(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())

	resp := ts.do(httptest.NewRequest(http.MethodPost, "/webhook/cloud", bytes.NewBufferString("  ")))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestBurstLimitPerIPAndOrg(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())
	ts.register(t)

	for i := 0; i < 50; i++ {
		resp := ts.do(signedWebhook("/webhook", cloudPayload))
		require.Equal(t, http.StatusOK, resp.Code, "request %d", i+1)
	}

	ts.clock.Advance(10 * time.Second)
	resp := ts.do(signedWebhook("/webhook", cloudPayload))
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	retryAfter, err := strconv.Atoi(resp.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Equal(t, 50, retryAfter)
	assert.Equal(t, "50", resp.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "51", resp.Header().Get("X-RateLimit-Current"))
	assert.NotEmpty(t, resp.Header().Get("X-RateLimit-Reset"))

	var body rateLimitResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body.Error)
	assert.Equal(t, 50, body.Limit)
	assert.Equal(t, int64(51), body.Current)
	assert.Equal(t, int64(50), body.RetryAfter)

	// A different client address has its own burst window.
	other := signedWebhook("/webhook", cloudPayload)
	other.RemoteAddr = "198.51.100.7:4444"
	resp = ts.do(other)
	assert.Equal(t, http.StatusOK, resp.Code)

	var messages int64
	require.NoError(t, ts.db.Raw(`SELECT COUNT(1) FROM messages`).Scan(&messages).Error)
	assert.Equal(t, int64(1), messages)
}

func TestAdminRequiresToken(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())

	resp := ts.do(adminRequest(http.MethodGet, "/internal/webhook-logs", "", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}
	resp = ts.do(adminRequest(http.MethodGet, "/internal/webhook-logs", "nope", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}
	resp = ts.do(adminRequest(http.MethodGet, "/internal/webhook-logs", "hashed-secret", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200 for hashed token, got %d", resp.Code)
	}
	resp = ts.do(adminRequest(http.MethodGet, "/internal/webhook-logs?status=bogus", adminToken, nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for bad status, got %d", resp.Code)
	}
}

func TestAdminLimiterUnavailableFailsClosed(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())
	ts.srv.limiter = ratelimit.NewLimiter(
		ratelimit.NewRedisStore(nil),
		config.NewStaticRateLimitConfigHolder(defaultRateLimits()),
		ts.clock, zap.NewNop(), nil,
	)

	resp := ts.do(adminRequest(http.MethodGet, "/internal/webhook-logs", adminToken, nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
	assert.Contains(t, resp.Body.String(), "rate_limiter_unavailable")

	// Webhook policy fails open.
	ts.register(t)
	resp = ts.do(signedWebhook("/webhook", cloudPayload))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestUnknownInstanceReplayAfterRegistration(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())

	resp := ts.do(signedWebhook("/webhook/cloud", cloudPayload))
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		LogID string `json:"logId"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))

	row, err := ts.logs.Get(context.Background(), mustID(t, body.LogID))
	require.NoError(t, err)
	assert.False(t, row.Processed)
	require.NotNil(t, row.ProcessingError)

	instanceBody, _ := json.Marshal(map[string]any{
		"organization_id": testOrgID.String(),
		"provider":        "cloud_api",
		"external_id":     "PNID-1",
	})
	reg := ts.do(adminRequest(http.MethodPost, "/internal/instances", adminToken, instanceBody))
	require.Equal(t, http.StatusOK, reg.Code, reg.Body.String())

	replay := ts.do(adminRequest(http.MethodPost, "/internal/webhook-logs/"+body.LogID+"/replay", adminToken, nil))
	require.Equal(t, http.StatusOK, replay.Code, replay.Body.String())
	assert.Contains(t, replay.Body.String(), `"replayed":true`)

	again := ts.do(adminRequest(http.MethodPost, "/internal/webhook-logs/"+body.LogID+"/replay", adminToken, nil))
	if again.Code != http.StatusConflict {
		t.Fatalf("expected status 409 on second replay, got %d", again.Code)
	}

	missing := ts.do(adminRequest(http.MethodPost, "/internal/webhook-logs/123/replay", adminToken, nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", missing.Code)
	}

	list := ts.do(adminRequest(http.MethodGet, "/internal/instances?organization_id="+testOrgID.String(), adminToken, nil))
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "PNID-1")
}

func TestRetryRunEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())

	resp := ts.do(signedWebhook("/webhook/cloud", cloudPayload))
	require.Equal(t, http.StatusOK, resp.Code)
	ts.register(t)

	ts.clock.Advance(5 * time.Minute)
	run := ts.do(adminRequest(http.MethodPost, "/internal/retry/run", adminToken, nil))
	require.Equal(t, http.StatusOK, run.Code, run.Body.String())

	var out struct {
		Data retry.RunSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(run.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Data.Claimed)
	assert.Equal(t, 1, out.Data.Succeeded)
}

func TestRealtimeStreamRejectsBadOrg(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())

	resp := ts.do(httptest.NewRequest(http.MethodGet, "/realtime/abc/stream?access_token="+adminToken, nil))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	resp = ts.do(httptest.NewRequest(http.MethodGet, "/realtime/1/stream", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}
}

func TestWriteConversationEventFraming(t *testing.T) {
	var buf bytes.Buffer
	err := writeConversationEvent(&buf, realtime.Event{Type: realtime.EventMessageStatus, OrganizationID: testOrgID})
	require.NoError(t, err)
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: message.status\ndata: {"))
	assert.True(t, strings.HasSuffix(out, "}\n\n"))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, defaultRateLimits())
	resp := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func mustID(t *testing.T, raw string) snowflake.ID {
	t.Helper()
	id, err := snowflake.ParseString(raw)
	require.NoError(t, err)
	return id
}
