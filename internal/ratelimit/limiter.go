package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/waingest/internal/clock"
	"github.com/smallbiznis/waingest/internal/config"
	"github.com/smallbiznis/waingest/internal/observability/metrics"
	"go.uber.org/zap"
)

const keyPrefix = "waingest:rl"

// Request identifies the caller of one endpoint. OrgID may be empty when the
// organization is not known yet; org-scoped strategies are then skipped.
type Request struct {
	Endpoint string
	IP       string
	OrgID    string
}

// Decision is the limiter verdict. For a denial Strategy names the first
// violated counter and the numeric fields describe it; for an allowed request
// they describe the tightest counter.
type Decision struct {
	Allowed    bool
	Strategy   string
	Limit      int
	Current    int64
	Reset      time.Time
	RetryAfter time.Duration
	// Degraded is set when the store failed and the policy failed open.
	Degraded bool
}

type Limiter struct {
	store   Store
	holder  *config.RateLimitConfigHolder
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewLimiter(store Store, holder *config.RateLimitConfigHolder, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{store: store, holder: holder, clock: clk, log: log.Named("ratelimit"), metrics: m}
}

// Allow evaluates every strategy of the endpoint policy in order and stops at
// the first one that is over its limit. A store failure is returned as an
// error unless the policy fails open.
func (l *Limiter) Allow(ctx context.Context, req Request) (Decision, error) {
	cfg := l.holder.Get()
	endpoint := strings.ToLower(strings.TrimSpace(req.Endpoint))
	policy, ok := cfg.Policy(endpoint)
	if !cfg.Enabled || !ok || len(policy.Strategies) == 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.clock.Now()
	tightest := Decision{Allowed: true}
	bestRemaining := int64(-1)

	for _, strategy := range policy.Strategies {
		key, applies := strategyKey(endpoint, strategy.Name, req)
		if !applies {
			continue
		}

		count, ttl, err := l.store.Incr(ctx, key, strategy.Window)
		if err != nil {
			if policy.FailOpen {
				l.log.Warn("ratelimit.store.unavailable",
					zap.String("endpoint", endpoint),
					zap.String("store", l.store.Name()),
					zap.Error(err),
				)
				return Decision{Allowed: true, Degraded: true}, nil
			}
			return Decision{}, fmt.Errorf("rate limit store: %w", err)
		}

		d := Decision{
			Allowed:    count <= int64(strategy.Limit),
			Strategy:   strategy.Name,
			Limit:      strategy.Limit,
			Current:    count,
			Reset:      now.Add(ttl),
			RetryAfter: ttl,
		}
		if !d.Allowed {
			l.metrics.RecordRateLimitDenied(ctx, req.OrgID, endpoint, strategy.Name)
			return d, nil
		}
		d.RetryAfter = 0
		if remaining := int64(strategy.Limit) - count; bestRemaining < 0 || remaining < bestRemaining {
			bestRemaining = remaining
			tightest = d
		}
	}

	l.metrics.RecordRateLimitAllowed(ctx, req.OrgID, endpoint)
	return tightest, nil
}

func strategyKey(endpoint, strategy string, req Request) (string, bool) {
	ip := strings.TrimSpace(req.IP)
	org := strings.TrimSpace(req.OrgID)
	switch strategy {
	case config.RateLimitStrategyIP:
		if ip == "" {
			return "", false
		}
		return fmt.Sprintf("%s:%s:ip:%s", keyPrefix, endpoint, ip), true
	case config.RateLimitStrategyOrg:
		if org == "" {
			return "", false
		}
		return fmt.Sprintf("%s:%s:org:%s", keyPrefix, endpoint, org), true
	case config.RateLimitStrategyBurst:
		if ip == "" && org == "" {
			return "", false
		}
		return fmt.Sprintf("%s:%s:burst:%s:%s", keyPrefix, endpoint, ip, org), true
	default:
		return "", false
	}
}
