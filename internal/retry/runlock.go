package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

const runLockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RunLock keeps replicas from draining at the same time. The stored value
// is "<worker>:<nonce>" so the current holder can be named in logs.
type RunLock struct {
	client  *redis.Client
	release *redis.Script
	key     string
	ttl     time.Duration
}

type runLockParams struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Config Config
}

func provideRunLock(p runLockParams) *RunLock {
	return NewRunLock(p.Client, p.Config)
}

// NewRunLock returns nil without a redis client; row leases still keep
// concurrent drains from touching the same log.
func NewRunLock(client *redis.Client, cfg Config) *RunLock {
	if client == nil {
		return nil
	}
	return &RunLock{
		client:  client,
		release: redis.NewScript(runLockReleaseScript),
		key:     runLockKey,
		ttl:     cfg.withDefaults().LockTTL,
	}
}

// Acquire takes the run for worker. ok is false while another holder owns it.
func (l *RunLock) Acquire(ctx context.Context, worker string) (holder string, ok bool, err error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("run lock not configured")
	}
	worker = strings.TrimSpace(worker)
	if worker == "" {
		return "", false, errors.New("run lock worker is empty")
	}

	holder = worker + ":" + uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.key, holder, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return holder, true, nil
}

// Holder names the worker currently owning the run, or "" when it is free.
func (l *RunLock) Holder(ctx context.Context) (string, error) {
	if l == nil || l.client == nil {
		return "", nil
	}
	value, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if i := strings.LastIndex(value, ":"); i > 0 {
		return value[:i], nil
	}
	return value, nil
}

// Release frees the run only when holder still owns it.
func (l *RunLock) Release(ctx context.Context, holder string) error {
	if l == nil || l.client == nil || holder == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{l.key}, holder).Err()
}
