package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	RateLimitEndpointWebhook = "webhook"
	RateLimitEndpointAdmin   = "admin"

	RateLimitStrategyIP    = "ip"
	RateLimitStrategyOrg   = "org"
	RateLimitStrategyBurst = "burst"
)

// RateLimitConfig holds per-endpoint limiter policies.
type RateLimitConfig struct {
	Enabled   bool                      `mapstructure:"enabled"`
	Endpoints map[string]EndpointPolicy `mapstructure:"endpoints"`
}

type EndpointPolicy struct {
	// FailOpen lets requests through when the counter store is unavailable.
	FailOpen   bool             `mapstructure:"fail_open"`
	Strategies []StrategyPolicy `mapstructure:"strategies"`
}

type StrategyPolicy struct {
	Name   string        `mapstructure:"name"`
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled: true,
		Endpoints: map[string]EndpointPolicy{
			RateLimitEndpointWebhook: {
				FailOpen: true,
				Strategies: []StrategyPolicy{
					{Name: RateLimitStrategyIP, Limit: 1200, Window: time.Minute},
					{Name: RateLimitStrategyOrg, Limit: 6000, Window: time.Minute},
					{Name: RateLimitStrategyBurst, Limit: 300, Window: 10 * time.Second},
				},
			},
			RateLimitEndpointAdmin: {
				FailOpen: false,
				Strategies: []StrategyPolicy{
					{Name: RateLimitStrategyIP, Limit: 30, Window: time.Minute},
					{Name: RateLimitStrategyBurst, Limit: 5, Window: 10 * time.Second},
				},
			},
		},
	}
}

// Policy returns the policy for endpoint, if configured.
func (c RateLimitConfig) Policy(endpoint string) (EndpointPolicy, bool) {
	policy, ok := c.Endpoints[strings.ToLower(strings.TrimSpace(endpoint))]
	return policy, ok
}

type RateLimitConfigHolder struct {
	current atomic.Value // holds RateLimitConfig
}

// NewStaticRateLimitConfigHolder wraps a fixed config, mainly for tests.
func NewStaticRateLimitConfigHolder(cfg RateLimitConfig) *RateLimitConfigHolder {
	holder := &RateLimitConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewRateLimitConfigHolder(cfg Config, log *zap.Logger) (*RateLimitConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.ratelimit")

	v := viper.New()
	if cfg.RateLimitFile != "" {
		v.SetConfigFile(cfg.RateLimitFile)
	} else {
		v.SetConfigName("ratelimit")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/waingest")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read rate limit config: %w", err)
		}
		log.Info("rate limit config file not found, using defaults")
		return NewStaticRateLimitConfigHolder(DefaultRateLimitConfig()), nil
	}

	loaded, err := decodeRateLimitConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticRateLimitConfigHolder(loaded)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeRateLimitConfig(v)
		if err != nil {
			log.Warn("rate limit config reload ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("rate limit config reloaded", zap.String("file", filepath.Base(e.Name)))
	})

	return holder, nil
}

func (h *RateLimitConfigHolder) Get() RateLimitConfig {
	if h == nil {
		return DefaultRateLimitConfig()
	}
	return h.current.Load().(RateLimitConfig)
}

func decodeRateLimitConfig(v *viper.Viper) (RateLimitConfig, error) {
	var cfg RateLimitConfig
	if err := v.UnmarshalKey("ratelimit", &cfg); err != nil {
		return RateLimitConfig{}, err
	}
	normalized := make(map[string]EndpointPolicy, len(cfg.Endpoints))
	for name, policy := range cfg.Endpoints {
		normalized[strings.ToLower(strings.TrimSpace(name))] = policy
	}
	cfg.Endpoints = normalized
	if err := ValidateRateLimitConfig(cfg); err != nil {
		return RateLimitConfig{}, err
	}
	return cfg, nil
}

func ValidateRateLimitConfig(cfg RateLimitConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if len(cfg.Endpoints) == 0 {
		return errors.New("ratelimit.endpoints cannot be empty")
	}
	for name, policy := range cfg.Endpoints {
		for _, strategy := range policy.Strategies {
			switch strategy.Name {
			case RateLimitStrategyIP, RateLimitStrategyOrg, RateLimitStrategyBurst:
			default:
				return fmt.Errorf("ratelimit.endpoints.%s: unknown strategy %q", name, strategy.Name)
			}
			if strategy.Limit <= 0 {
				return fmt.Errorf("ratelimit.endpoints.%s.%s: limit must be positive", name, strategy.Name)
			}
			if strategy.Window <= 0 {
				return fmt.Errorf("ratelimit.endpoints.%s.%s: window must be positive", name, strategy.Name)
			}
		}
	}
	return nil
}
