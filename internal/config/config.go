package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName      string
	AppVersion   string
	Environment  string
	HTTPAddr     string
	SnowflakeID  int64
	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis    RedisConfig
	Webhook  WebhookConfig
	Retry    RetryConfig
	Realtime RealtimeConfig
	Alert    AlertConfig
	Admin    AdminConfig
	Metrics  MetricsPushConfig

	RateLimitFile string
	InstanceTTL   time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type WebhookConfig struct {
	VerifyToken string
	// CloudAppSecret signs X-Hub-Signature-256 for the cloud messaging API.
	CloudAppSecret string
	// GatewayHMACKey signs X-Hmac-Signature for the self-hosted gateway.
	GatewayHMACKey string
	// AllowUnsigned accepts payloads from providers without a configured secret.
	AllowUnsigned  bool
	ProcessTimeout time.Duration
}

type RetryConfig struct {
	Embedded     bool
	RunInterval  time.Duration
	BaseInterval time.Duration
	BatchSize    int
	MaxRetries   int
	LeaseTTL     time.Duration
}

type RealtimeConfig struct {
	Driver         string
	ChannelPrefix  string
	AMQPURL        string
	AMQPExchange   string
	PublishTimeout time.Duration
}

type AlertConfig struct {
	SlackWebhookURL string
	SlackChannel    string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	Recipients      []string
}

type AdminConfig struct {
	Token     string
	TokenHash string
}

type MetricsPushConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "waingest"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		SnowflakeID:  getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "waingest"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "waingest.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Webhook: WebhookConfig{
			VerifyToken:    strings.TrimSpace(getenv("WEBHOOK_VERIFY_TOKEN", "")),
			CloudAppSecret: strings.TrimSpace(getenv("WHATSAPP_APP_SECRET", "")),
			GatewayHMACKey: strings.TrimSpace(getenv("WUZAPI_HMAC_KEY", "")),
			AllowUnsigned:  getenvBool("WEBHOOK_ALLOW_UNSIGNED", false),
			ProcessTimeout: getenvDuration("WEBHOOK_PROCESS_TIMEOUT", 10*time.Second),
		},
		Retry: RetryConfig{
			Embedded:     getenvBool("RETRY_WORKER_EMBEDDED", true),
			RunInterval:  getenvDuration("RETRY_RUN_INTERVAL", 5*time.Minute),
			BaseInterval: getenvDuration("RETRY_BASE_INTERVAL", 5*time.Minute),
			BatchSize:    getenvInt("RETRY_BATCH_SIZE", 50),
			MaxRetries:   getenvInt("RETRY_MAX_RETRIES", 3),
			LeaseTTL:     getenvDuration("RETRY_LEASE_TTL", 2*time.Minute),
		},
		Realtime: RealtimeConfig{
			Driver:         strings.ToLower(getenv("REALTIME_DRIVER", "local")),
			ChannelPrefix:  getenv("REALTIME_CHANNEL_PREFIX", ""),
			AMQPURL:        strings.TrimSpace(getenv("RABBITMQ_URL", "")),
			AMQPExchange:   getenv("RABBITMQ_EXCHANGE", "waingest.realtime"),
			PublishTimeout: getenvDuration("REALTIME_PUBLISH_TIMEOUT", 2*time.Second),
		},
		Alert: AlertConfig{
			SlackWebhookURL: strings.TrimSpace(getenv("ALERT_SLACK_WEBHOOK_URL", "")),
			SlackChannel:    strings.TrimSpace(getenv("ALERT_SLACK_CHANNEL", "")),
			SMTPHost:        strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:        getenvInt("SMTP_PORT", 587),
			SMTPUsername:    getenv("SMTP_USERNAME", ""),
			SMTPPassword:    getenv("SMTP_PASSWORD", ""),
			SMTPFrom:        getenv("SMTP_FROM", "alerts@waingest.local"),
			Recipients:      splitList(getenv("ALERT_EMAIL_RECIPIENTS", "")),
		},
		Admin: AdminConfig{
			Token:     strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
			TokenHash: strings.TrimSpace(getenv("ADMIN_TOKEN_HASH", "")),
		},
		Metrics: MetricsPushConfig{
			Enabled:   getenvBool("METRICS_PUSH_ENABLED", false),
			Exporter:  strings.ToLower(getenv("METRICS_PUSH_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", time.Minute),
		},

		RateLimitFile: strings.TrimSpace(getenv("RATE_LIMIT_CONFIG", "")),
		InstanceTTL:   getenvDuration("INSTANCE_CACHE_TTL", 5*time.Minute),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("90s") or bare seconds ("90").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
