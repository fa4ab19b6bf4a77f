package email

import (
	"github.com/smallbiznis/waingest/internal/config"
)

func NewFromConfig(cfg config.Config) Provider {
	if cfg.Alert.SMTPHost == "" {
		return &NoOpProvider{}
	}
	return NewSMTP(Config{
		Host:     cfg.Alert.SMTPHost,
		Port:     cfg.Alert.SMTPPort,
		Username: cfg.Alert.SMTPUsername,
		Password: cfg.Alert.SMTPPassword,
		From:     cfg.Alert.SMTPFrom,
	})
}
