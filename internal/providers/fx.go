package providers

import (
	"github.com/smallbiznis/waingest/internal/config"
	"github.com/smallbiznis/waingest/internal/providers/email"
	"github.com/smallbiznis/waingest/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	fx.Provide(email.NewFromConfig),
	fx.Provide(func(cfg config.Config) slack.Provider {
		return slack.NewFromURL(cfg.Alert.SlackWebhookURL)
	}),
)
