package alert

import (
	"github.com/smallbiznis/waingest/internal/alert/domain"
	"github.com/smallbiznis/waingest/internal/config"
	"github.com/smallbiznis/waingest/internal/providers/email"
	"github.com/smallbiznis/waingest/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("alert",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Slack  slack.Provider
	Email  email.Provider
}

// New always logs alerts and adds Slack and email sinks when configured.
func New(p Params) domain.Notifier {
	sinks := []domain.Notifier{NewLogNotifier(p.Log)}
	if p.Config.Alert.SlackWebhookURL != "" {
		sinks = append(sinks, NewSlackNotifier(p.Slack, p.Config.Alert.SlackChannel))
	}
	if p.Config.Alert.SMTPHost != "" && len(p.Config.Alert.Recipients) > 0 {
		sinks = append(sinks, NewEmailNotifier(p.Email, p.Config.Alert.Recipients))
	}
	return NewMulti(sinks...)
}
