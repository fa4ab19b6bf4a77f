package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/waingest/internal/alert/domain"
	"github.com/smallbiznis/waingest/internal/providers/email"
	"github.com/smallbiznis/waingest/internal/providers/slack"
	"go.uber.org/zap"
)

type logNotifier struct {
	log *zap.Logger
}

// NewLogNotifier writes alerts as structured log lines.
func NewLogNotifier(log *zap.Logger) domain.Notifier {
	return &logNotifier{log: log.Named("alert")}
}

func (n *logNotifier) Notify(_ context.Context, a domain.Alert) error {
	fields := make([]zap.Field, 0, len(a.Context)+2)
	fields = append(fields, zap.String("severity", string(a.Severity)), zap.String("message", a.Message))
	for k, v := range a.Context {
		fields = append(fields, zap.String(k, v))
	}
	switch a.Severity {
	case domain.SeverityCritical:
		n.log.Error(a.Title, fields...)
	case domain.SeverityWarning:
		n.log.Warn(a.Title, fields...)
	default:
		n.log.Info(a.Title, fields...)
	}
	return nil
}

type slackNotifier struct {
	provider slack.Provider
	channel  string
}

func NewSlackNotifier(provider slack.Provider, channel string) domain.Notifier {
	return &slackNotifier{provider: provider, channel: channel}
}

func (n *slackNotifier) Notify(ctx context.Context, a domain.Alert) error {
	return n.provider.PostMessage(ctx, n.channel, a.Text())
}

type emailNotifier struct {
	provider   email.Provider
	recipients []string
}

func NewEmailNotifier(provider email.Provider, recipients []string) domain.Notifier {
	return &emailNotifier{provider: provider, recipients: recipients}
}

func (n *emailNotifier) Notify(ctx context.Context, a domain.Alert) error {
	subject := fmt.Sprintf("[waingest][%s] %s", a.Severity, a.Title)
	return n.provider.Send(ctx, n.recipients, subject, a.Text())
}

// multiNotifier sends to every sink and joins their errors.
type multiNotifier struct {
	sinks []domain.Notifier
}

func NewMulti(sinks ...domain.Notifier) domain.Notifier {
	return &multiNotifier{sinks: sinks}
}

func (m *multiNotifier) Notify(ctx context.Context, a domain.Alert) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
