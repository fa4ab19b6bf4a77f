package alert

import (
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/internal/alert/domain"
	webhooklogdomain "github.com/smallbiznis/waingest/internal/webhooklog/domain"
)

const maxErrorLen = 500

const (
	TitleRetriesExhausted = "Webhook retries exhausted"
	TitleUnrecoverable    = "Webhook cannot be processed"
)

// WebhookFailure builds the critical alert for a log that will not be
// retried again.
func WebhookFailure(title, message string, row webhooklogdomain.WebhookLog, cause error, at time.Time) domain.Alert {
	errText := "unknown error"
	if cause != nil {
		errText = cause.Error()
	}
	if len(errText) > maxErrorLen {
		errText = errText[:maxErrorLen]
		for !utf8.ValidString(errText) {
			errText = errText[:len(errText)-1]
		}
	}
	return domain.Alert{
		Severity: domain.SeverityCritical,
		Title:    title,
		Message:  message,
		Context: map[string]string{
			"log_id":      row.ID.String(),
			"org_id":      idString(row.OrgID),
			"provider":    row.Provider,
			"event_type":  row.EventType,
			"retry_count": strconv.Itoa(row.RetryCount),
			"error":       errText,
		},
		OccurredAt: at.UTC(),
	}
}

func idString(id *snowflake.ID) string {
	if id == nil || *id == 0 {
		return ""
	}
	return id.String()
}
