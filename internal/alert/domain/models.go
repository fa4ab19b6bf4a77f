package domain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operator-facing notification.
type Alert struct {
	Severity   Severity          `json:"severity"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Context    map[string]string `json:"context,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Text renders the alert as plain text with context keys in stable order.
func (a Alert) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n%s", strings.ToUpper(string(a.Severity)), a.Title, a.Message)
	keys := make([]string, 0, len(a.Context))
	for k := range a.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, a.Context[k])
	}
	if !a.OccurredAt.IsZero() {
		fmt.Fprintf(&b, "\nat: %s", a.OccurredAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// Notifier delivers alerts to a sink.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}
