package slack

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type Provider interface {
	PostMessage(ctx context.Context, channelID string, message string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	return nil
}

type webhookPayload struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// WebhookProvider posts to a Slack incoming webhook.
type WebhookProvider struct {
	client *resty.Client
	url    string
}

func NewWebhookProvider(url string) *WebhookProvider {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &WebhookProvider{client: client, url: strings.TrimSpace(url)}
}

func (p *WebhookProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(webhookPayload{Channel: channelID, Text: message}).
		Post(p.url)
	if err != nil {
		return fmt.Errorf("slack webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("slack webhook error: status %s, body: %s", resp.Status(), resp.String())
	}
	return nil
}

// NewFromURL returns a webhook provider, or a no-op one when url is empty.
func NewFromURL(url string) Provider {
	if strings.TrimSpace(url) == "" {
		return &NoOpProvider{}
	}
	return NewWebhookProvider(url)
}
