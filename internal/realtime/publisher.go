package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/waingest/internal/config"
)

const (
	DriverLocal = "local"
	DriverRedis = "redis"
	DriverAMQP  = "amqp"
	DriverNoop  = "noop"
)

//go:generate mockgen -destination=mock_publisher.go -package=realtime github.com/smallbiznis/waingest/internal/realtime Publisher

// Publisher pushes an event to the organization's conversation channel.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Driver() string
}

type localPublisher struct {
	hub *Hub
}

func NewLocalPublisher(hub *Hub) Publisher {
	return &localPublisher{hub: hub}
}

func (p *localPublisher) Publish(_ context.Context, ev Event) error {
	p.hub.Publish(Channel(ev.OrganizationID), ev)
	return nil
}

func (p *localPublisher) Driver() string { return DriverLocal }

type noopPublisher struct{}

func NewNoopPublisher() Publisher { return noopPublisher{} }

func (noopPublisher) Publish(context.Context, Event) error { return nil }

func (noopPublisher) Driver() string { return DriverNoop }

type redisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client, prefix string) Publisher {
	return &redisPublisher{client: client, prefix: strings.TrimSpace(prefix)}
}

func (p *redisPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, channelName(p.prefix, Channel(ev.OrganizationID)), body).Err()
}

func (p *redisPublisher) Driver() string { return DriverRedis }

// amqpPublisher publishes to a durable topic exchange with the channel name
// as routing key. The amqp channel is reopened after the broker closes it.
type amqpPublisher struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url, exchange string) (Publisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("realtime amqp url is required")
	}
	p := &amqpPublisher{url: url, exchange: exchange}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *amqpPublisher) connectLocked() error {
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return fmt.Errorf("dial amqp: %w", err)
		}
		p.conn = conn
		p.ch = nil
	}
	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.conn.Channel()
		if err != nil {
			return fmt.Errorf("open amqp channel: %w", err)
		}
		if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
		}
		p.ch = ch
	}
	return nil
}

func (p *amqpPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, Channel(ev.OrganizationID), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.EmittedAt,
		Type:         ev.Type,
		Body:         body,
	})
}

func (p *amqpPublisher) Driver() string { return DriverAMQP }

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}

func channelName(prefix, channel string) string {
	if prefix == "" {
		return channel
	}
	return prefix + ":" + channel
}

// NewPublisher picks the driver named in cfg. The redis driver falls back to
// the local hub when no client is configured.
func NewPublisher(cfg config.RealtimeConfig, hub *Hub, client *redis.Client) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverLocal:
		return NewLocalPublisher(hub), nil
	case DriverRedis:
		if client == nil {
			return NewLocalPublisher(hub), nil
		}
		return NewRedisPublisher(client, cfg.ChannelPrefix), nil
	case DriverAMQP:
		return NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	case DriverNoop:
		return NewNoopPublisher(), nil
	default:
		return nil, fmt.Errorf("unknown realtime driver %q", cfg.Driver)
	}
}
