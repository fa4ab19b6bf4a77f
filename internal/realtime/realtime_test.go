package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/waingest/internal/config"
	convdomain "github.com/smallbiznis/waingest/internal/conversation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelName(t *testing.T) {
	assert.Equal(t, "org:42:conversations", Channel(snowflake.ID(42)))
	assert.Equal(t, "app:org:42:conversations", channelName("app", Channel(42)))
}

func TestHubDeliversAndBuffers(t *testing.T) {
	hub := NewHub()
	channel := Channel(7)

	hub.Publish(channel, Event{Type: EventMessageCreated})
	sub, backlog, err := hub.Subscribe(channel)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, backlog, "events without listeners are not buffered")

	hub.Publish(channel, Event{Type: EventMessageStatus, OrganizationID: 7})
	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventMessageStatus, ev.Type)
	case <-time.After(time.Second):
		t.Fatalf("expected event")
	}

	late, backlog, err := hub.Subscribe(channel)
	require.NoError(t, err)
	assert.Len(t, backlog, 1)
	assert.Equal(t, 2, hub.Subscribers(channel))

	late.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers(channel))
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	channel := Channel(8)
	sub, _, err := hub.Subscribe(channel)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < DefaultSubscriberBuffer+10; i++ {
		hub.Publish(channel, Event{Type: EventMessageCreated})
	}
	assert.Len(t, sub.Events(), DefaultSubscriberBuffer)
}

func TestEventFromOutcome(t *testing.T) {
	msg := &convdomain.Message{ID: 1, ConversationID: 2, TicketID: 3, LeadID: 4}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, ok := EventFromOutcome(9, convdomain.Outcome{Message: msg}, now)
	assert.False(t, ok)

	ev, ok := EventFromOutcome(9, convdomain.Outcome{Message: msg, Created: true}, now)
	require.True(t, ok)
	assert.Equal(t, EventMessageCreated, ev.Type)
	assert.Equal(t, snowflake.ID(2), ev.ConversationID)

	ev, ok = EventFromOutcome(9, convdomain.Outcome{Message: msg, StatusChanged: true}, now)
	require.True(t, ok)
	assert.Equal(t, EventMessageStatus, ev.Type)
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "org:5:conversations")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub, err := NewPublisher(config.RealtimeConfig{Driver: DriverRedis}, NewHub(), client)
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, pub.Driver())
	require.NoError(t, pub.Publish(ctx, Event{Type: EventMessageCreated, OrganizationID: 5, ConversationID: 11}))

	select {
	case msg := <-sub.Channel():
		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "message.created", got["type"])
		assert.Equal(t, "11", got["conversationId"])
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
	}
}

func TestNewPublisherDrivers(t *testing.T) {
	hub := NewHub()

	pub, err := NewPublisher(config.RealtimeConfig{}, hub, nil)
	require.NoError(t, err)
	assert.Equal(t, DriverLocal, pub.Driver())

	pub, err = NewPublisher(config.RealtimeConfig{Driver: "redis"}, hub, nil)
	require.NoError(t, err)
	assert.Equal(t, DriverLocal, pub.Driver())

	pub, err = NewPublisher(config.RealtimeConfig{Driver: "noop"}, hub, nil)
	require.NoError(t, err)
	assert.Equal(t, DriverNoop, pub.Driver())

	_, err = NewPublisher(config.RealtimeConfig{Driver: "amqp"}, hub, nil)
	assert.Error(t, err)

	_, err = NewPublisher(config.RealtimeConfig{Driver: "kafka"}, hub, nil)
	assert.Error(t, err)
}

func TestLocalPublisherReachesHub(t *testing.T) {
	hub := NewHub()
	sub, _, err := hub.Subscribe(Channel(3))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, NewLocalPublisher(hub).Publish(context.Background(), Event{Type: EventMessageCreated, OrganizationID: 3}))
	select {
	case ev := <-sub.Events():
		assert.Equal(t, snowflake.ID(3), ev.OrganizationID)
	case <-time.After(time.Second):
		t.Fatalf("expected event")
	}
}
