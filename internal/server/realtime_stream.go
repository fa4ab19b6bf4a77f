package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/waingest/internal/realtime"
)

const sseHeartbeat = 15 * time.Second

// StreamConversationEvents serves the organization's conversation channel as
// server-sent events. It only sees events published through the local hub.
func (s *Server) StreamConversationEvents(c *gin.Context) {
	if s.hub == nil || (s.publisher != nil && s.publisher.Driver() != realtime.DriverLocal) {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	orgID, err := parseSnowflakeID(c.Param("orgId"))
	if err != nil {
		AbortWithError(c, newValidationError("orgId", "invalid_organization_id", "invalid organization id"))
		return
	}
	channel := realtime.Channel(orgID)

	subscription, backlog, err := s.hub.Subscribe(channel)
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	for _, event := range backlog {
		if err := writeConversationEvent(writer, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-subscription.Events():
			if !ok {
				return
			}
			if err := writeConversationEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeConversationEvent(w io.Writer, event realtime.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
