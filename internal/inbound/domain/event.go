package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Provider identifies the webhook family a payload came from.
type Provider string

const (
	ProviderCloudAPI Provider = "cloud_api"
	ProviderGateway  Provider = "gateway"
)

// ParseProvider accepts the canonical names plus common aliases.
func ParseProvider(raw string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cloud_api", "cloud", "meta", "whatsapp":
		return ProviderCloudAPI, nil
	case "gateway", "wuzapi", "legacy":
		return ProviderGateway, nil
	default:
		return "", ErrUnknownProvider
	}
}

type EventKind string

const (
	EventKindMessage EventKind = "message"
	EventKindStatus  EventKind = "status"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

const (
	ContentTypeText        = "text"
	ContentTypeImage       = "image"
	ContentTypeAudio       = "audio"
	ContentTypeVideo       = "video"
	ContentTypeDocument    = "document"
	ContentTypeSticker     = "sticker"
	ContentTypeLocation    = "location"
	ContentTypeContacts    = "contacts"
	ContentTypeInteractive = "interactive"
	ContentTypeReaction    = "reaction"
	ContentTypeUnknown     = "unknown"
)

// Media describes an attachment. URL may be a provider media id when the
// provider does not hand out a download link.
type Media struct {
	URL             string `json:"url,omitempty"`
	MimeType        string `json:"mimeType,omitempty"`
	SizeBytes       int64  `json:"sizeBytes,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// MessageEvent is the canonical shape of a sent or received message.
type MessageEvent struct {
	ProviderMessageID string    `json:"providerMessageId"`
	RemoteIdentity    string    `json:"remoteIdentity"`
	Phone             string    `json:"phone"`
	ContactName       string    `json:"contactName,omitempty"`
	Direction         Direction `json:"direction"`
	ContentType       string    `json:"contentType"`
	Text              string    `json:"text"`
	Media             *Media    `json:"media,omitempty"`
	OccurredAt        time.Time `json:"occurredAt"`
}

// StatusEvent reports a delivery state change for a previously sent message.
type StatusEvent struct {
	ProviderMessageID string        `json:"providerMessageId"`
	RemoteIdentity    string        `json:"remoteIdentity,omitempty"`
	Status            MessageStatus `json:"status"`
	OccurredAt        time.Time     `json:"occurredAt"`
	ErrorReason       string        `json:"errorReason,omitempty"`
}

// InboundEvent carries exactly one of Message or Status. Channel is the
// provider-side key of the receiving number or session and is resolved to
// OrganizationID and InstanceID by the instance registry.
type InboundEvent struct {
	Kind           EventKind     `json:"kind"`
	Provider       Provider      `json:"provider"`
	Channel        string        `json:"channel"`
	OrganizationID snowflake.ID  `json:"organizationId,omitempty"`
	InstanceID     snowflake.ID  `json:"instanceId,omitempty"`
	Message        *MessageEvent `json:"message,omitempty"`
	Status         *StatusEvent  `json:"status,omitempty"`
}

// WithOwner returns a copy bound to an organization and instance.
func (e InboundEvent) WithOwner(orgID, instanceID snowflake.ID) InboundEvent {
	e.OrganizationID = orgID
	e.InstanceID = instanceID
	return e
}

// ProviderMessageID returns the id of the message or status target.
func (e InboundEvent) ProviderMessageID() string {
	switch {
	case e.Message != nil:
		return e.Message.ProviderMessageID
	case e.Status != nil:
		return e.Status.ProviderMessageID
	default:
		return ""
	}
}

// EntryError records one payload entry that could not be normalized.
type EntryError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result is the output of normalizing one payload.
type Result struct {
	Events   []InboundEvent `json:"events"`
	Rejected []EntryError   `json:"rejected,omitempty"`
}

// EventType summarizes the payload for the webhook log row.
func (r Result) EventType() string {
	var messages, statuses int
	for _, ev := range r.Events {
		switch ev.Kind {
		case EventKindMessage:
			messages++
		case EventKindStatus:
			statuses++
		}
	}
	switch {
	case messages > 0 && statuses > 0:
		return "mixed"
	case messages > 0:
		return string(EventKindMessage)
	case statuses > 0:
		return string(EventKindStatus)
	default:
		return "unknown"
	}
}
