package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	inbounddomain "github.com/smallbiznis/waingest/internal/inbound/domain"
)

var (
	ErrMissingOwner       = errors.New("event_missing_owner")
	ErrMissingIdentity    = errors.New("event_missing_remote_identity")
	ErrMissingMessageID   = errors.New("event_missing_provider_message_id")
	ErrUnsupportedEvent   = errors.New("unsupported_event_kind")
	ErrTicketNotFound     = errors.New("ticket_not_found")
	ErrInvalidTicketState = errors.New("invalid_ticket_status")
)

// Outcome reports what the chain touched for one event. Created and
// StatusChanged drive realtime fan-out; replays leave both false.
type Outcome struct {
	Kind          inbounddomain.EventKind `json:"kind"`
	Lead          *Lead                   `json:"lead,omitempty"`
	Conversation  *Conversation           `json:"conversation,omitempty"`
	Ticket        *Ticket                 `json:"ticket,omitempty"`
	Message       *Message                `json:"message,omitempty"`
	Created       bool                    `json:"created"`
	StatusChanged bool                    `json:"status_changed"`
	// Skipped is set for status updates about messages stored elsewhere.
	Skipped bool `json:"skipped"`
}

// Changed reports whether subscribers should hear about the outcome.
func (o Outcome) Changed() bool {
	return o.Created || o.StatusChanged
}

// Service runs the idempotent lead, conversation, ticket and message chain.
type Service interface {
	Apply(ctx context.Context, ev inbounddomain.InboundEvent) (Outcome, error)
	ApplyMessage(ctx context.Context, ev inbounddomain.InboundEvent) (Outcome, error)
	ApplyStatus(ctx context.Context, ev inbounddomain.InboundEvent) (Outcome, error)
	// CloseTicket is the ticket-management entry point; ingestion never calls it.
	CloseTicket(ctx context.Context, orgID, ticketID snowflake.ID, status TicketStatus) (Ticket, error)
}
