package realtime

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	convdomain "github.com/smallbiznis/waingest/internal/conversation/domain"
)

const (
	EventMessageCreated = "message.created"
	EventMessageStatus  = "message.status"
)

// Event is the payload pushed to conversation subscribers of one organization.
type Event struct {
	Type           string                   `json:"type"`
	OrganizationID snowflake.ID             `json:"organizationId"`
	ConversationID snowflake.ID             `json:"conversationId"`
	TicketID       snowflake.ID             `json:"ticketId,omitempty"`
	LeadID         snowflake.ID             `json:"leadId"`
	Message        *convdomain.Message      `json:"message,omitempty"`
	Conversation   *convdomain.Conversation `json:"conversation,omitempty"`
	EmittedAt      time.Time                `json:"emittedAt"`
}

// Channel names the per-organization conversation feed.
func Channel(orgID snowflake.ID) string {
	return fmt.Sprintf("org:%s:conversations", orgID.String())
}

// EventFromOutcome builds the fan-out payload for a chain outcome. ok is false
// when nothing observable changed.
func EventFromOutcome(orgID snowflake.ID, out convdomain.Outcome, at time.Time) (Event, bool) {
	if !out.Changed() || out.Message == nil {
		return Event{}, false
	}
	ev := Event{
		Type:           EventMessageCreated,
		OrganizationID: orgID,
		ConversationID: out.Message.ConversationID,
		TicketID:       out.Message.TicketID,
		LeadID:         out.Message.LeadID,
		Message:        out.Message,
		Conversation:   out.Conversation,
		EmittedAt:      at,
	}
	if !out.Created {
		ev.Type = EventMessageStatus
	}
	return ev, true
}
