package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Lead is a contact known to an organization. RemoteJID is empty for leads
// imported by phone that have not written in yet.
type Lead struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID `gorm:"not null" json:"organization_id"`
	RemoteJID   string       `gorm:"column:remote_jid" json:"remote_jid"`
	Phone       string       `json:"phone"`
	Name        *string      `json:"name,omitempty"`
	FirstSource string       `gorm:"column:first_source" json:"first_source"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (Lead) TableName() string { return "leads" }

// Conversation is the channel between one lead and one instance.
type Conversation struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID `gorm:"not null" json:"organization_id"`
	LeadID        snowflake.ID `gorm:"not null" json:"lead_id"`
	InstanceID    snowflake.ID `gorm:"not null" json:"instance_id"`
	LastMessageAt *time.Time   `json:"last_message_at,omitempty"`
	UnreadCount   int          `json:"unread_count"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "OPEN"
	TicketStatusResolved   TicketStatus = "RESOLVED"
	TicketStatusClosedWon  TicketStatus = "CLOSED_WON"
	TicketStatusClosedLost TicketStatus = "CLOSED_LOST"
)

// IsTerminal reports whether the status closes the ticket.
func (s TicketStatus) IsTerminal() bool {
	switch s {
	case TicketStatusResolved, TicketStatusClosedWon, TicketStatusClosedLost:
		return true
	}
	return false
}

type Ticket struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID `gorm:"not null" json:"organization_id"`
	ConversationID snowflake.ID `gorm:"not null" json:"conversation_id"`
	LeadID         snowflake.ID `gorm:"not null" json:"lead_id"`
	Status         TicketStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (Ticket) TableName() string { return "tickets" }

// Message content is immutable once stored; only Status moves.
type Message struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID             snowflake.ID      `gorm:"not null" json:"organization_id"`
	ProviderMessageID string            `gorm:"column:provider_message_id" json:"provider_message_id"`
	ConversationID    snowflake.ID      `json:"conversation_id"`
	TicketID          snowflake.ID      `json:"ticket_id"`
	LeadID            snowflake.ID      `json:"lead_id"`
	Direction         string            `json:"direction"`
	ContentType       string            `json:"content_type"`
	Body              string            `json:"body"`
	Media             datatypes.JSONMap `gorm:"type:text;not null;default:'{}'" json:"media,omitempty"`
	Status            string            `json:"status"`
	OccurredAt        time.Time         `json:"occurred_at"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (Message) TableName() string { return "messages" }
