package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository methods that insert report rows affected so callers can tell a
// fresh row from a conflict that was skipped.
type Repository interface {
	FindLeadByJID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, remoteJID string) (*Lead, error)
	ClaimLeadByPhone(ctx context.Context, db *gorm.DB, orgID snowflake.ID, phone, remoteJID string, at time.Time) (int64, error)
	InsertLead(ctx context.Context, db *gorm.DB, lead *Lead) (int64, error)
	FillLeadName(ctx context.Context, db *gorm.DB, id snowflake.ID, name string, at time.Time) (int64, error)

	InsertConversation(ctx context.Context, db *gorm.DB, conv *Conversation) (int64, error)
	FindConversation(ctx context.Context, db *gorm.DB, leadID, instanceID snowflake.ID) (*Conversation, error)
	FindConversationByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Conversation, error)
	TouchConversation(ctx context.Context, db *gorm.DB, id snowflake.ID, lastMessageAt time.Time, unreadDelta int, at time.Time) error

	FindOpenTicket(ctx context.Context, db *gorm.DB, conversationID snowflake.ID) (*Ticket, error)
	FindTicketByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Ticket, error)
	InsertOpenTicket(ctx context.Context, db *gorm.DB, ticket *Ticket) (int64, error)
	UpdateTicketStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status TicketStatus, at time.Time) (int64, error)

	InsertMessage(ctx context.Context, db *gorm.DB, msg *Message) (int64, error)
	FindMessage(ctx context.Context, db *gorm.DB, orgID snowflake.ID, providerMessageID string) (*Message, error)
	CompareAndSetStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to string, at time.Time) (int64, error)
}
