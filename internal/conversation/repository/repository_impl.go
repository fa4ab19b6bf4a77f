package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/internal/conversation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const (
	leadColumns         = `id, org_id, remote_jid, phone, name, first_source, created_at, updated_at`
	conversationColumns = `id, org_id, lead_id, instance_id, last_message_at, unread_count, created_at, updated_at`
	ticketColumns       = `id, org_id, conversation_id, lead_id, status, created_at, updated_at`
	messageColumns      = `id, org_id, provider_message_id, conversation_id, ticket_id, lead_id, direction,
	content_type, body, media, status, occurred_at, created_at, updated_at`
)

func (r *repo) FindLeadByJID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, remoteJID string) (*domain.Lead, error) {
	var lead domain.Lead
	err := db.WithContext(ctx).Raw(
		`SELECT `+leadColumns+`
		 FROM leads WHERE org_id = ? AND remote_jid = ?`,
		orgID,
		remoteJID,
	).Scan(&lead).Error
	if err != nil {
		return nil, err
	}
	if lead.ID == 0 {
		return nil, nil
	}
	return &lead, nil
}

// ClaimLeadByPhone binds the oldest unclaimed lead with the same phone to
// remoteJID. The remote_jid = '' guard makes concurrent claims race safely.
func (r *repo) ClaimLeadByPhone(ctx context.Context, db *gorm.DB, orgID snowflake.ID, phone, remoteJID string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE leads
		 SET remote_jid = ?, updated_at = ?
		 WHERE remote_jid = ''
		   AND id = (
		     SELECT id FROM leads
		     WHERE org_id = ? AND phone = ? AND remote_jid = ''
		     ORDER BY created_at ASC, id ASC
		     LIMIT 1
		   )`,
		remoteJID,
		at,
		orgID,
		phone,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) InsertLead(ctx context.Context, db *gorm.DB, lead *domain.Lead) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO leads (`+leadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, remote_jid) WHERE remote_jid <> '' DO NOTHING`,
		lead.ID,
		lead.OrgID,
		lead.RemoteJID,
		lead.Phone,
		lead.Name,
		lead.FirstSource,
		lead.CreatedAt,
		lead.UpdatedAt,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) FillLeadName(ctx context.Context, db *gorm.DB, id snowflake.ID, name string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE leads
		 SET name = ?, updated_at = ?
		 WHERE id = ? AND (name IS NULL OR name = '')`,
		name,
		at,
		id,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) InsertConversation(ctx context.Context, db *gorm.DB, conv *domain.Conversation) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (lead_id, instance_id) DO NOTHING`,
		conv.ID,
		conv.OrgID,
		conv.LeadID,
		conv.InstanceID,
		conv.LastMessageAt,
		conv.UnreadCount,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) FindConversation(ctx context.Context, db *gorm.DB, leadID, instanceID snowflake.ID) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := db.WithContext(ctx).Raw(
		`SELECT `+conversationColumns+`
		 FROM conversations WHERE lead_id = ? AND instance_id = ?`,
		leadID,
		instanceID,
	).Scan(&conv).Error
	if err != nil {
		return nil, err
	}
	if conv.ID == 0 {
		return nil, nil
	}
	return &conv, nil
}

func (r *repo) FindConversationByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := db.WithContext(ctx).Raw(
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`,
		id,
	).Scan(&conv).Error
	if err != nil {
		return nil, err
	}
	if conv.ID == 0 {
		return nil, nil
	}
	return &conv, nil
}

// TouchConversation moves last_message_at forward only, so late retries of
// older events never rewind it.
func (r *repo) TouchConversation(ctx context.Context, db *gorm.DB, id snowflake.ID, lastMessageAt time.Time, unreadDelta int, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE conversations
		 SET last_message_at = CASE
		       WHEN last_message_at IS NULL OR last_message_at < ? THEN ?
		       ELSE last_message_at
		     END,
		     unread_count = unread_count + ?,
		     updated_at = ?
		 WHERE id = ?`,
		lastMessageAt,
		lastMessageAt,
		unreadDelta,
		at,
		id,
	).Error
}

func (r *repo) FindOpenTicket(ctx context.Context, db *gorm.DB, conversationID snowflake.ID) (*domain.Ticket, error) {
	var ticket domain.Ticket
	err := db.WithContext(ctx).Raw(
		`SELECT `+ticketColumns+`
		 FROM tickets WHERE conversation_id = ? AND status = ?`,
		conversationID,
		domain.TicketStatusOpen,
	).Scan(&ticket).Error
	if err != nil {
		return nil, err
	}
	if ticket.ID == 0 {
		return nil, nil
	}
	return &ticket, nil
}

func (r *repo) FindTicketByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Ticket, error) {
	var ticket domain.Ticket
	err := db.WithContext(ctx).Raw(
		`SELECT `+ticketColumns+` FROM tickets WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Scan(&ticket).Error
	if err != nil {
		return nil, err
	}
	if ticket.ID == 0 {
		return nil, nil
	}
	return &ticket, nil
}

// InsertOpenTicket relies on the partial unique index over open tickets; a
// concurrent winner turns this into a no-op.
func (r *repo) InsertOpenTicket(ctx context.Context, db *gorm.DB, ticket *domain.Ticket) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO tickets (`+ticketColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id) WHERE status = 'OPEN' DO NOTHING`,
		ticket.ID,
		ticket.OrgID,
		ticket.ConversationID,
		ticket.LeadID,
		domain.TicketStatusOpen,
		ticket.CreatedAt,
		ticket.UpdatedAt,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) UpdateTicketStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.TicketStatus, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		status,
		at,
		id,
		domain.TicketStatusOpen,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) InsertMessage(ctx context.Context, db *gorm.DB, msg *domain.Message) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, provider_message_id) DO NOTHING`,
		msg.ID,
		msg.OrgID,
		msg.ProviderMessageID,
		msg.ConversationID,
		msg.TicketID,
		msg.LeadID,
		msg.Direction,
		msg.ContentType,
		msg.Body,
		msg.Media,
		msg.Status,
		msg.OccurredAt,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) FindMessage(ctx context.Context, db *gorm.DB, orgID snowflake.ID, providerMessageID string) (*domain.Message, error) {
	var msg domain.Message
	err := db.WithContext(ctx).Raw(
		`SELECT `+messageColumns+`
		 FROM messages WHERE org_id = ? AND provider_message_id = ?`,
		orgID,
		providerMessageID,
	).Scan(&msg).Error
	if err != nil {
		return nil, err
	}
	if msg.ID == 0 {
		return nil, nil
	}
	return &msg, nil
}

func (r *repo) CompareAndSetStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to,
		at,
		id,
		from,
	)
	return res.RowsAffected, res.Error
}
