package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/internal/clock"
	"github.com/smallbiznis/waingest/internal/conversation/domain"
	inbounddomain "github.com/smallbiznis/waingest/internal/inbound/domain"
	"github.com/smallbiznis/waingest/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// casAttempts bounds the status compare-and-set loop under contention.
const casAttempts = 3

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("conversation.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func (s *Service) Apply(ctx context.Context, ev inbounddomain.InboundEvent) (domain.Outcome, error) {
	switch ev.Kind {
	case inbounddomain.EventKindMessage:
		return s.ApplyMessage(ctx, ev)
	case inbounddomain.EventKindStatus:
		return s.ApplyStatus(ctx, ev)
	default:
		return domain.Outcome{}, fmt.Errorf("%w: %w: %q", inbounddomain.ErrPermanentFailure, domain.ErrUnsupportedEvent, ev.Kind)
	}
}

// ApplyMessage resolves the lead, conversation and open ticket for the event
// and stores the message. Every step converges when rerun for the same event.
func (s *Service) ApplyMessage(ctx context.Context, ev inbounddomain.InboundEvent) (domain.Outcome, error) {
	out := domain.Outcome{Kind: inbounddomain.EventKindMessage}
	if err := validateOwner(ev); err != nil {
		return out, err
	}
	msg := ev.Message
	if msg == nil || strings.TrimSpace(msg.RemoteIdentity) == "" {
		return out, permanent(domain.ErrMissingIdentity)
	}
	if strings.TrimSpace(msg.ProviderMessageID) == "" {
		return out, permanent(domain.ErrMissingMessageID)
	}

	lead, err := s.upsertLead(ctx, ev.OrganizationID, string(ev.Provider), msg)
	if err != nil {
		return out, inbounddomain.Transient("upsert lead", err)
	}
	out.Lead = lead

	conv, err := s.upsertConversation(ctx, lead, ev.InstanceID)
	if err != nil {
		return out, inbounddomain.Transient("upsert conversation", err)
	}
	out.Conversation = conv

	ticket, err := s.resolveTicket(ctx, conv)
	if err != nil {
		return out, inbounddomain.Transient("resolve ticket", err)
	}
	out.Ticket = ticket

	stored, created, err := s.createMessage(ctx, conv, ticket, msg)
	if err != nil {
		return out, inbounddomain.Transient("create message", err)
	}
	out.Message = stored
	out.Created = created

	if created {
		if refreshed, err := s.repo.FindConversationByID(ctx, s.db, conv.ID); err == nil && refreshed != nil {
			out.Conversation = refreshed
		}
	}
	return out, nil
}

func (s *Service) upsertLead(ctx context.Context, orgID snowflake.ID, source string, msg *inbounddomain.MessageEvent) (*domain.Lead, error) {
	now := s.now()
	jid := strings.TrimSpace(msg.RemoteIdentity)

	lead, err := s.repo.FindLeadByJID(ctx, s.db, orgID, jid)
	if err != nil {
		return nil, err
	}

	if lead == nil && msg.Phone != "" {
		claimed, err := s.repo.ClaimLeadByPhone(ctx, s.db, orgID, msg.Phone, jid, now)
		// A concurrent insert of the same jid wins over the phone claim.
		if err != nil && !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
		if claimed > 0 {
			s.log.Info("lead.claimed_by_phone",
				zap.String("org_id", orgID.String()),
				zap.String("remote_jid", jid),
			)
		}
	}

	if lead == nil {
		candidate := &domain.Lead{
			ID:          s.genID.Generate(),
			OrgID:       orgID,
			RemoteJID:   jid,
			Phone:       msg.Phone,
			FirstSource: source,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if name := strings.TrimSpace(msg.ContactName); name != "" {
			candidate.Name = &name
		}
		if _, err := s.repo.InsertLead(ctx, s.db, candidate); err != nil {
			return nil, err
		}
		lead, err = s.repo.FindLeadByJID(ctx, s.db, orgID, jid)
		if err != nil {
			return nil, err
		}
		if lead == nil {
			return nil, fmt.Errorf("lead %s vanished after upsert", jid)
		}
	}

	if name := strings.TrimSpace(msg.ContactName); name != "" && (lead.Name == nil || *lead.Name == "") {
		rows, err := s.repo.FillLeadName(ctx, s.db, lead.ID, name, now)
		if err != nil {
			return nil, err
		}
		if rows > 0 {
			lead.Name = &name
			lead.UpdatedAt = now
		}
	}
	return lead, nil
}

func (s *Service) upsertConversation(ctx context.Context, lead *domain.Lead, instanceID snowflake.ID) (*domain.Conversation, error) {
	conv, err := s.repo.FindConversation(ctx, s.db, lead.ID, instanceID)
	if err != nil || conv != nil {
		return conv, err
	}

	now := s.now()
	if _, err := s.repo.InsertConversation(ctx, s.db, &domain.Conversation{
		ID:         s.genID.Generate(),
		OrgID:      lead.OrgID,
		LeadID:     lead.ID,
		InstanceID: instanceID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		return nil, err
	}

	conv, err = s.repo.FindConversation(ctx, s.db, lead.ID, instanceID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation for lead %s vanished after upsert", lead.ID)
	}
	return conv, nil
}

func (s *Service) resolveTicket(ctx context.Context, conv *domain.Conversation) (*domain.Ticket, error) {
	ticket, err := s.repo.FindOpenTicket(ctx, s.db, conv.ID)
	if err != nil || ticket != nil {
		return ticket, err
	}

	now := s.now()
	candidate := &domain.Ticket{
		ID:             s.genID.Generate(),
		OrgID:          conv.OrgID,
		ConversationID: conv.ID,
		LeadID:         conv.LeadID,
		Status:         domain.TicketStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rows, err := s.repo.InsertOpenTicket(ctx, s.db, candidate)
	if err != nil {
		return nil, err
	}
	if rows > 0 {
		s.log.Info("ticket.opened",
			zap.String("org_id", conv.OrgID.String()),
			zap.String("conversation_id", conv.ID.String()),
			zap.String("ticket_id", candidate.ID.String()),
		)
		return candidate, nil
	}

	ticket, err = s.repo.FindOpenTicket(ctx, s.db, conv.ID)
	if err != nil {
		return nil, err
	}
	if ticket == nil {
		// The concurrent winner was closed between our insert and read.
		return s.resolveTicket(ctx, conv)
	}
	return ticket, nil
}

// createMessage inserts the message and bumps the conversation in one
// transaction. A replayed message id is reported as not created and leaves
// the conversation counters alone.
func (s *Service) createMessage(ctx context.Context, conv *domain.Conversation, ticket *domain.Ticket, ev *inbounddomain.MessageEvent) (*domain.Message, bool, error) {
	now := s.now()
	occurredAt := ev.OccurredAt.UTC().Truncate(time.Microsecond)
	if occurredAt.IsZero() {
		occurredAt = now
	}

	msg := &domain.Message{
		ID:                s.genID.Generate(),
		OrgID:             conv.OrgID,
		ProviderMessageID: ev.ProviderMessageID,
		ConversationID:    conv.ID,
		TicketID:          ticket.ID,
		LeadID:            conv.LeadID,
		Direction:         string(ev.Direction),
		ContentType:       ev.ContentType,
		Body:              ev.Text,
		Media:             mediaMap(ev.Media),
		Status:            string(initialStatus(ev.Direction)),
		OccurredAt:        occurredAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if msg.ContentType == "" {
		msg.ContentType = inbounddomain.ContentTypeUnknown
	}

	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.InsertMessage(ctx, tx, msg)
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}
		created = true

		unread := 0
		if ev.Direction == inbounddomain.DirectionInbound {
			unread = 1
		}
		return s.repo.TouchConversation(ctx, tx, conv.ID, occurredAt, unread, now)
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		return msg, true, nil
	}

	existing, err := s.repo.FindMessage(ctx, s.db, conv.OrgID, ev.ProviderMessageID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("message %s vanished after insert", ev.ProviderMessageID)
	}
	return existing, false, nil
}

// ApplyStatus advances a stored message's status. Unknown messages are
// skipped; they may belong to sends made outside this service.
func (s *Service) ApplyStatus(ctx context.Context, ev inbounddomain.InboundEvent) (domain.Outcome, error) {
	out := domain.Outcome{Kind: inbounddomain.EventKindStatus}
	if err := validateOwner(ev); err != nil {
		return out, err
	}
	st := ev.Status
	if st == nil || strings.TrimSpace(st.ProviderMessageID) == "" {
		return out, permanent(domain.ErrMissingMessageID)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		msg, err := s.repo.FindMessage(ctx, s.db, ev.OrganizationID, st.ProviderMessageID)
		if err != nil {
			return out, inbounddomain.Transient("find message", err)
		}
		if msg == nil {
			out.Skipped = true
			return out, nil
		}
		out.Message = msg

		if !inbounddomain.CanTransition(inbounddomain.MessageStatus(msg.Status), st.Status) {
			return out, nil
		}

		now := s.now()
		rows, err := s.repo.CompareAndSetStatus(ctx, s.db, msg.ID, msg.Status, string(st.Status), now)
		if err != nil {
			return out, inbounddomain.Transient("update message status", err)
		}
		if rows > 0 {
			msg.Status = string(st.Status)
			msg.UpdatedAt = now
			out.StatusChanged = true
			if st.Status == inbounddomain.StatusFailed && st.ErrorReason != "" {
				s.log.Warn("message.delivery_failed",
					zap.String("org_id", ev.OrganizationID.String()),
					zap.String("provider_message_id", st.ProviderMessageID),
					zap.String("reason", st.ErrorReason),
				)
			}
			conv, err := s.repo.FindConversationByID(ctx, s.db, msg.ConversationID)
			if err == nil {
				out.Conversation = conv
			}
			return out, nil
		}
	}
	return out, inbounddomain.Transient("update message status", fmt.Errorf("status of %s kept changing", st.ProviderMessageID))
}

func (s *Service) CloseTicket(ctx context.Context, orgID, ticketID snowflake.ID, status domain.TicketStatus) (domain.Ticket, error) {
	if !status.IsTerminal() {
		return domain.Ticket{}, domain.ErrInvalidTicketState
	}
	ticket, err := s.repo.FindTicketByID(ctx, s.db, orgID, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if ticket == nil {
		return domain.Ticket{}, domain.ErrTicketNotFound
	}

	now := s.now()
	rows, err := s.repo.UpdateTicketStatus(ctx, s.db, ticket.ID, status, now)
	if err != nil {
		return domain.Ticket{}, err
	}
	if rows == 0 {
		return *ticket, domain.ErrInvalidTicketState
	}
	ticket.Status = status
	ticket.UpdatedAt = now
	return *ticket, nil
}

func validateOwner(ev inbounddomain.InboundEvent) error {
	if ev.OrganizationID == 0 || ev.InstanceID == 0 {
		return permanent(domain.ErrMissingOwner)
	}
	return nil
}

func permanent(err error) error {
	return fmt.Errorf("%w: %w", inbounddomain.ErrPermanentFailure, err)
}

func initialStatus(dir inbounddomain.Direction) inbounddomain.MessageStatus {
	if dir == inbounddomain.DirectionOutbound {
		return inbounddomain.StatusSent
	}
	return inbounddomain.StatusDelivered
}

func mediaMap(m *inbounddomain.Media) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	if m == nil {
		return out
	}
	if m.URL != "" {
		out["url"] = m.URL
	}
	if m.MimeType != "" {
		out["mimeType"] = m.MimeType
	}
	if m.SizeBytes > 0 {
		out["sizeBytes"] = m.SizeBytes
	}
	if m.DurationSeconds > 0 {
		out["durationSeconds"] = m.DurationSeconds
	}
	return out
}
