package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/internal/clock"
	"github.com/smallbiznis/waingest/internal/conversation/domain"
	"github.com/smallbiznis/waingest/internal/conversation/repository"
	inbounddomain "github.com/smallbiznis/waingest/internal/inbound/domain"
	"github.com/smallbiznis/waingest/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testOrg      snowflake.ID = 100
	testInstance snowflake.ID = 200
	otherInst    snowflake.ID = 201
)

var baseTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	conn := dbtest.Open(t)
	svc := New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(baseTime),
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, conn
}

func inbound(id, jid, phone, name string, at time.Time) inbounddomain.InboundEvent {
	return inbounddomain.InboundEvent{
		Kind:           inbounddomain.EventKindMessage,
		Provider:       inbounddomain.ProviderCloudAPI,
		OrganizationID: testOrg,
		InstanceID:     testInstance,
		Message: &inbounddomain.MessageEvent{
			ProviderMessageID: id,
			RemoteIdentity:    jid,
			Phone:             phone,
			ContactName:       name,
			Direction:         inbounddomain.DirectionInbound,
			ContentType:       inbounddomain.ContentTypeText,
			Text:              "hello " + id,
			OccurredAt:        at,
		},
	}
}

func statusEvent(id string, status inbounddomain.MessageStatus) inbounddomain.InboundEvent {
	return inbounddomain.InboundEvent{
		Kind:           inbounddomain.EventKindStatus,
		Provider:       inbounddomain.ProviderCloudAPI,
		OrganizationID: testOrg,
		InstanceID:     testInstance,
		Status: &inbounddomain.StatusEvent{
			ProviderMessageID: id,
			Status:            status,
			OccurredAt:        baseTime,
		},
	}
}

func count(t *testing.T, conn *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Raw(query, args...).Scan(&n).Error)
	return n
}

func TestApplyMessageBuildsChain(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	out, err := svc.Apply(ctx, inbound("wamid.1", "6281234@s.whatsapp.net", "6281234", "Budi", baseTime))
	require.NoError(t, err)
	require.True(t, out.Created)
	require.NotNil(t, out.Lead.Name)
	assert.Equal(t, "Budi", *out.Lead.Name)
	assert.Equal(t, "cloud_api", out.Lead.FirstSource)
	assert.Equal(t, domain.TicketStatusOpen, out.Ticket.Status)
	assert.Equal(t, "delivered", out.Message.Status)
	assert.Equal(t, 1, out.Conversation.UnreadCount)
	require.NotNil(t, out.Conversation.LastMessageAt)
	assert.True(t, out.Conversation.LastMessageAt.Equal(baseTime))

	assert.EqualValues(t, 1, count(t, conn, `SELECT COUNT(*) FROM leads`))
	assert.EqualValues(t, 1, count(t, conn, `SELECT COUNT(*) FROM messages`))
}

func TestReplayIsIdempotent(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	ev := inbound("wamid.replay", "6281234@s.whatsapp.net", "6281234", "", baseTime)

	first, err := svc.ApplyMessage(ctx, ev)
	require.NoError(t, err)
	require.True(t, first.Created)

	for i := 0; i < 3; i++ {
		again, err := svc.ApplyMessage(ctx, ev)
		require.NoError(t, err)
		assert.False(t, again.Created)
		assert.False(t, again.Changed())
		assert.Equal(t, first.Message.ID, again.Message.ID)
		assert.Equal(t, first.Ticket.ID, again.Ticket.ID)
	}

	assert.EqualValues(t, 1, count(t, conn, `SELECT COUNT(*) FROM leads`))
	assert.EqualValues(t, 1, count(t, conn, `SELECT COUNT(*) FROM conversations`))
	assert.EqualValues(t, 1, count(t, conn, `SELECT COUNT(*) FROM tickets`))
	assert.EqualValues(t, 1, count(t, conn, `SELECT COUNT(*) FROM messages`))
	assert.EqualValues(t, 1, count(t, conn, `SELECT unread_count FROM conversations`))
}

func TestConcurrentFirstContactCreatesOneLead(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	const workers = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := inbound(fmt.Sprintf("wamid.c%d", i), "6289999@s.whatsapp.net", "6289999", "", baseTime.Add(time.Duration(i)*time.Second))
			_, err := svc.ApplyMessage(ctx, ev)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.EqualValues(t, 1, count(t, conn, `SELECT COUNT(*) FROM leads`))
	assert.EqualValues(t, 1, count(t, conn, `SELECT COUNT(*) FROM conversations`))
	assert.EqualValues(t, 1, count(t, conn, `SELECT COUNT(*) FROM tickets WHERE status = 'OPEN'`))
	assert.EqualValues(t, workers, count(t, conn, `SELECT COUNT(*) FROM messages`))
	assert.EqualValues(t, workers, count(t, conn, `SELECT unread_count FROM conversations`))
}

func TestConversationPerInstance(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyMessage(ctx, inbound("wamid.a", "628111@s.whatsapp.net", "628111", "", baseTime))
	require.NoError(t, err)

	ev := inbound("wamid.b", "628111@s.whatsapp.net", "628111", "", baseTime)
	ev.InstanceID = otherInst
	_, err = svc.ApplyMessage(ctx, ev)
	require.NoError(t, err)

	assert.EqualValues(t, 1, count(t, conn, `SELECT COUNT(*) FROM leads`))
	assert.EqualValues(t, 2, count(t, conn, `SELECT COUNT(*) FROM conversations`))
}

func TestClosedTicketOpensNewOne(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	first, err := svc.ApplyMessage(ctx, inbound("wamid.t1", "628222@s.whatsapp.net", "628222", "", baseTime))
	require.NoError(t, err)

	closed, err := svc.CloseTicket(ctx, testOrg, first.Ticket.ID, domain.TicketStatusResolved)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusResolved, closed.Status)

	_, err = svc.CloseTicket(ctx, testOrg, first.Ticket.ID, domain.TicketStatusClosedWon)
	assert.ErrorIs(t, err, domain.ErrInvalidTicketState)
	_, err = svc.CloseTicket(ctx, testOrg, first.Ticket.ID, domain.TicketStatusOpen)
	assert.ErrorIs(t, err, domain.ErrInvalidTicketState)

	second, err := svc.ApplyMessage(ctx, inbound("wamid.t2", "628222@s.whatsapp.net", "628222", "", baseTime.Add(time.Minute)))
	require.NoError(t, err)
	assert.NotEqual(t, first.Ticket.ID, second.Ticket.ID)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.EqualValues(t, 1, count(t, conn, `SELECT COUNT(*) FROM tickets WHERE status = 'OPEN'`))
}

func TestLeadNameFilledOnlyWhenEmpty(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	jid := "628333@s.whatsapp.net"

	out, err := svc.ApplyMessage(ctx, inbound("wamid.n1", jid, "628333", "", baseTime))
	require.NoError(t, err)
	assert.Nil(t, out.Lead.Name)

	out, err = svc.ApplyMessage(ctx, inbound("wamid.n2", jid, "628333", "Sari", baseTime))
	require.NoError(t, err)
	require.NotNil(t, out.Lead.Name)
	assert.Equal(t, "Sari", *out.Lead.Name)

	out, err = svc.ApplyMessage(ctx, inbound("wamid.n3", jid, "628333", "Sari Dewi", baseTime))
	require.NoError(t, err)
	assert.Equal(t, "Sari", *out.Lead.Name)
}

func TestImportedLeadClaimedByPhone(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	imported := &domain.Lead{ID: 9001, OrgID: testOrg, Phone: "628444", FirstSource: "import", CreatedAt: baseTime, UpdatedAt: baseTime}
	_, err := repository.Provide().InsertLead(ctx, conn, imported)
	require.NoError(t, err)

	out, err := svc.ApplyMessage(ctx, inbound("wamid.p1", "628444@s.whatsapp.net", "628444", "", baseTime))
	require.NoError(t, err)
	assert.Equal(t, imported.ID, out.Lead.ID)
	assert.Equal(t, "628444@s.whatsapp.net", out.Lead.RemoteJID)
	assert.Equal(t, "import", out.Lead.FirstSource)
	assert.EqualValues(t, 1, count(t, conn, `SELECT COUNT(*) FROM leads`))
}

func TestLastMessageAtNeverRewinds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	jid := "628555@s.whatsapp.net"

	_, err := svc.ApplyMessage(ctx, inbound("wamid.l2", jid, "628555", "", baseTime.Add(time.Hour)))
	require.NoError(t, err)
	out, err := svc.ApplyMessage(ctx, inbound("wamid.l1", jid, "628555", "", baseTime))
	require.NoError(t, err)

	require.NotNil(t, out.Conversation.LastMessageAt)
	assert.True(t, out.Conversation.LastMessageAt.Equal(baseTime.Add(time.Hour)))
	assert.Equal(t, 2, out.Conversation.UnreadCount)
}

func TestOutboundDoesNotCountUnread(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ev := inbound("wamid.o1", "628666@s.whatsapp.net", "628666", "", baseTime)
	ev.Message.Direction = inbounddomain.DirectionOutbound
	out, err := svc.ApplyMessage(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Conversation.UnreadCount)
	assert.Equal(t, "sent", out.Message.Status)
}

func TestStatusIsMonotonic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ev := inbound("wamid.s1", "628777@s.whatsapp.net", "628777", "", baseTime)
	ev.Message.Direction = inbounddomain.DirectionOutbound
	_, err := svc.ApplyMessage(ctx, ev)
	require.NoError(t, err)

	steps := []struct {
		status  inbounddomain.MessageStatus
		changed bool
		want    string
	}{
		{inbounddomain.StatusRead, true, "read"},
		{inbounddomain.StatusDelivered, false, "read"},
		{inbounddomain.StatusFailed, false, "read"},
		{inbounddomain.StatusRead, false, "read"},
	}
	for _, step := range steps {
		out, err := svc.ApplyStatus(ctx, statusEvent("wamid.s1", step.status))
		require.NoError(t, err)
		assert.Equal(t, step.changed, out.StatusChanged, "status %s", step.status)
		assert.Equal(t, step.want, out.Message.Status)
	}
}

func TestFailedStatusIsTerminal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ev := inbound("wamid.f1", "628888@s.whatsapp.net", "628888", "", baseTime)
	ev.Message.Direction = inbounddomain.DirectionOutbound
	_, err := svc.ApplyMessage(ctx, ev)
	require.NoError(t, err)

	out, err := svc.ApplyStatus(ctx, statusEvent("wamid.f1", inbounddomain.StatusFailed))
	require.NoError(t, err)
	assert.True(t, out.StatusChanged)

	out, err = svc.ApplyStatus(ctx, statusEvent("wamid.f1", inbounddomain.StatusRead))
	require.NoError(t, err)
	assert.False(t, out.StatusChanged)
	assert.Equal(t, "failed", out.Message.Status)
}

func TestStatusForUnknownMessageIsSkipped(t *testing.T) {
	svc, _ := newTestService(t)

	out, err := svc.ApplyStatus(context.Background(), statusEvent("wamid.campaign", inbounddomain.StatusDelivered))
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.False(t, out.Changed())
}

func TestInvalidEventsArePermanent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	noOwner := inbound("wamid.x", "628999@s.whatsapp.net", "628999", "", baseTime)
	noOwner.OrganizationID = 0
	_, err := svc.ApplyMessage(ctx, noOwner)
	assert.True(t, errors.Is(err, inbounddomain.ErrPermanentFailure))
	assert.ErrorIs(t, err, domain.ErrMissingOwner)

	noID := inbound("", "628999@s.whatsapp.net", "628999", "", baseTime)
	_, err = svc.ApplyMessage(ctx, noID)
	assert.ErrorIs(t, err, domain.ErrMissingMessageID)

	_, err = svc.Apply(ctx, inbounddomain.InboundEvent{Kind: "reaction", OrganizationID: testOrg, InstanceID: testInstance})
	assert.ErrorIs(t, err, domain.ErrUnsupportedEvent)
}
