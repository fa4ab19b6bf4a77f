package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/internal/cache"
	"github.com/smallbiznis/waingest/internal/clock"
	inbounddomain "github.com/smallbiznis/waingest/internal/inbound/domain"
	"github.com/smallbiznis/waingest/internal/instance/domain"
	"github.com/smallbiznis/waingest/internal/instance/repository"
	"github.com/smallbiznis/waingest/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, cache.InstanceCache) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	c := cache.NewInstanceCache(time.Minute)
	svc := New(Params{
		DB:    dbtest.Open(t),
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
		Cache: c,
	}).(*Service)
	return svc, c
}

func TestRegisterAndResolve(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	inst, err := svc.Register(ctx, domain.RegisterRequest{OrgID: 10, Provider: "meta", ExternalID: "PNID-1", Name: "Sales"})
	require.NoError(t, err)
	assert.Equal(t, "cloud_api", inst.Provider)
	assert.True(t, inst.Active)

	resolved, err := svc.Resolve(ctx, "cloud_api", "PNID-1")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, resolved.ID)
	assert.Equal(t, snowflake.ID(10), resolved.OrgID)

	again, err := svc.Register(ctx, domain.RegisterRequest{OrgID: 10, Provider: "cloud_api", ExternalID: "PNID-1", Name: "Support"})
	require.NoError(t, err)
	assert.Equal(t, inst.ID, again.ID)
	assert.Equal(t, "Support", again.Name)

	list, err := svc.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRegisterRejectsForeignOwner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, domain.RegisterRequest{OrgID: 10, Provider: "gateway", ExternalID: "sess"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, domain.RegisterRequest{OrgID: 11, Provider: "gateway", ExternalID: "sess"})
	assert.ErrorIs(t, err, domain.ErrOwnedByOtherOrg)
}

func TestResolveUnknownAndInactive(t *testing.T) {
	svc, c := newTestService(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, "gateway", "missing")
	assert.True(t, errors.Is(err, inbounddomain.ErrInstanceUnknown))

	active := false
	_, err = svc.Register(ctx, domain.RegisterRequest{OrgID: 10, Provider: "gateway", ExternalID: "off", Active: &active})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, "gateway", "off")
	assert.ErrorIs(t, err, inbounddomain.ErrInstanceUnknown)
	_, cached := c.Get("gateway", "off")
	assert.False(t, cached)
}

func TestRegisterInvalidatesCache(t *testing.T) {
	svc, c := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, domain.RegisterRequest{OrgID: 10, Provider: "gateway", ExternalID: "s1"})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, "gateway", "s1")
	require.NoError(t, err)
	_, cached := c.Get("gateway", "s1")
	require.True(t, cached)

	active := false
	_, err = svc.Register(ctx, domain.RegisterRequest{OrgID: 10, Provider: "gateway", ExternalID: "s1", Active: &active})
	require.NoError(t, err)
	_, cached = c.Get("gateway", "s1")
	assert.False(t, cached)

	_, err = svc.Resolve(ctx, "gateway", "s1")
	assert.ErrorIs(t, err, inbounddomain.ErrInstanceUnknown)
}
