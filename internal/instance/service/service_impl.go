package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/internal/cache"
	"github.com/smallbiznis/waingest/internal/clock"
	"github.com/smallbiznis/waingest/internal/config"
	inbounddomain "github.com/smallbiznis/waingest/internal/inbound/domain"
	"github.com/smallbiznis/waingest/internal/instance/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config
	Repo   domain.Repository
	Cache  cache.InstanceCache `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
	cache cache.InstanceCache
}

func New(p Params) domain.Service {
	c := p.Cache
	if c == nil {
		c = cache.NewInstanceCache(p.Config.InstanceTTL)
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("instance.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		cache: c,
	}
}

func (s *Service) Resolve(ctx context.Context, provider, externalID string) (domain.Instance, error) {
	provider = strings.TrimSpace(provider)
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.Instance{}, inbounddomain.ErrInstanceUnknown
	}

	if cached, ok := s.cache.Get(provider, externalID); ok {
		return cached, nil
	}

	instance, err := s.repo.FindByExternalID(ctx, s.db, provider, externalID)
	if err != nil {
		return domain.Instance{}, inbounddomain.Transient("resolve instance", err)
	}
	if instance == nil || !instance.Active {
		return domain.Instance{}, fmt.Errorf("%w: %s/%s", inbounddomain.ErrInstanceUnknown, provider, externalID)
	}

	s.cache.Set(provider, externalID, *instance)
	return *instance, nil
}

func (s *Service) Register(ctx context.Context, req domain.RegisterRequest) (domain.Instance, error) {
	if req.OrgID == 0 {
		return domain.Instance{}, domain.ErrInvalidOrganization
	}
	provider, err := inbounddomain.ParseProvider(req.Provider)
	if err != nil {
		return domain.Instance{}, domain.ErrInvalidProvider
	}
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return domain.Instance{}, domain.ErrInvalidExternalID
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	candidate := domain.Instance{
		ID:          s.genID.Generate(),
		OrgID:       req.OrgID,
		Provider:    string(provider),
		ExternalID:  externalID,
		Name:        strings.TrimSpace(req.Name),
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		Active:      active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Upsert(ctx, s.db, &candidate); err != nil {
		return domain.Instance{}, err
	}
	stored, err := s.repo.FindByExternalID(ctx, s.db, candidate.Provider, externalID)
	if err != nil {
		return domain.Instance{}, err
	}
	if stored == nil {
		return domain.Instance{}, fmt.Errorf("instance %s/%s vanished after upsert", candidate.Provider, externalID)
	}
	if stored.OrgID != req.OrgID {
		return domain.Instance{}, domain.ErrOwnedByOtherOrg
	}

	s.cache.Invalidate(candidate.Provider, externalID)
	s.log.Info("instance.registered",
		zap.String("instance_id", stored.ID.String()),
		zap.String("org_id", stored.OrgID.String()),
		zap.String("provider", stored.Provider),
		zap.Bool("active", stored.Active),
	)
	return *stored, nil
}

func (s *Service) List(ctx context.Context, orgID snowflake.ID) ([]domain.Instance, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	return s.repo.ListByOrg(ctx, s.db, orgID)
}
