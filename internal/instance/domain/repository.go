package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByExternalID(ctx context.Context, db *gorm.DB, provider, externalID string) (*Instance, error)
	Upsert(ctx context.Context, db *gorm.DB, instance *Instance) error
	ListByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]Instance, error)
}
