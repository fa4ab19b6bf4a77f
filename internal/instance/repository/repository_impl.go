package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waingest/internal/instance/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const instanceColumns = `id, org_id, provider, external_id, name, phone_number, active, created_at, updated_at`

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, provider, externalID string) (*domain.Instance, error) {
	var instance domain.Instance
	err := db.WithContext(ctx).Raw(
		`SELECT `+instanceColumns+`
		 FROM instances WHERE provider = ? AND external_id = ?`,
		provider,
		externalID,
	).Scan(&instance).Error
	if err != nil {
		return nil, err
	}
	if instance.ID == 0 {
		return nil, nil
	}
	return &instance, nil
}

// Upsert inserts the instance or refreshes its descriptive fields. A row
// owned by a different organization is left untouched.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, instance *domain.Instance) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO instances (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, external_id) DO UPDATE SET
		   name = excluded.name,
		   phone_number = excluded.phone_number,
		   active = excluded.active,
		   updated_at = excluded.updated_at
		 WHERE instances.org_id = excluded.org_id`,
		instance.ID,
		instance.OrgID,
		instance.Provider,
		instance.ExternalID,
		instance.Name,
		instance.PhoneNumber,
		instance.Active,
		instance.CreatedAt,
		instance.UpdatedAt,
	).Error
}

func (r *repo) ListByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.Instance, error) {
	var instances []domain.Instance
	err := db.WithContext(ctx).Raw(
		`SELECT `+instanceColumns+`
		 FROM instances WHERE org_id = ?
		 ORDER BY created_at ASC, id ASC`,
		orgID,
	).Scan(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}
