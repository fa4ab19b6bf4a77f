package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Instance is one messaging endpoint owned by an organization: a cloud API
// phone number id or a gateway session name.
type Instance struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID `gorm:"not null;index" json:"organization_id"`
	Provider    string       `gorm:"not null" json:"provider"`
	ExternalID  string       `gorm:"column:external_id;not null" json:"external_id"`
	Name        string       `json:"name"`
	PhoneNumber string       `gorm:"column:phone_number" json:"phone_number"`
	Active      bool         `json:"active"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (Instance) TableName() string { return "instances" }
