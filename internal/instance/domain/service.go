package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidProvider     = errors.New("invalid_provider")
	ErrInvalidExternalID   = errors.New("invalid_external_id")
	ErrOwnedByOtherOrg     = errors.New("instance_owned_by_other_organization")
)

type RegisterRequest struct {
	OrgID       snowflake.ID `json:"organization_id"`
	Provider    string       `json:"provider"`
	ExternalID  string       `json:"external_id"`
	Name        string       `json:"name"`
	PhoneNumber string       `json:"phone_number"`
	Active      *bool        `json:"active"`
}

// Service resolves provider channels to owning organizations.
type Service interface {
	// Resolve returns inbound ErrInstanceUnknown when nothing active matches.
	Resolve(ctx context.Context, provider, externalID string) (Instance, error)
	Register(ctx context.Context, req RegisterRequest) (Instance, error)
	List(ctx context.Context, orgID snowflake.ID) ([]Instance, error)
}
