package models

import "time"

// User is the authenticated principal credited with a job's existence and
// cost — the "owner" of the GLOSSARY. Authentication itself is an external
// collaborator; this row only caches the principal's identity plus the
// per-owner budget policy the Cost & Quota module enforces locally, since
// the external auth service has no notion of GPU spend ceilings.
type User struct {
	UserID    string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"user_id"`
	CreatedAt time.Time `gorm:"autoCreateTime:false;default:timezone('utc', now())" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false;default:timezone('utc', now())" json:"updated_at"`

	// PrincipalSubject is the `sub` claim of the externally-issued bearer
	// token that identifies this owner; the join key between the auth
	// service's world and this store's world.
	PrincipalSubject string `gorm:"type:text;not null;uniqueIndex" json:"principal_subject"`

	// DefaultCostCeilingCents is applied when a job doesn't specify its own
	// cost_ceiling_cents (a per-owner default cost ceiling).
	DefaultCostCeilingCents int64 `gorm:"not null;default:0" json:"default_cost_ceiling_cents"`

	// SecretsInitializedAt is set once this owner's org encryption key has
	// been provisioned; nil means the secrets subsystem hasn't onboarded
	// this owner yet.
	SecretsInitializedAt *time.Time `gorm:"column:secrets_initialized_at" json:"secrets_initialized_at,omitempty"`
}

// TableName specifies the table name for the model
func (User) TableName() string {
	return "users"
}
