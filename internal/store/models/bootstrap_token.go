package models

import "time"

// BootstrapToken is the credential an instance uses to authenticate its
// worker control channel back to the orchestrator (§6 Worker control
// channel: "one token per instance lifetime"). It is generated when the
// Provisioner calls create_instance and is carried in boot_params; the
// Dispatcher validates it on every control-channel message for that
// instance.
type BootstrapToken struct {
	TokenID    string     `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"token_id"`
	CreatedAt  time.Time  `gorm:"autoCreateTime:false;default:timezone('utc', now())" json:"created_at"`
	InstanceID string     `gorm:"type:uuid;not null;uniqueIndex" json:"instance_id"`
	TokenHash  []byte     `gorm:"type:bytea;not null" json:"-"` // SHA256 hash, never returned in JSON
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// TableName specifies the table name for the model
func (BootstrapToken) TableName() string {
	return "bootstrap_tokens"
}

// IsExpired returns true if the token has expired.
func (t *BootstrapToken) IsExpired() bool {
	if t.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*t.ExpiresAt)
}

// IsValid returns true if the token is unrevoked and not expired.
func (t *BootstrapToken) IsValid() bool {
	return t.RevokedAt == nil && !t.IsExpired()
}
