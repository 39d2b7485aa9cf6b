package models

import "time"

// CostLedgerEntry is an append-only record of instance time charged against
// an owner (spec §3). Summed for quota enforcement; never mutated or
// deleted once written.
type CostLedgerEntry struct {
	EntryID   string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"entry_id"`
	CreatedAt time.Time `gorm:"autoCreateTime:false;default:timezone('utc', now())" json:"created_at"`

	InstanceID string `gorm:"type:uuid;not null;index" json:"instance_id"`
	Owner      string `gorm:"type:text;not null;index" json:"owner"`

	PeriodStart time.Time `gorm:"not null" json:"period_start"`
	PeriodEnd   time.Time `gorm:"not null" json:"period_end"`

	RateCentsPerHour int64 `gorm:"not null" json:"rate_cents_per_hour"`
	AccruedCents     int64 `gorm:"not null" json:"accrued_cents"`
}

// TableName specifies the table name for the model
func (CostLedgerEntry) TableName() string {
	return "cost_ledger_entries"
}
