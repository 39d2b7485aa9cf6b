package models

import "time"

// InstanceState is the per-instance state machine driven by the Provisioner
// (spec §4.4). Terminal states are stopped and error.
type InstanceState string

const (
	InstanceStateRequested InstanceState = "requested"
	InstanceStateStarting  InstanceState = "starting"
	InstanceStateRunning   InstanceState = "running"
	InstanceStateDraining  InstanceState = "draining"
	InstanceStateStopped   InstanceState = "stopped"
	InstanceStateError     InstanceState = "error"
)

// IsTerminal reports whether the instance state machine has reached stopped or error.
func (s InstanceState) IsTerminal() bool {
	return s == InstanceStateStopped || s == InstanceStateError
}

// Instance represents one rented or local unit of GPU capacity.
type Instance struct {
	InstanceID string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"instance_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime:false;default:timezone('utc', now())" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false;default:timezone('utc', now())" json:"updated_at"`

	ProviderTag        string `gorm:"type:text;not null;index" json:"provider_tag"`
	ProviderInstanceID string `gorm:"type:text" json:"provider_instance_id,omitempty"`

	GPUModel    string `gorm:"type:text;not null" json:"gpu_model"`
	GPUCount    int    `gorm:"not null" json:"gpu_count"`
	GPUMemoryMB int    `gorm:"default:0" json:"gpu_memory_mb"`
	MemoryMB    int    `gorm:"not null" json:"memory_mb"`
	VCPUs       int    `gorm:"not null;default:0" json:"vcpus"`
	DiskGB      int    `gorm:"default:0" json:"disk_gb"`

	HourlyPriceCents int64  `gorm:"not null;default:0" json:"hourly_price_cents"`
	Region           string `gorm:"type:text" json:"region,omitempty"`

	ExternalAddress *string `gorm:"type:text" json:"external_address,omitempty"`
	ExternalPort    int     `gorm:"default:0" json:"external_port,omitempty"`

	Status InstanceState `gorm:"type:text;not null;default:'requested';check:status IN ('requested','starting','running','draining','stopped','error')" json:"status"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	TerminatedAt    *time.Time `json:"terminated_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	AccumulatedCostCents int64 `gorm:"not null;default:0" json:"accumulated_cost_cents"`

	// StartDeadline is the hard wall-clock bound on the starting state
	// (§4.4: "exceeding it is treated as error, not a pending timeout").
	StartDeadline *time.Time `json:"start_deadline,omitempty"`
}

// TableName specifies the table name for the model
func (Instance) TableName() string {
	return "instances"
}

// ResourceProfile extracts the instance's actual shape for scheduler matching.
func (i *Instance) ResourceProfile() ResourceProfile {
	return ResourceProfile{
		GPUModel:    i.GPUModel,
		GPUCount:    i.GPUCount,
		MemoryMB:    i.MemoryMB,
		GPUMemoryMB: i.GPUMemoryMB,
		DiskGB:      i.DiskGB,
	}
}

// IdlePast reports whether the instance is running and lastAssignmentEnd
// lies at least graceWindow before now, for the idle-grace-period check.
func (i *Instance) IdlePast(graceWindow time.Duration, lastAssignmentEnd time.Time, now time.Time) bool {
	if i.Status != InstanceStateRunning {
		return false
	}
	return now.Sub(lastAssignmentEnd) >= graceWindow
}

// IdleSince inspects an instance's assignment history and reports whether it
// currently holds a live assignment and, if not, the timestamp its idleness
// should be measured from (the latest assignment's FinishedAt, or the
// instance's own StartedAt if it has never held one). Shared by the Reaper's
// periodic idle-drain sweep and the Provisioner's idle-signal consumer so
// both apply the exact same grace-period math.
func (i *Instance) IdleSince(assignments []Assignment) (live bool, since time.Time) {
	since = time.Time{}
	if i.StartedAt != nil {
		since = *i.StartedAt
	}
	for _, a := range assignments {
		if a.Status.IsLive() {
			return true, time.Time{}
		}
		if a.FinishedAt != nil && a.FinishedAt.After(since) {
			since = *a.FinishedAt
		}
	}
	return false, since
}
