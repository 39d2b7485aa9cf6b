package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB represents a JSON field that can be stored in PostgreSQL JSONB column
type JSONB map[string]interface{}

// Value implements driver.Valuer interface for database storage
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner interface for database retrieval
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// StringSlice stores a small string list as JSON text, avoiding a dependency
// on a Postgres array type for single-column lists like input URIs.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringSlice", value)
	}
	return json.Unmarshal(bytes, s)
}

// JobKind enumerates the registered job templates. Arbitrary user-supplied
// worker containers are not accepted (spec non-goal): only these kinds route
// to a runner image known to the orchestrator's configuration snapshot.
type JobKind string

const (
	JobKindLLaVA      JobKind = "llava"
	JobKindLLaMA      JobKind = "llama"
	JobKindTraining   JobKind = "training"
	JobKindBatch      JobKind = "batch"
	JobKindInference  JobKind = "inference"
	JobKindCustom     JobKind = "custom"
)

// Priority is the coarse, four-bucket priority used by the scheduler's
// composite ordering key. Higher value sorts first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps a bucket to its sort weight; used in SQL ORDER BY via a
// CASE expression and in Go-side comparisons alike.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// JobState is the one-way state machine from spec §3, with the single
// exception that a failed job may be retried by producing a new job record
// referencing it as RetryOf.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
	JobStateTimedOut  JobState = "timed_out"
)

// ResourceProfile is the requested GPU shape for a job; also reused verbatim
// as the shape an Offer or Instance must meet or exceed.
type ResourceProfile struct {
	GPUModel    string `json:"gpu_model"`
	GPUCount    int    `json:"gpu_count"`
	MemoryMB    int    `json:"memory_mb"`
	GPUMemoryMB int    `json:"gpu_memory_mb,omitempty"` // optional per-GPU memory floor
	DiskGB      int    `json:"disk_gb,omitempty"`
}

// Meets reports whether this profile (an offer or instance's actual shape)
// satisfies a job's requested minimum profile.
func (r ResourceProfile) Meets(requested ResourceProfile) bool {
	if requested.GPUModel != "" && r.GPUModel != requested.GPUModel {
		return false
	}
	if r.GPUCount < requested.GPUCount {
		return false
	}
	if r.MemoryMB < requested.MemoryMB {
		return false
	}
	if requested.GPUMemoryMB > 0 && r.GPUMemoryMB < requested.GPUMemoryMB {
		return false
	}
	if requested.DiskGB > 0 && r.DiskGB < requested.DiskGB {
		return false
	}
	return true
}

// Job represents one unit of analysis work submitted to the orchestrator.
type Job struct {
	JobID     string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"job_id"`
	CreatedAt time.Time `gorm:"autoCreateTime:false;default:timezone('utc', now())" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false;default:timezone('utc', now())" json:"updated_at"`

	Owner string `gorm:"type:text;not null;index" json:"owner"`

	Kind     JobKind  `gorm:"type:text;not null" json:"kind"`
	Priority Priority `gorm:"type:text;not null;default:'normal'" json:"priority"`

	GPUModel    string `gorm:"type:text" json:"gpu_model"`
	GPUCount    int    `gorm:"not null;default:1" json:"gpu_count"`
	MemoryMB    int    `gorm:"not null;default:0" json:"memory_mb"`
	GPUMemoryMB int    `gorm:"default:0" json:"gpu_memory_mb"`
	DiskGB      int    `gorm:"default:0" json:"disk_gb"`

	ContainerImage string      `gorm:"type:text;not null" json:"image"`
	EnvVars        JSONB       `gorm:"type:jsonb" json:"env"`
	Inputs         StringSlice `gorm:"type:jsonb" json:"inputs"`
	Framework      string      `gorm:"type:text" json:"framework,omitempty"`

	IdempotencyKey *string `gorm:"type:text;index:idx_jobs_owner_idem,unique,where:idempotency_key IS NOT NULL" json:"idempotency_key,omitempty"`

	Deadline    *time.Time `json:"deadline,omitempty"`
	MaxRetries  int        `gorm:"not null;default:3" json:"max_retries"`
	CostCeiling *int64     `json:"cost_ceiling_cents,omitempty"`

	Status JobState `gorm:"type:text;not null;default:'queued';check:status IN ('queued','pending','running','completed','failed','cancelled','timed_out')" json:"status"`

	// Scheduler claim lease (supports claim_queued's crash-recovery discipline,
	// spec §4.1/§4.5 edge cases).
	ClaimToken           *string    `gorm:"type:text" json:"-"`
	ClaimLeaseExpiresAt  *time.Time `json:"-"`

	AssignedInstanceID *string `gorm:"type:uuid" json:"assigned_instance_id,omitempty"`

	FirstScheduledAt *time.Time `json:"first_scheduled_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	FinalCostCents int64  `gorm:"not null;default:0" json:"final_cost_cents"`
	ErrorClass     string `gorm:"type:text" json:"error_class,omitempty"`
	ErrorMessage   string `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount     int    `gorm:"not null;default:0" json:"retry_count"`
	RetryOf        *string `gorm:"type:uuid" json:"retry_of,omitempty"`
}

// TableName specifies the table name for the model
func (Job) TableName() string {
	return "jobs"
}

// ResourceProfile extracts the job's requested resource profile.
func (j *Job) ResourceProfile() ResourceProfile {
	return ResourceProfile{
		GPUModel:    j.GPUModel,
		GPUCount:    j.GPUCount,
		MemoryMB:    j.MemoryMB,
		GPUMemoryMB: j.GPUMemoryMB,
		DiskGB:      j.DiskGB,
	}
}

// IsTerminal reports whether the job has reached one of the four terminal states.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateTimedOut:
		return true
	default:
		return false
	}
}

// IsSchedulable reports whether the job is eligible for the Scheduler's load step:
// queued and not already past its deadline.
func (j *Job) IsSchedulable(now time.Time) bool {
	if j.Status != JobStateQueued {
		return false
	}
	if j.Deadline != nil && !j.Deadline.After(now) {
		return false
	}
	return true
}

// DeadlinePassed reports whether the job's deadline has elapsed without a match.
func (j *Job) DeadlinePassed(now time.Time) bool {
	return j.Deadline != nil && !j.Deadline.After(now)
}
