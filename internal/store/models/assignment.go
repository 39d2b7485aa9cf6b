package models

import "time"

// AssignmentState tracks one job attempt on one instance (spec §3
// Assignment entity).
type AssignmentState string

const (
	AssignmentStateAssigned AssignmentState = "assigned"
	AssignmentStateRunning  AssignmentState = "running"
	AssignmentStateCompleted AssignmentState = "completed"
	AssignmentStateFailed   AssignmentState = "failed"
	AssignmentStateAborted  AssignmentState = "aborted"
)

// IsLive reports whether the assignment still counts toward the "at most one
// live assignment per job / per instance" invariant.
func (s AssignmentState) IsLive() bool {
	return s == AssignmentStateAssigned || s == AssignmentStateRunning
}

// Assignment links exactly one job to exactly one instance attempt. Never
// deleted — it is the audit trail (spec §3 Lifecycle summary).
type Assignment struct {
	AssignmentID string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"assignment_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime:false;default:timezone('utc', now())" json:"created_at"`

	JobID      string `gorm:"type:uuid;not null;index" json:"job_id"`
	InstanceID string `gorm:"type:uuid;not null;index" json:"instance_id"`

	Status AssignmentState `gorm:"type:text;not null;default:'assigned';check:status IN ('assigned','running','completed','failed','aborted')" json:"status"`

	AssignedAt time.Time  `gorm:"not null;default:timezone('utc', now())" json:"assigned_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TableName specifies the table name for the model
func (Assignment) TableName() string {
	return "assignments"
}
