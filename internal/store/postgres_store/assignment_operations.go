package postgres_store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"gorm.io/gorm"
)

// GetAssignmentByID retrieves an assignment by its ID
func (ps PostgresDbStore) GetAssignmentByID(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	if !isValidUUID(assignmentID) {
		return nil, store.ErrNotFound
	}

	var assignment models.Assignment
	if err := ps.getDB(ctx).Where("assignment_id = ?", assignmentID).First(&assignment).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get assignment %s: %w", assignmentID, err)
	}
	return &assignment, nil
}

// GetLiveAssignmentForJob returns the job's current live (assigned or
// running) assignment, if any.
func (ps PostgresDbStore) GetLiveAssignmentForJob(ctx context.Context, jobID string) (*models.Assignment, error) {
	var assignment models.Assignment
	err := ps.getDB(ctx).Where("job_id = ? AND status IN ?", jobID, []models.AssignmentState{
		models.AssignmentStateAssigned, models.AssignmentStateRunning,
	}).Order("assigned_at DESC").First(&assignment).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get live assignment for job %s: %w", jobID, err)
	}
	return &assignment, nil
}

// ListAssignmentsByInstance lists every assignment an instance has ever held.
func (ps PostgresDbStore) ListAssignmentsByInstance(ctx context.Context, instanceID string) ([]models.Assignment, error) {
	var assignments []models.Assignment
	if err := ps.getDB(ctx).Where("instance_id = ?", instanceID).Order("assigned_at DESC").Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("failed to list assignments for instance %s: %w", instanceID, err)
	}
	return assignments, nil
}

// BindAssignment atomically creates an Assignment linking job to instance,
// refusing if the job already holds a live assignment or the instance is
// not running (at most one live assignment per job, per instance). The job
// stays pending: it only becomes running once the assignment itself
// transitions assigned -> running, which the Dispatcher does after it has
// sent the start message to the worker.
func (ps PostgresDbStore) BindAssignment(ctx context.Context, jobID, instanceID string) (*models.Assignment, error) {
	var created models.Assignment

	err := runSerializable(ctx, ps.getDB(ctx), func(tx *gorm.DB) error {
		var existing models.Assignment
		err := tx.Where("job_id = ? AND status IN ?", jobID, []models.AssignmentState{
			models.AssignmentStateAssigned, models.AssignmentStateRunning,
		}).First(&existing).Error
		if err == nil {
			return store.ErrConflict
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var instance models.Instance
		if err := tx.Where("instance_id = ? AND status = ?", instanceID, models.InstanceStateRunning).First(&instance).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrConflict
			}
			return err
		}

		var job models.Job
		if err := tx.Where("job_id = ? AND status = ?", jobID, models.JobStatePending).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrConflict
			}
			return err
		}

		now := time.Now().UTC()
		created = models.Assignment{
			JobID:      jobID,
			InstanceID: instanceID,
			Status:     models.AssignmentStateAssigned,
			AssignedAt: now,
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}

		job.AssignedInstanceID = &instanceID
		if err := tx.Save(&job).Error; err != nil {
			return err
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return &created, nil
}

// TransitionAssignment performs a compare-and-set state transition on an assignment.
func (ps PostgresDbStore) TransitionAssignment(ctx context.Context, assignmentID string, fromState, toState models.AssignmentState, mutate func(*models.Assignment)) error {
	return runSerializable(ctx, ps.getDB(ctx), func(tx *gorm.DB) error {
		var assignment models.Assignment
		if err := tx.Where("assignment_id = ? AND status = ?", assignmentID, fromState).First(&assignment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrConflict
			}
			return err
		}

		assignment.Status = toState
		if mutate != nil {
			mutate(&assignment)
		}

		result := tx.Save(&assignment)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrConflict
		}
		return nil
	})
}
