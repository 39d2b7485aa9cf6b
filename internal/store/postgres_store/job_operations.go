package postgres_store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetJobByID retrieves a job by its ID
func (ps PostgresDbStore) GetJobByID(ctx context.Context, jobID string) (*models.Job, error) {
	if !isValidUUID(jobID) {
		return nil, store.ErrNotFound
	}

	var job models.Job

	if err := ps.getDB(ctx).Where("job_id = ?", jobID).First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	return &job, nil
}

// GetJobByIdempotencyKey looks up a prior submission with the same
// (owner, idempotency_key) pair, used by SubmitJob's dedup check.
func (ps PostgresDbStore) GetJobByIdempotencyKey(ctx context.Context, owner, idempotencyKey string) (*models.Job, error) {
	var job models.Job

	err := ps.getDB(ctx).Where("owner = ? AND idempotency_key = ?", owner, idempotencyKey).First(&job).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up job by idempotency key: %w", err)
	}
	return &job, nil
}

// DeleteJob deletes a job by its ID
func (ps PostgresDbStore) DeleteJob(ctx context.Context, jobID string) error {
	if !isValidUUID(jobID) {
		return store.ErrNotFound
	}

	result := ps.getDB(ctx).Where("job_id = ?", jobID).Delete(&models.Job{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetJobsByOwner retrieves jobs submitted by a given owner with pagination
func (ps PostgresDbStore) GetJobsByOwner(ctx context.Context, owner string, limit, offset int) ([]models.Job, error) {
	var jobs []models.Job

	query := ps.getDB(ctx).Where("owner = ?", owner).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)

	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to get jobs for owner %s: %w", owner, err)
	}

	return jobs, nil
}

// ListJobs retrieves jobs with optional filters and pagination
func (ps PostgresDbStore) ListJobs(ctx context.Context, filters map[string]interface{}, limit, offset int) ([]models.Job, error) {
	var jobs []models.Job

	query := ps.getDB(ctx).Model(&models.Job{})

	for key, value := range filters {
		switch key {
		case "status":
			query = query.Where("status = ?", value)
		case "owner":
			query = query.Where("owner = ?", value)
		case "kind":
			query = query.Where("kind = ?", value)
		case "priority":
			query = query.Where("priority = ?", value)
		}
	}

	query = query.Order("created_at DESC").
		Limit(limit).
		Offset(offset)

	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// SubmitJob inserts a new queued job. A unique violation on the partial
// (owner, idempotency_key) index is translated to ErrAlreadyExists so the
// handler can look the existing job up and return it instead (spec §4.1
// submit_job idempotency).
func (ps PostgresDbStore) SubmitJob(ctx context.Context, job *models.Job) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobStateQueued
	}

	err := ps.getDB(ctx).Create(job).Error
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return fmt.Errorf("failed to submit job: %w", err)
}

// ClaimQueued atomically selects up to `limit` schedulable jobs ordered by
// (priority rank DESC, created_at ASC), stamping each with a fresh claim
// token and lease expiry so a crashed scheduler cannot hold a job queued
// forever (spec §4.1/§4.5). Runs inside a SERIALIZABLE transaction.
func (ps PostgresDbStore) ClaimQueued(ctx context.Context, limit int, leaseDuration time.Duration) ([]models.Job, error) {
	var claimed []models.Job

	err := runSerializable(ctx, ps.getDB(ctx), func(tx *gorm.DB) error {
		claimed = nil
		now := time.Now().UTC()

		var candidates []models.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.JobStateQueued).
			Where("deadline IS NULL OR deadline > ?", now).
			Where("claim_lease_expires_at IS NULL OR claim_lease_expires_at < ?", now).
			Order(`CASE priority
				WHEN 'urgent' THEN 3
				WHEN 'high' THEN 2
				WHEN 'normal' THEN 1
				ELSE 0
			END DESC, created_at ASC`).
			Limit(limit).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		for i := range candidates {
			token := uuid.NewString()
			expires := now.Add(leaseDuration)
			candidates[i].ClaimToken = &token
			candidates[i].ClaimLeaseExpiresAt = &expires
			candidates[i].Status = models.JobStatePending
			if candidates[i].FirstScheduledAt == nil {
				candidates[i].FirstScheduledAt = &now
			}
			if err := tx.Model(&models.Job{}).Where("job_id = ?", candidates[i].JobID).Updates(map[string]interface{}{
				"claim_token":            candidates[i].ClaimToken,
				"claim_lease_expires_at": candidates[i].ClaimLeaseExpiresAt,
				"status":                 candidates[i].Status,
				"first_scheduled_at":     candidates[i].FirstScheduledAt,
			}).Error; err != nil {
				return err
			}
		}
		claimed = candidates
		return nil
	})

	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseClaim returns a claimed job to queued, clearing its lease. Used
// when the scheduler cannot bind the job to an instance within the lease
// window.
func (ps PostgresDbStore) ReleaseClaim(ctx context.Context, jobID, claimToken string) error {
	result := ps.getDB(ctx).Model(&models.Job{}).
		Where("job_id = ? AND claim_token = ? AND status = ?", jobID, claimToken, models.JobStatePending).
		Updates(map[string]interface{}{
			"status":                 models.JobStateQueued,
			"claim_token":            nil,
			"claim_lease_expires_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to release claim on job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrConflict
	}
	return nil
}

// TransitionJob performs a compare-and-set state transition on a job inside
// a SERIALIZABLE transaction, applying mutate to the in-memory row before
// persisting so callers can set error/cost/timestamp fields atomically with
// the status change.
func (ps PostgresDbStore) TransitionJob(ctx context.Context, jobID string, fromState, toState models.JobState, mutate func(*models.Job)) error {
	return runSerializable(ctx, ps.getDB(ctx), func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where("job_id = ? AND status = ?", jobID, fromState).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrConflict
			}
			return err
		}

		job.Status = toState
		if mutate != nil {
			mutate(&job)
		}

		result := tx.Save(&job)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrConflict
		}
		return nil
	})
}
