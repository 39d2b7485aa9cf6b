package postgres_store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GetInstanceByID retrieves an instance by its ID
func (ps PostgresDbStore) GetInstanceByID(ctx context.Context, instanceID string) (*models.Instance, error) {
	if !isValidUUID(instanceID) {
		return nil, store.ErrNotFound
	}

	var instance models.Instance
	if err := ps.getDB(ctx).Where("instance_id = ?", instanceID).First(&instance).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get instance %s: %w", instanceID, err)
	}
	return &instance, nil
}

// ListInstances retrieves instances with optional filters (status, provider_tag).
func (ps PostgresDbStore) ListInstances(ctx context.Context, filters map[string]interface{}) ([]models.Instance, error) {
	var instances []models.Instance

	query := ps.getDB(ctx).Model(&models.Instance{})
	for key, value := range filters {
		switch key {
		case "status":
			query = query.Where("status = ?", value)
		case "provider_tag":
			query = query.Where("provider_tag = ?", value)
		}
	}

	if err := query.Order("created_at DESC").Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

// CreateInstance inserts a new instance row, typically in the requested state.
func (ps PostgresDbStore) CreateInstance(ctx context.Context, instance *models.Instance) error {
	if instance.InstanceID == "" {
		instance.InstanceID = uuid.NewString()
	}
	if instance.Status == "" {
		instance.Status = models.InstanceStateRequested
	}
	if err := ps.getDB(ctx).Create(instance).Error; err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// TransitionInstance performs a compare-and-set state transition on an
// instance inside a SERIALIZABLE transaction (spec §4.4 instance state
// machine).
func (ps PostgresDbStore) TransitionInstance(ctx context.Context, instanceID string, fromState, toState models.InstanceState, mutate func(*models.Instance)) error {
	return runSerializable(ctx, ps.getDB(ctx), func(tx *gorm.DB) error {
		var instance models.Instance
		if err := tx.Where("instance_id = ? AND status = ?", instanceID, fromState).First(&instance).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrConflict
			}
			return err
		}

		instance.Status = toState
		if mutate != nil {
			mutate(&instance)
		}

		result := tx.Save(&instance)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrConflict
		}
		return nil
	})
}
