package postgres_store

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/aima-platform/gpu-orchestrator/internal/config"
	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"gorm.io/gorm"
)

// GetUserByID retrieves a user by their ID
func (ps PostgresDbStore) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User

	if err := ps.getDB(ctx).Where("user_id = ?", userID).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		if strings.Contains(err.Error(), "invalid input syntax for type uuid") {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}

	return &user, nil
}

// GetUserByPrincipalSubject looks up the owner row for a verified JWT
// `sub` claim, auto-provisioning one on first sight since the external
// auth service is the source of truth for identity, not this store.
func (ps PostgresDbStore) GetUserByPrincipalSubject(ctx context.Context, subject string) (*models.User, error) {
	var user models.User

	err := ps.getDB(ctx).Where("principal_subject = ?", subject).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to get user by principal %s: %w", subject, err)
	}

	user = models.User{
		PrincipalSubject:        subject,
		DefaultCostCeilingCents: config.DefaultCostCeilingCents,
	}
	if err := ps.getDB(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to provision user for principal %s: %w", subject, err)
	}
	return &user, nil
}

// CreateUser creates a new user
func (ps PostgresDbStore) CreateUser(ctx context.Context, user *models.User) error {
	if err := ps.getDB(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// EnsureDefaultUser creates a default user if DEFAULT_USER_ID is configured and the user doesn't exist
func (ps PostgresDbStore) EnsureDefaultUser() error {
	if config.DefaultUserSubject == "" {
		return nil // No default user configured
	}

	ctx := context.Background()

	var existingUser models.User
	result := ps.getDB(ctx).Where("principal_subject = ?", config.DefaultUserSubject).First(&existingUser)

	if result.Error == nil {
		return nil
	}

	if result.Error != gorm.ErrRecordNotFound {
		return fmt.Errorf("error checking for default user: %w", result.Error)
	}

	defaultUser := &models.User{
		PrincipalSubject:        config.DefaultUserSubject,
		DefaultCostCeilingCents: config.DefaultCostCeilingCents,
	}

	if err := ps.getDB(ctx).Create(defaultUser).Error; err != nil {
		return fmt.Errorf("failed to create default user: %w", err)
	}

	log.Printf("Created default user for principal %s (id %s)", config.DefaultUserSubject, defaultUser.UserID)

	return nil
}
