package postgres_store

import (
	"context"
	"fmt"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"gorm.io/gorm"
)

// CreateBootstrapToken creates a new instance bootstrap token
func (ps PostgresDbStore) CreateBootstrapToken(ctx context.Context, token *models.BootstrapToken) error {
	if err := ps.getDB(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("failed to create bootstrap token: %w", err)
	}
	return nil
}

// ValidateBootstrapToken looks up a bootstrap token by its hash, rejecting
// expired or revoked ones (spec §6: one bootstrap handshake per instance
// lifetime).
func (ps PostgresDbStore) ValidateBootstrapToken(ctx context.Context, tokenHash []byte) (*models.BootstrapToken, error) {
	var token models.BootstrapToken

	if err := ps.getDB(ctx).Where("token_hash = ?", tokenHash).First(&token).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to validate bootstrap token: %w", err)
	}

	if !token.IsValid() {
		return nil, store.ErrUnauthorized
	}

	return &token, nil
}

// RevokeBootstrapToken marks a bootstrap token revoked so it cannot be reused
// once an instance has completed its handshake.
func (ps PostgresDbStore) RevokeBootstrapToken(ctx context.Context, tokenID string) error {
	now := time.Now().UTC()
	result := ps.getDB(ctx).Model(&models.BootstrapToken{}).
		Where("token_id = ?", tokenID).
		Update("revoked_at", now)

	if result.Error != nil {
		return fmt.Errorf("failed to revoke bootstrap token %s: %w", tokenID, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
