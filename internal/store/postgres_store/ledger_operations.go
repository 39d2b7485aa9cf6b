package postgres_store

import (
	"context"
	"fmt"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
)

// AppendCost writes an immutable cost ledger entry (spec §4.8 cost accrual).
func (ps PostgresDbStore) AppendCost(ctx context.Context, entry *models.CostLedgerEntry) error {
	if err := ps.getDB(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append cost ledger entry: %w", err)
	}
	return nil
}

// SumCostSince totals an owner's accrued cost since the given time, used by
// quota enforcement (spec §4.2 enforce_quota).
func (ps PostgresDbStore) SumCostSince(ctx context.Context, owner string, since time.Time) (int64, error) {
	var total int64
	err := ps.getDB(ctx).Model(&models.CostLedgerEntry{}).
		Where("owner = ? AND period_start >= ?", owner, since).
		Select("COALESCE(SUM(accrued_cents), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost for owner %s: %w", owner, err)
	}
	return total, nil
}

// ListCostLedger lists every ledger entry accrued against an instance.
func (ps PostgresDbStore) ListCostLedger(ctx context.Context, instanceID string) ([]models.CostLedgerEntry, error) {
	var entries []models.CostLedgerEntry
	err := ps.getDB(ctx).Where("instance_id = ?", instanceID).Order("period_start ASC").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list cost ledger for instance %s: %w", instanceID, err)
	}
	return entries, nil
}
