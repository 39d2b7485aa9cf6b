package postgres_store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/jackc/pgconn"
	"gorm.io/gorm"
)

var sqlTxOptions = sql.TxOptions{Isolation: sql.LevelSerializable}

// postgresSerializationFailure is the SQLSTATE Postgres raises when a
// SERIALIZABLE transaction cannot be committed without violating
// serializability; the caller must retry the whole transaction.
const postgresSerializationFailure = "40001"

// postgresUniqueViolation is the SQLSTATE for a unique constraint violation.
const postgresUniqueViolation = "23505"

// serializableRetries bounds how many times runSerializable retries a
// transaction body after a Postgres serialization failure before giving up
// and surfacing ErrConflict to the caller.
const serializableRetries = 3

// runSerializable executes fn inside a SERIALIZABLE transaction, retrying
// the whole transaction (not just the failed statement) when Postgres
// reports a serialization failure. All of the Job Store's compare-and-set
// operations (spec §4.1) go through this helper.
func runSerializable(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var lastErr error
	for attempt := 0; attempt < serializableRetries; attempt++ {
		lastErr = db.WithContext(ctx).Transaction(fn, &sqlTxOptions) // SERIALIZABLE
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, store.ErrConflict) || errors.Is(lastErr, store.ErrAlreadyExists) {
			return lastErr
		}
		if !isSerializationFailure(lastErr) {
			return lastErr
		}
	}
	return store.ErrConflict
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == postgresSerializationFailure
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == postgresUniqueViolation
	}
	return false
}
