package store

import (
	"context"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"gorm.io/gorm"
)

var AppStore Store

// GetDB returns the database connection
func GetDB() *gorm.DB {
	// This is a convenience function to access the DB from other packages
	// It's used by the transaction middleware
	if store, ok := AppStore.(interface{ GetDB() *gorm.DB }); ok {
		return store.GetDB()
	}
	return nil
}

// Store is the Job Store's full surface: plain CRUD plus the atomic,
// compare-and-set operations spec §4.1 names. The atomic operations must run
// under SERIALIZABLE isolation and translate Postgres serialization failures
// to ErrConflict.
type Store interface {
	Initialize() (deferredFunc func(), err error)

	// User operations
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetUserByPrincipalSubject(ctx context.Context, subject string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	EnsureDefaultUser() error

	// Bootstrap token operations (spec §6 instance bootstrap handshake)
	CreateBootstrapToken(ctx context.Context, token *models.BootstrapToken) error
	ValidateBootstrapToken(ctx context.Context, tokenHash []byte) (*models.BootstrapToken, error)
	RevokeBootstrapToken(ctx context.Context, tokenID string) error

	// Job operations
	GetJobByID(ctx context.Context, jobID string) (*models.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, owner, idempotencyKey string) (*models.Job, error)
	ListJobs(ctx context.Context, filters map[string]interface{}, limit, offset int) ([]models.Job, error)
	GetJobsByOwner(ctx context.Context, owner string, limit, offset int) ([]models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error

	// SubmitJob inserts a new queued job, honoring the per-owner idempotency
	// key uniqueness constraint. Returns ErrAlreadyExists (with the existing
	// job attached via errors detail, see store_types.go) on a key collision.
	SubmitJob(ctx context.Context, job *models.Job) error

	// ClaimQueued atomically selects up to `limit` schedulable jobs ordered by
	// (priority DESC, submitted_at ASC), stamps them pending with a fresh
	// claim token and lease expiry, and returns the claimed rows. Jobs whose
	// prior lease has not yet expired are excluded (crash-recovery discipline,
	// spec §4.1 edge cases).
	ClaimQueued(ctx context.Context, limit int, leaseDuration time.Duration) ([]models.Job, error)

	// ReleaseClaim returns a claimed-but-unassigned job to queued, clearing
	// its lease. Used when the scheduler fails to bind it to an instance.
	ReleaseClaim(ctx context.Context, jobID, claimToken string) error

	// TransitionJob performs a compare-and-set state transition, validating
	// fromState matches the row's current status inside the same
	// transaction. mutate may set additional fields (error class/message,
	// final cost, timestamps) atomically with the transition.
	TransitionJob(ctx context.Context, jobID string, fromState, toState models.JobState, mutate func(*models.Job)) error

	// Instance operations
	GetInstanceByID(ctx context.Context, instanceID string) (*models.Instance, error)
	ListInstances(ctx context.Context, filters map[string]interface{}) ([]models.Instance, error)
	CreateInstance(ctx context.Context, instance *models.Instance) error

	// TransitionInstance performs a compare-and-set state transition on an
	// instance, matching TransitionJob's discipline.
	TransitionInstance(ctx context.Context, instanceID string, fromState, toState models.InstanceState, mutate func(*models.Instance)) error

	// Assignment operations
	GetAssignmentByID(ctx context.Context, assignmentID string) (*models.Assignment, error)
	GetLiveAssignmentForJob(ctx context.Context, jobID string) (*models.Assignment, error)
	ListAssignmentsByInstance(ctx context.Context, instanceID string) ([]models.Assignment, error)

	// BindAssignment atomically creates an Assignment linking job to
	// instance, leaving the job pending (the Dispatcher advances it to
	// running once it has sent the start message), refusing if the job already
	// has a live assignment or the instance is not running (spec §4.1
	// invariant: at most one live assignment per job, per instance).
	BindAssignment(ctx context.Context, jobID, instanceID string) (*models.Assignment, error)

	// TransitionAssignment performs a compare-and-set state transition on an assignment.
	TransitionAssignment(ctx context.Context, assignmentID string, fromState, toState models.AssignmentState, mutate func(*models.Assignment)) error

	// Cost ledger operations
	AppendCost(ctx context.Context, entry *models.CostLedgerEntry) error
	SumCostSince(ctx context.Context, owner string, since time.Time) (int64, error)
	ListCostLedger(ctx context.Context, instanceID string) ([]models.CostLedgerEntry, error)
}
