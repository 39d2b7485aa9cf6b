package store

import (
	"context"
	"sync"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
)

// MockStore is a configurable in-memory Store stand-in for tests that don't
// need a real Postgres instance (handlers, dispatcher, scheduler unit
// tests). Each method's behavior can be overridden via its *Func field;
// unset funcs fall back to trivial in-memory bookkeeping in the Jobs /
// Instances / Assignments maps.
type MockStore struct {
	mu sync.Mutex

	Jobs        map[string]*models.Job
	Instances   map[string]*models.Instance
	Assignments map[string]*models.Assignment
	CostLedger  []models.CostLedgerEntry
	Users       map[string]*models.User

	SubmitJobFunc         func(ctx context.Context, job *models.Job) error
	ClaimQueuedFunc       func(ctx context.Context, limit int, lease time.Duration) ([]models.Job, error)
	TransitionJobFunc     func(ctx context.Context, jobID string, from, to models.JobState, mutate func(*models.Job)) error
	BindAssignmentFunc    func(ctx context.Context, jobID, instanceID string) (*models.Assignment, error)
	TransitionAssignmentFunc func(ctx context.Context, assignmentID string, from, to models.AssignmentState, mutate func(*models.Assignment)) error
	TransitionInstanceFunc  func(ctx context.Context, instanceID string, from, to models.InstanceState, mutate func(*models.Instance)) error
	ValidateBootstrapTokenFunc func(ctx context.Context, hash []byte) (*models.BootstrapToken, error)
}

// NewMockStore builds an empty MockStore with initialized maps.
func NewMockStore() *MockStore {
	return &MockStore{
		Jobs:        make(map[string]*models.Job),
		Instances:   make(map[string]*models.Instance),
		Assignments: make(map[string]*models.Assignment),
		Users:       make(map[string]*models.User),
	}
}

func (m *MockStore) Initialize() (func(), error) { return func() {}, nil }

func (m *MockStore) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[userID]; ok {
		return u, nil
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetUserByPrincipalSubject(ctx context.Context, subject string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.PrincipalSubject == subject {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Users[user.UserID] = user
	return nil
}

func (m *MockStore) EnsureDefaultUser() error { return nil }

func (m *MockStore) CreateBootstrapToken(ctx context.Context, token *models.BootstrapToken) error {
	return nil
}

func (m *MockStore) ValidateBootstrapToken(ctx context.Context, hash []byte) (*models.BootstrapToken, error) {
	if m.ValidateBootstrapTokenFunc != nil {
		return m.ValidateBootstrapTokenFunc(ctx, hash)
	}
	return nil, ErrNotFound
}

func (m *MockStore) RevokeBootstrapToken(ctx context.Context, tokenID string) error { return nil }

func (m *MockStore) GetJobByID(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.Jobs[jobID]; ok {
		return j, nil
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetJobByIdempotencyKey(ctx context.Context, owner, key string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.Jobs {
		if j.Owner == owner && j.IdempotencyKey != nil && *j.IdempotencyKey == key {
			return j, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) ListJobs(ctx context.Context, filters map[string]interface{}, limit, offset int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0, len(m.Jobs))
	for _, j := range m.Jobs {
		out = append(out, *j)
	}
	return out, nil
}

func (m *MockStore) GetJobsByOwner(ctx context.Context, owner string, limit, offset int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Job{}
	for _, j := range m.Jobs {
		if j.Owner == owner {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *MockStore) DeleteJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Jobs, jobID)
	return nil
}

func (m *MockStore) SubmitJob(ctx context.Context, job *models.Job) error {
	if m.SubmitJobFunc != nil {
		return m.SubmitJobFunc(ctx, job)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.JobID == "" {
		job.JobID = newMockID("job")
	}
	if job.Status == "" {
		job.Status = models.JobStateQueued
	}
	m.Jobs[job.JobID] = job
	return nil
}

func (m *MockStore) ClaimQueued(ctx context.Context, limit int, lease time.Duration) ([]models.Job, error) {
	if m.ClaimQueuedFunc != nil {
		return m.ClaimQueuedFunc(ctx, limit, lease)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	claimed := []models.Job{}
	for _, j := range m.Jobs {
		if len(claimed) >= limit {
			break
		}
		if j.Status != models.JobStateQueued {
			continue
		}
		if j.Deadline != nil && !j.Deadline.After(now) {
			continue
		}
		if j.ClaimLeaseExpiresAt != nil && j.ClaimLeaseExpiresAt.After(now) {
			continue
		}
		token := newMockID("claim")
		expires := now.Add(lease)
		j.ClaimToken = &token
		j.ClaimLeaseExpiresAt = &expires
		j.Status = models.JobStatePending
		if j.FirstScheduledAt == nil {
			j.FirstScheduledAt = &now
		}
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (m *MockStore) ReleaseClaim(ctx context.Context, jobID, claimToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.Jobs[jobID]
	if !ok || j.Status != models.JobStatePending || j.ClaimToken == nil || *j.ClaimToken != claimToken {
		return ErrConflict
	}
	j.Status = models.JobStateQueued
	j.ClaimToken = nil
	j.ClaimLeaseExpiresAt = nil
	return nil
}

func (m *MockStore) TransitionJob(ctx context.Context, jobID string, from, to models.JobState, mutate func(*models.Job)) error {
	if m.TransitionJobFunc != nil {
		return m.TransitionJobFunc(ctx, jobID, from, to, mutate)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.Jobs[jobID]
	if !ok || j.Status != from {
		return ErrConflict
	}
	j.Status = to
	if mutate != nil {
		mutate(j)
	}
	return nil
}

func (m *MockStore) GetInstanceByID(ctx context.Context, instanceID string) (*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.Instances[instanceID]; ok {
		return i, nil
	}
	return nil, ErrNotFound
}

func (m *MockStore) ListInstances(ctx context.Context, filters map[string]interface{}) ([]models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Instance, 0, len(m.Instances))
	for _, i := range m.Instances {
		out = append(out, *i)
	}
	return out, nil
}

func (m *MockStore) CreateInstance(ctx context.Context, instance *models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if instance.InstanceID == "" {
		instance.InstanceID = newMockID("instance")
	}
	m.Instances[instance.InstanceID] = instance
	return nil
}

func (m *MockStore) TransitionInstance(ctx context.Context, instanceID string, from, to models.InstanceState, mutate func(*models.Instance)) error {
	if m.TransitionInstanceFunc != nil {
		return m.TransitionInstanceFunc(ctx, instanceID, from, to, mutate)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.Instances[instanceID]
	if !ok || i.Status != from {
		return ErrConflict
	}
	i.Status = to
	if mutate != nil {
		mutate(i)
	}
	return nil
}

func (m *MockStore) GetAssignmentByID(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.Assignments[assignmentID]; ok {
		return a, nil
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetLiveAssignmentForJob(ctx context.Context, jobID string) (*models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.Assignments {
		if a.JobID == jobID && a.Status.IsLive() {
			return a, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) ListAssignmentsByInstance(ctx context.Context, instanceID string) ([]models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Assignment{}
	for _, a := range m.Assignments {
		if a.InstanceID == instanceID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MockStore) BindAssignment(ctx context.Context, jobID, instanceID string) (*models.Assignment, error) {
	if m.BindAssignmentFunc != nil {
		return m.BindAssignmentFunc(ctx, jobID, instanceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.Assignments {
		if a.JobID == jobID && a.Status.IsLive() {
			return nil, ErrConflict
		}
	}
	instance, ok := m.Instances[instanceID]
	if !ok || instance.Status != models.InstanceStateRunning {
		return nil, ErrConflict
	}
	job, ok := m.Jobs[jobID]
	if !ok || job.Status != models.JobStatePending {
		return nil, ErrConflict
	}

	assignment := &models.Assignment{
		AssignmentID: newMockID("assignment"),
		JobID:        jobID,
		InstanceID:   instanceID,
		Status:       models.AssignmentStateAssigned,
		AssignedAt:   time.Now().UTC(),
	}
	m.Assignments[assignment.AssignmentID] = assignment
	job.AssignedInstanceID = &instanceID
	return assignment, nil
}

func (m *MockStore) TransitionAssignment(ctx context.Context, assignmentID string, from, to models.AssignmentState, mutate func(*models.Assignment)) error {
	if m.TransitionAssignmentFunc != nil {
		return m.TransitionAssignmentFunc(ctx, assignmentID, from, to, mutate)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Assignments[assignmentID]
	if !ok || a.Status != from {
		return ErrConflict
	}
	a.Status = to
	if mutate != nil {
		mutate(a)
	}
	return nil
}

func (m *MockStore) AppendCost(ctx context.Context, entry *models.CostLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CostLedger = append(m.CostLedger, *entry)
	return nil
}

func (m *MockStore) SumCostSince(ctx context.Context, owner string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, e := range m.CostLedger {
		if e.Owner == owner && !e.PeriodStart.Before(since) {
			total += e.AccruedCents
		}
	}
	return total, nil
}

func (m *MockStore) ListCostLedger(ctx context.Context, instanceID string) ([]models.CostLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.CostLedgerEntry{}
	for _, e := range m.CostLedger {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

var mockIDCounters = struct {
	sync.Mutex
	n int
}{}

// newMockID generates a deterministic, monotonically increasing fake ID.
// Avoids uuid.New() so mock-store tests produce stable, diffable output.
func newMockID(prefix string) string {
	mockIDCounters.Lock()
	defer mockIDCounters.Unlock()
	mockIDCounters.n++
	return prefix + "-" + itoa(mockIDCounters.n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

var _ Store = (*MockStore)(nil)
