package health

import (
	"context"
	"testing"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/eventbus"
	"github.com/aima-platform/gpu-orchestrator/internal/providers"
	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a hand-rolled providers.Adapter exercising the Reaper's
// provider-facing calls without a real cloud API.
type fakeAdapter struct {
	tag              string
	held             []string
	terminatedIDs    []string
}

func (f *fakeAdapter) Tag() string { return f.tag }
func (f *fakeAdapter) ListOffers(ctx context.Context, profile models.ResourceProfile) ([]providers.Offer, providers.Outcome, error) {
	return nil, providers.OutcomeOk, nil
}
func (f *fakeAdapter) CreateInstance(ctx context.Context, req providers.CreateInstanceRequest) (providers.CreateInstanceResult, providers.Outcome, error) {
	return providers.CreateInstanceResult{}, providers.OutcomeOk, nil
}
func (f *fakeAdapter) ObserveInstance(ctx context.Context, providerInstanceID string) (providers.ObserveResult, providers.Outcome, error) {
	return providers.ObserveResult{}, providers.OutcomeOk, nil
}
func (f *fakeAdapter) TerminateInstance(ctx context.Context, providerInstanceID string) (providers.Outcome, error) {
	f.terminatedIDs = append(f.terminatedIDs, providerInstanceID)
	return providers.OutcomeOk, nil
}
func (f *fakeAdapter) Health(ctx context.Context) (providers.Outcome, error) {
	return providers.OutcomeOk, nil
}
func (f *fakeAdapter) ListHeldInstances(ctx context.Context) ([]string, providers.Outcome, error) {
	return f.held, providers.OutcomeOk, nil
}

var _ providers.Adapter = (*fakeAdapter)(nil)

func newTestReaper(adapter *fakeAdapter, cfg Config) (*Reaper, store.Store) {
	registry := providers.NewRegistry()
	registry.Register(adapter, 0.5, time.Second)
	appStore := store.NewMockStore()
	bus := eventbus.New(32)
	return New(appStore, registry, bus, cfg), appStore
}

func TestReapStuckDispatches_FailsJobPastDispatchTimeout(t *testing.T) {
	r, appStore := newTestReaper(&fakeAdapter{tag: "runpod"}, Config{DispatchTimeout: time.Minute})
	inst := &models.Instance{ProviderTag: "runpod", Status: models.InstanceStateRunning}
	require.NoError(t, appStore.CreateInstance(context.Background(), inst))

	job := &models.Job{Status: models.JobStatePending}
	require.NoError(t, appStore.SubmitJob(context.Background(), job))
	assignment, err := appStore.BindAssignment(context.Background(), job.JobID, inst.InstanceID)
	require.NoError(t, err)
	assignment.AssignedAt = time.Now().Add(-2 * time.Minute)

	r.reapStuckDispatches(context.Background())

	storedJob, err := appStore.GetJobByID(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, storedJob.Status)
	assert.Equal(t, "dispatch_timeout", storedJob.ErrorClass)
}

func TestReapStuckDispatches_LeavesFreshAssignmentAlone(t *testing.T) {
	r, appStore := newTestReaper(&fakeAdapter{tag: "runpod"}, Config{DispatchTimeout: time.Minute})
	inst := &models.Instance{ProviderTag: "runpod", Status: models.InstanceStateRunning}
	require.NoError(t, appStore.CreateInstance(context.Background(), inst))

	job := &models.Job{Status: models.JobStatePending}
	require.NoError(t, appStore.SubmitJob(context.Background(), job))
	_, err := appStore.BindAssignment(context.Background(), job.JobID, inst.InstanceID)
	require.NoError(t, err)

	r.reapStuckDispatches(context.Background())

	storedJob, err := appStore.GetJobByID(context.Background(), job.JobID)
	require.NoError(t, err)
	// A fresh assignment hasn't been dispatched yet, so the job is still
	// pending; it only becomes running once the Dispatcher has sent the
	// start message to the worker.
	assert.Equal(t, models.JobStatePending, storedJob.Status)
}

func TestReapOrphanInstances_MarksErrorPastHeartbeatTimeout(t *testing.T) {
	adapter := &fakeAdapter{tag: "aws"}
	r, appStore := newTestReaper(adapter, Config{HeartbeatTimeout: 30 * time.Second})
	staleHeartbeat := time.Now().Add(-time.Minute)
	inst := &models.Instance{ProviderTag: "aws", ProviderInstanceID: "i-123", Status: models.InstanceStateRunning, LastHeartbeatAt: &staleHeartbeat}
	require.NoError(t, appStore.CreateInstance(context.Background(), inst))

	r.reapOrphanInstances(context.Background())

	stored, err := appStore.GetInstanceByID(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStateError, stored.Status)
	assert.Contains(t, adapter.terminatedIDs, "i-123")
}

func TestReapOrphanInstances_LeavesRecentHeartbeatAlone(t *testing.T) {
	adapter := &fakeAdapter{tag: "aws"}
	r, appStore := newTestReaper(adapter, Config{HeartbeatTimeout: time.Minute})
	recent := time.Now()
	inst := &models.Instance{ProviderTag: "aws", ProviderInstanceID: "i-456", Status: models.InstanceStateRunning, LastHeartbeatAt: &recent}
	require.NoError(t, appStore.CreateInstance(context.Background(), inst))

	r.reapOrphanInstances(context.Background())

	stored, err := appStore.GetInstanceByID(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStateRunning, stored.Status)
	assert.Empty(t, adapter.terminatedIDs)
}

func TestIdleDrain_SignalsIdleInstancePastGraceWindow(t *testing.T) {
	r, appStore := newTestReaper(&fakeAdapter{tag: "runpod"}, Config{IdleGraceWindow: time.Minute})
	started := time.Now().Add(-2 * time.Minute)
	inst := &models.Instance{ProviderTag: "runpod", Status: models.InstanceStateRunning, StartedAt: &started}
	require.NoError(t, appStore.CreateInstance(context.Background(), inst))

	events, unsubscribe := r.bus.Subscribe()
	defer unsubscribe()

	r.idleDrain(context.Background())

	select {
	case e := <-events:
		assert.Equal(t, eventbus.InstanceIdle, e.Type)
		assert.Equal(t, inst.InstanceID, e.InstanceID)
	default:
		t.Fatal("expected an instance_idle event")
	}
}

func TestIdleDrain_SkipsInstanceWithLiveAssignment(t *testing.T) {
	r, appStore := newTestReaper(&fakeAdapter{tag: "runpod"}, Config{IdleGraceWindow: time.Minute})
	started := time.Now().Add(-2 * time.Minute)
	inst := &models.Instance{ProviderTag: "runpod", Status: models.InstanceStateRunning, StartedAt: &started}
	require.NoError(t, appStore.CreateInstance(context.Background(), inst))

	job := &models.Job{Status: models.JobStatePending}
	require.NoError(t, appStore.SubmitJob(context.Background(), job))
	_, err := appStore.BindAssignment(context.Background(), job.JobID, inst.InstanceID)
	require.NoError(t, err)

	events, unsubscribe := r.bus.Subscribe()
	defer unsubscribe()

	r.idleDrain(context.Background())

	select {
	case e := <-events:
		t.Fatalf("expected no event, got %v", e)
	default:
	}
}

func TestExpireLeases_ReleasesExpiredClaim(t *testing.T) {
	r, appStore := newTestReaper(&fakeAdapter{tag: "runpod"}, Config{})
	job := &models.Job{Status: models.JobStateQueued}
	require.NoError(t, appStore.SubmitJob(context.Background(), job))
	claimed, err := appStore.ClaimQueued(context.Background(), 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	time.Sleep(5 * time.Millisecond)

	r.expireLeases(context.Background())

	stored, err := appStore.GetJobByID(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, stored.Status)
}

func TestReconcileProviders_TerminatesUnknownHeldInstance(t *testing.T) {
	adapter := &fakeAdapter{tag: "aws", held: []string{"i-known", "i-orphan"}}
	r, appStore := newTestReaper(adapter, Config{})
	known := &models.Instance{ProviderTag: "aws", ProviderInstanceID: "i-known", Status: models.InstanceStateRunning}
	require.NoError(t, appStore.CreateInstance(context.Background(), known))

	r.reconcileProviders(context.Background())

	assert.Equal(t, []string{"i-orphan"}, adapter.terminatedIDs)
}
