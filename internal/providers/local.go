package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"github.com/aima-platform/gpu-orchestrator/internal/worker"
)

// localSlotImage is the long-lived agent container the Local adapter spawns
// per instance. Unlike the teacher's one-container-per-job JobRunner use,
// this container stays up for the instance's whole lifetime and dials the
// Dispatcher's worker control channel to receive individual job commands
// (spec §3: "an instance serves many jobs over its lifetime").
const localSlotImage = "aima-platform/gpu-worker-agent:latest"

// LocalAdapter exposes the operator's own machines as a provider, reusing
// the teacher's JobRunner abstraction (docker or Kubernetes, auto-detected)
// to hold one long-lived slot container per instance instead of one
// container per job.
type LocalAdapter struct {
	runner             worker.JobRunner
	controlChannelURL  string
	gpuProfilesByOffer map[string]models.ResourceProfile

	mu      sync.Mutex
	handles map[string]struct{}
}

// NewLocalAdapter builds a LocalAdapter over the given JobRunner backend.
func NewLocalAdapter(runner worker.JobRunner, controlChannelURL string) *LocalAdapter {
	return &LocalAdapter{
		runner:            runner,
		controlChannelURL: controlChannelURL,
		handles:           make(map[string]struct{}),
	}
}

func (a *LocalAdapter) Tag() string { return "local" }

// ListOffers reports a single synthetic offer that echoes the requested
// profile back at zero marginal cost; the local pool has no marketplace to
// query, so there's exactly one "offer". The request is not checked against
// the GPUs the host actually has.
func (a *LocalAdapter) ListOffers(ctx context.Context, profile models.ResourceProfile) ([]Offer, Outcome, error) {
	return []Offer{{
		ProviderTag:      a.Tag(),
		OfferID:          "local-pool",
		Profile:          profile,
		HourlyPriceCents: 0,
		Region:           "local",
	}}, OutcomeOk, nil
}

// CreateInstance spawns a long-lived agent container carrying the instance's
// bootstrap token and the Dispatcher's control-channel URL as environment
// variables; the agent dials back in once it's up.
func (a *LocalAdapter) CreateInstance(ctx context.Context, req CreateInstanceRequest) (CreateInstanceResult, Outcome, error) {
	config := &worker.JobConfig{
		Image: localSlotImage,
		Env: map[string]string{
			"CONTROL_CHANNEL_URL": req.ControlChannelURL,
			"BOOTSTRAP_TOKEN":     req.BootstrapToken,
			"GPU_COUNT":           fmt.Sprintf("%d", req.Profile.GPUCount),
		},
		Capabilities:   []string{worker.CapabilityGPU},
		GPUCount:       req.Profile.GPUCount,
		TimeoutSeconds: 0,
		JobID:          req.OfferID,
	}

	handle, err := a.runner.SpawnJob(ctx, config)
	if err != nil {
		return CreateInstanceResult{}, OutcomeRetryable, err
	}

	a.mu.Lock()
	a.handles[handle] = struct{}{}
	a.mu.Unlock()

	return CreateInstanceResult{ProviderInstanceID: handle}, OutcomeOk, nil
}

// ObserveInstance reports running/terminated based on whether the agent
// container is still alive. The Local adapter relies on the Dispatcher's
// heartbeat stream for the authoritative liveness signal; this call is a
// coarse backstop for the Reaper's reconciliation pass.
func (a *LocalAdapter) ObserveInstance(ctx context.Context, providerInstanceID string) (ObserveResult, Outcome, error) {
	_, _, err := a.runner.StreamLogs(ctx, providerInstanceID)
	if err != nil {
		return ObserveResult{Terminated: true}, OutcomeOk, nil
	}
	return ObserveResult{Running: true}, OutcomeOk, nil
}

// TerminateInstance tears down the agent container.
func (a *LocalAdapter) TerminateInstance(ctx context.Context, providerInstanceID string) (Outcome, error) {
	if err := a.runner.Cleanup(ctx, providerInstanceID); err != nil {
		return OutcomeRetryable, err
	}
	a.mu.Lock()
	delete(a.handles, providerInstanceID)
	a.mu.Unlock()
	return OutcomeOk, nil
}

// Health always reports Ok; the local runner backend has no external
// credentials to expire.
func (a *LocalAdapter) Health(ctx context.Context) (Outcome, error) {
	return OutcomeOk, nil
}

// ListHeldInstances reports the slot handles this adapter has created and
// not yet torn down. The underlying JobRunner backends (docker, Kubernetes)
// expose no list-all-containers call in this abstraction, so the adapter
// tracks its own handles rather than querying the backend directly (spec
// §4.7 provider reconciliation).
func (a *LocalAdapter) ListHeldInstances(ctx context.Context) ([]string, Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.handles))
	for id := range a.handles {
		ids = append(ids, id)
	}
	return ids, OutcomeOk, nil
}

var _ Adapter = (*LocalAdapter)(nil)
