// Package providers implements the capability-set adapter each GPU capacity
// source (RunPod, Vast.ai, AWS, GCP, Azure, and the operator's own local
// pool) must satisfy (spec §4.3 Provider Adapters). Every adapter call is
// wrapped in a circuit breaker and retried on transient failure by the
// Registry, so individual adapter implementations stay thin and only report
// what kind of failure they hit.
package providers

import (
	"context"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
)

// Outcome classifies how a provider call failed, so the Registry knows
// whether to retry, open the breaker, or give up outright (spec §4.3 edge
// cases: "a provider timing out is not the same as a provider rejecting the
// request").
type Outcome int

const (
	// OutcomeOk indicates success.
	OutcomeOk Outcome = iota
	// OutcomeRetryable indicates a transient failure (timeout, 5xx, rate
	// limit) worth retrying with backoff.
	OutcomeRetryable
	// OutcomeFatal indicates a failure retrying cannot fix (invalid
	// credentials, capacity permanently unavailable, malformed request).
	OutcomeFatal
)

// Offer is one quote a provider returns from ListOffers: a resource shape at
// a price, available to rent.
type Offer struct {
	ProviderTag string
	OfferID     string
	Profile     models.ResourceProfile
	HourlyPriceCents int64
	Region      string
}

// CreateInstanceRequest carries everything an adapter needs to provision one
// instance. BootstrapToken is handed to the instance so it can authenticate
// its worker control-channel connection back to the Dispatcher (spec §6).
type CreateInstanceRequest struct {
	OfferID        string
	Profile        models.ResourceProfile
	BootstrapToken string
	ControlChannelURL string
}

// CreateInstanceResult is what a successful create_instance call returns;
// ProviderInstanceID is the adapter's own handle used on subsequent calls.
type CreateInstanceResult struct {
	ProviderInstanceID string
	ExternalAddress    string
	ExternalPort       int
}

// ObserveResult is a point-in-time read of a provider-side instance.
type ObserveResult struct {
	Running         bool
	Terminated      bool
	ExternalAddress string
	ExternalPort    int
}

// Adapter is the capability set every provider must implement (spec §4.3).
type Adapter interface {
	// Tag is the provider's short identifier (runpod, vast, aws, gcp, azure, local).
	Tag() string

	// ListOffers returns currently available capacity meeting profile.
	ListOffers(ctx context.Context, profile models.ResourceProfile) ([]Offer, Outcome, error)

	// CreateInstance provisions capacity from a previously listed offer.
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (CreateInstanceResult, Outcome, error)

	// ObserveInstance polls a provider-side instance's current state.
	ObserveInstance(ctx context.Context, providerInstanceID string) (ObserveResult, Outcome, error)

	// TerminateInstance tears down a provider-side instance. Idempotent:
	// terminating an already-gone instance is Ok, not Fatal.
	TerminateInstance(ctx context.Context, providerInstanceID string) (Outcome, error)

	// Health reports whether the adapter's credentials and connectivity are
	// currently good; the Registry exposes it through Registry.Health.
	Health(ctx context.Context) (Outcome, error)

	// ListHeldInstances lists every instance this orchestrator currently
	// holds on the provider side, so the Reaper can detect an instance the
	// provider still bills for but that has gone missing from the Job Store
	// (spec §4.7 provider reconciliation).
	ListHeldInstances(ctx context.Context) ([]string, Outcome, error)
}

// CreationBudget bounds how often a provider will accept new
// CreateInstance calls per minute, independent of its circuit breaker state
// (spec §4.2 enforce_quota: a provider's own rate limit is a different axis
// from an owner's cost ceiling).
type CreationBudget struct {
	PerMinute int
}

// DefaultRetryCeiling is the per-call cap on total attempts (the first call
// plus its retries) while the outcome stays Retryable, before the Registry
// gives up and surfaces the error.
const DefaultRetryCeiling = 4

// DefaultRetryInitialInterval is the first backoff wait before a retry.
const DefaultRetryInitialInterval = 500 * time.Millisecond
