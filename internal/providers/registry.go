package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/metrics"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Registry holds one circuit breaker per provider tag and retries Retryable
// outcomes with capped exponential backoff before giving up (spec §4.3: "a
// provider adapter failing should degrade that provider, not the
// scheduler"). Wired against sony/gobreaker's three-state machine the same
// way an HTTP client library in the rest of the pack wraps flaky
// downstreams.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Register adds a provider adapter, giving it its own circuit breaker.
func (r *Registry) Register(a Adapter, failureRatio float64, openTimeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tag := a.Tag()
	r.adapters[tag] = a
	r.breakers[tag] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    tag,
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= failureRatio
		},
	})
}

// Get returns the adapter registered for tag, if any.
func (r *Registry) Get(tag string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tag]
	return a, ok
}

// Tags lists every registered provider tag.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.adapters))
	for tag := range r.adapters {
		tags = append(tags, tag)
	}
	return tags
}

func (r *Registry) breaker(tag string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[tag]
}

// BreakerState reports a provider's circuit breaker state, so the
// Provisioner can throttle new creates to at most one in flight while a
// provider is half-open (spec §4.4).
func (r *Registry) BreakerState(tag string) gobreaker.State {
	b := r.breaker(tag)
	if b == nil {
		return gobreaker.StateClosed
	}
	return b.State()
}

// ListOffers calls the named provider's ListOffers through its breaker,
// retrying Retryable outcomes.
func (r *Registry) ListOffers(ctx context.Context, tag string, profile models.ResourceProfile) ([]Offer, error) {
	adapter, ok := r.Get(tag)
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", tag)
	}

	var offers []Offer
	err := r.callWithRetry(ctx, tag, "list_offers", func() (Outcome, error) {
		var o Outcome
		var err error
		offers, o, err = adapter.ListOffers(ctx, profile)
		return o, err
	})
	return offers, err
}

// CreateInstance calls the named provider's CreateInstance through its breaker.
func (r *Registry) CreateInstance(ctx context.Context, tag string, req CreateInstanceRequest) (CreateInstanceResult, error) {
	adapter, ok := r.Get(tag)
	if !ok {
		return CreateInstanceResult{}, fmt.Errorf("provider %q is not registered", tag)
	}

	var result CreateInstanceResult
	err := r.callWithRetry(ctx, tag, "create_instance", func() (Outcome, error) {
		var o Outcome
		var err error
		result, o, err = adapter.CreateInstance(ctx, req)
		return o, err
	})
	return result, err
}

// ObserveInstance calls the named provider's ObserveInstance through its breaker.
func (r *Registry) ObserveInstance(ctx context.Context, tag, providerInstanceID string) (ObserveResult, error) {
	adapter, ok := r.Get(tag)
	if !ok {
		return ObserveResult{}, fmt.Errorf("provider %q is not registered", tag)
	}

	var result ObserveResult
	err := r.callWithRetry(ctx, tag, "observe_instance", func() (Outcome, error) {
		var o Outcome
		var err error
		result, o, err = adapter.ObserveInstance(ctx, providerInstanceID)
		return o, err
	})
	return result, err
}

// TerminateInstance calls the named provider's TerminateInstance through its breaker.
func (r *Registry) TerminateInstance(ctx context.Context, tag, providerInstanceID string) error {
	adapter, ok := r.Get(tag)
	if !ok {
		return fmt.Errorf("provider %q is not registered", tag)
	}

	return r.callWithRetry(ctx, tag, "terminate_instance", func() (Outcome, error) {
		return adapter.TerminateInstance(ctx, providerInstanceID)
	})
}

// Health reports every registered provider's adapter health without going
// through the breaker, so a provider's raw health stays visible even while
// its breaker is open.
func (r *Registry) Health(ctx context.Context) map[string]error {
	r.mu.RLock()
	adapters := make(map[string]Adapter, len(r.adapters))
	for tag, a := range r.adapters {
		adapters[tag] = a
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(adapters))
	for tag, a := range adapters {
		_, err := a.Health(ctx)
		results[tag] = err
	}
	return results
}

// ListHeldInstances reports every provider instance ID the named adapter
// currently holds, bypassing the breaker like Health does: reconciliation is
// a periodic background pass, not request-path traffic, so a single failed
// poll should just be skipped until the next minute rather than tripping the
// provider's breaker (spec §4.7 provider reconciliation).
func (r *Registry) ListHeldInstances(ctx context.Context, tag string) ([]string, error) {
	adapter, ok := r.Get(tag)
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", tag)
	}
	ids, _, err := adapter.ListHeldInstances(ctx)
	return ids, err
}

// callWithRetry runs fn through tag's breaker, retrying while fn reports
// OutcomeRetryable, up to DefaultRetryCeiling attempts total.
func (r *Registry) callWithRetry(ctx context.Context, tag, operation string, fn func() (Outcome, error)) error {
	breaker := r.breaker(tag)
	if breaker == nil {
		return fmt.Errorf("provider %q is not registered", tag)
	}
	defer metrics.UpdateProviderBreakerState(tag, float64(breaker.State()))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = DefaultRetryInitialInterval
	bo.MaxElapsedTime = 0
	boCtx := backoff.WithContext(backoff.WithMaxRetries(bo, DefaultRetryCeiling-1), ctx)

	err := backoff.Retry(func() error {
		_, err := breaker.Execute(func() (interface{}, error) {
			outcome, callErr := fn()
			if outcome == OutcomeFatal {
				// Wrapped so gobreaker still records it as a failure but
				// backoff.Permanent stops the retry loop below.
				return nil, backoff.Permanent(callErr)
			}
			if outcome == OutcomeOk {
				return nil, nil
			}
			return nil, callErr
		})
		return err
	}, boCtx)

	if err != nil {
		metrics.RecordProviderCall(tag, operation, "error")
	} else {
		metrics.RecordProviderCall(tag, operation, "ok")
	}
	return err
}
