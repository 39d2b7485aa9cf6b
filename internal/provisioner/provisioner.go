// Package provisioner drives each provider's instance state machine —
// requested -> starting -> running -> draining -> stopped, or -> error on
// a blown start deadline (spec §4.4). One loop runs per registered
// provider tag; loops communicate with the rest of the system only through
// the Job Store and the event bus, never directly with the Scheduler or
// Dispatcher.
package provisioner

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/checkauth"
	"github.com/aima-platform/gpu-orchestrator/internal/config"
	"github.com/aima-platform/gpu-orchestrator/internal/eventbus"
	"github.com/aima-platform/gpu-orchestrator/internal/metrics"
	"github.com/aima-platform/gpu-orchestrator/internal/providers"
	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/sony/gobreaker"
)

// Config bounds the Provisioner's polling and creation-throttling behavior.
type Config struct {
	PollInterval           time.Duration
	PollJitter             time.Duration
	StartDeadline          time.Duration
	IdleGracePeriod        time.Duration
	MaxConcurrentCreates   int // per provider, when its breaker is closed
}

// Provisioner owns the per-provider create/poll/drain loops.
type Provisioner struct {
	appStore store.Store
	registry *providers.Registry
	bus      *eventbus.Bus
	cfg      Config

	mu              sync.Mutex
	inFlightCreates map[string]int
}

// New builds a Provisioner. cfg zero-values are filled with spec defaults.
func New(appStore store.Store, registry *providers.Registry, bus *eventbus.Bus, cfg Config) *Provisioner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollJitter <= 0 {
		cfg.PollJitter = 2 * time.Second
	}
	if cfg.StartDeadline <= 0 {
		cfg.StartDeadline = 10 * time.Minute
	}
	if cfg.IdleGracePeriod <= 0 {
		cfg.IdleGracePeriod = 2 * time.Minute
	}
	if cfg.MaxConcurrentCreates <= 0 {
		cfg.MaxConcurrentCreates = 2
	}
	return &Provisioner{
		appStore:        appStore,
		registry:        registry,
		bus:             bus,
		cfg:             cfg,
		inFlightCreates: make(map[string]int),
	}
}

// ConfigFromSnapshot adapts a config.Snapshot into provisioner.Config.
func ConfigFromSnapshot(snap *config.Snapshot) Config {
	return Config{
		StartDeadline:        snap.InstanceStartDeadline,
		IdleGracePeriod:      snap.IdleGraceWindow,
		MaxConcurrentCreates: snap.ProviderCreationBudgetPerMinute,
	}
}

// Run starts one poll loop per registered provider tag and an idle-signal
// consumer, blocking until ctx is cancelled.
func (p *Provisioner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, tag := range p.registry.Tags() {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			p.providerLoop(ctx, tag)
		}(tag)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.consumeIdleSignals(ctx)
	}()

	wg.Wait()
}

func (p *Provisioner) providerLoop(ctx context.Context, tag string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, tag)
		}
	}
}

func (p *Provisioner) tick(ctx context.Context, tag string) {
	instances, err := p.appStore.ListInstances(ctx, map[string]interface{}{"provider_tag": tag})
	if err != nil {
		logging.Log.WithError(err).WithField("provider", tag).Warn("provisioner: failed to list instances")
		return
	}

	now := time.Now()
	for i := range instances {
		inst := &instances[i]
		if inst.ProviderTag != tag {
			continue // defensive: some Store implementations don't filter server-side
		}
		switch inst.Status {
		case models.InstanceStateRequested:
			p.startCreate(ctx, tag, inst)
		case models.InstanceStateStarting:
			p.pollStarting(ctx, inst, now)
		case models.InstanceStateDraining:
			p.finishDraining(ctx, inst)
		}
	}
}

// RequestCapacity records a new instance row in the requested state for the
// given provider and offer; the provider's loop picks it up on its next
// tick and actually calls CreateInstance (spec §4.4: creation is driven by
// the provider loop, not inline with the Scheduler's request).
func (p *Provisioner) RequestCapacity(ctx context.Context, offer providers.Offer) (*models.Instance, error) {
	deadline := time.Now().Add(p.cfg.StartDeadline)
	instance := &models.Instance{
		ProviderTag:      offer.ProviderTag,
		ProviderInstanceID: offer.OfferID, // carries the offer id until CreateInstance replaces it
		GPUModel:         offer.Profile.GPUModel,
		GPUCount:         offer.Profile.GPUCount,
		GPUMemoryMB:      offer.Profile.GPUMemoryMB,
		MemoryMB:         offer.Profile.MemoryMB,
		DiskGB:           offer.Profile.DiskGB,
		HourlyPriceCents: offer.HourlyPriceCents,
		Region:           offer.Region,
		Status:           models.InstanceStateRequested,
		StartDeadline:    &deadline,
	}
	if err := p.appStore.CreateInstance(ctx, instance); err != nil {
		return nil, err
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.InstanceRequested, InstanceID: instance.InstanceID})
	return instance, nil
}

func (p *Provisioner) startCreate(ctx context.Context, tag string, inst *models.Instance) {
	limit := p.cfg.MaxConcurrentCreates
	if p.registry.BreakerState(tag) == gobreaker.StateHalfOpen {
		limit = 1
	}

	p.mu.Lock()
	if p.inFlightCreates[tag] >= limit {
		p.mu.Unlock()
		return
	}
	p.inFlightCreates[tag]++
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.inFlightCreates[tag]--
			p.mu.Unlock()
		}()
		p.doCreate(ctx, tag, inst)
	}()
}

func (p *Provisioner) doCreate(ctx context.Context, tag string, inst *models.Instance) {
	logger := logging.Log.WithField("instance_id", inst.InstanceID).WithField("provider", tag)

	token, tokenHash, err := checkauth.GenerateBootstrapToken()
	if err != nil {
		logger.WithError(err).Error("failed to mint bootstrap token")
		p.markError(ctx, inst, "bootstrap token generation failed")
		return
	}

	req := providers.CreateInstanceRequest{
		OfferID:           inst.ProviderInstanceID, // still the offer id at this point
		Profile:           inst.ResourceProfile(),
		BootstrapToken:    token,
		ControlChannelURL: config.Current().ControlChannelBaseURL,
	}

	result, err := p.registry.CreateInstance(ctx, tag, req)
	if err != nil {
		logger.WithError(err).Warn("create_instance failed")
		p.markError(ctx, inst, err.Error())
		return
	}
	metrics.RecordInstanceCreated(tag)

	if err := p.appStore.CreateBootstrapToken(ctx, &models.BootstrapToken{
		InstanceID: inst.InstanceID,
		TokenHash:  tokenHash,
	}); err != nil {
		logger.WithError(err).Error("failed to persist bootstrap token")
	}

	err = p.appStore.TransitionInstance(ctx, inst.InstanceID, models.InstanceStateRequested, models.InstanceStateStarting, func(i *models.Instance) {
		i.ProviderInstanceID = result.ProviderInstanceID
		if result.ExternalAddress != "" {
			i.ExternalAddress = &result.ExternalAddress
		}
		i.ExternalPort = result.ExternalPort
	})
	if err != nil {
		logger.WithError(err).Warn("failed to transition instance to starting")
	}
}

func (p *Provisioner) pollStarting(ctx context.Context, inst *models.Instance, now time.Time) {
	if inst.StartDeadline != nil && now.After(*inst.StartDeadline) {
		p.markError(ctx, inst, "start deadline exceeded")
		return
	}

	jitter := time.Duration(rand.Int63n(int64(p.cfg.PollJitter)))
	time.Sleep(jitter)

	result, err := p.registry.ObserveInstance(ctx, inst.ProviderTag, inst.ProviderInstanceID)
	if err != nil {
		logging.Log.WithError(err).WithField("instance_id", inst.InstanceID).Debug("observe_instance failed; will retry next tick")
		return
	}

	if result.Terminated {
		p.markError(ctx, inst, "instance terminated while starting")
		return
	}
	if !result.Running {
		return
	}

	startedAt := now
	err = p.appStore.TransitionInstance(ctx, inst.InstanceID, models.InstanceStateStarting, models.InstanceStateRunning, func(i *models.Instance) {
		i.StartedAt = &startedAt
		i.LastHeartbeatAt = &startedAt
		if result.ExternalAddress != "" {
			i.ExternalAddress = &result.ExternalAddress
		}
		if result.ExternalPort != 0 {
			i.ExternalPort = result.ExternalPort
		}
	})
	if err != nil {
		logging.Log.WithError(err).WithField("instance_id", inst.InstanceID).Warn("failed to transition instance to running")
		return
	}
	if !inst.CreatedAt.IsZero() {
		metrics.RecordInstanceStartDuration(inst.ProviderTag, startedAt.Sub(inst.CreatedAt).Seconds())
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.InstanceRunning, InstanceID: inst.InstanceID})
}

func (p *Provisioner) finishDraining(ctx context.Context, inst *models.Instance) {
	live, err := p.appStore.ListAssignmentsByInstance(ctx, inst.InstanceID)
	if err != nil {
		return
	}
	for _, a := range live {
		if a.Status.IsLive() {
			return // still finishing an assignment; wait for the next tick
		}
	}

	if err := p.registry.TerminateInstance(ctx, inst.ProviderTag, inst.ProviderInstanceID); err != nil {
		logging.Log.WithError(err).WithField("instance_id", inst.InstanceID).Warn("terminate_instance failed; will retry next tick")
		return
	}

	now := time.Now()
	err = p.appStore.TransitionInstance(ctx, inst.InstanceID, models.InstanceStateDraining, models.InstanceStateStopped, func(i *models.Instance) {
		i.TerminatedAt = &now
	})
	if err != nil {
		logging.Log.WithError(err).WithField("instance_id", inst.InstanceID).Warn("failed to transition instance to stopped")
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.InstanceTerminated, InstanceID: inst.InstanceID})
}

func (p *Provisioner) markError(ctx context.Context, inst *models.Instance, reason string) {
	_ = p.appStore.TransitionInstance(ctx, inst.InstanceID, inst.Status, models.InstanceStateError, nil)
	logging.Log.WithField("instance_id", inst.InstanceID).WithField("reason", reason).Warn("instance moved to error")
}

// consumeIdleSignals watches for InstanceIdle events (published by the
// Dispatcher once a job finishes and the instance has no further live
// assignment) and begins draining any instance idle past the grace period.
func (p *Provisioner) consumeIdleSignals(ctx context.Context) {
	events, unsubscribe := p.bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.InstanceIdle {
				continue
			}
			p.requestDrain(ctx, e.InstanceID)
		}
	}
}

// requestDrain is reached from both the Reaper's periodic idle sweep and the
// Dispatcher's post-completion signal, which publish the same InstanceIdle
// event. It re-derives liveness itself and only drains once the instance has
// been idle past the configured grace period, so a job finishing does not
// immediately tear down an instance that could be reused by the next job.
func (p *Provisioner) requestDrain(ctx context.Context, instanceID string) {
	inst, err := p.appStore.GetInstanceByID(ctx, instanceID)
	if err != nil {
		return
	}
	if inst.Status != models.InstanceStateRunning {
		return
	}

	assignments, err := p.appStore.ListAssignmentsByInstance(ctx, instanceID)
	if err != nil {
		return
	}
	live, since := inst.IdleSince(assignments)
	if live || since.IsZero() {
		return
	}
	if !inst.IdlePast(p.cfg.IdleGracePeriod, since, time.Now()) {
		return
	}

	_ = p.appStore.TransitionInstance(ctx, instanceID, models.InstanceStateRunning, models.InstanceStateDraining, nil)
}
