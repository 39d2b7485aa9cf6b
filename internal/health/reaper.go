// Package health implements the Reaper: the periodic sweep that catches
// everything the event-driven Scheduler/Provisioner/Dispatcher trio can miss
// because they only react to events and targeted queries (spec §4.7). It
// owns six independent duties, each grounded on a different failure mode:
// stuck dispatch handoffs, silent workers, provider-side drift, idle
// capacity, expired scheduler claim leases, and owners already over their
// cost ceiling.
package health

import (
	"context"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/config"
	"github.com/aima-platform/gpu-orchestrator/internal/costquota"
	"github.com/aima-platform/gpu-orchestrator/internal/eventbus"
	"github.com/aima-platform/gpu-orchestrator/internal/metrics"
	"github.com/aima-platform/gpu-orchestrator/internal/providers"
	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"github.com/catalystcommunity/app-utils-go/logging"
)

// Config bounds the Reaper's sweep cadence and the thresholds each duty
// measures against.
type Config struct {
	Interval               time.Duration
	DispatchTimeout        time.Duration
	HeartbeatTimeout        time.Duration
	IdleGraceWindow         time.Duration
	ReconciliationInterval  time.Duration
	ListPageSize            int
}

// New builds a Reaper. cfg zero-values are filled with spec defaults.
func New(appStore store.Store, registry *providers.Registry, bus *eventbus.Bus, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 120 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 45 * time.Second
	}
	if cfg.IdleGraceWindow <= 0 {
		cfg.IdleGraceWindow = 120 * time.Second
	}
	if cfg.ReconciliationInterval <= 0 {
		cfg.ReconciliationInterval = time.Minute
	}
	if cfg.ListPageSize <= 0 {
		cfg.ListPageSize = 500
	}
	return &Reaper{appStore: appStore, registry: registry, bus: bus, cfg: cfg}
}

// ConfigFromSnapshot adapts a config.Snapshot into health.Config.
func ConfigFromSnapshot(snap *config.Snapshot) Config {
	return Config{
		DispatchTimeout:        snap.DispatchTimeout,
		HeartbeatTimeout:        snap.HeartbeatTimeout,
		IdleGraceWindow:         snap.IdleGraceWindow,
		ReconciliationInterval:  time.Minute,
		Interval:                snap.ReaperInterval,
	}
}

// Reaper runs the five spec §4.7 sweeps on their own cadence.
type Reaper struct {
	appStore store.Store
	registry *providers.Registry
	bus      *eventbus.Bus
	cfg      Config
}

// Run blocks until ctx is cancelled, ticking the main sweep at cfg.Interval
// and provider reconciliation separately at cfg.ReconciliationInterval,
// since the latter is explicitly a once-a-minute duty (spec §4.7) regardless
// of how tight the main sweep interval is configured.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	reconcileTicker := time.NewTicker(r.cfg.ReconciliationInterval)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		case <-reconcileTicker.C:
			r.reconcileProviders(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	r.reapStuckDispatches(ctx)
	r.reapOrphanInstances(ctx)
	r.idleDrain(ctx)
	r.expireLeases(ctx)
	r.drainOverBudgetOwners(ctx)
}

// reapStuckDispatches fails any live assignment still stuck in assigned
// (never acknowledged running by the Dispatcher, e.g. the worker never
// connected and the dispatch goroutine gave up silently) past the dispatch
// timeout, and defensively signals its instance idle so the Provisioner can
// reclaim it (spec §4.7 "stuck pending").
func (r *Reaper) reapStuckDispatches(ctx context.Context) {
	running, err := r.appStore.ListInstances(ctx, map[string]interface{}{"status": models.InstanceStateRunning})
	if err != nil {
		logging.Log.WithError(err).Warn("reaper: failed to list running instances for stuck-dispatch sweep")
		return
	}

	now := time.Now()
	for i := range running {
		inst := &running[i]
		if inst.Status != models.InstanceStateRunning {
			continue // defensive: some Store implementations don't filter server-side
		}
		assignments, err := r.appStore.ListAssignmentsByInstance(ctx, inst.InstanceID)
		if err != nil {
			continue
		}
		for _, a := range assignments {
			if a.Status != models.AssignmentStateAssigned {
				continue
			}
			if now.Sub(a.AssignedAt) < r.cfg.DispatchTimeout {
				continue
			}
			r.failStuckDispatch(ctx, &a, inst.InstanceID)
		}
	}
}

func (r *Reaper) failStuckDispatch(ctx context.Context, a *models.Assignment, instanceID string) {
	if err := r.appStore.TransitionAssignment(ctx, a.AssignmentID, models.AssignmentStateAssigned, models.AssignmentStateAborted, func(asn *models.Assignment) {
		now := time.Now().UTC()
		asn.FinishedAt = &now
	}); err != nil {
		return // already handled by the dispatch goroutine itself
	}

	job, err := r.appStore.GetJobByID(ctx, a.JobID)
	if err != nil || job == nil || job.IsTerminal() {
		return
	}
	if err := r.appStore.TransitionJob(ctx, job.JobID, job.Status, models.JobStateFailed, func(j *models.Job) {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.ErrorClass = "dispatch_timeout"
		j.ErrorMessage = "assignment never reached running before the dispatch timeout"
	}); err != nil {
		logging.Log.WithError(err).WithField("job_id", job.JobID).Warn("reaper: failed to fail stuck-dispatch job")
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, JobID: job.JobID, AssignmentID: a.AssignmentID, Message: "dispatch_timeout"})
	r.bus.Publish(eventbus.Event{Type: eventbus.InstanceIdle, InstanceID: instanceID})
}

// reapOrphanInstances transitions any running instance whose heartbeat has
// gone silent past the heartbeat threshold to error and terminates it on its
// provider (spec §4.7 "orphan instances"). An instance that has never
// connected yet is judged against StartedAt instead of a nil heartbeat.
func (r *Reaper) reapOrphanInstances(ctx context.Context) {
	running, err := r.appStore.ListInstances(ctx, map[string]interface{}{"status": models.InstanceStateRunning})
	if err != nil {
		logging.Log.WithError(err).Warn("reaper: failed to list running instances for orphan sweep")
		return
	}

	now := time.Now()
	for i := range running {
		inst := &running[i]
		if inst.Status != models.InstanceStateRunning {
			continue // defensive: some Store implementations don't filter server-side
		}

		lastSeen := inst.LastHeartbeatAt
		if lastSeen == nil {
			lastSeen = inst.StartedAt
		}
		if lastSeen == nil || now.Sub(*lastSeen) < r.cfg.HeartbeatTimeout {
			continue
		}

		if err := r.appStore.TransitionInstance(ctx, inst.InstanceID, models.InstanceStateRunning, models.InstanceStateError, func(i *models.Instance) {
			t := time.Now().UTC()
			i.TerminatedAt = &t
		}); err != nil {
			continue
		}
		if inst.ProviderInstanceID != "" {
			if err := r.registry.TerminateInstance(ctx, inst.ProviderTag, inst.ProviderInstanceID); err != nil {
				logging.Log.WithError(err).WithField("instance_id", inst.InstanceID).Warn("reaper: failed to terminate orphaned instance on provider")
			} else {
				metrics.RecordOrphanTerminated(inst.ProviderTag)
			}
		}
		r.bus.Publish(eventbus.Event{Type: eventbus.InstanceTerminated, InstanceID: inst.InstanceID, Message: "heartbeat_timeout"})
		logging.Log.WithField("instance_id", inst.InstanceID).WithField("provider", inst.ProviderTag).Warn("reaper: instance missed heartbeat threshold, marked error")
	}
}

// idleDrain signals any running instance with no live assignment, idle past
// the grace window, to drain (spec §4.7 "idle drain"). The actual
// running->draining transition is owned by the Provisioner's idle-signal
// consumer, so both this sweep and the Dispatcher's end-of-job signal share
// one enactment path.
func (r *Reaper) idleDrain(ctx context.Context) {
	running, err := r.appStore.ListInstances(ctx, map[string]interface{}{"status": models.InstanceStateRunning})
	if err != nil {
		logging.Log.WithError(err).Warn("reaper: failed to list running instances for idle-drain sweep")
		return
	}

	now := time.Now()
	for i := range running {
		inst := &running[i]
		if inst.Status != models.InstanceStateRunning {
			continue // defensive: some Store implementations don't filter server-side
		}

		assignments, err := r.appStore.ListAssignmentsByInstance(ctx, inst.InstanceID)
		if err != nil {
			continue
		}

		live, lastEnd := inst.IdleSince(assignments)
		if live || lastEnd.IsZero() {
			continue
		}

		if inst.IdlePast(r.cfg.IdleGraceWindow, lastEnd, now) {
			r.bus.Publish(eventbus.Event{Type: eventbus.InstanceIdle, InstanceID: inst.InstanceID})
		}
	}
}

// drainOverBudgetOwners is the reaping half of the budget brake (spec §4.8):
// once an owner's accrued cost has already blown past their ceiling, refusing
// new scheduling alone (the Scheduler's half) doesn't free anything up, so
// this cancels that owner's single lowest-priority running job each sweep,
// oldest-first among ties, until a later sweep finds them back under budget.
func (r *Reaper) drainOverBudgetOwners(ctx context.Context) {
	running, err := r.appStore.ListJobs(ctx, map[string]interface{}{"status": models.JobStateRunning}, r.cfg.ListPageSize, 0)
	if err != nil {
		logging.Log.WithError(err).Warn("reaper: failed to list running jobs for budget-brake sweep")
		return
	}

	byOwner := make(map[string][]*models.Job)
	for i := range running {
		job := &running[i]
		if job.Status != models.JobStateRunning || job.CostCeiling == nil || *job.CostCeiling <= 0 {
			continue // defensive: some Store implementations don't filter server-side
		}
		byOwner[job.Owner] = append(byOwner[job.Owner], job)
	}

	for owner, jobs := range byOwner {
		ceiling := *jobs[0].CostCeiling
		decision, _ := costquota.EnforceQuota(ctx, r.appStore, owner, 0, ceiling)
		if decision != costquota.Deny {
			continue
		}

		victim := jobs[0]
		for _, job := range jobs[1:] {
			if job.Priority.Rank() < victim.Priority.Rank() {
				victim = job
			} else if job.Priority.Rank() == victim.Priority.Rank() && job.CreatedAt.Before(victim.CreatedAt) {
				victim = job
			}
		}

		if err := r.appStore.TransitionJob(ctx, victim.JobID, models.JobStateRunning, models.JobStateCancelled, func(j *models.Job) {
			now := time.Now().UTC()
			j.CompletedAt = &now
			j.ErrorClass = "budget_exceeded"
			j.ErrorMessage = "owner cost ceiling exceeded, lowest-priority job drained"
		}); err != nil {
			logging.Log.WithError(err).WithField("job_id", victim.JobID).Warn("reaper: failed to drain over-budget job")
			continue
		}
		logging.Log.WithField("owner", owner).WithField("job_id", victim.JobID).Warn("reaper: owner over cost ceiling, drained lowest-priority running job")
		r.bus.Publish(eventbus.Event{Type: eventbus.JobCancelled, JobID: victim.JobID})
	}
}

// expireLeases releases any pending job whose scheduler claim lease has
// expired without the job reaching a bound assignment, returning it to
// queued for the next tick to reclaim (spec §4.7 "lease expiry"). This
// covers the scheduler crashing between claim_queued and bind_assignment;
// ReleaseClaim's own compare-and-set means a late, duplicate release from
// here after the scheduler already recovered is a harmless no-op.
func (r *Reaper) expireLeases(ctx context.Context) {
	pending, err := r.appStore.ListJobs(ctx, map[string]interface{}{"status": models.JobStatePending}, r.cfg.ListPageSize, 0)
	if err != nil {
		logging.Log.WithError(err).Warn("reaper: failed to list pending jobs for lease-expiry sweep")
		return
	}

	now := time.Now()
	for i := range pending {
		job := &pending[i]
		if job.Status != models.JobStatePending {
			continue // defensive: some Store implementations don't filter server-side
		}
		if job.ClaimToken == nil || job.ClaimLeaseExpiresAt == nil || job.ClaimLeaseExpiresAt.After(now) {
			continue
		}
		if err := r.appStore.ReleaseClaim(ctx, job.JobID, *job.ClaimToken); err != nil {
			logging.Log.WithError(err).WithField("job_id", job.JobID).Debug("reaper: release_claim failed (likely already resolved)")
		}
	}
}

// reconcileProviders polls every registered provider for the instances it
// currently holds and terminates any that this orchestrator's store no
// longer knows about (spec §4.7 "provider reconciliation").
func (r *Reaper) reconcileProviders(ctx context.Context) {
	for _, tag := range r.registry.Tags() {
		held, err := r.registry.ListHeldInstances(ctx, tag)
		if err != nil {
			logging.Log.WithError(err).WithField("provider", tag).Warn("reaper: list_held_instances failed")
			continue
		}
		if len(held) == 0 {
			continue
		}

		stored, err := r.appStore.ListInstances(ctx, map[string]interface{}{"provider_tag": tag})
		if err != nil {
			logging.Log.WithError(err).WithField("provider", tag).Warn("reaper: failed to list store instances for reconciliation")
			continue
		}
		known := make(map[string]bool, len(stored))
		for _, inst := range stored {
			if inst.ProviderTag != tag || inst.ProviderInstanceID == "" {
				continue // defensive: some Store implementations don't filter server-side
			}
			known[inst.ProviderInstanceID] = true
		}

		for _, providerInstanceID := range held {
			if known[providerInstanceID] {
				continue
			}
			if err := r.registry.TerminateInstance(ctx, tag, providerInstanceID); err != nil {
				logging.Log.WithError(err).WithField("provider", tag).WithField("provider_instance_id", providerInstanceID).Warn("reaper: failed to terminate orphaned provider instance")
				continue
			}
			metrics.RecordOrphanTerminated(tag)
			logging.Log.WithField("provider", tag).WithField("provider_instance_id", providerInstanceID).Warn("reaper: terminated orphan instance not present in store (compliance event)")
		}
	}
}
