// Package scheduler pairs queued jobs with idle running instances and asks
// the Provisioner for new capacity when none is available (spec §4.5). It
// is event-driven: job submission, an instance becoming ready, an instance
// going idle, and a periodic tick all wake the same tick loop.
package scheduler

import (
	"context"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/config"
	"github.com/aima-platform/gpu-orchestrator/internal/costquota"
	"github.com/aima-platform/gpu-orchestrator/internal/dispatcher"
	"github.com/aima-platform/gpu-orchestrator/internal/eventbus"
	"github.com/aima-platform/gpu-orchestrator/internal/providers"
	"github.com/aima-platform/gpu-orchestrator/internal/provisioner"
	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"github.com/catalystcommunity/app-utils-go/logging"
)

// Config bounds the Scheduler's claim batch size, lease duration, tick
// cadence, and per-provider lazy-growth budget.
type Config struct {
	ClaimBatchSize               int
	ClaimLease                   time.Duration
	TickInterval                 time.Duration
	MaxPendingCreatesPerProvider int
}

// Scheduler is the event-driven job/instance matcher.
type Scheduler struct {
	appStore   store.Store
	registry   *providers.Registry
	prov       *provisioner.Provisioner
	dispatcher *dispatcher.Dispatcher
	bus        *eventbus.Bus
	cfg        Config
}

// New builds a Scheduler. cfg zero-values are filled with spec defaults.
func New(appStore store.Store, registry *providers.Registry, prov *provisioner.Provisioner, disp *dispatcher.Dispatcher, bus *eventbus.Bus, cfg Config) *Scheduler {
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 25
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 30 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.MaxPendingCreatesPerProvider <= 0 {
		cfg.MaxPendingCreatesPerProvider = 2
	}
	return &Scheduler{appStore: appStore, registry: registry, prov: prov, dispatcher: disp, bus: bus, cfg: cfg}
}

// ConfigFromSnapshot adapts a config.Snapshot into scheduler.Config.
func ConfigFromSnapshot(snap *config.Snapshot) Config {
	return Config{
		ClaimBatchSize: snap.SchedulerClaimBatchSize,
		ClaimLease:     snap.SchedulerClaimLease,
		TickInterval:   snap.SchedulerTickInterval,
	}
}

// Run wakes on job-submitted, instance-running, instance-idle bus events and
// a periodic tick, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.JobSubmitted, eventbus.InstanceRunning, eventbus.InstanceIdle:
				s.tick(ctx)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	// claim_queued's own query excludes past-deadline jobs (they'd never be
	// schedulable), so a queued job whose deadline lapses while still
	// waiting for capacity would never come back through claimed below.
	// Sweep it here instead.
	s.failExpiredQueuedJobs(ctx)

	claimed, err := s.appStore.ClaimQueued(ctx, s.cfg.ClaimBatchSize, s.cfg.ClaimLease)
	if err != nil {
		logging.Log.WithError(err).Warn("scheduler: claim_queued failed")
		return
	}
	if len(claimed) == 0 {
		return
	}

	idle, err := s.loadIdleInstances(ctx)
	if err != nil {
		logging.Log.WithError(err).Warn("scheduler: failed to load idle instances")
		return
	}

	now := time.Now()
	buckets := make(map[profileKey]*models.Job)

	for i := range claimed {
		job := &claimed[i]

		if job.DeadlinePassed(now) {
			s.failDeadlineExceeded(ctx, job, models.JobStatePending)
			continue
		}

		if s.ownerOverBudget(ctx, job) {
			// Budget brake (spec §4.8): refuse to schedule further work for an
			// owner who has already blown their cost ceiling. Leave the job
			// queued rather than failing it outright — it becomes schedulable
			// again once the Reaper's drain pass (or natural cost decay from a
			// job finishing) brings the owner back under budget.
			s.releaseClaim(ctx, job)
			continue
		}

		best, idx := bestFit(idle, job.ResourceProfile())
		if best == nil {
			key := profileKeyOf(job.ResourceProfile())
			if _, ok := buckets[key]; !ok {
				buckets[key] = job
			}
			s.releaseClaim(ctx, job)
			continue
		}

		assignment, err := s.appStore.BindAssignment(ctx, job.JobID, best.InstanceID)
		if err != nil {
			// Another scheduler instance in a multi-worker deployment won the
			// race; give the job back to the queue for the next tick.
			s.releaseClaim(ctx, job)
			continue
		}
		idle = append(idle[:idx], idle[idx+1:]...)

		s.bus.Publish(eventbus.Event{Type: eventbus.AssignmentBound, JobID: job.JobID, InstanceID: best.InstanceID, AssignmentID: assignment.AssignmentID})
		s.dispatcher.Dispatch(job, best, assignment)
	}

	for _, representative := range buckets {
		s.ensureCapacity(ctx, representative)
	}
}

// ownerOverBudget reports whether job's owner has already accrued cost past
// their ceiling, the Scheduler's half of the budget brake (spec §4.8): a job
// with no ceiling set is never refused on cost grounds.
func (s *Scheduler) ownerOverBudget(ctx context.Context, job *models.Job) bool {
	if job.CostCeiling == nil || *job.CostCeiling <= 0 {
		return false
	}
	decision, _ := costquota.EnforceQuota(ctx, s.appStore, job.Owner, 0, *job.CostCeiling)
	return decision == costquota.Deny
}

func (s *Scheduler) releaseClaim(ctx context.Context, job *models.Job) {
	if job.ClaimToken == nil {
		return
	}
	if err := s.appStore.ReleaseClaim(ctx, job.JobID, *job.ClaimToken); err != nil {
		logging.Log.WithError(err).WithField("job_id", job.JobID).Debug("scheduler: release_claim failed (likely already reclaimed)")
	}
}

func (s *Scheduler) failDeadlineExceeded(ctx context.Context, job *models.Job, from models.JobState) {
	err := s.appStore.TransitionJob(ctx, job.JobID, from, models.JobStateFailed, func(j *models.Job) {
		j.ErrorClass = "deadline_exceeded"
		j.ErrorMessage = "job deadline passed before a matching instance was found"
	})
	if err != nil {
		logging.Log.WithError(err).WithField("job_id", job.JobID).Warn("scheduler: failed to mark deadline-exceeded job failed")
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, JobID: job.JobID, Message: "deadline_exceeded"})
}

// failExpiredQueuedJobs fails any still-queued job whose deadline has
// already passed, since claim_queued would never surface it.
func (s *Scheduler) failExpiredQueuedJobs(ctx context.Context) {
	queued, err := s.appStore.ListJobs(ctx, map[string]interface{}{"status": models.JobStateQueued}, 1000, 0)
	if err != nil {
		logging.Log.WithError(err).Warn("scheduler: failed to list queued jobs for deadline sweep")
		return
	}
	now := time.Now()
	for i := range queued {
		if queued[i].Status != models.JobStateQueued {
			continue // defensive: some Store implementations don't filter server-side
		}
		if queued[i].DeadlinePassed(now) {
			s.failDeadlineExceeded(ctx, &queued[i], models.JobStateQueued)
		}
	}
}

// loadIdleInstances returns running instances with no live assignment.
func (s *Scheduler) loadIdleInstances(ctx context.Context) ([]*models.Instance, error) {
	running, err := s.appStore.ListInstances(ctx, map[string]interface{}{"status": models.InstanceStateRunning})
	if err != nil {
		return nil, err
	}

	idle := make([]*models.Instance, 0, len(running))
	for i := range running {
		inst := &running[i]
		if inst.Status != models.InstanceStateRunning {
			continue // defensive: some Store implementations don't filter server-side
		}
		assignments, err := s.appStore.ListAssignmentsByInstance(ctx, inst.InstanceID)
		if err != nil {
			continue
		}
		live := false
		for _, a := range assignments {
			if a.Status.IsLive() {
				live = true
				break
			}
		}
		if !live {
			idle = append(idle, inst)
		}
	}
	return idle, nil
}

// bestFit finds the smallest idle instance that still meets the requested
// profile, returning it and its index in idle.
func bestFit(idle []*models.Instance, requested models.ResourceProfile) (*models.Instance, int) {
	bestIdx := -1
	for i, inst := range idle {
		profile := inst.ResourceProfile()
		if !profile.Meets(requested) {
			continue
		}
		if bestIdx == -1 || smaller(profile, idle[bestIdx].ResourceProfile()) {
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return nil, -1
	}
	return idle[bestIdx], bestIdx
}

func smaller(a, b models.ResourceProfile) bool {
	if a.GPUCount != b.GPUCount {
		return a.GPUCount < b.GPUCount
	}
	return a.MemoryMB < b.MemoryMB
}

type profileKey struct {
	GPUModel string
	GPUCount int
}

func profileKeyOf(p models.ResourceProfile) profileKey {
	return profileKey{GPUModel: p.GPUModel, GPUCount: p.GPUCount}
}

// ensureCapacity asks the Provisioner for one new instance on behalf of a
// profile bucket, unless the provider(s) that could serve it are already at
// their lazy-growth budget of pending (requested/starting) instances (spec
// §4.5: "do NOT create one instance per queued job in the bucket").
func (s *Scheduler) ensureCapacity(ctx context.Context, representative *models.Job) {
	profile := representative.ResourceProfile()

	pendingCounts, err := s.pendingCountsByProvider(ctx)
	if err != nil {
		logging.Log.WithError(err).Warn("scheduler: failed to count pending instances")
		return
	}

	var offers []providers.Offer
	loads := make(map[string]costquota.ProviderLoad)
	for _, tag := range s.registry.Tags() {
		held := pendingCounts[tag]
		loads[tag] = costquota.ProviderLoad{HeldCount: held, SoftQuota: s.cfg.MaxPendingCreatesPerProvider}
		if held >= s.cfg.MaxPendingCreatesPerProvider {
			continue
		}
		tagOffers, err := s.registry.ListOffers(ctx, tag, profile)
		if err != nil {
			logging.Log.WithError(err).WithField("provider", tag).Debug("scheduler: list_offers failed")
			continue
		}
		offers = append(offers, tagOffers...)
	}

	if len(offers) == 0 {
		logging.Log.WithField("gpu_model", profile.GPUModel).WithField("gpu_count", profile.GPUCount).Debug("scheduler: no capacity available for profile bucket")
		return
	}

	ranked := costquota.RankOffers(representative, offers, loads)
	if len(ranked) == 0 {
		return
	}

	if _, err := s.prov.RequestCapacity(ctx, ranked[0]); err != nil {
		logging.Log.WithError(err).WithField("provider", ranked[0].ProviderTag).Warn("scheduler: request_capacity failed")
	}
}

func (s *Scheduler) pendingCountsByProvider(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, tag := range s.registry.Tags() {
		instances, err := s.appStore.ListInstances(ctx, map[string]interface{}{"provider_tag": tag})
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			if inst.ProviderTag != tag {
				continue
			}
			if inst.Status == models.InstanceStateRequested || inst.Status == models.InstanceStateStarting {
				counts[tag]++
			}
		}
	}
	return counts, nil
}
