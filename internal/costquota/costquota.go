// Package costquota implements pricing lookup, offer ranking, and per-owner
// budget enforcement (spec §4.3). It holds no independent state: every
// operation is a pure function over values the caller already read from the
// Job Store, plus the accrual loop which is the one operation that writes.
package costquota

import (
	"context"
	"sort"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/metrics"
	"github.com/aima-platform/gpu-orchestrator/internal/providers"
	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"github.com/catalystcommunity/app-utils-go/logging"
)

// expectedDurationByKind is the static per-kind duration table estimate_cost
// uses; this system does not learn durations from history (spec §4.3).
var expectedDurationByKind = map[models.JobKind]time.Duration{
	models.JobKindLLaVA:     8 * time.Minute,
	models.JobKindLLaMA:     12 * time.Minute,
	models.JobKindTraining:  4 * time.Hour,
	models.JobKindBatch:     30 * time.Minute,
	models.JobKindInference: 3 * time.Minute,
	models.JobKindCustom:    15 * time.Minute,
}

func expectedDuration(kind models.JobKind) time.Duration {
	if d, ok := expectedDurationByKind[kind]; ok {
		return d
	}
	return 15 * time.Minute
}

// ProviderLoad reports how many instances the orchestrator currently holds
// against a provider versus its configured soft quota, for tie-breaking.
type ProviderLoad struct {
	HeldCount int
	SoftQuota int
}

// headroom is how far a provider is below its soft quota; higher sorts
// first in a tie (spec §4.3 "prefer the provider... furthest below its
// soft quota, to spread load").
func (p ProviderLoad) headroom() int {
	if p.SoftQuota <= 0 {
		return 1 << 30 // unbounded quota: maximal headroom, never the tie limiter
	}
	return p.SoftQuota - p.HeldCount
}

// RankOffers scores and sorts offers for a job (spec §4.3 rank_offers).
// Score = suitability / (hourly price * expected duration); suitability is
// 1 if the offer's profile meets the job's requested minimum, 0 otherwise.
// Unsuitable offers are dropped rather than merely scored to zero, since a
// zero-score offer would still sort above nothing and could be picked by an
// empty-aware caller.
func RankOffers(job *models.Job, offers []providers.Offer, loads map[string]ProviderLoad) []providers.Offer {
	requested := job.ResourceProfile()
	duration := expectedDuration(job.Kind)

	suitable := make([]providers.Offer, 0, len(offers))
	for _, o := range offers {
		if o.Profile.Meets(requested) {
			suitable = append(suitable, o)
		}
	}

	scoreOf := func(o providers.Offer) float64 {
		cost := EstimateCost(job, o)
		if cost <= 0 {
			return 0
		}
		return 1.0 / float64(cost)
	}

	sort.SliceStable(suitable, func(i, j int) bool {
		si, sj := scoreOf(suitable[i]), scoreOf(suitable[j])
		if si != sj {
			return si > sj
		}
		li, lj := loads[suitable[i].ProviderTag], loads[suitable[j].ProviderTag]
		if li.headroom() != lj.headroom() {
			return li.headroom() > lj.headroom()
		}
		return suitable[i].ProviderTag < suitable[j].ProviderTag
	})

	_ = duration // duration only feeds EstimateCost; kept local for readability
	return suitable
}

// EstimateCost returns the offer's hourly rate times the job kind's expected
// duration, in whole cents (spec §4.3 estimate_cost).
func EstimateCost(job *models.Job, offer providers.Offer) int64 {
	duration := expectedDuration(job.Kind)
	hours := duration.Hours()
	return int64(float64(offer.HourlyPriceCents) * hours)
}

// admissionRateCentsPerGPUHour is the per-GPU hourly rate used to estimate a
// job's cost at submission time, before any provider offer has been picked.
// It is deliberately conservative (roughly the upper end of observed spot
// pricing) since overestimating here only makes enforce_quota reject sooner,
// never later.
const admissionRateCentsPerGPUHour = 400

// EstimateJobCostCents approximates what a job will cost before any offer
// has been selected, for the submission-time quota check (spec §4.3
// enforce_quota's "queued-and-pending job estimates"). Once the job is bound
// to a real offer, EstimateCost supersedes this estimate.
func EstimateJobCostCents(job *models.Job) int64 {
	gpuCount := job.GPUCount
	if gpuCount <= 0 {
		gpuCount = 1
	}
	hours := expectedDuration(job.Kind).Hours()
	return int64(hours * float64(gpuCount) * admissionRateCentsPerGPUHour)
}

// Decision is the result of a quota check.
type Decision int

const (
	Allow Decision = iota
	Deny
)

// EnforceQuota sums every cost-ledger entry ever charged to the owner plus
// the new cost, comparing against ceilingCents (0 means no ceiling). The
// estimated cost of the owner's queued or pending jobs is not included in
// the sum. Returns Deny
// with a reason string when the total would exceed it (spec §4.3
// enforce_quota).
func EnforceQuota(ctx context.Context, appStore store.Store, owner string, newCostCents, ceilingCents int64) (Decision, string) {
	if ceilingCents <= 0 {
		return Allow, ""
	}

	accrued, err := appStore.SumCostSince(ctx, owner, time.Time{})
	if err != nil {
		logging.Log.WithError(err).WithField("owner", owner).Warn("failed to sum accrued cost for quota check")
		return Allow, "" // fail open: a store error here shouldn't block submission
	}

	if accrued+newCostCents > ceilingCents {
		metrics.RecordQuotaDenial(owner)
		return Deny, "owner cost ceiling exceeded"
	}
	return Allow, ""
}

// AccrueInstance computes the elapsed time since the instance's last ledger
// entry (or its start time, if none) and appends a new cost-ledger entry for
// that span, updating the instance's accumulated cost (spec §4.8). Called
// once per minute per non-terminal instance, and once more with a final
// partial-minute entry at termination.
func AccrueInstance(ctx context.Context, appStore store.Store, instance *models.Instance, now time.Time) error {
	entries, err := appStore.ListCostLedger(ctx, instance.InstanceID)
	if err != nil {
		return err
	}

	periodStart := instance.StartedAt
	if periodStart == nil {
		periodStart = &instance.CreatedAt
	}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		periodStart = &last.PeriodEnd
	}
	if !periodStart.Before(now) {
		return nil // nothing elapsed yet
	}

	elapsedHours := now.Sub(*periodStart).Hours()
	accrued := int64(elapsedHours * float64(instance.HourlyPriceCents))

	entry := &models.CostLedgerEntry{
		InstanceID:       instance.InstanceID,
		Owner:            ownerOf(ctx, appStore, instance),
		PeriodStart:      *periodStart,
		PeriodEnd:        now,
		RateCentsPerHour: instance.HourlyPriceCents,
		AccruedCents:     accrued,
	}
	if err := appStore.AppendCost(ctx, entry); err != nil {
		return err
	}
	metrics.RecordCostAccrued(instance.ProviderTag, accrued)

	return appStore.TransitionInstance(ctx, instance.InstanceID, instance.Status, instance.Status, func(i *models.Instance) {
		i.AccumulatedCostCents += accrued
	})
}

// ownerOf attributes this accrual period to whoever's job is currently
// (or was most recently) live on the instance. An instance can serve many
// owners' jobs over its lifetime, so this is a best-effort attribution of
// the period just elapsed, not a lifetime owner; idle periods with no live
// assignment fall back to a per-provider bucket so the cost is still
// visible somewhere.
func ownerOf(ctx context.Context, appStore store.Store, instance *models.Instance) string {
	assignments, err := appStore.ListAssignmentsByInstance(ctx, instance.InstanceID)
	if err == nil {
		for i := len(assignments) - 1; i >= 0; i-- {
			if !assignments[i].Status.IsLive() {
				continue
			}
			if job, jerr := appStore.GetJobByID(ctx, assignments[i].JobID); jerr == nil {
				return job.Owner
			}
		}
	}
	return "unattributed:" + instance.ProviderTag
}

// Run ticks AccrueInstance for every non-terminal instance once per
// interval until ctx is cancelled (spec §4.8 "runs once per minute").
func Run(ctx context.Context, appStore store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			instances, err := appStore.ListInstances(ctx, nil)
			if err != nil {
				logging.Log.WithError(err).Warn("cost accrual: failed to list instances")
				continue
			}
			for i := range instances {
				inst := instances[i]
				if inst.Status.IsTerminal() {
					continue
				}
				if err := AccrueInstance(ctx, appStore, &inst, now); err != nil {
					logging.Log.WithError(err).WithField("instance_id", inst.InstanceID).Warn("cost accrual failed")
				}
			}
		}
	}
}
