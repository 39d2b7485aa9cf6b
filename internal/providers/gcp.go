package providers

import (
	"context"
	"fmt"

	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	compute "google.golang.org/api/compute/v1"
)

// gcpAcceleratorsByModel maps a requested GPU model to the GCE accelerator
// type that carries it.
var gcpAcceleratorsByModel = map[string]string{
	"a100": "nvidia-tesla-a100",
	"v100": "nvidia-tesla-v100",
	"t4":   "nvidia-tesla-t4",
}

// GCPAdapter provisions GPU capacity on Google Compute Engine.
type GCPAdapter struct {
	svc       *compute.Service
	project   string
	zone      string
	network   string
	machineType string
}

// NewGCPAdapter builds a GCPAdapter from a preconfigured compute.Service.
func NewGCPAdapter(svc *compute.Service, project, zone, network, machineType string) *GCPAdapter {
	return &GCPAdapter{svc: svc, project: project, zone: zone, network: network, machineType: machineType}
}

func (a *GCPAdapter) Tag() string { return "gcp" }

// ListOffers reports the accelerator type for the requested GPU model at a
// static estimated price; GCE's real-time pricing API isn't worth a call on
// every schedule tick.
func (a *GCPAdapter) ListOffers(ctx context.Context, profile models.ResourceProfile) ([]Offer, Outcome, error) {
	accel, ok := gcpAcceleratorsByModel[profile.GPUModel]
	if !ok {
		return nil, OutcomeFatal, fmt.Errorf("no known GCE accelerator for GPU model %q", profile.GPUModel)
	}
	return []Offer{{
		ProviderTag:      a.Tag(),
		OfferID:          accel,
		Profile:          profile,
		HourlyPriceCents: estimatedGCPHourlyPriceCents(accel),
		Region:           a.zone,
	}}, OutcomeOk, nil
}

func estimatedGCPHourlyPriceCents(accel string) int64 {
	switch accel {
	case "nvidia-tesla-a100":
		return 295
	case "nvidia-tesla-v100":
		return 248
	case "nvidia-tesla-t4":
		return 35
	default:
		return 0
	}
}

// CreateInstance inserts a GCE instance with the requested accelerator
// attached, carrying the bootstrap token and control-channel URL via
// instance metadata.
func (a *GCPAdapter) CreateInstance(ctx context.Context, req CreateInstanceRequest) (CreateInstanceResult, Outcome, error) {
	name := fmt.Sprintf("aima-%s", req.OfferID)
	instance := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", a.zone, a.machineType),
		GuestAccelerators: []*compute.AcceleratorConfig{{
			AcceleratorType:  fmt.Sprintf("zones/%s/acceleratorTypes/%s", a.zone, req.OfferID),
			AcceleratorCount: 1,
		}},
		Metadata: &compute.Metadata{
			Items: []*compute.MetadataItems{
				{Key: "control-channel-url", Value: &req.ControlChannelURL},
				{Key: "bootstrap-token", Value: &req.BootstrapToken},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{{Network: a.network}},
	}

	op, err := a.svc.Instances.Insert(a.project, a.zone, instance).Context(ctx).Do()
	if err != nil {
		return CreateInstanceResult{}, OutcomeRetryable, err
	}
	if op.Error != nil && len(op.Error.Errors) > 0 {
		return CreateInstanceResult{}, OutcomeFatal, fmt.Errorf("gce insert failed: %s", op.Error.Errors[0].Message)
	}

	return CreateInstanceResult{ProviderInstanceID: name}, OutcomeOk, nil
}

// ObserveInstance polls the instance's current GCE status.
func (a *GCPAdapter) ObserveInstance(ctx context.Context, providerInstanceID string) (ObserveResult, Outcome, error) {
	inst, err := a.svc.Instances.Get(a.project, a.zone, providerInstanceID).Context(ctx).Do()
	if err != nil {
		return ObserveResult{}, OutcomeRetryable, err
	}
	switch inst.Status {
	case "RUNNING":
		result := ObserveResult{Running: true}
		for _, iface := range inst.NetworkInterfaces {
			if iface.NetworkIP != "" {
				result.ExternalAddress = iface.NetworkIP
				break
			}
		}
		return result, OutcomeOk, nil
	case "TERMINATED", "STOPPING":
		return ObserveResult{Terminated: true}, OutcomeOk, nil
	default:
		return ObserveResult{}, OutcomeOk, nil
	}
}

// TerminateInstance deletes the GCE instance.
func (a *GCPAdapter) TerminateInstance(ctx context.Context, providerInstanceID string) (Outcome, error) {
	_, err := a.svc.Instances.Delete(a.project, a.zone, providerInstanceID).Context(ctx).Do()
	if err != nil {
		return OutcomeRetryable, err
	}
	return OutcomeOk, nil
}

// Health issues a cheap read-only call to confirm credentials still work.
func (a *GCPAdapter) Health(ctx context.Context) (Outcome, error) {
	_, err := a.svc.Zones.Get(a.project, a.zone).Context(ctx).Do()
	if err != nil {
		return OutcomeRetryable, err
	}
	return OutcomeOk, nil
}

// ListHeldInstances lists every GCE instance this orchestrator created in
// its zone, identified by the "aima-" name prefix CreateInstance uses (spec
// §4.7 provider reconciliation).
func (a *GCPAdapter) ListHeldInstances(ctx context.Context) ([]string, Outcome, error) {
	var ids []string
	call := a.svc.Instances.List(a.project, a.zone).Filter(`name eq "aima-.*"`).Context(ctx)
	err := call.Pages(ctx, func(page *compute.InstanceList) error {
		for _, inst := range page.Items {
			ids = append(ids, inst.Name)
		}
		return nil
	})
	if err != nil {
		return nil, OutcomeRetryable, err
	}
	return ids, OutcomeOk, nil
}

var _ Adapter = (*GCPAdapter)(nil)
