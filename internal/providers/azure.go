package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
)

// azureVMSizesByModel maps a requested GPU model to the Azure VM size that
// carries it, narrowed to the NC/ND GPU families.
var azureVMSizesByModel = map[string]string{
	"a100": "Standard_NC24ads_A100_v4",
	"v100": "Standard_NC6s_v3",
	"t4":   "Standard_NC4as_T4_v3",
}

// AzureAdapter provisions GPU capacity on Azure via armcompute.
type AzureAdapter struct {
	vmClient      *armcompute.VirtualMachinesClient
	resourceGroup string
	location      string
	subnetID      string
	imageID       string
}

// NewAzureAdapter builds an AzureAdapter from a preconfigured
// armcompute.VirtualMachinesClient (constructed by the caller with
// azidentity credentials).
func NewAzureAdapter(vmClient *armcompute.VirtualMachinesClient, resourceGroup, location, subnetID, imageID string) *AzureAdapter {
	return &AzureAdapter{vmClient: vmClient, resourceGroup: resourceGroup, location: location, subnetID: subnetID, imageID: imageID}
}

func (a *AzureAdapter) Tag() string { return "azure" }

// ListOffers reports the VM size matching the requested GPU model at a
// static estimated price; Azure's retail pricing API is a separate,
// unauthenticated REST endpoint not worth calling on every schedule tick.
func (a *AzureAdapter) ListOffers(ctx context.Context, profile models.ResourceProfile) ([]Offer, Outcome, error) {
	size, ok := azureVMSizesByModel[profile.GPUModel]
	if !ok {
		return nil, OutcomeFatal, fmt.Errorf("no known Azure VM size for GPU model %q", profile.GPUModel)
	}
	return []Offer{{
		ProviderTag:      a.Tag(),
		OfferID:          size,
		Profile:          profile,
		HourlyPriceCents: estimatedAzureHourlyPriceCents(size),
		Region:           a.location,
	}}, OutcomeOk, nil
}

func estimatedAzureHourlyPriceCents(size string) int64 {
	switch size {
	case "Standard_NC24ads_A100_v4":
		return 371
	case "Standard_NC6s_v3":
		return 313
	case "Standard_NC4as_T4_v3":
		return 53
	default:
		return 0
	}
}

// CreateInstance begins an async VM creation with the bootstrap token and
// control-channel URL passed through custom data, polling the poller to
// completion before reporting back.
func (a *AzureAdapter) CreateInstance(ctx context.Context, req CreateInstanceRequest) (CreateInstanceResult, Outcome, error) {
	vmName := fmt.Sprintf("aima-%s", req.OfferID)
	customData := fmt.Sprintf("CONTROL_CHANNEL_URL=%s\nBOOTSTRAP_TOKEN=%s\n", req.ControlChannelURL, req.BootstrapToken)

	poller, err := a.vmClient.BeginCreateOrUpdate(ctx, a.resourceGroup, vmName, armcompute.VirtualMachine{
		Location: &a.location,
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: (*armcompute.VirtualMachineSizeTypes)(&req.OfferID),
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName: &vmName,
				CustomData:   &customData,
			},
		},
	}, nil)
	if err != nil {
		return CreateInstanceResult{}, OutcomeRetryable, err
	}

	result, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return CreateInstanceResult{}, OutcomeRetryable, err
	}

	providerID := vmName
	if result.ID != nil {
		providerID = *result.ID
	}
	return CreateInstanceResult{ProviderInstanceID: providerID}, OutcomeOk, nil
}

// ObserveInstance polls the VM's instance view for its power state.
func (a *AzureAdapter) ObserveInstance(ctx context.Context, providerInstanceID string) (ObserveResult, Outcome, error) {
	resp, err := a.vmClient.InstanceView(ctx, a.resourceGroup, providerInstanceID, nil)
	if err != nil {
		return ObserveResult{}, OutcomeRetryable, err
	}
	for _, status := range resp.Statuses {
		if status.Code == nil {
			continue
		}
		switch *status.Code {
		case "PowerState/running":
			return ObserveResult{Running: true}, OutcomeOk, nil
		case "PowerState/deallocated", "PowerState/stopped":
			return ObserveResult{Terminated: true}, OutcomeOk, nil
		}
	}
	return ObserveResult{}, OutcomeOk, nil
}

// TerminateInstance deletes the VM.
func (a *AzureAdapter) TerminateInstance(ctx context.Context, providerInstanceID string) (Outcome, error) {
	poller, err := a.vmClient.BeginDelete(ctx, a.resourceGroup, providerInstanceID, nil)
	if err != nil {
		return OutcomeRetryable, err
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return OutcomeRetryable, err
	}
	return OutcomeOk, nil
}

// Health issues a cheap listing call to confirm credentials still work.
func (a *AzureAdapter) Health(ctx context.Context) (Outcome, error) {
	pager := a.vmClient.NewListPager(a.resourceGroup, nil)
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			return OutcomeRetryable, err
		}
	}
	return OutcomeOk, nil
}

// ListHeldInstances lists every VM this orchestrator created in its resource
// group, identified by the "aima-" name prefix CreateInstance uses (spec
// §4.7 provider reconciliation).
func (a *AzureAdapter) ListHeldInstances(ctx context.Context) ([]string, Outcome, error) {
	var ids []string
	pager := a.vmClient.NewListPager(a.resourceGroup, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, OutcomeRetryable, err
		}
		for _, vm := range page.Value {
			if vm.Name == nil || !strings.HasPrefix(*vm.Name, "aima-") {
				continue
			}
			ids = append(ids, *vm.Name)
		}
	}
	return ids, OutcomeOk, nil
}

var _ Adapter = (*AzureAdapter)(nil)
