package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// gpuInstanceTypesByModel maps a requested GPU model name to the EC2
// instance type that carries it, narrowed to the handful AIMA workloads
// actually use.
var gpuInstanceTypesByModel = map[string]ec2types.InstanceType{
	"a100": ec2types.InstanceTypeP4d24xlarge,
	"v100": ec2types.InstanceTypeP32xlarge,
	"t4":   ec2types.InstanceTypeG4dnXlarge,
}

// AWSAdapter provisions GPU capacity on EC2 (spec §1: RunPod/Vast/AWS/GCP/Azure).
type AWSAdapter struct {
	client      *ec2.Client
	amiID       string
	subnetID    string
	keyName     string
	secGroupIDs []string
}

// NewAWSAdapter builds an AWSAdapter from a preconfigured ec2.Client.
func NewAWSAdapter(client *ec2.Client, amiID, subnetID, keyName string, secGroupIDs []string) *AWSAdapter {
	return &AWSAdapter{client: client, amiID: amiID, subnetID: subnetID, keyName: keyName, secGroupIDs: secGroupIDs}
}

func (a *AWSAdapter) Tag() string { return "aws" }

// ListOffers reports the on-demand instance type matching the requested GPU
// model; AWS doesn't expose a spot-market quote API cheaply enough to call
// on every schedule tick, so pricing here is the adapter's own static table,
// refreshed out of band.
func (a *AWSAdapter) ListOffers(ctx context.Context, profile models.ResourceProfile) ([]Offer, Outcome, error) {
	instanceType, ok := gpuInstanceTypesByModel[profile.GPUModel]
	if !ok {
		return nil, OutcomeFatal, fmt.Errorf("no known EC2 instance type for GPU model %q", profile.GPUModel)
	}

	return []Offer{{
		ProviderTag:      a.Tag(),
		OfferID:          string(instanceType),
		Profile:          profile,
		HourlyPriceCents: estimatedHourlyPriceCents(instanceType),
		Region:           "",
	}}, OutcomeOk, nil
}

func estimatedHourlyPriceCents(instanceType ec2types.InstanceType) int64 {
	switch instanceType {
	case ec2types.InstanceTypeP4d24xlarge:
		return 3276
	case ec2types.InstanceTypeP32xlarge:
		return 306
	case ec2types.InstanceTypeG4dnXlarge:
		return 53
	default:
		return 0
	}
}

// CreateInstance launches an EC2 instance of the offer's instance type,
// carrying the bootstrap token and control-channel URL via user-data so the
// worker agent AMI can dial back in on first boot.
func (a *AWSAdapter) CreateInstance(ctx context.Context, req CreateInstanceRequest) (CreateInstanceResult, Outcome, error) {
	userData := fmt.Sprintf("CONTROL_CHANNEL_URL=%s\nBOOTSTRAP_TOKEN=%s\n", req.ControlChannelURL, req.BootstrapToken)

	out, err := a.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(a.amiID),
		InstanceType:     ec2types.InstanceType(req.OfferID),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SubnetId:         aws.String(a.subnetID),
		KeyName:          aws.String(a.keyName),
		SecurityGroupIds: a.secGroupIDs,
		UserData:         aws.String(userData),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         []ec2types.Tag{{Key: aws.String("ManagedBy"), Value: aws.String(managedByTagValue)}},
		}},
	})
	if err != nil {
		return CreateInstanceResult{}, OutcomeRetryable, err
	}
	if len(out.Instances) == 0 {
		return CreateInstanceResult{}, OutcomeRetryable, fmt.Errorf("ec2 RunInstances returned no instances")
	}

	inst := out.Instances[0]
	return CreateInstanceResult{ProviderInstanceID: aws.ToString(inst.InstanceId)}, OutcomeOk, nil
}

// ObserveInstance polls the instance's current EC2 state.
func (a *AWSAdapter) ObserveInstance(ctx context.Context, providerInstanceID string) (ObserveResult, Outcome, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{providerInstanceID},
	})
	if err != nil {
		return ObserveResult{}, OutcomeRetryable, err
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			switch inst.State.Name {
			case ec2types.InstanceStateNameRunning:
				result := ObserveResult{Running: true}
				if inst.PublicIpAddress != nil {
					result.ExternalAddress = aws.ToString(inst.PublicIpAddress)
				}
				return result, OutcomeOk, nil
			case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameStopped:
				return ObserveResult{Terminated: true}, OutcomeOk, nil
			}
		}
	}
	return ObserveResult{}, OutcomeOk, nil
}

// TerminateInstance terminates the EC2 instance. Terminating an instance AWS
// no longer knows about is reported Ok, matching the interface's
// idempotency contract.
func (a *AWSAdapter) TerminateInstance(ctx context.Context, providerInstanceID string) (Outcome, error) {
	_, err := a.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{providerInstanceID},
	})
	if err != nil {
		if strings.Contains(err.Error(), "InvalidInstanceID.NotFound") {
			return OutcomeOk, nil
		}
		return OutcomeRetryable, err
	}
	return OutcomeOk, nil
}

// Health checks AWS credentials are usable by issuing a cheap, read-only call.
func (a *AWSAdapter) Health(ctx context.Context) (Outcome, error) {
	_, err := a.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return OutcomeRetryable, err
	}
	return OutcomeOk, nil
}

// managedByTagValue marks instances this orchestrator created, so
// ListHeldInstances can tell them apart from unrelated EC2 instances in the
// same account during the Reaper's provider reconciliation pass (spec §4.7).
const managedByTagValue = "aima-gpu-orchestrator"

// ListHeldInstances lists every non-terminated EC2 instance this orchestrator
// created, for the Reaper to reconcile against its own store.
func (a *AWSAdapter) ListHeldInstances(ctx context.Context) ([]string, Outcome, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:ManagedBy"), Values: []string{managedByTagValue}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, OutcomeRetryable, err
	}

	var ids []string
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			ids = append(ids, aws.ToString(inst.InstanceId))
		}
	}
	return ids, OutcomeOk, nil
}

var _ Adapter = (*AWSAdapter)(nil)
