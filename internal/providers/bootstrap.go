package providers

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/aima-platform/gpu-orchestrator/internal/config"
	"github.com/aima-platform/gpu-orchestrator/internal/worker"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/catalystcommunity/app-utils-go/logging"
	compute "google.golang.org/api/compute/v1"
)

// BuildRegistry constructs a Registry and registers one adapter per
// provider whose credentials/config are present in snap, skipping (with an
// info log) any provider that isn't fully configured so a deployment that
// only has, say, RunPod and a local pool still starts cleanly.
func BuildRegistry(ctx context.Context, snap *config.Snapshot) (*Registry, error) {
	reg := NewRegistry()

	if snap.RunPodAPIKey != "" {
		reg.Register(NewRunPodAdapter(snap.RunPodAPIKey, snap.RunPodBaseURL), snap.CircuitBreakerFailureRatio, snap.CircuitBreakerOpenTimeout)
	} else {
		logging.Log.Info("RunPod not configured (RUNPOD_API_KEY unset); skipping")
	}

	if snap.VastAPIKey != "" {
		reg.Register(NewVastAdapter(snap.VastAPIKey, snap.VastBaseURL), snap.CircuitBreakerFailureRatio, snap.CircuitBreakerOpenTimeout)
	} else {
		logging.Log.Info("Vast.ai not configured (VAST_API_KEY unset); skipping")
	}

	if snap.AWSAMIID != "" && snap.AWSSubnetID != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(snap.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := ec2.NewFromConfig(awsCfg)
		reg.Register(NewAWSAdapter(client, snap.AWSAMIID, snap.AWSSubnetID, snap.AWSKeyName, snap.AWSSecurityGroupIDs), snap.CircuitBreakerFailureRatio, snap.CircuitBreakerOpenTimeout)
	} else {
		logging.Log.Info("AWS not configured (AWS_AMI_ID/AWS_SUBNET_ID unset); skipping")
	}

	if snap.GCPProjectID != "" {
		svc, err := compute.NewService(ctx)
		if err != nil {
			return nil, fmt.Errorf("building GCP compute client: %w", err)
		}
		reg.Register(NewGCPAdapter(svc, snap.GCPProjectID, snap.GCPZone, snap.GCPNetwork, snap.GCPMachineType), snap.CircuitBreakerFailureRatio, snap.CircuitBreakerOpenTimeout)
	} else {
		logging.Log.Info("GCP not configured (GCP_PROJECT_ID unset); skipping")
	}

	if snap.AzureSubscriptionID != "" && snap.AzureResourceGroup != "" {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("building Azure credential: %w", err)
		}
		vmClient, err := armcompute.NewVirtualMachinesClient(snap.AzureSubscriptionID, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("building Azure compute client: %w", err)
		}
		reg.Register(NewAzureAdapter(vmClient, snap.AzureResourceGroup, snap.AzureLocation, snap.AzureSubnetID, snap.AzureImageID), snap.CircuitBreakerFailureRatio, snap.CircuitBreakerOpenTimeout)
	} else {
		logging.Log.Info("Azure not configured (AZURE_SUBSCRIPTION_ID/AZURE_RESOURCE_GROUP unset); skipping")
	}

	runner, err := worker.NewJobRunner(snap.LocalRunnerBackend)
	if err != nil {
		logging.Log.WithError(err).Warn("local runner unavailable; local provider pool disabled")
	} else {
		reg.Register(NewLocalAdapter(runner, snap.ControlChannelBaseURL), snap.CircuitBreakerFailureRatio, snap.CircuitBreakerOpenTimeout)
	}

	if len(reg.Tags()) == 0 {
		return nil, fmt.Errorf("no provider adapters configured; set at least one provider's credentials or a working local runner")
	}
	return reg, nil
}
