package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
)

// runpodGPUIDsByModel maps a requested GPU model to RunPod's own GPU type
// identifier, as used in its GraphQL/REST API.
var runpodGPUIDsByModel = map[string]string{
	"a100": "NVIDIA A100 80GB PCIe",
	"v100": "NVIDIA V100",
	"t4":   "NVIDIA T4",
}

// RunPodAdapter provisions GPU pods on RunPod's community/secure cloud.
//
// RunPod has no published Go SDK and none of the example repos import a
// general-purpose REST client library, so this adapter talks to RunPod's
// REST API directly over net/http.
type RunPodAdapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewRunPodAdapter builds a RunPodAdapter. baseURL defaults to RunPod's
// public REST endpoint when empty.
func NewRunPodAdapter(apiKey, baseURL string) *RunPodAdapter {
	if baseURL == "" {
		baseURL = "https://rest.runpod.io/v1"
	}
	return &RunPodAdapter{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

func (a *RunPodAdapter) Tag() string { return "runpod" }

type runpodGPUType struct {
	ID                 string  `json:"id"`
	SecureCloud        bool    `json:"secureCloud"`
	CommunityPrice     float64 `json:"communityPrice"`
	SecurePrice        float64 `json:"securePrice"`
}

// ListOffers queries RunPod's GPU type catalog for the requested model's
// current spot price.
func (a *RunPodAdapter) ListOffers(ctx context.Context, profile models.ResourceProfile) ([]Offer, Outcome, error) {
	gpuID, ok := runpodGPUIDsByModel[profile.GPUModel]
	if !ok {
		return nil, OutcomeFatal, fmt.Errorf("no known RunPod GPU type for GPU model %q", profile.GPUModel)
	}

	var gpuTypes []runpodGPUType
	if err := a.doJSON(ctx, http.MethodGet, "/gputypes", nil, &gpuTypes); err != nil {
		return nil, OutcomeRetryable, err
	}

	for _, gt := range gpuTypes {
		if gt.ID != gpuID {
			continue
		}
		price := gt.CommunityPrice
		if gt.SecurePrice > 0 {
			price = gt.SecurePrice
		}
		return []Offer{{
			ProviderTag:      a.Tag(),
			OfferID:          gt.ID,
			Profile:          profile,
			HourlyPriceCents: int64(price * 100),
			Region:           "runpod",
		}}, OutcomeOk, nil
	}
	return nil, OutcomeRetryable, fmt.Errorf("RunPod GPU type %q currently unavailable", gpuID)
}

type runpodCreatePodRequest struct {
	Name            string            `json:"name"`
	ImageName       string            `json:"imageName"`
	GPUTypeID       string            `json:"gpuTypeId"`
	GPUCount        int               `json:"gpuCount"`
	Env             map[string]string `json:"env"`
	CloudType       string            `json:"cloudType"`
}

type runpodPod struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	DesiredStatus string `json:"desiredStatus"`
	Runtime      *struct {
		Ports []struct {
			IP          string `json:"ip"`
			PublicPort  int    `json:"publicPort"`
		} `json:"ports"`
	} `json:"runtime"`
}

// CreateInstance launches a RunPod pod carrying the bootstrap token and
// control-channel URL as container env vars.
func (a *RunPodAdapter) CreateInstance(ctx context.Context, req CreateInstanceRequest) (CreateInstanceResult, Outcome, error) {
	body := runpodCreatePodRequest{
		Name:      fmt.Sprintf("aima-%s", req.OfferID),
		ImageName: "aima-platform/gpu-worker-agent:latest",
		GPUTypeID: req.OfferID,
		GPUCount:  req.Profile.GPUCount,
		CloudType: "SECURE",
		Env: map[string]string{
			"CONTROL_CHANNEL_URL": req.ControlChannelURL,
			"BOOTSTRAP_TOKEN":     req.BootstrapToken,
		},
	}

	var pod runpodPod
	if err := a.doJSON(ctx, http.MethodPost, "/pods", body, &pod); err != nil {
		return CreateInstanceResult{}, OutcomeRetryable, err
	}
	return CreateInstanceResult{ProviderInstanceID: pod.ID}, OutcomeOk, nil
}

// ObserveInstance polls the pod's current status.
func (a *RunPodAdapter) ObserveInstance(ctx context.Context, providerInstanceID string) (ObserveResult, Outcome, error) {
	var pod runpodPod
	if err := a.doJSON(ctx, http.MethodGet, "/pods/"+providerInstanceID, nil, &pod); err != nil {
		return ObserveResult{}, OutcomeRetryable, err
	}

	switch pod.DesiredStatus {
	case "RUNNING":
		result := ObserveResult{Running: true}
		if pod.Runtime != nil && len(pod.Runtime.Ports) > 0 {
			result.ExternalAddress = pod.Runtime.Ports[0].IP
			result.ExternalPort = pod.Runtime.Ports[0].PublicPort
		}
		return result, OutcomeOk, nil
	case "TERMINATED", "EXITED":
		return ObserveResult{Terminated: true}, OutcomeOk, nil
	default:
		return ObserveResult{}, OutcomeOk, nil
	}
}

// TerminateInstance stops and removes the pod.
func (a *RunPodAdapter) TerminateInstance(ctx context.Context, providerInstanceID string) (Outcome, error) {
	if err := a.doJSON(ctx, http.MethodDelete, "/pods/"+providerInstanceID, nil, nil); err != nil {
		return OutcomeRetryable, err
	}
	return OutcomeOk, nil
}

// Health issues a cheap catalog read to confirm the API key still works.
func (a *RunPodAdapter) Health(ctx context.Context) (Outcome, error) {
	var gpuTypes []runpodGPUType
	if err := a.doJSON(ctx, http.MethodGet, "/gputypes", nil, &gpuTypes); err != nil {
		return OutcomeRetryable, err
	}
	return OutcomeOk, nil
}

func (a *RunPodAdapter) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("RunPod API returned status %d for %s %s", resp.StatusCode, method, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListHeldInstances lists every pod this orchestrator created, identified by
// the "aima-" name prefix CreateInstance uses (spec §4.7 provider
// reconciliation).
func (a *RunPodAdapter) ListHeldInstances(ctx context.Context) ([]string, Outcome, error) {
	var pods []runpodPod
	if err := a.doJSON(ctx, http.MethodGet, "/pods", nil, &pods); err != nil {
		return nil, OutcomeRetryable, err
	}
	var ids []string
	for _, p := range pods {
		if !strings.HasPrefix(p.Name, "aima-") {
			continue
		}
		ids = append(ids, p.ID)
	}
	return ids, OutcomeOk, nil
}

var _ Adapter = (*RunPodAdapter)(nil)
