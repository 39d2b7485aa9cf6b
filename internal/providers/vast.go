package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
)

// vastGPUNamesByModel maps a requested GPU model to the GPU name string
// Vast.ai's search API expects.
var vastGPUNamesByModel = map[string]string{
	"a100": "A100_SXM4",
	"v100": "V100",
	"t4":   "T4",
}

// VastAdapter provisions GPU instances on the Vast.ai spot marketplace.
//
// Vast.ai has no published Go SDK; like RunPod, its API is plain REST/JSON
// and none of the example repos bring in a general-purpose REST client, so
// this adapter also talks to it directly over net/http.
type VastAdapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewVastAdapter builds a VastAdapter. baseURL defaults to Vast.ai's public
// API endpoint when empty.
func NewVastAdapter(apiKey, baseURL string) *VastAdapter {
	if baseURL == "" {
		baseURL = "https://console.vast.ai/api/v0"
	}
	return &VastAdapter{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

func (a *VastAdapter) Tag() string { return "vast" }

type vastOffer struct {
	ID        int64   `json:"id"`
	GPUName   string  `json:"gpu_name"`
	NumGPUs   int     `json:"num_gpus"`
	DPHTotal  float64 `json:"dph_total"`
	GeoLocode string  `json:"geolocation"`
}

type vastSearchResponse struct {
	Offers []vastOffer `json:"offers"`
}

// ListOffers searches Vast.ai's live marketplace for the cheapest available
// offer matching the requested GPU model and count.
func (a *VastAdapter) ListOffers(ctx context.Context, profile models.ResourceProfile) ([]Offer, Outcome, error) {
	gpuName, ok := vastGPUNamesByModel[profile.GPUModel]
	if !ok {
		return nil, OutcomeFatal, fmt.Errorf("no known Vast.ai GPU name for GPU model %q", profile.GPUModel)
	}

	query := map[string]interface{}{
		"gpu_name": map[string]string{"eq": gpuName},
		"num_gpus": map[string]int{"gte": profile.GPUCount},
		"rentable": map[string]bool{"eq": true},
		"order":    []interface{}{[]interface{}{"dph_total", "asc"}},
	}

	var searchResp vastSearchResponse
	if err := a.doJSON(ctx, http.MethodPut, "/bundles", map[string]interface{}{"q": query}, &searchResp); err != nil {
		return nil, OutcomeRetryable, err
	}
	if len(searchResp.Offers) == 0 {
		return nil, OutcomeRetryable, fmt.Errorf("no Vast.ai offers currently available for %q x%d", gpuName, profile.GPUCount)
	}

	offers := make([]Offer, 0, len(searchResp.Offers))
	for _, o := range searchResp.Offers {
		offers = append(offers, Offer{
			ProviderTag:      a.Tag(),
			OfferID:          fmt.Sprintf("%d", o.ID),
			Profile:          profile,
			HourlyPriceCents: int64(o.DPHTotal * 100),
			Region:           o.GeoLocode,
		})
	}
	return offers, OutcomeOk, nil
}

type vastCreateInstanceResponse struct {
	Success    bool  `json:"success"`
	NewContract int64 `json:"new_contract"`
}

// CreateInstance rents the given offer ID and launches the worker agent
// image with the bootstrap token and control-channel URL as env vars.
func (a *VastAdapter) CreateInstance(ctx context.Context, req CreateInstanceRequest) (CreateInstanceResult, Outcome, error) {
	body := map[string]interface{}{
		"client_id": "me",
		"image":     "aima-platform/gpu-worker-agent:latest",
		"env": map[string]string{
			"CONTROL_CHANNEL_URL": req.ControlChannelURL,
			"BOOTSTRAP_TOKEN":     req.BootstrapToken,
		},
		"disk": 20,
	}

	var createResp vastCreateInstanceResponse
	if err := a.doJSON(ctx, http.MethodPut, "/asks/"+req.OfferID+"/", body, &createResp); err != nil {
		return CreateInstanceResult{}, OutcomeRetryable, err
	}
	if !createResp.Success {
		return CreateInstanceResult{}, OutcomeRetryable, fmt.Errorf("Vast.ai rejected offer %s", req.OfferID)
	}

	return CreateInstanceResult{ProviderInstanceID: fmt.Sprintf("%d", createResp.NewContract)}, OutcomeOk, nil
}

type vastInstance struct {
	ID          int64  `json:"id"`
	ActualStatus string `json:"actual_status"`
	PublicIPAddr string `json:"public_ipaddr"`
}

type vastInstanceResponse struct {
	Instances []vastInstance `json:"instances"`
}

// ObserveInstance polls the rented contract's current status.
func (a *VastAdapter) ObserveInstance(ctx context.Context, providerInstanceID string) (ObserveResult, Outcome, error) {
	var resp vastInstanceResponse
	if err := a.doJSON(ctx, http.MethodGet, "/instances", nil, &resp); err != nil {
		return ObserveResult{}, OutcomeRetryable, err
	}

	for _, inst := range resp.Instances {
		if fmt.Sprintf("%d", inst.ID) != providerInstanceID {
			continue
		}
		switch inst.ActualStatus {
		case "running":
			return ObserveResult{Running: true, ExternalAddress: inst.PublicIPAddr}, OutcomeOk, nil
		case "exited", "":
			return ObserveResult{Terminated: true}, OutcomeOk, nil
		}
	}
	return ObserveResult{Terminated: true}, OutcomeOk, nil
}

// TerminateInstance destroys the rented contract.
func (a *VastAdapter) TerminateInstance(ctx context.Context, providerInstanceID string) (Outcome, error) {
	if err := a.doJSON(ctx, http.MethodDelete, "/instances/"+providerInstanceID+"/", nil, nil); err != nil {
		return OutcomeRetryable, err
	}
	return OutcomeOk, nil
}

// Health issues a cheap authenticated read to confirm the API key works.
func (a *VastAdapter) Health(ctx context.Context) (Outcome, error) {
	var resp vastInstanceResponse
	if err := a.doJSON(ctx, http.MethodGet, "/instances", nil, &resp); err != nil {
		return OutcomeRetryable, err
	}
	return OutcomeOk, nil
}

func (a *VastAdapter) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
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

	url := fmt.Sprintf("%s%s?api_key=%s", a.baseURL, path, a.apiKey)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("Vast.ai API returned status %d for %s %s", resp.StatusCode, method, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListHeldInstances lists every contract this orchestrator currently rents,
// for the Reaper to reconcile against its own store (spec §4.7 provider
// reconciliation).
func (a *VastAdapter) ListHeldInstances(ctx context.Context) ([]string, Outcome, error) {
	var resp vastInstanceResponse
	if err := a.doJSON(ctx, http.MethodGet, "/instances", nil, &resp); err != nil {
		return nil, OutcomeRetryable, err
	}
	ids := make([]string, 0, len(resp.Instances))
	for _, inst := range resp.Instances {
		ids = append(ids, fmt.Sprintf("%d", inst.ID))
	}
	return ids, OutcomeOk, nil
}

var _ Adapter = (*VastAdapter)(nil)
