package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

// SubmitCommand submits a job to a remote orchestrator API.
var SubmitCommand = &cli.Command{
	Name:  "submit",
	Usage: "Submit a GPU job to a remote orchestrator",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "api-url",
			Aliases: []string{"u"},
			Usage:   "Orchestrator API URL (e.g., http://localhost:6080)",
			EnvVars: []string{"AIMA_API_URL"},
		},
		&cli.StringFlag{
			Name:    "token",
			Aliases: []string{"t"},
			Usage:   "API token for authentication",
			EnvVars: []string{"AIMA_API_TOKEN"},
		},
		&cli.StringFlag{
			Name:     "kind",
			Aliases:  []string{"k"},
			Usage:    "Job kind (llava, llama, training, batch, inference, custom)",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "priority",
			Value: "normal",
			Usage: "Job priority (low, normal, high, urgent)",
		},
		&cli.StringFlag{
			Name:     "image",
			Aliases:  []string{"i"},
			Usage:    "Container image to run",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "gpu-model",
			Usage: "Required GPU model (e.g., a100, h100); empty means any",
		},
		&cli.IntFlag{
			Name:  "gpu-count",
			Value: 1,
			Usage: "Number of GPUs required",
		},
		&cli.IntFlag{
			Name:  "memory-mb",
			Usage: "Host memory required, in MB",
		},
		&cli.IntFlag{
			Name:  "gpu-memory-mb",
			Usage: "Per-GPU memory required, in MB",
		},
		&cli.IntFlag{
			Name:  "disk-gb",
			Usage: "Scratch disk required, in GB",
		},
		&cli.StringFlag{
			Name:  "framework",
			Usage: "Framework hint for scheduling (e.g., pytorch, tensorrt)",
		},
		&cli.StringSliceFlag{
			Name:  "env",
			Usage: "Environment variable KEY=VALUE (can be repeated)",
		},
		&cli.StringSliceFlag{
			Name:  "input",
			Usage: "Input reference to stage before the job runs (can be repeated)",
		},
		&cli.StringFlag{
			Name:  "idempotency-key",
			Usage: "Client-supplied key; resubmitting the same key returns the original job",
		},
		&cli.Int64Flag{
			Name:  "cost-ceiling-cents",
			Usage: "Abort the job if accrued cost would exceed this, in cents",
		},
		&cli.IntFlag{
			Name:  "max-retries",
			Value: 3,
			Usage: "Maximum dispatch retries before the job is marked failed",
		},
		&cli.BoolFlag{
			Name:    "wait",
			Aliases: []string{"w"},
			Usage:   "Wait for job to complete and show final status",
		},
		&cli.IntFlag{
			Name:  "poll-interval",
			Value: 5,
			Usage: "Polling interval in seconds when using --wait",
		},
	},
	Action: submitAction,
}

// submitJobRequest mirrors handlers.SubmitJobRequest; kept as a separate type
// so this CLI has no compile-time dependency on the internal handlers package.
type submitJobRequest struct {
	Kind             string            `json:"kind"`
	Priority         string            `json:"priority"`
	GPUModel         string            `json:"gpu_model"`
	GPUCount         int               `json:"gpu_count"`
	MemoryMB         int               `json:"memory_mb"`
	GPUMemoryMB      int               `json:"gpu_memory_mb"`
	DiskGB           int               `json:"disk_gb"`
	ContainerImage   string            `json:"image"`
	EnvVars          map[string]string `json:"env"`
	Inputs           []string          `json:"inputs"`
	Framework        string            `json:"framework"`
	IdempotencyKey   string            `json:"idempotency_key"`
	MaxRetries       *int              `json:"max_retries,omitempty"`
	CostCeilingCents *int64            `json:"cost_ceiling_cents,omitempty"`
}

// jobResponse is the subset of the job resource this CLI cares about.
type jobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
}

func submitAction(ctx *cli.Context) error {
	apiURL := strings.TrimSuffix(ctx.String("api-url"), "/")
	if apiURL == "" {
		return fmt.Errorf("API URL is required (use --api-url or AIMA_API_URL)")
	}

	token := ctx.String("token")
	if token == "" {
		return fmt.Errorf("API token is required (use --token or AIMA_API_TOKEN)")
	}

	env, err := parseEnvFlags(ctx.StringSlice("env"))
	if err != nil {
		return err
	}

	maxRetries := ctx.Int("max-retries")
	req := &submitJobRequest{
		Kind:           ctx.String("kind"),
		Priority:       ctx.String("priority"),
		GPUModel:       ctx.String("gpu-model"),
		GPUCount:       ctx.Int("gpu-count"),
		MemoryMB:       ctx.Int("memory-mb"),
		GPUMemoryMB:    ctx.Int("gpu-memory-mb"),
		DiskGB:         ctx.Int("disk-gb"),
		ContainerImage: ctx.String("image"),
		EnvVars:        env,
		Inputs:         ctx.StringSlice("input"),
		Framework:      ctx.String("framework"),
		IdempotencyKey: ctx.String("idempotency-key"),
		MaxRetries:     &maxRetries,
	}
	if ceiling := ctx.Int64("cost-ceiling-cents"); ceiling > 0 {
		req.CostCeilingCents = &ceiling
	}

	wait := ctx.Bool("wait")
	pollInterval := ctx.Int("poll-interval")

	fmt.Fprintf(os.Stderr, "Submitting job: kind=%s image=%s\n", req.Kind, req.ContainerImage)
	job, err := submitJobToAPI(apiURL, token, req)
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}

	fmt.Println("Job submitted successfully!")
	fmt.Printf("  Job ID: %s\n", job.JobID)
	fmt.Printf("  Status: %s\n", job.Status)

	if !wait {
		return nil
	}

	fmt.Println("\nWaiting for completion...")
	startTime := time.Now()

	finalJob, err := waitForJobCompletion(apiURL, token, job.JobID, pollInterval)
	if err != nil {
		return fmt.Errorf("failed while waiting for job: %w", err)
	}

	elapsed := time.Since(startTime).Round(time.Second)

	fmt.Println()
	switch finalJob.Status {
	case "completed":
		fmt.Println("Job completed!")
	case "failed":
		fmt.Println("Job failed!")
	case "cancelled":
		fmt.Println("Job cancelled!")
	case "timed_out":
		fmt.Println("Job timed out!")
	default:
		fmt.Printf("Job ended with status: %s\n", finalJob.Status)
	}
	fmt.Printf("  Duration: %s\n", elapsed)

	if finalJob.Status != "completed" {
		return cli.Exit("", 1)
	}
	return nil
}

// parseEnvFlags turns repeated KEY=VALUE flags into a map.
func parseEnvFlags(pairs []string) (map[string]string, error) {
	env := map[string]string{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env value %q, expected KEY=VALUE", pair)
		}
		env[k] = v
	}
	return env, nil
}

// submitJobToAPI sends a job creation request to the orchestrator API.
func submitJobToAPI(apiURL, token string, req *submitJobRequest) (*jobResponse, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, apiURL+"/api/v1/jobs", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var job jobResponse
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &job, nil
}

// waitForJobCompletion polls the API until the job reaches a terminal state.
func waitForJobCompletion(apiURL, token, jobID string, pollInterval int) (*jobResponse, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	lastStatus := ""

	for {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/api/v1/jobs/"+jobID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to get job status: %w", err)
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
		}

		var job jobResponse
		if err := json.Unmarshal(body, &job); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}

		if job.Status != lastStatus {
			fmt.Fprintf(os.Stderr, "  Status: %s\n", job.Status)
			lastStatus = job.Status
		}

		switch job.Status {
		case "completed", "failed", "cancelled", "timed_out":
			return &job, nil
		}

		time.Sleep(time.Duration(pollInterval) * time.Second)
	}
}
