package config

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/catalystcommunity/app-utils-go/env"
)

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Ambient, process-wide values read once at startup. Kept as bare package
// vars (rather than folded into Snapshot) because the store and middleware
// packages read them before a Snapshot has necessarily been loaded, e.g.
// from init-time wiring and test setup.
var (
	DbUri string = env.GetEnvOrDefault("DATABASE_URL", "postgres://localhost/aima_orchestrator?sslmode=disable")
	Port  int    = env.GetEnvAsIntOrDefault("PORT", "8080")

	// CommitOnSuccess determines if the per-request transaction middleware
	// commits on successful (2xx) responses. Default true; set false for
	// test harnesses that want to roll back every request.
	CommitOnSuccess = env.GetEnvAsBoolOrDefault("COMMIT_ON_SUCCESS", "true")

	// DefaultUserSubject, if set, is auto-provisioned as a User row on
	// startup (EnsureDefaultUser), matching the teacher's DEFAULT_USER_ID
	// convenience for local development.
	DefaultUserSubject     = env.GetEnvOrDefault("DEFAULT_USER_SUBJECT", "")
	DefaultCostCeilingCents = int64(env.GetEnvAsIntOrDefault("DEFAULT_COST_CEILING_CENTS", "0"))
)

// Snapshot is the orchestrator's full runtime configuration. The teacher's
// package-level env-backed vars are fine for process-lifetime constants, but
// the Scheduler/Provisioner/Dispatcher all read tunables like lease
// durations and per-provider rate limits from goroutines that outlive any
// single request; a typed, immutable snapshot swapped atomically removes the
// data race a mutable global would invite (REDESIGN FLAGS: dynamic config
// objects -> atomic.Pointer[Snapshot]).
type Snapshot struct {
	JWTIssuer   string
	JWTJWKSURL  string
	JWTAudience string

	SchedulerClaimBatchSize int
	SchedulerClaimLease     time.Duration
	SchedulerTickInterval   time.Duration

	IdleGraceWindow       time.Duration
	InstanceStartDeadline time.Duration
	HeartbeatTimeout      time.Duration
	DispatchTimeout       time.Duration
	CancelGraceWindow     time.Duration

	ReaperInterval time.Duration

	CircuitBreakerFailureRatio float64
	CircuitBreakerOpenTimeout  time.Duration

	ProviderCreationBudgetPerMinute int

	AdmissionRateLimitPerSecond float64
	AdmissionRateLimitBurst     int

	// ColdStoreBackend selects the job-logs object store: "s3", "filesystem",
	// "memory", or "" to disable the logs endpoint entirely.
	ColdStoreBackend   string
	ColdStoreBucket    string
	ColdStorePrefix    string
	ColdStoreRetention time.Duration
	ColdStoreRegion    string
	ColdStoreEndpoint  string

	RunPodAPIKey   string
	RunPodBaseURL  string
	VastAPIKey     string
	VastBaseURL    string

	AWSRegion        string
	AWSAMIID         string
	AWSSubnetID      string
	AWSKeyName       string
	AWSSecurityGroupIDs []string

	GCPProjectID    string
	GCPZone         string
	GCPNetwork      string
	GCPMachineType  string

	AzureSubscriptionID string
	AzureResourceGroup  string
	AzureLocation       string
	AzureSubnetID       string
	AzureImageID        string

	LocalRunnerBackend string // docker, kubernetes, auto

	PredictiveWarmupEnabled bool

	// ControlChannelBaseURL is the websocket URL a freshly created instance's
	// worker agent dials to reach this orchestrator's Dispatcher.
	ControlChannelBaseURL string
}

var current atomic.Pointer[Snapshot]

// Load reads environment variables into a fresh Snapshot and installs it as
// the current one. Safe to call again at runtime (e.g. from a SIGHUP
// handler) to pick up rotated provider credentials without restarting.
func Load() *Snapshot {
	snap := &Snapshot{
		JWTIssuer:   env.GetEnvOrDefault("JWT_ISSUER", ""),
		JWTJWKSURL:  env.GetEnvOrDefault("JWT_JWKS_URL", ""),
		JWTAudience: env.GetEnvOrDefault("JWT_AUDIENCE", "aima-gpu-orchestrator"),

		SchedulerClaimBatchSize: env.GetEnvAsIntOrDefault("SCHEDULER_CLAIM_BATCH_SIZE", "25"),
		SchedulerClaimLease:     time.Duration(env.GetEnvAsIntOrDefault("SCHEDULER_CLAIM_LEASE_SECONDS", "30")) * time.Second,
		SchedulerTickInterval:   time.Duration(env.GetEnvAsIntOrDefault("SCHEDULER_TICK_MILLIS", "500")) * time.Millisecond,

		IdleGraceWindow:       time.Duration(env.GetEnvAsIntOrDefault("IDLE_GRACE_WINDOW_SECONDS", "120")) * time.Second,
		InstanceStartDeadline: time.Duration(env.GetEnvAsIntOrDefault("INSTANCE_START_DEADLINE_SECONDS", "600")) * time.Second,
		HeartbeatTimeout:      time.Duration(env.GetEnvAsIntOrDefault("HEARTBEAT_TIMEOUT_SECONDS", "45")) * time.Second,
		DispatchTimeout:       time.Duration(env.GetEnvAsIntOrDefault("DISPATCH_TIMEOUT_SECONDS", "120")) * time.Second,
		CancelGraceWindow:     time.Duration(env.GetEnvAsIntOrDefault("CANCEL_GRACE_WINDOW_SECONDS", "20")) * time.Second,

		ReaperInterval: time.Duration(env.GetEnvAsIntOrDefault("REAPER_INTERVAL_SECONDS", "15")) * time.Second,

		CircuitBreakerFailureRatio: float64(env.GetEnvAsIntOrDefault("CIRCUIT_BREAKER_FAILURE_PCT", "60")) / 100.0,
		CircuitBreakerOpenTimeout:  time.Duration(env.GetEnvAsIntOrDefault("CIRCUIT_BREAKER_OPEN_SECONDS", "30")) * time.Second,

		ProviderCreationBudgetPerMinute: env.GetEnvAsIntOrDefault("PROVIDER_CREATE_BUDGET_PER_MINUTE", "10"),

		AdmissionRateLimitPerSecond: float64(env.GetEnvAsIntOrDefault("ADMISSION_RATE_LIMIT_PER_SECOND", "20")),
		AdmissionRateLimitBurst:     env.GetEnvAsIntOrDefault("ADMISSION_RATE_LIMIT_BURST", "40"),

		ColdStoreBackend:   env.GetEnvOrDefault("COLD_STORE_BACKEND", ""),
		ColdStoreBucket:    env.GetEnvOrDefault("COLD_STORE_BUCKET", "aima-job-archive"),
		ColdStorePrefix:    env.GetEnvOrDefault("COLD_STORE_PREFIX", "jobs/"),
		ColdStoreRetention: time.Duration(env.GetEnvAsIntOrDefault("COLD_STORE_RETENTION_DAYS", "30")) * 24 * time.Hour,
		ColdStoreRegion:    env.GetEnvOrDefault("COLD_STORE_REGION", "us-east-1"),
		ColdStoreEndpoint:  env.GetEnvOrDefault("COLD_STORE_ENDPOINT", ""),

		RunPodAPIKey:  env.GetEnvOrDefault("RUNPOD_API_KEY", ""),
		RunPodBaseURL: env.GetEnvOrDefault("RUNPOD_BASE_URL", ""),
		VastAPIKey:    env.GetEnvOrDefault("VAST_API_KEY", ""),
		VastBaseURL:   env.GetEnvOrDefault("VAST_BASE_URL", ""),

		AWSRegion:           env.GetEnvOrDefault("AWS_REGION", "us-east-1"),
		AWSAMIID:            env.GetEnvOrDefault("AWS_AMI_ID", ""),
		AWSSubnetID:         env.GetEnvOrDefault("AWS_SUBNET_ID", ""),
		AWSKeyName:          env.GetEnvOrDefault("AWS_KEY_NAME", ""),
		AWSSecurityGroupIDs: splitCSV(env.GetEnvOrDefault("AWS_SECURITY_GROUP_IDS", "")),

		GCPProjectID:   env.GetEnvOrDefault("GCP_PROJECT_ID", ""),
		GCPZone:        env.GetEnvOrDefault("GCP_ZONE", "us-central1-a"),
		GCPNetwork:     env.GetEnvOrDefault("GCP_NETWORK", "default"),
		GCPMachineType: env.GetEnvOrDefault("GCP_MACHINE_TYPE", "a2-highgpu-1g"),

		AzureSubscriptionID: env.GetEnvOrDefault("AZURE_SUBSCRIPTION_ID", ""),
		AzureResourceGroup:  env.GetEnvOrDefault("AZURE_RESOURCE_GROUP", ""),
		AzureLocation:       env.GetEnvOrDefault("AZURE_LOCATION", "eastus"),
		AzureSubnetID:       env.GetEnvOrDefault("AZURE_SUBNET_ID", ""),
		AzureImageID:        env.GetEnvOrDefault("AZURE_IMAGE_ID", ""),

		LocalRunnerBackend: env.GetEnvOrDefault("LOCAL_RUNNER_BACKEND", "auto"),

		PredictiveWarmupEnabled: env.GetEnvAsBoolOrDefault("PREDICTIVE_WARMUP_ENABLED", "false"),

		ControlChannelBaseURL: env.GetEnvOrDefault("CONTROL_CHANNEL_BASE_URL", "ws://localhost:8080/api/v1/workers/connect"),
	}
	current.Store(snap)
	return snap
}

// Current returns the active Snapshot, loading one from the environment on
// first access.
func Current() *Snapshot {
	if s := current.Load(); s != nil {
		return s
	}
	return Load()
}
