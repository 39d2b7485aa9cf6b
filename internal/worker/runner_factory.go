package worker

import (
	"fmt"
	"strings"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// RunnerBackend represents the container runtime backend used to host the
// Local provider adapter's GPU slot instances (spec §4.3: the local pool is
// one of the registered providers, not a special case).
type RunnerBackend string

const (
	// BackendDocker uses the Docker daemon
	BackendDocker RunnerBackend = "docker"

	// BackendKubernetes uses Kubernetes Jobs
	BackendKubernetes RunnerBackend = "kubernetes"

	// BackendAuto automatically detects the best backend
	BackendAuto RunnerBackend = "auto"
)

// NewJobRunner creates a new JobRunner based on the specified backend
// Supported backends: "docker", "kubernetes", "auto"
// "auto" will detect if running in Kubernetes and use that, otherwise Docker
func NewJobRunner(backend string) (JobRunner, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))

	if backend == "" || backend == string(BackendAuto) {
		return NewJobRunnerAuto()
	}

	switch RunnerBackend(backend) {
	case BackendDocker:
		return NewDockerRunner()

	case BackendKubernetes:
		return NewKubernetesRunner()

	default:
		return nil, fmt.Errorf("unsupported job runner backend: %s (supported: docker, kubernetes, auto)", backend)
	}
}

// NewJobRunnerAuto automatically detects the best runner backend
// It checks if running in Kubernetes first, then falls back to Docker
func NewJobRunnerAuto() (JobRunner, error) {
	logger := logging.Log

	if IsKubernetesEnvironment() {
		logger.Info("Detected Kubernetes environment, using Kubernetes Jobs runner")
		runner, err := NewKubernetesRunner()
		if err != nil {
			logger.WithError(err).Warn("Failed to create Kubernetes runner, falling back to Docker")
		} else {
			return runner, nil
		}
	}

	logger.Info("Using Docker runner")
	return NewDockerRunner()
}

// GetSupportedBackends returns a list of all supported runner backends
func GetSupportedBackends() []RunnerBackend {
	return []RunnerBackend{
		BackendAuto,
		BackendDocker,
		BackendKubernetes,
	}
}

// IsBackendSupported checks if a backend is supported
func IsBackendSupported(backend string) bool {
	backend = strings.ToLower(strings.TrimSpace(backend))
	for _, supported := range GetSupportedBackends() {
		if string(supported) == backend {
			return true
		}
	}
	return false
}
