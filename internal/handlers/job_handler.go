package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/checkauth"
	"github.com/aima-platform/gpu-orchestrator/internal/costquota"
	"github.com/aima-platform/gpu-orchestrator/internal/eventbus"
	"github.com/aima-platform/gpu-orchestrator/internal/metrics"
	"github.com/aima-platform/gpu-orchestrator/internal/objects"
	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
)

// JobHandler serves the job submission and inspection routes.
type JobHandler struct {
	BaseHandler
	store   store.Store
	bus     *eventbus.Bus
	objects objects.ObjectStore // nil when no cold store is configured
}

// NewJobHandler builds a JobHandler. objStore may be nil, in which case
// GetJobLogs reports the logs endpoint as unavailable.
func NewJobHandler(s store.Store, bus *eventbus.Bus, objStore objects.ObjectStore) *JobHandler {
	return &JobHandler{store: s, bus: bus, objects: objStore}
}

// logObjectKey returns the object key a LogShipper would have used for the
// given job's stream, matching internal/worker.LogShipper's naming scheme.
func logObjectKey(prefix, jobID, stream string) string {
	if stream == "" {
		stream = "combined"
	}
	return fmt.Sprintf("%slogs/%s/%s.json", prefix, jobID, stream)
}

// GetJobLogs handles GET /api/v1/jobs/{job_id}/logs.
func (h *JobHandler) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, fmt.Errorf("%w: object store not configured", store.ErrServiceUnavailable))
		return
	}

	jobID := h.getID(r, "job_id")
	if _, err := h.store.GetJobByID(r.Context(), jobID); err != nil {
		h.respondWithError(w, http.StatusNotFound, err)
		return
	}

	stream := r.URL.Query().Get("stream")
	if stream == "" {
		stream = "combined"
	}
	if stream != "stdout" && stream != "stderr" && stream != "combined" {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}

	key := logObjectKey("", jobID, stream)
	body, err := h.objects.Get(r.Context(), key)
	if err != nil {
		if err == objects.ErrNotFound {
			h.respondWithError(w, http.StatusNotFound, fmt.Errorf("%w: no logs available for job %s", store.ErrNotFound, jobID))
			return
		}
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

// SubmitJobRequest is the wire shape of a job submission.
type SubmitJobRequest struct {
	Kind           models.JobKind    `json:"kind"`
	Priority       models.Priority   `json:"priority"`
	GPUModel       string            `json:"gpu_model"`
	GPUCount       int               `json:"gpu_count"`
	MemoryMB       int               `json:"memory_mb"`
	GPUMemoryMB    int               `json:"gpu_memory_mb"`
	DiskGB         int               `json:"disk_gb"`
	ContainerImage string            `json:"image"`
	EnvVars        map[string]string `json:"env"`
	Inputs         []string          `json:"inputs"`
	Framework      string            `json:"framework"`
	IdempotencyKey string            `json:"idempotency_key"`
	DeadlineAt     *time.Time        `json:"deadline,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	CostCeilingCents *int64          `json:"cost_ceiling_cents,omitempty"`
}

// CreateJob handles POST /api/v1/jobs.
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	user := checkauth.GetUserFromContext(r.Context())
	if user == nil {
		h.respondWithError(w, http.StatusUnauthorized, store.ErrUnauthorized)
		return
	}

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}
	if req.ContainerImage == "" || req.Kind == "" {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}

	if req.IdempotencyKey != "" {
		if existing, err := h.store.GetJobByIdempotencyKey(r.Context(), user.UserID, req.IdempotencyKey); err == nil {
			h.respondWithJSON(w, http.StatusOK, existing)
			return
		}
	}

	ceiling := user.DefaultCostCeilingCents
	if req.CostCeilingCents != nil {
		ceiling = *req.CostCeilingCents
	}

	maxRetries := 3
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	gpuCount := req.GPUCount
	if gpuCount == 0 {
		gpuCount = 1
	}

	env := models.JSONB{}
	for k, v := range req.EnvVars {
		env[k] = v
	}

	job := &models.Job{
		Owner:          user.UserID,
		Kind:           req.Kind,
		Priority:       priority,
		GPUModel:       req.GPUModel,
		GPUCount:       gpuCount,
		MemoryMB:       req.MemoryMB,
		GPUMemoryMB:    req.GPUMemoryMB,
		DiskGB:         req.DiskGB,
		ContainerImage: req.ContainerImage,
		EnvVars:        env,
		Inputs:         models.StringSlice(req.Inputs),
		Framework:      req.Framework,
		Deadline:       req.DeadlineAt,
		MaxRetries:     maxRetries,
		Status:         models.JobStateQueued,
	}
	if ceiling > 0 {
		job.CostCeiling = &ceiling
	}
	if req.IdempotencyKey != "" {
		job.IdempotencyKey = &req.IdempotencyKey
	}

	if ceiling > 0 {
		decision, reason := costquota.EnforceQuota(r.Context(), h.store, job.Owner, costquota.EstimateJobCostCents(job), ceiling)
		if decision == costquota.Deny {
			h.respondWithError(w, http.StatusPaymentRequired, fmt.Errorf("%w: %s", store.ErrQuotaExceeded, reason))
			return
		}
	}

	if err := h.store.SubmitJob(r.Context(), job); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.RecordJobSubmission(string(job.Kind), string(job.Priority))

	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.JobSubmitted, JobID: job.JobID})
	}

	h.respondWithJSON(w, http.StatusCreated, job)
}

// GetJob handles GET /api/v1/jobs/{job_id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := h.getID(r, "job_id")
	job, err := h.store.GetJobByID(r.Context(), jobID)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/v1/jobs.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	user := checkauth.GetUserFromContext(r.Context())
	if user == nil {
		h.respondWithError(w, http.StatusUnauthorized, store.ErrUnauthorized)
		return
	}

	limit, offset := 50, 0
	jobs, err := h.store.GetJobsByOwner(r.Context(), user.UserID, limit, offset)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, jobs)
}

// CancelJob handles PUT /api/v1/jobs/{job_id}/cancel and DELETE
// /api/v1/jobs/{job_id} (spec §4.10): both transition the job to cancelled,
// neither removes its row.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	user := checkauth.GetUserFromContext(r.Context())
	if user == nil {
		h.respondWithError(w, http.StatusUnauthorized, store.ErrUnauthorized)
		return
	}

	jobID := h.getID(r, "job_id")
	job, err := h.store.GetJobByID(r.Context(), jobID)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err)
		return
	}
	if job.Owner != user.UserID {
		h.respondWithError(w, http.StatusForbidden, store.ErrForbidden)
		return
	}
	if job.IsTerminal() {
		h.respondWithJSON(w, http.StatusOK, job)
		return
	}

	from := job.Status
	err = h.store.TransitionJob(r.Context(), jobID, from, models.JobStateCancelled, func(j *models.Job) {
		now := time.Now().UTC()
		j.CompletedAt = &now
	})
	if err != nil {
		h.respondWithError(w, http.StatusConflict, err)
		return
	}

	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.JobCancelled, JobID: jobID})
	}

	job, err = h.store.GetJobByID(r.Context(), jobID)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, job)
}
