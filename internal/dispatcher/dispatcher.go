// Package dispatcher drives live assignments: once an Assignment is bound to
// a running Instance, the Dispatcher opens a control channel to that
// instance's worker agent, pushes the job, and relays progress/terminal
// events back into the Job Store and event bus (spec §4.6).
package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/aima-platform/gpu-orchestrator/internal/checkauth"
	"github.com/aima-platform/gpu-orchestrator/internal/config"
	"github.com/aima-platform/gpu-orchestrator/internal/eventbus"
	"github.com/aima-platform/gpu-orchestrator/internal/metrics"
	"github.com/aima-platform/gpu-orchestrator/internal/store"
	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gammazero/workerpool"
	"github.com/gorilla/websocket"
)

// Dispatcher owns the worker control channels and the goroutine pool that
// drives each live assignment. One assignment is owned by exactly one
// goroutine for its lifetime (spec §4.6 Concurrency), enforced by
// assignmentOwners.
type Dispatcher struct {
	appStore store.Store
	bus      *eventbus.Bus
	pool     *workerpool.WorkerPool
	upgrader websocket.Upgrader

	mu              sync.Mutex
	connsByInstance map[string]*workerConn
	cancelChans     map[string]chan struct{} // keyed by assignment id
}

// New builds a Dispatcher with a workerpool of the given concurrency.
func New(appStore store.Store, bus *eventbus.Bus, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 32
	}
	return &Dispatcher{
		appStore:        appStore,
		bus:             bus,
		pool:            workerpool.New(concurrency),
		upgrader:        websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		connsByInstance: make(map[string]*workerConn),
		cancelChans:     make(map[string]chan struct{}),
	}
}

// Run subscribes to the event bus and forwards job-cancel requests to
// whichever assignment goroutine owns the job's live assignment. Intended to
// run for the process lifetime on its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	ch, unsubscribe := d.bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type != eventbus.JobCancelled {
				continue
			}
			assignment, err := d.appStore.GetLiveAssignmentForJob(ctx, evt.JobID)
			if err != nil || assignment == nil {
				continue
			}
			d.requestCancel(assignment.AssignmentID)
		}
	}
}

// HandleWorkerConnect upgrades an instance's bootstrap-authenticated HTTP
// request to a websocket control channel. Auth here is the bootstrap token
// supplied at instance creation, not BearerAuthMiddleware's JWT (spec §6).
func (d *Dispatcher) HandleWorkerConnect(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		http.Error(w, "missing bootstrap token", http.StatusUnauthorized)
		return
	}
	token = token[len(prefix):]

	tokenHash := checkauth.HashBootstrapToken(token)
	bootstrap, err := d.appStore.ValidateBootstrapToken(r.Context(), tokenHash)
	if err != nil || bootstrap == nil || !bootstrap.IsValid() {
		http.Error(w, "invalid or revoked bootstrap token", http.StatusUnauthorized)
		return
	}

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log.WithError(err).Error("failed to upgrade worker control channel")
		return
	}

	wc := newWorkerConn(bootstrap.InstanceID, conn, d.persistHeartbeat)
	d.mu.Lock()
	if old, ok := d.connsByInstance[bootstrap.InstanceID]; ok {
		old.close()
	}
	d.connsByInstance[bootstrap.InstanceID] = wc
	d.mu.Unlock()

	logging.Log.WithField("instance_id", bootstrap.InstanceID).Info("worker control channel connected")
	go wc.readLoop()
}

// Dispatch submits the assignment to the worker pool, returning immediately;
// the actual handoff happens asynchronously on a pool goroutine.
func (d *Dispatcher) Dispatch(job *models.Job, instance *models.Instance, assignment *models.Assignment) {
	d.pool.Submit(func() {
		d.runAssignment(context.Background(), job, instance, assignment)
	})
}

func (d *Dispatcher) cancelChanFor(assignmentID string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.cancelChans[assignmentID]
	if !ok {
		ch = make(chan struct{})
		d.cancelChans[assignmentID] = ch
	}
	return ch
}

func (d *Dispatcher) requestCancel(assignmentID string) {
	d.mu.Lock()
	ch, ok := d.cancelChans[assignmentID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
		// already closed
	default:
		close(ch)
	}
}

func (d *Dispatcher) forgetAssignment(assignmentID string) {
	d.mu.Lock()
	delete(d.cancelChans, assignmentID)
	d.mu.Unlock()
}

// persistHeartbeat stamps an instance's last-heartbeat time so the Reaper's
// orphan-instance check (spec §4.7), which runs independently of any one
// dispatch goroutine's in-memory connection state, can see it too. Best
// effort: if the instance isn't currently running (e.g. already draining),
// there is nothing useful to persist.
func (d *Dispatcher) persistHeartbeat(instanceID string) {
	now := time.Now().UTC()
	_ = d.appStore.TransitionInstance(context.Background(), instanceID, models.InstanceStateRunning, models.InstanceStateRunning, func(i *models.Instance) {
		i.LastHeartbeatAt = &now
	})
}

func (d *Dispatcher) connFor(instanceID string) *workerConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connsByInstance[instanceID]
}

// runAssignment drives one assignment end to end: wait for the worker
// control channel, hand off the job, and relay progress until a terminal
// event, a lost-heartbeat timeout, or a user cancellation.
func (d *Dispatcher) runAssignment(ctx context.Context, job *models.Job, instance *models.Instance, assignment *models.Assignment) {
	defer d.forgetAssignment(assignment.AssignmentID)
	cancelCh := d.cancelChanFor(assignment.AssignmentID)
	logger := logging.Log.WithField("job_id", job.JobID).WithField("assignment_id", assignment.AssignmentID)

	cfg := config.Current()
	conn, err := d.awaitConnection(instance.InstanceID, cfg.DispatchTimeout)
	if err != nil {
		logger.WithError(err).Warn("worker never connected within dispatch timeout; leaving to reaper")
		return
	}

	envCopy := map[string]interface{}{}
	for k, v := range job.EnvVars {
		envCopy[k] = v
	}
	spec := &JobSpec{
		JobID:          job.JobID,
		Kind:           string(job.Kind),
		ContainerImage: job.ContainerImage,
		EnvVars:        envCopy,
		Inputs:         []string(job.Inputs),
		Framework:      job.Framework,
	}
	if err := conn.send(serverMessage{Type: serverMsgStart, Job: spec, ResultUploadURI: resultUploadURI(job)}); err != nil {
		logger.WithError(err).Warn("failed to send start message")
		return
	}

	// The job stays pending until the start message has been sent to the
	// worker: only now do both the assignment and the job advance to
	// running, satisfying the invariant that a job cannot be running unless
	// its instance and assignment already are.
	if err := d.appStore.TransitionAssignment(ctx, assignment.AssignmentID, models.AssignmentStateAssigned, models.AssignmentStateRunning, nil); err != nil {
		logger.WithError(err).Warn("failed to transition assignment to running")
		return
	}
	now := time.Now().UTC()
	if err := d.appStore.TransitionJob(ctx, job.JobID, models.JobStatePending, models.JobStateRunning, func(j *models.Job) {
		j.StartedAt = &now
	}); err != nil {
		logger.WithError(err).Warn("failed to transition job to running")
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, JobID: job.JobID, AssignmentID: assignment.AssignmentID})
	}

	heartbeatTicker := time.NewTicker(cfg.HeartbeatTimeout / 2)
	defer heartbeatTicker.Stop()

	cancelSent := false
	var cancelDeadline <-chan time.Time

	for {
		select {
		case <-cancelCh:
			if !cancelSent {
				cancelSent = true
				_ = conn.send(serverMessage{Type: serverMsgCancel})
				cancelDeadline = time.After(cfg.CancelGraceWindow)
			}
			cancelCh = nil // already handled, don't re-fire

		case <-cancelDeadline:
			d.abortAssignment(ctx, job, assignment, instance, "cancelled")
			return

		case <-heartbeatTicker.C:
			if conn.isClosed() || conn.heartbeatAge() > cfg.HeartbeatTimeout {
				d.handleLostWorker(ctx, job, assignment, instance)
				return
			}
			_ = conn.send(serverMessage{Type: serverMsgPing})

		case msg, ok := <-conn.inbox:
			if !ok {
				d.handleLostWorker(ctx, job, assignment, instance)
				return
			}
			switch msg.Type {
			case workerMsgProgress:
				d.bus.Publish(eventbus.Event{Type: eventbus.JobProgress, JobID: job.JobID, AssignmentID: assignment.AssignmentID, Progress: msg.Pct, Message: msg.Message})
			case workerMsgHeartbeat:
				// connection.go already bumped lastHeartbeatAt
			case workerMsgCompleted:
				d.handleCompleted(ctx, job, assignment, instance, msg.ResultRef)
				return
			case workerMsgFailed:
				d.handleFailed(ctx, job, assignment, instance, msg.Class, msg.Message)
				return
			}
		}
	}
}

func (d *Dispatcher) awaitConnection(instanceID string, timeout time.Duration) (*workerConn, error) {
	deadline := time.Now().Add(timeout)
	for {
		if conn := d.connFor(instanceID); conn != nil && !conn.isClosed() {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, errDispatchTimeout
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func (d *Dispatcher) handleCompleted(ctx context.Context, job *models.Job, assignment *models.Assignment, instance *models.Instance, resultRef string) {
	_ = d.appStore.TransitionAssignment(ctx, assignment.AssignmentID, models.AssignmentStateRunning, models.AssignmentStateCompleted, func(a *models.Assignment) {
		now := time.Now().UTC()
		a.FinishedAt = &now
	})
	_ = d.appStore.TransitionJob(ctx, job.JobID, models.JobStateRunning, models.JobStateCompleted, func(j *models.Job) {
		now := time.Now().UTC()
		j.CompletedAt = &now
	})
	metrics.RecordJobTerminal(string(job.Kind), string(models.JobStateCompleted), "", time.Since(job.CreatedAt).Seconds())
	d.bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, JobID: job.JobID, AssignmentID: assignment.AssignmentID, Message: resultRef})
	d.signalIdle(instance.InstanceID)
}

func (d *Dispatcher) handleFailed(ctx context.Context, job *models.Job, assignment *models.Assignment, instance *models.Instance, class failureClass, message string) {
	_ = d.appStore.TransitionAssignment(ctx, assignment.AssignmentID, models.AssignmentStateRunning, models.AssignmentStateFailed, func(a *models.Assignment) {
		now := time.Now().UTC()
		a.FinishedAt = &now
	})
	d.failJobAndMaybeRetry(ctx, job, string(class), message)
	d.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, JobID: job.JobID, AssignmentID: assignment.AssignmentID, Message: message})
	d.signalIdle(instance.InstanceID)
}

func (d *Dispatcher) handleLostWorker(ctx context.Context, job *models.Job, assignment *models.Assignment, instance *models.Instance) {
	_ = d.appStore.TransitionAssignment(ctx, assignment.AssignmentID, models.AssignmentStateRunning, models.AssignmentStateAborted, func(a *models.Assignment) {
		now := time.Now().UTC()
		a.FinishedAt = &now
	})
	d.failJobAndMaybeRetry(ctx, job, "retryable", "lost_worker: control channel silent past heartbeat timeout")
	d.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, JobID: job.JobID, AssignmentID: assignment.AssignmentID, Message: "lost_worker"})
	d.signalIdle(instance.InstanceID)
}

func (d *Dispatcher) abortAssignment(ctx context.Context, job *models.Job, assignment *models.Assignment, instance *models.Instance, reason string) {
	_ = d.appStore.TransitionAssignment(ctx, assignment.AssignmentID, models.AssignmentStateRunning, models.AssignmentStateAborted, func(a *models.Assignment) {
		now := time.Now().UTC()
		a.FinishedAt = &now
	})
	d.signalIdle(instance.InstanceID)
}

// failJobAndMaybeRetry transitions the job to failed and, for retryable
// failures within the retry budget, submits a fresh queued job referencing
// this one via RetryOf (spec §4.6 step 4 / §3 JobState note).
func (d *Dispatcher) failJobAndMaybeRetry(ctx context.Context, job *models.Job, errorClass, message string) {
	_ = d.appStore.TransitionJob(ctx, job.JobID, models.JobStateRunning, models.JobStateFailed, func(j *models.Job) {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.ErrorClass = errorClass
		j.ErrorMessage = message
	})
	metrics.RecordJobTerminal(string(job.Kind), string(models.JobStateFailed), errorClass, time.Since(job.CreatedAt).Seconds())

	if errorClass != "retryable" || job.RetryCount >= job.MaxRetries {
		return
	}
	metrics.RecordJobRetry(string(job.Kind))

	retry := &models.Job{
		Owner:          job.Owner,
		Kind:           job.Kind,
		Priority:       job.Priority,
		GPUModel:       job.GPUModel,
		GPUCount:       job.GPUCount,
		MemoryMB:       job.MemoryMB,
		GPUMemoryMB:    job.GPUMemoryMB,
		DiskGB:         job.DiskGB,
		ContainerImage: job.ContainerImage,
		EnvVars:        job.EnvVars,
		Inputs:         job.Inputs,
		Framework:      job.Framework,
		Deadline:       job.Deadline,
		MaxRetries:     job.MaxRetries,
		CostCeiling:    job.CostCeiling,
		Status:         models.JobStateQueued,
		RetryCount:     job.RetryCount + 1,
		RetryOf:        &job.JobID,
	}
	if err := d.appStore.SubmitJob(ctx, retry); err != nil {
		logging.Log.WithError(err).WithField("job_id", job.JobID).Error("failed to submit retry job")
	}
}

func (d *Dispatcher) signalIdle(instanceID string) {
	d.bus.Publish(eventbus.Event{Type: eventbus.InstanceIdle, InstanceID: instanceID})
}

func resultUploadURI(job *models.Job) string {
	return "s3://aima-job-results/" + job.JobID + "/result"
}

var errDispatchTimeout = errors.New("worker did not connect within dispatch timeout")
