// Package eventbus is the in-process publish/subscribe mechanism that
// replaces the external corndogs task queue the teacher used. The
// orchestrator's Scheduler, Provisioner, Dispatcher, and Reaper all run as
// goroutines inside a single process (spec §2 components), so a generated
// gRPC client talking to a sibling task-queue service is more machinery than
// the problem needs; a buffered fan-out channel gives every consumer its own
// queue of events without a network hop.
package eventbus

import "sync"

// EventType enumerates the state changes other components react to.
type EventType string

const (
	JobSubmitted       EventType = "job_submitted"
	JobStarted         EventType = "job_started"
	JobCancelled       EventType = "job_cancelled"
	JobProgress        EventType = "job_progress"
	JobCompleted       EventType = "job_completed"
	JobFailed          EventType = "job_failed"
	InstanceRequested  EventType = "instance_requested"
	InstanceRunning    EventType = "instance_running"
	InstanceIdle       EventType = "instance_idle"
	InstanceTerminated EventType = "instance_terminated"
	AssignmentBound    EventType = "assignment_bound"
)

// Event is the payload carried on the bus. Only the fields relevant to
// Type are populated; consumers type-switch on Type before reading them.
type Event struct {
	Type         EventType
	JobID        string
	InstanceID   string
	AssignmentID string
	Progress     int
	Message      string
}

// Bus is a fan-out publisher: every Subscribe call gets its own buffered
// channel fed a copy of every published event. A slow or dead subscriber
// cannot block publishers — once its buffer is full, events are dropped for
// that subscriber and counted, not blocked on.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int
	dropped     int64
}

// New creates a Bus whose subscriber channels are each buffered to
// bufferSize events.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[int]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new consumer and returns its channel plus an
// unsubscribe function. The channel is closed when Unsubscribe is called.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish fans an event out to every current subscriber, non-blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Dropped returns the count of events dropped because a subscriber's buffer
// was full, for metrics reporting.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
