// Package scheduler implements the Task Scheduler (spec.md §4.8): bounded
// concurrent dispatch of per-chunk tasks with pause/resume/cancel and a
// retry-priority head-insert. It has no teacher analog (the teacher's
// transports are single-stream or raw-UDP-window based, not a bounded
// worker pool), so it is new code built from primitives the teacher uses
// throughout: a mutex-guarded map, a closed-channel shutdown signal
// exactly like internal/relay.Forwarder and internal/transport.UDPReceiver,
// and a sync.WaitGroup to join workers.
package scheduler

import (
	"context"
	"sync"

	"github.com/trackshift/upload/pkg/models"
)

// Executor performs the work for one task index. It must respect ctx
// cancellation.
type Executor func(ctx context.Context, index int) error

// OnDone is invoked once per task after it leaves the running state,
// reporting its final status and, on failure, the error. It runs outside
// the Scheduler's lock.
type OnDone func(index int, status models.ChunkStatus, err error)

// Scheduler dispatches tasks identified by integer index (the chunk
// index within one file's ChunkPlan). One Scheduler belongs to exactly
// one Upload Coordinator.
type Scheduler struct {
	executor Executor
	onDone   OnDone

	mu            sync.Mutex
	ready         []int
	statuses      map[int]models.ChunkStatus
	runningCancel map[int]context.CancelFunc
	activeLimit   int
	paused        bool
	stopInFlight  bool
	cancelled     bool

	parentCtx context.Context
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Scheduler with the given initial concurrency limit.
func New(ctx context.Context, activeLimit int, executor Executor, onDone OnDone) *Scheduler {
	if activeLimit < 1 {
		activeLimit = 1
	}
	s := &Scheduler{
		executor:      executor,
		onDone:        onDone,
		statuses:      make(map[int]models.ChunkStatus),
		runningCancel: make(map[int]context.CancelFunc),
		activeLimit:   activeLimit,
		parentCtx:     ctx,
		wake:          make(chan struct{}, 1),
		closed:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.wake:
			s.dispatch()
		case <-s.closed:
			return
		}
	}
}

// dispatch must not be called with s.mu held.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	for !s.paused && !s.cancelled && len(s.runningCancel) < s.activeLimit && len(s.ready) > 0 {
		index := s.ready[0]
		s.ready = s.ready[1:]
		if s.statuses[index] == models.ChunkStatusCancelled {
			continue
		}
		s.statuses[index] = models.ChunkStatusRunning
		taskCtx, cancel := context.WithCancel(s.parentCtx)
		s.runningCancel[index] = cancel
		s.wg.Add(1)
		go s.runTask(taskCtx, index)
	}
	s.mu.Unlock()
}

func (s *Scheduler) runTask(ctx context.Context, index int) {
	defer s.wg.Done()
	err := s.executor(ctx, index)

	s.mu.Lock()
	if cancel, ok := s.runningCancel[index]; ok {
		cancel()
		delete(s.runningCancel, index)
	}
	var status models.ChunkStatus
	switch {
	case s.statuses[index] == models.ChunkStatusCancelled:
		status = models.ChunkStatusCancelled
	case s.statuses[index] == models.ChunkStatusPaused && err != nil:
		// aborted by Pause(true): back to the head of the queue for Resume
		status = models.ChunkStatusPaused
		s.ready = append([]int{index}, s.ready...)
	case err != nil:
		status = models.ChunkStatusFailed
	default:
		status = models.ChunkStatusCompleted
	}
	s.statuses[index] = status
	s.mu.Unlock()

	if s.onDone != nil {
		s.onDone(index, status, err)
	}
	s.signal()
}

// Enqueue adds index to the tail of the ready queue (FIFO by index).
func (s *Scheduler) Enqueue(index int) {
	s.mu.Lock()
	s.statuses[index] = s.queuedStatusLocked()
	s.ready = append(s.ready, index)
	s.mu.Unlock()
	s.signal()
}

// EnqueueRetry adds index to the head of the ready queue, so retried
// chunks are dispatched before any chunk that has not been attempted yet
// (spec.md §4.8: "priority reservation for retried tasks").
func (s *Scheduler) EnqueueRetry(index int) {
	s.mu.Lock()
	s.statuses[index] = s.queuedStatusLocked()
	s.ready = append([]int{index}, s.ready...)
	s.mu.Unlock()
	s.signal()
}

// queuedStatusLocked is the status of a newly queued task: paused while the
// Scheduler is paused, pending otherwise. Must be called with s.mu held.
func (s *Scheduler) queuedStatusLocked() models.ChunkStatus {
	if s.paused {
		return models.ChunkStatusPaused
	}
	return models.ChunkStatusPending
}

// Pause stops new dispatch. If stopInFlight, running tasks are aborted
// via their context; otherwise they are left to finish.
func (s *Scheduler) Pause(stopInFlight bool) {
	s.mu.Lock()
	s.paused = true
	s.stopInFlight = stopInFlight
	for _, index := range s.ready {
		if s.statuses[index] == models.ChunkStatusPending {
			s.statuses[index] = models.ChunkStatusPaused
		}
	}
	if stopInFlight {
		for index, cancel := range s.runningCancel {
			cancel()
			s.statuses[index] = models.ChunkStatusPaused
		}
	}
	s.mu.Unlock()
}

// Resume re-admits paused tasks to dispatch.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	for _, index := range s.ready {
		if s.statuses[index] == models.ChunkStatusPaused {
			s.statuses[index] = models.ChunkStatusPending
		}
	}
	s.mu.Unlock()
	s.signal()
}

// Cancel aborts all in-flight tasks, empties the ready queue and marks
// every outstanding task cancelled. It is terminal: the Scheduler cannot
// be reused afterward.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	for _, index := range s.ready {
		s.statuses[index] = models.ChunkStatusCancelled
	}
	s.ready = nil
	for index, cancel := range s.runningCancel {
		cancel()
		s.statuses[index] = models.ChunkStatusCancelled
	}
	s.mu.Unlock()
}

// AdjustConcurrency changes activeLimit. Shrinking never aborts in-flight
// tasks; it only lowers the number of new dispatches until enough finish.
func (s *Scheduler) AdjustConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.activeLimit = n
	s.mu.Unlock()
	s.signal()
}

// Status returns the current status of index, or ChunkStatusPending if
// unknown (it has not been enqueued yet).
func (s *Scheduler) Status(index int) models.ChunkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[index]
	if !ok {
		return models.ChunkStatusPending
	}
	return status
}

// ActiveCount returns the number of currently-running tasks.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runningCancel)
}

// ReadyCount returns the number of tasks waiting to be dispatched.
func (s *Scheduler) ReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}

// Stop shuts down the Scheduler's dispatch loop. Call Cancel first if
// in-flight tasks should also be aborted.
func (s *Scheduler) Stop() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.wg.Wait()
}
