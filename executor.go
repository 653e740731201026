// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pinsetter

import (
	"errors"
	"fmt"
	"sync"
)

const (
	defaultWorkers       = 5
	defaultQueueCapacity = 10
)

func nop() {}

// Outcome is the result of submitting a job to the executor. Callers
// branch on it instead of untangling error types: a saturated pool and a
// missing status are expected conditions, not failures.
type Outcome int

const (
	// Accepted means the job was queued and will execute asynchronously.
	Accepted Outcome = iota
	// RejectedSaturated means pool and queue are full; the status has
	// been reverted to Pending and the job can be re-submitted later.
	RejectedSaturated
	// RejectedNotFound means no status exists for the given id. Callers
	// discard rather than retry, since retrying cannot succeed.
	RejectedNotFound
	// Errored means an infrastructure failure prevented submission.
	Errored
)

// String returns a readable form of the outcome.
func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RejectedSaturated:
		return "rejected: saturated"
	case RejectedNotFound:
		return "rejected: not found"
	default:
		return "errored"
	}
}

// run is a single execution bound to one (job, context) pair.
type run struct {
	status *JobStatus
	job    Job
	ctx    *ExecutionContext
}

// Executor owns a fixed-size worker pool and a bounded queue. It accepts
// job ids, loads their statuses, resolves the implementation through the
// registry and executes asynchronously. Create one via NewExecutor, then
// Start it.
type Executor struct {
	store    Store
	registry *Registry
	events   EventSink

	mu       sync.Mutex // guards the following block
	workers  int
	capacity int
	started  bool
	jobc     chan *run
	inflight map[string]bool
	wg       sync.WaitGroup

	testJobQueued   func() // testing hook
	testJobRejected func() // testing hook
	testJobStarted  func() // testing hook
	testJobFinished func() // testing hook
	testJobFailed   func() // testing hook
	testJobCanceled func() // testing hook
}

// ExecutorOption is the signature of an options provider.
type ExecutorOption func(*Executor)

// NewExecutor creates a new executor on top of the given store and
// registry. Pass options to configure it.
func NewExecutor(store Store, registry *Registry, options ...ExecutorOption) *Executor {
	e := &Executor{
		store:           store,
		registry:        registry,
		events:          NopSink{},
		workers:         defaultWorkers,
		capacity:        defaultQueueCapacity,
		inflight:        make(map[string]bool),
		testJobQueued:   nop,
		testJobRejected: nop,
		testJobStarted:  nop,
		testJobFinished: nop,
		testJobFailed:   nop,
		testJobCanceled: nop,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// SetWorkers sets the number of parallel worker goroutines. It must be
// greater or equal to 1 and is 5 by default.
func SetWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		if n < 1 {
			n = 1
		}
		e.workers = n
	}
}

// SetQueueCapacity sets the size of the bounded queue in front of the
// worker pool. A submission is rejected as saturated only when all
// workers are busy and the queue is full.
func SetQueueCapacity(n int) ExecutorOption {
	return func(e *Executor) {
		if n < 0 {
			n = 0
		}
		e.capacity = n
	}
}

// SetEventSink sets the sink that receives events of successful runs.
func SetEventSink(sink EventSink) ExecutorOption {
	return func(e *Executor) {
		if sink != nil {
			e.events = sink
		}
	}
}

// Start brings up the worker pool. Use Close to stop it.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("pinsetter: executor already started")
	}
	if err := e.store.Start(); err != nil {
		return err
	}
	e.jobc = make(chan *run, e.capacity)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.started = true
	return nil
}

// Close stops the executor. It stops accepting new work and waits for
// in-flight jobs to drain; running jobs are never interrupted.
func (e *Executor) Close() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	close(e.jobc)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// Execute submits the job with the given id for asynchronous execution.
//
// The status must already exist in the store; if it does not, the
// outcome is RejectedNotFound. If worker pool and queue are both
// saturated, the status is reverted to Pending, persisted, and the
// outcome is RejectedSaturated; the job is neither executed nor lost.
// A non-nil error indicates an infrastructure failure (store access,
// unresolvable job key) and comes with the Errored outcome.
func (e *Executor) Execute(id string) (Outcome, error) {
	status, err := e.store.Get(id)
	if errors.Is(err, ErrNotFound) {
		return RejectedNotFound, nil
	}
	if err != nil {
		return Errored, err
	}

	def, err := e.registry.Resolve(status.Key)
	if err != nil {
		return Errored, fmt.Errorf("pinsetter: no job registered for key %s", status.Key)
	}

	r := &run{
		status: status,
		job:    def.Factory(),
		ctx:    NewExecutionContext(status),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return Errored, ErrClosed
	}

	status.State = Queued
	if err := e.store.Merge(status); err != nil {
		return Errored, err
	}

	select {
	case e.jobc <- r:
		e.inflight[status.ID] = true
		e.testJobQueued() // testing hook
		metricSubmissions.WithLabelValues("accepted").Inc()
		return Accepted, nil
	default:
		// Pool and queue saturated: revert to Pending so the job stays
		// visible in the store for re-submission.
		status.State = Pending
		if err := e.store.Merge(status); err != nil {
			return Errored, err
		}
		e.testJobRejected() // testing hook
		metricSubmissions.WithLabelValues("rejected").Inc()
		return RejectedSaturated, nil
	}
}

// worker is the main loop of a single worker goroutine.
func (e *Executor) worker() {
	defer e.wg.Done()
	for r := range e.jobc {
		e.runJob(r)
	}
}

// QueueDepth returns the number of accepted jobs not yet picked up by a
// worker.
func (e *Executor) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.jobc == nil {
		return 0
	}
	return len(e.jobc)
}

// InFlight returns the ids of all jobs currently accepted but not yet
// finalized, i.e. those Queued or Running inside this executor.
func (e *Executor) InFlight() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (e *Executor) clearInFlight(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}
