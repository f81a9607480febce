// Package scheduler implements the cooperative work queue described in
// spec §4.3: a single-threaded queue of tasks that the replica manager
// drains on every proceed().
package scheduler

import "sync"

// Task is anything the scheduler can drive forward. perform() may
// reschedule itself or schedule other tasks; those run on a later
// Scheduler.Proceed, not the current one (§4.3 "fair round-robin").
type Task interface {
	Perform()
}

// Scheduler is the Task Scheduler (§4.3). Every method takes the
// scheduler's own lock, so it may be called from several goroutines; the
// replica manager does not wrap it in a lock of its own.
type Scheduler struct {
	mu       sync.Mutex
	pending  []Task
	queued   map[Task]bool
	inFlight map[Task]bool
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		queued:   make(map[Task]bool),
		inFlight: make(map[Task]bool),
	}
}

// Schedule enqueues task if it is not already pending. It is idempotent:
// scheduling an already-pending task is a no-op.
func (s *Scheduler) Schedule(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queued[task] {
		return
	}
	s.queued[task] = true
	s.pending = append(s.pending, task)
}

// Proceed dequeues every task pending as of the start of this call and
// invokes Perform on each, in FIFO order. Tasks scheduled by a Perform call
// during this Proceed are deferred to the next call, giving a fair
// round-robin across tasks instead of starving later ones (§4.3).
//
// At most one invocation of Perform for a given task is in flight at a
// time: if task re-schedules itself from within its own Perform, that
// re-schedule is still only observed on the next Proceed, and a task whose
// Perform is still running in a concurrent Proceed stays queued.
func (s *Scheduler) Proceed() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	var batch []Task
	for _, t := range pending {
		if s.inFlight[t] {
			s.pending = append(s.pending, t)
			continue
		}
		delete(s.queued, t)
		s.inFlight[t] = true
		batch = append(batch, t)
	}
	s.mu.Unlock()

	for _, task := range batch {
		task.Perform()
		s.mu.Lock()
		delete(s.inFlight, task)
		s.mu.Unlock()
	}
}

// IsIdle reports whether the scheduler has no pending work.
func (s *Scheduler) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0
}

// ProceedAll repeatedly calls Proceed until IsIdle returns true. Callers
// must ensure tasks eventually stop rescheduling themselves under steady
// state, or this loops forever. ReplicatedSegment.Sync does not use it: it
// calls the owner's Proceed once per round, bounded by its ctx.
func (s *Scheduler) ProceedAll() {
	for !s.IsIdle() {
		s.Proceed()
	}
}

// Pending returns the number of tasks currently queued (not yet dequeued by
// a Proceed call). Used for the replica manager's Stats snapshot.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
