package scheduler

import (
	"fmt"
	"sync"

	"github.com/aristath/conductor/internal/taskgraph"
)

// State represents the scheduler-side state of a task.
type State int

const (
	StatePending State = iota // Waiting for dependencies or locks
	StateRunning               // Currently executing in an agent
	StateDone                  // Finished successfully
	StateFailed                // Finished with error; never re-admitted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Scheduler computes readiness over the task-graph, enforces mutual exclusion
// on resource locks, bounds concurrency, and detects deadlock.
//
// All mutations must come from a single coordinator goroutine; the mutex only
// protects concurrent readers (progress reporting) against that writer.
type Scheduler struct {
	mu     sync.RWMutex
	store  *taskgraph.Store
	order  []string          // Declaration order, the deterministic tie-break
	state  map[string]State
	holder map[string]string // lock name -> task ID currently holding it
}

// New builds a scheduler over the given store. Tasks already completed at load
// start in StateDone; everything else starts pending.
func New(store *taskgraph.Store) *Scheduler {
	s := &Scheduler{
		store:  store,
		order:  store.IDs(),
		state:  make(map[string]State),
		holder: make(map[string]string),
	}

	for _, id := range s.order {
		t, _ := store.Get(id)
		if t.Completed {
			s.state[id] = StateDone
		} else {
			s.state[id] = StatePending
		}
	}
	return s
}

// Ready returns every pending task whose dependencies are all done and whose
// entire effective lock set is currently unheld, in declaration order.
func (s *Scheduler) Ready() []*taskgraph.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready()
}

func (s *Scheduler) ready() []*taskgraph.Task {
	var out []*taskgraph.Task
	for _, id := range s.order {
		if s.state[id] != StatePending {
			continue
		}
		t, _ := s.store.Get(id)
		if s.depsDone(t) && s.locksFree(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Scheduler) depsDone(t *taskgraph.Task) bool {
	for _, dep := range t.DependsOn {
		if s.state[dep] != StateDone {
			return false
		}
	}
	return true
}

func (s *Scheduler) locksFree(t *taskgraph.Task) bool {
	for _, lock := range t.EffectiveLocks() {
		if _, held := s.holder[lock]; held {
			return false
		}
	}
	return true
}

// Start transitions a pending task to running and installs it as the holder
// of every lock in its effective lock set. The transition is atomic: either
// all preconditions hold and every lock is installed, or nothing changes.
func (s *Scheduler) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start(id)
}

func (s *Scheduler) start(id string) error {
	t, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	if s.state[id] != StatePending {
		return fmt.Errorf("task %q is not pending (state: %s)", id, s.state[id])
	}
	if !s.depsDone(t) {
		return fmt.Errorf("task %q has unsatisfied dependencies", id)
	}
	for _, lock := range t.EffectiveLocks() {
		if holder, held := s.holder[lock]; held {
			return fmt.Errorf("task %q needs lock %q held by %q", id, lock, holder)
		}
	}

	s.state[id] = StateRunning
	for _, lock := range t.EffectiveLocks() {
		s.holder[lock] = id
	}
	return nil
}

// Complete transitions a running task to done, releases its locks, and
// persists completion through the store.
func (s *Scheduler) Complete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state[id] != StateRunning {
		return fmt.Errorf("task %q is not running (state: %s)", id, s.state[id])
	}

	s.state[id] = StateDone
	s.releaseLocks(id)
	return s.store.MarkCompleted(id)
}

// Fail transitions a running task to failed and releases its locks. Completion
// is not persisted; dependents stay pending and will surface as blocked.
func (s *Scheduler) Fail(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state[id] != StateRunning {
		return fmt.Errorf("task %q is not running (state: %s)", id, s.state[id])
	}

	s.state[id] = StateFailed
	s.releaseLocks(id)
	return nil
}

func (s *Scheduler) releaseLocks(id string) {
	for lock, holder := range s.holder {
		if holder == id {
			delete(s.holder, lock)
		}
	}
}

// Admit starts up to maxConcurrent − running tasks from the ready set and
// returns them. This is the scheduler's sole admission primitive. Tasks
// started within one call have pairwise disjoint effective lock sets because
// each Start installs its locks before the next candidate is considered.
func (s *Scheduler) Admit(maxConcurrent int) []*taskgraph.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := maxConcurrent - s.countLocked(StateRunning)
	if slots <= 0 {
		return nil
	}

	var admitted []*taskgraph.Task
	for _, t := range s.ready() {
		if len(admitted) >= slots {
			break
		}
		if err := s.start(t.ID); err != nil {
			// A task admitted earlier in this call may have taken one of its
			// locks; it stays pending for a later tick.
			continue
		}
		admitted = append(admitted, t)
	}
	return admitted
}

// DepState pairs a dependency with its current scheduler state.
type DepState struct {
	ID    string
	State State
}

// LockHold names a lock and the task currently holding it.
type LockHold struct {
	Lock   string
	Holder string
}

// BlockReason explains why a pending task cannot be admitted.
type BlockReason struct {
	TaskID    string
	Deps      []DepState // Dependencies not yet done, with their states
	HeldLocks []LockHold // Locks in the effective set currently held elsewhere
}

// ExplainBlock returns the unsatisfied dependencies and held locks keeping a
// task out of the ready set.
func (s *Scheduler) ExplainBlock(id string) (*BlockReason, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}

	reason := &BlockReason{TaskID: id}
	for _, dep := range t.DependsOn {
		if st := s.state[dep]; st != StateDone {
			reason.Deps = append(reason.Deps, DepState{ID: dep, State: st})
		}
	}
	for _, lock := range t.EffectiveLocks() {
		if holder, held := s.holder[lock]; held && holder != id {
			reason.HeldLocks = append(reason.HeldLocks, LockHold{Lock: lock, Holder: holder})
		}
	}
	return reason, nil
}

// IsDeadlocked reports whether pending tasks exist but nothing is running and
// nothing is ready. With locks released on terminal states this means every
// pending task waits on a dependency that will never complete.
func (s *Scheduler) IsDeadlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.countLocked(StatePending) > 0 &&
		s.countLocked(StateRunning) == 0 &&
		len(s.ready()) == 0
}

// Drained reports whether no task is pending or running.
func (s *Scheduler) Drained() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.countLocked(StatePending) == 0 && s.countLocked(StateRunning) == 0
}

// StateOf returns the current state of a task.
func (s *Scheduler) StateOf(id string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state[id]
}

// Pending returns the IDs of all pending tasks in declaration order.
func (s *Scheduler) Pending() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, id := range s.order {
		if s.state[id] == StatePending {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of tasks currently in the given state.
func (s *Scheduler) Count(st State) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked(st)
}

func (s *Scheduler) countLocked(st State) int {
	n := 0
	for _, id := range s.order {
		if s.state[id] == st {
			n++
		}
	}
	return n
}

// Holder returns the task currently holding the given lock, if any.
func (s *Scheduler) Holder(lock string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.holder[lock]
	return id, ok
}
