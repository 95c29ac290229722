// Package scheduler implements the Scheduler of SPEC_FULL.md §4.3: a
// pure decision function over per-class priority queues and the
// Worker Manager's live fleet statistics. It never touches the
// network or the store directly — it is driven entirely by the actor
// goroutine described in SPEC_FULL.md §5.
package scheduler

import (
	"fmt"

	"github.com/grailbio/base/log"

	"github.com/Norbi-S/sioworkers/internal/errkind"
	"github.com/Norbi-S/sioworkers/job"
	"github.com/Norbi-S/sioworkers/worker"
)

// Task is the unit the scheduler queues: enough of a job's identity
// and requirements to order and dispatch it, without the scheduler
// needing to know about groups.
type Task struct {
	TaskID        string
	Class         job.Class
	Priority      int
	RequiredRAMMB int64
}

// Scheduler holds the three per-class queues of SPEC_FULL.md §4.3 plus
// the global RAM ceiling used for admissibility checks.
type Scheduler struct {
	queues map[job.Class]*classQueue

	tasks map[string]Task // taskID -> Task, for lookups during dispatch rounds

	maxTaskRAMMB int64 // process-wide ceiling; 0 means unset/unbounded
}

// New returns an empty Scheduler. maxTaskRAMMB is the TM's
// process-wide ceiling (SPEC_FULL.md §4.3 "Global cap"); pass 0 to
// leave it unbounded.
func New(maxTaskRAMMB int64) *Scheduler {
	return &Scheduler{
		queues: map[job.Class]*classQueue{
			job.RealCPU:    newClassQueue(),
			job.VirtualCPU: newClassQueue(),
			job.Other:      newClassQueue(),
		},
		tasks:        make(map[string]Task),
		maxTaskRAMMB: maxTaskRAMMB,
	}
}

// Enqueue admits t into its class queue, after checking admissibility
// against the global cap and the given fleet stats (SPEC_FULL.md §4.3
// "Admissibility check at enqueue"). stats is expected to be the
// result of the current worker.Manager.Stats() call; if no worker in
// the fleet (live or not, per the spec's "current maximum" wording —
// here approximated by the *currently registered* fleet, since that is
// all the dispatcher can ever observe) could fit t, the task is
// rejected with errkind.HugeTask and never queued. When no registered
// worker belongs to a partition t's class can run on, there is no
// maximum to compare against, and t is queued until a worker arrives.
func (s *Scheduler) Enqueue(t Task, stats worker.Stats) error {
	if s.maxTaskRAMMB > 0 && t.RequiredRAMMB > s.maxTaskRAMMB {
		return errkind.E(errkind.HugeTask, fmt.Sprintf("task %s requires %d MiB, exceeds max_task_ram_mb=%d", t.TaskID, t.RequiredRAMMB, s.maxTaskRAMMB))
	}
	if !s.fitsFleet(t, stats) {
		return errkind.E(errkind.HugeTask, fmt.Sprintf("task %s requires %d MiB, no worker in the fleet could ever run it", t.TaskID, t.RequiredRAMMB))
	}
	s.tasks[t.TaskID] = t
	s.queues[t.Class].push(t.TaskID, t.Priority)
	return nil
}

// fitsFleet reports whether t's required RAM is within the largest RAM
// advertised by the currently registered workers of the partitions its
// class can run on. With no such worker registered it reports true.
func (s *Scheduler) fitsFleet(t Task, stats worker.Stats) bool {
	switch t.Class {
	case job.RealCPU:
		return !stats.HasAnyCPU || t.RequiredRAMMB <= stats.MaxAnyCPU
	case job.VirtualCPU:
		// virtual-cpu jobs may run on either partition — any-cpu workers
		// can also run virtual-cpu work (SPEC_FULL.md §4.3 selection
		// policy) — so the ceiling is the larger of the two maxima.
		max := stats.MaxVcpuOnly
		if stats.HasAnyCPU && stats.MaxAnyCPU > max {
			max = stats.MaxAnyCPU
		}
		if !stats.HasAnyCPU && !stats.HasVcpuOnly {
			return true
		}
		return t.RequiredRAMMB <= max
	default: // job.Other: runnable anywhere
		max := stats.MaxVcpuOnly
		if stats.HasAnyCPU && stats.MaxAnyCPU > max {
			max = stats.MaxAnyCPU
		}
		if !stats.HasAnyCPU && !stats.HasVcpuOnly {
			return true
		}
		return t.RequiredRAMMB <= max
	}
}

// Cancel best-effort removes taskID from its queue if it is still
// pending (SPEC_FULL.md §4.4: a failed group's remaining queued jobs
// are cancelled this way; already-dispatched jobs are left to finish).
// It is a no-op if taskID is not queued (e.g. already dispatched).
func (s *Scheduler) Cancel(taskID string) {
	t, ok := s.tasks[taskID]
	if !ok {
		return
	}
	if s.queues[t.Class].remove(taskID) {
		delete(s.tasks, taskID)
	}
}

// candidateClasses returns, in priority order, the execution classes a
// worker with the given capability may be dispatched from, honoring
// the exclusivity rule (SPEC_FULL.md §4.3 selection policy).
func candidateClasses(canRunCPUExec bool, exclusiveClassInUse job.Class, exclusiveBusy bool) []job.Class {
	if exclusiveBusy {
		// Already running an exclusive-class job: only that same class
		// (for a second slot, if concurrency > 1) or other may follow.
		return []job.Class{exclusiveClassInUse, job.Other}
	}
	if canRunCPUExec {
		return []job.Class{job.RealCPU, job.VirtualCPU, job.Other}
	}
	return []job.Class{job.VirtualCPU, job.Other}
}

// ChooseTask implements chooseTask (SPEC_FULL.md §4.3): given a
// candidate worker's capability, its currently in-use exclusive class
// (if any), and its free RAM, returns the highest-priority queued task
// that is dispatchable there, without removing it from the queue. The
// caller (the actor) calls Dispatch to commit the pick once it has
// also reserved the worker slot via the Worker Manager.
func (s *Scheduler) ChooseTask(canRunCPUExec bool, exclusiveClassInUse job.Class, exclusiveBusy bool, freeRAMMB int64) (Task, bool) {
	// Only the root of each class queue is examined: it is the
	// highest-priority, oldest task in that class. If it doesn't fit
	// freeRAMMB, a lower-priority or later task in the same class won't
	// be picked out of order either — the caller tries this worker
	// again on a later round once some higher-priority work elsewhere
	// has drained.
	for _, class := range candidateClasses(canRunCPUExec, exclusiveClassInUse, exclusiveBusy) {
		taskID, ok := s.queues[class].peek()
		if !ok {
			continue
		}
		t := s.tasks[taskID]
		if t.RequiredRAMMB <= freeRAMMB {
			return t, true
		}
	}
	return Task{}, false
}

// Dispatch removes taskID from its class queue once the actor has
// committed to running it (SPEC_FULL.md §4.3 "Picking a task").
func (s *Scheduler) Dispatch(taskID string) {
	t, ok := s.tasks[taskID]
	if !ok {
		return
	}
	s.queues[t.Class].pop()
	delete(s.tasks, taskID)
	log.Printf("scheduler: dispatching task %s class=%s priority=%d", taskID, t.Class, t.Priority)
}

// Len reports the number of tasks still queued for class.
func (s *Scheduler) Len(class job.Class) int {
	return s.queues[class].len()
}
