// Package worker implements the Worker Connection and Worker Manager
// of SPEC_FULL.md §4.1/§4.2: the live-worker registry, per-worker
// admission and exclusivity enforcement, job dispatch, and loss
// propagation.
//
// The registry is guarded by a single sync.Mutex, never per-worker
// locks, following the teacher's own bigmachineExecutor (which guards
// its locations/stats/managers maps with exactly one mutex rather than
// splitting them up) — the exclusivity invariant spans workers, so a
// per-worker lock would not be enough to enforce it anyway
// (SPEC_FULL.md §5).
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/Norbi-S/sioworkers/internal/errkind"
	"github.com/Norbi-S/sioworkers/job"
)

// entry is the Worker Manager's bookkeeping for one live worker.
type entry struct {
	uid  string
	info ClientInfo
	conn Connection

	// running is task_id -> class, mirroring the spec's
	// running_jobs: set<task_id> but additionally recording each job's
	// class so the exclusivity guard and RAM accounting don't need to
	// re-classify on every check.
	running map[string]job.Class
	usedRAM int64
}

func (e *entry) freeSlots() int {
	return e.info.Concurrency - len(e.running)
}

func (e *entry) freeRAMMB() int64 {
	return e.info.AvailableRAMMB - e.usedRAM
}

// exclusiveClassInUse reports whether e is currently running a real-cpu
// or virtual-cpu job, and if so which.
func (e *entry) exclusiveClassInUse() (job.Class, bool) {
	for _, c := range e.running {
		if c == job.RealCPU || c == job.VirtualCPU {
			return c, true
		}
	}
	return job.Other, false
}

// Manager is the Worker Manager (SPEC_FULL.md §4.2).
type Manager struct {
	mu      sync.Mutex
	workers map[string]*entry
	onNew   []func(uid string, info ClientInfo)
	onLost  []func(uid string, lostJobs []string)
}

// NewManager returns an empty Worker Manager.
func NewManager() *Manager {
	return &Manager{workers: make(map[string]*entry)}
}

// NewWorker registers a freshly handshaken worker. It validates the
// hello object, rejects a worker that reports running jobs (a
// reconnection mid-execution the dispatcher has no record of,
// SPEC_FULL.md §4.1), and rejects a duplicate unique id.
func (m *Manager) NewWorker(ctx context.Context, uid string, info ClientInfo, conn Connection) error {
	if err := ValidateHello(info); err != nil {
		conn.Close()
		return err
	}

	running, err := conn.GetRunning(ctx)
	if err != nil {
		conn.Close()
		return errkind.E(errkind.WorkerRejected, "get_running failed", err)
	}
	if len(running) > 0 {
		conn.Close()
		return errkind.E(errkind.WorkerRejected, fmt.Sprintf("worker reconnected with %d in-flight jobs the dispatcher has no record of", len(running)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[uid]; exists {
		conn.Close()
		return errkind.E(errkind.DuplicateWorker, uid)
	}
	m.workers[uid] = &entry{
		uid:     uid,
		info:    info,
		conn:    conn,
		running: make(map[string]job.Class),
	}
	log.Printf("worker %s connected: concurrency=%d ram_mb=%d can_run_cpu_exec=%v", uid, info.Concurrency, info.AvailableRAMMB, info.CanRunCPUExec)

	go func() {
		<-conn.Done()
		m.WorkerLost(uid)
	}()

	callbacks := append([]func(string, ClientInfo){}, m.onNew...)
	go func() {
		for _, cb := range callbacks {
			cb(uid, info)
		}
	}()
	return nil
}

// WorkerLost removes uid from the registry (if still present) and
// fails every job it had in flight with WorkerGone. It is idempotent:
// calling it twice for the same uid, or for a uid that already lost
// the race against a concurrent NewWorker rejection, is a no-op.
func (m *Manager) WorkerLost(uid string) (lostJobs []string) {
	m.mu.Lock()
	e, ok := m.workers[uid]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.workers, uid)
	for taskID := range e.running {
		lostJobs = append(lostJobs, taskID)
	}
	m.mu.Unlock()

	e.conn.Close()
	log.Printf("worker %s lost, %d job(s) in flight", uid, len(lostJobs))

	callbacks := append([]func(string, []string){}, m.onLost...)
	go func() {
		for _, cb := range callbacks {
			cb(uid, lostJobs)
		}
	}()
	return lostJobs
}

// NotifyOnNewWorker registers an observer fired (on its own goroutine)
// after a worker is successfully registered.
func (m *Manager) NotifyOnNewWorker(cb func(uid string, info ClientInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNew = append(m.onNew, cb)
}

// NotifyOnLostWorker registers an observer fired (on its own goroutine)
// after a worker is removed from the registry, with the task ids it
// had in flight at the time.
func (m *Manager) NotifyOnLostWorker(cb func(uid string, lostJobs []string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLost = append(m.onLost, cb)
}

// CanAccept reports whether uid currently has a free slot, enough free
// RAM for requiredRAMMB, and is class-compatible with class — the
// admission check SPEC_FULL.md §4.2 assigns to the caller (the
// scheduler) before ever calling RunOnWorker.
func (m *Manager) CanAccept(uid string, class job.Class, requiredRAMMB int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.workers[uid]
	if !ok {
		return false
	}
	if e.freeSlots() < 1 || e.freeRAMMB() < requiredRAMMB {
		return false
	}
	if class == job.RealCPU && !e.info.CanRunCPUExec {
		return false
	}
	if class == job.RealCPU || class == job.VirtualCPU {
		if inUse, busy := e.exclusiveClassInUse(); busy && inUse != class {
			return false
		}
	}
	return true
}

// SlotInfo is a snapshot of one worker's current dispatch eligibility,
// enough for the scheduler's chooseTask to pick a compatible, RAM-
// fitting task without reaching into the Worker Manager's internals
// (SPEC_FULL.md §4.3 "Selection policy").
type SlotInfo struct {
	CanRunCPUExec  bool
	ExclusiveClass job.Class
	ExclusiveBusy  bool
	FreeSlots      int
	FreeRAMMB      int64
}

// SlotInfo returns uid's current SlotInfo, and whether uid is
// registered.
func (m *Manager) SlotInfo(uid string) (SlotInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.workers[uid]
	if !ok {
		return SlotInfo{}, false
	}
	class, busy := e.exclusiveClassInUse()
	return SlotInfo{
		CanRunCPUExec:  e.info.CanRunCPUExec,
		ExclusiveClass: class,
		ExclusiveBusy:  busy,
		FreeSlots:      e.freeSlots(),
		FreeRAMMB:      e.freeRAMMB(),
	}, true
}

// Reserve synchronously records env as running on uid — incrementing
// its used RAM and occupying a concurrency slot — without making any
// RPC call. It exists so a caller driving an asynchronous dispatch
// loop (taskmanager's actor, SPEC_FULL.md §5) can commit a worker's
// reservation before handing the actual RPC call off to a goroutine,
// closing the race a caller would otherwise have if reservation only
// happened inside the goroutine: the actor's next dispatch-round
// iteration must see this job's slot/RAM already taken. It is a
// programmer error (panic) to call this for a real-cpu or virtual-cpu
// job when the worker already has a job of the other exclusive class
// running, or when the worker has no free slot — SPEC_FULL.md §4.2
// places both invariants on the scheduler, and the teacher's own
// analogous internal invariants (e.g. exec.Eval's panic("nil err"))
// are enforced the same way: as a panic, not a returned error, because
// a correct caller never triggers it.
func (m *Manager) Reserve(uid string, env *job.Env) error {
	class := env.Classify()
	requiredRAM := env.RequiredRAMMB()

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.workers[uid]
	if !ok {
		return errkind.E(errkind.WorkerGone, uid)
	}
	if e.freeSlots() < 1 {
		panic(fmt.Sprintf("worker.Manager: reserved %s on %s with no free slots", env.TaskID, uid))
	}
	if class == job.RealCPU || class == job.VirtualCPU {
		if inUse, busy := e.exclusiveClassInUse(); busy && inUse != class {
			panic(fmt.Sprintf("worker.Manager: reserved %s job %s on %s already running a %s job", class, env.TaskID, uid, inUse))
		}
	}
	e.running[env.TaskID] = class
	e.usedRAM += requiredRAM
	return nil
}

// RunReserved issues the RPC call for env on uid, which must already
// have been reserved via Reserve, and releases the reservation once
// the call returns (success or failure alike).
func (m *Manager) RunReserved(ctx context.Context, uid string, env *job.Env) (map[string]interface{}, error) {
	m.mu.Lock()
	e, ok := m.workers[uid]
	if !ok {
		m.mu.Unlock()
		return nil, errkind.E(errkind.WorkerGone, uid)
	}
	conn := e.conn
	m.mu.Unlock()

	result, err := conn.Run(ctx, env)
	m.release(uid, env)

	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil:
		m.WorkerLost(uid)
		return nil, errkind.E(errkind.TimeoutError, env.TaskID, ctx.Err())
	case errors.Is(errors.Unavailable, err), errors.Is(errors.Net, err), stderrors.Is(err, ErrConnClosed):
		m.WorkerLost(uid)
		return nil, errkind.E(errkind.WorkerGone, uid, err)
	default:
		return nil, errkind.E(errkind.RemoteError, env.TaskID, err)
	}
}

func (m *Manager) release(uid string, env *job.Env) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.workers[uid]; ok {
		delete(e.running, env.TaskID)
		e.usedRAM -= env.RequiredRAMMB()
	}
}

// RunOnWorker reserves and dispatches env to uid in one call, blocking
// until it completes. Direct callers that dispatch synchronously (as
// opposed to taskmanager's actor, which uses Reserve/RunReserved
// separately to close the async-dispatch race described above) use
// this single-call form.
func (m *Manager) RunOnWorker(ctx context.Context, uid string, env *job.Env) (map[string]interface{}, error) {
	if err := m.Reserve(uid, env); err != nil {
		return nil, err
	}
	return m.RunReserved(ctx, uid, env)
}

// Stats computes the fleet-wide RAM statistics of SPEC_FULL.md §3
// (min/max available_ram_mb, partitioned by can_run_cpu_exec). Each
// statistic is absent — not zero — when its partition is empty.
type Stats struct {
	MinAnyCPU, MaxAnyCPU     int64
	HasAnyCPU                bool
	MinVcpuOnly, MaxVcpuOnly int64
	HasVcpuOnly              bool
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, e := range m.workers {
		ram := e.info.AvailableRAMMB
		if e.info.CanRunCPUExec {
			if !s.HasAnyCPU || ram < s.MinAnyCPU {
				s.MinAnyCPU = ram
			}
			if !s.HasAnyCPU || ram > s.MaxAnyCPU {
				s.MaxAnyCPU = ram
			}
			s.HasAnyCPU = true
		} else {
			if !s.HasVcpuOnly || ram < s.MinVcpuOnly {
				s.MinVcpuOnly = ram
			}
			if !s.HasVcpuOnly || ram > s.MaxVcpuOnly {
				s.MaxVcpuOnly = ram
			}
			s.HasVcpuOnly = true
		}
	}
	return s
}

// Names returns the unique ids of every currently registered worker,
// primarily for the scheduler's dispatch round (SPEC_FULL.md §4.3).
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.workers))
	for uid := range m.workers {
		names = append(names, uid)
	}
	return names
}

// Info returns the ClientInfo for uid, and whether uid is registered.
func (m *Manager) Info(uid string) (ClientInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.workers[uid]
	if !ok {
		return ClientInfo{}, false
	}
	return e.info, true
}

// Ping issues a liveness check against uid; a failure is treated as a
// worker loss, matching the teacher's treatment of any RPC failure to
// a machine as grounds for eventually considering it gone.
func (m *Manager) Ping(ctx context.Context, uid string) error {
	m.mu.Lock()
	e, ok := m.workers[uid]
	m.mu.Unlock()
	if !ok {
		return errkind.E(errkind.WorkerGone, uid)
	}
	if err := e.conn.Ping(ctx); err != nil {
		m.WorkerLost(uid)
		return errkind.E(errkind.WorkerGone, uid, err)
	}
	return nil
}
