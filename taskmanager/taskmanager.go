// Package taskmanager implements the Task Manager of SPEC_FULL.md
// §4.4: group durability, aggregation, retry on transient worker
// loss, and results delivery, driven by the single actor goroutine of
// §5.
package taskmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"

	"github.com/Norbi-S/sioworkers/group"
	"github.com/Norbi-S/sioworkers/internal/errkind"
	"github.com/Norbi-S/sioworkers/job"
	"github.com/Norbi-S/sioworkers/scheduler"
	"github.com/Norbi-S/sioworkers/store"
	"github.com/Norbi-S/sioworkers/worker"
)

// ResultSink is the pluggable delivery seam for a completed group's
// merged env (SPEC_FULL.md §4.4 "Results delivery"). The TM never
// blocks a group's in-process resolution on Deliver succeeding; it is
// invoked best-effort after the group's result channel is resolved.
type ResultSink interface {
	Deliver(ctx context.Context, returnURL string, env map[string]interface{})
}

// DefaultRetryLimit is the default ceiling on WorkerGone retries for a
// single group before it fails with RetryLimitExceeded (SPEC_FULL.md
// §9 Open Question resolution).
const DefaultRetryLimit = 3

// DefaultSyncInterval is the default cadence of the periodic
// dirty-record flush (SPEC_FULL.md §4.4 "Periodic sync").
const DefaultSyncInterval = 5 * time.Second

// Config bundles the TM's tunables (SPEC_FULL.md §6 CLI/environment).
type Config struct {
	RetryLimit   int
	SyncInterval time.Duration
	MaxTaskRAMMB int64
	TaskTimeout  time.Duration
}

// TaskManager is the Task Manager actor. All exported methods besides
// Start enqueue a closure onto cmdCh and block on a per-call response
// channel; they never touch groups/scheduler state directly — only
// the single goroutine started by Start does (SPEC_FULL.md §5).
//
// A plain "apply func(*TaskManager)" command channel is used here
// instead of one channel per event kind (the shape exec/eval.go uses
// for its two event kinds, errc and donec): this actor multiplexes
// five independent event sources (group submission, job completion,
// worker arrival, worker loss, and the sync timer), and a single
// generic command channel serializes all of them through the same
// actor loop without a growing number of bespoke channel types.
type TaskManager struct {
	cfg    Config
	store  *store.Store
	sched  *scheduler.Scheduler
	wm     *worker.Manager
	sink   ResultSink
	status *status.Group

	cmdCh chan func()

	groups    map[string]*group.Record
	waiters   map[string]chan map[string]interface{}
	inFlight  map[string]string // task id -> worker uid
	taskGroup map[string]string // task id -> group id
	dirty     map[string]bool

	startOnce sync.Once
}

// New constructs a TaskManager. Call Start to begin serving.
func New(cfg Config, st *store.Store, sched *scheduler.Scheduler, wm *worker.Manager, sink ResultSink, statusGroup *status.Group) *TaskManager {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	return &TaskManager{
		cfg:       cfg,
		store:     st,
		sched:     sched,
		wm:        wm,
		sink:      sink,
		status:    statusGroup,
		cmdCh:     make(chan func(), 64),
		groups:    make(map[string]*group.Record),
		waiters:   make(map[string]chan map[string]interface{}),
		inFlight:  make(map[string]string),
		taskGroup: make(map[string]string),
		dirty:     make(map[string]bool),
	}
}

// AddTaskGroup implements addTaskGroup (SPEC_FULL.md §4.4): validates
// group id uniqueness, computes and admissibility-checks required RAM
// per job, persists the group with status=to_judge, enqueues each job
// in the scheduler, and returns a channel that receives exactly one
// merged result env once the group resolves.
func (tm *TaskManager) AddTaskGroup(ctx context.Context, groupID string, jobs map[string]*job.Env, priority int, returnURL string, contestUID [2]string) (<-chan map[string]interface{}, error) {
	type reply struct {
		ch  chan map[string]interface{}
		err error
	}
	replyc := make(chan reply, 1)
	cmd := func() {
		if _, exists := tm.groups[groupID]; exists {
			replyc <- reply{err: errkind.E(errkind.DuplicateGroup, groupID)}
			return
		}
		stats := tm.wm.Stats()
		for taskID, env := range jobs {
			env.GroupID = groupID
			env.TaskID = taskID
			env.Priority = priority
			if err := tm.sched.Enqueue(scheduler.Task{
				TaskID:        taskID,
				Class:         env.Classify(),
				Priority:      priority,
				RequiredRAMMB: env.RequiredRAMMB(),
			}, stats); err != nil {
				replyc <- reply{err: err}
				return
			}
		}

		rec := group.NewRecord(groupID, jobs, priority, returnURL, contestUID)
		if err := tm.store.Put(rec); err != nil {
			for taskID := range jobs {
				tm.sched.Cancel(taskID)
			}
			replyc <- reply{err: fmt.Errorf("taskmanager: persist group %s: %w", groupID, err)}
			return
		}

		tm.groups[groupID] = rec
		resultc := make(chan map[string]interface{}, 1)
		tm.waiters[groupID] = resultc
		for taskID := range jobs {
			tm.taskGroup[taskID] = groupID
		}
		log.Printf("taskmanager: accepted group %s with %d job(s)", groupID, len(jobs))
		replyc <- reply{ch: resultc}
		tm.dispatchRound()
	}
	select {
	case tm.cmdCh <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-replyc:
		return r.ch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GroupStatus reports whether groupID is currently tracked in-memory
// (in-progress) by the TM, for diagnostics/the HTTP front door.
func (tm *TaskManager) GroupStatus(ctx context.Context, groupID string) (group.Status, bool) {
	type reply struct {
		status group.Status
		ok     bool
	}
	replyc := make(chan reply, 1)
	cmd := func() {
		rec, ok := tm.groups[groupID]
		if !ok {
			replyc <- reply{}
			return
		}
		replyc <- reply{rec.Status, true}
	}
	select {
	case tm.cmdCh <- cmd:
	case <-ctx.Done():
		return "", false
	}
	select {
	case r := <-replyc:
		return r.status, r.ok
	case <-ctx.Done():
		return "", false
	}
}
