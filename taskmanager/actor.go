package taskmanager

import (
	"context"
	"time"

	"github.com/grailbio/base/log"

	"github.com/Norbi-S/sioworkers/group"
	"github.com/Norbi-S/sioworkers/internal/errkind"
	"github.com/Norbi-S/sioworkers/job"
	"github.com/Norbi-S/sioworkers/scheduler"
	"github.com/Norbi-S/sioworkers/worker"
)

// Start recovers any in-progress groups from the store, subscribes to
// Worker Manager events, then runs the actor loop until ctx is done.
// It must be called at most once.
func (tm *TaskManager) Start(ctx context.Context) error {
	var startErr error
	tm.startOnce.Do(func() {
		startErr = tm.recover(ctx)
		if startErr != nil {
			return
		}
		tm.wm.NotifyOnNewWorker(func(uid string, _ worker.ClientInfo) {
			tm.cmdCh <- tm.dispatchRound
		})
		tm.wm.NotifyOnLostWorker(func(uid string, lostJobs []string) {
			tm.cmdCh <- func() { tm.onWorkerLost(uid, lostJobs) }
		})
		go tm.run(ctx)
	})
	return startErr
}

// recover implements SPEC_FULL.md §4.4 "Restart recovery": every
// persisted group with status=to_judge is re-enqueued. Per-job runtime
// state (which worker was running it) is never persisted, relying on
// the §4.1 rule that a reconnecting worker reporting in-flight jobs is
// rejected outright — so no job can be silently "owned" across a
// restart.
func (tm *TaskManager) recover(ctx context.Context) error {
	recs, err := tm.store.All()
	if err != nil {
		return err
	}
	stats := tm.wm.Stats()
	for _, rec := range recs {
		if rec.Status != group.ToJudge {
			continue
		}
		tm.groups[rec.ID] = rec
		tm.waiters[rec.ID] = make(chan map[string]interface{}, 1)
		for taskID, env := range rec.WorkersJobs {
			tm.taskGroup[taskID] = rec.ID
			if _, done := rec.Results[taskID]; done {
				continue
			}
			if err := tm.sched.Enqueue(scheduler.Task{
				TaskID:        taskID,
				Class:         env.Classify(),
				Priority:      rec.Priority,
				RequiredRAMMB: env.RequiredRAMMB(),
			}, stats); err != nil {
				// A fleet shrunk across a restart so that a previously
				// admissible job no longer fits anywhere: fail the group
				// the same way a live huge-task rejection would.
				tm.failGroup(rec, err)
			}
		}
		log.Printf("taskmanager: recovered group %s (%d job(s) pending)", rec.ID, len(rec.WorkersJobs)-len(rec.Results))
	}
	return nil
}

// run is the single actor goroutine (SPEC_FULL.md §5): it drains
// cmdCh and the sync ticker, and nothing else ever mutates
// tm.groups/tm.sched/tm.waiters/tm.inFlight.
func (tm *TaskManager) run(ctx context.Context) {
	ticker := time.NewTicker(tm.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-tm.cmdCh:
			cmd()
		case <-ticker.C:
			tm.flushDirty()
		}
	}
}

// dispatchRound attempts to fill every worker's free slots from the
// scheduler's queues (SPEC_FULL.md §4.3). It must only be called from
// the actor goroutine.
func (tm *TaskManager) dispatchRound() {
	if tm.status != nil {
		tm.status.Printf("groups: %d in-progress, %d in flight", len(tm.groups), len(tm.inFlight))
	}
	for _, uid := range tm.wm.Names() {
		for {
			info, ok := tm.wm.SlotInfo(uid)
			if !ok || info.FreeSlots < 1 {
				break
			}
			task, ok := tm.sched.ChooseTask(info.CanRunCPUExec, info.ExclusiveClass, info.ExclusiveBusy, info.FreeRAMMB)
			if !ok {
				break
			}
			groupID, ok := tm.taskGroup[task.TaskID]
			if !ok {
				// The owning group was removed (failed/cancelled) between
				// enqueue and dispatch; drop the stale task.
				tm.sched.Dispatch(task.TaskID)
				continue
			}
			rec := tm.groups[groupID]
			env := rec.WorkersJobs[task.TaskID]

			// Reserve synchronously, on the actor goroutine, before
			// handing the RPC call off to its own goroutine below — this
			// is what keeps the next SlotInfo() read in this very loop
			// from seeing uid as having a free slot it no longer has.
			if err := tm.wm.Reserve(uid, env); err != nil {
				// uid was lost between SlotInfo and Reserve; let the
				// WorkerLost notification handle the retry/failure path.
				break
			}
			tm.sched.Dispatch(task.TaskID)
			tm.inFlight[task.TaskID] = uid
			tm.runJob(uid, env)
		}
	}
}

// runJob dispatches env to uid on its own goroutine (a suspension
// point per SPEC_FULL.md §5: the actor itself never blocks on
// network I/O) and posts the outcome back onto cmdCh once the RPC
// call returns.
func (tm *TaskManager) runJob(uid string, env *job.Env) {
	taskID := env.TaskID
	go func() {
		ctx := context.Background()
		var cancel context.CancelFunc
		if tm.cfg.TaskTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, tm.cfg.TaskTimeout)
			defer cancel()
		}
		result, err := tm.wm.RunReserved(ctx, uid, env)
		tm.cmdCh <- func() {
			tm.onJobComplete(taskID, result, err)
		}
	}()
}

// onJobComplete handles a single job's outcome (SPEC_FULL.md §4.4
// addTaskGroup). A nil err records the result and checks for group
// completion. WorkerGone and TimeoutError (whose worker connection the
// Worker Manager has already torn down) are retried up to the
// configured ceiling. Any other error (RemoteError) fails the whole
// group.
func (tm *TaskManager) onJobComplete(taskID string, result map[string]interface{}, err error) {
	delete(tm.inFlight, taskID)
	groupID, ok := tm.taskGroup[taskID]
	if !ok {
		return // group already resolved/removed; discard late result
	}
	rec, ok := tm.groups[groupID]
	if !ok || rec.Failed() {
		return // first terminal error already won; discard
	}

	switch {
	case err == nil:
		rec.Results[taskID] = result
		tm.dirty[groupID] = true
		if rec.Complete() {
			tm.completeGroup(rec)
			return
		}
	case errkind.Is(errkind.WorkerGone, err), errkind.Is(errkind.TimeoutError, err):
		rec.RetryCnt++
		if rec.RetryCnt > tm.cfg.RetryLimit {
			tm.failGroup(rec, errkind.E(errkind.RetryLimitExceeded, taskID))
			return
		}
		log.Printf("taskmanager: task %s lost its worker, retry %d/%d", taskID, rec.RetryCnt, tm.cfg.RetryLimit)
		env := rec.WorkersJobs[taskID]
		stats := tm.wm.Stats()
		if enqErr := tm.sched.Enqueue(scheduler.Task{
			TaskID:        taskID,
			Class:         env.Classify(),
			Priority:      rec.Priority,
			RequiredRAMMB: env.RequiredRAMMB(),
		}, stats); enqErr != nil {
			tm.failGroup(rec, enqErr)
			return
		}
	default:
		tm.failGroup(rec, err)
		return
	}
	tm.dispatchRound()
}

// onWorkerLost handles the Worker Manager's loss notification: every
// job that was in flight on the lost worker is treated exactly like a
// WorkerGone RunOnWorker error (SPEC_FULL.md §4.4).
func (tm *TaskManager) onWorkerLost(uid string, lostTaskIDs []string) {
	for _, taskID := range lostTaskIDs {
		tm.onJobComplete(taskID, nil, errkind.E(errkind.WorkerGone, uid))
	}
}

// completeGroup resolves rec's promise with its merged results,
// deletes its persistent record (SPEC_FULL.md §4.4 "the TM ... deletes
// the persistent record"), delivers to the ResultSink, and cleans up
// in-memory bookkeeping, all through resolve.
func (tm *TaskManager) completeGroup(rec *group.Record) {
	tm.resolve(rec)
}

// failGroup records a terminal error on rec (first error wins) and
// resolves it the same way a successful completion would, after
// best-effort cancelling its remaining queued jobs.
func (tm *TaskManager) failGroup(rec *group.Record, err error) {
	kind, _ := errkind.KindOf(err)
	rec.Fail(kind.String(), err.Error())
	tm.cancelRemaining(rec)
	tm.resolve(rec)
}

// cancelRemaining removes rec's still-queued jobs from the scheduler
// (SPEC_FULL.md §4.4: "remaining jobs of that group are cancelled
// best-effort ... already-dispatched jobs are left to finish and
// their results discarded"). Dispatched-but-not-yet-returned jobs are
// left alone; their eventual onJobComplete call will see rec.Failed()
// and discard the result.
//
// This runs on the actor goroutine, so the cancellations are done
// sequentially, in-line — the scheduler's queues are plain
// container/heap slices with no locking of their own, guarded only by
// the single-actor invariant (SPEC_FULL.md §5), so nothing here may
// call into the scheduler from more than one goroutine at a time.
func (tm *TaskManager) cancelRemaining(rec *group.Record) {
	for taskID := range rec.WorkersJobs {
		if _, done := rec.Results[taskID]; done {
			continue
		}
		if _, inFlight := tm.inFlight[taskID]; inFlight {
			continue
		}
		tm.sched.Cancel(taskID)
	}
}

// resolve hands the merged env to the waiter, deletes rec's persisted
// record, hands the merged env to the ResultSink, and removes rec from
// in-memory bookkeeping.
func (tm *TaskManager) resolve(rec *group.Record) {
	merged := rec.MergedEnv()
	if waiter, ok := tm.waiters[rec.ID]; ok {
		waiter <- merged
		close(waiter)
	}
	if err := tm.store.Delete(rec.ID); err != nil {
		log.Printf("taskmanager: failed to delete persisted group %s: %v", rec.ID, err)
	}
	if tm.sink != nil {
		go tm.sink.Deliver(context.Background(), rec.ReturnURL, merged)
	}
	delete(tm.groups, rec.ID)
	delete(tm.waiters, rec.ID)
	delete(tm.dirty, rec.ID)
	for taskID := range rec.WorkersJobs {
		delete(tm.taskGroup, taskID)
	}
	log.Printf("taskmanager: resolved group %s (failed=%v)", rec.ID, rec.Failed())
}

// flushDirty batches every group with unpersisted mutations since the
// last sync into a single bbolt transaction (SPEC_FULL.md §4.4
// "Periodic sync").
func (tm *TaskManager) flushDirty() {
	if len(tm.dirty) == 0 {
		return
	}
	var recs []*group.Record
	ids := make([]string, 0, len(tm.dirty))
	for id := range tm.dirty {
		ids = append(ids, id)
		if rec, ok := tm.groups[id]; ok {
			recs = append(recs, rec)
		}
	}
	if err := tm.store.PutBatch(recs); err != nil {
		log.Printf("taskmanager: periodic sync failed: %v", err)
		return
	}
	for _, id := range ids {
		delete(tm.dirty, id)
	}
}
