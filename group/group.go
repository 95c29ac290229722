// Package group implements the Task Group record (SPEC_FULL.md §3):
// the atomic, persisted unit a submitter hands the dispatcher, and the
// per-job results it accumulates as its constituent jobs complete.
package group

import (
	"time"

	"github.com/Norbi-S/sioworkers/job"
)

// Status is a group's lifecycle state (SPEC_FULL.md §3), named after
// the vocabulary original_source/sio/sioworkersd uses directly.
type Status string

const (
	ToJudge Status = "to_judge"
	Done    Status = "done"
)

// Record is the durable form of a task group: everything the
// persistent store keeps keyed by group id, and everything the task
// manager reconstructs its in-memory state from on restart
// (SPEC_FULL.md §4.4 Restart recovery).
type Record struct {
	ID        string
	Status    Status
	Timestamp time.Time
	RetryCnt  int

	// Priority is attached to the group's env (if any) and copied down
	// to each constituent job at enqueue time (SPEC_FULL.md §4.3).
	Priority int

	// ReturnURL is the pass-through destination results are delivered
	// to; the dispatcher never interprets it beyond handing it to the
	// ResultSink (SPEC_FULL.md §4.4).
	ReturnURL string

	// ContestUID is an opaque pass-through pair preserved verbatim,
	// never interpreted by TM/WM/Scheduler (SPEC_FULL.md §3).
	ContestUID [2]string

	// WorkersJobs is task_id -> job env, the group's constituent jobs
	// as submitted.
	WorkersJobs map[string]*job.Env

	// Results is task_id -> enriched result env, populated as jobs
	// complete. A group is done only once len(Results) == len(WorkersJobs)
	// or a terminal error has been recorded.
	Results map[string]map[string]interface{}

	// Err, if non-empty, is the terminal error kind name that failed
	// the group (SPEC_FULL.md §7); set at most once.
	Err string
	// ErrMsg is the human-readable detail alongside Err.
	ErrMsg string
}

// NewRecord builds a fresh in-progress record for a freshly submitted
// group.
func NewRecord(groupID string, jobs map[string]*job.Env, priority int, returnURL string, contestUID [2]string) *Record {
	return &Record{
		ID:          groupID,
		Status:      ToJudge,
		Timestamp:   time.Now(),
		Priority:    priority,
		ReturnURL:   returnURL,
		ContestUID:  contestUID,
		WorkersJobs: jobs,
		Results:     make(map[string]map[string]interface{}),
	}
}

// Complete reports whether every constituent job has a recorded
// result, i.e. the group is ready to be collected and resolved.
func (r *Record) Complete() bool {
	if r.Err != "" {
		return true
	}
	return len(r.Results) >= len(r.WorkersJobs)
}

// Failed reports whether the group ended terminally in error.
func (r *Record) Failed() bool {
	return r.Err != ""
}

// Fail records a terminal error kind on the group. It is a no-op if
// the group has already failed (no partial results, per
// SPEC_FULL.md §4.4 — first terminal error wins).
func (r *Record) Fail(kind, msg string) {
	if r.Err != "" {
		return
	}
	r.Err = kind
	r.ErrMsg = msg
}

// MergedEnv assembles the final env delivered to the submitter
// (SPEC_FULL.md §7): either every job's result keyed by task_id, or
// an "error" field carrying the terminal error kind and message.
func (r *Record) MergedEnv() map[string]interface{} {
	out := map[string]interface{}{
		"group_id": r.ID,
	}
	if r.Err != "" {
		out["error"] = r.Err
		if r.ErrMsg != "" {
			out["error_message"] = r.ErrMsg
		}
		return out
	}
	jobs := make(map[string]interface{}, len(r.Results))
	for taskID, result := range r.Results {
		jobs[taskID] = result
	}
	out["workers_jobs"] = jobs
	return out
}
