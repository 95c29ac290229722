// Package job describes a single unit of dispatchable work: its typed
// identity (task_id, group_id, job_type), the execution class that
// identity implies, and the required-RAM computation the worker
// manager and scheduler both depend on.
//
// The env a submitter hands the dispatcher is an open string-keyed
// mapping (SPEC_FULL.md §3). Env keeps the well-known keys as typed
// fields and carries everything else in Extra, unmodified, so that
// pass-through keys a future job type introduces still round-trip
// through persistence and back out to the worker (SPEC_FULL.md §6).
package job

import "strings"

// Class is the execution class a job_type is classified into
// (SPEC_FULL.md §3). Exactly one real-cpu or virtual-cpu job may run
// on a worker at a time; Other jobs carry no such restriction.
type Class int

const (
	Other Class = iota
	RealCPU
	VirtualCPU
)

func (c Class) String() string {
	switch c {
	case RealCPU:
		return "real-cpu"
	case VirtualCPU:
		return "virtual-cpu"
	default:
		return "other"
	}
}

// Env is one job's description. TaskID, GroupID and JobType are
// mandatory for any job the scheduler or worker manager will accept;
// the memory-limit fields are optional overrides consumed by
// RequiredRAMMB. Extra holds every other key verbatim.
type Env struct {
	TaskID  string `json:"task_id"`
	GroupID string `json:"group_id"`
	JobType string `json:"job_type"`

	// Priority is copied down from the owning group's env at enqueue
	// time (SPEC_FULL.md §4.3); higher runs first.
	Priority int `json:"priority"`

	CheckOutput bool `json:"check_output"`

	ExecMemLimitKiB    int64 `json:"exec_mem_limit"`
	CheckerMemLimitKiB int64 `json:"checker_mem_limit"`
	IngenMemLimitKiB   int64 `json:"ingen_mem_limit"`
	InwerMemLimitKiB   int64 `json:"inwer_mem_limit"`
	CompileMemLimitKiB int64 `json:"compile_mem_limit"`
	// OtherMemLimitKiB is the override for the "otherwise" branch of
	// RequiredRAMMB. It is read from the single key other_mem_limit for
	// every job_type; a per-type key such as "ping_mem_limit" is not read.
	OtherMemLimitKiB int64 `json:"other_mem_limit"`

	Extra map[string]interface{}
}

// Classify returns the execution class implied by e.JobType
// (SPEC_FULL.md §3). unsafe-exec and plain exec are classified
// real-cpu alongside cpu-exec: confirmed against the required-RAM
// table, which treats them identically, and against
// original_source/sio/sioworkersd/server.py, which routes all three
// through the same CPU-exclusive worker path.
func (e *Env) Classify() Class {
	switch e.JobType {
	case "cpu-exec", "exec", "unsafe-exec":
		return RealCPU
	case "vcpu-exec", "sio2jail-exec":
		return VirtualCPU
	default:
		return Other
	}
}

// isExecVariant reports whether job_type is one of the exec-family
// types sharing the cpu-exec RAM formula (base, bumped for checkers).
func isExecVariant(jobType string) bool {
	switch jobType {
	case "cpu-exec", "exec", "unsafe-exec", "vcpu-exec", "sio2jail-exec":
		return true
	default:
		return false
	}
}

func kib2mib(kib int64) int64 {
	return kib / 1024
}

func maxI64(vs ...int64) int64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// RequiredRAMMB implements the required-RAM table of SPEC_FULL.md
// §4.2. All *_mem_limit fields on Env are KiB; the result is MiB,
// computed with integer division exactly as the spec's table
// prescribes.
func (e *Env) RequiredRAMMB() int64 {
	switch {
	case isExecVariant(e.JobType):
		base := maxI64(kib2mib(e.ExecMemLimitKiB), 64)
		if e.CheckOutput {
			return maxI64(base, kib2mib(e.CheckerMemLimitKiB), 256)
		}
		return base
	case e.JobType == "ingen":
		return maxI64(kib2mib(e.IngenMemLimitKiB), 256)
	case e.JobType == "inwer":
		return maxI64(kib2mib(e.InwerMemLimitKiB), 256)
	case e.JobType == "compile":
		return maxI64(kib2mib(e.CompileMemLimitKiB), 512)
	default:
		return maxI64(kib2mib(e.OtherMemLimitKiB), 256)
	}
}

// ExtraString returns e.Extra[key] as a string, or "" if absent or
// not a string. Used for opaque pass-through keys like contest_uid
// that the dispatcher never interprets, only preserves.
func (e *Env) ExtraString(key string) string {
	if e.Extra == nil {
		return ""
	}
	if v, ok := e.Extra[key].(string); ok {
		return v
	}
	return ""
}

// IsKnownJobType reports whether job_type is one of the values
// SPEC_FULL.md §3 names. The dispatcher treats job types opaquely
// beyond classification and the RAM table (SPEC_FULL.md §6), so this
// is advisory only; nothing in the dispatcher rejects a job on its
// result.
func IsKnownJobType(jobType string) bool {
	switch strings.TrimSpace(jobType) {
	case "compile", "cpu-exec", "vcpu-exec", "sio2jail-exec", "unsafe-exec", "ingen", "inwer", "ping", "exec":
		return true
	default:
		return false
	}
}
