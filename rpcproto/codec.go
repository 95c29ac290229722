// Package rpcproto implements the worker-facing transport of
// SPEC_FULL.md §6: a bidirectional, length-framed, gob-encoded RPC
// channel. The shape follows the teacher's sibling library
// github.com/grailbio/bigmachine/rpc (a framed-gob stream the teacher
// dials machines over via Machine.Call/RetryCall) but is implemented
// directly against stdlib net/encoding/gob rather than vendoring
// bigmachine, since the full bigmachine transport is out of scope for
// this spec (SPEC_FULL.md §1, §9B) — only the narrow
// hello/run/get_running/ping surface is needed here.
package rpcproto

// Method names exchanged over the wire (SPEC_FULL.md §6).
const (
	MethodHello      = "hello"
	MethodRun        = "run"
	MethodGetRunning = "get_running"
	MethodPing       = "ping"
)

// Hello is the handshake payload both sides exchange on connect
// (SPEC_FULL.md §4.1).
type Hello struct {
	Name           string
	Concurrency    int
	AvailableRAMMB int64
	CanRunCPUExec  bool
}

type remoteError string

func (e remoteError) Error() string { return string(e) }
