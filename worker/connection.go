package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/Norbi-S/sioworkers/internal/errkind"
	"github.com/Norbi-S/sioworkers/job"
)

// ErrConnClosed is the sentinel a Connection implementation's Run/
// GetRunning/Ping methods wrap their returned error with when the
// transport was already closed (as opposed to a remote-reported
// failure) — how RunReserved tells a dead connection apart from a
// job that genuinely failed on the worker, across transport
// implementations, without worker needing to import rpcproto (which
// itself depends on worker for this very interface).
var ErrConnClosed = errors.New("worker: connection closed")

// ClientInfo is the hello object a worker advertises at handshake
// (SPEC_FULL.md §3/§4.1). All four fields are mandatory.
type ClientInfo struct {
	Name           string
	Concurrency    int
	AvailableRAMMB int64
	CanRunCPUExec  bool
}

// Connection is the dispatcher's abstract view of a worker's
// bidirectional RPC channel (SPEC_FULL.md §6). A concrete transport
// (rpcproto) and a fake in-memory transport (used by tests) both
// implement it, mirroring the way the teacher's bigmachineExecutor is
// written against the bigmachine.Machine abstraction rather than a
// concrete socket.
type Connection interface {
	// Run dispatches env to the worker and blocks until it replies
	// with an enriched result env, fails remotely, or ctx is done.
	Run(ctx context.Context, env *job.Env) (map[string]interface{}, error)

	// GetRunning asks the worker which task ids it currently believes
	// itself to be running (SPEC_FULL.md §4.1 get_running).
	GetRunning(ctx context.Context) ([]string, error)

	// Ping is a bidirectional liveness check (SPEC_FULL.md §6).
	Ping(ctx context.Context) error

	// Close tears down the transport. Idempotent.
	Close() error

	// RemoteAddr is "host:port", used to build the worker's unique id.
	RemoteAddr() string

	// Done is closed once the transport is known to be gone, whether or
	// not a job was in flight at the time — this is what lets the
	// Worker Manager notice an idle worker's disconnect (SPEC_FULL.md
	// §3 Lifecycle: "destroyed on transport loss") rather than only
	// ever discovering loss the next time a job is dispatched to it.
	Done() <-chan struct{}
}

// ValidateHello checks a just-received hello object against
// SPEC_FULL.md §4.1's mandatory-field rules. An empty name,
// non-positive concurrency, or negative RAM all reject the connection
// with WorkerRejected.
func ValidateHello(info ClientInfo) error {
	if info.Name == "" {
		return errkind.E(errkind.WorkerRejected, "hello: name must be non-empty")
	}
	if info.Concurrency <= 0 {
		return errkind.E(errkind.WorkerRejected, fmt.Sprintf("hello: concurrency must be positive, got %d", info.Concurrency))
	}
	if info.AvailableRAMMB < 0 {
		return errkind.E(errkind.WorkerRejected, fmt.Sprintf("hello: available_ram_mb must be non-negative, got %d", info.AvailableRAMMB))
	}
	return nil
}

// UniqueID computes the stable "name@host:port" identifier
// (SPEC_FULL.md §4.1) a worker is registered under.
func UniqueID(name, remoteAddr string) string {
	return fmt.Sprintf("%s@%s", name, remoteAddr)
}
