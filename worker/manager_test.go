package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/Norbi-S/sioworkers/internal/errkind"
	"github.com/Norbi-S/sioworkers/job"
	"github.com/Norbi-S/sioworkers/rpcproto"
	"github.com/Norbi-S/sioworkers/worker"
)

func register(t *testing.T, m *worker.Manager, name string, concurrency int, ramMB int64, canCPU bool, runFn func(job.Env) (map[string]interface{}, error)) (string, func()) {
	t.Helper()
	fw := &rpcproto.FakeWorker{
		Hello: rpcproto.Hello{Name: name, Concurrency: concurrency, AvailableRAMMB: ramMB, CanRunCPUExec: canCPU},
		RunFunc: runFn,
	}
	conn := rpcproto.DialFakeWorker(fw)
	uid := worker.UniqueID(name, conn.RemoteAddr())
	info := worker.ClientInfo{Name: name, Concurrency: concurrency, AvailableRAMMB: ramMB, CanRunCPUExec: canCPU}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.NewWorker(ctx, uid, info, conn); err != nil {
		t.Fatalf("NewWorker(%s) = %v", uid, err)
	}
	return uid, fw.Close
}

// S2 — happy path: a worker hellos, runs a cpu-exec job, and the
// result env is enriched with foo=bar.
func TestRunOnWorkerHappyPath(t *testing.T) {
	m := worker.NewManager()
	uid, stop := register(t, m, "w1", 2, 4096, true, func(env job.Env) (map[string]interface{}, error) {
		return map[string]interface{}{"foo": "bar"}, nil
	})
	defer stop()

	env := &job.Env{TaskID: "ok", GroupID: "g1", JobType: "cpu-exec"}
	result, err := m.RunOnWorker(context.Background(), uid, env)
	if err != nil {
		t.Fatalf("RunOnWorker: %v", err)
	}
	if result["foo"] != "bar" {
		t.Errorf("result = %v, want foo=bar", result)
	}
}

// S3 — remote failure: the worker reports RemoteError('test'); the
// caller must observe errkind.RemoteError.
func TestRunOnWorkerRemoteError(t *testing.T) {
	m := worker.NewManager()
	uid, stop := register(t, m, "w1", 1, 4096, true, func(env job.Env) (map[string]interface{}, error) {
		return nil, errTest("test")
	})
	defer stop()

	env := &job.Env{TaskID: "fail", GroupID: "g1", JobType: "cpu-exec"}
	_, err := m.RunOnWorker(context.Background(), uid, env)
	if !errkind.Is(errkind.RemoteError, err) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

// S4 — exclusivity: a second concurrent real-cpu/virtual-cpu
// dispatch to a worker already running one must be rejected by the
// WM's internal guard (a panic, since the scheduler must never do
// this — SPEC_FULL.md §4.2).
func TestRunOnWorkerExclusivityGuard(t *testing.T) {
	m := worker.NewManager()
	gate := make(chan struct{})
	uid, stop := register(t, m, "w1", 2, 4096, true, func(env job.Env) (map[string]interface{}, error) {
		<-gate
		return map[string]interface{}{}, nil
	})
	defer stop()
	defer close(gate)

	go m.RunOnWorker(context.Background(), uid, &job.Env{TaskID: "hang1", GroupID: "g1", JobType: "cpu-exec"})
	// Give the dispatch goroutine a chance to register hang1 as
	// running before we attempt the conflicting dispatch.
	time.Sleep(50 * time.Millisecond)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("RunOnWorker for hang2 did not panic")
		}
	}()
	m.RunOnWorker(context.Background(), uid, &job.Env{TaskID: "hang2", GroupID: "g1", JobType: "vcpu-exec"})
}

// S5 — worker gone: severing the connection mid-job must surface
// errkind.WorkerGone and remove the worker from the registry.
func TestRunOnWorkerGone(t *testing.T) {
	m := worker.NewManager()
	gate := make(chan struct{})
	fw := &rpcproto.FakeWorker{
		Hello: rpcproto.Hello{Name: "w1", Concurrency: 1, AvailableRAMMB: 1024, CanRunCPUExec: true},
		RunFunc: func(env job.Env) (map[string]interface{}, error) {
			<-gate
			return map[string]interface{}{}, nil
		},
	}
	conn := rpcproto.DialFakeWorker(fw)
	uid := worker.UniqueID("w1", conn.RemoteAddr())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.NewWorker(ctx, uid, worker.ClientInfo{Name: "w1", Concurrency: 1, AvailableRAMMB: 1024, CanRunCPUExec: true}, conn); err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := m.RunOnWorker(context.Background(), uid, &job.Env{TaskID: "hang", GroupID: "g1", JobType: "cpu-exec"})
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	fw.Close()

	select {
	case err := <-errc:
		if !errkind.Is(errkind.WorkerGone, err) {
			t.Fatalf("err = %v, want WorkerGone", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for WorkerGone")
	}
	if _, ok := m.Info(uid); ok {
		t.Fatal("worker still registered after loss")
	}
}

// S6 — stats: min/max RAM per class, absent when a partition is
// empty.
func TestStats(t *testing.T) {
	m := worker.NewManager()
	type spec struct {
		name   string
		ram    int64
		canCPU bool
	}
	specs := []spec{
		{"a", 128, true},
		{"b", 64, false},
		{"c", 8192, false},
		{"d", 16384, true},
		{"e", 4096, true},
	}
	var stoppers []func()
	for _, s := range specs {
		_, stop := register(t, m, s.name, 1, s.ram, s.canCPU, nil)
		stoppers = append(stoppers, stop)
	}

	stats := m.Stats()
	if !stats.HasAnyCPU || stats.MinAnyCPU != 128 || stats.MaxAnyCPU != 16384 {
		t.Errorf("any-cpu stats = %+v, want min=128 max=16384", stats)
	}
	if !stats.HasVcpuOnly || stats.MinVcpuOnly != 64 || stats.MaxVcpuOnly != 8192 {
		t.Errorf("vcpu-only stats = %+v, want min=64 max=8192", stats)
	}

	for _, stop := range stoppers {
		stop()
	}
	// Closing each FakeWorker fires its Conn's Done() channel, which
	// the Manager watches even for idle workers (no job in flight) so
	// it notices the loss without waiting for a dispatch attempt.
	time.Sleep(50 * time.Millisecond)
	stats = m.Stats()
	if stats.HasAnyCPU || stats.HasVcpuOnly {
		t.Errorf("stats after all workers lost = %+v, want all absent", stats)
	}
}

// S8 — handshake rejection for malformed hello fields.
func TestValidateHelloRejections(t *testing.T) {
	cases := []worker.ClientInfo{
		{Name: "", Concurrency: 1, AvailableRAMMB: 0, CanRunCPUExec: true},
		{Name: "w", Concurrency: 0, AvailableRAMMB: 0, CanRunCPUExec: true},
		{Name: "w", Concurrency: -1, AvailableRAMMB: 0, CanRunCPUExec: true},
		{Name: "w", Concurrency: 1, AvailableRAMMB: -1, CanRunCPUExec: true},
	}
	for _, info := range cases {
		err := worker.ValidateHello(info)
		if !errkind.Is(errkind.WorkerRejected, err) {
			t.Errorf("ValidateHello(%+v) = %v, want WorkerRejected", info, err)
		}
	}
}

// S9 — duplicate worker id is rejected and its transport closed.
func TestDuplicateWorkerRejected(t *testing.T) {
	m := worker.NewManager()
	uid, stop1 := register(t, m, "dup", 1, 1024, true, nil)
	defer stop1()

	fw2 := &rpcproto.FakeWorker{Hello: rpcproto.Hello{Name: "dup", Concurrency: 1, AvailableRAMMB: 1024, CanRunCPUExec: true}}
	conn2 := rpcproto.DialFakeWorker(fw2)
	defer fw2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.NewWorker(ctx, uid, worker.ClientInfo{Name: "dup", Concurrency: 1, AvailableRAMMB: 1024, CanRunCPUExec: true}, conn2)
	if !errkind.Is(errkind.DuplicateWorker, err) {
		t.Fatalf("err = %v, want DuplicateWorker", err)
	}
}

// A worker reconnecting with running jobs is rejected
// (SPEC_FULL.md §4.1).
func TestReconnectWithRunningJobsRejected(t *testing.T) {
	m := worker.NewManager()
	fw := &rpcproto.FakeWorker{
		Hello:      rpcproto.Hello{Name: "w1", Concurrency: 1, AvailableRAMMB: 1024, CanRunCPUExec: true},
		RunningIDs: []string{"orphaned-task"},
	}
	conn := rpcproto.DialFakeWorker(fw)
	defer fw.Close()
	uid := worker.UniqueID("w1", conn.RemoteAddr())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.NewWorker(ctx, uid, worker.ClientInfo{Name: "w1", Concurrency: 1, AvailableRAMMB: 1024, CanRunCPUExec: true}, conn)
	if !errkind.Is(errkind.WorkerRejected, err) {
		t.Fatalf("err = %v, want WorkerRejected", err)
	}
}

func TestCanAcceptClassCompatibility(t *testing.T) {
	m := worker.NewManager()
	uid, stop := register(t, m, "vcpu-only", 1, 4096, false, nil)
	defer stop()

	if m.CanAccept(uid, job.RealCPU, 64) {
		t.Error("vcpu-only worker should not accept real-cpu jobs")
	}
	if !m.CanAccept(uid, job.VirtualCPU, 64) {
		t.Error("vcpu-only worker should accept virtual-cpu jobs")
	}
	if !m.CanAccept(uid, job.Other, 64) {
		t.Error("vcpu-only worker should accept other jobs")
	}
}
