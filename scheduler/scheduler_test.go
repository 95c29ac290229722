package scheduler_test

import (
	"testing"

	"github.com/Norbi-S/sioworkers/internal/errkind"
	"github.com/Norbi-S/sioworkers/job"
	"github.com/Norbi-S/sioworkers/scheduler"
	"github.com/Norbi-S/sioworkers/worker"
)

var fleet = worker.Stats{
	HasAnyCPU:   true,
	MinAnyCPU:   128,
	MaxAnyCPU:   4096,
	HasVcpuOnly: true,
	MinVcpuOnly: 64,
	MaxVcpuOnly: 2048,
}

// S11 — priority ordering: within a class, the highest-priority queued
// task is always picked first, FIFO among equal priorities.
func TestChooseTaskPriorityOrdering(t *testing.T) {
	s := scheduler.New(0)
	tasks := []scheduler.Task{
		{TaskID: "low1", Class: job.Other, Priority: 0, RequiredRAMMB: 64},
		{TaskID: "high", Class: job.Other, Priority: 10, RequiredRAMMB: 64},
		{TaskID: "low2", Class: job.Other, Priority: 0, RequiredRAMMB: 64},
		{TaskID: "mid", Class: job.Other, Priority: 5, RequiredRAMMB: 64},
	}
	for _, tk := range tasks {
		if err := s.Enqueue(tk, fleet); err != nil {
			t.Fatalf("Enqueue(%s): %v", tk.TaskID, err)
		}
	}

	want := []string{"high", "mid", "low1", "low2"}
	for _, id := range want {
		got, ok := s.ChooseTask(true, job.Other, false, 4096)
		if !ok {
			t.Fatalf("ChooseTask: expected %s, got none", id)
		}
		if got.TaskID != id {
			t.Fatalf("ChooseTask picked %s, want %s", got.TaskID, id)
		}
		s.Dispatch(got.TaskID)
	}
	if _, ok := s.ChooseTask(true, job.Other, false, 4096); ok {
		t.Fatal("ChooseTask returned a task after the queue should be empty")
	}
}

// S7 — huge-task rejection: a job whose required RAM exceeds every
// registered worker's advertised RAM for its class is rejected at
// enqueue with errkind.HugeTask, and never queued.
func TestEnqueueHugeTaskRejected(t *testing.T) {
	s := scheduler.New(0)
	tk := scheduler.Task{TaskID: "huge", Class: job.RealCPU, Priority: 0, RequiredRAMMB: 8192}
	err := s.Enqueue(tk, fleet)
	if !errkind.Is(errkind.HugeTask, err) {
		t.Fatalf("err = %v, want HugeTask", err)
	}
	if s.Len(job.RealCPU) != 0 {
		t.Fatalf("Len(RealCPU) = %d, want 0 (rejected task must not be queued)", s.Len(job.RealCPU))
	}
}

// A job exceeding the global max_task_ram_mb cap is rejected the same
// way even if some worker in the fleet could technically fit it.
func TestEnqueueGlobalCapRejected(t *testing.T) {
	s := scheduler.New(1024)
	tk := scheduler.Task{TaskID: "over-cap", Class: job.Other, Priority: 0, RequiredRAMMB: 2048}
	err := s.Enqueue(tk, fleet)
	if !errkind.Is(errkind.HugeTask, err) {
		t.Fatalf("err = %v, want HugeTask", err)
	}
}

// A virtual-cpu job may run on an any-cpu worker too, so the
// admissibility ceiling for that class is the larger of the two
// partition maxima.
func TestEnqueueVirtualCPUUsesCombinedCeiling(t *testing.T) {
	s := scheduler.New(0)
	tk := scheduler.Task{TaskID: "vcpu-big", Class: job.VirtualCPU, Priority: 0, RequiredRAMMB: 3000}
	if err := s.Enqueue(tk, fleet); err != nil {
		t.Fatalf("Enqueue: %v (vcpu job within any-cpu's max should be admissible)", err)
	}
}

// Class-compatibility in ChooseTask: a vcpu-only worker must never be
// offered a real-cpu task, and a worker already running one exclusive
// class must only be offered that class or "other".
func TestChooseTaskClassCompatibility(t *testing.T) {
	s := scheduler.New(0)
	for _, tk := range []scheduler.Task{
		{TaskID: "cpu1", Class: job.RealCPU, Priority: 0, RequiredRAMMB: 64},
		{TaskID: "vcpu1", Class: job.VirtualCPU, Priority: 0, RequiredRAMMB: 64},
		{TaskID: "other1", Class: job.Other, Priority: 0, RequiredRAMMB: 64},
	} {
		if err := s.Enqueue(tk, fleet); err != nil {
			t.Fatalf("Enqueue(%s): %v", tk.TaskID, err)
		}
	}

	// vcpu-only worker (canRunCPUExec=false) must skip the real-cpu
	// queue entirely.
	got, ok := s.ChooseTask(false, job.Other, false, 4096)
	if !ok || got.TaskID != "vcpu1" {
		t.Fatalf("vcpu-only worker got %+v, ok=%v, want vcpu1", got, ok)
	}
	s.Dispatch("vcpu1")

	// A worker already running a real-cpu job must only be offered
	// real-cpu or other, never virtual-cpu.
	got, ok = s.ChooseTask(true, job.RealCPU, true, 4096)
	if !ok || got.TaskID != "cpu1" {
		t.Fatalf("real-cpu-busy worker got %+v, ok=%v, want cpu1", got, ok)
	}
}

// RAM-blocked root: if the highest-priority task in a class doesn't
// fit the candidate worker's free RAM, ChooseTask must not reach past
// it into a lower-priority task of the same class out of order.
func TestChooseTaskRAMBlockedDoesNotSkipRoot(t *testing.T) {
	s := scheduler.New(0)
	for _, tk := range []scheduler.Task{
		{TaskID: "big", Class: job.Other, Priority: 10, RequiredRAMMB: 4096},
		{TaskID: "small", Class: job.Other, Priority: 0, RequiredRAMMB: 64},
	} {
		if err := s.Enqueue(tk, fleet); err != nil {
			t.Fatalf("Enqueue(%s): %v", tk.TaskID, err)
		}
	}
	if _, ok := s.ChooseTask(true, job.Other, false, 128); ok {
		t.Fatal("ChooseTask should not skip the RAM-blocked high-priority root to reach a lower-priority task")
	}
}

// Cancel removes a still-queued task so it is never dispatched.
func TestCancelRemovesQueuedTask(t *testing.T) {
	s := scheduler.New(0)
	tk := scheduler.Task{TaskID: "cancel-me", Class: job.Other, Priority: 0, RequiredRAMMB: 64}
	if err := s.Enqueue(tk, fleet); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.Cancel("cancel-me")
	if s.Len(job.Other) != 0 {
		t.Fatalf("Len(Other) = %d after Cancel, want 0", s.Len(job.Other))
	}
	if _, ok := s.ChooseTask(true, job.Other, false, 4096); ok {
		t.Fatal("ChooseTask returned a task that was cancelled")
	}
}
