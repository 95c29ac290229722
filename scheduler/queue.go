package scheduler

import "container/heap"

// item is one queued job inside a single execution-class queue. Jobs
// are ordered by descending priority, then ascending sequence number
// (insertion order) — a priority-banded FIFO, per SPEC_FULL.md §4.3.
// No third-party priority-queue library appears anywhere in the
// retrieved pack; every example repo that implements its own scheduler
// (e.g. hashicorp/nomad's generic_sched.go) hand-rolls its queue
// structure rather than importing one, so stdlib container/heap is
// the idiomatic choice confirmed by pack precedent rather than by
// default (SPEC_FULL.md §9B).
type item struct {
	taskID   string
	priority int
	seq      uint64
}

type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*item))
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return it
}

// classQueue wraps priorityQueue with the heap invariant maintained
// and a monotonic sequence counter for FIFO tie-breaking.
type classQueue struct {
	pq     priorityQueue
	nextSeq uint64
}

func newClassQueue() *classQueue {
	cq := &classQueue{}
	heap.Init(&cq.pq)
	return cq
}

func (cq *classQueue) push(taskID string, priority int) {
	cq.nextSeq++
	heap.Push(&cq.pq, &item{taskID: taskID, priority: priority, seq: cq.nextSeq})
}

// peek returns the front item's task id without removing it.
func (cq *classQueue) peek() (string, bool) {
	if len(cq.pq) == 0 {
		return "", false
	}
	return cq.pq[0].taskID, true
}

func (cq *classQueue) pop() (string, bool) {
	if len(cq.pq) == 0 {
		return "", false
	}
	it := heap.Pop(&cq.pq).(*item)
	return it.taskID, true
}

// remove deletes taskID from the queue, if present, for best-effort
// cancellation of a failed group's still-queued jobs (SPEC_FULL.md
// §4.4).
func (cq *classQueue) remove(taskID string) bool {
	for i, it := range cq.pq {
		if it.taskID == taskID {
			heap.Remove(&cq.pq, i)
			return true
		}
	}
	return false
}

func (cq *classQueue) len() int { return len(cq.pq) }
