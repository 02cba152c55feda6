package queue

import "container/heap"

// entry is one pending message in a thread's priority queue. Ordering is
// (priority rank, insertion sequence); the sequence counter is process-wide,
// so ties within equal priority resolve FIFO.
type entry struct {
	id   string
	rank int
	seq  uint64
}

func (e entry) before(other entry) bool {
	if e.rank != other.rank {
		return e.rank < other.rank
	}
	return e.seq < other.seq
}

// threadQueue is a min-heap of pending entries for a single thread. Entries
// for different threads are never compared against each other.
type threadQueue struct {
	entries []entry
}

func (q *threadQueue) Len() int            { return len(q.entries) }
func (q *threadQueue) Less(i, j int) bool  { return q.entries[i].before(q.entries[j]) }
func (q *threadQueue) Swap(i, j int)       { q.entries[i], q.entries[j] = q.entries[j], q.entries[i] }
func (q *threadQueue) Push(x any)          { q.entries = append(q.entries, x.(entry)) }

func (q *threadQueue) Pop() any {
	old := q.entries
	n := len(old)
	e := old[n-1]
	q.entries = old[:n-1]
	return e
}

func (q *threadQueue) push(e entry) {
	heap.Push(q, e)
}

func (q *threadQueue) pop() (entry, bool) {
	if q.Len() == 0 {
		return entry{}, false
	}
	return heap.Pop(q).(entry), true
}
