package job

import "container/heap"

// timerHeap implements heap.Interface over jobs, ordered by next-due time.
// Earliest due is popped first. Jobs keep their index so the registry can
// Fix/Remove in O(log n) after a reschedule.
type timerHeap []*Job

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].nextDueAt.Before(h[j].nextDueAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

// Push adds a job. Called by heap.Push — do not call directly.
func (h *timerHeap) Push(x any) {
	j := x.(*Job)
	j.heapIdx = len(*h)
	*h = append(*h, j)
}

// Pop removes and returns the earliest-due job. Called by heap.Pop — do not
// call directly.
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil // avoid memory leak
	j.heapIdx = -1
	*h = old[:n-1]
	return j
}

func pushJob(h *timerHeap, j *Job) { heap.Push(h, j) }
func popJob(h *timerHeap) *Job     { return heap.Pop(h).(*Job) }

func fixJob(h *timerHeap, j *Job) { heap.Fix(h, j.heapIdx) }

func removeJob(h *timerHeap, j *Job) {
	if j.heapIdx >= 0 && j.heapIdx < len(*h) {
		heap.Remove(h, j.heapIdx)
	}
}
func peekJob(h timerHeap) *Job {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
