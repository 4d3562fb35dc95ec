package lifecycle

import (
	"container/heap"
	"sync"
	"time"
)

const (
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// destroyItem is one pending container destruction that failed and must be
// retried. A leaked container is a correctness bug, so items stay queued
// until destruction succeeds.
type destroyItem struct {
	SandboxID   string
	ContainerID string
	Attempts    int
	NextAttempt time.Time
	index       int // index in the heap (used by container/heap)
}

// destroyHeap implements heap.Interface ordered by next attempt time.
type destroyHeap []*destroyItem

func (h destroyHeap) Len() int { return len(h) }

func (h destroyHeap) Less(i, j int) bool {
	return h[i].NextAttempt.Before(h[j].NextAttempt)
}

func (h destroyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *destroyHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*destroyItem)
	item.index = n
	*h = append(*h, item)
}

func (h *destroyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// destroyQueue schedules failed destructions for retry with exponential
// backoff.
type destroyQueue struct {
	mu      sync.Mutex
	heap    destroyHeap
	itemMap map[string]*destroyItem // by sandbox ID
}

func newDestroyQueue() *destroyQueue {
	q := &destroyQueue{
		heap:    make(destroyHeap, 0),
		itemMap: make(map[string]*destroyItem),
	}
	heap.Init(&q.heap)
	return q
}

// Add schedules (or reschedules) a destruction retry. The delay doubles with
// each attempt up to retryMaxDelay.
func (q *destroyQueue) Add(sandboxID, containerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, exists := q.itemMap[sandboxID]; exists {
		item.Attempts++
		item.NextAttempt = time.Now().Add(backoffDelay(item.Attempts))
		heap.Fix(&q.heap, item.index)
		return
	}

	item := &destroyItem{
		SandboxID:   sandboxID,
		ContainerID: containerID,
		Attempts:    1,
		NextAttempt: time.Now().Add(backoffDelay(1)),
	}
	heap.Push(&q.heap, item)
	q.itemMap[sandboxID] = item
}

// Requeue reschedules an item popped by Due after its retry failed. The
// attempt count carries over and increments, so the backoff keeps escalating
// instead of restarting at the base delay.
func (q *destroyQueue) Requeue(item *destroyItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, exists := q.itemMap[item.SandboxID]; exists {
		existing.Attempts++
		existing.NextAttempt = time.Now().Add(backoffDelay(existing.Attempts))
		heap.Fix(&q.heap, existing.index)
		return
	}

	item.Attempts++
	item.NextAttempt = time.Now().Add(backoffDelay(item.Attempts))
	heap.Push(&q.heap, item)
	q.itemMap[item.SandboxID] = item
}

// Due pops all items whose next attempt time has passed.
func (q *destroyQueue) Due(now time.Time) []*destroyItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*destroyItem
	for len(q.heap) > 0 && !q.heap[0].NextAttempt.After(now) {
		item := heap.Pop(&q.heap).(*destroyItem)
		delete(q.itemMap, item.SandboxID)
		due = append(due, item)
	}
	return due
}

// Len returns the number of pending retries.
func (q *destroyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func backoffDelay(attempts int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}
