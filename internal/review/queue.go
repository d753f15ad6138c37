package review

import "container/heap"

// queueItem pairs a request with its arrival sequence so that equal
// priorities pop in submission order.
type queueItem struct {
	request *ReviewRequest
	seq     uint64
}

// requestHeap orders by priority descending, then arrival ascending.
type requestHeap []*queueItem

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].request.Priority != h[j].request.Priority {
		return h[i].request.Priority > h[j].request.Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// queue is a stable priority queue of pending review requests.
// Cancelled entries are skipped lazily at pop time rather than
// removed eagerly, so cancellation stays O(1).
type queue struct {
	items requestHeap
	seq   uint64
}

func newQueue() *queue {
	q := &queue{}
	heap.Init(&q.items)
	return q
}

func (q *queue) push(r *ReviewRequest) {
	q.seq++
	heap.Push(&q.items, &queueItem{request: r, seq: q.seq})
}

// pop returns the highest-priority request still pending, or nil.
func (q *queue) pop() *ReviewRequest {
	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		if item.request.Status == StatusPending {
			return item.request
		}
	}
	return nil
}

// pending counts entries still awaiting evaluation.
func (q *queue) pending() int {
	n := 0
	for _, item := range q.items {
		if item.request.Status == StatusPending {
			n++
		}
	}
	return n
}
