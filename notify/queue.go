package notify

import (
	"container/heap"
	"time"

	"github.com/mworlabs/lotteryd/models"
)

// Kind distinguishes what a queued item does when it reaches the transport.
type Kind string

const (
	KindMessage      Kind = "message"
	KindEdit         Kind = "edit"
	KindDelete       Kind = "delete"
	KindBundleSource Kind = "bundle-source"
)

// Item is one queued notification. It lives only in this subsystem's
// working set and is discarded after delivery or bounded retries.
type Item struct {
	Target     int64
	Payload    string
	MessageID  int // for edits and deletes
	Priority   models.NotifyPriority
	Kind       Kind
	EnqueuedAt time.Time
	Attempts   int
	// announceKey marks replaceable announcements: a newer item with the
	// same key supersedes a still-queued older one.
	announceKey string
	index       int
}

// itemHeap orders by (priority, enqueue time): more urgent first, then
// older first.
type itemHeap []*Item

func (q itemHeap) Len() int { return len(q) }

func (q itemHeap) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority < q[j].Priority
	}
	return q[i].EnqueuedAt.Before(q[j].EnqueuedAt)
}

func (q itemHeap) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *itemHeap) Push(x interface{}) {
	n := len(*q)
	item := x.(*Item)
	item.index = n
	*q = append(*q, item)
}

func (q *itemHeap) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	item.index = -1
	*q = old[0 : n-1]
	return item
}

// pendingQueue is the bounded working set. When the bound is exceeded the
// lowest-priority oldest entry is evicted.
type pendingQueue struct {
	heap  itemHeap
	limit int
}

func newPendingQueue(limit int) *pendingQueue {
	q := &pendingQueue{limit: limit}
	heap.Init(&q.heap)
	return q
}

func (q *pendingQueue) Len() int { return q.heap.Len() }

// Push adds an item, evicting if over the bound. Returns the evicted item,
// if any.
func (q *pendingQueue) Push(item *Item) *Item {
	heap.Push(&q.heap, item)
	if q.heap.Len() <= q.limit {
		return nil
	}

	// Find the lowest-priority, oldest entry.
	worst := 0
	for i := 1; i < len(q.heap); i++ {
		w, c := q.heap[worst], q.heap[i]
		if c.Priority > w.Priority ||
			(c.Priority == w.Priority && c.EnqueuedAt.Before(w.EnqueuedAt)) {
			worst = i
		}
	}
	return heap.Remove(&q.heap, worst).(*Item)
}

// Pop removes the most urgent item, nil when empty.
func (q *pendingQueue) Pop() *Item {
	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Item)
}

// ReplaceAnnouncement drops any queued item with the same announce key and
// target, so only the newest announcement ever goes out.
func (q *pendingQueue) ReplaceAnnouncement(target int64, key string) {
	for i := 0; i < len(q.heap); {
		item := q.heap[i]
		if item.Target == target && item.announceKey == key {
			heap.Remove(&q.heap, i)
			continue
		}
		i++
	}
}
