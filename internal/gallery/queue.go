package gallery

import (
	"container/heap"
	"sort"
	"time"
)

// Priority orders queued loads; lower values load first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// QueueItem is a pending load.
type QueueItem struct {
	Path       string
	Retries    int
	Priority   Priority
	EnqueuedAt time.Time
	UserRetry  bool // bypasses the failure cache

	seq   uint64
	index int
}

// loadQueue is a priority heap ordered by (priority, enqueue sequence) with
// at most one item per path.
type loadQueue struct {
	items  []*QueueItem
	byPath map[string]*QueueItem
	seq    uint64
}

func newLoadQueue() *loadQueue {
	return &loadQueue{byPath: make(map[string]*QueueItem)}
}

func (q *loadQueue) Len() int { return len(q.items) }

func (q *loadQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}

func (q *loadQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *loadQueue) Push(x any) {
	item := x.(*QueueItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *loadQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[:n-1]
	return item
}

// add queues path unless it is already queued.
func (q *loadQueue) add(path string, p Priority, now time.Time, userRetry bool) bool {
	if _, ok := q.byPath[path]; ok {
		return false
	}
	q.seq++
	item := &QueueItem{Path: path, Priority: p, EnqueuedAt: now, UserRetry: userRetry, seq: q.seq}
	heap.Push(q, item)
	q.byPath[path] = item
	return true
}

// next pops the highest priority item, nil when empty.
func (q *loadQueue) next() *QueueItem {
	if q.Len() == 0 {
		return nil
	}
	item := heap.Pop(q).(*QueueItem)
	delete(q.byPath, item.Path)
	return item
}

func (q *loadQueue) contains(path string) bool {
	_, ok := q.byPath[path]
	return ok
}

// setPriority changes the priority of a queued path. The FIFO position
// within the new priority is kept.
func (q *loadQueue) setPriority(path string, p Priority) bool {
	item, ok := q.byPath[path]
	if !ok || item.Priority == p {
		return false
	}
	item.Priority = p
	heap.Fix(q, item.index)
	return true
}

func (q *loadQueue) remove(path string) {
	item, ok := q.byPath[path]
	if !ok {
		return
	}
	heap.Remove(q, item.index)
	delete(q.byPath, path)
}

func (q *loadQueue) clear() {
	q.items = nil
	q.byPath = make(map[string]*QueueItem)
}

// snapshot returns the queued items in load order.
func (q *loadQueue) snapshot() []QueueItem {
	out := make([]QueueItem, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}
