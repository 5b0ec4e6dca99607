// Package orchestrator implements the scheduling core: priority queue,
// assignment scorer, progress tracker, retry engine, concurrency ledger,
// and the driver loop composing them.
package orchestrator

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// Priority formula constants. Higher priority dispatches earlier.
const (
	priorityBug      = 100
	priorityFeature  = 50
	priorityTask     = 30
	priorityResearch = 10

	maxAgeBonusHours   = 48
	dependentsBonus    = 5
	requeuePenaltyStep = 10

	// RetryPriority is assigned to items re-entering the queue from the
	// retry engine.
	RetryPriority = 50
)

type queueEntry struct {
	qi    domain.QueuedItem
	seq   uint64
	index int
}

type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].qi.Priority != h[j].qi.Priority {
		return h[i].qi.Priority > h[j].qi.Priority
	}
	// Ties break by insertion order.
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*queueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue holds work items waiting to be dispatched, ordered by priority.
// Items move to an internal processing set while a dispatch is in flight.
// All operations are safe for concurrent use.
type Queue struct {
	store domain.WorkItemStore

	mu         sync.Mutex
	heap       entryHeap
	byID       map[string]*queueEntry
	processing map[string]domain.QueuedItem
	seq        uint64
	now        func() time.Time
}

// QueueSnapshot is a point-in-time copy of queue contents for inspection.
type QueueSnapshot struct {
	Queued     []domain.QueuedItem
	Processing []domain.QueuedItem
}

// NewQueue constructs an empty queue backed by the given store.
func NewQueue(store domain.WorkItemStore) *Queue {
	return &Queue{
		store:      store,
		byID:       make(map[string]*queueEntry),
		processing: make(map[string]domain.QueuedItem),
		now:        time.Now,
	}
}

// Refresh pulls all ready work items from the store, skips items whose
// blockers are not all done, and inserts the rest with a freshly computed
// priority. Items already queued or in processing are left untouched.
// Store errors abort the refresh; the caller logs and retries next cycle.
func (q *Queue) Refresh(ctx domain.Context) error {
	items, err := q.store.FindByStatus(ctx, domain.StatusReady)
	if err != nil {
		return fmt.Errorf("op=queue.refresh: %w", err)
	}

	for _, item := range items {
		q.mu.Lock()
		_, queued := q.byID[item.ID]
		_, inProcessing := q.processing[item.ID]
		q.mu.Unlock()
		if queued || inProcessing {
			continue
		}

		blocked, err := q.isBlocked(ctx, item)
		if err != nil {
			return fmt.Errorf("op=queue.refresh: %w", err)
		}
		if blocked {
			slog.Debug("work item blocked by unresolved dependencies",
				slog.String("work_item_id", item.ID),
				slog.Int("blocker_count", len(item.BlockedBy)))
			continue
		}

		now := q.now()
		q.mu.Lock()
		q.push(domain.QueuedItem{
			Item:     item,
			Priority: q.computePriority(item, now),
			QueuedAt: now,
		})
		q.mu.Unlock()
	}
	return nil
}

func (q *Queue) isBlocked(ctx domain.Context, item domain.WorkItem) (bool, error) {
	if len(item.BlockedBy) == 0 {
		return false, nil
	}
	blockers, err := q.store.FindByIDs(ctx, item.BlockedBy)
	if err != nil {
		return false, err
	}
	done := make(map[string]bool, len(blockers))
	for _, b := range blockers {
		done[b.ID] = b.Status == domain.StatusDone
	}
	for _, id := range item.BlockedBy {
		if !done[id] {
			return true, nil
		}
	}
	return false, nil
}

func (q *Queue) computePriority(item domain.WorkItem, now time.Time) int {
	p := 0
	switch item.Type {
	case domain.TypeBug:
		p = priorityBug
	case domain.TypeFeature:
		p = priorityFeature
	case domain.TypeTask:
		p = priorityTask
	case domain.TypeResearch:
		p = priorityResearch
	}

	ageHours := int(now.Sub(item.CreatedAt).Hours())
	if ageHours < 0 {
		ageHours = 0
	}
	if ageHours > maxAgeBonusHours {
		ageHours = maxAgeBonusHours
	}
	p += ageHours

	p += dependentsBonus * len(item.ChildIDs)
	return p
}

// Push inserts a queue item directly, replacing any queued entry with the
// same id. Used by the driver to promote ready retries.
func (q *Queue) Push(qi domain.QueuedItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if qi.QueuedAt.IsZero() {
		qi.QueuedAt = q.now()
	}
	q.push(qi)
}

// push requires q.mu to be held.
func (q *Queue) push(qi domain.QueuedItem) {
	if prev, ok := q.byID[qi.Item.ID]; ok {
		heap.Remove(&q.heap, prev.index)
	}
	q.seq++
	e := &queueEntry{qi: qi, seq: q.seq}
	q.byID[qi.Item.ID] = e
	heap.Push(&q.heap, e)
}

// Next atomically removes the highest-priority item from the queue and
// places it in the processing set.
func (q *Queue) Next() (domain.QueuedItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return domain.QueuedItem{}, false
	}
	e := heap.Pop(&q.heap).(*queueEntry)
	delete(q.byID, e.qi.Item.ID)
	q.processing[e.qi.Item.ID] = e.qi
	return e.qi, true
}

// Requeue returns an in-flight item to the queue after a refused or failed
// dispatch. Priority decays with each attempt so persistent items do not
// starve the rest of the queue.
func (q *Queue) Requeue(qi domain.QueuedItem, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, qi.Item.ID)

	qi.Priority -= requeuePenaltyStep * (qi.RetryCount + 1)
	qi.RetryCount++
	qi.LastError = errMsg
	qi.LastAttemptAt = q.now()
	q.push(qi)
}

// Complete removes an item from the processing set without reinsertion.
func (q *Queue) Complete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, id)
}

// Remove drops an item from both the queue and the processing set.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.byID[id]; ok {
		heap.Remove(&q.heap, e.index)
		delete(q.byID, id)
	}
	delete(q.processing, id)
}

// Len returns the number of queued (not in-flight) items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// ProcessingCount returns the number of items with a dispatch in flight.
func (q *Queue) ProcessingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

// Contains reports whether the item is queued or in processing.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, queued := q.byID[id]
	_, inProcessing := q.processing[id]
	return queued || inProcessing
}

// Snapshot copies current queue contents, ordered by dispatch priority.
func (q *Queue) Snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := QueueSnapshot{
		Queued:     make([]domain.QueuedItem, 0, q.heap.Len()),
		Processing: make([]domain.QueuedItem, 0, len(q.processing)),
	}
	tmp := make([]*queueEntry, len(q.heap))
	copy(tmp, q.heap)
	sort.Slice(tmp, func(i, j int) bool {
		if tmp[i].qi.Priority != tmp[j].qi.Priority {
			return tmp[i].qi.Priority > tmp[j].qi.Priority
		}
		return tmp[i].seq < tmp[j].seq
	})
	for _, e := range tmp {
		snap.Queued = append(snap.Queued, e.qi)
	}
	for _, qi := range q.processing {
		snap.Processing = append(snap.Processing, qi)
	}
	return snap
}
