package reconcile

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsight/tracecollector/internal/runs"
)

// deferredUpdate is a patch that failed message-sequence validation and is
// waiting for the run to reach a state where it can be replayed (§4.4.5).
type deferredUpdate struct {
	patch      *runs.Patch
	reason     string
	enqueuedAt time.Time
}

// deferredQueue holds per-run deferred updates in arrival order. Replays
// happen in the same order they were enqueued, matching the rest of this
// codebase's "explicit struct + slice" style for small in-memory queues
// (mirrors the Forward Grouper's per-key bucket map).
type deferredQueue struct {
	mu    sync.Mutex
	byRun map[uuid.UUID][]*deferredUpdate
}

func newDeferredQueue() *deferredQueue {
	return &deferredQueue{byRun: make(map[uuid.UUID][]*deferredUpdate)}
}

func (q *deferredQueue) enqueue(id uuid.UUID, patch *runs.Patch, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.byRun[id] = append(q.byRun[id], &deferredUpdate{
		patch:      patch,
		reason:     reason,
		enqueuedAt: time.Now().UTC(),
	})
}

// drain removes and returns every deferred update queued for id, in arrival
// order, so the caller can attempt to replay them.
func (q *deferredQueue) drain(id uuid.UUID) []*deferredUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.byRun[id]
	delete(q.byRun, id)

	return pending
}

func (q *deferredQueue) count(id uuid.UUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.byRun[id])
}
