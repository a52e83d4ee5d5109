// Package forwarder implements the Forward Grouper (C6, §4.6): it buckets
// newly-upserted runs by inferred trace group, debounces arrivals, and on
// expiry reassembles the authoritative trace tree from the store and
// re-exports it as an OTel span tree. Debounce timers follow a
// reset-on-arrival, cancel-safe, drain-on-close contract.
package forwarder

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsight/tracecollector/internal/runs"
)

// bucketState names the lifecycle states of a Forward Group Bucket (§4.6.6).
// A bucket is created in stateAccumulating and the field is not updated
// afterwards; flush, merge and Close remove the bucket from the Grouper's map.
type bucketState string

// Recognized bucket states.
const (
	stateAccumulating bucketState = "accumulating"
	stateFlushing      bucketState = "flushing"
	stateDone          bucketState = "done"
)

// bucket is a Forward Group Bucket (§3.1): a group key, the set of runs
// offered to it so far, and a single pending debounce timer.
type bucket struct {
	key       string
	createdAt time.Time

	mu    sync.Mutex
	runs  map[uuid.UUID]*runs.Run
	timer *time.Timer
	state bucketState
}

func newBucket(key string) *bucket {
	return &bucket{
		key:       key,
		createdAt: time.Now().UTC(),
		runs:      make(map[uuid.UUID]*runs.Run),
		state:     stateAccumulating,
	}
}

func (b *bucket) add(run *runs.Run) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.runs[run.ID] = run
}

func (b *bucket) holds(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.runs[id]

	return ok
}

// resetTimer cancels any pending timer and schedules a new one, matching
// the debounce contract's reset-on-arrival semantics.
func (b *bucket) resetTimer(d time.Duration, onExpire func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
	}

	if d <= 0 {
		// A zero/negative debounce disables the timer; the caller is
		// expected to flush explicitly (matches the documented
		// "disabled when zero delay" contract).
		return
	}

	b.timer = time.AfterFunc(d, onExpire)
}

// stop cancels the pending timer idempotently.
func (b *bucket) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
	}
}

// snapshot returns a copy of the buffered runs for export, without holding
// the bucket's lock during the (potentially slow) export call.
func (b *bucket) snapshot() map[uuid.UUID]*runs.Run {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[uuid.UUID]*runs.Run, len(b.runs))
	for id, r := range b.runs {
		out[id] = r
	}

	return out
}
