package forwarder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsight/tracecollector/internal/runs"
)

// Config bounds the Grouper's debounce and export behavior (§5, §6.5).
type Config struct {
	Debounce          time.Duration
	RunTimeout        time.Duration
	MaxSyntheticSpans int
	AttrMaxStr        int
	AttrMaxKVStr      int
	AttrMaxListItems  int
}

// DefaultConfig matches §5's stated defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:          5 * time.Second,
		RunTimeout:        30 * time.Second,
		MaxSyntheticSpans: 10,
		AttrMaxStr:        500,
		AttrMaxKVStr:      200,
		AttrMaxListItems:  5,
	}
}

// Grouper is the Forward Grouper (C6).
type Grouper struct {
	store    runs.Reader
	exporter Exporter
	logger   *slog.Logger
	cfg      Config

	mu      sync.Mutex
	buckets map[string]*bucket

	closeOnce sync.Once
	closed    chan struct{}
}

// NewGrouper constructs a Grouper reading hierarchies from store and
// exporting reassembled trees via exporter.
func NewGrouper(store runs.Reader, exporter Exporter, cfg Config, logger *slog.Logger) *Grouper {
	if logger == nil {
		logger = slog.Default()
	}

	return &Grouper{
		store:    store,
		exporter: exporter,
		logger:   logger,
		cfg:      cfg,
		buckets:  make(map[string]*bucket),
		closed:   make(chan struct{}),
	}
}

// Offer is called by the Reconciliation Engine on every successful upsert
// (§4.6).
func (g *Grouper) Offer(run *runs.Run) {
	select {
	case <-g.closed:
		return
	default:
	}

	key := g.inferGroupKey(run)
	g.addToBucket(key, run)
	g.reconcileOwnIDBucket(run, key)
}

// inferGroupKey applies §4.6.1's first-match-wins rule.
func (g *Grouper) inferGroupKey(run *runs.Run) string {
	if v, ok := stringExtra(run, "root_run_id"); ok {
		return v
	}

	if v, ok := stringExtra(run, "otlp.trace_id"); ok {
		return v
	}

	if v, ok := stringExtra(run, "trace.id"); ok {
		return v
	}

	if run.ParentRunID != nil {
		parentKey := run.ParentRunID.String()

		g.mu.Lock()
		for k, b := range g.buckets {
			if b.holds(*run.ParentRunID) {
				parentKey = k

				break
			}
		}
		g.mu.Unlock()

		return parentKey
	}

	return run.ID.String()
}

func stringExtra(run *runs.Run, key string) (string, bool) {
	if run.Extra == nil {
		return "", false
	}

	v, ok := run.Extra[key]
	if !ok {
		return "", false
	}

	s, ok := v.(string)

	return s, ok && s != ""
}

func (g *Grouper) addToBucket(key string, run *runs.Run) {
	g.mu.Lock()
	b, ok := g.buckets[key]
	if !ok {
		b = newBucket(key)
		g.buckets[key] = b
	}
	g.mu.Unlock()

	b.add(run)
	b.resetTimer(g.cfg.Debounce, func() { g.flush(key) })
}

// reconcileOwnIDBucket merges an orphan bucket that was previously created
// keyed by run's own id (because an earlier child guessed run's id as its
// parent's key before run itself had resolved to a richer group key) into
// the bucket at newKey, per §4.6.1's merge clause.
func (g *Grouper) reconcileOwnIDBucket(run *runs.Run, newKey string) {
	ownKey := run.ID.String()
	if ownKey == newKey {
		return
	}

	g.mu.Lock()
	orphan, ok := g.buckets[ownKey]
	if ok {
		delete(g.buckets, ownKey)
	}
	g.mu.Unlock()

	if !ok {
		return
	}

	orphan.stop()
	orphanRuns := orphan.snapshot()

	g.mu.Lock()
	target, ok := g.buckets[newKey]
	if !ok {
		target = newBucket(newKey)
		g.buckets[newKey] = target
	}
	g.mu.Unlock()

	for _, r := range orphanRuns {
		target.add(r)
	}

	target.resetTimer(g.cfg.Debounce, func() { g.flush(newKey) })

	g.logger.Info("merged forward group bucket",
		slog.String("from", ownKey), slog.String("into", newKey), slog.Int("runs", len(orphanRuns)))
}

// flush removes the bucket for key atomically and reassembles+exports it.
// Per-bucket export failures are logged and do not retry (§4.6.7):
// authoritative state lives in the store and will be re-offered on the
// next update to any run in the tree.
func (g *Grouper) flush(key string) {
	g.mu.Lock()
	b, ok := g.buckets[key]
	if ok {
		delete(g.buckets, key)
	}
	g.mu.Unlock()

	if !ok {
		return
	}

	b.stop()
	buffered := b.snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RunTimeout)
	defer cancel()

	if err := g.reassembleAndExport(ctx, key, buffered); err != nil {
		g.logger.Error("forward group flush failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Close performs a bounded graceful drain (§12): every still-accumulating
// bucket is flushed exactly once, sharing a single overall deadline budget
// across all of them, rather than being dropped.
func (g *Grouper) Close(ctx context.Context) error {
	var err error

	g.closeOnce.Do(func() {
		close(g.closed)

		g.mu.Lock()
		remaining := g.buckets
		g.buckets = make(map[string]*bucket)
		g.mu.Unlock()

		deadline := g.cfg.RunTimeout
		if deadline <= 0 {
			deadline = 30 * time.Second
		}

		drainCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()

		var wg sync.WaitGroup

		for key, b := range remaining {
			wg.Add(1)

			go func(key string, b *bucket) {
				defer wg.Done()

				b.stop()

				buffered := b.snapshot()
				if len(buffered) == 0 {
					return
				}

				if flushErr := g.reassembleAndExport(drainCtx, key, buffered); flushErr != nil {
					g.logger.Error("shutdown flush failed", slog.String("key", key), slog.Any("error", flushErr))
				}
			}(key, b)
		}

		wg.Wait()

		err = g.exporter.Close(drainCtx)
	})

	return err
}
