package forwarder

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentsight/tracecollector/internal/runs"
)

// reassembleAndExport implements §4.6.3's authoritative-reassembly flush:
// determine candidate roots, fetch each root's full hierarchy from the
// store, merge in any buffered-but-unpersisted runs (buffered wins on
// conflict), and export one synthetic OTel trace per root.
func (g *Grouper) reassembleAndExport(ctx context.Context, key string, buffered map[uuid.UUID]*runs.Run) error {
	roots := candidateRoots(ctx, key, g.store, buffered)
	if len(roots) == 0 {
		return fmt.Errorf("forward group %q: no candidate root among %d buffered runs", key, len(buffered))
	}

	var firstErr error

	for _, rootID := range roots {
		if err := g.exportOneTree(ctx, rootID, buffered); err != nil {
			g.logger.Error("export failed for root", "root_id", rootID.String(), "error", err)

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// candidateRoots implements §4.6.3 step 1: K itself when K actually
// resolves to a run (buffered or persisted); else walk ancestors of every
// buffered run via the store; else any buffered run with no parent.
//
// K parsing as a UUID is not sufficient on its own: an OTLP-derived group
// key is often the 32-hex-char trace id (§4.6.1 rule 2), which parses
// cleanly as a UUID but is never itself a run id (run ids are
// uuid5(traceHex:spanHex)). Resolving against the store/buffer before
// trusting K avoids mistaking the trace id for a root run id.
func candidateRoots(ctx context.Context, key string, store runs.Reader, buffered map[uuid.UUID]*runs.Run) []uuid.UUID {
	if id, err := uuid.Parse(key); err == nil {
		if _, ok := buffered[id]; ok {
			return []uuid.UUID{id}
		}

		if _, err := store.Get(ctx, id); err == nil {
			return []uuid.UUID{id}
		}
	}

	seen := map[uuid.UUID]struct{}{}
	roots := make([]uuid.UUID, 0, 1)

	for _, start := range buffered {
		cur := start
		visited := map[uuid.UUID]struct{}{cur.ID: {}}

		for cur.ParentRunID != nil {
			if _, loop := visited[*cur.ParentRunID]; loop {
				break
			}

			visited[*cur.ParentRunID] = struct{}{}

			parent, ok := buffered[*cur.ParentRunID]
			if !ok {
				fetched, err := store.Get(ctx, *cur.ParentRunID)
				if err != nil {
					break
				}

				parent = fetched
			}

			cur = parent
		}

		if cur.ParentRunID == nil {
			if _, dup := seen[cur.ID]; !dup {
				seen[cur.ID] = struct{}{}
				roots = append(roots, cur.ID)
			}
		}
	}

	if len(roots) == 0 {
		for _, r := range buffered {
			if r.ParentRunID == nil {
				roots = append(roots, r.ID)
			}
		}
	}

	return roots
}

// exportOneTree fetches rootID's persisted hierarchy, merges in buffered
// runs (buffered wins on conflict), builds the parent->children index, and
// hands the tree to the exporter.
func (g *Grouper) exportOneTree(ctx context.Context, rootID uuid.UUID, buffered map[uuid.UUID]*runs.Run) error {
	byID := map[uuid.UUID]*runs.Run{}

	if persisted, err := g.store.Hierarchy(ctx, rootID); err == nil {
		for _, r := range persisted {
			byID[r.ID] = r
		}
	}

	for id, r := range buffered {
		byID[id] = r
	}

	root, ok := byID[rootID]
	if !ok {
		return fmt.Errorf("root %s not found in merged hierarchy", rootID)
	}

	children := map[uuid.UUID][]*runs.Run{}

	for _, r := range byID {
		if r.ParentRunID == nil {
			continue
		}

		children[*r.ParentRunID] = append(children[*r.ParentRunID], r)
	}

	return g.exporter.ExportTree(ctx, root, byID, children)
}
