// Package dedupindex is the public API of a deduplication index: a sharded,
// replayable map from chunk name to the virtual chapter that last indexed
// it, backed by a chaptered on-disk volume.
//
// Open brings an Index to a consistent state (creating, loading, or
// replaying as needed) the way the teacher's cache.New constructs a ready
// cache from functional options; Index, Update, Query and Remove are the
// four operations a caller issues against it.
package dedupindex

import (
	"context"
	"fmt"

	"github.com/Voskan/dedupindex/internal/statemachine"
	"github.com/Voskan/dedupindex/internal/types"
)

// Index is a deduplication index: a live, queryable, replayable map from
// chunk name to the virtual chapter that indexed it.
type Index struct {
	sm      *statemachine.StateMachine
	metrics *metrics
	loadCtx *LoadContext
}

// Open brings up an index rooted at dir, creating, loading or replaying it
// per the supplied Options' OpenMode.
func Open(ctx context.Context, dir string, opts ...Option) (*Index, error) {
	cfg := defaultConfig(dir)
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}

	lc := newLoadContext()
	lc.setStatus(LoadStatusLoading)

	sm, err := statemachine.Open(ctx, cfg.dir, cfg.geo, cfg.mode, statemachine.Options{
		ZoneCount:       cfg.zoneCount,
		SparseCacheSize: cfg.sparseCacheSize,
		RecentChapters:  cfg.recentChapters,
		Logger:          cfg.logger,
	})
	if err != nil {
		lc.fail(err)
		return nil, fmt.Errorf("dedupindex: open: %w", err)
	}

	lc.setStatus(LoadStatusReady)
	return &Index{
		sm:      sm,
		metrics: newMetrics(cfg.registry),
		loadCtx: lc,
	}, nil
}

// LoadContext exposes the index's lifecycle status. Open returns an Index
// only after its load has finished, so this context always reports
// LoadStatusReady.
func (idx *Index) LoadContext() *LoadContext { return idx.loadCtx }

func (idx *Index) dispatch(name ChunkName, action Action, meta Metadata, update bool) (Location, error) {
	req := &types.Request{Name: name, Action: action, NewMetadata: meta, Update: update}
	if err := idx.sm.Dispatch(req); err != nil {
		return req.Location, err
	}
	return req.Location, nil
}

// Index records name as indexed. If name is already present, its chapter
// hint is refreshed (or, if it is still in the open chapter, left as-is);
// indexing an already-present name is never an error.
func (idx *Index) Index(name ChunkName, meta Metadata) error {
	_, err := idx.dispatch(name, ActionIndex, meta, false)
	return err
}

// Update records name the same way Index does: it inserts name if absent and
// refreshes the chapter hint of an existing record. As with Index, a
// pre-existing record is not an error.
func (idx *Index) Update(name ChunkName, meta Metadata) error {
	_, err := idx.dispatch(name, ActionUpdate, meta, false)
	return err
}

// Query reports where name currently resolves, without mutating the index.
func (idx *Index) Query(name ChunkName) (Location, error) {
	return idx.dispatch(name, ActionQuery, Metadata{}, false)
}

// QueryWithUpdate reports where name currently resolves, but — unlike Query —
// posts it into the open chapter when it isn't already present anywhere,
// instead of merely reporting LocationUnavailable. A name found elsewhere is
// left untouched beyond its ordinary LRU chapter refresh.
func (idx *Index) QueryWithUpdate(name ChunkName) (Location, error) {
	return idx.dispatch(name, ActionQuery, Metadata{}, true)
}

// Remove deletes name from the index if present. Removing an absent name is
// not an error; the returned Location is LocationUnavailable.
func (idx *Index) Remove(name ChunkName) (Location, error) {
	req := &types.Request{Name: name, Action: ActionDelete}
	if err := idx.sm.Dispatch(req); err != nil {
		return req.Location, err
	}
	return req.Location, nil
}

// Statistics returns a point-in-time snapshot of index-wide counters and
// records it against any configured metrics sink.
func (idx *Index) Statistics() Statistics {
	var stats Statistics
	stats.ZoneCount = len(idx.sm.Zones())
	for _, z := range idx.sm.Zones() {
		snap := z.Shard().SnapshotStats()
		stats.EntriesIndexed += uint64(snap.RecordCount)
		stats.CollisionCount += uint64(snap.CollisionCount)
		stats.DiscardCount += uint64(snap.DiscardCount)
		stats.OverflowCount += uint64(snap.OverflowCount)
		stats.MemoryAllocatedBytes += uint64(snap.MemoryAllocated)
	}
	stats.MemoryAllocatedBytes += uint64(idx.sm.WriterMemoryAllocated())
	stats.CheckpointChapter = idx.sm.CurrentCheckpoint()

	idx.metrics.observe(stats)
	return stats
}

// HasSavedOpenChapter reports whether the index was loaded from a clean save
// or has completed a Save since it was opened.
func (idx *Index) HasSavedOpenChapter() bool { return idx.sm.HasSavedOpenChapter() }

// Save persists the index's current state, blocking until any in-flight
// chapter writes drain first.
func (idx *Index) Save() error { return idx.sm.Save() }

// Close releases every resource the index owns. It does not save; callers
// that want a clean shutdown must call Save first.
func (idx *Index) Close() error { return idx.sm.Close() }
