// Package statemachine implements C7: the index lifecycle (create, load,
// replay, rebuild, save) that owns a volume, a dispatcher over a fixed set
// of zones, and the persisted index-state components those zones are
// recovered from.
//
// Grounded on make_index/free_index/save_index/begin_save in the original
// source. The OOM short-circuit they call out explicitly — an allocation
// failure while constructing the in-memory structures must propagate
// immediately rather than fall through to a rebuild attempt, since a
// rebuild under the same memory pressure would just fail again — is
// preserved as Open's eager bail-out before any replay is attempted, and by
// bringUp returning an OOM replay error instead of trying a rebuild.
package statemachine

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Voskan/dedupindex/internal/chapterwriter"
	"github.com/Voskan/dedupindex/internal/dispatcher"
	"github.com/Voskan/dedupindex/internal/errs"
	"github.com/Voskan/dedupindex/internal/geometry"
	"github.com/Voskan/dedupindex/internal/indexstate"
	"github.com/Voskan/dedupindex/internal/replay"
	"github.com/Voskan/dedupindex/internal/sparsecache"
	"github.com/Voskan/dedupindex/internal/types"
	"github.com/Voskan/dedupindex/internal/volume"
	"github.com/Voskan/dedupindex/internal/zone"
)

// OpenMode selects make_index's three entry behaviors.
type OpenMode int

const (
	// OpenCreate discards any existing persisted state and starts empty.
	OpenCreate OpenMode = iota
	// OpenLoad loads existing state, replaying if the last shutdown was
	// dirty, and falling back to a full rebuild if replay itself fails.
	OpenLoad
	// OpenLoadNoRebuild behaves like OpenLoad but returns the replay error
	// instead of attempting a rebuild, for callers that would rather fail
	// fast than pay a rebuild's cost.
	OpenLoadNoRebuild
)

// persistedRecord is one (name, virtual chapter) pair as serialized into the
// master index component.
type persistedRecord struct {
	Name types.ChunkName
	VCN  uint64
}

// StateMachine owns the full lifecycle of one on-disk index: its volume, its
// zones, and the dispatcher fanning requests out across them.
type StateMachine struct {
	geo    geometry.Geometry
	vol    *volume.Volume
	state  *indexstate.State
	writer *chapterwriter.Writer
	disp   *dispatcher.Dispatcher
	zones  []*zone.Zone
	logger *zap.Logger

	mu               sync.Mutex
	newestVCN        uint64
	savedOpenChapter bool
	closed           atomic.Bool
}

// Options configures Open beyond the geometry and zone count.
type Options struct {
	ZoneCount         int
	SparseCacheSize   int
	RecentChapters    int
	Logger            *zap.Logger
}

// Open implements make_index: it opens the volume and index-state
// directories under dir, constructs zoneCount zones, and brings them to a
// consistent in-memory state per mode.
func Open(ctx context.Context, dir string, geo geometry.Geometry, mode OpenMode, opts Options) (*StateMachine, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	if opts.ZoneCount <= 0 {
		opts.ZoneCount = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	vol, err := volume.Open(filepath.Join(dir, "volume"), geo)
	if err != nil {
		// A failure to even open the backing volume is treated like the
		// original's allocation failure: it must not fall through to a
		// rebuild attempt, since rebuilding still needs a working volume.
		return nil, errs.Newf(errs.OOM, "statemachine: open volume: %v", err)
	}

	writer, err := chapterwriter.New(vol, opts.RecentChapters, logger)
	if err != nil {
		vol.Close()
		return nil, fmt.Errorf("statemachine: new chapter writer: %w", err)
	}

	zones := make([]*zone.Zone, opts.ZoneCount)
	for i := range zones {
		var sc *sparsecache.Cache
		if geo.IsSparse() {
			size := opts.SparseCacheSize
			if size <= 0 {
				size = int(geo.SparseChaptersPerVolume)
			}
			sc, err = sparsecache.New(size)
			if err != nil {
				writer.Close()
				vol.Close()
				return nil, fmt.Errorf("statemachine: new sparse cache: %w", err)
			}
		}
		zones[i] = zone.New(i, geo, vol, writer, sc, logger)
	}

	disp := dispatcher.New(zones, geo, logger)

	st, err := indexstate.Open(filepath.Join(dir, "state"))
	if err != nil {
		writer.Close()
		vol.Close()
		return nil, fmt.Errorf("statemachine: open index state: %w", err)
	}

	sm := &StateMachine{
		geo:    geo,
		vol:    vol,
		state:  st,
		writer: writer,
		disp:   disp,
		zones:  zones,
		logger: logger,
	}

	if err := sm.bringUp(ctx, mode); err != nil {
		sm.Close()
		return nil, err
	}
	return sm, nil
}

func (sm *StateMachine) bringUp(ctx context.Context, mode OpenMode) error {
	if mode == OpenCreate {
		if err := sm.state.DiscardIndexStateData(); err != nil {
			return fmt.Errorf("statemachine: discard prior state: %w", err)
		}
		sm.seedOpenChapters(0)
		return nil
	}

	if !sm.state.Exists() {
		// Never saved: a volume holding chapters can still be replayed.
		_, _, volEmpty, err := sm.vol.FindChapterBoundaries(volume.LookupNormal)
		if err != nil {
			return fmt.Errorf("statemachine: find chapter boundaries: %w", err)
		}
		if volEmpty {
			return errs.New(errs.NoIndex, "statemachine: no persisted index found")
		}
	}

	replayRequired, err := sm.state.LoadIndexState()
	if err != nil {
		return fmt.Errorf("statemachine: load index state: %w", err)
	}

	if !replayRequired {
		if err := sm.restoreMasterIndex(); err != nil {
			return fmt.Errorf("statemachine: restore master index: %w", err)
		}
	} else {
		if err := replay.ReplayFromCheckpoint(ctx, sm.state, sm.disp, sm.vol, sm.geo, sm.logger); err != nil {
			if errs.Is(err, errs.OOM) {
				return err
			}
			if mode == OpenLoadNoRebuild {
				return errs.Newf(errs.CorruptComponent, "statemachine: replay failed and rebuild suppressed: %v", err)
			}
			sm.logger.Warn("replay failed, falling back to full rebuild", zap.Error(err))
			if rebuildErr := replay.RebuildIndex(ctx, sm.disp, sm.vol, sm.geo, sm.logger); rebuildErr != nil {
				return errs.Newf(errs.CorruptComponent, "statemachine: rebuild failed: %v", rebuildErr)
			}
		}
	}

	sm.savedOpenChapter = !replayRequired

	_, highest, isEmpty, err := sm.vol.FindChapterBoundaries(volume.LookupNormal)
	if err != nil {
		return fmt.Errorf("statemachine: find chapter boundaries: %w", err)
	}
	next := uint64(0)
	if !isEmpty {
		next = highest + 1
	}
	sm.seedOpenChapters(next)
	return nil
}

func (sm *StateMachine) seedOpenChapters(vcn uint64) {
	sm.mu.Lock()
	sm.newestVCN = vcn
	sm.mu.Unlock()
	for _, z := range sm.zones {
		z.RestoreOpenVCN(vcn)
	}
}

// restoreMasterIndex replays a cleanly-saved master index component back
// into each zone's shard, the cheap path available when the last shutdown
// was clean and no chapter-by-chapter replay is needed.
func (sm *StateMachine) restoreMasterIndex() error {
	data, err := sm.state.ReadMasterIndexComponent()
	if err != nil {
		return err
	}
	var records []persistedRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&records); err != nil {
		return fmt.Errorf("decode master index component: %w", err)
	}
	for _, r := range records {
		zoneID := r.Name.ZoneSelector(len(sm.zones))
		shard := sm.zones[zoneID].Shard()
		lookup := shard.Lookup(r.Name)
		if err := shard.Put(lookup.Handle, r.VCN); err != nil && !errs.Benign(err) {
			return err
		}
	}
	return nil
}

// Dispatch routes req through the dispatcher and, once the zones' open
// chapters together hold a full chapter per zone, freezes the current virtual chapter across every
// zone. The whole ring's zones share one notion of "current virtual
// chapter", so the rotation threshold is evaluated over the sum of every
// zone's open chapter size rather than any single zone's.
func (sm *StateMachine) Dispatch(req *types.Request) error {
	if sm.closed.Load() {
		return errs.New(errs.ShuttingDown, "statemachine: index is closed")
	}
	if err := sm.disp.Dispatch(req); err != nil {
		return err
	}
	sm.maybeAdvanceChapter()
	return nil
}

func (sm *StateMachine) maybeAdvanceChapter() {
	capacityPerZone := int(sm.geo.RecordsPerPage * sm.geo.RecordPagesPerChapter)
	total := 0
	for _, z := range sm.zones {
		total += z.OpenLen()
	}
	if total < capacityPerZone*len(sm.zones) {
		return
	}

	sm.mu.Lock()
	next := sm.newestVCN + 1
	sm.newestVCN = next
	sm.mu.Unlock()

	sm.disp.AdvanceActiveChapters(next)
}

// Dispatcher exposes the underlying dispatcher for callers (statistics,
// tooling) that need direct zone access.
func (sm *StateMachine) Dispatcher() *dispatcher.Dispatcher { return sm.disp }

// Zones returns every zone the state machine owns.
func (sm *StateMachine) Zones() []*zone.Zone { return sm.zones }

// Geometry returns the volume geometry this index was opened with.
func (sm *StateMachine) Geometry() geometry.Geometry { return sm.geo }

// WriterMemoryAllocated reports bytes held by the chapter writer's in-flight
// and recently-frozen buffers, folded into get_index_stats' MemoryUsed.
func (sm *StateMachine) WriterMemoryAllocated() int64 { return sm.writer.MemoryAllocated() }

// CurrentCheckpoint returns the checkpoint chapter a Save performed right
// now would record, without performing the save.
func (sm *StateMachine) CurrentCheckpoint() uint64 { return sm.beginSave() }

// HasSavedOpenChapter reports whether this index was loaded from a clean save
// or has completed a Save since it was opened, matching has_saved_open_chapter's
// advisory role for embedders deciding whether a following load can skip
// replay.
func (sm *StateMachine) HasSavedOpenChapter() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.savedOpenChapter
}

// beginSave computes the checkpoint chapter implied by the current newest
// virtual chapter, implementing begin_save's open_chapter_number == 0 =>
// NO_LAST_CHECKPOINT special case: chapter 0 is still open and nothing has
// been frozen yet, so there is nothing meaningful to check-point.
func (sm *StateMachine) beginSave() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.newestVCN == 0 {
		return types.NoLastCheckpoint
	}
	return sm.newestVCN - 1
}

// Save implements save_index: wait for the chapter writer to drain, persist
// every zone's master index shard, and stamp the checkpoint.
func (sm *StateMachine) Save() error {
	sm.writer.WaitForIdle()

	var records []persistedRecord
	for _, z := range sm.zones {
		shard := z.Shard()
		for _, name := range shard.Names() {
			lookup := shard.Lookup(name)
			if lookup.Found {
				records = append(records, persistedRecord{Name: name, VCN: lookup.VirtualChapter})
			}
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return fmt.Errorf("statemachine: encode master index: %w", err)
	}
	if err := sm.state.AddMasterIndexComponent(buf.Bytes()); err != nil {
		return fmt.Errorf("statemachine: persist master index: %w", err)
	}

	checkpoint := sm.beginSave()
	sm.mu.Lock()
	newest := sm.newestVCN
	sm.mu.Unlock()

	if err := sm.state.SaveIndexState(newest, checkpoint); err != nil {
		return fmt.Errorf("statemachine: save index state: %w", err)
	}

	sm.mu.Lock()
	sm.savedOpenChapter = true
	sm.mu.Unlock()
	return nil
}

// Close releases every resource the state machine owns. It does not save;
// callers that want a clean shutdown must call Save first.
func (sm *StateMachine) Close() error {
	if !sm.closed.CompareAndSwap(false, true) {
		return nil
	}
	sm.writer.Close()
	for _, z := range sm.zones {
		if sc := z.SparseCache(); sc != nil {
			sc.Close()
		}
	}
	return sm.vol.Close()
}
