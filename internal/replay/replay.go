// Package replay implements C8: reconstructing a zone's master index shard
// from on-disk chapters, either picking up after a known checkpoint or
// rebuilding from scratch when no usable checkpoint exists.
//
// Grounded on replay_index_from_checkpoint, rebuild_index, replay_volume and
// replay_record in the original source. Physical-chapter boundary discovery
// is fanned out with golang.org/x/sync/errgroup, since probing every slot's
// occupying VCN is a pure read with no ordering dependency; applying the
// discovered records to a shard is kept strictly sequential in ascending VCN
// order, since replay_record's conflict resolution depends on seeing records
// in the order they were originally written.
package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Voskan/dedupindex/internal/errs"
	"github.com/Voskan/dedupindex/internal/geometry"
	"github.com/Voskan/dedupindex/internal/indexstate"
	"github.com/Voskan/dedupindex/internal/types"
	"github.com/Voskan/dedupindex/internal/volume"
	"github.com/Voskan/dedupindex/internal/zone"
)

// SuspendController implements check_for_suspend's mutex/condvar state
// machine: a long replay can be asked to pause between chapters and later
// resumed, without the replaying goroutine polling a flag in a busy loop.
type SuspendController struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requested bool
	suspended bool
}

// NewSuspendController returns a controller in the running state.
func NewSuspendController() *SuspendController {
	c := &SuspendController{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// RequestSuspend asks the next CheckForSuspend call to block.
func (c *SuspendController) RequestSuspend() {
	c.mu.Lock()
	c.requested = true
	c.mu.Unlock()
}

// Resume releases a suspended replay.
func (c *SuspendController) Resume() {
	c.mu.Lock()
	c.requested = false
	c.suspended = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Suspended reports whether replay is currently parked.
func (c *SuspendController) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// CheckForSuspend blocks while a suspension is outstanding, returning early
// with ctx's error if it is canceled while parked.
func (c *SuspendController) CheckForSuspend(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.requested {
		return nil
	}
	c.suspended = true
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.cond.Broadcast()
		case <-done:
		}
	}()
	for c.requested {
		c.cond.Wait()
		if ctx.Err() != nil {
			close(done)
			return ctx.Err()
		}
	}
	close(done)
	c.suspended = false
	return nil
}

// zoneRouter is the narrow slice of dispatcher.Dispatcher's surface replay
// needs, kept as an interface here so replay never imports dispatcher and
// risks a cycle with the statemachine package that wires both together.
type zoneRouter interface {
	ZoneCount() int
	Zone(n int) *zone.Zone
}

// ReplayRecord applies one historical (name, vcn) observation to the zone
// that owns name, porting replay_record's found/collision/chapter-match
// branch structure including the deliberately preserved "spurious collision"
// case: when the master index already points name at a *different* chapter
// than vcn, and that other chapter's volume data genuinely contains name,
// both observations are legitimate and the existing hint is left alone
// rather than overwritten, matching the original's choice to tolerate a
// master index record becoming imprecise rather than risk erasing a valid
// one.
//
// willBeSparse reports whether vcn will fall in the sparse region of the
// final replayed window: per replay_record step 1, a non-sample name
// observed in what will become a sparse chapter is skipped outright, since
// the master index never indexes non-hook names from sparse chapters.
func ReplayRecord(router zoneRouter, vol *volume.Volume, name types.ChunkName, vcn uint64, willBeSparse bool) error {
	if willBeSparse && !name.IsSample() {
		return nil
	}

	zoneID := name.ZoneSelector(router.ZoneCount())
	z := router.Zone(zoneID)
	shard := z.Shard()

	lookup := shard.Lookup(name)
	if !lookup.Found {
		if err := shard.Put(lookup.Handle, vcn); err != nil && !errs.Benign(err) {
			return fmt.Errorf("replay record: put %s at chapter %d: %w", name, vcn, err)
		}
		return nil
	}

	if lookup.VirtualChapter == vcn {
		return nil
	}

	stillPresent, err := vol.SearchPageCache(name, lookup.VirtualChapter)
	if err != nil {
		return fmt.Errorf("replay record: verify spurious collision for %s: %w", name, err)
	}
	if stillPresent {
		return nil
	}

	if err := shard.SetChapter(lookup.Handle, vcn); err != nil {
		return fmt.Errorf("replay record: update chapter for %s: %w", name, err)
	}
	return nil
}

// chapterSlot is one physical chapter's occupancy as discovered by
// discoverBoundaries.
type chapterSlot struct {
	physical uint32
	vcn      uint64
	present  bool
}

// discoverBoundaries probes every physical chapter slot in parallel and
// returns the ones actually written, sorted by virtual chapter number
// ascending so the caller can replay them in the order they were frozen.
func discoverBoundaries(ctx context.Context, vol *volume.Volume, geo geometry.Geometry) ([]chapterSlot, error) {
	slots := make([]chapterSlot, geo.ChaptersPerVolume)
	g, _ := errgroup.WithContext(ctx)
	for phys := uint32(0); phys < uint32(geo.ChaptersPerVolume); phys++ {
		phys := phys
		g.Go(func() error {
			vcn, ok, err := vol.ChapterVCN(phys)
			if err != nil {
				return err
			}
			slots[phys] = chapterSlot{physical: phys, vcn: vcn, present: ok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := slots[:0]
	for _, s := range slots {
		if s.present {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].vcn < out[j].vcn })
	return out, nil
}

// ReplayVolume replays every chapter with vcn >= fromVCN (inclusive) found in
// vol, in ascending virtual chapter order, into the zones behind router. The
// checkpoint chapter itself is replayed, not skipped: a checkpoint taken
// mid-chapter may not have captured every record the chapter ultimately
// held. Pass types.NoLastCheckpoint to replay every chapter found. Mirrors
// replay_volume's loop, pausing between chapters if suspend is non-nil and a
// suspension is outstanding.
func ReplayVolume(ctx context.Context, router zoneRouter, vol *volume.Volume, geo geometry.Geometry, fromVCN uint64, suspend *SuspendController, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	slots, err := discoverBoundaries(ctx, vol, geo)
	if err != nil {
		return fmt.Errorf("replay volume: discover boundaries: %w", err)
	}

	// The final replayed window determines which chapters will end up
	// sparse: the oldest chapter actually present through one past the
	// newest, matching the live dispatch path's oldest/open comparison.
	var windowFrom, windowUpto uint64
	if len(slots) > 0 {
		windowFrom = slots[0].vcn
		windowUpto = slots[len(slots)-1].vcn + 1
	}

	replayed := 0
	for _, s := range slots {
		if fromVCN != types.NoLastCheckpoint && s.vcn < fromVCN {
			continue
		}
		if suspend != nil {
			if err := suspend.CheckForSuspend(ctx); err != nil {
				return fmt.Errorf("replay volume: suspended: %w", err)
			}
		}

		willBeSparse := geo.IsChapterSparse(windowFrom, windowUpto, s.vcn)
		expected := uint32(0)
		for page := uint32(0); page < geo.IndexPagesPerChapter; page++ {
			idx, err := vol.GetChapterIndexPage(s.physical, page)
			if err != nil {
				return fmt.Errorf("replay volume: chapter %d index page %d: %w", s.vcn, page, err)
			}
			if page > 0 && idx.LowestListNumber != expected {
				return errs.Newf(errs.CorruptData, "replay volume: chapter %d index page %d starts at list %d, expected %d",
					s.vcn, page, idx.LowestListNumber, expected)
			}
			expected = idx.HighestListNumber + 1
		}
		for page := uint32(0); page < geo.RecordPagesPerChapter; page++ {
			names, err := vol.GetRecordPage(s.physical, page)
			if err != nil {
				return fmt.Errorf("replay volume: chapter %d page %d: %w", s.vcn, page, err)
			}
			for _, name := range names {
				if err := ReplayRecord(router, vol, name, s.vcn, willBeSparse); err != nil {
					return err
				}
			}
		}
		replayed++
	}
	logger.Info("replay volume complete", zap.Int("chapters_replayed", replayed))
	return nil
}

// RebuildIndex implements rebuild_index: discard whatever is currently in
// every zone's shard and reconstruct purely from what the volume holds, used
// when no persisted checkpoint can be trusted at all.
func RebuildIndex(ctx context.Context, router zoneRouter, vol *volume.Volume, geo geometry.Geometry, logger *zap.Logger) error {
	for i := 0; i < router.ZoneCount(); i++ {
		shard := router.Zone(i).Shard()
		for _, name := range shard.Names() {
			if err := shard.Remove(shard.Lookup(name).Handle); err != nil {
				return fmt.Errorf("rebuild index: reset zone %d: %w", i, err)
			}
		}
	}
	return ReplayVolume(ctx, router, vol, geo, types.NoLastCheckpoint, nil, logger)
}

// ReplayFromCheckpoint implements replay_index_from_checkpoint: resume
// replay at (and including) the checkpoint chapter recorded in state's clean marker, or
// fall back to a full RebuildIndex if there is none.
func ReplayFromCheckpoint(ctx context.Context, state *indexstate.State, router zoneRouter, vol *volume.Volume, geo geometry.Geometry, logger *zap.Logger) error {
	checkpoint, err := state.LastCheckpoint()
	if err != nil {
		return fmt.Errorf("replay from checkpoint: read last checkpoint: %w", err)
	}
	if checkpoint == types.NoLastCheckpoint {
		return RebuildIndex(ctx, router, vol, geo, logger)
	}
	return ReplayVolume(ctx, router, vol, geo, checkpoint, nil, logger)
}
