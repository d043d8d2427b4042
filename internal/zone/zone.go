// Package zone implements C5: an index zone, the single-owning-executor unit
// of concurrency that holds one shard of the master index plus the open
// chapter currently being accumulated for it.
//
// Grounded on the teacher's pkg/shard.go get/put/delete plus the rotate()
// call that retires a generation; an index zone plays the same role for a
// virtual chapter's worth of records, and AdvanceActiveChapters is this
// package's rotate().  The search/remove branch structure is ported from
// search_index_zone/remove_from_index_zone in the original C source.
package zone

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Voskan/dedupindex/internal/chapterwriter"
	"github.com/Voskan/dedupindex/internal/errs"
	"github.com/Voskan/dedupindex/internal/geometry"
	"github.com/Voskan/dedupindex/internal/masterindex"
	"github.com/Voskan/dedupindex/internal/sparsecache"
	"github.com/Voskan/dedupindex/internal/types"
	"github.com/Voskan/dedupindex/internal/volume"
)

// Zone owns one disjoint shard of the master index, the open chapter
// currently accumulating records destined for it, and (if the geometry is
// sparse) a cache of recently consulted sparse chapter indexes.
type Zone struct {
	id     int
	geo    geometry.Geometry
	shard  *masterindex.Shard
	sparse *sparsecache.Cache
	vol    *volume.Volume
	writer *chapterwriter.Writer
	logger *zap.Logger

	mu          sync.Mutex
	openVCN     uint64
	openNames   []types.ChunkName
	openIndex   map[types.ChunkName]int // name -> index into openNames, for O(1) dup/remove checks
}

// New constructs a zone. sparse may be nil when geo.IsSparse() is false.
func New(id int, geo geometry.Geometry, vol *volume.Volume, writer *chapterwriter.Writer, sparse *sparsecache.Cache, logger *zap.Logger) *Zone {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Zone{
		id:        id,
		geo:       geo,
		shard:     masterindex.NewShard(geo.ChaptersPerVolume),
		sparse:    sparse,
		vol:       vol,
		writer:    writer,
		logger:    logger,
		openIndex: make(map[types.ChunkName]int),
	}
}

// ID returns the zone's own number; the dispatcher uses it in the key that
// deduplicates sparse barriers.
func (z *Zone) ID() int { return z.id }

// Shard exposes the zone's master index shard for statistics and replay.
func (z *Zone) Shard() *masterindex.Shard { return z.shard }

// SparseCache exposes the zone's sparse chapter cache, or nil when the
// geometry is not sparse. Used by the state machine to release its
// background goroutines on Close.
func (z *Zone) SparseCache() *sparsecache.Cache { return z.sparse }

// Dispatch routes a request to the search or remove path per its Action,
// matching dispatch_index_zone_request's branch on request->action.
func (z *Zone) Dispatch(req *types.Request) error {
	switch req.Action {
	case types.ActionQuery, types.ActionIndex, types.ActionUpdate:
		return z.search(req)
	case types.ActionDelete:
		return z.remove(req)
	default:
		return errs.Newf(errs.InvalidArgument, "zone %d: unknown action %v", z.id, req.Action)
	}
}

// search implements search_index_zone: check the open chapter first (the
// freshest data, already "current" by definition), then the master index
// hint, disambiguating a hit against the appropriate chapter (dense straight
// from the volume, sparse via the per-zone cache, or authoritative without
// either for a collision record the volume can't confirm), then deciding
// whether a found record needs an LRU refresh or a genuinely new record
// needs to be posted to the open chapter.
func (z *Zone) search(req *types.Request) error {
	z.mu.Lock()
	if _, ok := z.openIndex[req.Name]; ok {
		z.mu.Unlock()
		req.Location = types.LocationInOpenChapter
		return nil
	}
	z.mu.Unlock()

	lookup := z.shard.Lookup(req.Name)
	if lookup.Found {
		return z.resolveFound(req, lookup)
	}

	// The master index hint may have aged out of the cyclic window even
	// though the chunk's data is still resident in a cached sparse chapter;
	// the ALL sentinel rescues that case instead of re-indexing it as new.
	if !req.Name.IsSample() && z.sparse != nil && z.geo.IsSparse() {
		if z.sparse.Search(req.Name, types.SparseCacheAll) {
			req.Location = types.LocationInSparse
			return nil
		}
	}

	req.Location = types.LocationUnavailable
	if req.Action == types.ActionQuery && !req.Update {
		return nil
	}
	return z.addToOpenChapter(req)
}

// resolveFound handles a record the master index already knows about:
// confirming its region, refreshing its chapter hint when it no longer
// points at the current chapter (an LRU touch, not a data move), and
// otherwise posting a genuine index/update into the open chapter. A plain
// query (no Update) only reports the location and changes nothing.
func (z *Zone) resolveFound(req *types.Request, lookup masterindex.LookupResult) error {
	vcn := lookup.VirtualChapter
	sparse := z.geo.IsChapterSparse(z.oldestVCN(), z.currentOpenVCN(), vcn)

	var confirmed bool
	var err error
	if sparse {
		confirmed, err = z.searchSparse(req.Name, vcn)
	} else {
		confirmed, err = z.searchDense(req.Name, vcn)
	}
	if err != nil {
		return err
	}

	switch {
	case confirmed:
		if sparse {
			req.Location = types.LocationInSparse
		} else {
			req.Location = types.LocationInDense
		}
	case lookup.Collision:
		// Overflow record: found-and-collision but the volume side
		// couldn't confirm it. The hint is authoritative regardless.
		if sparse {
			req.Location = types.LocationInSparse
		} else {
			req.Location = types.LocationInDense
		}
	default:
		// A plain (non-collision) hint that the volume no longer confirms
		// means the ring has since overwritten that chapter; treat as a
		// genuine miss rather than trusting a stale pointer.
		req.Location = types.LocationUnavailable
		if req.Action == types.ActionQuery && !req.Update {
			return nil
		}
		return z.addToOpenChapter(req)
	}

	if req.Action == types.ActionQuery && !req.Update {
		return nil
	}
	current := z.shard.NewestVCN()
	if vcn != current {
		if err := z.shard.SetChapter(lookup.Handle, current); err != nil && !errs.Benign(err) {
			return fmt.Errorf("zone %d: refresh chapter: %w", z.id, err)
		}
		return nil
	}
	return z.addToOpenChapter(req)
}

func (z *Zone) searchDense(name types.ChunkName, vcn uint64) (bool, error) {
	if z.writer.SearchRecentlyFrozen(vcn, name) {
		return true, nil
	}
	ok, err := z.vol.SearchPageCache(name, vcn)
	if err != nil {
		return false, fmt.Errorf("zone %d: search dense chapter %d: %w", z.id, vcn, err)
	}
	return ok, nil
}

func (z *Zone) searchSparse(name types.ChunkName, vcn uint64) (bool, error) {
	if z.sparse == nil {
		return z.searchDense(name, vcn)
	}
	if err := z.sparse.ApplyBarrier(vcn, z.sparseLoader()); err != nil {
		return false, fmt.Errorf("zone %d: apply barrier for chapter %d: %w", z.id, vcn, err)
	}
	return z.sparse.Search(name, vcn), nil
}

// sparseLoader decodes every name in a physical chapter into the flat set
// shape the sparse cache wants. Shared by searchSparse and PrimeSparseChapter
// so a barrier synthesized ahead of the real request warms the same cache.
func (z *Zone) sparseLoader() sparsecache.Loader {
	return func(virtualChapter uint64) (*sparsecache.ChapterIndex, error) {
		phys := z.geo.PhysicalChapter(virtualChapter)
		names, err := z.vol.GetRecordPage(phys, 0)
		for page := uint32(1); err == nil && page < z.geo.RecordPagesPerChapter; page++ {
			var more []types.ChunkName
			more, err = z.vol.GetRecordPage(phys, page)
			names = append(names, more...)
		}
		if err != nil {
			return nil, err
		}
		set := make(map[types.ChunkName]struct{}, len(names))
		for _, n := range names {
			set[n] = struct{}{}
		}
		return &sparsecache.ChapterIndex{VirtualChapter: virtualChapter, Names: set}, nil
	}
}

// PrimeSparseChapter ensures a sparse chapter is resident in this zone's
// cache without performing a search, the building block the dispatcher uses
// to simulate a barrier message ahead of a real request in a single-zone
// sparse configuration.
func (z *Zone) PrimeSparseChapter(vcn uint64) error {
	if z.sparse == nil {
		return nil
	}
	return z.sparse.ApplyBarrier(vcn, z.sparseLoader())
}

// IsSparseChapter reports whether vcn currently falls in this zone's sparse
// region, given its present open chapter.
func (z *Zone) IsSparseChapter(vcn uint64) bool {
	return z.geo.IsChapterSparse(z.oldestVCN(), z.currentOpenVCN(), vcn)
}

// TriageName reports the master index hint for name plus whether it is a
// sample name, the pair the dispatcher's barrier simulation needs without
// performing a full search.
func (z *Zone) TriageName(name types.ChunkName) (vcn uint64, found, isSample bool) {
	res, sample := z.shard.Triage(name)
	return res.VirtualChapter, res.Found, sample
}

// addToOpenChapter posts a record into the chapter currently being
// accumulated. Re-posting a name already present there is a no-op, not an
// error: a duplicate INDEX of an already-current record is success per
// search_index_zone, never UDS_DUPLICATE_NAME.
func (z *Zone) addToOpenChapter(req *types.Request) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if _, ok := z.openIndex[req.Name]; ok {
		return nil
	}
	z.openIndex[req.Name] = len(z.openNames)
	z.openNames = append(z.openNames, req.Name)
	return nil
}

// remove implements remove_from_index_zone: drop the name from the open
// chapter if present there, otherwise from the master index hint.
func (z *Zone) remove(req *types.Request) error {
	z.mu.Lock()
	if idx, ok := z.openIndex[req.Name]; ok {
		last := len(z.openNames) - 1
		z.openNames[idx] = z.openNames[last]
		z.openIndex[z.openNames[idx]] = idx
		z.openNames = z.openNames[:last]
		delete(z.openIndex, req.Name)
		z.mu.Unlock()
		req.Location = types.LocationInOpenChapter
		return nil
	}
	z.mu.Unlock()

	lookup := z.shard.Lookup(req.Name)
	if !lookup.Found {
		req.Location = types.LocationUnavailable
		return nil
	}
	if err := z.shard.Remove(lookup.Handle); err != nil {
		return fmt.Errorf("zone %d: remove: %w", z.id, err)
	}
	req.Location = types.LocationInDense
	return nil
}

// AdvanceActiveChapters freezes the current open chapter, hands it to the
// chapter writer for asynchronous persistence, advances the master index
// shard's notion of the newest chapter, and evicts the outgoing chapter from
// the sparse cache if the ring just overwrote its physical slot.
func (z *Zone) AdvanceActiveChapters(nextVCN uint64) {
	z.mu.Lock()
	frozenVCN := z.openVCN
	names := z.openNames
	z.openNames = nil
	z.openIndex = make(map[types.ChunkName]int)
	z.openVCN = nextVCN
	z.mu.Unlock()

	if len(names) > 0 {
		z.writer.Submit(chapterwriter.Job{VirtualChapter: frozenVCN, Names: names})
		for _, n := range names {
			lookup := z.shard.Lookup(n)
			if lookup.Found {
				_ = z.shard.SetChapter(lookup.Handle, frozenVCN)
			} else {
				_ = z.shard.Put(lookup.Handle, frozenVCN)
			}
		}
	}
	z.shard.AdvanceOpenChapter(nextVCN)

	if z.sparse != nil && nextVCN >= z.geo.ChaptersPerVolume {
		z.sparse.Evict(nextVCN - z.geo.ChaptersPerVolume)
	}
}

func (z *Zone) currentOpenVCN() uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.openVCN
}

func (z *Zone) oldestVCN() uint64 {
	open := z.currentOpenVCN()
	if open < z.geo.ChaptersPerVolume {
		return 0
	}
	return open - z.geo.ChaptersPerVolume + 1
}

// OpenLen reports how many records are currently accumulated in the open
// chapter, the signal the state machine uses to decide when a chapter is
// full enough to freeze.
func (z *Zone) OpenLen() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.openNames)
}

// RestoreOpenVCN is used during load/replay to seed the zone's open chapter
// number from persisted state without going through AdvanceActiveChapters'
// freeze side effects.
func (z *Zone) RestoreOpenVCN(vcn uint64) {
	z.mu.Lock()
	z.openVCN = vcn
	z.mu.Unlock()
	z.shard.AdvanceOpenChapter(vcn)
}
