// Package volume implements the *consumed* Volume contract from spec.md §6:
// a paged, chaptered on-disk store with boundary discovery, page reads,
// prefetch, and a page-cache membership probe used during replay.
//
// spec.md treats the block store / volume I/O layer as an external
// collaborator; this package gives it a concrete, persistent backing so the
// load/replay/rebuild scenarios in spec.md §8 can actually be exercised
// against data that outlives a process, the same role Badger plays as the
// L2 store in the teacher's examples/disk_eject/main.go.
package volume

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Voskan/dedupindex/internal/geometry"
	"github.com/Voskan/dedupindex/internal/types"
)

// LookupMode switches the volume's own freshness checks, threaded explicitly
// through every call that needs it rather than toggled as mutable state on
// the Volume — the original C source flips a struct field around replay and
// restores it, which the design notes flag as a concurrency hazard this
// port deliberately avoids.
type LookupMode int

const (
	LookupNormal LookupMode = iota
	LookupForRebuild
)

// ChapterIndexPage is one decoded index page: the contiguous range of delta
// list numbers it covers. rebuild_index_page_map verifies these are
// contiguous across a chapter's index pages.
type ChapterIndexPage struct {
	LowestListNumber  uint32
	HighestListNumber uint32
}

type boundaries struct {
	LowestVCN  uint64 `json:"lowest_vcn"`
	HighestVCN uint64 `json:"highest_vcn"`
	IsEmpty    bool   `json:"is_empty"`
}

// Volume is a Badger-backed chaptered ring store.
type Volume struct {
	db  *badger.DB
	geo geometry.Geometry
}

// Open opens (or creates) a Badger-backed volume at dir.
func Open(dir string, geo geometry.Geometry) (*Volume, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("volume: open badger: %w", err)
	}
	return &Volume{db: db, geo: geo}, nil
}

// Close releases the underlying Badger handle.
func (v *Volume) Close() error { return v.db.Close() }

// Geometry returns the volume's immutable layout.
func (v *Volume) Geometry() geometry.Geometry { return v.geo }

func recordPageKey(phys uint32, page uint32) []byte {
	return []byte(fmt.Sprintf("chapter:%08x:recordpage:%08x", phys, page))
}

func indexPageKey(phys uint32, page uint32) []byte {
	return []byte(fmt.Sprintf("chapter:%08x:indexpage:%08x", phys, page))
}

func chapterVCNKey(phys uint32) []byte {
	return []byte(fmt.Sprintf("chapter:%08x:vcn", phys))
}

var boundariesKey = []byte("meta:boundaries")

// FindChapterBoundaries reports the lowest and highest virtual chapter
// numbers currently written to the volume. mode is accepted (rather than a
// mutated field) so the caller's intent is explicit at every call site; this
// implementation does not currently vary behavior by mode, since Badger's
// own MVCC already gives a consistent read view.
func (v *Volume) FindChapterBoundaries(mode LookupMode) (lowestVCN, highestVCN uint64, isEmpty bool, err error) {
	_ = mode
	var b boundaries
	err = v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(boundariesKey)
		if err == badger.ErrKeyNotFound {
			b = boundaries{IsEmpty: true}
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &b)
		})
	})
	if err != nil {
		return 0, 0, false, fmt.Errorf("volume: find chapter boundaries: %w", err)
	}
	return b.LowestVCN, b.HighestVCN, b.IsEmpty, nil
}

// WriteChapter persists a frozen chapter's names to the volume, splitting
// them across record pages and synthesizing index pages whose list-number
// ranges are contiguous (the invariant rebuild_index_page_map verifies).
// Called by the chapter writer when an open chapter accumulator freezes.
func (v *Volume) WriteChapter(vcn uint64, names []types.ChunkName) error {
	phys := v.geo.PhysicalChapter(vcn)

	return v.db.Update(func(txn *badger.Txn) error {
		recordsPerPage := int(v.geo.RecordsPerPage)
		for page := uint32(0); page < v.geo.RecordPagesPerChapter; page++ {
			start := int(page) * recordsPerPage
			end := start + recordsPerPage
			var buf []byte
			for i := start; i < end && i < len(names); i++ {
				buf = append(buf, names[i][:]...)
			}
			if err := txn.Set(recordPageKey(phys, page), buf); err != nil {
				return err
			}
		}

		totalLists := v.geo.IndexPagesPerChapter
		listsPerPage := uint32(1)
		if totalLists > 0 {
			listsPerPage = (uint32(len(names))/totalLists + 1)
			if listsPerPage == 0 {
				listsPerPage = 1
			}
		}
		expected := uint32(0)
		for page := uint32(0); page < v.geo.IndexPagesPerChapter; page++ {
			lo := expected
			hi := lo + listsPerPage - 1
			idxPage := ChapterIndexPage{LowestListNumber: lo, HighestListNumber: hi}
			data, err := json.Marshal(idxPage)
			if err != nil {
				return err
			}
			if err := txn.Set(indexPageKey(phys, page), data); err != nil {
				return err
			}
			expected = hi + 1
		}

		vcnBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(vcnBuf, vcn)
		if err := txn.Set(chapterVCNKey(phys), vcnBuf); err != nil {
			return err
		}

		return v.updateBoundariesLocked(txn, vcn)
	})
}

func (v *Volume) updateBoundariesLocked(txn *badger.Txn, vcn uint64) error {
	var b boundaries
	item, err := txn.Get(boundariesKey)
	switch {
	case err == badger.ErrKeyNotFound:
		b = boundaries{LowestVCN: vcn, HighestVCN: vcn, IsEmpty: false}
	case err != nil:
		return err
	default:
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &b)
		}); err != nil {
			return err
		}
		if b.IsEmpty || vcn < b.LowestVCN {
			b.LowestVCN = vcn
		}
		if b.IsEmpty || vcn > b.HighestVCN {
			b.HighestVCN = vcn
		}
		b.IsEmpty = false
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return txn.Set(boundariesKey, data)
}

// GetRecordPage returns the decoded chunk names stored on a record page.
// Zero-valued trailing names (padding) are omitted.
func (v *Volume) GetRecordPage(physChapter, page uint32) ([]types.ChunkName, error) {
	var names []types.ChunkName
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordPageKey(physChapter, page))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n := types.MaxNameBytes
			for off := 0; off+n <= len(val); off += n {
				var name types.ChunkName
				copy(name[:], val[off:off+n])
				if name != (types.ChunkName{}) {
					names = append(names, name)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("volume: get record page %d/%d: %w", physChapter, page, err)
	}
	return names, nil
}

// GetChapterIndexPage returns the decoded index page metadata.
func (v *Volume) GetChapterIndexPage(physChapter, page uint32) (ChapterIndexPage, error) {
	var out ChapterIndexPage
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexPageKey(physChapter, page))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		return ChapterIndexPage{}, fmt.Errorf("volume: get index page %d/%d: %w", physChapter, page, err)
	}
	return out, nil
}

// PrefetchPages is a best-effort warm-up of a physical chapter's pages
// ahead of a sequential read pass, mirroring prefetch_volume_pages. Badger
// already serves consistent snapshots from its own block cache, so this
// simply touches every page once to populate it.
func (v *Volume) PrefetchPages(physChapter uint32, pageCount uint32) error {
	return v.db.View(func(txn *badger.Txn) error {
		for page := uint32(0); page < pageCount; page++ {
			if _, err := txn.Get(recordPageKey(physChapter, page)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

// SearchPageCache reports whether name is actually present in the on-disk
// chapter named by vcn, used by replay_record's "found, non-collision,
// different chapter" branch to disambiguate a master-index hint against
// ground truth. A chapter that was never written holds no names, so it
// reports false rather than an error.
func (v *Volume) SearchPageCache(name types.ChunkName, vcn uint64) (bool, error) {
	phys := v.geo.PhysicalChapter(vcn)
	for page := uint32(0); page < v.geo.RecordPagesPerChapter; page++ {
		names, err := v.GetRecordPage(phys, page)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		for _, n := range names {
			if n == name {
				return true, nil
			}
		}
	}
	return false, nil
}

// ChapterVCN returns the virtual chapter number currently occupying a
// physical slot, or ok=false if the slot has never been written.
func (v *Volume) ChapterVCN(physChapter uint32) (vcn uint64, ok bool, err error) {
	err = v.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(chapterVCNKey(physChapter))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		ok = true
		return item.Value(func(val []byte) error {
			vcn = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	return vcn, ok, err
}
