// Package masterindex implements C3: the sharded in-memory map from chunk
// name to virtual chapter number, with collision handling and sampling.
//
// The real UDS master index is backed by delta-compressed lists; here each
// shard is backed by a plain Go map keyed by a short "slot key" (a prefix of
// the chunk name) to deliberately reproduce the same *externally visible*
// contract: most slots hold exactly one name, but when two distinct names
// share a slot key the record is promoted to an authoritative collision
// record, exactly as spec.md's collision-handling rule requires. The slot
// key width controls how rare collisions are, the same way the real delta
// list's addressable width does.
//
// Grounded on the teacher's pkg/cache.go shard[K,V] (RWMutex-guarded map,
// atomic hit/miss/eviction counters), generalized from an LRU value cache to
// a VCN hint store, plus the collision branches of the original
// getMasterIndexRecord/isCollision machinery in utils/uds/index.c.
package masterindex

import (
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"

	"github.com/Voskan/dedupindex/internal/errs"
	"github.com/Voskan/dedupindex/internal/types"
	"github.com/Voskan/dedupindex/internal/unsafehelpers"
)

// DefaultSlotKeyBytes is the number of leading name bytes used as the slot
// key in production. Kept wide so accidental collisions are vanishingly
// rare; tests shrink this to provoke collisions deterministically.
const DefaultSlotKeyBytes = 8

// MaxSlotEntries bounds how many distinct names may share one slot before
// further promotions return Overflow, standing in for delta-list exhaustion.
const MaxSlotEntries = 6

type nameVCN struct {
	name types.ChunkName
	vcn  uint64
}

// slot is one bucket of the shard map. A fresh slot holds a single record
// directly; once a second, different name maps to the same slot key it is
// promoted to a collision slot holding every name that landed there.
type slot struct {
	collision bool
	single    nameVCN
	entries   []nameVCN // only used once collision == true
}

// Shard owns one disjoint fraction of the master index's key space, matching
// spec.md's "zone selector of every record in zone Z equals Z's id"
// invariant: the caller is responsible for only ever handing a Shard names
// whose ZoneSelector resolves to its own id.
type Shard struct {
	mu              sync.RWMutex
	slots           map[string]*slot
	slotKeyBytes    int
	chaptersPerVol  uint64
	newestVCN       uint64
	recordCount     atomic.Int64
	collisionCount  atomic.Int64
	discardCount    atomic.Int64
	overflowCount   atomic.Int64
}

// NewShard constructs an empty shard. chaptersPerVolume comes from the
// volume's Geometry and bounds the lazy-aging window.
func NewShard(chaptersPerVolume uint64) *Shard {
	return &Shard{
		slots:          make(map[string]*slot, 1024),
		slotKeyBytes:   DefaultSlotKeyBytes,
		chaptersPerVol: chaptersPerVolume,
	}
}

// SetSlotKeyBytes overrides the slot key width; exposed for tests that want
// to provoke deterministic collisions with a tiny name-space.
func (s *Shard) SetSlotKeyBytes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slotKeyBytes = n
}

func (s *Shard) slotKey(name types.ChunkName) string {
	n := s.slotKeyBytes
	if n <= 0 || n > types.MaxNameBytes {
		n = types.MaxNameBytes
	}
	return unsafehelpers.BytesToString(name[:n])
}

// oldestVisible is the lazy-aging threshold: records whose virtual chapter
// falls below it are treated as not-found and purged on next touch.
func (s *Shard) oldestVisible() uint64 {
	if s.newestVCN < s.chaptersPerVol {
		return 0
	}
	return s.newestVCN - s.chaptersPerVol + 1
}

// RecordHandle identifies a slot (and, for collision slots, a specific
// entry within it) located by Lookup, so a subsequent SetChapter/Put/Remove
// can mutate it without a second map lookup.
type RecordHandle struct {
	slotKey   string
	name      types.ChunkName
	found     bool
	collision bool
	idx       int // index into slot.entries, valid only when collision && found
}

// LookupResult is returned by Lookup and Triage.
type LookupResult struct {
	Found          bool
	VirtualChapter uint64
	Collision      bool
	Handle         RecordHandle
}

// Lookup is a pure operation: it never mutates the shard, and the returned
// Handle can be used by SetChapter/Put/Remove to act on the same slot
// without re-hashing the name.
func (s *Shard) Lookup(name types.ChunkName) LookupResult {
	key := s.slotKey(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, ok := s.slots[key]
	if !ok {
		return LookupResult{Handle: RecordHandle{slotKey: key, name: name}}
	}

	if !sl.collision {
		if sl.single.name != name {
			return LookupResult{Handle: RecordHandle{slotKey: key, name: name}}
		}
		if sl.single.vcn < s.oldestVisible() {
			// Aged out; lazily reaped by the next mutating touch.
			return LookupResult{Handle: RecordHandle{slotKey: key, name: name}}
		}
		return LookupResult{
			Found:          true,
			VirtualChapter: sl.single.vcn,
			Handle:         RecordHandle{slotKey: key, name: name, found: true},
		}
	}

	for i, e := range sl.entries {
		if e.name == name {
			if e.vcn < s.oldestVisible() {
				return LookupResult{Handle: RecordHandle{slotKey: key, name: name, collision: true}}
			}
			return LookupResult{
				Found:          true,
				VirtualChapter: e.vcn,
				Collision:      true,
				Handle:         RecordHandle{slotKey: key, name: name, found: true, collision: true, idx: i},
			}
		}
	}
	return LookupResult{Handle: RecordHandle{slotKey: key, name: name, collision: true}}
}

// NewestVCN reports the newest virtual chapter this shard has observed
// (via Put, SetChapter or AdvanceOpenChapter), the "current" chapter number
// search_index_zone compares a found record's chapter against.
func (s *Shard) NewestVCN() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newestVCN
}

// Triage is a lookup that additionally reports whether the name is a sample,
// matching MasterIndexTriage from the original source: callers use this to
// decide whether a barrier message is needed before the request proceeds.
func (s *Shard) Triage(name types.ChunkName) (res LookupResult, isSample bool) {
	return s.Lookup(name), name.IsSample()
}

// IsSample is a constant-time predicate selecting hook names by sample bit
// pattern.
func (s *Shard) IsSample(name types.ChunkName) bool { return name.IsSample() }

// SetChapter updates the chapter of an existing record located by a prior
// Lookup. Returns errs.BadState if the handle no longer names a present
// record. It never grows a collision slot, so it never returns
// errs.Overflow.
func (s *Shard) SetChapter(h RecordHandle, vcn uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[h.slotKey]
	if !ok {
		return errs.New(errs.BadState, "set_chapter: record vanished")
	}
	if !sl.collision {
		if sl.single.name != h.name {
			return errs.New(errs.BadState, "set_chapter: record vanished")
		}
		sl.single.vcn = vcn
		s.bumpNewest(vcn)
		return nil
	}
	for i, e := range sl.entries {
		if e.name == h.name {
			sl.entries[i].vcn = vcn
			_ = e
			s.bumpNewest(vcn)
			return nil
		}
	}
	return errs.New(errs.BadState, "set_chapter: record vanished")
}

// Put inserts a record absent before Lookup. May return Overflow (slot
// already has MaxSlotEntries distinct names) or DuplicateName (the name was
// concurrently inserted by another caller between Lookup and Put, or replay
// is re-inserting a name it already saw).
func (s *Shard) Put(h RecordHandle, vcn uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[h.slotKey]
	if !ok {
		s.slots[h.slotKey] = &slot{single: nameVCN{name: h.name, vcn: vcn}}
		s.recordCount.Add(1)
		s.bumpNewest(vcn)
		return nil
	}

	if !sl.collision {
		if sl.single.vcn < s.oldestVisible() {
			// The existing occupant (whatever name it holds, including
			// h.name itself) aged out; it's being silently reaped to make
			// room instead of creating a spurious collision with a ghost,
			// or rejecting a legitimate reinsertion as a duplicate.
			s.recordCount.Add(-1)
			*sl = slot{single: nameVCN{name: h.name, vcn: vcn}}
			s.recordCount.Add(1)
			s.bumpNewest(vcn)
			return nil
		}
		if sl.single.name == h.name {
			return errs.New(errs.DuplicateName, "put: name already indexed")
		}
		// Promote to a collision slot.
		sl.collision = true
		sl.entries = []nameVCN{sl.single, {name: h.name, vcn: vcn}}
		sl.single = nameVCN{}
		s.collisionCount.Add(1)
		s.recordCount.Add(1)
		s.bumpNewest(vcn)
		return nil
	}

	for i, e := range sl.entries {
		if e.name == h.name {
			if e.vcn < s.oldestVisible() {
				sl.entries[i].vcn = vcn
				s.bumpNewest(vcn)
				return nil
			}
			return errs.New(errs.DuplicateName, "put: name already indexed")
		}
	}
	if len(sl.entries) >= MaxSlotEntries {
		s.overflowCount.Add(1)
		return errs.New(errs.Overflow, "put: slot is full")
	}
	sl.entries = append(sl.entries, nameVCN{name: h.name, vcn: vcn})
	s.recordCount.Add(1)
	s.bumpNewest(vcn)
	return nil
}

// Remove deletes the record identified by h. A no-op Lookup miss followed by
// Remove is not meaningful; callers are expected to check Found first.
func (s *Shard) Remove(h RecordHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[h.slotKey]
	if !ok {
		return nil
	}
	if !sl.collision {
		if sl.single.name == h.name {
			delete(s.slots, h.slotKey)
			s.recordCount.Add(-1)
		}
		return nil
	}
	for i, e := range sl.entries {
		if e.name == h.name {
			sl.entries = append(sl.entries[:i], sl.entries[i+1:]...)
			s.recordCount.Add(-1)
			if len(sl.entries) == 1 {
				// Demote back to a plain slot.
				remaining := sl.entries[0]
				*sl = slot{single: remaining}
			} else if len(sl.entries) == 0 {
				delete(s.slots, h.slotKey)
			}
			return nil
		}
	}
	return nil
}

// AdvanceOpenChapter declares vcn the newest chapter; entries older than the
// cyclic window become invisible to Lookup, and are lazily reclaimed the
// next time their slot is touched by Put.
func (s *Shard) AdvanceOpenChapter(vcn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumpNewest(vcn)
	s.reapAged()
}

func (s *Shard) bumpNewest(vcn uint64) {
	if vcn > s.newestVCN {
		s.newestVCN = vcn
	}
}

// reapAged sweeps the shard evicting any record (or collision entry) whose
// virtual chapter has fallen below the aging window. Called while already
// holding s.mu.
func (s *Shard) reapAged() {
	oldest := s.oldestVisible()
	for key, sl := range s.slots {
		if !sl.collision {
			if sl.single.vcn < oldest {
				delete(s.slots, key)
				s.recordCount.Add(-1)
				s.discardCount.Add(1)
			}
			continue
		}
		kept := sl.entries[:0]
		for _, e := range sl.entries {
			if e.vcn < oldest {
				s.recordCount.Add(-1)
				s.discardCount.Add(1)
				continue
			}
			kept = append(kept, e)
		}
		switch len(kept) {
		case 0:
			delete(s.slots, key)
		case 1:
			s.slots[key] = &slot{single: kept[0]}
		default:
			sl.entries = kept
		}
	}
}

// Stats is a snapshot of shard-level counters. Safe to call off the shard's
// owning executor. The counters are atomic loads; MemoryAllocated is not: it
// is computed by walking the slots under the shard's read lock, so it waits
// for any writer holding the lock.
type Stats struct {
	RecordCount      int64
	CollisionCount   int64
	DiscardCount     int64
	OverflowCount    int64
	MemoryAllocated  int64
}

// SnapshotStats returns the current counters.
func (s *Shard) SnapshotStats() Stats {
	return Stats{
		RecordCount:     s.recordCount.Load(),
		CollisionCount:  s.collisionCount.Load(),
		DiscardCount:    s.discardCount.Load(),
		OverflowCount:   s.overflowCount.Load(),
		MemoryAllocated: s.approxMemory(),
	}
}

func (s *Shard) approxMemory() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	const perSlotOverhead = 48
	const perEntry = 40
	var total int64
	for _, sl := range s.slots {
		total += perSlotOverhead
		if sl.collision {
			total += int64(len(sl.entries)) * perEntry
		}
	}
	return total
}

// Names returns every name currently visible in the shard, sorted for
// deterministic iteration. Intended for tests and debug tooling only; O(n)
// and takes the read lock for the duration of the snapshot.
func (s *Shard) Names() []types.ChunkName {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := maps.Keys(s.slots)
	sort.Strings(keys)

	var out []types.ChunkName
	oldest := s.oldestVisible()
	for _, k := range keys {
		sl := s.slots[k]
		if !sl.collision {
			if sl.single.vcn >= oldest {
				out = append(out, sl.single.name)
			}
			continue
		}
		for _, e := range sl.entries {
			if e.vcn >= oldest {
				out = append(out, e.name)
			}
		}
	}
	return out
}
