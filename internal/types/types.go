// Package types declares the small set of data types shared by every layer
// of the dedup index core: the chunk name, the request record, and the
// output enums. They live in their own package (rather than in pkg) so that
// internal/* packages can depend on them without importing the public pkg
// package, which in turn re-exports them as aliases.
package types

import (
	"encoding/binary"
	"encoding/hex"
)

// ChunkName is a fixed-width, opaque content-addressed identifier. Names are
// compared by byte equality only; the exact width is a geometry property,
// but in practice all names constructed by this module use MaxNameBytes and
// are treated as comparable array values so they can be used as Go map keys.
const MaxNameBytes = 32

// ChunkName is a 32-byte chunk identifier. It is a comparable array so that
// it can be used directly as a map key in the master index shards.
type ChunkName [MaxNameBytes]byte

// String renders the name as lowercase hex, the same rendering
// chunk_name_to_hex produces in the original replay error logs.
func (n ChunkName) String() string {
	return hex.EncodeToString(n[:])
}

// ZoneSelector extracts the bits of the name that pick the owning zone out
// of zoneCount shards. zoneCount must be a power of two.
func (n ChunkName) ZoneSelector(zoneCount int) int {
	if zoneCount <= 1 {
		return 0
	}
	v := binary.BigEndian.Uint32(n[0:4])
	return int(v % uint32(zoneCount))
}

// sampleBits selects the bit pattern that makes a name a "hook" eligible for
// sparse indexing. One byte of "sample" bits out of the name, matching the
// original UDS convention of deriving the sampling decision from
// name-internal bits rather than an external table.
const sampleBits = 3 // top 3 bits of the sampling byte select ~1-in-8 names

// IsSample is the constant-time predicate that selects hook names by sample
// bit pattern: a name is a sample when the top sampleBits bits of its last
// byte are all zero.
func (n ChunkName) IsSample() bool {
	b := n[MaxNameBytes-1]
	return b>>(8-sampleBits) == 0
}

// Bytes returns a read-only view of the name's bytes without copying.
func (n *ChunkName) Bytes() []byte {
	return n[:]
}

// Action enumerates the operations a Request can carry.
type Action int

const (
	ActionIndex Action = iota
	ActionUpdate
	ActionQuery
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionIndex:
		return "INDEX"
	case ActionUpdate:
		return "UPDATE"
	case ActionQuery:
		return "QUERY"
	case ActionDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Location enumerates where a resolved record was found.
type Location int

const (
	LocationUnavailable Location = iota
	LocationInOpenChapter
	LocationInDense
	LocationInSparse
)

func (l Location) String() string {
	switch l {
	case LocationUnavailable:
		return "UNAVAILABLE"
	case LocationInOpenChapter:
		return "IN_OPEN_CHAPTER"
	case LocationInDense:
		return "IN_DENSE"
	case LocationInSparse:
		return "IN_SPARSE"
	default:
		return "UNKNOWN"
	}
}

// Metadata is the small opaque payload associated with an indexed name. The
// block store is the authority on its meaning; the core only copies it
// in and out of the open chapter.
type Metadata [8]byte

// Request is the externally visible unit of work dispatched to a zone.
type Request struct {
	Name        ChunkName
	ZoneNumber  int
	Action      Action
	Update      bool
	Requeued    bool
	NewMetadata Metadata
	OldMetadata Metadata

	// Location is an output field set by the zone once the request has
	// been resolved.
	Location Location
}

// NoLastCheckpoint is the sentinel meaning "no checkpoint has been taken".
const NoLastCheckpoint uint64 = ^uint64(0)

// SparseCacheAll is the sentinel virtual chapter number meaning "search
// every cached sparse chapter index".
const SparseCacheAll uint64 = ^uint64(0)
