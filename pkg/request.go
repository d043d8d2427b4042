package dedupindex

import "github.com/Voskan/dedupindex/internal/types"

// ChunkName is a fixed-width content hash identifying one chunk of data.
type ChunkName = types.ChunkName

// Action selects what an index operation does with a name.
type Action = types.Action

// The four request actions a caller can issue against an Index.
const (
	ActionIndex  = types.ActionIndex
	ActionUpdate = types.ActionUpdate
	ActionQuery  = types.ActionQuery
	ActionDelete = types.ActionDelete
)

// Location reports where a resolved request's name was found.
type Location = types.Location

// The possible outcomes of resolving a request.
const (
	LocationUnavailable   = types.LocationUnavailable
	LocationInOpenChapter = types.LocationInOpenChapter
	LocationInDense       = types.LocationInDense
	LocationInSparse      = types.LocationInSparse
)

// Metadata is the small opaque payload an embedder attaches to a name.
type Metadata = types.Metadata
