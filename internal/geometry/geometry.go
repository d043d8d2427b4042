// Package geometry holds the immutable description of chapter sizes, page
// counts, and the sparse/dense split for a volume. It owns no mutable state
// and performs no I/O; every other component treats a Geometry as a value.
//
// Grounded on the teacher's pkg/config.go defaultConfig()+validation shape,
// generalized from cache tuning knobs to the on-disk layout constants named
// in the volume contract.
package geometry

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Geometry is the immutable layout description shared by the volume, the
// master index and the replay engine.
type Geometry struct {
	ChaptersPerVolume     uint64 `yaml:"chapters_per_volume"`
	PagesPerChapter       uint32 `yaml:"pages_per_chapter"`
	IndexPagesPerChapter  uint32 `yaml:"index_pages_per_chapter"`
	RecordPagesPerChapter uint32 `yaml:"record_pages_per_chapter"`
	RecordsPerPage        uint32 `yaml:"records_per_page"`
	BytesPerRecord        uint32 `yaml:"bytes_per_record"`
	// SparseChaptersPerVolume is the number of the oldest dense chapters
	// that get demoted to sparse once the volume has filled past them;
	// 0 means the geometry is fully dense.
	SparseChaptersPerVolume uint64 `yaml:"sparse_chapters_per_volume"`
	// BytesPerName is the fixed width of a chunk name in bytes.
	BytesPerName uint32 `yaml:"bytes_per_name"`
}

// Default returns a small but internally consistent geometry suitable for
// tests and examples: 8 chapters per volume, 32-byte names.
func Default() Geometry {
	return Geometry{
		ChaptersPerVolume:       8,
		PagesPerChapter:         16,
		IndexPagesPerChapter:    4,
		RecordPagesPerChapter:   12,
		RecordsPerPage:          256,
		BytesPerRecord:          32,
		SparseChaptersPerVolume: 0,
		BytesPerName:            32,
	}
}

// Validate checks the internal consistency invariants a Geometry must
// satisfy before it can back a volume or index.
func (g Geometry) Validate() error {
	if g.ChaptersPerVolume == 0 {
		return fmt.Errorf("geometry: chapters_per_volume must be > 0")
	}
	if g.PagesPerChapter == 0 {
		return fmt.Errorf("geometry: pages_per_chapter must be > 0")
	}
	if g.IndexPagesPerChapter+g.RecordPagesPerChapter != g.PagesPerChapter {
		return fmt.Errorf("geometry: index_pages_per_chapter + record_pages_per_chapter must equal pages_per_chapter")
	}
	if g.RecordsPerPage == 0 {
		return fmt.Errorf("geometry: records_per_page must be > 0")
	}
	if g.SparseChaptersPerVolume >= g.ChaptersPerVolume {
		return fmt.Errorf("geometry: sparse_chapters_per_volume must be < chapters_per_volume")
	}
	if g.BytesPerName == 0 {
		return fmt.Errorf("geometry: bytes_per_name must be > 0")
	}
	return nil
}

// IsSparse reports whether this geometry has any sparse chapters at all.
func (g Geometry) IsSparse() bool { return g.SparseChaptersPerVolume > 0 }

// PhysicalChapter maps a virtual chapter number onto the cyclic ring of
// physical chapter slots: physical = vcn mod chapters_per_volume.
func (g Geometry) PhysicalChapter(vcn uint64) uint32 {
	return uint32(vcn % g.ChaptersPerVolume)
}

// AreSamePhysicalChapter reports whether two virtual chapter numbers land on
// the same physical slot.
func (g Geometry) AreSamePhysicalChapter(a, b uint64) bool {
	return g.PhysicalChapter(a) == g.PhysicalChapter(b)
}

// IsChapterSparse decides, during a replay that runs from `from` up to (but
// excluding) `upto`, whether the chapter `vcn` will end up sparse once the
// replay completes. The oldest SparseChaptersPerVolume chapters of the
// final [from, upto) window are sparse; the rest are dense.
func (g Geometry) IsChapterSparse(from, upto, vcn uint64) bool {
	if !g.IsSparse() {
		return false
	}
	if upto <= from {
		return false
	}
	total := upto - from
	if total <= g.SparseChaptersPerVolume {
		return true
	}
	sparseBoundary := from + g.SparseChaptersPerVolume
	return vcn < sparseBoundary
}

// PagesPerChapterTotal is a convenience accessor mirroring the volume
// contract's `pages_per_chapter`.
func (g Geometry) PagesPerChapterTotal() uint32 { return g.PagesPerChapter }

// LoadYAML parses a Geometry from YAML bytes and validates it.
func LoadYAML(data []byte) (Geometry, error) {
	var g Geometry
	if err := yaml.Unmarshal(data, &g); err != nil {
		return Geometry{}, fmt.Errorf("geometry: parse yaml: %w", err)
	}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}
