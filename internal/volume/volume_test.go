package volume

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voskan/dedupindex/internal/geometry"
	"github.com/Voskan/dedupindex/internal/types"
)

func openTestVolume(t *testing.T) *Volume {
	t.Helper()
	dir, err := os.MkdirTemp("", "dedupindex-volume-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	v, err := Open(dir, geometry.Default())
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func nameOf(b byte) types.ChunkName {
	var n types.ChunkName
	n[0] = b
	return n
}

func TestEmptyVolumeReportsEmptyBoundaries(t *testing.T) {
	v := openTestVolume(t)
	_, _, isEmpty, err := v.FindChapterBoundaries(LookupNormal)
	require.NoError(t, err)
	assert.True(t, isEmpty)
}

func TestWriteThenReadChapterRoundTrips(t *testing.T) {
	v := openTestVolume(t)
	names := []types.ChunkName{nameOf(1), nameOf(2), nameOf(3)}
	require.NoError(t, v.WriteChapter(0, names))

	low, high, isEmpty, err := v.FindChapterBoundaries(LookupNormal)
	require.NoError(t, err)
	assert.False(t, isEmpty)
	assert.EqualValues(t, 0, low)
	assert.EqualValues(t, 0, high)

	for _, n := range names {
		found, err := v.SearchPageCache(n, 0)
		require.NoError(t, err)
		assert.True(t, found, "expected %s present in chapter 0", n)
	}

	missing, err := v.SearchPageCache(nameOf(0xFF), 0)
	require.NoError(t, err)
	assert.False(t, missing)
}

func TestWriteChapterUpdatesBoundariesAcrossMultipleChapters(t *testing.T) {
	v := openTestVolume(t)
	require.NoError(t, v.WriteChapter(0, []types.ChunkName{nameOf(1)}))
	require.NoError(t, v.WriteChapter(1, []types.ChunkName{nameOf(2)}))
	require.NoError(t, v.WriteChapter(2, []types.ChunkName{nameOf(3)}))

	low, high, isEmpty, err := v.FindChapterBoundaries(LookupNormal)
	require.NoError(t, err)
	assert.False(t, isEmpty)
	assert.EqualValues(t, 0, low)
	assert.EqualValues(t, 2, high)
}

func TestChapterVCNReportsOccupyingGeneration(t *testing.T) {
	v := openTestVolume(t)
	geo := v.Geometry()

	require.NoError(t, v.WriteChapter(0, []types.ChunkName{nameOf(1)}))
	vcn, ok, err := v.ChapterVCN(geo.PhysicalChapter(0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0, vcn)

	// Writing chapter geo.ChaptersPerVolume overwrites the same physical
	// slot as chapter 0.
	wrap := geo.ChaptersPerVolume
	require.NoError(t, v.WriteChapter(wrap, []types.ChunkName{nameOf(2)}))
	vcn, ok, err = v.ChapterVCN(geo.PhysicalChapter(wrap))
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, wrap, vcn)
}

func TestGetChapterIndexPageCoversContiguousLists(t *testing.T) {
	v := openTestVolume(t)
	geo := v.Geometry()
	names := make([]types.ChunkName, 0, geo.RecordsPerPage*geo.RecordPagesPerChapter)
	for i := 0; i < int(geo.RecordsPerPage)*int(geo.RecordPagesPerChapter); i++ {
		names = append(names, nameOf(byte(i)))
	}
	require.NoError(t, v.WriteChapter(0, names))

	expected := uint32(0)
	for page := uint32(0); page < geo.IndexPagesPerChapter; page++ {
		idxPage, err := v.GetChapterIndexPage(0, page)
		require.NoError(t, err)
		assert.Equal(t, expected, idxPage.LowestListNumber)
		expected = idxPage.HighestListNumber + 1
	}
}
