package dedupindex

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dedupindex-pkg-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func nameOf(b byte) ChunkName {
	var n ChunkName
	n[0] = b
	return n
}

func TestOpenCreateThenIndexThenQuery(t *testing.T) {
	dir := testDir(t)
	idx, err := Open(context.Background(), dir, WithMode(OpenCreate))
	require.NoError(t, err)
	defer idx.Close()

	assert.Equal(t, LoadStatusReady, idx.LoadContext().Status())

	n := nameOf(1)
	require.NoError(t, idx.Index(n, Metadata{}))

	loc, err := idx.Query(n)
	require.NoError(t, err)
	assert.Equal(t, LocationInOpenChapter, loc)
}

func TestIndexTwiceIsANoOp(t *testing.T) {
	dir := testDir(t)
	idx, err := Open(context.Background(), dir, WithMode(OpenCreate))
	require.NoError(t, err)
	defer idx.Close()

	n := nameOf(2)
	require.NoError(t, idx.Index(n, Metadata{}))
	require.NoError(t, idx.Index(n, Metadata{}))

	loc, err := idx.Query(n)
	require.NoError(t, err)
	assert.Equal(t, LocationInOpenChapter, loc)
}

func TestQueryWithUpdateInsertsAbsentName(t *testing.T) {
	dir := testDir(t)
	idx, err := Open(context.Background(), dir, WithMode(OpenCreate))
	require.NoError(t, err)
	defer idx.Close()

	n := nameOf(21)
	loc, err := idx.QueryWithUpdate(n)
	require.NoError(t, err)
	assert.Equal(t, LocationUnavailable, loc, "the miss is still reported for this call")

	loc, err = idx.Query(n)
	require.NoError(t, err)
	assert.Equal(t, LocationInOpenChapter, loc, "QueryWithUpdate must have posted the name into the open chapter")
}

func TestUpdateOnAbsentNameInsertsIt(t *testing.T) {
	dir := testDir(t)
	idx, err := Open(context.Background(), dir, WithMode(OpenCreate))
	require.NoError(t, err)
	defer idx.Close()

	n := nameOf(3)
	require.NoError(t, idx.Update(n, Metadata{}))

	loc, err := idx.Query(n)
	require.NoError(t, err)
	assert.Equal(t, LocationInOpenChapter, loc)
}

func TestRemoveThenQueryReportsUnavailable(t *testing.T) {
	dir := testDir(t)
	idx, err := Open(context.Background(), dir, WithMode(OpenCreate))
	require.NoError(t, err)
	defer idx.Close()

	n := nameOf(4)
	require.NoError(t, idx.Index(n, Metadata{}))

	loc, err := idx.Remove(n)
	require.NoError(t, err)
	assert.Equal(t, LocationInOpenChapter, loc)

	loc, err = idx.Query(n)
	require.NoError(t, err)
	assert.Equal(t, LocationUnavailable, loc)
}

func TestStatisticsReflectIndexedEntries(t *testing.T) {
	dir := testDir(t)
	idx, err := Open(context.Background(), dir, WithMode(OpenCreate), WithZoneCount(2))
	require.NoError(t, err)
	defer idx.Close()

	for i := byte(1); i <= 5; i++ {
		require.NoError(t, idx.Index(nameOf(i), Metadata{}))
	}

	stats := idx.Statistics()
	assert.EqualValues(t, 2, stats.ZoneCount)
	assert.EqualValues(t, 5, stats.EntriesIndexed)
}

func TestSaveThenReloadPreservesOpenChapterState(t *testing.T) {
	dir := testDir(t)
	idx, err := Open(context.Background(), dir, WithMode(OpenCreate))
	require.NoError(t, err)

	n := nameOf(6)
	require.NoError(t, idx.Index(n, Metadata{}))
	require.NoError(t, idx.Save())
	assert.True(t, idx.HasSavedOpenChapter())
	require.NoError(t, idx.Close())

	idx2, err := Open(context.Background(), dir, WithMode(OpenLoad))
	require.NoError(t, err)
	defer idx2.Close()

	loc, err := idx2.Query(n)
	require.NoError(t, err)
	assert.Equal(t, LocationInOpenChapter, loc)
}

func TestOpenLoadOnEmptyDirectoryFails(t *testing.T) {
	dir := testDir(t)
	_, err := Open(context.Background(), dir, WithMode(OpenLoad))
	assert.Error(t, err)
}
