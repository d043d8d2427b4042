package chapterwriter

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voskan/dedupindex/internal/geometry"
	"github.com/Voskan/dedupindex/internal/types"
	"github.com/Voskan/dedupindex/internal/volume"
)

func openTestVolume(t *testing.T) *volume.Volume {
	t.Helper()
	dir, err := os.MkdirTemp("", "dedupindex-chapterwriter-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	v, err := volume.Open(dir, geometry.Default())
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func nameOf(b byte) types.ChunkName {
	var n types.ChunkName
	n[0] = b
	return n
}

func TestSubmitPersistsChapterAndWaitForIdleDrains(t *testing.T) {
	vol := openTestVolume(t)
	w, err := New(vol, 2, nil)
	require.NoError(t, err)
	defer w.Close()

	names := []types.ChunkName{nameOf(1), nameOf(2)}
	w.Submit(Job{VirtualChapter: 0, Names: names})
	w.WaitForIdle()

	found, err := vol.SearchPageCache(nameOf(1), 0)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSearchRecentlyFrozenFindsQueuedChapter(t *testing.T) {
	vol := openTestVolume(t)
	w, err := New(vol, 2, nil)
	require.NoError(t, err)
	defer w.Close()

	n := nameOf(5)
	w.Submit(Job{VirtualChapter: 7, Names: []types.ChunkName{n}})
	w.WaitForIdle()

	assert.True(t, w.SearchRecentlyFrozen(7, n))
	assert.False(t, w.SearchRecentlyFrozen(7, nameOf(9)))
	assert.False(t, w.SearchRecentlyFrozen(8, n))
}

func TestMemoryAllocatedTracksFrozenChapters(t *testing.T) {
	vol := openTestVolume(t)
	w, err := New(vol, 2, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.EqualValues(t, 0, w.MemoryAllocated())
	w.Submit(Job{VirtualChapter: 1, Names: []types.ChunkName{nameOf(1), nameOf(2)}})
	w.WaitForIdle()
	assert.Greater(t, w.MemoryAllocated(), int64(0))
}
