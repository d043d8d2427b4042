package masterindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voskan/dedupindex/internal/errs"
	"github.com/Voskan/dedupindex/internal/types"
)

func name(b byte) types.ChunkName {
	var n types.ChunkName
	n[0] = b
	return n
}

func TestPutThenLookupFinds(t *testing.T) {
	s := NewShard(8)
	n := name(1)
	lookup := s.Lookup(n)
	require.False(t, lookup.Found)

	require.NoError(t, s.Put(lookup.Handle, 3))

	lookup = s.Lookup(n)
	require.True(t, lookup.Found)
	assert.EqualValues(t, 3, lookup.VirtualChapter)
}

func TestPutDuplicateNameErrors(t *testing.T) {
	s := NewShard(8)
	n := name(1)
	lookup := s.Lookup(n)
	require.NoError(t, s.Put(lookup.Handle, 1))

	lookup = s.Lookup(n)
	err := s.Put(lookup.Handle, 2)
	assert.True(t, errs.Is(err, errs.DuplicateName))
}

func TestCollisionPromotesSlotAndKeepsBothNames(t *testing.T) {
	s := NewShard(8)
	s.SetSlotKeyBytes(1) // force collisions: only the first byte matters

	a := name(0x10)
	b := func() types.ChunkName {
		var n types.ChunkName
		n[0] = 0x10
		n[1] = 0x99 // distinct full name, same slot key
		return n
	}()

	la := s.Lookup(a)
	require.NoError(t, s.Put(la.Handle, 1))

	lb := s.Lookup(b)
	require.False(t, lb.Found)
	require.NoError(t, s.Put(lb.Handle, 2))

	la2 := s.Lookup(a)
	lb2 := s.Lookup(b)
	require.True(t, la2.Found)
	require.True(t, lb2.Found)
	assert.True(t, la2.Collision)
	assert.True(t, lb2.Collision)
	assert.EqualValues(t, 1, la2.VirtualChapter)
	assert.EqualValues(t, 2, lb2.VirtualChapter)

	stats := s.SnapshotStats()
	assert.EqualValues(t, 1, stats.CollisionCount)
	assert.EqualValues(t, 2, stats.RecordCount)
}

func TestSlotOverflowIsReported(t *testing.T) {
	s := NewShard(8)
	s.SetSlotKeyBytes(1)

	var base types.ChunkName
	base[0] = 0x20
	for i := 0; i < MaxSlotEntries; i++ {
		n := base
		n[1] = byte(i + 1)
		l := s.Lookup(n)
		require.NoError(t, s.Put(l.Handle, uint64(i)))
	}

	overflow := base
	overflow[1] = 0xFF
	l := s.Lookup(overflow)
	err := s.Put(l.Handle, 99)
	assert.True(t, errs.Is(err, errs.Overflow))
}

func TestLazyAgingHidesOldRecords(t *testing.T) {
	s := NewShard(4) // small cyclic window
	n := name(1)
	l := s.Lookup(n)
	require.NoError(t, s.Put(l.Handle, 0))

	s.AdvanceOpenChapter(10) // window is now [7, 10]; chapter 0 is long gone

	l2 := s.Lookup(n)
	assert.False(t, l2.Found)
}

func TestPutReinsertsAgedOutNameInsteadOfErroringDuplicate(t *testing.T) {
	s := NewShard(4) // small cyclic window
	n := name(1)
	l := s.Lookup(n)
	require.NoError(t, s.Put(l.Handle, 0))

	s.AdvanceOpenChapter(10) // window is now [7, 10]; chapter 0 has aged out

	// n's own slot has aged out, but a fresh Lookup+Put of n itself must
	// succeed rather than reporting DuplicateName against the ghost entry.
	l2 := s.Lookup(n)
	require.False(t, l2.Found)
	require.NoError(t, s.Put(l2.Handle, 9))

	l3 := s.Lookup(n)
	require.True(t, l3.Found)
	assert.EqualValues(t, 9, l3.VirtualChapter)
}

func TestRemoveDeletesRecord(t *testing.T) {
	s := NewShard(8)
	n := name(1)
	l := s.Lookup(n)
	require.NoError(t, s.Put(l.Handle, 5))

	l = s.Lookup(n)
	require.NoError(t, s.Remove(l.Handle))

	l = s.Lookup(n)
	assert.False(t, l.Found)
}

func TestNamesReturnsVisibleRecordsOnly(t *testing.T) {
	s := NewShard(4)
	for i := byte(1); i <= 3; i++ {
		n := name(i)
		l := s.Lookup(n)
		require.NoError(t, s.Put(l.Handle, uint64(i)))
	}
	s.AdvanceOpenChapter(10)

	assert.Empty(t, s.Names())
}
