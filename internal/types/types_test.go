package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkNameZoneSelectorIsStable(t *testing.T) {
	var name ChunkName
	name[0] = 0xAB
	name[1] = 0xCD
	name[2] = 0x12
	name[3] = 0x34

	got := name.ZoneSelector(8)
	assert.Equal(t, got, name.ZoneSelector(8), "zone selection must be deterministic")
	assert.GreaterOrEqual(t, got, 0)
	assert.Less(t, got, 8)
}

func TestChunkNameZoneSelectorSingleZone(t *testing.T) {
	var name ChunkName
	name[0] = 0xFF
	assert.Equal(t, 0, name.ZoneSelector(1))
	assert.Equal(t, 0, name.ZoneSelector(0))
}

func TestIsSampleIsDeterministicAndSelectsSubset(t *testing.T) {
	samples := 0
	const total = 4096
	for i := 0; i < total; i++ {
		var name ChunkName
		name[MaxNameBytes-1] = byte(i)
		name[MaxNameBytes-2] = byte(i >> 8)
		if name.IsSample() {
			samples++
		}
	}
	// sampleBits == 3 means roughly 1-in-8 of the 256 possible last bytes
	// qualify, independent of the other byte's value.
	assert.InDelta(t, total/8, samples, float64(total)/8)
}

func TestStringRendersHex(t *testing.T) {
	var name ChunkName
	name[0] = 0xde
	name[1] = 0xad
	assert.Equal(t, "dead", name.String()[:4])
}

func TestActionAndLocationString(t *testing.T) {
	assert.Equal(t, "INDEX", ActionIndex.String())
	assert.Equal(t, "UNKNOWN", Action(99).String())
	assert.Equal(t, "IN_SPARSE", LocationInSparse.String())
	assert.Equal(t, "UNKNOWN", Location(99).String())
}
