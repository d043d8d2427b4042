package indexstate

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voskan/dedupindex/internal/types"
)

func openTestState(t *testing.T) *State {
	t.Helper()
	dir, err := os.MkdirTemp("", "dedupindex-state-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir)
	require.NoError(t, err)
	return s
}

func TestFreshStateRequiresReplay(t *testing.T) {
	s := openTestState(t)
	assert.False(t, s.Exists())

	replayRequired, err := s.LoadIndexState()
	require.NoError(t, err)
	assert.True(t, replayRequired)

	checkpoint, err := s.LastCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, types.NoLastCheckpoint, checkpoint)
}

func TestSaveIndexStateMarksClean(t *testing.T) {
	s := openTestState(t)
	require.NoError(t, s.AddMasterIndexComponent([]byte("payload")))
	require.NoError(t, s.SaveIndexState(9, 8))

	assert.True(t, s.Exists())

	replayRequired, err := s.LoadIndexState()
	require.NoError(t, err)
	assert.False(t, replayRequired)

	checkpoint, err := s.LastCheckpoint()
	require.NoError(t, err)
	assert.EqualValues(t, 8, checkpoint)

	data, err := s.ReadMasterIndexComponent()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestDiscardIndexStateDataClearsEverything(t *testing.T) {
	s := openTestState(t)
	require.NoError(t, s.AddMasterIndexComponent([]byte("payload")))
	require.NoError(t, s.SaveIndexState(1, 0))

	require.NoError(t, s.DiscardIndexStateData())
	assert.False(t, s.Exists())

	replayRequired, err := s.LoadIndexState()
	require.NoError(t, err)
	assert.True(t, replayRequired)
}
