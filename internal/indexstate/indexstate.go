// Package indexstate implements the index-state persistence contract
// consumed by the state machine: load_index_state, save_index_state,
// discard_index_state_data, add_component.
//
// Each state lives in its own directory on disk. A "clean" marker file is
// written only by a successful SaveIndexState; its absence is exactly what
// load_index_state uses to report replay_required=true, mirroring the
// original's "open chapter missing" dirty-shutdown detection.
package indexstate

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	cleanMarkerFile   = "clean.marker"
	masterIndexFile   = "master_index.gob"
	pageMapFile       = "page_map.gob"
)

// cleanMarker is stamped with a fresh run id on every successful save so an
// embedder can tell, out of band, which process incarnation last saved
// cleanly. It is informational only and never gates load success, per
// spec.md's Non-goals around crash-consistency guarantees.
type cleanMarker struct {
	RunID         uuid.UUID
	NewestVCN     uint64
	LastCheckpoint uint64
}

// State manages the on-disk components of one index's persisted state.
type State struct {
	dir string
}

// Open returns a State rooted at dir, creating the directory if needed.
func Open(dir string) (*State, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("indexstate: mkdir %s: %w", dir, err)
	}
	return &State{dir: dir}, nil
}

// Exists reports whether any persisted state is present at all, the check
// make_index performs before attempting LOAD or REBUILD (NO_INDEX
// otherwise).
func (s *State) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dir, masterIndexFile))
	return err == nil
}

// LoadIndexState reports whether replay is required: true whenever the
// clean marker from the last save is missing, which is exactly the "open
// chapter missing" dirty-shutdown signal from the original load_index.
func (s *State) LoadIndexState() (replayRequired bool, err error) {
	_, statErr := os.Stat(filepath.Join(s.dir, cleanMarkerFile))
	return statErr != nil, nil
}

// LastCheckpoint returns the checkpoint chapter recorded by the last clean
// save, or types.NoLastCheckpoint if there is none.
func (s *State) LastCheckpoint() (uint64, error) {
	f, err := os.Open(filepath.Join(s.dir, cleanMarkerFile))
	if os.IsNotExist(err) {
		return ^uint64(0), nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var m cleanMarker
	if err := gob.NewDecoder(f).Decode(&m); err != nil {
		return 0, fmt.Errorf("indexstate: decode clean marker: %w", err)
	}
	return m.LastCheckpoint, nil
}

// AddMasterIndexComponent persists an opaque, already-encoded master index
// snapshot. It first removes any clean marker left by an earlier save, so
// the state reads as needing replay until SaveIndexState completes.
func (s *State) AddMasterIndexComponent(data []byte) error {
	if err := os.Remove(filepath.Join(s.dir, cleanMarkerFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("indexstate: remove clean marker: %w", err)
	}
	return os.WriteFile(filepath.Join(s.dir, masterIndexFile), data, 0o644)
}

// ReadMasterIndexComponent returns the last persisted master index snapshot.
func (s *State) ReadMasterIndexComponent() ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, masterIndexFile))
}

// AddPageMapComponent persists an opaque, already-encoded index page map
// snapshot.
func (s *State) AddPageMapComponent(data []byte) error {
	return os.WriteFile(filepath.Join(s.dir, pageMapFile), data, 0o644)
}

// ReadPageMapComponent returns the last persisted index page map snapshot.
func (s *State) ReadPageMapComponent() ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, pageMapFile))
}

// SaveIndexState finalizes a save: it assumes AddMasterIndexComponent and
// AddPageMapComponent (if any) were already called for this generation, and
// stamps the clean marker last so a crash mid-save leaves replayRequired
// true on the next load.
func (s *State) SaveIndexState(newestVCN, lastCheckpoint uint64) error {
	marker := cleanMarker{RunID: uuid.New(), NewestVCN: newestVCN, LastCheckpoint: lastCheckpoint}
	f, err := os.Create(filepath.Join(s.dir, cleanMarkerFile))
	if err != nil {
		return fmt.Errorf("indexstate: create clean marker: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(marker); err != nil {
		return fmt.Errorf("indexstate: encode clean marker: %w", err)
	}
	return nil
}

// DiscardIndexStateData removes every persisted component, used by LOAD_CREATE
// to start from a clean slate even if a previous state directory existed.
func (s *State) DiscardIndexStateData() error {
	for _, name := range []string{cleanMarkerFile, masterIndexFile, pageMapFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("indexstate: discard %s: %w", name, err)
		}
	}
	return nil
}
