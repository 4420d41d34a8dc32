package service

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/soundrecorder/internal/session"
)

// SnapshotStore persists the session snapshot as YAML so a restarted process
// picks up the last sample.
type SnapshotStore struct {
	fs   afero.Fs
	path string
}

// NewSnapshotStore creates a store writing to path.
func NewSnapshotStore(fs afero.Fs, path string) *SnapshotStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &SnapshotStore{fs: fs, path: path}
}

// Load reads the snapshot. ok is false when none was saved.
func (st *SnapshotStore) Load() (session.Snapshot, bool, error) {
	data, err := afero.ReadFile(st.fs, st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return session.Snapshot{}, false, nil
		}
		return session.Snapshot{}, false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap session.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return session.Snapshot{}, false, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return snap, snap.SamplePath != "", nil
}

// Save writes snap, or removes the stored snapshot when ok is false.
func (st *SnapshotStore) Save(snap session.Snapshot, ok bool) error {
	if !ok {
		if err := st.fs.Remove(st.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove snapshot: %w", err)
		}
		return nil
	}

	if err := st.fs.MkdirAll(filepath.Dir(st.path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := afero.WriteFile(st.fs, st.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
