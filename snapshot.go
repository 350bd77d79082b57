// Snapshot and persistence metadata files.
//
// Info.json at the persistence root names the current snapshot; each
// snapshot's Manifest.json caches the current iteration. Both are tiny
// JSON files replaced whole by atomic rename — the manifest's
// currentIteration field is the single mutable pointer in the store.
package quire

import (
	"fmt"
	"path"
	"time"

	json "github.com/goccy/go-json"
)

// infoVersion and manifestVersion gate format evolution.
const (
	infoVersion     = 1
	manifestVersion = 1
)

// persistenceInfo is Info.json.
type persistenceInfo struct {
	Version          int       `json:"version"`
	ModificationDate time.Time `json:"modificationDate"`
	CurrentSnapshot  string    `json:"currentSnapshot,omitempty"`
}

// snapshotManifest is a snapshot's Manifest.json.
type snapshotManifest struct {
	Version          int       `json:"version"`
	ID               string    `json:"id"`
	ModificationDate time.Time `json:"modificationDate"`
	CurrentIteration string    `json:"currentIteration,omitempty"`
}

func decodeInfo(data []byte) (*persistenceInfo, error) {
	var info persistenceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: Info.json", ErrCorruptManifest)
	}
	return &info, nil
}

func decodeSnapshotManifest(data []byte) (*snapshotManifest, error) {
	var m snapshotManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: Manifest.json", ErrCorruptManifest)
	}
	return &m, nil
}

// newSnapshotDir builds the dated directory path for a fresh snapshot:
// Snapshots/YYYY/MM-DD/HH-mm/<SnapshotId>.snapshot.
func newSnapshotDir(id string, at time.Time) string {
	at = at.UTC()
	return path.Join(
		"Snapshots",
		at.Format("2006"),
		at.Format("01-02"),
		at.Format("15-04"),
		id+".snapshot",
	)
}
