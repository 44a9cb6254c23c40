package store

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/user/stigharden/pkg/engine"
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ScanSnapshots keeps every normalized scan as scans/<id>.json so later
// sessions can diff against the scan behind a history entry.
type ScanSnapshots struct {
	dir string
}

func OpenScanSnapshots(stateDir string) *ScanSnapshots {
	return &ScanSnapshots{dir: filepath.Join(stateDir, "scans")}
}

func (s *ScanSnapshots) path(id string) string {
	return filepath.Join(s.dir, unsafeName.ReplaceAllString(id, "_")+".json")
}

// SaveSnapshot persists scan under its id.
func (s *ScanSnapshots) SaveSnapshot(scan engine.ScanResult) error {
	if scan.ID == "" {
		return fmt.Errorf("%w: scan has no id", ErrPersistence)
	}
	if err := WriteJSONAtomic(s.path(scan.ID), scan); err != nil {
		return fmt.Errorf("%w: save scan %s: %v", ErrPersistence, scan.ID, err)
	}
	return nil
}

// LoadSnapshot returns the scan stored under id. It reports false when no
// snapshot exists.
func (s *ScanSnapshots) LoadSnapshot(id string) (engine.ScanResult, bool, error) {
	var scan engine.ScanResult
	ok, err := ReadJSON(s.path(id), &scan)
	if err != nil || !ok {
		return engine.ScanResult{}, false, err
	}
	return scan, true, nil
}
