package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ArtifactExtensions are the files written by the timeline observer, the
// JSONL sink and the audio recorder.
var ArtifactExtensions = []string{".jsonl", ".wav"}

// PurgeArtifacts removes artifact files in dir older than maxAge. Returns
// deleted count. Files with other extensions are left alone.
func PurgeArtifacts(dir string, maxAge time.Duration) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var removed int
	var errs error
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !isArtifact(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

func isArtifact(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range ArtifactExtensions {
		if ext == want {
			return true
		}
	}
	return false
}
