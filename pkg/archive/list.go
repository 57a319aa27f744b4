package archive

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"

	"github.com/crystal-mush/gojails/pkg/storage"
)

// ArchiveInfo holds metadata about an existing archive file.
type ArchiveInfo struct {
	Path         string // Full filesystem path
	Filename     string // Base filename
	Size         int64  // File size in bytes
	Timestamp    string // From manifest, or file mod time (RFC3339)
	Backend      storage.Kind
	Cells        int
	Confinements int
}

// ListArchives scans an archive directory for .tar.gz files and returns info
// about each, sorted newest-first.
func ListArchives(archiveDir string) ([]ArchiveInfo, error) {
	pattern := filepath.Join(archiveDir, "*.tar.gz")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("archive: glob %s: %w", pattern, err)
	}

	var archives []ArchiveInfo
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		ai := ArchiveInfo{
			Path:      path,
			Filename:  filepath.Base(path),
			Size:      info.Size(),
			Timestamp: info.ModTime().UTC().Format("2006-01-02T15:04:05Z07:00"),
		}

		// Try to read manifest for richer metadata
		if m, err := readManifest(path); err == nil {
			ai.Timestamp = m.Timestamp
			ai.Backend = m.Backend
			ai.Cells = m.Cells
			ai.Confinements = m.Confinements
		}

		archives = append(archives, ai)
	}

	// Sort newest-first by timestamp string (RFC3339 sorts lexically)
	sort.SliceStable(archives, func(i, j int) bool {
		return archives[i].Timestamp > archives[j].Timestamp
	})

	return archives, nil
}

// Prune deletes all but the newest retain archives and returns the removed
// paths. retain <= 0 keeps everything.
func Prune(archiveDir string, retain int) ([]string, error) {
	if retain <= 0 {
		return nil, nil
	}
	archives, err := ListArchives(archiveDir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, a := range archives[min(retain, len(archives)):] {
		if err := os.Remove(a.Path); err != nil {
			log.Printf("archive: WARNING: prune %s: %v", a.Filename, err)
			continue
		}
		removed = append(removed, a.Path)
	}
	return removed, nil
}

// readManifest opens a .tar.gz file and extracts the manifest.json entry.
func readManifest(archivePath string) (*Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Name == "manifest.json" {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, err
			}
			return &m, nil
		}
	}
	return nil, fmt.Errorf("manifest.json not found in archive")
}
