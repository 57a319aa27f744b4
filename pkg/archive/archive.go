// Package archive writes and restores .tar.gz archives of the jail store.
package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/crystal-mush/gojails/pkg/storage"
)

// ManifestVersion is the manifest layout written by CreateArchive.
const ManifestVersion = 1

// Manifest describes the contents of an archive.
type Manifest struct {
	Version      int                  `json:"version"`
	Server       string               `json:"server"`
	Timestamp    string               `json:"timestamp"`
	Backend      storage.Kind         `json:"backend"`
	Cells        int                  `json:"cells"`
	Confinements int                  `json:"confinements"`
	Files        map[string]FileEntry `json:"files"`
}

// FileEntry describes a single file within the archive.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type"` // "data" or "conf"
}

// Params holds all inputs needed to create an archive.
type Params struct {
	Source       storage.Snapshotter // backend to snapshot
	Backend      storage.Kind        // recorded in the manifest
	ConfPath     string              // config file to include (empty = skip)
	ArchiveDir   string              // output directory
	Cells        int                 // counts for the manifest
	Confinements int
	Now          time.Time // zero = time.Now()
}

// CreateArchive snapshots the backend into a .tar.gz archive and returns the
// archive path.
func CreateArchive(ctx context.Context, params Params) (string, error) {
	if params.Source == nil {
		return "", fmt.Errorf("archive: backend %q does not support snapshots", params.Backend)
	}
	if err := os.MkdirAll(params.ArchiveDir, 0755); err != nil {
		return "", fmt.Errorf("archive: create dir %s: %w", params.ArchiveDir, err)
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}
	archivePath := uniquePath(params.ArchiveDir, "archive-"+now.Format("20060102-150405"))

	// Create temp dir for staging
	tmpDir, err := os.MkdirTemp("", "jail-archive-*")
	if err != nil {
		return "", fmt.Errorf("archive: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	staged, err := params.Source.Snapshot(ctx, tmpDir)
	if err != nil {
		return "", fmt.Errorf("archive: snapshot: %w", err)
	}

	manifest := Manifest{
		Version:      ManifestVersion,
		Server:       "gojails",
		Timestamp:    now.UTC().Format(time.RFC3339),
		Backend:      params.Backend,
		Cells:        params.Cells,
		Confinements: params.Confinements,
		Files:        make(map[string]FileEntry),
	}

	// Write to a temp name so a failed archive never looks complete.
	partial := archivePath + ".partial"
	outFile, err := os.Create(partial)
	if err != nil {
		return "", fmt.Errorf("archive: create %s: %w", partial, err)
	}
	ok := false
	defer func() {
		if !ok {
			outFile.Close()
			os.Remove(partial)
		}
	}()

	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)

	for _, path := range staged {
		archName := "data/" + filepath.Base(path)
		entry, err := addFileToTar(tw, path, archName)
		if err != nil {
			return "", err
		}
		entry.Type = "data"
		manifest.Files[archName] = entry
	}

	if params.ConfPath != "" {
		if _, err := os.Stat(params.ConfPath); err == nil {
			archName := "conf/" + filepath.Base(params.ConfPath)
			entry, err := addFileToTar(tw, params.ConfPath, archName)
			if err != nil {
				return "", err
			}
			entry.Type = "conf"
			manifest.Files[archName] = entry
		}
	}

	// Marshal and add manifest as the last entry
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: marshal manifest: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    "manifest.json",
		Size:    int64(len(manifestJSON)),
		Mode:    0644,
		ModTime: now,
	}); err != nil {
		return "", fmt.Errorf("archive: write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestJSON); err != nil {
		return "", fmt.Errorf("archive: write manifest: %w", err)
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("archive: close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("archive: close gzip: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return "", fmt.Errorf("archive: close %s: %w", partial, err)
	}
	if err := os.Rename(partial, archivePath); err != nil {
		return "", fmt.Errorf("archive: rename: %w", err)
	}
	ok = true
	return archivePath, nil
}

// uniquePath returns dir/base.tar.gz, or dir/base-N.tar.gz if that exists.
func uniquePath(dir, base string) string {
	path := filepath.Join(dir, base+".tar.gz")
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s-%d.tar.gz", base, n))
	}
}

// addFileToTar adds a single file to the tar archive with the given archive name,
// computing its SHA-256 while writing.
func addFileToTar(tw *tar.Writer, srcPath, archName string) (FileEntry, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: open %s: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: stat %s: %w", srcPath, err)
	}

	// Use forward slashes in tar paths
	archName = strings.ReplaceAll(archName, "\\", "/")

	if err := tw.WriteHeader(&tar.Header{
		Name:    archName,
		Size:    info.Size(),
		Mode:    0644,
		ModTime: info.ModTime(),
	}); err != nil {
		return FileEntry{}, fmt.Errorf("archive: header %s: %w", archName, err)
	}

	h := sha256.New()
	written, err := io.Copy(tw, io.TeeReader(f, h))
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: write %s: %w", archName, err)
	}

	return FileEntry{
		SHA256: hex.EncodeToString(h.Sum(nil)),
		Size:   written,
	}, nil
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
