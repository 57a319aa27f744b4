package archive

import (
	"archive/tar"
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/crystal-mush/gojails/pkg/storage"
)

// RestoreParams holds all inputs needed to restore an archive.
type RestoreParams struct {
	ArchivePath string         // Path to the .tar.gz archive
	Storage     storage.Config // Where the backend files go; its kind must match the archive
	ConfDest    string         // Destination path for the config file (empty = skip)
	Stdin       io.Reader      // For interactive prompts
	Stdout      io.Writer      // For interactive output
}

// RestoreResult summarizes a completed restore operation.
type RestoreResult struct {
	Manifest      Manifest
	FilesRestored int
	Warnings      []string
}

// RestoreArchive extracts and validates an archive, restoring files to their
// destinations. The backend must not be open while this runs.
func RestoreArchive(params RestoreParams) (*RestoreResult, error) {
	result := &RestoreResult{}

	// Create temp dir for extraction
	tmpDir, err := os.MkdirTemp("", "jail-restore-*")
	if err != nil {
		return nil, fmt.Errorf("restore: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := extractArchive(params.ArchivePath, tmpDir); err != nil {
		return nil, fmt.Errorf("restore: extract: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("restore: manifest.json not found in archive")
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("restore: parse manifest: %w", err)
	}
	result.Manifest = manifest
	if manifest.Version > ManifestVersion {
		result.Warnings = append(result.Warnings, fmt.Sprintf("archive manifest version %d is newer than %d", manifest.Version, ManifestVersion))
	}
	if manifest.Backend != params.Storage.Backend {
		return nil, fmt.Errorf("restore: archive holds a %q backend, configured backend is %q", manifest.Backend, params.Storage.Backend)
	}

	// Validate checksums before touching anything
	var dataFiles []string
	for archName, entry := range manifest.Files {
		extractedPath := filepath.Join(tmpDir, filepath.FromSlash(archName))
		ok, err := validateChecksum(extractedPath, entry.SHA256)
		if err != nil {
			return nil, fmt.Errorf("restore: checksum %s: %w", archName, err)
		}
		if !ok {
			return nil, fmt.Errorf("restore: checksum mismatch for %s, archive may be corrupt", archName)
		}
		if entry.Type == "data" {
			dataFiles = append(dataFiles, extractedPath)
		}
	}
	if len(dataFiles) == 0 {
		return nil, fmt.Errorf("restore: archive contains no data files")
	}

	n, err := restoreData(params.Storage, dataFiles)
	if err != nil {
		return nil, err
	}
	result.FilesRestored += n

	// Restore config file with interactive diff
	if params.ConfDest != "" {
		srcFile := filepath.Join(tmpDir, "conf", filepath.Base(params.ConfDest))
		if _, err := os.Stat(srcFile); err == nil {
			action, err := promptConfigDiff(srcFile, params.ConfDest, filepath.Base(params.ConfDest), params.Stdin, params.Stdout)
			if err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("config prompt error: %v", err))
			}
			switch action {
			case 'U':
				if err := os.MkdirAll(filepath.Dir(params.ConfDest), 0755); err != nil {
					return nil, fmt.Errorf("restore: create conf dir: %w", err)
				}
				if err := copyFile(srcFile, params.ConfDest); err != nil {
					return nil, fmt.Errorf("restore: copy conf: %w", err)
				}
				result.FilesRestored++
			case 'K', 'S':
				result.Warnings = append(result.Warnings, "kept current config: "+filepath.Base(params.ConfDest))
			}
		}
	}

	return result, nil
}

// restoreData copies the extracted backend files into place.
func restoreData(cfg storage.Config, files []string) (int, error) {
	switch cfg.Backend {
	case storage.KindFile:
		if err := os.MkdirAll(cfg.File.Dir, 0755); err != nil {
			return 0, fmt.Errorf("restore: create data dir: %w", err)
		}
		for _, src := range files {
			if err := copyFile(src, filepath.Join(cfg.File.Dir, filepath.Base(src))); err != nil {
				return 0, fmt.Errorf("restore: copy %s: %w", filepath.Base(src), err)
			}
		}
		return len(files), nil
	case storage.KindSQL, storage.KindBolt:
		if len(files) != 1 {
			return 0, fmt.Errorf("restore: expected one database file, archive has %d", len(files))
		}
		dest := cfg.SQL.Path
		if cfg.Backend == storage.KindBolt {
			dest = cfg.Bolt.Path
		}
		if dest == "" {
			return 0, fmt.Errorf("restore: no %s path configured", cfg.Backend)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return 0, fmt.Errorf("restore: create data dir: %w", err)
		}
		if cfg.Backend == storage.KindSQL {
			// A stale WAL would be replayed over the restored file.
			os.Remove(dest + "-wal")
			os.Remove(dest + "-shm")
		}
		if err := copyFile(files[0], dest); err != nil {
			return 0, fmt.Errorf("restore: copy %s: %w", filepath.Base(dest), err)
		}
		return 1, nil
	default:
		return 0, fmt.Errorf("restore: unknown backend %q", cfg.Backend)
	}
}

// extractArchive extracts a .tar.gz to a destination directory.
func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		// Sanitize path to prevent directory traversal
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("invalid archive entry: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
	return nil
}

// validateChecksum checks a file's SHA-256 against the expected hex string.
func validateChecksum(path, expected string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == expected, nil
}

// promptConfigDiff handles interactive config file comparison during restore.
// Returns 'U' (use archived), 'K' (keep current), or 'S' (skip).
func promptConfigDiff(srcFile, destFile, name string, stdin io.Reader, stdout io.Writer) (byte, error) {
	// If destination doesn't exist, copy without prompting
	if _, err := os.Stat(destFile); os.IsNotExist(err) {
		return 'U', nil
	}

	srcData, err := os.ReadFile(srcFile)
	if err != nil {
		return 0, err
	}
	destData, err := os.ReadFile(destFile)
	if err != nil {
		return 0, err
	}
	if string(srcData) == string(destData) {
		return 'S', nil
	}
	if stdin == nil || stdout == nil {
		return 'K', nil
	}

	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprintf(stdout, "\nConfig file %q differs from archive.\n", name)
		fmt.Fprintf(stdout, "[K]eep current  [U]se archived  [D]iff  [S]kip: ")

		if !scanner.Scan() {
			return 'S', nil
		}
		input := strings.TrimSpace(strings.ToUpper(scanner.Text()))
		if input == "" {
			continue
		}

		switch input[0] {
		case 'K':
			return 'K', nil
		case 'U':
			return 'U', nil
		case 'S':
			return 'S', nil
		case 'D':
			simpleDiff(string(destData), string(srcData), stdout)
		default:
			fmt.Fprintf(stdout, "Please enter K, U, D, or S.\n")
		}
	}
}

// simpleDiff shows a basic line-by-line comparison between current and archived content.
func simpleDiff(current, archived string, w io.Writer) {
	curLines := strings.Split(current, "\n")
	arcLines := strings.Split(archived, "\n")

	fmt.Fprintf(w, "\n--- current\n+++ archived\n")
	for i := 0; i < max(len(curLines), len(arcLines)); i++ {
		var curLine, arcLine string
		if i < len(curLines) {
			curLine = curLines[i]
		}
		if i < len(arcLines) {
			arcLine = arcLines[i]
		}
		if curLine != arcLine {
			if i < len(curLines) {
				fmt.Fprintf(w, "- %s\n", curLine)
			}
			if i < len(arcLines) {
				fmt.Fprintf(w, "+ %s\n", arcLine)
			}
		}
	}
	fmt.Fprintln(w)
}
