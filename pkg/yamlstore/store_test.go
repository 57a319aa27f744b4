package yamlstore_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/crystal-mush/gojails/pkg/storage"
	"github.com/crystal-mush/gojails/pkg/storage/storagetest"
	"github.com/crystal-mush/gojails/pkg/yamlstore"
)

func openStore(t *testing.T, dir string) *yamlstore.Store {
	t.Helper()
	s, err := yamlstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storagetest.RunConformance(t, func(t *testing.T) storagetest.Opener {
		dir := t.TempDir()
		return func(t *testing.T) storage.Backend { return openStore(t, dir) }
	})
}

func TestMissingFilesReadEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s := openStore(t, dir)
	res, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Cells)+len(res.Confinements) != 0 {
		t.Fatalf("expected empty tables, got %+v", res)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Open should create the data directory: %v", err)
	}
}

func TestIndefiniteLiteral(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	c := storagetest.SampleConfinement()
	c.ReleaseAt = nil
	if err := s.UpsertConfinement(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, yamlstore.ConfinementsFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "indefinite: true") || strings.Contains(string(data), "releaseAtEpoch") {
		t.Errorf("expected the indefinite marker and no release time, got:\n%s", data)
	}
	if !strings.Contains(string(data), "version: 1") {
		t.Errorf("expected version header, got:\n%s", data)
	}
}

const mixedConfinements = `version: 1
confinements:
  - subjectId: 5f1c3a2e-8d4b-4e7a-9c1f-2b3d4e5f6a7b
    subjectName: Notch
    cellName: Alcatraz
    returnWorld: world
    returnX: 1
    returnY: 2
    returnZ: 3
    jailedAtEpoch: 1771061415
    releaseAtEpoch: 1771065015
    originalDurationSeconds: 3600
    futureField: ignored
  - subjectId: not-a-uuid
    cellName: alcatraz
    jailedAtEpoch: 1771061415
    indefinite: true
  - subjectId: 0b9a8c7d-6e5f-4a3b-2c1d-0e9f8a7b6c5d
    cellName: alcatraz
    jailedAtEpoch: 1771061415
    releaseAtEpoch: 1771059600
`

func TestCorruptEntriesReportedNotFatal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, yamlstore.ConfinementsFile), []byte(mixedConfinements), 0o644); err != nil {
		t.Fatal(err)
	}
	s := openStore(t, dir)
	ctx := context.Background()
	res, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("one bad entry must not fail the load: %v", err)
	}
	if len(res.Confinements) != 1 {
		t.Fatalf("expected 1 good record, got %d", len(res.Confinements))
	}
	if res.Confinements[0].CellName != "alcatraz" {
		t.Errorf("cell reference should be stored in key form, got %q", res.Confinements[0].CellName)
	}
	if len(res.Corrupt) != 2 {
		t.Fatalf("expected 2 corrupt records, got %d", len(res.Corrupt))
	}
	for _, c := range res.Corrupt {
		if !errors.Is(c, jaildb.ErrCorruptRecord) || c.Table != "confinements" {
			t.Errorf("unexpected corrupt report %v", c)
		}
	}
	if res.Corrupt[0].Key != "not-a-uuid" {
		t.Errorf("corrupt key = %q, want not-a-uuid", res.Corrupt[0].Key)
	}

	// Rewriting the table keeps the corrupt entries for an operator to repair.
	good := res.Confinements[0]
	if err := s.DeleteConfinement(ctx, good.Subject); err != nil {
		t.Fatal(err)
	}
	res, err = s.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Confinements) != 0 || len(res.Corrupt) != 2 {
		t.Fatalf("corrupt entries lost on rewrite: %+v", res)
	}
}

func TestUnparseableDocumentIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, yamlstore.CellsFile), []byte("cells: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := openStore(t, dir)
	if _, err := s.LoadAll(context.Background()); !errors.Is(err, jaildb.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestNewerVersionLoadsWithWarning(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	dir := t.TempDir()
	doc := "version: 7\ncells:\n  - {name: Alcatraz, world: world, x: 0, y: 64, z: 0}\n"
	if err := os.WriteFile(filepath.Join(dir, yamlstore.CellsFile), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	s := openStore(t, dir)
	res, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Cells) != 1 || res.Cells[0].Name != "Alcatraz" {
		t.Fatalf("unexpected cells %+v", res.Cells)
	}
	if !strings.Contains(buf.String(), "WARNING") || !strings.Contains(buf.String(), "version 7") {
		t.Errorf("expected a version warning, got %q", buf.String())
	}
}

func TestFailedWriteLeavesFileIntact(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()
	if err := s.UpsertCell(ctx, storagetest.SampleCell()); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(filepath.Join(dir, yamlstore.CellsFile))

	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(dir, 0o755)

	err := s.UpsertCell(ctx, jaildb.Cell{Name: "Block-C"})
	if !errors.Is(err, jaildb.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, yamlstore.CellsFile))
	if !bytes.Equal(before, after) {
		t.Error("failed write modified the existing document")
	}

	os.Chmod(dir, 0o755)
	res, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Cells) != 1 {
		t.Errorf("failed upsert leaked into the table: %+v", res.Cells)
	}
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()
	if err := s.UpsertCell(ctx, storagetest.SampleCell()); err != nil {
		t.Fatal(err)
	}
	dest := t.TempDir()
	files, err := s.Snapshot(ctx, dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || filepath.Base(files[0]) != yamlstore.CellsFile {
		t.Fatalf("unexpected snapshot files %v", files)
	}
}
