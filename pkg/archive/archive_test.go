package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/crystal-mush/gojails/pkg/storage"
	"github.com/crystal-mush/gojails/pkg/storage/storagetest"
)

func seeded(t *testing.T, cfg storage.Config) storage.Backend {
	t.Helper()
	ctx := context.Background()
	b, err := storage.Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.UpsertCell(ctx, storagetest.SampleCell()); err != nil {
		t.Fatal(err)
	}
	if err := b.UpsertConfinement(ctx, storagetest.SampleConfinement()); err != nil {
		t.Fatal(err)
	}
	return b
}

func snapshotter(t *testing.T, b storage.Backend) storage.Snapshotter {
	t.Helper()
	s, ok := b.(storage.Snapshotter)
	if !ok {
		t.Fatal("backend cannot snapshot")
	}
	return s
}

func TestArchiveRoundTrip(t *testing.T) {
	for _, kind := range []storage.Kind{storage.KindFile, storage.KindBolt, storage.KindSQL} {
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			cfg := storage.Config{
				Backend: kind,
				File:    storage.FileConfig{Dir: filepath.Join(dir, "src")},
				Bolt:    storage.BoltConfig{Path: filepath.Join(dir, "src", "jails.bolt")},
			}
			cfg.SQL.Path = filepath.Join(dir, "src", "jails.db")
			conf := filepath.Join(dir, "jaild.yaml")
			os.WriteFile(conf, []byte("storage: {backend: "+string(kind)+"}\n"), 0o644)

			b := seeded(t, cfg)
			path, err := CreateArchive(ctx, Params{
				Source: snapshotter(t, b), Backend: kind, ConfPath: conf,
				ArchiveDir: filepath.Join(dir, "backups"), Cells: 1, Confinements: 1,
			})
			b.Close()
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasSuffix(path, ".tar.gz") {
				t.Errorf("unexpected archive name %s", path)
			}

			list, err := ListArchives(filepath.Join(dir, "backups"))
			if err != nil || len(list) != 1 {
				t.Fatalf("ListArchives = %v, %v", list, err)
			}
			if list[0].Backend != kind || list[0].Confinements != 1 {
				t.Errorf("archive info %+v", list[0])
			}

			dest := storage.Config{
				Backend: kind,
				File:    storage.FileConfig{Dir: filepath.Join(dir, "dst")},
				Bolt:    storage.BoltConfig{Path: filepath.Join(dir, "dst", "restored.bolt")},
			}
			dest.SQL.Path = filepath.Join(dir, "dst", "restored.db")
			confDest := filepath.Join(dir, "dst", "jaild.yaml")
			res, err := RestoreArchive(RestoreParams{ArchivePath: path, Storage: dest, ConfDest: confDest})
			if err != nil {
				t.Fatal(err)
			}
			if res.FilesRestored < 2 {
				t.Errorf("restored %d files", res.FilesRestored)
			}
			if _, err := os.Stat(confDest); err != nil {
				t.Errorf("config not restored: %v", err)
			}

			rb, err := storage.Open(ctx, dest)
			if err != nil {
				t.Fatal(err)
			}
			defer rb.Close()
			loaded, err := rb.LoadAll(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(loaded.Cells) != 1 || len(loaded.Confinements) != 1 || !loaded.Confinements[0].Equal(storagetest.SampleConfinement()) {
				t.Errorf("restored data mismatch: %+v", loaded)
			}
		})
	}
}

func TestRestoreRejectsOtherBackend(t *testing.T) {
	dir := t.TempDir()
	b := seeded(t, storage.Config{Backend: storage.KindFile, File: storage.FileConfig{Dir: filepath.Join(dir, "src")}})
	defer b.Close()
	path, err := CreateArchive(context.Background(), Params{Source: snapshotter(t, b), Backend: storage.KindFile, ArchiveDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	_, err = RestoreArchive(RestoreParams{ArchivePath: path, Storage: storage.Config{Backend: storage.KindBolt}})
	if err == nil || !strings.Contains(err.Error(), "configured backend") {
		t.Errorf("expected backend mismatch, got %v", err)
	}
}

func writeTarGz(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, body := range files {
		tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(body)), Mode: 0644, Typeflag: tar.TypeReg})
		tw.Write([]byte(body))
	}
	tw.Close()
	gw.Close()
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRestoreChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.tar.gz")
	writeTarGz(t, path, map[string]string{
		"data/cells.yaml": "version: 1\n",
		"manifest.json":   `{"version":1,"backend":"file","files":{"data/cells.yaml":{"sha256":"00","size":11,"type":"data"}}}`,
	})
	dest := storage.Config{Backend: storage.KindFile, File: storage.FileConfig{Dir: filepath.Join(dir, "dst")}}
	_, err := RestoreArchive(RestoreParams{ArchivePath: path, Storage: dest})
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("expected checksum mismatch, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "dst", "cells.yaml")); err == nil {
		t.Error("corrupt archive was partially restored")
	}
}

func TestRestoreRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, path, map[string]string{"../escape.txt": "x"})
	if _, err := RestoreArchive(RestoreParams{ArchivePath: path}); err == nil {
		t.Error("expected invalid entry error")
	}
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	b := seeded(t, storage.Config{Backend: storage.KindFile, File: storage.FileConfig{Dir: filepath.Join(dir, "src")}})
	defer b.Close()
	out := filepath.Join(dir, "backups")
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := CreateArchive(context.Background(), Params{
			Source: snapshotter(t, b), Backend: storage.KindFile, ArchiveDir: out, Now: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := Prune(out, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || filepath.Base(removed[0]) != "archive-20260601-120000.tar.gz" {
		t.Errorf("removed %v", removed)
	}
	list, _ := ListArchives(out)
	if len(list) != 2 || list[0].Filename != "archive-20260601-140000.tar.gz" {
		t.Errorf("remaining %+v", list)
	}
	if removed, _ := Prune(out, 0); len(removed) != 0 {
		t.Error("retain 0 should keep everything")
	}
}

func TestPromptConfigDiff(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "archived.yaml")
	dst := filepath.Join(dir, "current.yaml")
	os.WriteFile(src, []byte("a: 1\nb: 2\n"), 0o644)
	os.WriteFile(dst, []byte("a: 1\nb: 3\n"), 0o644)

	var out bytes.Buffer
	action, err := promptConfigDiff(src, dst, "jaild.yaml", strings.NewReader("d\nu\n"), &out)
	if err != nil || action != 'U' {
		t.Fatalf("got %c, %v", action, err)
	}
	if !strings.Contains(out.String(), "- b: 3") || !strings.Contains(out.String(), "+ b: 2") {
		t.Errorf("diff output %q", out.String())
	}
	if action, _ := promptConfigDiff(src, dst, "jaild.yaml", nil, nil); action != 'K' {
		t.Errorf("non-interactive restore should keep the current config, got %c", action)
	}
}
