package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/crystal-mush/gojails/pkg/sqlstore"
	"github.com/crystal-mush/gojails/pkg/storage"
	"github.com/crystal-mush/gojails/pkg/storage/storagetest"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    storage.Kind
		wantErr bool
	}{
		{"file", storage.KindFile, false},
		{"YAML", storage.KindFile, false},
		{" sql ", storage.KindSQL, false},
		{"sqlite", storage.KindSQL, false},
		{"bolt", storage.KindBolt, false},
		{"redis", "", true},
	}
	for _, tt := range tests {
		got, err := storage.ParseKind(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseKind(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestOpenEachKind(t *testing.T) {
	dir := t.TempDir()
	cfgs := []storage.Config{
		{Backend: storage.KindFile, File: storage.FileConfig{Dir: filepath.Join(dir, "yaml")}},
		{Backend: storage.KindSQL, SQL: sqlstore.Config{Path: filepath.Join(dir, "jails.db")}},
		{Backend: storage.KindBolt, Bolt: storage.BoltConfig{Path: filepath.Join(dir, "jails.bolt")}},
	}
	ctx := context.Background()
	for _, cfg := range cfgs {
		b, err := storage.Open(ctx, cfg)
		if err != nil {
			t.Fatalf("Open(%s): %v", cfg.Backend, err)
		}
		if err := b.UpsertCell(ctx, storagetest.SampleCell()); err != nil {
			t.Errorf("%s: upsert: %v", cfg.Backend, err)
		}
		if _, ok := b.(storage.Snapshotter); !ok {
			t.Errorf("%s backend should support snapshots", cfg.Backend)
		}
		b.Close()
	}

	if _, err := storage.Open(ctx, storage.Config{Backend: "redis"}); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestCopySkipsCorrupt(t *testing.T) {
	ctx := context.Background()
	src := storagetest.NewMemory()
	src.Seed([]jaildb.Cell{storagetest.SampleCell()}, []jaildb.Confinement{storagetest.SampleConfinement()})
	src.AddCorrupt("confinements", "bad", nil)

	dst, err := storage.Open(ctx, storage.Config{Backend: storage.KindBolt, Bolt: storage.BoltConfig{Path: filepath.Join(t.TempDir(), "dst.bolt")}})
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	stats, err := storage.Copy(ctx, dst, src)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Cells != 1 || stats.Confinements != 1 || stats.Skipped != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	res, err := dst.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Confinements) != 1 || !res.Confinements[0].Equal(storagetest.SampleConfinement()) {
		t.Errorf("copied record mismatch: %+v", res.Confinements)
	}
}
