package boltstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/crystal-mush/gojails/pkg/boltstore"
	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/crystal-mush/gojails/pkg/storage"
	"github.com/crystal-mush/gojails/pkg/storage/storagetest"
	bbolt "go.etcd.io/bbolt"
)

func openStore(t *testing.T, path string) *boltstore.Store {
	t.Helper()
	s, err := boltstore.Open(path, boltstore.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storagetest.RunConformance(t, func(t *testing.T) storagetest.Opener {
		path := filepath.Join(t.TempDir(), "jails.bolt")
		return func(t *testing.T) storage.Backend { return openStore(t, path) }
	})
}

func TestLockedFileIsUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jails.bolt")
	first := openStore(t, path)
	defer first.Close()

	_, err := boltstore.Open(path, boltstore.Options{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, jaildb.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable while locked, got %v", err)
	}
}

func TestCorruptValueReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jails.bolt")
	s := openStore(t, path)
	ctx := context.Background()
	if err := s.UpsertConfinement(ctx, storagetest.SampleConfinement()); err != nil {
		t.Fatal(err)
	}
	s.Close()

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("confinements")).Put([]byte("short-key"), []byte("not gob"))
	})
	db.Close()
	if err != nil {
		t.Fatal(err)
	}

	s = openStore(t, path)
	defer s.Close()
	res, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("corrupt value must not fail the load: %v", err)
	}
	if len(res.Confinements) != 1 || len(res.Corrupt) != 1 {
		t.Fatalf("expected 1 good and 1 corrupt, got %d and %d", len(res.Confinements), len(res.Corrupt))
	}
	if res.Corrupt[0].Table != "confinements" {
		t.Errorf("unexpected corrupt report %v", res.Corrupt[0])
	}
}

func TestSnapshotOpensAsStore(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "jails.bolt"))
	defer s.Close()
	ctx := context.Background()
	if err := s.UpsertCell(ctx, storagetest.SampleCell()); err != nil {
		t.Fatal(err)
	}
	files, err := s.Snapshot(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cp := openStore(t, files[0])
	defer cp.Close()
	res, err := cp.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Cells) != 1 || res.Cells[0] != storagetest.SampleCell() {
		t.Fatalf("snapshot content mismatch: %+v", res.Cells)
	}
}
