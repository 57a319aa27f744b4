package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/crystal-mush/gojails/pkg/sqlstore"
	"github.com/crystal-mush/gojails/pkg/storage"
	"github.com/crystal-mush/gojails/pkg/storage/storagetest"
	_ "modernc.org/sqlite"
)

func openStore(t *testing.T, path string) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), sqlstore.Config{Path: path, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storagetest.RunConformance(t, func(t *testing.T) storagetest.Opener {
		path := filepath.Join(t.TempDir(), "jails.db")
		return func(t *testing.T) storage.Backend { return openStore(t, path) }
	})
}

func TestCorruptRowsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jails.db")
	s := openStore(t, path)
	ctx := context.Background()
	good := storagetest.SampleConfinement()
	if err := s.UpsertConfinement(ctx, good); err != nil {
		t.Fatal(err)
	}
	s.Close()

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = raw.Exec(`INSERT INTO confinements (subject_id, jailed_at_epoch) VALUES ('garbage', 1)`)
	if err == nil {
		_, err = raw.Exec(`INSERT INTO confinements (subject_id, jailed_at_epoch, release_at_epoch, original_duration_seconds)
			VALUES ('0b9a8c7d-6e5f-4a3b-2c1d-0e9f8a7b6c5d', 100, 50, 0)`)
	}
	raw.Close()
	if err != nil {
		t.Fatal(err)
	}

	s = openStore(t, path)
	defer s.Close()
	res, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("corrupt rows must not fail the load: %v", err)
	}
	if len(res.Confinements) != 1 || !res.Confinements[0].Equal(good) {
		t.Fatalf("expected only the good record, got %+v", res.Confinements)
	}
	if len(res.Corrupt) != 2 {
		t.Fatalf("expected 2 corrupt rows, got %d", len(res.Corrupt))
	}
	for _, c := range res.Corrupt {
		if !errors.Is(c, jaildb.ErrCorruptRecord) {
			t.Errorf("not a corrupt-record error: %v", c)
		}
	}
}

func TestClosedStoreUnavailable(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "jails.db"))
	s.Close()
	if err := s.UpsertCell(context.Background(), storagetest.SampleCell()); !errors.Is(err, jaildb.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestReconnectKeepsData(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "jails.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.UpsertCell(ctx, storagetest.SampleCell()); err != nil {
		t.Fatal(err)
	}
	if err := s.Reconnect(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Cells) != 1 {
		t.Fatalf("expected 1 cell after reconnect, got %d", len(res.Cells))
	}
}

func TestOpenWithoutPath(t *testing.T) {
	if _, err := sqlstore.Open(context.Background(), sqlstore.Config{}); !errors.Is(err, jaildb.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestSnapshotIsReadable(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "jails.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.UpsertConfinement(ctx, storagetest.SampleConfinement()); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	files, err := s.Snapshot(ctx, dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one snapshot file, got %v", files)
	}
	if _, err := os.Stat(files[0]); err != nil {
		t.Fatal(err)
	}

	copyStore := openStore(t, files[0])
	defer copyStore.Close()
	res, err := copyStore.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Confinements) != 1 {
		t.Fatalf("snapshot has %d confinements, want 1", len(res.Confinements))
	}
}
