// Package boltstore is the embedded key-value storage backend: one bbolt
// bucket per table, gob-encoded values, every write its own transaction.
package boltstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/crystal-mush/gojails/pkg/jaildb"
	bbolt "go.etcd.io/bbolt"
)

// FormatVersion is stored in the meta bucket.
const FormatVersion = 1

// Options configures Open.
type Options struct {
	// Timeout bounds waiting for the file lock held by another process.
	Timeout time.Duration
}

// Store wraps a bbolt database for write-through persistence.
type Store struct {
	bolt *bbolt.DB
}

// Open opens or creates a bbolt database file and ensures all buckets exist.
func Open(path string, opts Options) (*Store, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, jaildb.Unavailable("boltstore: open", err)
		}
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, jaildb.Unavailable("boltstore: open", fmt.Errorf("%s: %w", path, err))
	}

	var version int
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketCells, bucketConfinements} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyVersion); v != nil {
			version = keyToInt(v)
			return nil
		}
		version = FormatVersion
		return meta.Put(keyVersion, intToKey(FormatVersion))
	})
	if err != nil {
		db.Close()
		return nil, jaildb.Unavailable("boltstore: create buckets", err)
	}
	if version > FormatVersion {
		log.Printf("boltstore: WARNING: %s is format version %d, newer than supported version %d", path, version, FormatVersion)
	}

	return &Store{bolt: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *Store) Path() string {
	if s.bolt != nil {
		return s.bolt.Path()
	}
	return ""
}

func (s *Store) update(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return jaildb.Unavailable("boltstore: "+op, err)
	}
	return jaildb.Unavailable("boltstore: "+op, s.bolt.Update(fn))
}

// UpsertCell persists a single cell (write-through).
func (s *Store) UpsertCell(ctx context.Context, c jaildb.Cell) error {
	data, err := encodeCell(c)
	if err != nil {
		return jaildb.Unavailable("boltstore: encode cell", fmt.Errorf("%q: %w", c.Name, err))
	}
	return s.update(ctx, "upsert cell", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCells).Put(cellKey(c.Name), data)
	})
}

// DeleteCell removes a cell. Deleting a missing key is not an error in bbolt.
func (s *Store) DeleteCell(ctx context.Context, name string) error {
	return s.update(ctx, "delete cell", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCells).Delete(cellKey(name))
	})
}

// UpsertConfinement persists a single confinement (write-through).
func (s *Store) UpsertConfinement(ctx context.Context, c jaildb.Confinement) error {
	data, err := encodeConfinement(c)
	if err != nil {
		return jaildb.Unavailable("boltstore: encode confinement", fmt.Errorf("%s: %w", c.Subject, err))
	}
	return s.update(ctx, "upsert confinement", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConfinements).Put(subjectKey(c.Subject), data)
	})
}

// DeleteConfinement removes a subject's confinement.
func (s *Store) DeleteConfinement(ctx context.Context, subject jaildb.SubjectID) error {
	return s.update(ctx, "delete confinement", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConfinements).Delete(subjectKey(subject))
	})
}

// LoadAll reads both buckets in one read transaction.
func (s *Store) LoadAll(ctx context.Context) (*jaildb.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, jaildb.Unavailable("boltstore: load", err)
	}
	res := &jaildb.LoadResult{}
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketCells).ForEach(func(k, v []byte) error {
			c, err := decodeCell(v)
			if err != nil {
				res.Corrupt = append(res.Corrupt, jaildb.Corrupt("cells", string(k), err))
				return nil
			}
			res.Cells = append(res.Cells, c)
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConfinements).ForEach(func(k, v []byte) error {
			c, err := decodeConfinement(v)
			if err != nil {
				res.Corrupt = append(res.Corrupt, jaildb.Corrupt("confinements", keyString(k), err))
				return nil
			}
			res.Confinements = append(res.Confinements, c)
			return nil
		})
	})
	if err != nil {
		return nil, jaildb.Unavailable("boltstore: load", err)
	}
	return res, nil
}

// Backup creates a hot snapshot of the bbolt database using tx.WriteTo().
func (s *Store) Backup(path string) error {
	return s.bolt.View(func(tx *bbolt.Tx) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("boltstore: create backup %s: %w", path, err)
		}
		defer f.Close()
		_, err = tx.WriteTo(f)
		if err != nil {
			return fmt.Errorf("boltstore: write backup: %w", err)
		}
		log.Printf("boltstore: backup written to %s", path)
		return nil
	})
}

// Snapshot writes a hot backup into destDir.
func (s *Store) Snapshot(ctx context.Context, destDir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, jaildb.Unavailable("boltstore: snapshot", err)
	}
	dest := filepath.Join(destDir, filepath.Base(s.Path()))
	if err := s.Backup(dest); err != nil {
		return nil, jaildb.Unavailable("boltstore: snapshot", err)
	}
	return []string{dest}, nil
}
