// Package storage defines the persistence contract the jail registry writes
// through, and selects one of the concrete backends at startup.
//
// Every call is a synchronous round trip bounded by the backend's own
// timeout. Failures wrap jaildb.ErrStorageUnavailable. Records that cannot be
// decoded are reported in LoadResult.Corrupt instead of failing LoadAll.
package storage

import (
	"context"

	"github.com/crystal-mush/gojails/pkg/jaildb"
)

// Backend persists cells and confinements. Upserts and deletes are
// idempotent. Deleting a cell that confinements still reference is allowed;
// referential policy belongs to the registry.
type Backend interface {
	LoadAll(ctx context.Context) (*jaildb.LoadResult, error)
	UpsertCell(ctx context.Context, c jaildb.Cell) error
	DeleteCell(ctx context.Context, name string) error
	UpsertConfinement(ctx context.Context, c jaildb.Confinement) error
	DeleteConfinement(ctx context.Context, subject jaildb.SubjectID) error
	Close() error
}

// Snapshotter is implemented by backends that can write a consistent copy
// of their data into destDir. It returns the files it wrote.
type Snapshotter interface {
	Snapshot(ctx context.Context, destDir string) ([]string, error)
}
