package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/crystal-mush/gojails/pkg/storage"
)

func TestMemoryConformance(t *testing.T) {
	RunConformance(t, func(t *testing.T) Opener {
		m := NewMemory()
		return func(t *testing.T) storage.Backend { return m }
	})
}

func TestMemoryFailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.FailNext(OpUpsertCell, 1)
	if err := m.UpsertCell(ctx, SampleCell()); !errors.Is(err, jaildb.ErrStorageUnavailable) || !errors.Is(err, ErrInjected) {
		t.Fatalf("expected injected unavailable error, got %v", err)
	}
	if err := m.UpsertCell(ctx, SampleCell()); err != nil {
		t.Fatalf("second call should succeed: %v", err)
	}
	if m.Calls(OpUpsertCell) != 2 {
		t.Errorf("expected 2 calls, got %d", m.Calls(OpUpsertCell))
	}

	m.SetDown(true)
	if _, err := m.LoadAll(ctx); !errors.Is(err, jaildb.ErrStorageUnavailable) {
		t.Fatalf("expected unavailable while down, got %v", err)
	}
	m.SetDown(false)

	m.AddCorrupt("confinements", "not-a-uuid", errors.New("bad"))
	res, err := m.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Corrupt) != 1 || len(res.Cells) != 1 {
		t.Fatalf("unexpected load result %+v", res)
	}
}
