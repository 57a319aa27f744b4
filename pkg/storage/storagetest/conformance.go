package storagetest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/crystal-mush/gojails/pkg/storage"
)

// Opener opens the same underlying store every time it is called, so the
// suite can close a backend and read it back.
type Opener func(t *testing.T) storage.Backend

// SampleTime is a fixed instant with sub-second precision.
var SampleTime = time.Date(2026, 2, 14, 9, 30, 15, 123456789, time.UTC)

// SampleConfinement returns a fully populated timed record.
func SampleConfinement() jaildb.Confinement {
	release := SampleTime.Add(90*time.Minute + 250*time.Millisecond)
	return jaildb.Confinement{
		Subject:          uuid.MustParse("5f1c3a2e-8d4b-4e7a-9c1f-2b3d4e5f6a7b"),
		SubjectName:      "Notch",
		CellName:         "alcatraz",
		Return:           jaildb.Location{World: "world", X: 120.5, Y: 64, Z: -33.25, Yaw: 90.5, Pitch: -12.25},
		JailedAt:         SampleTime,
		ReleaseAt:        &release,
		OriginalDuration: 90*time.Minute + 250*time.Millisecond,
		JailedBy:         "console",
		Frozen:           []byte{0x00, 0xff, 'i', 'n', 'v'},
	}
}

// SampleCell returns a cell with a non-trivial location.
func SampleCell() jaildb.Cell {
	return jaildb.Cell{Name: "Alcatraz", Location: jaildb.Location{World: "world_nether", X: -1.5, Y: 70, Z: 8.125, Yaw: 180, Pitch: 0.5}}
}

// RunConformance runs the shared Backend contract. newOpener is called once
// per subtest and must return an Opener bound to fresh, empty storage.
func RunConformance(t *testing.T, newOpener func(t *testing.T) Opener) {
	ctx := context.Background()

	t.Run("EmptyLoad", func(t *testing.T) {
		b := newOpener(t)(t)
		defer b.Close()
		res, err := b.LoadAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Cells) != 0 || len(res.Confinements) != 0 || len(res.Corrupt) != 0 {
			t.Fatalf("expected empty load, got %+v", res)
		}
	})

	t.Run("CellRoundTrip", func(t *testing.T) {
		open := newOpener(t)
		b := open(t)
		cell := SampleCell()
		if err := b.UpsertCell(ctx, cell); err != nil {
			t.Fatal(err)
		}
		if err := b.Close(); err != nil {
			t.Fatal(err)
		}

		b = open(t)
		defer b.Close()
		res, err := b.LoadAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Cells) != 1 {
			t.Fatalf("expected 1 cell, got %d", len(res.Cells))
		}
		if res.Cells[0] != cell {
			t.Errorf("cell round trip: got %+v, want %+v", res.Cells[0], cell)
		}
	})

	t.Run("CellNamesIgnoreCase", func(t *testing.T) {
		b := newOpener(t)(t)
		defer b.Close()
		if err := b.UpsertCell(ctx, jaildb.Cell{Name: "Alcatraz"}); err != nil {
			t.Fatal(err)
		}
		moved := jaildb.Cell{Name: "ALCATRAZ", Location: jaildb.Location{World: "end"}}
		if err := b.UpsertCell(ctx, moved); err != nil {
			t.Fatal(err)
		}
		res, err := b.LoadAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Cells) != 1 || res.Cells[0] != moved {
			t.Fatalf("expected single replaced cell, got %+v", res.Cells)
		}
		if err := b.DeleteCell(ctx, "alcatraz"); err != nil {
			t.Fatal(err)
		}
		res, err = b.LoadAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Cells) != 0 {
			t.Fatalf("case-insensitive delete left %+v", res.Cells)
		}
	})

	t.Run("ConfinementRoundTrip", func(t *testing.T) {
		open := newOpener(t)
		b := open(t)
		timed := SampleConfinement()
		indef := SampleConfinement()
		indef.Subject = uuid.New()
		indef.ReleaseAt = nil
		indef.OriginalDuration = 0
		indef.Frozen = nil
		indef.CellName = jaildb.MissingCell
		indef.ReturnUnknown = true
		for _, c := range []jaildb.Confinement{timed, indef} {
			if err := b.UpsertConfinement(ctx, c); err != nil {
				t.Fatal(err)
			}
		}
		if err := b.Close(); err != nil {
			t.Fatal(err)
		}

		b = open(t)
		defer b.Close()
		res, err := b.LoadAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Confinements) != 2 {
			t.Fatalf("expected 2 confinements, got %d", len(res.Confinements))
		}
		got := map[jaildb.SubjectID]jaildb.Confinement{}
		for _, c := range res.Confinements {
			got[c.Subject] = c
		}
		for _, want := range []jaildb.Confinement{timed, indef} {
			if g, ok := got[want.Subject]; !ok || !g.Equal(want) {
				t.Errorf("round trip mismatch for %s:\n got  %+v\n want %+v", want.Subject, g, want)
			}
		}
		if !got[indef.Subject].Indefinite() {
			t.Error("indefinite sentence came back timed")
		}
	})

	t.Run("LongSentenceRoundTrip", func(t *testing.T) {
		open := newOpener(t)
		b := open(t)
		long := SampleConfinement()
		d := 250 * 365 * 24 * time.Hour
		at := SampleTime.Add(d)
		long.ReleaseAt, long.OriginalDuration = &at, d

		// The longest Duration, then extended by the same again.
		longest := SampleConfinement()
		longest.Subject = uuid.New()
		far := SampleTime.Add(math.MaxInt64).Add(math.MaxInt64)
		longest.ReleaseAt, longest.OriginalDuration = &far, math.MaxInt64
		for _, c := range []jaildb.Confinement{long, longest} {
			if err := b.UpsertConfinement(ctx, c); err != nil {
				t.Fatal(err)
			}
		}
		if err := b.Close(); err != nil {
			t.Fatal(err)
		}

		b = open(t)
		defer b.Close()
		res, err := b.LoadAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Corrupt) != 0 {
			t.Fatalf("long sentences reported corrupt: %v", res.Corrupt)
		}
		got := map[jaildb.SubjectID]jaildb.Confinement{}
		for _, c := range res.Confinements {
			got[c.Subject] = c
		}
		for _, want := range []jaildb.Confinement{long, longest} {
			if g, ok := got[want.Subject]; !ok || !g.Equal(want) {
				t.Errorf("long sentence mismatch for %s:\n got  %+v\n want %+v", want.Subject, g, want)
			}
		}
	})

	t.Run("UpsertReplaces", func(t *testing.T) {
		b := newOpener(t)(t)
		defer b.Close()
		c := SampleConfinement()
		if err := b.UpsertConfinement(ctx, c); err != nil {
			t.Fatal(err)
		}
		later := c.ReleaseAt.Add(time.Hour)
		c.ReleaseAt = &later
		c.CellName = "block-c"
		if err := b.UpsertConfinement(ctx, c); err != nil {
			t.Fatal(err)
		}
		res, err := b.LoadAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Confinements) != 1 || !res.Confinements[0].Equal(c) {
			t.Fatalf("expected one replaced record, got %+v", res.Confinements)
		}
	})

	t.Run("DeletesAreIdempotent", func(t *testing.T) {
		open := newOpener(t)
		b := open(t)
		c := SampleConfinement()
		if err := b.UpsertConfinement(ctx, c); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 2; i++ {
			if err := b.DeleteConfinement(ctx, c.Subject); err != nil {
				t.Fatalf("delete %d: %v", i, err)
			}
		}
		if err := b.DeleteCell(ctx, "never-defined"); err != nil {
			t.Fatalf("deleting a missing cell: %v", err)
		}
		b.Close()

		b = open(t)
		defer b.Close()
		res, err := b.LoadAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Confinements) != 0 {
			t.Fatalf("deletion not persisted: %+v", res.Confinements)
		}
	})

	t.Run("ReferencedCellDeleteAllowed", func(t *testing.T) {
		b := newOpener(t)(t)
		defer b.Close()
		cell := SampleCell()
		c := SampleConfinement()
		if err := b.UpsertCell(ctx, cell); err != nil {
			t.Fatal(err)
		}
		if err := b.UpsertConfinement(ctx, c); err != nil {
			t.Fatal(err)
		}
		if err := b.DeleteCell(ctx, cell.Name); err != nil {
			t.Fatalf("backend must allow deleting a referenced cell: %v", err)
		}
		res, err := b.LoadAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Cells) != 0 || len(res.Confinements) != 1 {
			t.Fatalf("unexpected state %+v", res)
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		b := newOpener(t)(t)
		defer b.Close()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := b.UpsertCell(cctx, SampleCell())
		if !errors.Is(err, jaildb.ErrStorageUnavailable) {
			t.Fatalf("expected ErrStorageUnavailable on cancelled context, got %v", err)
		}
	})
}
