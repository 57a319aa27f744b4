package jaildb

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCellKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Alcatraz", "alcatraz"},
		{"  Block-C ", "block-c"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CellKey(tt.in); got != tt.want {
			t.Errorf("CellKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfinementValidate(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	ok := Confinement{Subject: uuid.New(), JailedAt: now, ReleaseAt: &later}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	indefinite := Confinement{Subject: uuid.New(), JailedAt: now}
	if err := indefinite.Validate(); err != nil {
		t.Fatalf("indefinite record rejected: %v", err)
	}

	bad := Confinement{Subject: uuid.New(), JailedAt: now, ReleaseAt: &earlier}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSentence) {
		t.Fatalf("expected ErrInvalidSentence, got %v", err)
	}

	same := Confinement{Subject: uuid.New(), JailedAt: now, ReleaseAt: &now}
	if err := same.Validate(); !errors.Is(err, ErrInvalidSentence) {
		t.Fatalf("release equal to jailing must be rejected, got %v", err)
	}

	if err := (&Confinement{JailedAt: now}).Validate(); !errors.Is(err, ErrInvalidSentence) {
		t.Fatalf("nil subject must be rejected, got %v", err)
	}
}

func TestConfinementCloneIsDeep(t *testing.T) {
	at := time.Now()
	orig := Confinement{Subject: uuid.New(), ReleaseAt: &at, Frozen: []byte{1, 2, 3}}
	cp := orig.Clone()

	cp.Frozen[0] = 9
	*cp.ReleaseAt = at.Add(time.Hour)

	if orig.Frozen[0] != 1 {
		t.Error("clone shares Frozen with original")
	}
	if !orig.ReleaseAt.Equal(at) {
		t.Error("clone shares ReleaseAt with original")
	}
	if orig.Equal(cp) {
		t.Error("modified clone still compares equal")
	}
}

func TestRemainingAndExpired(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(90 * time.Second)
	c := Confinement{ReleaseAt: &at}

	if got := c.Remaining(now); got != 90*time.Second {
		t.Errorf("Remaining = %v, want 90s", got)
	}
	if c.Expired(now) {
		t.Error("should not be expired yet")
	}
	if !c.Expired(at) {
		t.Error("should be expired exactly at release time")
	}
	if got := c.Remaining(at.Add(time.Second)); got != 0 {
		t.Errorf("Remaining after expiry = %v, want 0", got)
	}

	var ind Confinement
	if ind.Expired(now) || ind.Remaining(now) != 0 || !ind.Indefinite() {
		t.Error("indefinite sentence never expires")
	}
}

func TestReleaseReasonString(t *testing.T) {
	tests := []struct {
		r    ReleaseReason
		want string
	}{
		{ReleaseManual, "manual"},
		{ReleaseExpired, "expired"},
		{ReleaseReason(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("ReleaseReason(%d).String() = %q, want %q", tt.r, got, tt.want)
		}
	}
}

func TestUnavailableWrapping(t *testing.T) {
	cause := context.DeadlineExceeded
	err := Unavailable("upsert cell", cause)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Error("expected ErrStorageUnavailable in chain")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
	if again := Unavailable("outer", err); again != err {
		t.Error("double wrapping should return the same error")
	}
	if Unavailable("noop", nil) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestCorruptRecordError(t *testing.T) {
	cause := errors.New("bad uuid")
	err := error(Corrupt("confinements", "xyz", cause))
	if !errors.Is(err, ErrCorruptRecord) {
		t.Error("expected ErrCorruptRecord")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to unwrap")
	}
	var cre *CorruptRecordError
	if !errors.As(err, &cre) || cre.Key != "xyz" {
		t.Errorf("errors.As failed: %v", err)
	}
}

func TestValidateCellName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"Alcatraz", true},
		{"block-c_2", true},
		{strings.Repeat("a", 32), true},
		{"", false},
		{strings.Repeat("a", 33), false},
		{"cell block", false},
		{"a/b", false},
		{"who?", false},
		{"célula", false},
	}
	for _, tt := range tests {
		err := ValidateCellName(tt.name)
		if tt.ok && err != nil {
			t.Errorf("ValidateCellName(%q) = %v, want nil", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidCellName) {
			t.Errorf("ValidateCellName(%q) = %v, want ErrInvalidCellName", tt.name, err)
		}
	}
}

func TestMapElementPredicates(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	recs := map[string]Confinement{
		"timed":      {Subject: uuid.New(), JailedAt: at, ReleaseAt: &at, CellName: "c1"},
		"indefinite": {Subject: uuid.New(), JailedAt: at},
	}
	if recs["timed"].Indefinite() || !recs["indefinite"].Indefinite() {
		t.Error("Indefinite is wrong on map elements")
	}
	if !recs["timed"].Expired(at) || recs["indefinite"].CellResolved() {
		t.Error("Expired or CellResolved is wrong on map elements")
	}
}

func TestEqualComparesReturnUnknown(t *testing.T) {
	a := Confinement{Subject: uuid.New()}
	b := a
	b.ReturnUnknown = true
	if a.Equal(b) {
		t.Error("records differing only in ReturnUnknown compare equal")
	}
}

func TestEpochParts(t *testing.T) {
	times := []time.Time{
		time.Date(2026, 2, 14, 9, 30, 15, 123456789, time.UTC),
		time.Date(1969, 12, 31, 23, 59, 59, 500, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(math.MaxInt64).Add(math.MaxInt64),
	}
	for _, want := range times {
		got, err := JoinTime(SplitTime(want))
		if err != nil || !got.Equal(want) {
			t.Errorf("time %s came back as %s (%v)", want, got, err)
		}
	}
	if _, err := JoinTime(0, int64(time.Second)); err == nil {
		t.Error("out of range nanoseconds accepted")
	}

	for _, want := range []time.Duration{0, 1500 * time.Millisecond, math.MaxInt64} {
		got, err := JoinDuration(SplitDuration(want))
		if err != nil || got != want {
			t.Errorf("duration %d came back as %d (%v)", want, got, err)
		}
	}
	if _, err := JoinDuration(math.MaxInt64/int64(time.Second), int64(time.Second-1)); err == nil {
		t.Error("overflowing duration accepted")
	}
	if _, err := JoinDuration(-1, 0); err == nil {
		t.Error("negative duration accepted")
	}
}

func TestDurationFromSeconds(t *testing.T) {
	if d, err := DurationFromSeconds(1.5); err != nil || d != 1500*time.Millisecond {
		t.Errorf("1.5s = %v, %v", d, err)
	}
	for _, secs := range []float64{1e12, -1e12, math.Inf(1), math.NaN()} {
		if _, err := DurationFromSeconds(secs); !errors.Is(err, ErrInvalidSentence) {
			t.Errorf("DurationFromSeconds(%v) = %v", secs, err)
		}
	}
}
