// Package jaildb defines the jail data model shared by the registry, the
// scheduler and every storage backend: cells, confinement records and the
// error taxonomy.
package jaildb

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubjectID is the stable identity of a confined account. Display names can
// change; the id cannot.
type SubjectID = uuid.UUID

// MissingCell is the CellName of a confinement whose cell was force-removed.
const MissingCell = ""

// ParseSubject parses the textual form of a SubjectID.
func ParseSubject(s string) (SubjectID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid subject id %q: %w", s, err)
	}
	return id, nil
}

// CellKey returns the canonical lookup key for a cell name.
// Cell names are unique without regard to case.
func CellKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

var cellNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

// ValidateCellName checks a cell name: 1 to 32 ASCII letters, digits,
// hyphens or underscores.
func ValidateCellName(name string) error {
	if !cellNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCellName, name)
	}
	return nil
}

// Location is a world identifier plus a position and orientation.
type Location struct {
	World string
	X     float64
	Y     float64
	Z     float64
	Yaw   float32
	Pitch float32
}

func (l Location) String() string {
	return fmt.Sprintf("%s(%.2f, %.2f, %.2f; %.1f/%.1f)", l.World, l.X, l.Y, l.Z, l.Yaw, l.Pitch)
}

// Cell is a named, administrator-defined jail location.
type Cell struct {
	Name     string // display name as defined
	Location Location
}

// Key returns the cell's canonical lookup key.
func (c Cell) Key() string { return CellKey(c.Name) }

// Confinement is the single active record of one confined subject.
type Confinement struct {
	Subject     SubjectID
	SubjectName string // last known display name, informational only

	// CellName is a weak reference in key form. MissingCell means the cell
	// was removed while the subject was still confined.
	CellName string

	Return   Location  // where the subject goes back to on release
	JailedAt time.Time // start of the current confinement episode

	// ReturnUnknown marks Return as a placeholder: the subject's position was
	// not known when it was jailed. A later re-jail with a known position
	// replaces it.
	ReturnUnknown bool

	// ReleaseAt is nil for an indefinite sentence.
	ReleaseAt *time.Time

	OriginalDuration time.Duration
	JailedBy         string

	// Frozen is opaque host state restored on release. The record owns it.
	Frozen []byte
}

// Indefinite reports whether the sentence has no automatic release.
func (c Confinement) Indefinite() bool { return c.ReleaseAt == nil }

// CellResolved reports whether the record still points at a cell.
func (c Confinement) CellResolved() bool { return c.CellName != MissingCell }

// Remaining returns the time left at now, or zero once expired or for an
// indefinite sentence.
func (c Confinement) Remaining(now time.Time) time.Duration {
	if c.ReleaseAt == nil {
		return 0
	}
	if d := c.ReleaseAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether a timed sentence is due at now.
func (c Confinement) Expired(now time.Time) bool {
	return c.ReleaseAt != nil && !c.ReleaseAt.After(now)
}

// Validate checks the record invariants.
func (c Confinement) Validate() error {
	if c.Subject == uuid.Nil {
		return fmt.Errorf("%w: nil subject id", ErrInvalidSentence)
	}
	if c.ReleaseAt != nil && !c.ReleaseAt.After(c.JailedAt) {
		return fmt.Errorf("%w: release %s is not after jailing %s",
			ErrInvalidSentence, c.ReleaseAt.Format(time.RFC3339), c.JailedAt.Format(time.RFC3339))
	}
	return nil
}

// Clone returns a deep copy. Callers outside the registry only ever see clones.
func (c Confinement) Clone() Confinement {
	out := c
	if c.ReleaseAt != nil {
		t := *c.ReleaseAt
		out.ReleaseAt = &t
	}
	if c.Frozen != nil {
		out.Frozen = bytes.Clone(c.Frozen)
	}
	return out
}

// Equal compares two records field by field. Times compare by instant.
func (c Confinement) Equal(o Confinement) bool {
	if c.Subject != o.Subject || c.SubjectName != o.SubjectName || c.CellName != o.CellName ||
		c.Return != o.Return || c.ReturnUnknown != o.ReturnUnknown || !c.JailedAt.Equal(o.JailedAt) ||
		c.OriginalDuration != o.OriginalDuration || c.JailedBy != o.JailedBy ||
		!bytes.Equal(c.Frozen, o.Frozen) {
		return false
	}
	if (c.ReleaseAt == nil) != (o.ReleaseAt == nil) {
		return false
	}
	return c.ReleaseAt == nil || c.ReleaseAt.Equal(*o.ReleaseAt)
}

// ReleaseReason distinguishes a manual pardon from a natural expiry.
type ReleaseReason int

const (
	ReleaseManual ReleaseReason = iota
	ReleaseExpired
)

func (r ReleaseReason) String() string {
	switch r {
	case ReleaseManual:
		return "manual"
	case ReleaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// LoadResult is everything a backend could read back, plus the records it
// could not decode.
type LoadResult struct {
	Cells        []Cell
	Confinements []Confinement
	Corrupt      []*CorruptRecordError
}
