package events

import (
	"time"

	"github.com/crystal-mush/gojails/pkg/jaildb"
)

// EventType classifies events for transport-specific encoding.
type EventType int

const (
	EvConfined    EventType = iota // Subject confined or re-confined
	EvReleased                     // Subject released (manual or expired)
	EvExtended                     // Sentence changed in place
	EvCellDefined                  // Cell created or moved
	EvCellRemoved                  // Cell removed
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EvConfined:
		return "confined"
	case EvReleased:
		return "released"
	case EvExtended:
		return "extended"
	case EvCellDefined:
		return "cell_defined"
	case EvCellRemoved:
		return "cell_removed"
	default:
		return "unknown"
	}
}

// Event is a structured jail event that flows through the event bus.
// Record is a private copy; subscribers may keep it. Reason is set for
// EvReleased and Cleared for EvCellRemoved.
type Event struct {
	Type    EventType
	Subject jaildb.SubjectID
	Cell    string
	Reason  jaildb.ReleaseReason
	Record  *jaildb.Confinement
	Cleared []jaildb.SubjectID
	At      time.Time
}
