package events

import (
	"errors"
	"log"
	"time"

	"github.com/crystal-mush/gojails/pkg/jaildb"
)

// Sink receives the three confinement notifications. The registry calls it
// only after the change is durable, from inside its critical section, so a
// Sink must not call back into the registry and must not block for long.
//
// An error from OnReleased makes the registry undo the release.
type Sink interface {
	OnConfined(c jaildb.Confinement) error
	OnReleased(c jaildb.Confinement, reason jaildb.ReleaseReason) error
	OnExtended(c jaildb.Confinement) error
}

// CellObserver is optionally implemented by a Sink that wants cell
// lifecycle notifications. Errors are not part of the contract.
type CellObserver interface {
	OnCellDefined(c jaildb.Cell)
	OnCellRemoved(c jaildb.Cell, cleared []jaildb.SubjectID)
}

// Funcs adapts plain functions to a Sink. Nil fields accept the event.
type Funcs struct {
	Confined func(jaildb.Confinement) error
	Released func(jaildb.Confinement, jaildb.ReleaseReason) error
	Extended func(jaildb.Confinement) error
}

func (f Funcs) OnConfined(c jaildb.Confinement) error {
	if f.Confined == nil {
		return nil
	}
	return f.Confined(c)
}

func (f Funcs) OnReleased(c jaildb.Confinement, r jaildb.ReleaseReason) error {
	if f.Released == nil {
		return nil
	}
	return f.Released(c, r)
}

func (f Funcs) OnExtended(c jaildb.Confinement) error {
	if f.Extended == nil {
		return nil
	}
	return f.Extended(c)
}

// Discard accepts every event.
var Discard Sink = Funcs{}

// LogSink writes one line per event. It never fails.
type LogSink struct {
	Logger *log.Logger // nil uses the standard logger
}

func (s LogSink) printf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func releaseText(c jaildb.Confinement) string {
	if c.ReleaseAt == nil {
		return "indefinitely"
	}
	return "until " + c.ReleaseAt.Format(time.RFC3339)
}

func (s LogSink) OnConfined(c jaildb.Confinement) error {
	s.printf("events: %s (%s) confined in %q %s by %q", c.Subject, c.SubjectName, c.CellName, releaseText(c), c.JailedBy)
	return nil
}

func (s LogSink) OnReleased(c jaildb.Confinement, r jaildb.ReleaseReason) error {
	s.printf("events: %s (%s) released (%s), return to %s", c.Subject, c.SubjectName, r, c.Return)
	return nil
}

func (s LogSink) OnExtended(c jaildb.Confinement) error {
	s.printf("events: %s (%s) sentence now %s", c.Subject, c.SubjectName, releaseText(c))
	return nil
}

func (s LogSink) OnCellDefined(c jaildb.Cell) {
	s.printf("events: cell %q defined at %s", c.Name, c.Location)
}

func (s LogSink) OnCellRemoved(c jaildb.Cell, cleared []jaildb.SubjectID) {
	if len(cleared) > 0 {
		s.printf("events: WARNING: cell %q removed, %d confinement(s) left without a cell", c.Name, len(cleared))
		return
	}
	s.printf("events: cell %q removed", c.Name)
}

// Tee fans every notification out to each sink in order and joins their
// errors. Cell notifications reach the sinks that are CellObservers.
func Tee(sinks ...Sink) Sink { return tee(sinks) }

type tee []Sink

func (t tee) OnConfined(c jaildb.Confinement) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.OnConfined(c.Clone()))
	}
	return errors.Join(errs...)
}

func (t tee) OnReleased(c jaildb.Confinement, r jaildb.ReleaseReason) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.OnReleased(c.Clone(), r))
	}
	return errors.Join(errs...)
}

func (t tee) OnExtended(c jaildb.Confinement) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.OnExtended(c.Clone()))
	}
	return errors.Join(errs...)
}

func (t tee) OnCellDefined(c jaildb.Cell) {
	for _, s := range t {
		if o, ok := s.(CellObserver); ok {
			o.OnCellDefined(c)
		}
	}
}

func (t tee) OnCellRemoved(c jaildb.Cell, cleared []jaildb.SubjectID) {
	for _, s := range t {
		if o, ok := s.(CellObserver); ok {
			o.OnCellRemoved(c, cleared)
		}
	}
}
