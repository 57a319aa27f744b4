package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crystal-mush/gojails/pkg/jaildb"
)

// Subscriber receives events from the bus. A non-nil error from Receive is
// reported back to the registry as a sink failure.
type Subscriber interface {
	Receive(ev Event) error
	Closed() bool
}

// Bus is a per-subject pub/sub event bus with support for global subscribers.
// It implements Sink and CellObserver, so the registry notifies it directly
// and each subscriber (websocket stream, metrics, host bridge) encodes events
// for its own transport.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[jaildb.SubjectID][]Subscriber
	global      []Subscriber

	// Now stamps events. Defaults to time.Now.
	Now func() time.Time
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[jaildb.SubjectID][]Subscriber),
		Now:         time.Now,
	}
}

// Subscribe registers a subscriber for a specific subject's events.
func (b *Bus) Subscribe(subject jaildb.SubjectID, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[subject] = append(b.subscribers[subject], sub)
}

// Unsubscribe removes a subscriber for a specific subject.
func (b *Bus) Unsubscribe(subject jaildb.SubjectID, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[subject]
	for i, s := range subs {
		if s == sub {
			b.subscribers[subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[subject]) == 0 {
		delete(b.subscribers, subject)
	}
}

// SubscribeGlobal registers a subscriber that receives all events.
func (b *Bus) SubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, sub)
}

// UnsubscribeGlobal removes a global subscriber.
func (b *Bus) UnsubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.global {
		if s == sub {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			return
		}
	}
}

// Emit sends an event to the subscribers of ev.Subject and all global
// subscribers. Every open subscriber is tried; their errors are joined.
func (b *Bus) Emit(ev Event) error {
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	subs := b.subscribers[ev.Subject]
	globals := b.global
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if !s.Closed() {
			if err := s.Receive(ev); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, s := range globals {
		if !s.Closed() {
			if err := s.Receive(ev); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("events: %s delivery: %w", ev.Type, errors.Join(errs...))
	}
	return nil
}

func (b *Bus) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

func record(c jaildb.Confinement) *jaildb.Confinement {
	cp := c.Clone()
	return &cp
}

// OnConfined implements Sink.
func (b *Bus) OnConfined(c jaildb.Confinement) error {
	return b.Emit(Event{Type: EvConfined, Subject: c.Subject, Cell: c.CellName, Record: record(c)})
}

// OnReleased implements Sink.
func (b *Bus) OnReleased(c jaildb.Confinement, reason jaildb.ReleaseReason) error {
	return b.Emit(Event{Type: EvReleased, Subject: c.Subject, Cell: c.CellName, Reason: reason, Record: record(c)})
}

// OnExtended implements Sink.
func (b *Bus) OnExtended(c jaildb.Confinement) error {
	return b.Emit(Event{Type: EvExtended, Subject: c.Subject, Cell: c.CellName, Record: record(c)})
}

// OnCellDefined implements CellObserver. Cell events only reach global subscribers.
func (b *Bus) OnCellDefined(c jaildb.Cell) {
	_ = b.Emit(Event{Type: EvCellDefined, Cell: c.Name})
}

// OnCellRemoved implements CellObserver.
func (b *Bus) OnCellRemoved(c jaildb.Cell, cleared []jaildb.SubjectID) {
	_ = b.Emit(Event{Type: EvCellRemoved, Cell: c.Name, Cleared: append([]jaildb.SubjectID(nil), cleared...)})
}

// SubjectSubscribers returns the number of subscribers for a subject.
func (b *Bus) SubjectSubscribers(subject jaildb.SubjectID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[subject])
}

// GlobalSubscribers returns the number of global subscribers.
func (b *Bus) GlobalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.global)
}

// Cleanup removes closed subscribers from all lists.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, subs := range b.subscribers {
		var active []Subscriber
		for _, s := range subs {
			if !s.Closed() {
				active = append(active, s)
			}
		}
		if len(active) == 0 {
			delete(b.subscribers, subject)
		} else {
			b.subscribers[subject] = active
		}
	}

	var activeGlobal []Subscriber
	for _, s := range b.global {
		if !s.Closed() {
			activeGlobal = append(activeGlobal, s)
		}
	}
	b.global = activeGlobal
}
