package events

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crystal-mush/gojails/pkg/jaildb"
)

// mockSubscriber implements Subscriber for testing.
type mockSubscriber struct {
	mu       sync.Mutex
	events   []Event
	isClosed bool
	fail     error
}

func (m *mockSubscriber) Receive(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.fail
}

func (m *mockSubscriber) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isClosed
}

func (m *mockSubscriber) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Event, len(m.events))
	copy(cp, m.events)
	return cp
}

var fixed = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func newTestBus() *Bus {
	b := NewBus()
	b.Now = func() time.Time { return fixed }
	return b
}

func TestBusEmitToSubject(t *testing.T) {
	bus := newTestBus()
	sub := &mockSubscriber{}
	other := &mockSubscriber{}

	subject := uuid.New()
	bus.Subscribe(subject, sub)
	bus.Subscribe(uuid.New(), other)

	if err := bus.OnConfined(jaildb.Confinement{Subject: subject, CellName: "alcatraz"}); err != nil {
		t.Fatal(err)
	}

	events := sub.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EvConfined || events[0].Cell != "alcatraz" {
		t.Errorf("unexpected event %+v", events[0])
	}
	if !events[0].At.Equal(fixed) {
		t.Errorf("expected event stamped %v, got %v", fixed, events[0].At)
	}
	if len(other.Events()) != 0 {
		t.Error("event leaked to another subject's subscriber")
	}
}

func TestBusGlobalSubscriber(t *testing.T) {
	bus := newTestBus()
	global := &mockSubscriber{}
	bus.SubscribeGlobal(global)

	rec := jaildb.Confinement{Subject: uuid.New(), Frozen: []byte("inv")}
	if err := bus.OnReleased(rec, jaildb.ReleaseExpired); err != nil {
		t.Fatal(err)
	}
	bus.OnCellDefined(jaildb.Cell{Name: "Block-C"})

	events := global.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 global events, got %d", len(events))
	}
	if events[0].Reason != jaildb.ReleaseExpired {
		t.Errorf("expected expired reason, got %v", events[0].Reason)
	}
	events[0].Record.Frozen[0] = 'X'
	if rec.Frozen[0] != 'i' {
		t.Error("event record shares Frozen with the caller")
	}
	if events[1].Type != EvCellDefined || events[1].Cell != "Block-C" {
		t.Errorf("unexpected cell event %+v", events[1])
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := newTestBus()
	sub := &mockSubscriber{}
	global := &mockSubscriber{}
	subject := uuid.New()

	bus.Subscribe(subject, sub)
	bus.Unsubscribe(subject, sub)
	bus.SubscribeGlobal(global)
	bus.UnsubscribeGlobal(global)

	_ = bus.OnExtended(jaildb.Confinement{Subject: subject})

	if len(sub.Events()) != 0 || len(global.Events()) != 0 {
		t.Error("expected no events after unsubscribe")
	}
	if bus.SubjectSubscribers(subject) != 0 {
		t.Error("empty subject entry should be removed")
	}
}

func TestBusClosedSubscriberSkipped(t *testing.T) {
	bus := newTestBus()
	sub := &mockSubscriber{isClosed: true}
	subject := uuid.New()

	bus.Subscribe(subject, sub)
	_ = bus.OnConfined(jaildb.Confinement{Subject: subject})

	if len(sub.Events()) != 0 {
		t.Error("closed subscriber should not receive events")
	}
}

func TestBusJoinsDeliveryErrors(t *testing.T) {
	bus := newTestBus()
	errA := errors.New("bridge offline")
	errB := errors.New("queue full")
	ok := &mockSubscriber{}
	bus.SubscribeGlobal(&mockSubscriber{fail: errA})
	bus.SubscribeGlobal(ok)
	bus.SubscribeGlobal(&mockSubscriber{fail: errB})

	err := bus.OnReleased(jaildb.Confinement{Subject: uuid.New()}, jaildb.ReleaseManual)
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both errors joined, got %v", err)
	}
	if len(ok.Events()) != 1 {
		t.Error("a failing subscriber must not stop delivery to the others")
	}
}

func TestBusCleanup(t *testing.T) {
	bus := newTestBus()
	active := &mockSubscriber{}
	closed := &mockSubscriber{isClosed: true}
	subject := uuid.New()

	bus.Subscribe(subject, active)
	bus.Subscribe(subject, closed)
	bus.SubscribeGlobal(&mockSubscriber{isClosed: true})

	bus.Cleanup()

	if bus.SubjectSubscribers(subject) != 1 {
		t.Errorf("expected 1 active subscriber, got %d", bus.SubjectSubscribers(subject))
	}
	if bus.GlobalSubscribers() != 0 {
		t.Errorf("expected 0 global subscribers, got %d", bus.GlobalSubscribers())
	}
}

func TestFuncsNilFieldsAccept(t *testing.T) {
	var s Sink = Funcs{}
	if s.OnConfined(jaildb.Confinement{}) != nil ||
		s.OnReleased(jaildb.Confinement{}, jaildb.ReleaseManual) != nil ||
		s.OnExtended(jaildb.Confinement{}) != nil {
		t.Error("zero Funcs should accept every event")
	}

	boom := errors.New("boom")
	s = Funcs{Released: func(jaildb.Confinement, jaildb.ReleaseReason) error { return boom }}
	if err := s.OnReleased(jaildb.Confinement{}, jaildb.ReleaseExpired); err != boom {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := LogSink{Logger: log.New(&buf, "", 0)}
	at := fixed.Add(time.Hour)
	_ = s.OnConfined(jaildb.Confinement{SubjectName: "Steve", CellName: "alcatraz", ReleaseAt: &at})
	s.OnCellRemoved(jaildb.Cell{Name: "alcatraz"}, []jaildb.SubjectID{uuid.New()})

	out := buf.String()
	if !strings.Contains(out, "confined in \"alcatraz\" until 2026-04-01T11:00:00Z") {
		t.Errorf("unexpected log output: %q", out)
	}
	if !strings.Contains(out, "WARNING: cell \"alcatraz\" removed") {
		t.Errorf("missing removal warning: %q", out)
	}
}

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		t    EventType
		want string
	}{
		{EvConfined, "confined"},
		{EvReleased, "released"},
		{EvExtended, "extended"},
		{EvCellDefined, "cell_defined"},
		{EvCellRemoved, "cell_removed"},
		{EventType(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("EventType(%d).String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestTee(t *testing.T) {
	bus := newTestBus()
	global := &mockSubscriber{}
	bus.SubscribeGlobal(global)
	var buf bytes.Buffer
	boom := errors.New("boom")
	var seen int
	s := Tee(bus, LogSink{Logger: log.New(&buf, "", 0)}, Funcs{Released: func(jaildb.Confinement, jaildb.ReleaseReason) error {
		seen++
		return boom
	}})

	err := s.OnReleased(jaildb.Confinement{Subject: uuid.New()}, jaildb.ReleaseManual)
	if !errors.Is(err, boom) || seen != 1 {
		t.Errorf("expected joined boom error, got %v", err)
	}
	if len(global.Events()) != 1 || !strings.Contains(buf.String(), "released (manual)") {
		t.Error("every sink should see the release")
	}

	s.(CellObserver).OnCellRemoved(jaildb.Cell{Name: "alcatraz"}, nil)
	if evs := global.Events(); len(evs) != 2 || evs[1].Type != EvCellRemoved {
		t.Errorf("cell event not forwarded: %+v", evs)
	}
}
