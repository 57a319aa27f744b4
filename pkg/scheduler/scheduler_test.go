package scheduler

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crystal-mush/gojails/pkg/clock"
	"github.com/crystal-mush/gojails/pkg/jaildb"
)

var epoch = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type fire struct {
	id  jaildb.SubjectID
	tok Token
}

type harness struct {
	clk   *clock.FakeClock
	s     *Scheduler
	fires []fire
	logs  bytes.Buffer
}

func newHarness(opts Options) *harness {
	h := &harness{clk: clock.Fake(epoch)}
	opts.Clock = h.clk
	opts.Logger = log.New(&h.logs, "", 0)
	h.s = New(func(id jaildb.SubjectID, tok Token) {
		h.fires = append(h.fires, fire{id, tok})
	}, opts)
	return h
}

func TestScheduleFiresOnce(t *testing.T) {
	h := newHarness(Options{})
	id := uuid.New()
	tok := h.s.Schedule(id, epoch.Add(2*time.Second))

	h.clk.Advance(time.Second)
	if len(h.fires) != 0 {
		t.Fatal("fired early")
	}
	h.clk.Advance(time.Second)
	if len(h.fires) != 1 || h.fires[0].tok != tok {
		t.Fatalf("expected one fire with token %d, got %+v", tok, h.fires)
	}
	if st := h.s.State(id); st != StateFiring {
		t.Errorf("expected firing state, got %s", st)
	}
	if !h.s.Claim(id, tok) {
		t.Fatal("live token should claim")
	}
	h.s.Done(id, tok)
	if h.s.Len() != 0 {
		t.Error("Done should clear the entry")
	}
	h.clk.Advance(time.Hour)
	if len(h.fires) != 1 {
		t.Errorf("timer fired again: %d", len(h.fires))
	}
}

func TestRescheduleSupersedesToken(t *testing.T) {
	h := newHarness(Options{})
	id := uuid.New()
	old := h.s.Schedule(id, epoch.Add(time.Second))
	fresh := h.s.Schedule(id, epoch.Add(10*time.Second))
	if old == fresh {
		t.Fatal("re-scheduling must issue a new token")
	}

	h.clk.Advance(5 * time.Second)
	if len(h.fires) != 0 {
		t.Fatal("superseded timer fired")
	}
	if h.s.Claim(id, old) {
		t.Error("superseded token claimed")
	}
	h.clk.Advance(5 * time.Second)
	if len(h.fires) != 1 || h.fires[0].tok != fresh {
		t.Fatalf("expected fresh token fire, got %+v", h.fires)
	}
}

func TestCancelPreventsClaim(t *testing.T) {
	h := newHarness(Options{})
	id := uuid.New()
	tok := h.s.Schedule(id, epoch.Add(time.Second))
	h.clk.Advance(time.Second)

	// The fire happened, but a mutation cancelled before the owner claimed.
	if !h.s.Cancel(id) {
		t.Fatal("Cancel should report the entry")
	}
	if h.s.Claim(id, tok) {
		t.Error("cancelled token claimed")
	}
	if h.s.Cancel(id) {
		t.Error("second Cancel should report nothing")
	}
}

func TestPastDueFiresOnNextAdvance(t *testing.T) {
	h := newHarness(Options{})
	id := uuid.New()
	h.s.Schedule(id, epoch.Add(-time.Hour))
	if len(h.fires) != 0 {
		t.Fatal("Schedule must never fire synchronously")
	}
	h.clk.Advance(0)
	if len(h.fires) != 1 {
		t.Fatalf("past-due entry should fire on next advance, got %d", len(h.fires))
	}
}

func TestRetryBackoff(t *testing.T) {
	h := newHarness(Options{InitialInterval: time.Second, MaxInterval: 4 * time.Second, Multiplier: 2, AlertAfter: 3})
	id := uuid.New()
	tok := h.s.Schedule(id, epoch)
	h.clk.Advance(0)
	cause := errors.New("disk full")

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if !h.s.Claim(id, tok) {
			t.Fatalf("attempt %d: claim failed", i+1)
		}
		attempt, next := h.s.Retry(id, tok, cause)
		if attempt != i+1 || next != w {
			t.Fatalf("attempt %d: got (%d, %s), want (%d, %s)", i+1, attempt, next, i+1, w)
		}
		info, _ := h.s.Lookup(id)
		if info.State != StateRetrying || !errors.Is(info.LastErr, cause) {
			t.Fatalf("unexpected info %+v", info)
		}
		h.clk.Advance(w)
		tok = h.fires[len(h.fires)-1].tok
	}
	if len(h.fires) != 5 {
		t.Errorf("expected 5 fires (initial + 4 retries), got %d", len(h.fires))
	}

	st := h.s.Stats()
	if st.PersistentFailures != 1 || st.Alerts != 1 {
		t.Errorf("expected one persistent failure alert, got %+v", st)
	}
	if !strings.Contains(h.logs.String(), "PERSISTENT FAILURE") {
		t.Errorf("missing alert line in %q", h.logs.String())
	}
}

func TestAlertRepeatsEveryThreshold(t *testing.T) {
	h := newHarness(Options{InitialInterval: time.Second, MaxInterval: time.Second, AlertAfter: 2})
	id := uuid.New()
	tok := h.s.Schedule(id, epoch)
	h.clk.Advance(0)
	for i := 0; i < 6; i++ {
		h.s.Retry(id, tok, errors.New("down"))
		h.clk.Advance(time.Second)
		tok = h.fires[len(h.fires)-1].tok
	}
	if got := h.s.Stats().Alerts; got != 3 {
		t.Errorf("expected alerts at attempts 2, 4 and 6, got %d", got)
	}
}

func TestRetryStaleTokenIgnored(t *testing.T) {
	h := newHarness(Options{})
	id := uuid.New()
	old := h.s.Schedule(id, epoch)
	h.s.Schedule(id, epoch.Add(time.Minute))
	if attempt, next := h.s.Retry(id, old, errors.New("x")); attempt != 0 || next != 0 {
		t.Errorf("stale retry should be ignored, got (%d, %s)", attempt, next)
	}
	if h.s.State(id) != StateScheduled {
		t.Errorf("stale retry changed state to %s", h.s.State(id))
	}
}

func TestScheduleResetsRetryState(t *testing.T) {
	h := newHarness(Options{})
	id := uuid.New()
	tok := h.s.Schedule(id, epoch)
	h.clk.Advance(0)
	h.s.Retry(id, tok, errors.New("x"))
	h.s.Schedule(id, epoch.Add(time.Hour))
	info, _ := h.s.Lookup(id)
	if info.Attempts != 0 || info.State != StateScheduled {
		t.Errorf("expected fresh entry, got %+v", info)
	}
}

func TestStop(t *testing.T) {
	h := newHarness(Options{})
	h.s.Schedule(uuid.New(), epoch.Add(time.Second))
	h.s.Stop()
	h.clk.Advance(time.Minute)
	if len(h.fires) != 0 {
		t.Error("stopped scheduler fired")
	}
	if tok := h.s.Schedule(uuid.New(), epoch); tok != 0 {
		t.Error("Schedule after Stop should be ignored")
	}
	if h.clk.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", h.clk.Pending())
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		StateNone: "none", StateScheduled: "scheduled", StateFiring: "firing", StateRetrying: "retrying", State(9): "unknown",
	} {
		if st.String() != want {
			t.Errorf("State(%d) = %q, want %q", st, st.String(), want)
		}
	}
}
