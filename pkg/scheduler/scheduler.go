// Package scheduler arms one release timer per confined subject and retries
// failed releases with exponential backoff.
//
// Every armed timer carries a generation Token. A fired timer hands its
// token to the owner, which must Claim it inside its own critical section;
// tokens superseded by Schedule or Cancel never claim, so a timer cancelled
// by a completed mutation can never act.
//
// The scheduler never calls back into its owner while holding its own lock.
package scheduler

import (
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/crystal-mush/gojails/pkg/clock"
	"github.com/crystal-mush/gojails/pkg/jaildb"
)

// Token identifies one arming of a subject's timer.
type Token uint64

// State of a subject's entry.
type State int

const (
	StateNone      State = iota // no entry
	StateScheduled              // waiting for the release time
	StateFiring                 // timer fired, owner has not reported back
	StateRetrying               // last release failed, waiting for the next attempt
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateScheduled:
		return "scheduled"
	case StateFiring:
		return "firing"
	case StateRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// FireFunc is called from the timer goroutine (or from FakeClock.Advance)
// without any scheduler lock held.
type FireFunc func(id jaildb.SubjectID, token Token)

// Options tunes the retry policy. Zero values take the defaults below.
type Options struct {
	Clock clock.Clock

	InitialInterval     time.Duration // default 1s
	MaxInterval         time.Duration // default 5m
	Multiplier          float64       // default 2
	RandomizationFactor float64       // default 0

	// AlertAfter consecutive failures raise an operator-visible log line,
	// repeated every AlertAfter further failures. Default 5.
	AlertAfter int

	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 5 * time.Minute
	}
	if o.MaxInterval < o.InitialInterval {
		o.MaxInterval = o.InitialInterval
	}
	if o.Multiplier < 1 {
		o.Multiplier = 2
	}
	if o.RandomizationFactor < 0 || o.RandomizationFactor >= 1 {
		o.RandomizationFactor = 0
	}
	if o.AlertAfter <= 0 {
		o.AlertAfter = 5
	}
	return o
}

type entry struct {
	token    Token
	at       time.Time
	timer    clock.Timer
	state    State
	attempts int
	lastErr  error
	backoff  *backoff.ExponentialBackOff
}

// Info describes one entry for inspection.
type Info struct {
	State    State
	At       time.Time // next fire time
	Attempts int       // consecutive failed releases
	LastErr  error
}

// Stats summarizes the scheduler for metrics.
type Stats struct {
	Scheduled          int
	Firing             int
	Retrying           int
	PersistentFailures int // entries at or beyond AlertAfter failures
	Alerts             int // PERSISTENT FAILURE lines logged so far
}

// Scheduler holds at most one entry per subject.
type Scheduler struct {
	mu      sync.Mutex
	opts    Options
	fire    FireFunc
	entries map[jaildb.SubjectID]*entry
	next    Token
	stopped bool
	alerts  int
}

// New creates a scheduler that calls fire when a timer elapses.
func New(fire FireFunc, opts Options) *Scheduler {
	return &Scheduler{
		opts:    opts.withDefaults(),
		fire:    fire,
		entries: make(map[jaildb.SubjectID]*entry),
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// SetRetryPolicy replaces the backoff settings. Entries already retrying
// pick up the new policy on their next failure.
func (s *Scheduler) SetRetryPolicy(initial, maxInterval time.Duration, multiplier float64, alertAfter int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.opts
	o.InitialInterval, o.MaxInterval, o.Multiplier, o.AlertAfter = initial, maxInterval, multiplier, alertAfter
	s.opts = o.withDefaults()
	for _, e := range s.entries {
		e.backoff = nil
	}
}

// arm starts a timer for e. Caller holds s.mu.
func (s *Scheduler) arm(id jaildb.SubjectID, e *entry, at time.Time) {
	s.next++
	e.token = s.next
	e.at = at
	d := at.Sub(s.opts.Clock.Now())
	if d < 0 {
		d = 0
	}
	tok := e.token
	e.timer = s.opts.Clock.AfterFunc(d, func() { s.onTimer(id, tok) })
}

// Schedule arms (or re-arms) the subject's timer for at, discarding any
// previous entry including its retry state. It returns 0 after Stop.
func (s *Scheduler) Schedule(id jaildb.SubjectID, at time.Time) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	if old, ok := s.entries[id]; ok {
		old.timer.Stop()
	}
	e := &entry{state: StateScheduled}
	s.arm(id, e, at)
	s.entries[id] = e
	return e.token
}

// Cancel removes the subject's entry. It reports whether one existed.
func (s *Scheduler) Cancel(id jaildb.SubjectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, id)
	return true
}

func (s *Scheduler) onTimer(id jaildb.SubjectID, tok Token) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.token != tok || s.stopped {
		s.mu.Unlock()
		return
	}
	e.state = StateFiring
	s.mu.Unlock()

	s.fire(id, tok)
}

// Claim reports whether token is still the subject's live arming. The owner
// calls it under its own lock before acting on a fire.
func (s *Scheduler) Claim(id jaildb.SubjectID, token Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && !s.stopped && e.token == token && e.state == StateFiring
}

// Done clears the entry after a successful release. Stale tokens are ignored.
func (s *Scheduler) Done(id jaildb.SubjectID, token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok && e.token == token {
		delete(s.entries, id)
	}
}

// Retry records a failed release and re-arms the timer after the next
// backoff interval. It returns the consecutive failure count and the delay,
// or zero values if the token is stale.
func (s *Scheduler) Retry(id jaildb.SubjectID, token Token, cause error) (attempt int, next time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.token != token || s.stopped {
		return 0, 0
	}
	if e.backoff == nil {
		e.backoff = s.newBackoff()
	}
	e.attempts++
	e.lastErr = cause
	e.state = StateRetrying
	next = e.backoff.NextBackOff()
	if next < 0 || next > s.opts.MaxInterval {
		next = s.opts.MaxInterval
	}

	n := s.opts.AlertAfter
	if e.attempts >= n && (e.attempts-n)%n == 0 {
		s.alerts++
		s.logf("scheduler: PERSISTENT FAILURE: release of %s failed %d times in a row (last error: %v); still confined, retrying every %s",
			id, e.attempts, cause, next)
	} else {
		s.logf("scheduler: WARNING: release of %s failed (attempt %d): %v; retrying in %s", id, e.attempts, cause, next)
	}

	s.arm(id, e, s.opts.Clock.Now().Add(next))
	return e.attempts, next
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialInterval
	b.MaxInterval = s.opts.MaxInterval
	b.Multiplier = s.opts.Multiplier
	b.RandomizationFactor = s.opts.RandomizationFactor
	b.Reset()
	return b
}

// Lookup returns the subject's entry.
func (s *Scheduler) Lookup(id jaildb.SubjectID) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Info{}, false
	}
	return Info{State: e.state, At: e.at, Attempts: e.attempts, LastErr: e.lastErr}, true
}

// State returns the subject's entry state, StateNone if there is none.
func (s *Scheduler) State(id jaildb.SubjectID) State {
	info, ok := s.Lookup(id)
	if !ok {
		return StateNone
	}
	return info.State
}

// Len returns the number of entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats counts entries by state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Alerts: s.alerts}
	for _, e := range s.entries {
		switch e.state {
		case StateScheduled:
			st.Scheduled++
		case StateFiring:
			st.Firing++
		case StateRetrying:
			st.Retrying++
		}
		if e.attempts >= s.opts.AlertAfter {
			st.PersistentFailures++
		}
	}
	return st
}

// Stop cancels every timer. Later Schedule calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
}
