// Package jail is the jail registry: the authoritative in-memory view of
// cells and confinements, written through to a storage backend, with one
// release timer per timed sentence.
//
// Every mutation runs under one write lock in a fixed order: validate,
// persist, commit to memory, reprogram the scheduler, notify the sink. If
// persistence fails nothing in memory changes. Timer fires take the same
// lock, so a release can never interleave with another mutation of the same
// subject.
package jail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/crystal-mush/gojails/pkg/clock"
	"github.com/crystal-mush/gojails/pkg/events"
	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/crystal-mush/gojails/pkg/scheduler"
	"github.com/crystal-mush/gojails/pkg/storage"
)

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("jail: registry closed")

// Options configures Open. The zero value uses the real clock, discards
// events and keeps the original return location on re-jail.
type Options struct {
	Clock clock.Clock
	Sink  events.Sink
	Retry scheduler.Options

	// ReplaceReturnOnRejail makes re-confining a confined subject take the
	// new request's return location and frozen state instead of keeping the
	// ones captured when the subject was first jailed.
	ReplaceReturnOnRejail bool

	// BackupLocation is the return location of subjects jailed without a
	// known position. Nil leaves their return location as given.
	BackupLocation *jaildb.Location

	Logger *log.Logger
}

// Registry owns every cell and confinement.
type Registry struct {
	mu            sync.RWMutex
	backend       storage.Backend
	clock         clock.Clock
	sink          events.Sink
	sched         *scheduler.Scheduler
	logger        *log.Logger
	replaceReturn bool
	backup        *jaildb.Location
	closed        bool

	cells map[string]jaildb.Cell
	confs map[jaildb.SubjectID]jaildb.Confinement

	// unsaved holds subjects confined in memory whose record is missing from
	// storage: a rejected release could not be written back.
	unsaved map[jaildb.SubjectID]error

	notifyFailures int
}

// Stats is a point-in-time summary.
type Stats struct {
	Cells          int
	Confinements   int
	Indefinite     int
	Unresolved     int // confinements whose cell was removed
	NotifyFailures int
	Unsaved        int // confinements held in memory but missing from storage
	Scheduler      scheduler.Stats
}

// Open loads everything from backend and reconciles it with the clock:
// past-due sentences are released (with ReleaseExpired) before Open returns,
// the rest are scheduled. Corrupt records are logged and skipped.
func Open(ctx context.Context, backend storage.Backend, opts Options) (*Registry, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	r := &Registry{
		backend:       backend,
		clock:         opts.Clock,
		sink:          opts.Sink,
		logger:        opts.Logger,
		replaceReturn: opts.ReplaceReturnOnRejail,
		cells:         make(map[string]jaildb.Cell),
		confs:         make(map[jaildb.SubjectID]jaildb.Confinement),
		unsaved:       make(map[jaildb.SubjectID]error),
	}
	if opts.BackupLocation != nil {
		loc := *opts.BackupLocation
		r.backup = &loc
	}
	retry := opts.Retry
	retry.Clock = opts.Clock
	if retry.Logger == nil {
		retry.Logger = opts.Logger
	}
	r.sched = scheduler.New(r.expire, retry)

	res, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("jail: load: %w", err)
	}
	for _, c := range res.Corrupt {
		r.logf("jail: WARNING: skipping %v", c)
	}
	for _, c := range res.Cells {
		r.cells[c.Key()] = c
	}
	for _, c := range res.Confinements {
		r.confs[c.Subject] = c
	}

	r.mu.Lock()
	r.reconcileLocked(ctx)
	r.mu.Unlock()

	r.logf("jail: loaded %d cells, %d confinements (%d corrupt records skipped)", len(r.cells), len(r.confs), len(res.Corrupt))
	return r, nil
}

func (r *Registry) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// reconcileLocked detaches records from cells that no longer exist, releases
// past-due sentences in release order and schedules the rest.
func (r *Registry) reconcileLocked(ctx context.Context) {
	ids := make([]jaildb.SubjectID, 0, len(r.confs))
	for id := range r.confs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		rec := r.confs[id]
		if !rec.CellResolved() {
			continue
		}
		if _, ok := r.cells[rec.CellName]; ok {
			continue
		}
		r.logf("jail: WARNING: %s is confined in unknown cell %q; marking cell missing", id, rec.CellName)
		detached := rec.Clone()
		detached.CellName = jaildb.MissingCell
		if err := r.backend.UpsertConfinement(ctx, detached); err != nil {
			r.logf("jail: WARNING: could not persist missing cell for %s: %v", id, err)
			continue
		}
		r.confs[id] = detached
	}

	now := r.clock.Now()
	var due []jaildb.Confinement
	for _, id := range ids {
		rec := r.confs[id]
		switch {
		case rec.Indefinite():
		case rec.Expired(now):
			due = append(due, rec)
		default:
			r.sched.Schedule(id, *rec.ReleaseAt)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].ReleaseAt.Before(*due[j].ReleaseAt) })
	for _, rec := range due {
		if _, err := r.releaseLocked(ctx, rec.Subject, jaildb.ReleaseExpired); err != nil {
			r.logf("jail: WARNING: release of past-due %s failed at startup: %v", rec.Subject, err)
			tok := r.sched.Schedule(rec.Subject, now)
			r.sched.Retry(rec.Subject, tok, err)
		}
	}
}

// releaseLocked deletes the record, then notifies the sink. If the sink
// rejects the release the record is put back (in storage and memory) and
// ErrNotifyFailed is returned. The scheduler is not touched.
func (r *Registry) releaseLocked(ctx context.Context, id jaildb.SubjectID, reason jaildb.ReleaseReason) (jaildb.Confinement, error) {
	rec, ok := r.confs[id]
	if !ok {
		return jaildb.Confinement{}, fmt.Errorf("jail: release %s: %w", id, jaildb.ErrNotConfined)
	}
	if err := r.backend.DeleteConfinement(ctx, id); err != nil {
		return jaildb.Confinement{}, fmt.Errorf("jail: release %s: %w", id, err)
	}
	delete(r.confs, id)
	delete(r.unsaved, id)

	out := rec.Clone()
	if out.ReturnUnknown && r.backup != nil {
		out.Return = *r.backup
	}
	if err := r.sink.OnReleased(out.Clone(), reason); err != nil {
		r.notifyFailures++
		r.confs[id] = rec
		if perr := r.backend.UpsertConfinement(ctx, rec); perr != nil {
			r.unsaved[id] = perr
			r.logf("jail: PERSISTENT FAILURE: %s release rejected by sink and could not be re-persisted (%v); confined in memory only until storage recovers", id, perr)
		}
		return jaildb.Confinement{}, fmt.Errorf("jail: release %s: %w: %w", id, jaildb.ErrNotifyFailed, err)
	}
	r.logf("jail: released %s (%s)", id, reason)
	return out, nil
}

// flushUnsavedLocked writes back records a rejected release left missing
// from storage. Every mutation and timer fire calls it first.
func (r *Registry) flushUnsavedLocked(ctx context.Context) {
	for id := range r.unsaved {
		rec, ok := r.confs[id]
		if !ok {
			delete(r.unsaved, id)
			continue
		}
		if err := r.backend.UpsertConfinement(ctx, rec); err != nil {
			r.unsaved[id] = err
			continue
		}
		delete(r.unsaved, id)
		r.logf("jail: %s re-persisted after an earlier storage failure", id)
	}
}

// expire is the scheduler's fire callback.
func (r *Registry) expire(id jaildb.SubjectID, tok scheduler.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.sched.Claim(id, tok) {
		return
	}
	r.flushUnsavedLocked(context.Background())
	rec, ok := r.confs[id]
	if !ok || rec.Indefinite() {
		r.sched.Done(id, tok)
		return
	}
	if !rec.Expired(r.clock.Now()) {
		r.sched.Schedule(id, *rec.ReleaseAt)
		return
	}
	if _, err := r.releaseLocked(context.Background(), id, jaildb.ReleaseExpired); err != nil {
		r.sched.Retry(id, tok, err)
		return
	}
	r.sched.Done(id, tok)
}

func (r *Registry) notify(what string, id jaildb.SubjectID, err error) {
	if err == nil {
		return
	}
	r.notifyFailures++
	r.logf("jail: WARNING: %s notification for %s failed: %v", what, id, err)
}

// ConfineRequest describes a new sentence.
type ConfineRequest struct {
	Subject     jaildb.SubjectID
	SubjectName string
	Cell        string
	Duration    time.Duration // ignored when Indefinite
	Indefinite  bool
	Return      jaildb.Location
	Frozen      []byte
	JailedBy    string

	// ReturnUnknown says Return is not a real position. The registry's
	// backup location is stored in its place.
	ReturnUnknown bool

	// OverwriteReturn replaces the return location and frozen state of a
	// subject that is already confined.
	OverwriteReturn bool
}

// Confine jails a subject, or re-jails one that is already confined. A
// re-jail replaces the cell and sentence and keeps the return location and
// frozen state unless OverwriteReturn (or the registry option) says otherwise.
// A kept return location that was only a placeholder is replaced by a known one.
func (r *Registry) Confine(ctx context.Context, req ConfineRequest) (jaildb.Confinement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return jaildb.Confinement{}, ErrClosed
	}
	r.flushUnsavedLocked(ctx)

	key := jaildb.CellKey(req.Cell)
	if _, ok := r.cells[key]; !ok {
		return jaildb.Confinement{}, fmt.Errorf("jail: confine %s: %w: %q", req.Subject, jaildb.ErrUnknownCell, req.Cell)
	}
	if !req.Indefinite && req.Duration <= 0 {
		return jaildb.Confinement{}, fmt.Errorf("jail: confine %s: %w: duration %s", req.Subject, jaildb.ErrInvalidSentence, req.Duration)
	}

	now := r.clock.Now()
	rec := jaildb.Confinement{
		Subject:       req.Subject,
		SubjectName:   req.SubjectName,
		CellName:      key,
		Return:        req.Return,
		ReturnUnknown: req.ReturnUnknown,
		JailedAt:      now,
		JailedBy:      req.JailedBy,
		Frozen:        append([]byte(nil), req.Frozen...),
	}
	if len(req.Frozen) == 0 {
		rec.Frozen = nil
	}
	if !req.Indefinite {
		at := now.Add(req.Duration)
		rec.ReleaseAt = &at
		rec.OriginalDuration = req.Duration
	}
	if rec.ReturnUnknown && r.backup != nil {
		rec.Return = *r.backup
	}
	prev, rejail := r.confs[req.Subject]
	if rejail && !req.OverwriteReturn && !r.replaceReturn {
		if !prev.ReturnUnknown || rec.ReturnUnknown {
			rec.Return, rec.ReturnUnknown = prev.Return, prev.ReturnUnknown
		}
		if len(prev.Frozen) > 0 {
			rec.Frozen = prev.Clone().Frozen
		}
	}
	if rejail && rec.SubjectName == "" {
		rec.SubjectName = prev.SubjectName
	}
	if err := rec.Validate(); err != nil {
		return jaildb.Confinement{}, fmt.Errorf("jail: confine: %w", err)
	}

	if err := r.backend.UpsertConfinement(ctx, rec); err != nil {
		return jaildb.Confinement{}, fmt.Errorf("jail: confine %s: %w", req.Subject, err)
	}
	r.confs[rec.Subject] = rec
	delete(r.unsaved, rec.Subject)

	if rec.ReleaseAt != nil {
		r.sched.Schedule(rec.Subject, *rec.ReleaseAt)
	} else {
		r.sched.Cancel(rec.Subject)
	}
	r.notify("confine", rec.Subject, r.sink.OnConfined(rec.Clone()))
	return rec.Clone(), nil
}

// Release frees a confined subject now. On ErrNotifyFailed the subject stays
// confined and its timer, if any, stays armed.
func (r *Registry) Release(ctx context.Context, id jaildb.SubjectID, reason jaildb.ReleaseReason) (jaildb.Confinement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return jaildb.Confinement{}, ErrClosed
	}
	r.flushUnsavedLocked(ctx)
	rec, err := r.releaseLocked(ctx, id, reason)
	if err != nil {
		return jaildb.Confinement{}, err
	}
	r.sched.Cancel(id)
	return rec, nil
}

// update applies fn to a copy of the subject's record and writes it through.
// fn returns false to report that nothing changed.
func (r *Registry) update(ctx context.Context, op string, id jaildb.SubjectID, fn func(c *jaildb.Confinement) (bool, error)) (jaildb.Confinement, bool, error) {
	if r.closed {
		return jaildb.Confinement{}, false, ErrClosed
	}
	r.flushUnsavedLocked(ctx)
	cur, ok := r.confs[id]
	if !ok {
		return jaildb.Confinement{}, false, fmt.Errorf("jail: %s %s: %w", op, id, jaildb.ErrNotConfined)
	}
	next := cur.Clone()
	changed, err := fn(&next)
	if err != nil {
		return jaildb.Confinement{}, false, fmt.Errorf("jail: %s %s: %w", op, id, err)
	}
	if !changed {
		return cur.Clone(), false, nil
	}
	if err := next.Validate(); err != nil {
		return jaildb.Confinement{}, false, fmt.Errorf("jail: %s %s: %w", op, id, err)
	}
	if err := r.backend.UpsertConfinement(ctx, next); err != nil {
		return jaildb.Confinement{}, false, fmt.Errorf("jail: %s %s: %w", op, id, err)
	}
	r.confs[id] = next
	delete(r.unsaved, id)
	return next.Clone(), true, nil
}

// Extend moves a timed sentence's release by delta, which may be negative.
// A release moved to or before now happens on the next timer fire.
func (r *Registry) Extend(ctx context.Context, id jaildb.SubjectID, delta time.Duration) (jaildb.Confinement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, _, err := r.update(ctx, "extend", id, func(c *jaildb.Confinement) (bool, error) {
		if c.Indefinite() {
			return false, jaildb.ErrIndefiniteSentence
		}
		at := c.ReleaseAt.Add(delta)
		if !at.After(c.JailedAt) {
			return false, fmt.Errorf("%w: release would be at or before jailing", jaildb.ErrInvalidSentence)
		}
		c.ReleaseAt = &at
		return true, nil
	})
	if err != nil {
		return jaildb.Confinement{}, err
	}
	r.sched.Schedule(id, *rec.ReleaseAt)
	r.notify("extend", id, r.sink.OnExtended(rec.Clone()))
	return rec, nil
}

// ConvertToTimed gives a subject a sentence ending d from now. It is the
// only way to put an indefinite sentence on a timer; on a timed sentence it
// replaces the remaining time.
func (r *Registry) ConvertToTimed(ctx context.Context, id jaildb.SubjectID, d time.Duration) (jaildb.Confinement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	rec, _, err := r.update(ctx, "convert to timed", id, func(c *jaildb.Confinement) (bool, error) {
		if d <= 0 {
			return false, fmt.Errorf("%w: duration %s", jaildb.ErrInvalidSentence, d)
		}
		at := now.Add(d)
		if c.Indefinite() {
			c.OriginalDuration = d
		}
		c.ReleaseAt = &at
		return true, nil
	})
	if err != nil {
		return jaildb.Confinement{}, err
	}
	r.sched.Schedule(id, *rec.ReleaseAt)
	r.notify("convert", id, r.sink.OnExtended(rec.Clone()))
	return rec, nil
}

// MakeIndefinite removes a sentence's release time and its timer. An
// indefinite sentence is returned unchanged without notification.
func (r *Registry) MakeIndefinite(ctx context.Context, id jaildb.SubjectID) (jaildb.Confinement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, changed, err := r.update(ctx, "make indefinite", id, func(c *jaildb.Confinement) (bool, error) {
		if c.Indefinite() {
			return false, nil
		}
		c.ReleaseAt = nil
		return true, nil
	})
	if err != nil || !changed {
		return rec, err
	}
	r.sched.Cancel(id)
	r.notify("make indefinite", id, r.sink.OnExtended(rec.Clone()))
	return rec, nil
}

// Relocate moves a confined subject to another cell without touching the
// sentence or return location. The sink sees it as a confinement so the host
// moves the subject.
func (r *Registry) Relocate(ctx context.Context, id jaildb.SubjectID, cell string) (jaildb.Confinement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := jaildb.CellKey(cell)
	rec, changed, err := r.update(ctx, "relocate", id, func(c *jaildb.Confinement) (bool, error) {
		if _, ok := r.cells[key]; !ok {
			return false, fmt.Errorf("%w: %q", jaildb.ErrUnknownCell, cell)
		}
		if c.CellName == key {
			return false, nil
		}
		c.CellName = key
		return true, nil
	})
	if err != nil || !changed {
		return rec, err
	}
	r.notify("relocate", id, r.sink.OnConfined(rec.Clone()))
	return rec, nil
}

// Lookup returns a copy of the subject's record.
func (r *Registry) Lookup(id jaildb.SubjectID) (jaildb.Confinement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.confs[id]
	if !ok {
		return jaildb.Confinement{}, false
	}
	return c.Clone(), true
}

// ListConfinements returns copies of every record, oldest first.
func (r *Registry) ListConfinements() []jaildb.Confinement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]jaildb.Confinement, 0, len(r.confs))
	for _, c := range r.confs {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JailedAt.Equal(out[j].JailedAt) {
			return out[i].JailedAt.Before(out[j].JailedAt)
		}
		return out[i].Subject.String() < out[j].Subject.String()
	})
	return out
}

// SetBackupLocation replaces the return location used for subjects jailed
// without a known position. Nil clears it.
func (r *Registry) SetBackupLocation(loc *jaildb.Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if loc == nil {
		r.backup = nil
		return
	}
	l := *loc
	r.backup = &l
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time { return r.clock.Now() }

// Timer returns the scheduler's view of a subject.
func (r *Registry) Timer(id jaildb.SubjectID) (scheduler.Info, bool) {
	return r.sched.Lookup(id)
}

// SetRetryPolicy changes the backoff applied to failed timed releases.
func (r *Registry) SetRetryPolicy(initial, maxInterval time.Duration, multiplier float64, alertAfter int) {
	r.sched.SetRetryPolicy(initial, maxInterval, multiplier, alertAfter)
}

// Stats summarizes the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Cells: len(r.cells), Confinements: len(r.confs), NotifyFailures: r.notifyFailures, Unsaved: len(r.unsaved)}
	for _, c := range r.confs {
		if c.Indefinite() {
			st.Indefinite++
		}
		if !c.CellResolved() {
			st.Unresolved++
		}
	}
	st.Scheduler = r.sched.Stats()
	return st
}

// Close stops every timer. The backend is left open for its owner to close.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.sched.Stop()
	return nil
}
