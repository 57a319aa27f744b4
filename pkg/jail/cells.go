package jail

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/crystal-mush/gojails/pkg/events"
	"github.com/crystal-mush/gojails/pkg/jaildb"
)

// DefineCell creates a cell or moves an existing one. Names match without
// regard to case; the display name is replaced by the one given.
func (r *Registry) DefineCell(ctx context.Context, name string, loc jaildb.Location) (jaildb.Cell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return jaildb.Cell{}, ErrClosed
	}
	r.flushUnsavedLocked(ctx)
	name = strings.TrimSpace(name)
	if err := jaildb.ValidateCellName(name); err != nil {
		return jaildb.Cell{}, fmt.Errorf("jail: define cell: %w", err)
	}
	cell := jaildb.Cell{Name: name, Location: loc}
	if err := r.backend.UpsertCell(ctx, cell); err != nil {
		return jaildb.Cell{}, fmt.Errorf("jail: define cell %q: %w", name, err)
	}
	r.cells[cell.Key()] = cell
	if obs, ok := r.sink.(events.CellObserver); ok {
		obs.OnCellDefined(cell)
	}
	return cell, nil
}

// RemoveCell deletes a cell. If confinements still reference it the call
// fails with ErrCellInUse unless force is set; with force those records are
// kept (sentence and timer unchanged) with their cell marked missing, and
// their subjects are returned.
func (r *Registry) RemoveCell(ctx context.Context, name string, force bool) (jaildb.Cell, []jaildb.SubjectID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return jaildb.Cell{}, nil, ErrClosed
	}
	r.flushUnsavedLocked(ctx)
	key := jaildb.CellKey(name)
	cell, ok := r.cells[key]
	if !ok {
		return jaildb.Cell{}, nil, fmt.Errorf("jail: remove cell: %w: %q", jaildb.ErrUnknownCell, name)
	}

	var refs []jaildb.SubjectID
	for id, c := range r.confs {
		if c.CellName == key {
			refs = append(refs, id)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	if len(refs) > 0 && !force {
		return jaildb.Cell{}, nil, fmt.Errorf("jail: remove cell %q: %w (%d confinements)", cell.Name, jaildb.ErrCellInUse, len(refs))
	}

	// Each detached record is committed as soon as it is durable, so a
	// failure part way leaves memory matching storage.
	for _, id := range refs {
		detached := r.confs[id].Clone()
		detached.CellName = jaildb.MissingCell
		if err := r.backend.UpsertConfinement(ctx, detached); err != nil {
			return jaildb.Cell{}, nil, fmt.Errorf("jail: remove cell %q: detach %s: %w", cell.Name, id, err)
		}
		r.confs[id] = detached
		delete(r.unsaved, id)
	}
	if err := r.backend.DeleteCell(ctx, key); err != nil {
		return jaildb.Cell{}, nil, fmt.Errorf("jail: remove cell %q: %w", cell.Name, err)
	}
	delete(r.cells, key)

	if len(refs) > 0 {
		r.logf("jail: WARNING: cell %q removed with %d confinements; they now have no cell", cell.Name, len(refs))
	}
	if obs, ok := r.sink.(events.CellObserver); ok {
		obs.OnCellRemoved(cell, refs)
	}
	return cell, refs, nil
}

// Cell returns the cell with the given name.
func (r *Registry) Cell(name string) (jaildb.Cell, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cells[jaildb.CellKey(name)]
	return c, ok
}

// ListCells returns every cell ordered by key.
func (r *Registry) ListCells() []jaildb.Cell {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]jaildb.Cell, 0, len(r.cells))
	for _, c := range r.cells {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Occupants returns the subjects confined in a cell.
func (r *Registry) Occupants(name string) []jaildb.SubjectID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := jaildb.CellKey(name)
	var out []jaildb.SubjectID
	for id, c := range r.confs {
		if c.CellName == key {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
