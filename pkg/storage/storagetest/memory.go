// Package storagetest provides an in-memory Backend with failure injection
// and a conformance suite every storage backend runs.
package storagetest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/crystal-mush/gojails/pkg/jaildb"
)

// Operation names accepted by FailNext.
const (
	OpLoadAll           = "LoadAll"
	OpUpsertCell        = "UpsertCell"
	OpDeleteCell        = "DeleteCell"
	OpUpsertConfinement = "UpsertConfinement"
	OpDeleteConfinement = "DeleteConfinement"
)

// ErrInjected is the cause of every injected failure.
var ErrInjected = errors.New("storagetest: injected failure")

// Memory is a Backend held entirely in memory. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	cells   map[string]jaildb.Cell
	confs   map[jaildb.SubjectID]jaildb.Confinement
	corrupt []*jaildb.CorruptRecordError

	down     bool
	failNext map[string]int
	calls    map[string]int
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{
		cells:    make(map[string]jaildb.Cell),
		confs:    make(map[jaildb.SubjectID]jaildb.Confinement),
		failNext: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// SetDown makes every operation fail (true) or succeed (false).
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// FailNext makes the next n calls of op fail.
func (m *Memory) FailNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] += n
}

// Calls returns how many times op was invoked, failed or not.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// AddCorrupt makes LoadAll report an undecodable record.
func (m *Memory) AddCorrupt(table, key string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corrupt = append(m.corrupt, jaildb.Corrupt(table, key, cause))
}

// Seed stores records directly, bypassing failure injection.
func (m *Memory) Seed(cells []jaildb.Cell, confs []jaildb.Confinement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cells {
		m.cells[c.Key()] = c
	}
	for _, c := range confs {
		m.confs[c.Subject] = c.Clone()
	}
}

// Confinement returns the persisted record for subject.
func (m *Memory) Confinement(subject jaildb.SubjectID) (jaildb.Confinement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confs[subject]
	return c.Clone(), ok
}

// Cell returns the persisted cell with the given name.
func (m *Memory) Cell(name string) (jaildb.Cell, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[jaildb.CellKey(name)]
	return c, ok
}

// Counts returns the number of persisted cells and confinements.
func (m *Memory) Counts() (cells, confinements int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cells), len(m.confs)
}

func (m *Memory) enter(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return jaildb.Unavailable("storagetest: "+op, err)
	}
	if m.down {
		return jaildb.Unavailable("storagetest: "+op, ErrInjected)
	}
	if m.failNext[op] > 0 {
		m.failNext[op]--
		return jaildb.Unavailable("storagetest: "+op, ErrInjected)
	}
	return nil
}

func (m *Memory) LoadAll(ctx context.Context) (*jaildb.LoadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpLoadAll); err != nil {
		return nil, err
	}
	res := &jaildb.LoadResult{Corrupt: append([]*jaildb.CorruptRecordError(nil), m.corrupt...)}
	for _, c := range m.cells {
		res.Cells = append(res.Cells, c)
	}
	for _, c := range m.confs {
		res.Confinements = append(res.Confinements, c.Clone())
	}
	sort.Slice(res.Cells, func(i, j int) bool { return res.Cells[i].Key() < res.Cells[j].Key() })
	sort.Slice(res.Confinements, func(i, j int) bool {
		return res.Confinements[i].Subject.String() < res.Confinements[j].Subject.String()
	})
	return res, nil
}

func (m *Memory) UpsertCell(ctx context.Context, c jaildb.Cell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpUpsertCell); err != nil {
		return err
	}
	m.cells[c.Key()] = c
	return nil
}

func (m *Memory) DeleteCell(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpDeleteCell); err != nil {
		return err
	}
	delete(m.cells, jaildb.CellKey(name))
	return nil
}

func (m *Memory) UpsertConfinement(ctx context.Context, c jaildb.Confinement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpUpsertConfinement); err != nil {
		return err
	}
	m.confs[c.Subject] = c.Clone()
	return nil
}

func (m *Memory) DeleteConfinement(ctx context.Context, subject jaildb.SubjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpDeleteConfinement); err != nil {
		return err
	}
	delete(m.confs, subject)
	return nil
}

// Close keeps the data so the same Memory can be "reopened".
func (m *Memory) Close() error { return nil }
