// Package yamlstore is the file-based storage backend: one YAML document per
// table in a data directory, rewritten atomically on every change.
package yamlstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/crystal-mush/gojails/pkg/jaildb"
	"gopkg.in/yaml.v3"
)

// FormatVersion is the document version this package writes.
const FormatVersion = 1

const (
	CellsFile        = "cells.yaml"
	ConfinementsFile = "confinements.yaml"
)

const (
	tableCells        = "cells"
	tableConfinements = "confinements"
)

// document is the on-disk shape of one table. Entries stay as raw nodes so
// each one decodes on its own.
type document struct {
	Version      int         `yaml:"version"`
	Cells        []yaml.Node `yaml:"cells"`
	Confinements []yaml.Node `yaml:"confinements"`
}

// rawEntry is an undecodable entry kept verbatim so rewriting the table does
// not destroy it.
type rawEntry struct {
	key  string
	node *yaml.Node
	err  error
}

// Store keeps a mirror of both tables and rewrites the affected document on
// every mutation. The mirror changes only after the rename succeeds.
type Store struct {
	dir string

	mu           sync.Mutex
	loaded       bool
	cells        map[string]jaildb.Cell
	confinements map[jaildb.SubjectID]jaildb.Confinement
	badCells     []rawEntry
	badConfs     []rawEntry
}

// Open creates dir if needed. Nothing is read until LoadAll or the first write.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, jaildb.Unavailable("yamlstore: open", fmt.Errorf("create %s: %w", dir, err))
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// Close is a no-op; every write is already on disk.
func (s *Store) Close() error { return nil }

// LoadAll re-reads both documents from disk.
func (s *Store) LoadAll(ctx context.Context) (*jaildb.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, jaildb.Unavailable("yamlstore: load", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}

	res := &jaildb.LoadResult{}
	for _, c := range s.cells {
		res.Cells = append(res.Cells, c)
	}
	for _, c := range s.confinements {
		res.Confinements = append(res.Confinements, c.Clone())
	}
	sort.Slice(res.Cells, func(i, j int) bool { return res.Cells[i].Key() < res.Cells[j].Key() })
	sort.Slice(res.Confinements, func(i, j int) bool {
		return res.Confinements[i].Subject.String() < res.Confinements[j].Subject.String()
	})
	for _, e := range s.badCells {
		res.Corrupt = append(res.Corrupt, jaildb.Corrupt(tableCells, e.key, e.err))
	}
	for _, e := range s.badConfs {
		res.Corrupt = append(res.Corrupt, jaildb.Corrupt(tableConfinements, e.key, e.err))
	}
	return res, nil
}

func (s *Store) reloadLocked() error {
	cellsDoc, err := s.readDoc(CellsFile)
	if err != nil {
		return err
	}
	confDoc, err := s.readDoc(ConfinementsFile)
	if err != nil {
		return err
	}

	cells := make(map[string]jaildb.Cell)
	var badCells []rawEntry
	for i := range cellsDoc.Cells {
		n := &cellsDoc.Cells[i]
		c, err := decodeCell(n)
		if err != nil {
			badCells = append(badCells, rawEntry{key: jaildb.CellKey(entryKey(n, "name", i)), node: n, err: err})
			continue
		}
		cells[c.Key()] = c
	}

	confs := make(map[jaildb.SubjectID]jaildb.Confinement)
	var badConfs []rawEntry
	for i := range confDoc.Confinements {
		n := &confDoc.Confinements[i]
		c, err := decodeConfinement(n)
		if err != nil {
			badConfs = append(badConfs, rawEntry{key: strings.ToLower(strings.TrimSpace(entryKey(n, "subjectId", i))), node: n, err: err})
			continue
		}
		confs[c.Subject] = c
	}

	s.cells, s.confinements = cells, confs
	s.badCells, s.badConfs = badCells, badConfs
	s.loaded = true
	return nil
}

func (s *Store) readDoc(name string) (*document, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &document{Version: FormatVersion}, nil
	}
	if err != nil {
		return nil, jaildb.Unavailable("yamlstore: read", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, jaildb.Unavailable("yamlstore: parse "+name, err)
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Version > FormatVersion {
		log.Printf("yamlstore: WARNING: %s is version %d, newer than supported version %d; loading anyway", path, doc.Version, FormatVersion)
	}
	return &doc, nil
}

func (s *Store) ensureLoaded(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return jaildb.Unavailable("yamlstore: write", err)
	}
	if s.loaded {
		return nil
	}
	return s.reloadLocked()
}

// UpsertCell writes a cell, replacing one with the same key.
func (s *Store) UpsertCell(ctx context.Context, c jaildb.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	next := make(map[string]jaildb.Cell, len(s.cells)+1)
	for k, v := range s.cells {
		next[k] = v
	}
	next[c.Key()] = c
	bad := dropRaw(s.badCells, c.Key())
	if err := s.writeCells(next, bad); err != nil {
		return err
	}
	s.cells, s.badCells = next, bad
	return nil
}

// DeleteCell removes a cell. Deleting a missing cell succeeds.
func (s *Store) DeleteCell(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	key := jaildb.CellKey(name)
	next := make(map[string]jaildb.Cell, len(s.cells))
	for k, v := range s.cells {
		if k != key {
			next[k] = v
		}
	}
	bad := dropRaw(s.badCells, key)
	if err := s.writeCells(next, bad); err != nil {
		return err
	}
	s.cells, s.badCells = next, bad
	return nil
}

// UpsertConfinement writes a confinement, replacing the subject's previous one.
func (s *Store) UpsertConfinement(ctx context.Context, c jaildb.Confinement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	next := make(map[jaildb.SubjectID]jaildb.Confinement, len(s.confinements)+1)
	for k, v := range s.confinements {
		next[k] = v
	}
	next[c.Subject] = c.Clone()
	bad := dropRaw(s.badConfs, c.Subject.String())
	if err := s.writeConfinements(next, bad); err != nil {
		return err
	}
	s.confinements, s.badConfs = next, bad
	return nil
}

// DeleteConfinement removes a subject's confinement. Deleting a missing one succeeds.
func (s *Store) DeleteConfinement(ctx context.Context, subject jaildb.SubjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	next := make(map[jaildb.SubjectID]jaildb.Confinement, len(s.confinements))
	for k, v := range s.confinements {
		if k != subject {
			next[k] = v
		}
	}
	bad := dropRaw(s.badConfs, subject.String())
	if err := s.writeConfinements(next, bad); err != nil {
		return err
	}
	s.confinements, s.badConfs = next, bad
	return nil
}

func dropRaw(entries []rawEntry, key string) []rawEntry {
	var out []rawEntry
	for _, e := range entries {
		if e.key != key {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) writeCells(cells map[string]jaildb.Cell, bad []rawEntry) error {
	keys := make([]string, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var items []any
	for _, k := range keys {
		items = append(items, encodeCell(cells[k]))
	}
	return s.writeTable(CellsFile, tableCells, items, bad)
}

func (s *Store) writeConfinements(confs map[jaildb.SubjectID]jaildb.Confinement, bad []rawEntry) error {
	ids := make([]string, 0, len(confs))
	byID := make(map[string]jaildb.Confinement, len(confs))
	for id, c := range confs {
		ids = append(ids, id.String())
		byID[id.String()] = c
	}
	sort.Strings(ids)
	var items []any
	for _, id := range ids {
		items = append(items, encodeConfinement(byID[id]))
	}
	return s.writeTable(ConfinementsFile, tableConfinements, items, bad)
}

// writeTable renders {version, <table>: [...]} and atomically replaces the file.
func (s *Store) writeTable(file, table string, items []any, bad []rawEntry) error {
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, it := range items {
		n := &yaml.Node{}
		if err := n.Encode(it); err != nil {
			return jaildb.Unavailable("yamlstore: encode "+table, err)
		}
		seq.Content = append(seq.Content, n)
	}
	for _, e := range bad {
		seq.Content = append(seq.Content, e.node)
	}
	root := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "version"},
		{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprint(FormatVersion)},
		{Kind: yaml.ScalarNode, Value: table},
		seq,
	}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return jaildb.Unavailable("yamlstore: encode "+table, err)
	}
	if err := enc.Close(); err != nil {
		return jaildb.Unavailable("yamlstore: encode "+table, err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, file), buf.Bytes()); err != nil {
		return jaildb.Unavailable("yamlstore: write "+table, err)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to final: %w", err)
	}
	return nil
}

// Snapshot copies both documents into destDir.
func (s *Store) Snapshot(ctx context.Context, destDir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, jaildb.Unavailable("yamlstore: snapshot", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var written []string
	for _, name := range []string{CellsFile, ConfinementsFile} {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return written, jaildb.Unavailable("yamlstore: snapshot", err)
		}
		dst := filepath.Join(destDir, name)
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return written, jaildb.Unavailable("yamlstore: snapshot", err)
		}
		written = append(written, dst)
	}
	return written, nil
}
