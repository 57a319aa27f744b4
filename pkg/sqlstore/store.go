// Package sqlstore is the relational storage backend, built on database/sql
// with the pure-Go SQLite driver.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/gojails/pkg/jaildb"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SchemaVersion is recorded in schema_meta.
const SchemaVersion = 1

// Config controls the connection pool and per-statement timeout.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Timeout         time.Duration // bounds every statement, including reconnects
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Store persists cells and confinements in two tables.
type Store struct {
	mu  sync.RWMutex // guards db across Reconnect
	db  *sql.DB
	cfg Config
}

// Open opens (or creates) the database and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.Path == "" {
		return nil, jaildb.Unavailable("sqlstore: open", errors.New("no database path configured"))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, jaildb.Unavailable("sqlstore: open", err)
	}
	db, err := connect(ctx, cfg)
	if err != nil {
		return nil, jaildb.Unavailable("sqlstore: open", err)
	}
	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, jaildb.Unavailable("sqlstore: schema", err)
	}
	return s, nil
}

// connect opens a pool whose connections all carry WAL mode and the busy timeout.
func connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		cfg.Path, cfg.Timeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting sqlite %s: %w", cfg.Path, err)
	}
	return db, nil
}

func (s *Store) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_meta (key, value) VALUES ('version', ?) ON CONFLICT (key) DO NOTHING`, SchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > SchemaVersion {
		log.Printf("sqlstore: WARNING: %s has schema version %d, newer than supported version %d", s.cfg.Path, version, SchemaVersion)
	}
	return nil
}

func (s *Store) handle() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Path returns the filesystem path of the SQLite database.
func (s *Store) Path() string { return s.cfg.Path }

// Close closes the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Reconnect closes and reopens the connection pool.
func (s *Store) Reconnect(ctx context.Context) error {
	db, err := connect(ctx, s.cfg)
	if err != nil {
		return jaildb.Unavailable("sqlstore: reconnect", err)
	}
	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Printf("sqlstore: reconnected to %s", s.cfg.Path)
	return nil
}

// checkConn checks the pool after a failed statement and reconnects once if
// the database no longer answers a ping.
func (s *Store) checkConn(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	db := s.handle()
	if db != nil {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		err := db.PingContext(pctx)
		cancel()
		if err == nil {
			return
		}
		log.Printf("sqlstore: WARNING: ping failed: %v", err)
	}
	if err := s.Reconnect(ctx); err != nil {
		log.Printf("sqlstore: WARNING: %v", err)
	}
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return jaildb.Unavailable("sqlstore: "+op, err)
	}
	db := s.handle()
	if db == nil {
		return jaildb.Unavailable("sqlstore: "+op, sql.ErrConnDone)
	}
	qctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if _, err := db.ExecContext(qctx, query, args...); err != nil {
		s.checkConn(ctx)
		return jaildb.Unavailable("sqlstore: "+op, err)
	}
	return nil
}

const upsertCellSQL = `
INSERT INTO cells (name, display_name, world, x, y, z, yaw, pitch)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
    display_name = excluded.display_name,
    world = excluded.world,
    x = excluded.x, y = excluded.y, z = excluded.z,
    yaw = excluded.yaw, pitch = excluded.pitch`

// UpsertCell inserts or replaces a cell.
func (s *Store) UpsertCell(ctx context.Context, c jaildb.Cell) error {
	l := c.Location
	return s.exec(ctx, "upsert cell", upsertCellSQL,
		c.Key(), c.Name, l.World, l.X, l.Y, l.Z, float64(l.Yaw), float64(l.Pitch))
}

// DeleteCell removes a cell. Deleting a missing cell succeeds.
func (s *Store) DeleteCell(ctx context.Context, name string) error {
	return s.exec(ctx, "delete cell", `DELETE FROM cells WHERE name = ?`, jaildb.CellKey(name))
}

const upsertConfinementSQL = `
INSERT INTO confinements (
    subject_id, subject_name, cell_name,
    return_world, return_x, return_y, return_z, return_yaw, return_pitch, return_unknown,
    jailed_at_epoch, jailed_at_nanos, release_at_epoch, release_at_nanos,
    original_duration_seconds, original_duration_nanos, jailed_by, frozen_state)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (subject_id) DO UPDATE SET
    subject_name = excluded.subject_name,
    cell_name = excluded.cell_name,
    return_world = excluded.return_world,
    return_x = excluded.return_x, return_y = excluded.return_y, return_z = excluded.return_z,
    return_yaw = excluded.return_yaw, return_pitch = excluded.return_pitch,
    return_unknown = excluded.return_unknown,
    jailed_at_epoch = excluded.jailed_at_epoch, jailed_at_nanos = excluded.jailed_at_nanos,
    release_at_epoch = excluded.release_at_epoch, release_at_nanos = excluded.release_at_nanos,
    original_duration_seconds = excluded.original_duration_seconds,
    original_duration_nanos = excluded.original_duration_nanos,
    jailed_by = excluded.jailed_by,
    frozen_state = excluded.frozen_state`

// UpsertConfinement inserts or replaces a subject's confinement.
func (s *Store) UpsertConfinement(ctx context.Context, c jaildb.Confinement) error {
	var (
		release     sql.NullInt64
		releaseNsec int64
	)
	if c.ReleaseAt != nil {
		var sec int64
		sec, releaseNsec = jaildb.SplitTime(*c.ReleaseAt)
		release = sql.NullInt64{Int64: sec, Valid: true}
	}
	var frozen []byte
	if len(c.Frozen) > 0 {
		frozen = c.Frozen
	}
	unknown := 0
	if c.ReturnUnknown {
		unknown = 1
	}
	jailedSec, jailedNsec := jaildb.SplitTime(c.JailedAt)
	durSec, durNsec := jaildb.SplitDuration(c.OriginalDuration)
	r := c.Return
	return s.exec(ctx, "upsert confinement", upsertConfinementSQL,
		c.Subject.String(), c.SubjectName, c.CellName,
		r.World, r.X, r.Y, r.Z, float64(r.Yaw), float64(r.Pitch), unknown,
		jailedSec, jailedNsec, release, releaseNsec,
		durSec, durNsec, c.JailedBy, frozen)
}

// DeleteConfinement removes a subject's confinement. Deleting a missing one succeeds.
func (s *Store) DeleteConfinement(ctx context.Context, subject jaildb.SubjectID) error {
	return s.exec(ctx, "delete confinement", `DELETE FROM confinements WHERE subject_id = ?`, subject.String())
}

// LoadAll reads both tables. Rows that fail to convert are reported as corrupt.
func (s *Store) LoadAll(ctx context.Context) (*jaildb.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, jaildb.Unavailable("sqlstore: load", err)
	}
	db := s.handle()
	if db == nil {
		return nil, jaildb.Unavailable("sqlstore: load", sql.ErrConnDone)
	}
	qctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	res := &jaildb.LoadResult{}
	if err := loadCells(qctx, db, res); err != nil {
		s.checkConn(ctx)
		return nil, jaildb.Unavailable("sqlstore: load cells", err)
	}
	if err := loadConfinements(qctx, db, res); err != nil {
		s.checkConn(ctx)
		return nil, jaildb.Unavailable("sqlstore: load confinements", err)
	}
	return res, nil
}

func loadCells(ctx context.Context, db *sql.DB, res *jaildb.LoadResult) error {
	rows, err := db.QueryContext(ctx,
		`SELECT name, display_name, world, x, y, z, yaw, pitch FROM cells ORDER BY name`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		vals := make([]any, 8)
		if err := scanAny(rows, vals); err != nil {
			return err
		}
		key := asText(vals[0])
		c, err := cellFromRow(vals)
		if err != nil {
			res.Corrupt = append(res.Corrupt, jaildb.Corrupt("cells", key, err))
			continue
		}
		res.Cells = append(res.Cells, c)
	}
	return rows.Err()
}

func loadConfinements(ctx context.Context, db *sql.DB, res *jaildb.LoadResult) error {
	rows, err := db.QueryContext(ctx, `
SELECT subject_id, subject_name, cell_name,
       return_world, return_x, return_y, return_z, return_yaw, return_pitch, return_unknown,
       jailed_at_epoch, jailed_at_nanos, release_at_epoch, release_at_nanos,
       original_duration_seconds, original_duration_nanos, jailed_by, frozen_state
FROM confinements ORDER BY subject_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		vals := make([]any, 18)
		if err := scanAny(rows, vals); err != nil {
			return err
		}
		key := asText(vals[0])
		c, err := confinementFromRow(vals)
		if err != nil {
			res.Corrupt = append(res.Corrupt, jaildb.Corrupt("confinements", key, err))
			continue
		}
		res.Confinements = append(res.Confinements, c)
	}
	return rows.Err()
}

// Snapshot writes a consistent copy of the database into destDir with VACUUM INTO.
func (s *Store) Snapshot(ctx context.Context, destDir string) ([]string, error) {
	dest := filepath.Join(destDir, filepath.Base(s.cfg.Path))
	// VACUUM INTO takes a literal; escape quotes the way SQL string literals require.
	stmt := fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(dest, "'", "''"))
	if err := s.exec(ctx, "snapshot", stmt); err != nil {
		return nil, err
	}
	return []string{dest}, nil
}
