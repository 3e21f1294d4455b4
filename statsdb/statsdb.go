// Package statsdb keeps a history of type lookup cache statistics in
// SQLite, one row per run plus one row per type kind.
package statsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"

	"github.com/chazu/maggie-oops/vm"

	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("oops.statsdb")

// ErrRunNotFound indicates the requested run doesn't exist
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	config          TEXT NOT NULL,
	started_at      TEXT NOT NULL,
	no_info_mirror  INTEGER NOT NULL,
	no_info_loader  INTEGER NOT NULL,
	no_info_other   INTEGER NOT NULL,
	hits_baseline   INTEGER NOT NULL,
	invalid_lookups INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS kind_counts (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	kind       TEXT NOT NULL,
	registered INTEGER NOT NULL,
	hits       INTEGER NOT NULL,
	PRIMARY KEY (run_id, kind)
);
`

// Run is one recorded set of counters.
type Run struct {
	ID       uuid.UUID
	Name     string
	Config   string
	Started  time.Time
	Counters vm.LUTCounters
}

// DB is a statistics store.
type DB struct {
	db   *sql.DB
	path string
	mu   deadlock.Mutex
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	log.Debugf("opened statistics store %s", path)
	return &DB{db: db, path: path}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Record stores r and returns its ID. A zero r.ID gets a fresh random ID;
// a zero r.Started is set to now.
func (d *DB) Record(ctx context.Context, r Run) (uuid.UUID, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	c := r.Counters

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, name, config, started_at, no_info_mirror, no_info_loader,
			no_info_other, hits_baseline, invalid_lookups) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Name, r.Config, r.Started.UTC().Format(time.RFC3339Nano),
		int64(c.NoInfoMirror), int64(c.NoInfoLoader), int64(c.NoInfoOther),
		int64(c.HitsBaseline), int64(c.InvalidLookups))
	if err != nil {
		return uuid.Nil, fmt.Errorf("saving run: %w", err)
	}
	for _, k := range vm.AllTypeKinds() {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO kind_counts (run_id, kind, registered, hits) VALUES (?, ?, ?, ?)",
			r.ID.String(), k.ShortName(), int64(c.Registered[k]), int64(c.Hits[k]))
		if err != nil {
			return uuid.Nil, fmt.Errorf("saving %s counts: %w", k.ShortName(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("committing run: %w", err)
	}

	log.Infof("recorded run %s (%s) in %s", r.ID, r.Name, d.path)
	return r.ID, nil
}

func kindByShortName(s string) (vm.TypeKind, bool) {
	for _, k := range vm.AllTypeKinds() {
		if k.ShortName() == s {
			return k, true
		}
	}
	return 0, false
}

// Get loads the run with the given ID.
func (d *DB) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	r := &Run{ID: id}
	var (
		started string
		c       [5]int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT name, config, started_at, no_info_mirror, no_info_loader, no_info_other,
			hits_baseline, invalid_lookups FROM runs WHERE id = ?`, id.String()).
		Scan(&r.Name, &r.Config, &started, &c[0], &c[1], &c[2], &c[3], &c[4])
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	if r.Started, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("run %s: bad start time %q: %w", id, started, err)
	}
	r.Counters.NoInfoMirror = uint64(c[0])
	r.Counters.NoInfoLoader = uint64(c[1])
	r.Counters.NoInfoOther = uint64(c[2])
	r.Counters.HitsBaseline = uint64(c[3])
	r.Counters.InvalidLookups = uint64(c[4])

	rows, err := d.db.QueryContext(ctx,
		"SELECT kind, registered, hits FROM kind_counts WHERE run_id = ?", id.String())
	if err != nil {
		return nil, fmt.Errorf("querying kind counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name            string
			registered, hit int64
		)
		if err := rows.Scan(&name, &registered, &hit); err != nil {
			return nil, fmt.Errorf("scanning kind counts: %w", err)
		}
		k, ok := kindByShortName(name)
		if !ok {
			return nil, fmt.Errorf("run %s: unknown kind %q", id, name)
		}
		r.Counters.Registered[k] = uint64(registered)
		r.Counters.Hits[k] = uint64(hit)
	}
	return r, rows.Err()
}

// RunSummary is a listing row.
type RunSummary struct {
	ID      uuid.UUID
	Name    string
	Started time.Time
	Hits    uint64
}

// List returns all runs, most recent first.
func (d *DB) List(ctx context.Context) ([]RunSummary, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.started_at, COALESCE(SUM(k.hits), 0)
		FROM runs r LEFT JOIN kind_counts k ON k.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at DESC, r.id`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			id, started string
			hits        int64
			s           RunSummary
		)
		if err := rows.Scan(&id, &s.Name, &started, &hits); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("run id %q: %w", id, err)
		}
		if s.Started, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("run %s: bad start time %q: %w", id, started, err)
		}
		s.Hits = uint64(hits)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes a run and its per-kind rows.
func (d *DB) Delete(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM kind_counts WHERE run_id = ?", id.String()); err != nil {
		return fmt.Errorf("deleting kind counts: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return tx.Commit()
}
