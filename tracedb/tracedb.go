// Package tracedb records runtime events in a SQLite database for
// post-mortem inspection.
package tracedb

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/lazyrt/vm"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("lazyrt.trace")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	runtime_id TEXT PRIMARY KEY,
	started    INTEGER NOT NULL,
	label      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS gc_cycles (
	runtime_id    TEXT NOT NULL,
	cycle         INTEGER NOT NULL,
	ts            INTEGER NOT NULL,
	duration_ns   INTEGER NOT NULL,
	marked        INTEGER NOT NULL,
	swept         INTEGER NOT NULL,
	live          INTEGER NOT NULL,
	weaks_cleared INTEGER NOT NULL,
	finalizers    INTEGER NOT NULL,
	cafs_reset    INTEGER NOT NULL,
	deadlocked    INTEGER NOT NULL,
	PRIMARY KEY (runtime_id, cycle)
);
CREATE TABLE IF NOT EXISTS thread_exits (
	runtime_id TEXT NOT NULL,
	thread_id  INTEGER NOT NULL,
	label      TEXT NOT NULL,
	status     TEXT NOT NULL,
	error      TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	PRIMARY KEY (runtime_id, thread_id)
);
`

// DB is an open trace database.
type DB struct {
	db   *sql.DB
	path string
	now  func() time.Time

	mu  sync.Mutex
	err error
}

// Open opens or creates the trace database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &DB{db: db, path: path, now: time.Now}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Err returns the first error a Recorder hit while writing.
func (d *DB) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *DB) record(err error) {
	if err == nil {
		return
	}
	log.Errorf("trace %s: %v", d.path, err)
	d.mu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.mu.Unlock()
}

// Recorder is a vm.Observer writing one runtime's events.
type Recorder struct {
	db        *DB
	runtimeID string
}

// Recorder registers a run and returns an observer for it. Pass the
// runtime's ID and an optional label (the demo name, for instance).
func (d *DB) Recorder(runtimeID, label string) (*Recorder, error) {
	_, err := d.db.Exec(
		"INSERT OR REPLACE INTO runs (runtime_id, started, label) VALUES (?, ?, ?)",
		runtimeID, d.now().UnixNano(), label,
	)
	if err != nil {
		return nil, fmt.Errorf("registering run: %w", err)
	}
	return &Recorder{db: d, runtimeID: runtimeID}, nil
}

// ThreadExited implements vm.Observer.
func (r *Recorder) ThreadExited(info vm.ThreadInfo) {
	_, err := r.db.db.Exec(
		`INSERT OR REPLACE INTO thread_exits (runtime_id, thread_id, label, status, error, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.runtimeID, int64(info.ID), info.Label, info.Status, info.Error, r.db.now().UnixNano(),
	)
	if err != nil {
		err = fmt.Errorf("recording thread exit: %w", err)
	}
	r.db.record(err)
}

// GCFinished implements vm.Observer.
func (r *Recorder) GCFinished(s vm.GCStats) {
	_, err := r.db.db.Exec(
		`INSERT OR REPLACE INTO gc_cycles (runtime_id, cycle, ts, duration_ns, marked, swept, live,
		 weaks_cleared, finalizers, cafs_reset, deadlocked) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.runtimeID, int64(s.Cycle), s.Timestamp.UnixNano(), int64(s.Duration), s.Marked, s.Swept, s.Live,
		s.WeaksCleared, s.Finalizers, s.CAFsReset, s.Deadlocked,
	)
	if err != nil {
		err = fmt.Errorf("recording gc cycle: %w", err)
	}
	r.db.record(err)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// ErrRunNotFound indicates the requested run doesn't exist.
var ErrRunNotFound = errors.New("run not found")

// Run is one recorded runtime.
type Run struct {
	RuntimeID string
	Started   time.Time
	Label     string
}

// ThreadExit is one recorded thread exit.
type ThreadExit struct {
	ThreadID uint64
	Label    string
	Status   string
	Error    string
}

// Runs lists recorded runs, oldest first.
func (d *DB) Runs() ([]Run, error) {
	rows, err := d.db.Query("SELECT runtime_id, started, label FROM runs ORDER BY started, runtime_id")
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		if err := rows.Scan(&r.RuntimeID, &started, &r.Label); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Started = time.Unix(0, started)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns one recorded run.
func (d *DB) Run(runtimeID string) (Run, error) {
	r := Run{RuntimeID: runtimeID}
	var started int64
	err := d.db.QueryRow("SELECT started, label FROM runs WHERE runtime_id = ?", runtimeID).Scan(&started, &r.Label)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, fmt.Errorf("querying run: %w", err)
	}
	r.Started = time.Unix(0, started)
	return r, nil
}

// GCCycles returns a run's collections in cycle order.
func (d *DB) GCCycles(runtimeID string) ([]vm.GCStats, error) {
	rows, err := d.db.Query(
		`SELECT cycle, ts, duration_ns, marked, swept, live, weaks_cleared, finalizers, cafs_reset, deadlocked
		 FROM gc_cycles WHERE runtime_id = ? ORDER BY cycle`, runtimeID)
	if err != nil {
		return nil, fmt.Errorf("querying gc cycles: %w", err)
	}
	defer rows.Close()

	var out []vm.GCStats
	for rows.Next() {
		var s vm.GCStats
		var cycle, ts, dur int64
		if err := rows.Scan(&cycle, &ts, &dur, &s.Marked, &s.Swept, &s.Live,
			&s.WeaksCleared, &s.Finalizers, &s.CAFsReset, &s.Deadlocked); err != nil {
			return nil, fmt.Errorf("scanning gc cycle: %w", err)
		}
		s.Cycle = uint64(cycle)
		s.Timestamp = time.Unix(0, ts)
		s.Duration = time.Duration(dur)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ThreadExits returns a run's thread exits in thread order.
func (d *DB) ThreadExits(runtimeID string) ([]ThreadExit, error) {
	rows, err := d.db.Query(
		"SELECT thread_id, label, status, error FROM thread_exits WHERE runtime_id = ? ORDER BY thread_id",
		runtimeID)
	if err != nil {
		return nil, fmt.Errorf("querying thread exits: %w", err)
	}
	defer rows.Close()

	var out []ThreadExit
	for rows.Next() {
		var e ThreadExit
		var id int64
		if err := rows.Scan(&id, &e.Label, &e.Status, &e.Error); err != nil {
			return nil, fmt.Errorf("scanning thread exit: %w", err)
		}
		e.ThreadID = uint64(id)
		out = append(out, e)
	}
	return out, rows.Err()
}
