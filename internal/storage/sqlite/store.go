// Package sqlite persists sample history, stall events, guard violations and
// component statistics in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wesleyorama2/lagwatch/internal/guard"
	"github.com/wesleyorama2/lagwatch/internal/instrument"
	"github.com/wesleyorama2/lagwatch/internal/series"
	"github.com/wesleyorama2/lagwatch/internal/threads"
	"github.com/wesleyorama2/lagwatch/internal/watchdog"
)

var errNotConfigured = errors.New("storage is not configured")

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	series    TEXT    NOT NULL,
	ts        INTEGER NOT NULL,
	value     REAL    NOT NULL,
	PRIMARY KEY (series, ts)
);
CREATE TABLE IF NOT EXISTS stalls (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ts            INTEGER NOT NULL,
	elapsed_ns    INTEGER NOT NULL,
	beat          INTEGER NOT NULL,
	goroutine     INTEGER NOT NULL,
	os_thread     INTEGER NOT NULL,
	state         TEXT    NOT NULL,
	frames        TEXT    NOT NULL,
	capture_error TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS violations (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        INTEGER NOT NULL,
	op        TEXT    NOT NULL,
	target    TEXT    NOT NULL,
	goroutine INTEGER NOT NULL,
	os_thread INTEGER NOT NULL,
	frames    TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS component_stats (
	saved_at    INTEGER NOT NULL,
	module      TEXT    NOT NULL,
	kind        INTEGER NOT NULL,
	name        TEXT    NOT NULL,
	count       INTEGER NOT NULL,
	failures    INTEGER NOT NULL,
	off_primary INTEGER NOT NULL,
	total_ns    INTEGER NOT NULL,
	average_ns  INTEGER NOT NULL,
	last_ns     INTEGER NOT NULL,
	max_ns      INTEGER NOT NULL,
	p95_ns      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS component_stats_saved_at ON component_stats (saved_at);
`

// Store provides SQLite-backed lagwatch persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a store at path and creates the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	return nil
}

// SaveSamples stores samples of a named series. Samples already stored for
// the same timestamp are replaced.
func (s *Store) SaveSamples(ctx context.Context, name string, samples []series.Sample) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("series name is required")
	}
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO samples (series, ts, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for _, sm := range samples {
		if _, err := stmt.ExecContext(ctx, name, sm.Timestamp.UTC().UnixNano(), sm.Value); err != nil {
			return fmt.Errorf("save sample: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit samples: %w", err)
	}
	return nil
}

// ListSamples returns the newest limit samples of a series, oldest first.
func (s *Store) ListSamples(ctx context.Context, name string, limit int) ([]series.Sample, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT ts, value FROM samples WHERE series = ? ORDER BY ts DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var out []series.Sample
	for rows.Next() {
		var ts int64
		var v float64
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, series.Sample{Timestamp: time.Unix(0, ts).UTC(), Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SeriesNames lists the stored series.
func (s *Store) SeriesNames(ctx context.Context) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT DISTINCT series FROM samples ORDER BY series`)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// SaveStall stores a stall event.
func (s *Store) SaveStall(ctx context.Context, ev watchdog.StallEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	frames, err := json.Marshal(ev.Frames)
	if err != nil {
		return fmt.Errorf("encode frames: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO stalls (ts, elapsed_ns, beat, goroutine, os_thread, state, frames, capture_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		ev.Timestamp.UTC().UnixNano(),
		int64(ev.Elapsed),
		int64(ev.Beat),
		int64(ev.Primary.Goroutine),
		ev.Primary.OS,
		ev.State,
		string(frames),
		ev.CaptureError,
	)
	if err != nil {
		return fmt.Errorf("save stall: %w", err)
	}
	return nil
}

// ListStalls lists stall events, newest first.
func (s *Store) ListStalls(ctx context.Context, limit int) ([]watchdog.StallEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT ts, elapsed_ns, beat, goroutine, os_thread, state, frames, capture_error
FROM stalls ORDER BY ts DESC, id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalls: %w", err)
	}
	defer rows.Close()

	var out []watchdog.StallEvent
	for rows.Next() {
		var (
			ts, elapsed, beat, gid int64
			ev                     watchdog.StallEvent
			frames                 string
		)
		if err := rows.Scan(&ts, &elapsed, &beat, &gid, &ev.Primary.OS, &ev.State, &frames, &ev.CaptureError); err != nil {
			return nil, fmt.Errorf("scan stall: %w", err)
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		ev.Elapsed = time.Duration(elapsed)
		ev.Beat = uint64(beat)
		ev.Primary.Goroutine = uint64(gid)
		if ev.Frames, err = decodeFrames(frames); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stalls: %w", err)
	}
	return out, nil
}

// SaveViolation stores a guard violation.
func (s *Store) SaveViolation(ctx context.Context, v guard.Violation) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	frames, err := json.Marshal(v.Frames)
	if err != nil {
		return fmt.Errorf("encode frames: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO violations (ts, op, target, goroutine, os_thread, frames) VALUES (?, ?, ?, ?, ?, ?)
`,
		v.Timestamp.UTC().UnixNano(), string(v.Op), v.Target, int64(v.Caller.Goroutine), v.Caller.OS, string(frames))
	if err != nil {
		return fmt.Errorf("save violation: %w", err)
	}
	return nil
}

// ListViolations lists guard violations, newest first.
func (s *Store) ListViolations(ctx context.Context, limit int) ([]guard.Violation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT ts, op, target, goroutine, os_thread, frames FROM violations ORDER BY ts DESC, id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []guard.Violation
	for rows.Next() {
		var (
			ts, gid int64
			op      string
			frames  string
			v       guard.Violation
		)
		if err := rows.Scan(&ts, &op, &v.Target, &gid, &v.Caller.OS, &frames); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Timestamp = time.Unix(0, ts).UTC()
		v.Op = guard.Op(op)
		v.Caller.Goroutine = uint64(gid)
		if v.Frames, err = decodeFrames(frames); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return out, nil
}

// SaveStats stores a snapshot of component statistics taken at at.
func (s *Store) SaveStats(ctx context.Context, at time.Time, stats []instrument.ComponentStats) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(stats) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, st := range stats {
		_, err := tx.ExecContext(ctx, `
INSERT INTO component_stats (
	saved_at, module, kind, name, count, failures, off_primary,
	total_ns, average_ns, last_ns, max_ns, p95_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			at.UTC().UnixNano(), st.Module, int(st.Kind), st.Name, st.Count, st.Failures, st.OffPrimary,
			int64(st.Total), int64(st.Average), int64(st.Last), int64(st.Max), int64(st.P95))
		if err != nil {
			return fmt.Errorf("save stats: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stats: %w", err)
	}
	return nil
}

// LatestStats returns the most recently saved statistics snapshot and when
// it was taken. An empty store yields no stats and a zero time.
func (s *Store) LatestStats(ctx context.Context) ([]instrument.ComponentStats, time.Time, error) {
	if err := s.ready(ctx); err != nil {
		return nil, time.Time{}, err
	}

	var savedAt sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT MAX(saved_at) FROM component_stats`).Scan(&savedAt); err != nil {
		return nil, time.Time{}, fmt.Errorf("latest stats: %w", err)
	}
	if !savedAt.Valid {
		return nil, time.Time{}, nil
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT module, kind, name, count, failures, off_primary, total_ns, average_ns, last_ns, max_ns, p95_ns
FROM component_stats WHERE saved_at = ? ORDER BY module, kind, name
`, savedAt.Int64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("latest stats: %w", err)
	}
	defer rows.Close()

	var out []instrument.ComponentStats
	for rows.Next() {
		var (
			st                               instrument.ComponentStats
			kind                             int
			total, avg, last, maxNs, p95Nano int64
		)
		if err := rows.Scan(&st.Module, &kind, &st.Name, &st.Count, &st.Failures, &st.OffPrimary,
			&total, &avg, &last, &maxNs, &p95Nano); err != nil {
			return nil, time.Time{}, fmt.Errorf("scan stats: %w", err)
		}
		st.Kind = instrument.Kind(kind)
		st.Total = time.Duration(total)
		st.Average = time.Duration(avg)
		st.Last = time.Duration(last)
		st.Max = time.Duration(maxNs)
		st.P95 = time.Duration(p95Nano)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("iterate stats: %w", err)
	}
	return out, time.Unix(0, savedAt.Int64).UTC(), nil
}

func decodeFrames(s string) ([]threads.Frame, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var frames []threads.Frame
	if err := json.Unmarshal([]byte(s), &frames); err != nil {
		return nil, fmt.Errorf("decode frames: %w", err)
	}
	return frames, nil
}
