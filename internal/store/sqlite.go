// Package store keeps an audit trail of served requests and service events in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

// Request outcome values.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Request is one audited request.
type Request struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"ts"`
	Source     string    `json:"source"`
	Operation  string    `json:"operation"`
	Model      string    `json:"model"`
	Version    string    `json:"version,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Rows       int       `json:"rows"`
	Dropped    []string  `json:"dropped,omitempty"`
	Imputed    []string  `json:"imputed,omitempty"`
	CacheHit   bool      `json:"cache_hit"`
	Status     string    `json:"status"`
	HTTPStatus int       `json:"http_status"`
	DurationMs float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// DB is the audit database. It is safe for concurrent use.
type DB struct {
	*sql.DB
}

// Open opens or creates the database at path. ":memory:" keeps it in process.
func Open(path string) (*DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, scierrors.Wrap(err, "failed to create store directory")
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, scierrors.Wrapf(err, "failed to open store %s", path)
	}
	// one writer; an in-memory database also lives only as long as its connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		level TEXT,
		code TEXT,
		msg TEXT,
		meta TEXT
	)`); err != nil {
		db.Close()
		return nil, scierrors.Wrap(err, "failed to create events table")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS requests(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		req_id TEXT,
		source TEXT,
		operation TEXT,
		model TEXT,
		version TEXT,
		run_id TEXT,
		rows INTEGER,
		dropped TEXT,
		imputed TEXT,
		cache_hit INTEGER,
		status TEXT,
		http_status INTEGER,
		dur_ms REAL,
		error TEXT
	)`); err != nil {
		db.Close()
		return nil, scierrors.Wrap(err, "failed to create requests table")
	}

	return &DB{db}, nil
}

// Event records a service event such as a startup or a cache invalidation.
func (db *DB) Event(ctx context.Context, level, code, msg string, meta map[string]interface{}) error {
	m := ""
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return scierrors.Wrap(err, "failed to encode event meta")
		}
		m = string(b)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO events(ts,level,code,msg,meta) VALUES(?,?,?,?,?)`,
		unixSeconds(time.Now()), level, code, msg, m)
	return scierrors.Wrap(err, "failed to insert event")
}

// Req records a served request.
func (db *DB) Req(ctx context.Context, r Request) error {
	_, err := db.ExecContext(ctx, `INSERT INTO requests(
		ts, req_id, source, operation, model, version, run_id, rows, dropped, imputed, cache_hit, status, http_status, dur_ms, error)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		unixSeconds(r.Time), r.ID, r.Source, r.Operation, r.Model, r.Version, r.RunID, r.Rows,
		strings.Join(r.Dropped, ","), strings.Join(r.Imputed, ","), r.CacheHit,
		r.Status, r.HTTPStatus, r.DurationMs, r.Error)
	return scierrors.Wrap(err, "failed to insert request")
}

// Recent returns up to limit requests, newest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `SELECT ts, req_id, source, operation, model, version, run_id, rows,
		dropped, imputed, cache_hit, status, http_status, dur_ms, error
		FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, scierrors.Wrap(err, "failed to query requests")
	}
	defer rows.Close()

	out := []Request{}
	for rows.Next() {
		var (
			r                Request
			ts               float64
			dropped, imputed string
		)
		if err := rows.Scan(&ts, &r.ID, &r.Source, &r.Operation, &r.Model, &r.Version, &r.RunID, &r.Rows,
			&dropped, &imputed, &r.CacheHit, &r.Status, &r.HTTPStatus, &r.DurationMs, &r.Error); err != nil {
			return nil, scierrors.Wrap(err, "failed to scan request")
		}
		r.Time = fromUnixSeconds(ts)
		r.Dropped = splitList(dropped)
		r.Imputed = splitList(imputed)
		out = append(out, r)
	}
	return out, scierrors.Wrap(rows.Err(), "failed to read requests")
}

// EventCount returns the number of recorded events with code.
func (db *DB) EventCount(ctx context.Context, code string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE code = ?`, code).Scan(&n)
	return n, scierrors.Wrap(err, "failed to count events")
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
