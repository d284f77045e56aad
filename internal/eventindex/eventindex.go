// Package eventindex maintains a queryable SQLite index over the registry's
// append-only JSONL event log. The JSONL file stays the source of truth; the
// index is a rebuildable cache the logs command filters against, so losing
// or deleting the database costs nothing but a rebuild.
package eventindex

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite"
)

// Index is an open handle to the SQLite event index.
type Index struct {
	db *sql.DB
}

// Record is one indexed event, carrying both the promoted filter columns
// and the raw JSON line for path-expression matching.
type Record struct {
	ID     string
	Type   string
	TaskID string
	Time   time.Time
	Raw    string
}

// Query selects events from the index. Zero values mean "no filter".
type Query struct {
	TaskID string
	Type   string
	Since  time.Time
	// Where is a gjson path filter, either "path=value" (equality against
	// the value rendered as a string) or a bare "path" (existence).
	Where string
	Limit int
}

// Open opens (creating if absent) the index database at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event index: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id      TEXT PRIMARY KEY,
			type    TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			time    TEXT NOT NULL,
			raw     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
		CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
		CREATE INDEX IF NOT EXISTS idx_events_time ON events(time);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	if ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// Rebuild re-ingests the JSONL log at logPath. Event IDs are unique, so
// INSERT OR IGNORE makes a rebuild idempotent against lines already
// indexed; a missing log file leaves the index empty rather than erroring,
// matching a run that has not emitted anything yet.
func (ix *Index) Rebuild(ctx context.Context, logPath string) (added int, err error) {
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin index rebuild: %w", err)
	}
	// No-op once committed.
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO events (id, type, task_id, time, raw) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !gjson.Valid(line) {
			continue
		}
		doc := gjson.Parse(line)
		id := doc.Get("id").String()
		if id == "" {
			continue
		}
		res, err := stmt.ExecContext(ctx,
			id,
			doc.Get("type").String(),
			doc.Get("task_id").String(),
			doc.Get("time").String(),
			line,
		)
		if err != nil {
			return added, fmt.Errorf("index event %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := sc.Err(); err != nil {
		return added, fmt.Errorf("scan event log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return added, fmt.Errorf("commit index rebuild: %w", err)
	}
	return added, nil
}

// Select returns events matching q, oldest first. The SQL side narrows on
// the promoted columns; the Where path expression is applied per-row against
// the raw JSON, so any field (including nested data payloads) is
// filterable without a schema change.
func (ix *Index) Select(ctx context.Context, q Query) ([]Record, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, type, task_id, time, raw FROM events WHERE 1=1`)
	var args []any
	if q.TaskID != "" {
		sb.WriteString(` AND task_id = ?`)
		args = append(args, q.TaskID)
	}
	if q.Type != "" {
		sb.WriteString(` AND type = ?`)
		args = append(args, q.Type)
	}
	if !q.Since.IsZero() {
		sb.WriteString(` AND time >= ?`)
		args = append(args, q.Since.Format(time.RFC3339Nano))
	}
	sb.WriteString(` ORDER BY time ASC, id ASC`)

	rows, err := ix.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.TaskID, &ts, &rec.Raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Time, _ = time.Parse(time.RFC3339Nano, ts)
		if q.Where != "" && !MatchWhere(rec.Raw, q.Where) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, rows.Err()
}

// MatchWhere evaluates a "path=value" or bare "path" expression against one
// raw event JSON document.
func MatchWhere(raw, expr string) bool {
	path, want, hasEq := strings.Cut(expr, "=")
	res := gjson.Get(raw, strings.TrimSpace(path))
	if !hasEq {
		return res.Exists()
	}
	return res.Exists() && res.String() == strings.TrimSpace(want)
}
