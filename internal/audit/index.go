package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Index mirrors audit records into an insert-only SQLite table for
// `syncd history`. It runs in WAL mode so the CLI can read while the
// daemon writes.
type Index struct {
	conn *sql.DB
	path string
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS sync_results (
	seq          INTEGER PRIMARY KEY,
	record_hash  TEXT NOT NULL UNIQUE,
	batch_id     TEXT NOT NULL,
	ts_ms        INTEGER NOT NULL,
	outcome      TEXT NOT NULL,
	error_kind   TEXT NOT NULL DEFAULT '',
	commit_id    TEXT NOT NULL DEFAULT '',
	file_count   INTEGER NOT NULL,
	pushed       INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL,
	record       TEXT NOT NULL  -- full JSON line
);

CREATE INDEX IF NOT EXISTS idx_sync_results_ts ON sync_results(ts_ms);
CREATE INDEX IF NOT EXISTS idx_sync_results_outcome ON sync_results(outcome, ts_ms);

CREATE TRIGGER IF NOT EXISTS sync_results_no_update
BEFORE UPDATE ON sync_results
BEGIN
	SELECT RAISE(ABORT, 'audit index is append-only');
END;

CREATE TRIGGER IF NOT EXISTS sync_results_no_delete
BEFORE DELETE ON sync_results
BEGIN
	SELECT RAISE(ABORT, 'audit index is append-only');
END;
`

// OpenIndex opens or creates the index database at path.
//
// The caller MUST call Close() when done.
func OpenIndex(path string) (*Index, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", indexDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping index: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ix := &Index{conn: conn, path: path}

	if _, err := conn.Exec(indexSchema); err != nil {
		_ = ix.Close()
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}

	return ix, nil
}

// indexDSN builds a file: URI whose pragmas apply to every pooled
// connection, not just the one that happens to run an Exec.
func indexDSN(path string) string {
	u := url.URL{
		Scheme:   "file",
		OmitHost: true,
		Path:     filepath.ToSlash(path),
		RawQuery: "_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)",
	}
	return u.String()
}

// Close closes the database connection, checkpointing the WAL first.
func (ix *Index) Close() error {
	if ix.conn == nil {
		return nil
	}
	// best effort; a concurrent reader may hold the WAL
	_, _ = ix.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")

	if err := ix.conn.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}
	ix.conn = nil
	return nil
}

const insertRecord = `
INSERT %s INTO sync_results (
	seq, record_hash, batch_id, ts_ms, outcome, error_kind,
	commit_id, file_count, pushed, duration_ms, record
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertArgs(rec Record) ([]any, error) {
	line, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal audit record: %w", err)
	}
	pushed := 0
	if rec.Pushed {
		pushed = 1
	}
	return []any{
		rec.Seq,
		rec.RecordHash,
		rec.BatchID,
		rec.Timestamp.UnixMilli(),
		string(rec.Outcome),
		string(rec.ErrorKind),
		rec.CommitID,
		len(rec.Paths),
		pushed,
		rec.DurationMS,
		string(line),
	}, nil
}

// Insert adds one record.
func (ix *Index) Insert(ctx context.Context, rec Record) error {
	args, err := insertArgs(rec)
	if err != nil {
		return err
	}
	if _, err := ix.conn.ExecContext(ctx, fmt.Sprintf(insertRecord, ""), args...); err != nil {
		return fmt.Errorf("failed to index record %d: %w", rec.Seq, err)
	}
	return nil
}

// Backfill inserts any records the index is missing, in one transaction.
func (ix *Index) Backfill(ctx context.Context, records []Record) error {
	tx, err := ix.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(insertRecord, "OR IGNORE"))
	if err != nil {
		return fmt.Errorf("failed to prepare backfill: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		args, err := insertArgs(rec)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to backfill record %d: %w", rec.Seq, err)
		}
	}
	return tx.Commit()
}

// Query selects records for history views.
type Query struct {
	// Since excludes records older than this time when non-zero.
	Since time.Time
	// Limit caps the number of records; zero means 50.
	Limit int
	// FailedOnly keeps FAILED outcomes.
	FailedOnly bool
}

// Query returns matching records, newest first.
func (ix *Index) Query(ctx context.Context, q Query) ([]Record, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	var (
		where []string
		args  []any
	)
	if !q.Since.IsZero() {
		where = append(where, "ts_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if q.FailedOnly {
		where = append(where, "outcome = 'FAILED'")
	}

	query := "SELECT record FROM sync_results"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := ix.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of indexed records.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := ix.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_results").Scan(&n)
	return n, err
}
