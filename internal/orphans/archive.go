// Package orphans keeps an audit trail of cache records purged because their
// item left the catalog.
package orphans

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sitecache/internal/model"
	"sitecache/internal/runstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS purged_records (
	run_id     TEXT NOT NULL,
	dataset    TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	url        TEXT NOT NULL,
	purged_at  INTEGER NOT NULL,
	record     JSON NOT NULL,
	PRIMARY KEY (run_id, dataset, record_id)
);
CREATE INDEX IF NOT EXISTS idx_purged_record ON purged_records(record_id, purged_at);
`

type Archive struct {
	db *sql.DB
}

// Entry is one archived record as read back from the archive.
type Entry struct {
	RunID    string
	Dataset  string
	PurgedAt time.Time
	Record   model.CacheRecord
}

func Open(path string) (*Archive, error) {
	if err := runstore.Mkdir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open orphan archive %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure orphan archive %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create orphan archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Record stores records in a single transaction. Re-recording the same run is
// a no-op per record.
func (a *Archive) Record(ctx context.Context, runID, dataset string, records []model.CacheRecord, at time.Time) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin orphan archive tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO purged_records (run_id, dataset, record_id, url, purged_at, record)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare orphan insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		blob, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal orphan %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, runID, dataset, r.ID, r.URL, at.UTC().UnixMilli(), string(blob)); err != nil {
			return fmt.Errorf("archive orphan %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit orphan archive: %w", err)
	}
	return nil
}

// History lists archived copies of one record, newest first.
func (a *Archive) History(ctx context.Context, recordID string) ([]Entry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT run_id, dataset, purged_at, record
		FROM purged_records
		WHERE record_id = ?
		ORDER BY purged_at DESC, run_id
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query orphan archive: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			at   int64
			blob string
		)
		if err := rows.Scan(&e.RunID, &e.Dataset, &at, &blob); err != nil {
			return nil, fmt.Errorf("scan orphan archive: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &e.Record); err != nil {
			return nil, fmt.Errorf("decode archived record %s: %w", recordID, err)
		}
		e.PurgedAt = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
