package snapshot

import (
	"database/sql"
	"fmt"
	"time"
)

// Index is a queryable sqlite side-table over snapshot lifecycle rows,
// generalizing the retention-purge directory walk (purgeExpiredAndOrphaned)
// into an indexed query so a purge sweep doesn't require a full os.ReadDir
// over a large snapshot root. The on-disk directory layout
// remains the source of truth for file contents; the index only accelerates
// "which snapshot_ids are past retained_until" queries. Driver selection
// (modernc.org/sqlite by default, github.com/mattn/go-sqlite3 under the
// cgosqlite build tag) lives in index_pure.go/index_cgo.go.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if absent) a sqlite-backed Index at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open index: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		snapshot_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		retained_until INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: init index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Record upserts a snapshot's lifecycle row, keyed by snapshot id.
func (x *Index) Record(meta Metadata, retentionHours int) error {
	retainedUntil := meta.CreatedAt.Add(time.Duration(retentionHours) * time.Hour)
	_, err := x.db.Exec(`INSERT INTO snapshots (snapshot_id, task_id, created_at, retained_until)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(snapshot_id) DO UPDATE SET
			task_id = excluded.task_id,
			created_at = excluded.created_at,
			retained_until = excluded.retained_until`,
		meta.SnapshotID, meta.TaskID, meta.CreatedAt.Unix(), retainedUntil.Unix())
	if err != nil {
		return fmt.Errorf("snapshot: record index row: %w", err)
	}
	return nil
}

// Remove deletes a snapshot's row, called from Commit and Rollback so the
// index never outlives the on-disk directory it tracks.
func (x *Index) Remove(snapshotID string) error {
	if _, err := x.db.Exec(`DELETE FROM snapshots WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("snapshot: remove index row: %w", err)
	}
	return nil
}

// ExpiredBefore returns the snapshot IDs whose retention window has passed
// asOf, the query the cron-driven Scheduler runs on each sweep.
func (x *Index) ExpiredBefore(asOf time.Time) ([]string, error) {
	rows, err := x.db.Query(`SELECT snapshot_id FROM snapshots WHERE retained_until < ?`, asOf.Unix())
	if err != nil {
		return nil, fmt.Errorf("snapshot: query expired index rows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("snapshot: scan expired index row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the underlying database handle.
func (x *Index) Close() error {
	return x.db.Close()
}
