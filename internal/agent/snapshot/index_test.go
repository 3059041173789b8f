package snapshot

import (
	"path/filepath"
	"testing"
	"time"
)

func TestIndexRecordAndExpiredBefore(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	old := Metadata{SnapshotID: "old", TaskID: "t1", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := Metadata{SnapshotID: "fresh", TaskID: "t2", CreatedAt: time.Now()}

	if err := idx.Record(old, 24); err != nil {
		t.Fatalf("Record(old): %v", err)
	}
	if err := idx.Record(fresh, 24); err != nil {
		t.Fatalf("Record(fresh): %v", err)
	}

	expired, err := idx.ExpiredBefore(time.Now())
	if err != nil {
		t.Fatalf("ExpiredBefore: %v", err)
	}
	if len(expired) != 1 || expired[0] != "old" {
		t.Fatalf("expected only %q expired, got %v", "old", expired)
	}

	if err := idx.Remove("old"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	expired, err = idx.ExpiredBefore(time.Now())
	if err != nil {
		t.Fatalf("ExpiredBefore after remove: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected no expired rows after Remove, got %v", expired)
	}
}

func TestIndexRecordUpsertsExistingRow(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer idx.Close()

	meta := Metadata{SnapshotID: "s1", TaskID: "t1", CreatedAt: time.Now().Add(-48 * time.Hour)}
	if err := idx.Record(meta, 24); err != nil {
		t.Fatalf("Record: %v", err)
	}

	meta.CreatedAt = time.Now() // re-record as fresh
	if err := idx.Record(meta, 24); err != nil {
		t.Fatalf("Record (update): %v", err)
	}

	expired, err := idx.ExpiredBefore(time.Now())
	if err != nil {
		t.Fatalf("ExpiredBefore: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected upsert to clear expiry, got %v", expired)
	}
}

func TestManagerWithIndexPurgesExpiredSnapshots(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "snapshots"))
	cfg.CaptureCWD = false
	cfg.IndexPath = filepath.Join(dir, "index.db")
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	snapID, err := m.CreateSnapshot("task1", nil)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	// Force the index row into the past so the next sweep treats it as expired.
	if err := m.index.Record(Metadata{SnapshotID: snapID, TaskID: "task1", CreatedAt: time.Now().Add(-72 * time.Hour)}, cfg.RetentionHours); err != nil {
		t.Fatalf("Record: %v", err)
	}

	m.PurgeExpired()

	if _, err := readMetadata(m.snapshotDir(snapID)); err == nil {
		t.Fatalf("expected snapshot directory %s to be purged", snapID)
	}
}
