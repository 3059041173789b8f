package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "snapshots"))
	cfg.CaptureCWD = false
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestCreateSnapshotThenRollbackRestoresByteExactly(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(pathA, []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pathB, []byte("B"), 0o644); err != nil {
		t.Fatal(err)
	}

	snapID, err := m.CreateSnapshot("task1", []string{pathA, pathB})
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	// Modify both files post-snapshot (L3 setup).
	if err := os.WriteFile(pathA, []byte("A-modified"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(pathB); err != nil {
		t.Fatal(err)
	}

	m.Rollback(snapID)

	gotA, err := os.ReadFile(pathA)
	if err != nil {
		t.Fatalf("read a.txt after rollback: %v", err)
	}
	if string(gotA) != "A" {
		t.Fatalf("expected a.txt restored to %q, got %q", "A", gotA)
	}
	gotB, err := os.ReadFile(pathB)
	if err != nil {
		t.Fatalf("read b.txt after rollback: %v", err)
	}
	if string(gotB) != "B" {
		t.Fatalf("expected b.txt restored to %q, got %q", "B", gotB)
	}
}

func TestCommitIsNoOpOnFiles(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	snapID, err := m.CreateSnapshot("task1", []string{path})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("A-changed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit("task1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "A-changed" {
		t.Fatalf("expected commit to leave file unchanged, got %q", got)
	}
	if _, err := os.Stat(m.snapshotDir(snapID)); !os.IsNotExist(err) {
		t.Fatalf("expected snapshot directory removed after commit")
	}
}

func TestSnapshotOfMissingFileIsSilentlySkipped(t *testing.T) {
	m := newTestManager(t)
	missing := filepath.Join(t.TempDir(), "does-not-exist.txt")
	snapID, err := m.CreateSnapshot("task1", []string{missing})
	if err != nil {
		t.Fatalf("expected no error snapshotting a missing file, got %v", err)
	}
	if snapID == "" {
		t.Fatalf("expected a snapshot id even with no capturable files")
	}
}

func TestRollbackOfDeletedSnapshotDirReturnsMessagesNotError(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	snapID, err := m.CreateSnapshot("task1", []string{path})
	if err != nil {
		t.Fatal(err)
	}
	// Simulate the in-memory handle being gone (process restart) and the
	// disk directory also deleted.
	delete(m.tasks, "task1")
	if err := os.RemoveAll(m.snapshotDir(snapID)); err != nil {
		t.Fatal(err)
	}

	messages := m.Rollback(snapID)
	if len(messages) == 0 {
		t.Fatalf("expected a per-path/error message, got none")
	}
}

func TestRollbackRecoversFromFreshManagerInstance(t *testing.T) {
	dir := t.TempDir()
	storage := filepath.Join(dir, "snapshots")
	cfg := DefaultConfig(storage)
	cfg.CaptureCWD = false
	m1, err := NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fileDir := t.TempDir()
	path := filepath.Join(fileDir, "a.txt")
	if err := os.WriteFile(path, []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	snapID, err := m1.CreateSnapshot("task1", []string{path})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("A-modified"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Fresh manager instance simulating process restart.
	m2, err := NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m2.Rollback(snapID)

	got, _ := os.ReadFile(path)
	if string(got) != "A" {
		t.Fatalf("expected crash-recovered rollback to restore content, got %q", got)
	}
}

func TestInverseActionForFileDelete(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	snapID, err := m.CreateSnapshot("task1", []string{path})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordOperation("task1", OperationRecord{
		Action: ActionFileDelete,
		Target: path,
		Before: &BeforeState{Content: "A", Existed: true},
	})
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	m.Rollback(snapID)

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected file recreated by rollback: %v", err)
	}
	if string(got) != "A" {
		t.Fatalf("expected recreated content %q, got %q", "A", got)
	}
}

func TestShouldAutoRollback(t *testing.T) {
	m := newTestManager(t)
	m.cfg.AutoRollbackOnConsecutiveFailures = 3
	if m.ShouldAutoRollback(2, false) {
		t.Fatalf("expected no auto-rollback below threshold")
	}
	if !m.ShouldAutoRollback(3, false) {
		t.Fatalf("expected auto-rollback at threshold")
	}
	if !m.ShouldAutoRollback(0, true) {
		t.Fatalf("expected auto-rollback on critical error")
	}
}
