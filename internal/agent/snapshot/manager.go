// Package snapshot implements the StateConsistencyManager: pre-task
// filesystem snapshots, an append-only operation log per task, inverse-patch
// rollback, and crash recovery from an on-disk snapshot layout, using plain
// os.MkdirAll/os.WriteFile file I/O and github.com/google/uuid for snapshot
// IDs.
package snapshot

import (
	"crypto/md5" //nolint:gosec // content-addressing backup filenames, not a security boundary
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config configures the StateConsistencyManager.
type Config struct {
	StoragePath                       string        `yaml:"storage_path"`
	RetentionHours                    int           `yaml:"retention_hours"`
	MaxSizeMB                         int           `yaml:"max_size_mb"`
	CaptureCWD                        bool          `yaml:"capture_cwd"`
	CaptureFiles                      bool          `yaml:"capture_files"`
	CaptureClipboard                  bool          `yaml:"capture_clipboard"`
	MinFreeDiskMB                     int64         `yaml:"min_free_disk_mb"`
	AutoRollbackOnConsecutiveFailures int           `yaml:"auto_rollback_on_consecutive_failures"`
	AutoRollbackOnCriticalError       bool          `yaml:"auto_rollback_on_critical_error"`
	RollbackTimeout                   time.Duration `yaml:"rollback_timeout_seconds"`

	// IndexPath, when non-empty, opens a sqlite Index (see index.go) to
	// accelerate retention-purge queries on large snapshot roots. Empty
	// disables the index; the directory-scan fallback is always correct.
	IndexPath string `yaml:"index_path"`
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig(storagePath string) Config {
	return Config{
		StoragePath:                       storagePath,
		RetentionHours:                    24,
		MaxSizeMB:                         500,
		CaptureCWD:                        true,
		CaptureFiles:                      true,
		CaptureClipboard:                  false,
		MinFreeDiskMB:                     100,
		AutoRollbackOnConsecutiveFailures: 3,
		AutoRollbackOnCriticalError:       true,
		RollbackTimeout:                   60 * time.Second,
	}
}

// Action is the OperationRecord action enum.
type Action string

const (
	ActionFileWrite  Action = "file_write"
	ActionFileCreate Action = "file_create"
	ActionFileDelete Action = "file_delete"
	ActionFileRename Action = "file_rename"
)

// BeforeState / AfterState capture pre/post content for inverse-action
// derivation.
type BeforeState struct {
	Content      string `json:"content,omitempty"`
	Existed      bool   `json:"existed"`
	OriginalPath string `json:"original_path,omitempty"`
}

type AfterState struct {
	Content string `json:"content,omitempty"`
}

// OperationRecord is an append-only per-task log entry.
type OperationRecord struct {
	OperationID string       `json:"operation_id"`
	Action      Action       `json:"action"`
	Target      string       `json:"target"`
	Before      *BeforeState `json:"before_state,omitempty"`
	After       *AfterState  `json:"after_state,omitempty"`
	RecordedAt  time.Time    `json:"recorded_at"`
}

// Environment captures select process-level state alongside file contents.
type Environment struct {
	CWD           string    `json:"cwd"`
	ClipboardText string    `json:"clipboard_text,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Metadata is the on-disk metadata.json content for a snapshot.
type Metadata struct {
	SnapshotID    string      `json:"snapshot_id"`
	TaskID        string      `json:"task_id"`
	AffectedFiles []string    `json:"affected_files"`
	CreatedAt     time.Time   `json:"created_at"`
	Environment   Environment `json:"environment"`
}

// task is the in-memory handle for one active snapshot + its operation log.
type task struct {
	meta        Metadata
	manifest    map[string]string // original path -> backup filename
	contents    map[string]string // original path -> captured content, for fast rollback comparison
	capturedSet map[string]struct{}
	ops         []OperationRecord
}

// Manager implements the StateConsistencyManager. It is safe for
// concurrent use across sessions; task_id namespaces all state.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	tasks   map[string]*task // task_id -> active snapshot/log (populated on CreateSnapshot or loaded from disk)
	index   *Index           // optional sqlite retention index, see index.go
	watcher *Watcher         // optional out-of-band deletion watcher, see watch.go
}

// NewManager constructs a Manager, purging expired or orphaned snapshots
// from disk.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.StoragePath == "" {
		return nil, errors.New("snapshot: storage path required")
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 24
	}
	if cfg.RollbackTimeout <= 0 {
		cfg.RollbackTimeout = 60 * time.Second
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create storage path: %w", err)
	}
	m := &Manager{cfg: cfg, tasks: make(map[string]*task)}
	if cfg.IndexPath != "" {
		idx, err := OpenIndex(cfg.IndexPath)
		if err != nil {
			return nil, err
		}
		m.index = idx
	}
	m.purgeExpiredAndOrphaned()
	return m, nil
}

// Close releases any optional index/watcher resources the Manager opened.
// Safe to call even if neither was configured.
func (m *Manager) Close() error {
	m.mu.Lock()
	idx, w := m.index, m.watcher
	m.mu.Unlock()
	var err error
	if idx != nil {
		err = idx.Close()
	}
	if w != nil {
		if werr := w.Close(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// PurgeExpired removes snapshots past their retention window. When a
// sqlite Index is configured (Config.IndexPath) it is consulted for the
// expired-id set -- the fast path the pack's sqlite drivers exist to serve
// on large snapshot roots -- falling back to the full directory scan
// (identical to the one NewManager runs at construction) if the index is
// unusable. This is the function Scheduler drives on a cron tick.
func (m *Manager) PurgeExpired() {
	if m.index != nil {
		if m.purgeExpiredViaIndex() {
			return
		}
	}
	m.purgeExpiredAndOrphaned()
}

func (m *Manager) purgeExpiredViaIndex() bool {
	ids, err := m.index.ExpiredBefore(time.Now())
	if err != nil {
		return false
	}
	for _, id := range ids {
		_ = os.RemoveAll(m.snapshotDir(id))
		_ = m.index.Remove(id)
	}
	return true
}

func (m *Manager) purgeExpiredAndOrphaned() {
	entries, err := os.ReadDir(m.cfg.StoragePath)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-time.Duration(m.cfg.RetentionHours) * time.Hour)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.cfg.StoragePath, entry.Name())
		meta, err := readMetadata(dir)
		if err != nil {
			_ = os.RemoveAll(dir)
			continue
		}
		if meta.CreatedAt.Before(cutoff) {
			_ = os.RemoveAll(dir)
		}
	}
}

func readMetadata(dir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// PreTaskCheckResult is the result of PreTaskCheck.
type PreTaskCheckResult struct {
	Passed bool
	Issues []string
}

// PreTaskCheck verifies free disk and write permissions; non-blocking, never
// returns an error itself.
func (m *Manager) PreTaskCheck(affectedFiles []string) PreTaskCheckResult {
	result := PreTaskCheckResult{Passed: true}
	if free, err := freeDiskMB(m.cfg.StoragePath); err == nil && m.cfg.MinFreeDiskMB > 0 && free < m.cfg.MinFreeDiskMB {
		result.Passed = false
		result.Issues = append(result.Issues, fmt.Sprintf("low disk space: %dMB free, need %dMB", free, m.cfg.MinFreeDiskMB))
	}
	for _, path := range affectedFiles {
		target := path
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			target = filepath.Dir(path)
		}
		if !writable(target) {
			result.Passed = false
			result.Issues = append(result.Issues, fmt.Sprintf("no write permission: %s", path))
		}
	}
	return result
}

// CreateSnapshot reads each affected file as text, captures environment, and
// writes the snapshot atomically to disk.
func (m *Manager) CreateSnapshot(taskID string, affectedFiles []string) (string, error) {
	snapshotID := uuid.NewString()
	env := Environment{Timestamp: time.Now()}
	if m.cfg.CaptureCWD {
		if cwd, err := os.Getwd(); err == nil {
			env.CWD = cwd
		}
	}
	if m.cfg.CaptureClipboard && runtime.GOOS == "darwin" {
		env.ClipboardText = readClipboardDarwin()
	}

	t := &task{
		meta: Metadata{
			SnapshotID:    snapshotID,
			TaskID:        taskID,
			AffectedFiles: append([]string(nil), affectedFiles...),
			CreatedAt:     time.Now(),
			Environment:   env,
		},
		manifest:    make(map[string]string),
		contents:    make(map[string]string),
		capturedSet: make(map[string]struct{}),
	}

	if m.cfg.CaptureFiles {
		for _, path := range affectedFiles {
			if err := m.captureFile(t, path); err != nil {
				return "", err
			}
		}
	}

	if err := m.persist(t); err != nil {
		return "", err
	}
	if m.index != nil {
		if err := m.index.Record(t.meta, m.cfg.RetentionHours); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	m.tasks[taskID] = t
	m.mu.Unlock()
	return snapshotID, nil
}

// captureFile records a file's current content in t, skipping silently if
// the file does not exist or is not a regular file.
func (m *Manager) captureFile(t *task, path string) error {
	if _, already := t.capturedSet[path]; already {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		t.capturedSet[path] = struct{}{} // mark attempted so EnsureFileCaptured won't retry an absent file forever
		return nil
	}
	if err != nil {
		return nil
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	backupName := backupFilename(path)
	t.manifest[path] = backupName
	t.contents[path] = string(content)
	t.capturedSet[path] = struct{}{}
	return nil
}

func backupFilename(path string) string {
	sum := md5.Sum([]byte(path)) //nolint:gosec
	return hex.EncodeToString(sum[:8]) + ".bak"
}

func (m *Manager) snapshotDir(snapshotID string) string {
	return filepath.Join(m.cfg.StoragePath, snapshotID)
}

// persist writes metadata.json, file_manifest.json and files/*.bak
// atomically: files are written to a temp directory and renamed into place.
func (m *Manager) persist(t *task) error {
	dir := m.snapshotDir(t.meta.SnapshotID)
	tmp := dir + ".tmp"
	_ = os.RemoveAll(tmp)
	if err := os.MkdirAll(filepath.Join(tmp, "files"), 0o755); err != nil {
		return err
	}

	metaBytes, err := json.MarshalIndent(t.meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, "metadata.json"), metaBytes, 0o644); err != nil {
		return err
	}

	manifestBytes, err := json.MarshalIndent(t.manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, "file_manifest.json"), manifestBytes, 0o644); err != nil {
		return err
	}

	for path, backupName := range t.manifest {
		if err := os.WriteFile(filepath.Join(tmp, "files", backupName), []byte(t.contents[path]), 0o644); err != nil {
			return err
		}
	}

	_ = os.RemoveAll(dir)
	if err := os.Rename(tmp, dir); err != nil {
		return err
	}
	return nil
}

// EnsureFileCaptured lazily captures a file the task didn't declare upfront.
// Returns false if the path was already captured, isn't a regular file, or
// the task is unknown.
func (m *Manager) EnsureFileCaptured(taskID, path string) bool {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if _, already := t.capturedSet[path]; already {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		t.capturedSet[path] = struct{}{}
		return false
	}
	if err := m.captureFile(t, path); err != nil {
		return false
	}
	t.meta.AffectedFiles = append(t.meta.AffectedFiles, path)
	_ = m.persist(t)
	return true
}

// RecordOperation appends an entry to the task's OperationLog.
func (m *Manager) RecordOperation(taskID string, rec OperationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return
	}
	if rec.OperationID == "" {
		rec.OperationID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	t.ops = append(t.ops, rec)
}

// Commit deletes the task's snapshot and log without restoring (success
// path, L4).
func (m *Manager) Commit(taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if ok {
		delete(m.tasks, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if m.index != nil {
		_ = m.index.Remove(t.meta.SnapshotID)
	}
	return os.RemoveAll(m.snapshotDir(t.meta.SnapshotID))
}

// Rollback restores every captured file's content, replays the operation
// log's inverse actions, restores cwd/clipboard, and removes the snapshot.
// Falls back to loading the snapshot from disk if it is not held in memory
// (post-crash recovery, I4).
func (m *Manager) Rollback(snapshotID string) []string {
	m.mu.Lock()
	var t *task
	var taskID string
	for id, candidate := range m.tasks {
		if candidate.meta.SnapshotID == snapshotID {
			t = candidate
			taskID = id
			break
		}
	}
	m.mu.Unlock()

	if t == nil {
		loaded, err := m.loadFromDisk(snapshotID)
		if err != nil {
			if m.watcher != nil && m.watcher.WasDeletedOutOfBand(snapshotID) {
				return []string{fmt.Sprintf("rollback failed: snapshot %s directory was deleted out-of-band: %v", snapshotID, err)}
			}
			return []string{fmt.Sprintf("rollback failed: snapshot %s not found: %v", snapshotID, err)}
		}
		t = loaded
	}

	deadline := time.Now().Add(m.cfg.RollbackTimeout)
	var messages []string

	// A snapshot still held in memory can have lost its disk directory;
	// report that instead of rolling back silently.
	if _, statErr := os.Stat(m.snapshotDir(snapshotID)); statErr != nil {
		if m.watcher != nil && m.watcher.WasDeletedOutOfBand(snapshotID) {
			messages = append(messages, fmt.Sprintf("snapshot %s directory was deleted out-of-band: %v", snapshotID, statErr))
		} else {
			messages = append(messages, fmt.Sprintf("snapshot %s directory is missing: %v", snapshotID, statErr))
		}
	}

	// 1. Replay operation log in reverse, deriving inverse actions.
	for i := len(t.ops) - 1; i >= 0; i-- {
		if time.Now().After(deadline) {
			messages = append(messages, "skipped (timeout): remaining operation log entries")
			break
		}
		messages = append(messages, applyInverse(t.ops[i])...)
	}

	// 2. Restore captured file contents directly (authoritative source of
	// truth for pre-task state, independent of the operation log).
	for path, content := range t.contents {
		if time.Now().After(deadline) {
			messages = append(messages, fmt.Sprintf("skipped (timeout): %s", path))
			continue
		}
		if err := restoreFile(path, content); err != nil {
			messages = append(messages, fmt.Sprintf("failed to restore %s: %v", path, err))
			continue
		}
		messages = append(messages, fmt.Sprintf("restored: %s", path))
	}

	// 3. Restore cwd; clipboard restore is macOS-only, best-effort.
	if t.meta.Environment.CWD != "" {
		if err := os.Chdir(t.meta.Environment.CWD); err != nil {
			messages = append(messages, fmt.Sprintf("failed to restore cwd: %v", err))
		}
	}
	if t.meta.Environment.ClipboardText != "" && runtime.GOOS == "darwin" {
		writeClipboardDarwin(t.meta.Environment.ClipboardText)
	}

	// 4. Remove snapshot from memory, index, and disk.
	m.mu.Lock()
	if taskID != "" {
		delete(m.tasks, taskID)
	}
	m.mu.Unlock()
	if m.index != nil {
		_ = m.index.Remove(snapshotID)
	}
	if err := os.RemoveAll(m.snapshotDir(snapshotID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		messages = append(messages, fmt.Sprintf("failed to remove snapshot directory: %v", err))
	}

	return messages
}

func restoreFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// applyInverse derives and applies the inverse action for one operation
// record, following a closed set of inverse-action rules by action type.
// Failures accumulate as messages rather than aborting rollback.
func applyInverse(rec OperationRecord) []string {
	switch rec.Action {
	case ActionFileWrite:
		if rec.Before != nil && rec.Before.Existed {
			if err := restoreFile(rec.Target, rec.Before.Content); err != nil {
				return []string{fmt.Sprintf("failed to revert write %s: %v", rec.Target, err)}
			}
			return []string{fmt.Sprintf("reverted write: %s", rec.Target)}
		}
	case ActionFileCreate:
		if _, err := os.Stat(rec.Target); err == nil {
			if err := os.Remove(rec.Target); err != nil {
				return []string{fmt.Sprintf("failed to remove created file %s: %v", rec.Target, err)}
			}
			return []string{fmt.Sprintf("removed created file: %s", rec.Target)}
		}
	case ActionFileDelete:
		if rec.Before != nil && rec.Before.Existed {
			if err := restoreFile(rec.Target, rec.Before.Content); err != nil {
				return []string{fmt.Sprintf("failed to recreate deleted file %s: %v", rec.Target, err)}
			}
			return []string{fmt.Sprintf("recreated: %s", rec.Target)}
		}
	case ActionFileRename:
		if rec.Before != nil && rec.Before.OriginalPath != "" {
			if err := os.Rename(rec.Target, rec.Before.OriginalPath); err != nil {
				return []string{fmt.Sprintf("failed to rename back %s: %v", rec.Target, err)}
			}
			return []string{fmt.Sprintf("renamed back: %s -> %s", rec.Target, rec.Before.OriginalPath)}
		}
	}
	return nil
}

func (m *Manager) loadFromDisk(snapshotID string) (*task, error) {
	dir := m.snapshotDir(snapshotID)
	meta, err := readMetadata(dir)
	if err != nil {
		return nil, err
	}
	manifestBytes, err := os.ReadFile(filepath.Join(dir, "file_manifest.json"))
	if err != nil {
		return nil, err
	}
	var manifest map[string]string
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, err
	}
	contents := make(map[string]string, len(manifest))
	for path, backupName := range manifest {
		data, err := os.ReadFile(filepath.Join(dir, "files", backupName))
		if err != nil {
			continue // B6: missing backup file surfaces as a per-path rollback error instead
		}
		contents[path] = string(data)
	}
	return &task{meta: meta, manifest: manifest, contents: contents, capturedSet: make(map[string]struct{})}, nil
}

// PostTaskCheckResult is the result of PostTaskCheck.
type PostTaskCheckResult struct {
	Passed          bool
	MissingFiles    []string
	IntegrityErrors []string
}

// PostTaskCheck verifies expected outputs exist and files written by the
// operation log are non-empty.
func (m *Manager) PostTaskCheck(taskID string, expectedOutputs []string) PostTaskCheckResult {
	result := PostTaskCheckResult{Passed: true}
	for _, path := range expectedOutputs {
		if _, err := os.Stat(path); err != nil {
			result.Passed = false
			result.MissingFiles = append(result.MissingFiles, path)
		}
	}
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if ok {
		for _, rec := range t.ops {
			if rec.Action != ActionFileWrite && rec.Action != ActionFileCreate {
				continue
			}
			info, err := os.Stat(rec.Target)
			if err != nil || info.Size() == 0 {
				result.Passed = false
				result.IntegrityErrors = append(result.IntegrityErrors, fmt.Sprintf("%s is missing or empty", rec.Target))
			}
		}
	}
	return result
}

// ShouldAutoRollback decides whether a streak of consecutive tool failures,
// or a single critical one, should trigger an automatic rollback.
func (m *Manager) ShouldAutoRollback(consecutiveFailures int, isCritical bool) bool {
	if m.cfg.AutoRollbackOnConsecutiveFailures > 0 && consecutiveFailures >= m.cfg.AutoRollbackOnConsecutiveFailures {
		return true
	}
	return isCritical && m.cfg.AutoRollbackOnCriticalError
}

// SnapshotIDFor returns the in-memory snapshot id for a task, if any.
func (m *Manager) SnapshotIDFor(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return "", false
	}
	return t.meta.SnapshotID, true
}

func writable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0o200 != 0
}

func readClipboardDarwin() string {
	out, err := exec.Command("pbpaste").Output()
	if err != nil {
		return ""
	}
	return string(out)
}

func writeClipboardDarwin(text string) {
	cmd := exec.Command("pbcopy")
	cmd.Stdin = strings.NewReader(text)
	_ = cmd.Run()
}
