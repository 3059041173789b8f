//go:build linux || darwin

package snapshot

import "syscall"

// freeDiskMB returns free disk space in megabytes for the filesystem
// containing path.
func freeDiskMB(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	bytesFree := stat.Bavail * uint64(stat.Bsize)
	return int64(bytesFree / (1024 * 1024)), nil
}
