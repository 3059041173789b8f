//go:build !linux && !darwin

package snapshot

import "errors"

var errUnsupportedPlatform = errors.New("snapshot: disk free-space check unsupported on this platform")

// freeDiskMB is unsupported on this platform; callers treat the error as
// "skip the disk-space check" (PreTaskCheck only enforces it when known).
func freeDiskMB(path string) (int64, error) {
	return 0, errUnsupportedPlatform
}
