//go:build !windows

package nativelog

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// withProcessLogLock serializes log appends across clustered worker
// processes with an advisory flock on a sidecar lock file.
func withProcessLogLock(fn func() error) error {
	lockPath := filepath.Join(ResolveDir(), ".log.lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		// Fall back to unsynchronized append rather than dropping the line.
		return fn()
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fn()
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}
