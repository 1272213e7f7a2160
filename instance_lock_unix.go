//go:build unix

package watchdog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// flockHandle holds an exclusive flock(2) on an open lock file. The kernel
// drops the lock when the descriptor is closed or the process dies; the file
// itself is never treated as a signal.
type flockHandle struct {
	file *os.File
}

func acquireLock(name, dir string) (lockHandle, bool, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, err
	}
	path := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock %s: %w", path, err)
	}
	// Informational only; ownership is the flock.
	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	return &flockHandle{file: f}, true, nil
}

func (h *flockHandle) release() error {
	if err := unix.Flock(int(h.file.Fd()), unix.LOCK_UN); err != nil {
		h.file.Close()
		return err
	}
	return h.file.Close()
}
