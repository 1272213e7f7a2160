package watchdog

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrBinaryMissing reports that the monitored executable is not at its resolved path.
	ErrBinaryMissing = errors.New("monitored executable not found")
	// ErrProbeFailed reports that the OS process table could not be enumerated.
	ErrProbeFailed = errors.New("process enumeration failed")
	// ErrAlreadyRunning reports that another supervisor holds the instance lock.
	ErrAlreadyRunning = errors.New("another watchdog instance is running")
	// ErrCleanupPartial reports that at least one orphan could not be terminated.
	ErrCleanupPartial = errors.New("orphan cleanup incomplete")
)

// SpawnError is returned when the OS refuses to create the child process.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Code returns the OS error number behind the spawn failure, or -1 when the
// underlying error carries none.
func (e *SpawnError) Code() int {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return int(errno)
	}
	return -1
}
