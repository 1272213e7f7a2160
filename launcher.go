package watchdog

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"time"

	"github.com/natefinch/lumberjack"
)

// LaunchFailed is the ExitCode of a LaunchResult whose child never started.
// No OS reports it as a real exit status.
const LaunchFailed = math.MinInt32

// childOutputWaitDelay bounds how long Wait keeps copying teed child output
// after the child exits. Processes the child spawned may still hold the pipe.
const childOutputWaitDelay = time.Second

// LaunchResult describes one launch attempt.
type LaunchResult struct {
	Started  bool
	PID      int
	ExitCode int   // raw exit status, or LaunchFailed
	Err      error // ErrBinaryMissing or *SpawnError when Started is false
}

// Launcher starts the monitored application and blocks until it exits.
// onStart, when non-nil, is called with the child's pid right after spawn.
type Launcher interface {
	Launch(desc Descriptor, restart bool, onStart func(pid int)) LaunchResult
}

// ExecLauncher launches the child with os/exec.
type ExecLauncher struct {
	logger   *slog.Logger
	stdout   io.Writer
	stderr   io.Writer
	childLog *lumberjack.Logger
}

// Compile-time guard.
var _ Launcher = (*ExecLauncher)(nil)

// NewExecLauncher returns a launcher whose children inherit the watchdog's
// stdout and stderr. When childLogFile is set the child output is also
// written to that rotating file.
func NewExecLauncher(logger *slog.Logger, childLogFile string) (*ExecLauncher, error) {
	if logger == nil {
		logger = discardLogger()
	}
	l := &ExecLauncher{logger: logger, stdout: os.Stdout, stderr: os.Stderr}
	if childLogFile != "" {
		childLog, err := newRotatingFile(childLogFile)
		if err != nil {
			return nil, err
		}
		l.childLog = childLog
		l.stdout = io.MultiWriter(os.Stdout, childLog)
		l.stderr = io.MultiWriter(os.Stderr, childLog)
	}
	return l, nil
}

// Close releases the child log file, if any.
func (l *ExecLauncher) Close() error {
	if l.childLog == nil {
		return nil
	}
	return l.childLog.Close()
}

// Launch starts desc and waits for it to exit. The wait is unbounded.
func (l *ExecLauncher) Launch(desc Descriptor, restart bool, onStart func(pid int)) LaunchResult {
	if fi, err := os.Stat(desc.Path); err != nil || fi.IsDir() {
		l.logger.Error("Monitored executable missing", "path", desc.Path)
		return LaunchResult{ExitCode: LaunchFailed, Err: ErrBinaryMissing}
	}

	cmd := exec.Command(desc.Path, desc.Args(restart)...)
	setChildProcAttr(cmd)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	if l.childLog != nil {
		cmd.WaitDelay = childOutputWaitDelay
	}

	if err := cmd.Start(); err != nil {
		spawnErr := &SpawnError{Path: desc.Path, Err: err}
		l.logger.Error("Failed to start child", "path", desc.Path, "code", spawnErr.Code(), "error", err)
		return LaunchResult{ExitCode: LaunchFailed, Err: spawnErr}
	}
	pid := cmd.Process.Pid
	l.logger.Info("Child started", "pid", pid, "command", desc.CommandLine(restart))
	if onStart != nil {
		onStart(pid)
	}

	code := exitCodeFromWait(cmd, cmd.Wait())
	l.logger.Info("Child exited", "pid", pid, "exit_code", code)
	return LaunchResult{Started: true, PID: pid, ExitCode: code}
}

// exitCodeFromWait extracts the child's exit status. Signal termination on
// unix yields -1.
func exitCodeFromWait(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	// Output copying failed after the process was reaped.
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return 1
}
