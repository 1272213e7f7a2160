package watchdog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const defaultCompanionStopTimeout = 5 * time.Second

// Companion owns the auxiliary process the monitored application runs next
// to itself (the overlay). If the application crashes the companion is
// orphaned; OrphanCleaner removes it on the next start.
type Companion struct {
	path        string
	logger      *slog.Logger
	stopTimeout time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewCompanion returns a stopped companion for the executable at path.
func NewCompanion(path string, logger *slog.Logger) *Companion {
	if logger == nil {
		logger = discardLogger()
	}
	return &Companion{path: path, logger: logger, stopTimeout: defaultCompanionStopTimeout}
}

// Start launches the companion. Starting a running companion is a no-op.
func (c *Companion) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		c.logger.Debug("Companion already running", "pid", c.cmd.Process.Pid)
		return nil
	}
	if _, err := os.Stat(c.path); err != nil {
		return fmt.Errorf("companion %s: %w", c.path, ErrBinaryMissing)
	}

	cmd := exec.Command(c.path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return &SpawnError{Path: c.path, Err: err}
	}
	done := make(chan struct{})
	c.cmd = cmd
	c.done = done
	c.logger.Info("Companion started", "path", c.path, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		c.logger.Info("Companion exited", "pid", cmd.Process.Pid, "exit_code", exitCodeFromWait(cmd, err))
		c.mu.Lock()
		if c.cmd == cmd {
			c.cmd = nil
			c.done = nil
		}
		c.mu.Unlock()
		close(done)
	}()
	return nil
}

// Running reports whether the companion process is alive.
func (c *Companion) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}

// Stop asks the companion to exit and kills it if it is still alive after
// the stop timeout. Stopping a stopped companion is a no-op.
func (c *Companion) Stop() error {
	c.mu.Lock()
	cmd, done := c.cmd, c.done
	c.mu.Unlock()
	if cmd == nil {
		return nil
	}

	c.logger.Info("Stopping companion", "pid", cmd.Process.Pid)
	if err := terminateProcess(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Warn("Failed to signal companion", "error", err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(c.stopTimeout):
	}

	c.logger.Warn("Companion did not exit in time, killing", "timeout", c.stopTimeout)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill companion: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(c.stopTimeout):
		return errors.New("companion did not exit after kill")
	}
}
