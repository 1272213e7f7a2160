package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Probe answers whether a named executable is currently running.
type Probe interface {
	IsRunning(ctx context.Context, name string) bool
}

// ProcessEntry is one row of the OS process table.
type ProcessEntry struct {
	PID  int32
	Name string
}

// ProcessTable reads and acts on the OS process table. The zero value is not
// usable; construct it with NewProcessTable.
type ProcessTable struct {
	logger   *slog.Logger
	snapshot func(ctx context.Context) ([]ProcessEntry, error)
	kill     func(ctx context.Context, pid int32) error
}

// Compile-time guard.
var _ Probe = (*ProcessTable)(nil)

// NewProcessTable returns a ProcessTable backed by the host process list.
func NewProcessTable(logger *slog.Logger) *ProcessTable {
	if logger == nil {
		logger = discardLogger()
	}
	return &ProcessTable{
		logger:   logger,
		snapshot: hostSnapshot,
		kill:     hostKill,
	}
}

// Find returns every live process whose executable base name equals name,
// ignoring case.
func (t *ProcessTable) Find(ctx context.Context, name string) ([]ProcessEntry, error) {
	entries, err := t.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	var matches []ProcessEntry
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			matches = append(matches, e)
		}
	}
	return matches, nil
}

// IsRunning reports whether at least one process named name is alive. An
// enumeration failure is logged and reported as not running.
func (t *ProcessTable) IsRunning(ctx context.Context, name string) bool {
	matches, err := t.Find(ctx, name)
	if err != nil {
		t.logger.Warn("Process probe failed, assuming not running", "name", name, "error", err)
		return false
	}
	return len(matches) > 0
}

// Kill forcibly terminates pid.
func (t *ProcessTable) Kill(ctx context.Context, pid int32) error {
	return t.kill(ctx, pid)
}

func hostSnapshot(ctx context.Context) ([]ProcessEntry, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]ProcessEntry, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Exited between listing and inspection.
			continue
		}
		entries = append(entries, ProcessEntry{PID: p.Pid, Name: name})
	}
	return entries, nil
}

func hostKill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

// OrphanCleaner sweeps auxiliary processes left behind by a crashed run of
// the monitored application. It runs inside the application, not the
// supervisor.
type OrphanCleaner struct {
	table  *ProcessTable
	logger *slog.Logger
}

// NewOrphanCleaner returns a cleaner acting on table.
func NewOrphanCleaner(table *ProcessTable, logger *slog.Logger) *OrphanCleaner {
	if logger == nil {
		logger = discardLogger()
	}
	return &OrphanCleaner{table: table, logger: logger}
}

// TerminateIfRunning force-kills every process named name other than the
// caller and returns how many were terminated. With no match it returns
// (0, nil). A non-nil error is informational: callers continue regardless.
func (c *OrphanCleaner) TerminateIfRunning(ctx context.Context, name string) (int, error) {
	c.logger.Debug("Checking for orphaned process", "name", name)
	matches, err := c.table.Find(ctx, name)
	if err != nil {
		c.logger.Warn("Could not enumerate processes", "name", name, "error", err)
		return 0, err
	}

	self := int32(os.Getpid())
	var (
		terminated int
		failures   []error
	)
	for _, m := range matches {
		if m.PID == self {
			continue
		}
		c.logger.Info("Found orphaned process", "name", m.Name, "pid", m.PID)
		if err := c.table.Kill(ctx, m.PID); err != nil {
			c.logger.Warn("Failed to terminate orphaned process", "name", m.Name, "pid", m.PID, "error", err)
			failures = append(failures, fmt.Errorf("pid %d: %w", m.PID, err))
			continue
		}
		terminated++
		c.logger.Info("Terminated orphaned process", "name", m.Name, "pid", m.PID)
	}
	if len(failures) > 0 {
		return terminated, fmt.Errorf("%w: %w", ErrCleanupPartial, errors.Join(failures...))
	}
	c.logger.Debug("Orphan check complete", "name", name, "terminated", terminated)
	return terminated, nil
}
