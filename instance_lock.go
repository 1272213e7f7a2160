package watchdog

import (
	"fmt"
	"log/slog"
	"sync"
)

// InstanceGuard is a system-wide named exclusive lock. The OS releases it
// when the owning process dies, so a crashed watchdog never blocks the next.
type InstanceGuard struct {
	name   string
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	handle lockHandle
}

// NewInstanceGuard returns an unacquired guard for name. dir is where the
// lock file lives on unix; it is ignored on windows, where a named kernel
// mutex is used. An empty dir means the OS temp directory.
func NewInstanceGuard(name, dir string, logger *slog.Logger) *InstanceGuard {
	if logger == nil {
		logger = discardLogger()
	}
	return &InstanceGuard{name: name, dir: dir, logger: logger}
}

// Name returns the lock name.
func (g *InstanceGuard) Name() string { return g.name }

// TryAcquire attempts to become the sole owner of the lock. It returns false,
// without error, when another holder exists. Calling it again while held
// returns true.
func (g *InstanceGuard) TryAcquire() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handle != nil {
		return true, nil
	}
	h, ok, err := acquireLock(g.name, g.dir)
	if err != nil {
		return false, fmt.Errorf("acquire instance lock %q: %w", g.name, err)
	}
	if !ok {
		g.logger.Debug("Instance lock already held", "name", g.name)
		return false, nil
	}
	g.handle = h
	g.logger.Debug("Instance lock acquired", "name", g.name)
	return true, nil
}

// Release gives up the lock. Only the first call after a successful
// TryAcquire has an effect.
func (g *InstanceGuard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handle == nil {
		return nil
	}
	err := g.handle.release()
	g.handle = nil
	if err != nil {
		return fmt.Errorf("release instance lock %q: %w", g.name, err)
	}
	g.logger.Debug("Instance lock released", "name", g.name)
	return nil
}

// lockHandle is the OS object backing a held lock.
type lockHandle interface {
	release() error
}
