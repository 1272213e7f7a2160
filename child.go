package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// ExitCoder is implemented by application errors that choose their own
// process exit code.
type ExitCoder interface {
	ExitCode() int
}

// ChildOptions configures RunChild.
type ChildOptions struct {
	// Args are the application's command-line arguments, without the program
	// name.
	Args []string
	// RestartFlag is the token the watchdog passes after an abnormal exit.
	// Default "--restart-after-crash".
	RestartFlag string
	// Companion is the auxiliary executable's base name. Empty disables both
	// orphan cleanup and the companion.
	Companion string
	// CompanionDir holds the companion executable. Default: the application's
	// own directory.
	CompanionDir string
	// CompanionMarker names a file in CompanionDir whose presence enables
	// starting the companion. Empty never starts it.
	CompanionMarker string
	Logger          *slog.Logger
	// Cleaner defaults to an OrphanCleaner over the host process table.
	Cleaner *OrphanCleaner
}

// App is the monitored application's body. crashed is true when the
// previous run ended abnormally. The context is cancelled on SIGINT/SIGTERM.
type App func(ctx context.Context, crashed bool) error

// RunChild is the entry point for an application supervised by the
// watchdog. It sweeps an orphaned companion after a crash, optionally starts
// a fresh companion, runs app and converts its result into an exit code:
// nil is 0, an ExitCoder picks its own code, anything else is 1.
func RunChild(ctx context.Context, opts ChildOptions, app App) int {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	if opts.RestartFlag == "" {
		opts.RestartFlag = defaultRestartFlag
	}
	if opts.CompanionDir == "" {
		opts.CompanionDir = baseDir()
	}
	if opts.Companion != "" {
		opts.Companion = executableName(opts.Companion)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	crashed := HasRestartFlag(opts.Args, opts.RestartFlag)
	if crashed && opts.Companion != "" {
		logger.Info("Restart flag present, previous run ended abnormally; sweeping companion", "companion", opts.Companion)
		cleaner := opts.Cleaner
		if cleaner == nil {
			cleaner = NewOrphanCleaner(NewProcessTable(logger), logger)
		}
		if n, err := cleaner.TerminateIfRunning(ctx, opts.Companion); err != nil {
			logger.Warn("Companion cleanup incomplete, continuing startup", "terminated", n, "error", err)
		} else if n > 0 {
			logger.Info("Companion cleanup done", "terminated", n)
		}
	}

	var companion *Companion
	if opts.Companion != "" && opts.CompanionMarker != "" {
		if _, err := os.Stat(filepath.Join(opts.CompanionDir, opts.CompanionMarker)); err == nil {
			companion = NewCompanion(filepath.Join(opts.CompanionDir, opts.Companion), logger)
			if err := companion.Start(); err != nil {
				logger.Warn("Could not start companion", "error", err)
				companion = nil
			}
		} else {
			logger.Debug("Companion marker absent, not starting companion", "marker", opts.CompanionMarker)
		}
	}

	err := app(ctx, crashed)

	if companion != nil && companion.Running() {
		if stopErr := companion.Stop(); stopErr != nil {
			logger.Warn("Companion stop failed", "error", stopErr)
		}
	}

	code := exitCodeFor(err)
	if err != nil {
		logger.Error("Application exited with error", "exit_code", code, "error", err)
	} else {
		logger.Info("Application exited", "exit_code", code)
	}
	return code
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}
