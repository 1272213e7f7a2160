package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Watchdog process exit codes.
const (
	ExitOK             = 0
	ExitFailure        = 1 // bad configuration or startup failure
	ExitAlreadyRunning = 2 // another watchdog holds the instance lock
)

// exitError carries a chosen exit code out of cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Execute runs the watchdog command line and returns the process exit code.
func Execute() int {
	cmd := NewCommand()
	code := ExitOK
	cmd.SetArgs(os.Args[1:])
	if err := cmd.Execute(); err != nil {
		code = ExitFailure
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		if code != ExitAlreadyRunning {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	return code
}

// NewCommand builds the root cobra command.
func NewCommand() *cobra.Command {
	opts := newCLIOptions()
	cmd := &cobra.Command{
		Use:           "watchdog",
		Short:         "Launch the desktop shell and restart it when it crashes",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve(cmd.Flags())
			if err != nil {
				return &exitError{code: ExitFailure, err: err}
			}
			code, err := run(cmd.Context(), cfg, opts.restarted, cmd.OutOrStdout())
			if err != nil || code != ExitOK {
				if err == nil {
					err = fmt.Errorf("watchdog exited with code %d", code)
				}
				return &exitError{code: code, err: err}
			}
			return nil
		},
	}
	opts.bind(cmd.Flags())
	return cmd
}

// cliOptions collects flag values. flags mirrors Config so that only the
// flags actually given on the command line override the config file.
type cliOptions struct {
	configPath string
	restarted  bool
	flags      *Config
}

func newCLIOptions() *cliOptions {
	return &cliOptions{flags: DefaultConfig()}
}

func (o *cliOptions) bind(f *pflag.FlagSet) {
	c := o.flags
	f.StringVarP(&o.configPath, "config", "c", "", "Path to yaml, json or toml config file (default "+defaultConfigFileName+" next to the executable, if present)")
	f.BoolVar(&o.restarted, "restart-after-crash", false, "The previous run ended abnormally; pass the restart flag on the first launch")
	f.StringVar(&c.Child, "child", c.Child, "Monitored executable name")
	f.StringVar(&c.ChildDir, "child-dir", c.ChildDir, "Directory holding the monitored executable (default: watchdog's directory)")
	f.StringVar(&c.RestartFlag, "restart-flag", c.RestartFlag, "Token passed to the child after an abnormal exit")
	f.StringVar(&c.Companion, "companion", c.Companion, "Auxiliary process the monitored application owns")
	f.StringVar(&c.LockName, "lock-name", c.LockName, "System-wide instance lock name")
	f.StringVar(&c.LockDir, "lock-dir", c.LockDir, "Directory for the instance lock file on unix")
	f.DurationVar(&c.Backoff.Duration, "backoff", c.Backoff.Duration, "Delay before relaunching after a failure")
	f.DurationVar(&c.PollInterval.Duration, "poll-interval", c.PollInterval.Duration, "Re-check interval while the child runs outside the watchdog")
	f.DurationVar(&c.Tick.Duration, "tick", c.Tick.Duration, "Longest delay before a shutdown request is noticed")
	f.IntVar(&c.NormalExitLimit, "normal-exit-limit", c.NormalExitLimit, "Normal child exits before the watchdog exits")
	f.StringVar(&c.LogFile, "log-file", c.LogFile, "Watchdog log file, relative to the executable directory unless absolute")
	f.StringVar(&c.ChildLogFile, "child-log-file", c.ChildLogFile, "Also write child output to this rotating file")
	f.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	f.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format (text, json)")
	f.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Serve /metrics, /healthz and /status on this address")
	f.BoolVar(&c.WatchBinary, "watch-binary", c.WatchBinary, "Log changes to the monitored executable")
}

// resolve loads the config file, then applies the flags set on the command
// line on top of it.
func (o *cliOptions) resolve(flags *pflag.FlagSet) (*Config, error) {
	cfg := DefaultConfig()
	configPath := o.configPath
	if configPath == "" {
		if p := filepath.Join(baseDir(), defaultConfigFileName); fileExists(p) {
			configPath = p
		}
	}
	if configPath != "" {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	fc := o.flags
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "child":
			cfg.Child = fc.Child
		case "child-dir":
			cfg.ChildDir = fc.ChildDir
		case "restart-flag":
			cfg.RestartFlag = fc.RestartFlag
		case "companion":
			cfg.Companion = fc.Companion
		case "tick":
			cfg.Tick = fc.Tick
		case "lock-name":
			cfg.LockName = fc.LockName
		case "lock-dir":
			cfg.LockDir = fc.LockDir
		case "backoff":
			cfg.Backoff = fc.Backoff
		case "poll-interval":
			cfg.PollInterval = fc.PollInterval
		case "normal-exit-limit":
			cfg.NormalExitLimit = fc.NormalExitLimit
		case "log-file":
			cfg.LogFile = fc.LogFile
		case "child-log-file":
			cfg.ChildLogFile = fc.ChildLogFile
		case "log-level":
			cfg.LogLevel = fc.LogLevel
		case "log-format":
			cfg.LogFormat = fc.LogFormat
		case "metrics-addr":
			cfg.MetricsAddr = fc.MetricsAddr
		case "watch-binary":
			cfg.WatchBinary = fc.WatchBinary
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// run owns the watchdog's lifecycle: logger, instance lock, supervisor loop
// and the optional status server and binary watcher.
func run(ctx context.Context, cfg *Config, restarted bool, stdout io.Writer) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dir := baseDir()
	logger, closeLog, err := NewLogger(LogOptions{
		File:    resolvePath(dir, cfg.LogFile),
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Stdout:  stdout,
		Journal: true,
	})
	if err != nil {
		return ExitFailure, err
	}
	defer closeLog()

	logger.Info("Watchdog starting", "pid", os.Getpid(), "restart_flag", restarted)

	guard := NewInstanceGuard(cfg.LockName, cfg.LockDir, logger)
	ok, err := guard.TryAcquire()
	if err != nil {
		logger.Error("Instance lock unavailable", "error", err)
		return ExitFailure, err
	}
	if !ok {
		logger.Error("Another watchdog is already running, exiting", "lock", cfg.LockName)
		return ExitAlreadyRunning, ErrAlreadyRunning
	}
	defer func() {
		if err := guard.Release(); err != nil {
			logger.Warn("Instance lock release failed", "error", err)
		}
	}()

	desc, err := ResolveDescriptor(cfg)
	if err != nil {
		logger.Error("Cannot resolve monitored executable", "error", err)
		return ExitFailure, err
	}

	launcher, err := NewExecLauncher(logger, resolvePath(dir, cfg.ChildLogFile))
	if err != nil {
		logger.Error("Cannot open child log", "error", err)
		return ExitFailure, err
	}
	defer launcher.Close()

	probe := NewProcessTable(logger)
	if cfg.Companion != "" && probe.IsRunning(ctx, cfg.Companion) && !probe.IsRunning(ctx, desc.Name) {
		logger.Warn("Companion is running without the monitored application; the application sweeps it after a crash restart",
			"companion", cfg.Companion)
	}

	metrics := NewMetrics()
	sup := New(desc, Options{
		Launcher:        launcher,
		Probe:           probe,
		Logger:          logger,
		Metrics:         metrics,
		Backoff:         cfg.Backoff.Duration,
		PollInterval:    cfg.PollInterval.Duration,
		Tick:            cfg.Tick.Duration,
		NormalExitLimit: cfg.NormalExitLimit,
		RestartIntent:   restarted,
	})

	auxCtx, cancelAux := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancelAux()
		wg.Wait()
	}()

	if cfg.MetricsAddr != "" {
		srv := NewStatusServer(cfg.MetricsAddr, sup, metrics, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(auxCtx); err != nil {
				logger.Error("Status server failed", "error", err)
			}
		}()
	}
	if cfg.WatchBinary {
		watcher, err := NewBinaryWatcher(desc.Path, logger, metrics)
		if err != nil {
			logger.Warn("Cannot watch monitored executable", "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				watcher.Run(auxCtx)
			}()
		}
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigC)
	go func() {
		select {
		case sig := <-sigC:
			logger.Info("Shutdown signal received", "signal", sig.String())
			sup.Stop()
		case <-auxCtx.Done():
		}
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify failed", "error", err)
	}
	code := sup.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return code, nil
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
