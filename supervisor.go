package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Supervisor. Zero fields take the defaults noted.
type Options struct {
	Launcher        Launcher      // required
	Probe           Probe         // required
	Logger          *slog.Logger  // default: discard
	Metrics         *Metrics      // default: none
	Backoff         time.Duration // default 5s
	PollInterval    time.Duration // default 5s
	Tick            time.Duration // default 1s; cancellation latency bound
	NormalExitLimit int           // default 1
	RestartIntent   bool          // pass the restart flag on the first launch

	// OnStateChange is called on every transition, from the loop goroutine.
	OnStateChange func(old, new State)
}

// Status is a point-in-time view of a Supervisor.
type Status struct {
	State          State     `json:"state"`
	PID            int       `json:"pid,omitempty"`
	RestartIntent  bool      `json:"restart_intent"`
	Launches       int       `json:"launches"`
	AbnormalExits  int       `json:"abnormal_exits"`
	NormalExits    int       `json:"normal_exits"`
	LaunchFailures int       `json:"launch_failures"`
	LastExitCode   *int      `json:"last_exit_code,omitempty"`
	Since          time.Time `json:"since"`
}

// Supervisor runs the launch → wait → classify → restart cycle for one
// monitored application.
type Supervisor struct {
	desc     Descriptor
	launcher Launcher
	probe    Probe
	logger   *slog.Logger
	metrics  *Metrics

	backoff         time.Duration
	pollInterval    time.Duration
	tick            time.Duration
	normalExitLimit int
	onStateChange   func(old, new State)

	// restartIntent is only touched by the loop goroutine.
	restartIntent bool
	stopRequested atomic.Bool

	mu     sync.Mutex
	status Status
}

// New returns a Supervisor for desc in StateIdle.
func New(desc Descriptor, opts Options) *Supervisor {
	s := &Supervisor{
		desc:            desc,
		launcher:        opts.Launcher,
		probe:           opts.Probe,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		backoff:         opts.Backoff,
		pollInterval:    opts.PollInterval,
		tick:            opts.Tick,
		normalExitLimit: opts.NormalExitLimit,
		onStateChange:   opts.OnStateChange,
		restartIntent:   opts.RestartIntent,
	}
	if s.logger == nil {
		s.logger = discardLogger()
	}
	if s.backoff <= 0 {
		s.backoff = defaultBackoff
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.tick <= 0 {
		s.tick = defaultTick
	}
	if s.normalExitLimit < 1 {
		s.normalExitLimit = defaultNormalExits
	}
	s.status = Status{State: StateIdle, RestartIntent: s.restartIntent, Since: time.Now()}
	return s
}

// Stop requests shutdown. It only flips a flag and is safe to call from a
// signal handler goroutine at any time. A child that is running keeps
// running; the loop notices the request at its next wait.
func (s *Supervisor) Stop() {
	s.stopRequested.Store(true)
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.LastExitCode != nil {
		code := *st.LastExitCode
		st.LastExitCode = &code
	}
	return st
}

// Run drives the cycle until the child exits normally often enough, Stop is
// called, or ctx is cancelled. It returns the watchdog's own exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	s.logger.Info("Watchdog started", "child", s.desc.Name, "path", s.desc.Path)
	if s.restartIntent {
		s.logger.Info("Started with restart flag, previous run ended abnormally")
	}

	normalExits := 0
	for !s.stopping(ctx) {
		if s.probe.IsRunning(ctx, s.desc.Name) {
			s.setState(StatePolling)
			s.logger.Debug("Child already running, polling", "name", s.desc.Name, "interval", s.pollInterval)
			if !s.wait(ctx, s.pollInterval) {
				break
			}
			continue
		}

		s.logger.Info("Child not running, launching", "name", s.desc.Name, "restart", s.restartIntent)
		s.setState(StateLaunching)
		res := s.launcher.Launch(s.desc, s.restartIntent, s.childStarted)

		if !res.Started {
			s.recordLaunchFailure(res.Err)
			s.setState(StateBackoff)
			if !s.wait(ctx, s.backoff) {
				break
			}
			continue
		}

		s.restartIntent = false
		class := Classify(res.ExitCode)
		s.recordExit(res, class)

		if class == ExitNormal {
			normalExits++
			s.logger.Info("Child exited normally", "exit_code", res.ExitCode, "normal_exits", normalExits)
			if normalExits >= s.normalExitLimit {
				s.logger.Info("Normal exit limit reached, watchdog exiting")
				break
			}
			continue
		}

		s.restartIntent = true
		s.setRestartIntent(true)
		s.logger.Warn("Child exited abnormally, restarting after backoff", "exit_code", res.ExitCode, "backoff", s.backoff)
		s.setState(StateBackoff)
		if !s.wait(ctx, s.backoff) {
			break
		}
	}

	s.setState(StateTerminating)
	s.logger.Info("Watchdog stopping")
	return ExitOK
}

// stopping reports whether shutdown was requested by Stop or ctx.
func (s *Supervisor) stopping(ctx context.Context) bool {
	return s.stopRequested.Load() || ctx.Err() != nil
}

// wait sleeps for d in tick-sized steps and returns false as soon as a
// shutdown request is seen.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	if s.stopping(ctx) {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-timer.C:
			return !s.stopping(ctx)
		case <-ticker.C:
			if s.stopRequested.Load() {
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Supervisor) childStarted(pid int) {
	s.metrics.launched(s.restartIntent)
	s.mu.Lock()
	s.status.PID = pid
	s.status.Launches++
	s.mu.Unlock()
	s.setState(StateMonitoring)
}

func (s *Supervisor) recordLaunchFailure(err error) {
	s.metrics.launchFailed(err)
	s.mu.Lock()
	s.status.LaunchFailures++
	s.mu.Unlock()

	var spawnErr *SpawnError
	switch {
	case errors.Is(err, ErrBinaryMissing):
		s.logger.Error("Cannot launch child, executable missing; retrying after backoff",
			"path", s.desc.Path, "backoff", s.backoff)
	case errors.As(err, &spawnErr):
		s.logger.Error("Cannot launch child, spawn failed; retrying after backoff",
			"path", s.desc.Path, "code", spawnErr.Code(), "error", spawnErr.Err, "backoff", s.backoff)
	default:
		s.logger.Error("Cannot launch child; retrying after backoff", "error", err, "backoff", s.backoff)
	}
}

func (s *Supervisor) recordExit(res LaunchResult, class ExitClass) {
	s.metrics.exited(class)
	code := res.ExitCode
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.PID = 0
	s.status.RestartIntent = false
	s.status.LastExitCode = &code
	if class == ExitNormal {
		s.status.NormalExits++
	} else {
		s.status.AbnormalExits++
	}
}

func (s *Supervisor) setRestartIntent(v bool) {
	s.mu.Lock()
	s.status.RestartIntent = v
	s.mu.Unlock()
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.status.State
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.status.State = next
	s.status.Since = time.Now()
	s.mu.Unlock()

	s.metrics.setState(next)
	s.logger.Debug("State change", "from", prev, "to", next)
	if s.onStateChange != nil {
		s.onStateChange(prev, next)
	}
}
