package watchdog

// State is the supervisor's position in the launch/restart cycle.
type State string

// Supervisor states.
const (
	StateIdle        State = "idle"        // Not started yet
	StatePolling     State = "polling"     // Child already running elsewhere, re-checking
	StateLaunching   State = "launching"   // Spawning the child
	StateMonitoring  State = "monitoring"  // Blocked on child exit
	StateBackoff     State = "backoff"     // Waiting before the next launch
	StateTerminating State = "terminating" // Supervisor is exiting
)

// States lists every supervisor state in cycle order.
var States = []State{
	StateIdle,
	StatePolling,
	StateLaunching,
	StateMonitoring,
	StateBackoff,
	StateTerminating,
}

// ExitClass is the verdict on a child's exit status.
type ExitClass int

const (
	// ExitNormal is a deliberate, clean shutdown of the child.
	ExitNormal ExitClass = iota
	// ExitAbnormal is any other termination; the child gets restarted.
	ExitAbnormal
)

func (c ExitClass) String() string {
	if c == ExitNormal {
		return "normal"
	}
	return "abnormal"
}

// Classify maps a raw child exit code to an ExitClass.
//
// Only 0 is normal. Every other value, including negative codes reported for
// signal termination and 32-bit wraparound values, is abnormal. The monitored
// application owns the exit code convention, so no finer distinction is made.
func Classify(code int) ExitClass {
	if code == 0 {
		return ExitNormal
	}
	return ExitAbnormal
}
