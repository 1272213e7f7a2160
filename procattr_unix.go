//go:build unix

package watchdog

import (
	"os"
	"os/exec"
	"syscall"
)

// setChildProcAttr puts the child in its own process group so terminal
// signals aimed at the watchdog do not reach it.
func setChildProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess asks p to exit.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
