//go:build windows

package watchdog

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// setChildProcAttr starts the child in a new process group with its window
// shown normally.
func setChildProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    false,
	}
}

// terminateProcess ends p. Windows has no polite termination signal for an
// arbitrary GUI process, so this is a hard stop.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}
