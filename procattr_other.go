//go:build !unix && !windows

package watchdog

import (
	"os"
	"os/exec"
)

func setChildProcAttr(*exec.Cmd) {}

func terminateProcess(p *os.Process) error {
	return p.Kill()
}
