//go:build unix

package sandbox

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// terminate signals the whole process group so dev servers spawned by
// npm die with their parent.
func terminate(p *os.Process) error {
	return unix.Kill(-p.Pid, unix.SIGTERM)
}

func forceKill(p *os.Process) error {
	return unix.Kill(-p.Pid, unix.SIGKILL)
}
