//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func terminate(p *os.Process) error { return p.Kill() }

func forceKill(p *os.Process) error { return p.Kill() }
