//go:build !unix

package pipeline

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup has no process groups to work with here, only the process
// itself is signalled.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return ErrNotStarted
	}
	if sig == syscall.SIGKILL {
		return p.Kill()
	}
	return p.Signal(sig)
}
