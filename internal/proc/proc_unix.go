//go:build unix

package proc

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSysProcAttr puts the child into its own process group, so terminal
// signals meant for warden do not reach the server and Kill reaches any
// grandchildren too.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	setParentDeathSignal(cmd.SysProcAttr)
}

func (p *Process) signal(sig Signal) error {
	s := unix.SIGTERM
	if sig == Kill {
		s = unix.SIGKILL
	}
	err := unix.Kill(-p.pid, s)
	if errors.Is(err, unix.ESRCH) {
		// group already gone, try the leader itself
		err = unix.Kill(p.pid, s)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	return err
}
