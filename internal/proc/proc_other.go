//go:build !unix

package proc

import (
	"errors"
	"os"
	"os/exec"
)

func setSysProcAttr(_ *exec.Cmd) {}

func (p *Process) signal(sig Signal) error {
	var err error
	if sig == Terminate {
		err = p.cmd.Process.Signal(os.Interrupt)
		if err == nil {
			return nil
		}
	}
	err = p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
