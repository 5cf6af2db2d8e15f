//go:build linux

package proc

import "syscall"

// the server gets SIGTERM when warden dies without stopping it
func setParentDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGTERM
}
