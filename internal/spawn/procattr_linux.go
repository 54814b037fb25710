package spawn

import "syscall"

// sysProcAttr puts the worker in its own process group so terminal signals
// reach only the supervisor. Pdeathsig makes the kernel send SIGTERM to the
// worker if the supervisor dies without draining.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
