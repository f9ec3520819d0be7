//go:build linux

package anvil

import (
	"os/exec"
	"runtime"
	"syscall"
)

// startProcess starts cmd so the node is killed when the test binary dies
// without running cleanups.
//
// Pdeathsig fires when the forking OS thread exits, not the process
// (golang/go#27505), so the fork happens on a locked thread that is held until
// exited is closed.
func startProcess(cmd *exec.Cmd, exited <-chan struct{}) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	started := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		err := cmd.Start()
		started <- err

		if err == nil {
			<-exited
		}
	}()

	return <-started
}
