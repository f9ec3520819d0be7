//go:build !linux

package anvil

import "os/exec"

func startProcess(cmd *exec.Cmd, _ <-chan struct{}) error {
	return cmd.Start()
}
