//go:build windows

package worker

import (
	"os"
	"os/exec"
	"time"
)

func configureProcess(cmd *exec.Cmd) {}

func terminateTree(pid int, _ time.Duration) {
	if pid <= 0 {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Kill()
}

// pidAlive relies on FindProcess failing for dead PIDs on Windows.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
