package session

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// isProcessAlive checks for a process with kill(pid, 0). EPERM means the
// process exists but belongs to another user.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// descendantPIDs lists every descendant of pid, depth first, using pgrep.
func descendantPIDs(pid int) []int {
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}

	var pids []int
	for _, line := range strings.Fields(string(out)) {
		child, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, child)
		pids = append(pids, descendantPIDs(child)...)
	}
	return pids
}

// killProcessTree SIGKILLs the process group led by pid, then any
// descendants that moved to a group of their own, deepest first.
func killProcessTree(pid int) {
	if pid <= 0 {
		return
	}
	descendants := descendantPIDs(pid)

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	for i := len(descendants) - 1; i >= 0; i-- {
		if isProcessAlive(descendants[i]) {
			_ = syscall.Kill(descendants[i], syscall.SIGKILL)
		}
	}
	if isProcessAlive(pid) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// waitForExit blocks until done is closed or timeout elapses and reports
// whether the process exited.
func waitForExit(done <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
