package shm

import (
	"github.com/shirou/gopsutil/process"
)

// PIDAlive reports whether a process with the given id exists on this host.
// A pid of 0 means "not published yet" and counts as alive.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return true
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return ok
}
