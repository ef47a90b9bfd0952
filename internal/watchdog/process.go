package watchdog

import "github.com/shirou/gopsutil/v4/process"

// processExists reports whether pid is in the host process table.
func processExists(pid int32) bool {
	ok, err := process.PidExists(pid)
	return err == nil && ok
}
