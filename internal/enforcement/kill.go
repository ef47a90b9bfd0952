package enforcement

import (
	"errors"

	"github.com/shirou/gopsutil/v4/process"
)

// killProcess sends SIGKILL to pid. A process that is already gone counts as
// killed.
func killProcess(pid int32) error {
	p, err := process.NewProcess(pid)
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	return p.Kill()
}
