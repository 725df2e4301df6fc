package service

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// describeProcess reports whether pid is still alive, for diagnostics.
func describeProcess(pid int) string {
	if pid <= 0 {
		return "no encoder process"
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Sprintf("pid %d already exited", pid)
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return fmt.Sprintf("pid %d already exited", pid)
	}
	name, err := p.Name()
	if err != nil {
		return fmt.Sprintf("pid %d still running", pid)
	}
	return fmt.Sprintf("pid %d (%s) still running", pid, name)
}
