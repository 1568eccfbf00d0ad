//go:build unix && !linux

package aegis

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// enforce applies the CPU share via scheduler niceness. Installing a
// memory rlimit in another process needs prlimit, which only Linux has;
// memory stays audit-only here.
func (g *Governor) enforce(agentID string, pid int, q Quota) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, niceForCPU(q.CPUPercent)); err != nil {
		return fmt.Errorf("governor: set priority for %s (pid %d): %w", agentID, pid, err)
	}
	g.log.Debug().Str("agent", agentID).Int("pid", pid).
		Int("cpu_percent", q.CPUPercent).
		Msg("quota applied, memory limit not enforceable on this platform")
	return nil
}
